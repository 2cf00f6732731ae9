package stack

import (
	"bytes"
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"

	"firestige.xyz/vswitch/internal/graph"
	"firestige.xyz/vswitch/internal/network"
	"firestige.xyz/vswitch/internal/packet"
)

func isUnicast(mac net.HardwareAddr) bool { return len(mac) == 6 && mac[0]&1 == 0 }

// devInput resolves the network of a received frame and learns its source.
type devInput struct {
	graph.Base
	s *Stack
}

func (d *devInput) Handle(pkb *packet.Buffer) graph.Result {
	if pkb.DevIn == nil || pkb.IsL3() {
		return graph.Drop()
	}
	hint, _ := pkb.VNI()
	vni := pkb.DevIn.LocalSideVRF(hint)
	n := d.s.ctx.Network(vni)
	if n == nil || n.IsDestroyed() {
		if d.s.logger.IsDebugEnabled() {
			d.s.logger.WithFields(map[string]interface{}{
				"iface": pkb.DevIn.Name(),
				"vni":   vni,
			}).Debug("no network for received frame")
		}
		return graph.Drop()
	}
	pkb.SetVNI(vni)
	pkb.IfaceInput = true

	src := pkb.Eth.SrcMAC
	if isUnicast(src) && !n.IPs.HasMAC(src) {
		n.MACTable.Record(src, pkb.DevIn)
		if ip := packet.AddrFromIP(pkb.SrcIP()); ip.IsValid() && n.Contains(ip) {
			n.ARPTable.Record(ip, src)
		}
	}
	return graph.Pass()
}

// ethernetInput terminates frames addressed to synthetic MACs and forwards
// the rest.
type ethernetInput struct {
	graph.Base
	s *Stack
}

func (e *ethernetInput) Handle(pkb *packet.Buffer) graph.Result {
	n := e.s.network(pkb)
	if n == nil {
		return graph.Drop()
	}
	dst := pkb.Eth.DstMAC
	switch {
	case pkb.IsARP():
		return graph.Next(NodeARPInput)
	case n.IPs.HasMAC(dst):
		if pkb.IsIP() {
			return graph.Next(NodeIPInput)
		}
		return graph.Drop()
	default:
		return graph.Next(NodeL2Forward)
	}
}

// arpInput learns from ARP and answers requests for synthetic IPs.
type arpInput struct {
	graph.Base
	s *Stack
}

func (a *arpInput) Handle(pkb *packet.Buffer) graph.Result {
	n := a.s.network(pkb)
	if n == nil {
		return graph.Drop()
	}
	arp := &pkb.ARP
	sender, ok := netip.AddrFromSlice(arp.SourceProtAddress)
	if ok && n.Contains(sender) && !n.IPs.HasMAC(arp.SourceHwAddress) {
		n.ARPTable.Record(sender, net.HardwareAddr(bytes.Clone(arp.SourceHwAddress)))
	}

	switch arp.Operation {
	case layers.ARPRequest:
		target, _ := netip.AddrFromSlice(arp.DstProtAddress)
		mac, ok := n.IPs.Lookup(target)
		if !ok {
			return graph.Next(NodeL2Forward)
		}
		if pkb.DevIn == nil {
			return graph.Drop()
		}
		reply, err := packet.BuildARPReply(arp, mac)
		if err != nil {
			a.s.logger.WithError(err).Error("failed to build arp reply")
			return graph.Drop()
		}
		if err := pkb.ReplaceFrame(reply); err != nil {
			return graph.Drop()
		}
		return graph.Redirect(pkb.DevIn)
	case layers.ARPReply:
		if n.IPs.HasMAC(pkb.Eth.DstMAC) {
			return graph.Stolen()
		}
		return graph.Next(NodeL2Forward)
	default:
		return graph.Drop()
	}
}

// l2Forward sends known unicast to the learned interface and floods the
// rest to every interface of the network except the ingress one.
type l2Forward struct {
	graph.Base
	s *Stack
}

func (f *l2Forward) Handle(pkb *packet.Buffer) graph.Result {
	n := f.s.network(pkb)
	if n == nil {
		return graph.Drop()
	}
	dst := pkb.Eth.DstMAC
	if isUnicast(dst) {
		if iface := n.MACTable.Lookup(dst); iface != nil && !iface.IsDestroyed() {
			if iface == pkb.DevIn {
				return graph.Drop()
			}
			return graph.Redirect(iface)
		}
	}
	f.s.flood(n, pkb)
	return graph.Stolen()
}

func (s *Stack) flood(n *network.VirtualNetwork, pkb *packet.Buffer) {
	for _, iface := range s.ctx.Ifaces() {
		if iface == pkb.DevIn || iface.IsDestroyed() {
			continue
		}
		if iface.LocalSideVRF(n.VNI) != n.VNI {
			continue
		}
		s.ctx.SendPacket(iface, pkb)
	}
}

// requestARP broadcasts a request for target from a synthetic ip of the
// network. Only ipv4 is resolved.
func (s *Stack) requestARP(n *network.VirtualNetwork, target netip.Addr) {
	if !target.Is4() {
		return
	}
	for _, ip := range n.IPs.All() {
		if !ip.Is4() {
			continue
		}
		mac, _ := n.IPs.Lookup(ip)
		frame, err := packet.BuildARPRequest(mac, ip, target)
		if err != nil {
			s.logger.WithError(err).Error("failed to build arp request")
			return
		}
		req := packet.FromFrame(nil, frame)
		if err := req.Decode(); err != nil {
			req.Release()
			return
		}
		req.SetVNI(n.VNI)
		s.ctx.Output(req, NodeL2Forward)
		return
	}
}
