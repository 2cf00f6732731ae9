package stack

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"

	"firestige.xyz/vswitch/internal/conntrack"
	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/graph"
	"firestige.xyz/vswitch/internal/network"
	"firestige.xyz/vswitch/internal/packet"
)

// ipInput dispatches packets for synthetic IPs to the l4 stacks and hands
// everything else to routing.
type ipInput struct {
	graph.Base
	s *Stack
}

func (i *ipInput) Handle(pkb *packet.Buffer) graph.Result {
	n := i.s.network(pkb)
	if n == nil {
		return graph.Drop()
	}
	dst := packet.AddrFromIP(pkb.DstIP())
	if _, ok := n.IPs.Lookup(dst); !ok {
		return graph.Next(NodeIPRoute)
	}
	switch {
	case pkb.IsTCP():
		return graph.Next(NodeTCPInput)
	case pkb.IsUDP():
		return graph.Next(NodeUDPInput)
	default:
		return graph.Drop()
	}
}

// ipRoute forwards frames sent to a synthetic MAC but not to a synthetic IP.
type ipRoute struct {
	graph.Base
	s *Stack
}

func (r *ipRoute) Handle(pkb *packet.Buffer) graph.Result {
	n := r.s.network(pkb)
	if n == nil {
		return graph.Drop()
	}
	dst := packet.AddrFromIP(pkb.DstIP())
	if n.Contains(dst) {
		if err := pkb.StripEthernet(); err != nil {
			return graph.Drop()
		}
		return graph.Next(NodeIPOutput)
	}
	route, ok := n.Routes.Lookup(dst)
	if !ok {
		return graph.Drop()
	}
	if route.IsGateway() {
		mac := n.Lookup(route.Gateway)
		if mac == nil {
			r.s.requestARP(n, route.Gateway)
			return graph.Drop()
		}
		self := net.HardwareAddr(bytes.Clone(pkb.Eth.DstMAC))
		if err := pkb.SetEthernet(self, mac); err != nil {
			return graph.Drop()
		}
		pkb.DevIn = nil
		return graph.Next(NodeL2Forward)
	}
	if err := pkb.StripEthernet(); err != nil {
		return graph.Drop()
	}
	if route.ToVNI == n.VNI {
		return graph.Next(NodeIPOutput)
	}
	return r.s.reinject(n, pkb, route)
}

// reinject hands an l3 buffer to the network the route points at, on that
// network's loop.
func (s *Stack) reinject(from *network.VirtualNetwork, pkb *packet.Buffer, route network.Route) graph.Result {
	to := s.ctx.Network(route.ToVNI)
	if to == nil || to.IsDestroyed() {
		if s.logger.IsDebugEnabled() {
			s.logger.WithField("vni", from.VNI).Debugf("route %s points at a missing network", route)
		}
		return graph.Drop()
	}
	pkb.Retain()
	to.Loop.RunOnLoop(func() {
		pkb.SetVNI(to.VNI)
		pkb.DevIn = nil
		pkb.Flow = nil
		s.ctx.Output(pkb, NodeIPOutput)
	})
	return graph.Stolen()
}

// ipOutput puts the ethernet header on l3 buffers: the source MAC of the
// synthetic ip (or any synthetic ip of the family) and the resolved MAC of
// the next hop.
type ipOutput struct {
	graph.Base
	s *Stack
}

func (o *ipOutput) Handle(pkb *packet.Buffer) graph.Result {
	n := o.s.network(pkb)
	if n == nil {
		return graph.Drop()
	}
	if !pkb.IsL3() {
		return graph.Pass()
	}
	src := packet.AddrFromIP(pkb.SrcIP())
	dst := packet.AddrFromIP(pkb.DstIP())
	nextHop := dst
	if !n.Contains(dst) {
		route, ok := n.Routes.Lookup(dst)
		switch {
		case !ok:
			return graph.Drop()
		case route.IsGateway():
			nextHop = route.Gateway
		case route.ToVNI != n.VNI:
			return o.s.reinject(n, pkb, route)
		}
	}
	srcMAC := sourceMAC(n, src)
	if srcMAC == nil {
		return graph.Drop()
	}
	dstMAC := n.Lookup(nextHop)
	if dstMAC == nil {
		o.s.requestARP(n, nextHop)
		return graph.Drop()
	}
	if err := pkb.SetEthernet(srcMAC, dstMAC); err != nil {
		o.s.logger.WithError(err).Error("failed to build ethernet header")
		return graph.Drop()
	}
	// generated or routed, the ingress iface is a valid egress
	pkb.DevIn = nil
	return graph.Pass()
}

func sourceMAC(n *network.VirtualNetwork, src netip.Addr) net.HardwareAddr {
	if mac, ok := n.IPs.Lookup(src); ok {
		return mac
	}
	for _, ip := range n.IPs.All() {
		if ip.Is4() == src.Is4() {
			mac, _ := n.IPs.Lookup(ip)
			return mac
		}
	}
	return nil
}

// l4Output is the entry of generated packets.
type l4Output struct {
	graph.Base
	s *Stack
}

func (o *l4Output) Handle(pkb *packet.Buffer) graph.Result {
	if o.s.network(pkb) == nil {
		return graph.Drop()
	}
	pkb.SkipPreHandle = false
	return graph.Pass()
}

// udpInput delivers datagrams to bound udp listeners.
type udpInput struct {
	graph.Base
	s *Stack
}

func (u *udpInput) Handle(pkb *packet.Buffer) graph.Result {
	n := u.s.network(pkb)
	if n == nil {
		return graph.Drop()
	}
	src, dst := endpoints(pkb, uint16(pkb.UDP.SrcPort), uint16(pkb.UDP.DstPort))
	l := n.Conntrack.LookupUDPListen(dst)
	if l == nil {
		return graph.Drop()
	}
	pkb.UDPListener = l
	l.Deliver(conntrack.Datagram{Remote: src, Data: bytes.Clone(pkb.UDP.Payload)})
	return graph.Stolen()
}

// SendUDP sends data from the listener's bind to remote.
func (s *Stack) SendUDP(n *network.VirtualNetwork, l *conntrack.UDPListener, remote netip.AddrPort, data []byte) error {
	if l.IsDestroyed() {
		return fmt.Errorf("udp %s: %w", l.Local, core.ErrConnClosed)
	}
	ip, err := packet.BuildUDP(l.Local, remote, data)
	if err != nil {
		return err
	}
	s.output(n, ip, nil)
	return nil
}
