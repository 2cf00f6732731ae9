// Package network implements the virtual network (VRF): its MAC, ARP and
// route tables, the synthetic IPs hosted by the switch and the conntrack
// table of the user space stack.
package network

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"firestige.xyz/vswitch/internal/conntrack"
	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/loop"
	"firestige.xyz/vswitch/internal/metrics"
)

const (
	DefaultMACTableTimeout = 300 * time.Second
	DefaultARPTableTimeout = 4 * time.Hour

	localPortMin = 32768
	localPortMax = 61000
)

// Config describes one virtual network.
type Config struct {
	VNI             uint32
	V4Net           netip.Prefix
	V6Net           netip.Prefix
	MACTableTimeout time.Duration
	ARPTableTimeout time.Duration
	TCP             conntrack.Config
}

// VirtualNetwork is owned by one loop. Every method must be called on it.
type VirtualNetwork struct {
	VNI   uint32
	V4Net netip.Prefix
	V6Net netip.Prefix

	Loop      loop.Loop
	Conntrack *conntrack.Conntrack
	MACTable  *MACTable
	ARPTable  *ARPTable
	IPs       *SyntheticIPs
	Routes    *RouteTable

	agingInterval time.Duration
	agingTimer    loop.Timer
	destroyed     bool
	logger        log.Logger
}

// New creates the network and its tables. Aging starts with StartAging on
// the owning loop.
func New(cfg Config, l loop.Loop, insp *metrics.Inspection) (*VirtualNetwork, error) {
	if cfg.V4Net.IsValid() && !cfg.V4Net.Addr().Is4() {
		return nil, fmt.Errorf("vni %d: v4 network %s is not ipv4: %w", cfg.VNI, cfg.V4Net, core.ErrConfigInvalid)
	}
	if cfg.V6Net.IsValid() && !cfg.V6Net.Addr().Is6() {
		return nil, fmt.Errorf("vni %d: v6 network %s is not ipv6: %w", cfg.VNI, cfg.V6Net, core.ErrConfigInvalid)
	}
	if cfg.MACTableTimeout <= 0 {
		cfg.MACTableTimeout = DefaultMACTableTimeout
	}
	if cfg.ARPTableTimeout <= 0 {
		cfg.ARPTableTimeout = DefaultARPTableTimeout
	}
	n := &VirtualNetwork{
		VNI:           cfg.VNI,
		V4Net:         cfg.V4Net.Masked(),
		V6Net:         cfg.V6Net.Masked(),
		Loop:          l,
		Conntrack:     conntrack.New(cfg.VNI, cfg.TCP, insp),
		MACTable:      NewMACTable(cfg.MACTableTimeout),
		ARPTable:      NewARPTable(cfg.ARPTableTimeout),
		IPs:           newSyntheticIPs(),
		Routes:        &RouteTable{},
		agingInterval: min(cfg.MACTableTimeout, cfg.ARPTableTimeout),
		logger:        log.GetLogger().WithField("vni", cfg.VNI),
	}
	return n, nil
}

// StartAging arms the periodic purge of expired MAC and ARP entries on the
// network's loop.
func (n *VirtualNetwork) StartAging() {
	if n.agingTimer != nil || n.destroyed {
		return
	}
	n.agingTimer = n.Loop.Delay(n.agingInterval, func() {
		n.agingTimer = nil
		n.MACTable.Expire()
		n.ARPTable.Expire()
		n.StartAging()
	})
}

// Contains reports whether ip belongs to the network's own CIDRs.
func (n *VirtualNetwork) Contains(ip netip.Addr) bool {
	if ip.Is4() {
		return n.V4Net.IsValid() && n.V4Net.Contains(ip)
	}
	return n.V6Net.IsValid() && n.V6Net.Contains(ip)
}

// AddIP hosts a synthetic ip answered by the switch.
func (n *VirtualNetwork) AddIP(ip netip.Addr, mac net.HardwareAddr) error {
	if !n.Contains(ip) {
		return fmt.Errorf("vni %d: ip %s outside of the network: %w", n.VNI, ip, core.ErrConfigInvalid)
	}
	if err := n.IPs.Add(ip, mac); err != nil {
		return err
	}
	n.logger.WithField("ip", ip.String()).Infof("synthetic ip added with mac %s", mac)
	return nil
}

// Lookup resolves the MAC of ip from the ARP table, then the synthetic IPs.
func (n *VirtualNetwork) Lookup(ip netip.Addr) net.HardwareAddr {
	if mac := n.ARPTable.Lookup(ip); mac != nil {
		return mac
	}
	if mac, ok := n.IPs.Lookup(ip); ok {
		return mac
	}
	return nil
}

// FindFreeUDPEndpoint picks a random unbound port on a synthetic ip of the
// same family as remote.
func (n *VirtualNetwork) FindFreeUDPEndpoint(remote netip.AddrPort) (netip.AddrPort, error) {
	for _, ip := range n.IPs.All() {
		if ip.Is4() != remote.Addr().Is4() {
			continue
		}
		for i := 0; i < 100; i++ {
			port := uint16(rand.Intn(localPortMax-localPortMin) + localPortMin)
			ep := netip.AddrPortFrom(ip, port)
			if n.Conntrack.LookupUDPListen(ep) == nil {
				return ep, nil
			}
		}
		n.logger.WithField("ip", ip.String()).Debug("unable to allocate a free udp port")
	}
	return netip.AddrPort{}, fmt.Errorf("vni %d: %w", n.VNI, core.ErrNoFreePort)
}

func (n *VirtualNetwork) IsDestroyed() bool { return n.destroyed }

// Destroy tears down timers, flows and learned entries.
func (n *VirtualNetwork) Destroy() {
	if n.destroyed {
		return
	}
	n.destroyed = true
	if n.agingTimer != nil {
		n.agingTimer.Cancel()
		n.agingTimer = nil
	}
	n.Conntrack.Clear()
	n.MACTable.Clear()
	n.ARPTable.Clear()
	n.logger.Info("virtual network destroyed")
}

func (n *VirtualNetwork) String() string {
	return fmt.Sprintf("network{vni=%d v4=%s v6=%s}", n.VNI, n.V4Net, n.V6Net)
}
