// Package conntrack keeps the per-network connection tracking tables:
// tcp flows, tcp listeners and udp listeners.
package conntrack

import (
	"math/rand"
	"net/netip"

	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/metrics"
)

// Conntrack is owned by one virtual network and only used from its loop.
type Conntrack struct {
	vni uint32
	cfg Config

	// local => remote => flow
	tcpEntries map[Endpoint]map[Endpoint]*TCPEntry
	tcpListens map[Endpoint]*TCPListener
	udpListens map[Endpoint]*UDPListener

	insp   *metrics.Inspection
	logger log.Logger

	// ISS picks the initial send sequence of new flows.
	ISS func() uint32
}

// New returns the connection table of network vni.
func New(vni uint32, cfg Config, insp *metrics.Inspection) *Conntrack {
	if insp == nil {
		insp = metrics.NewInspection()
	}
	return &Conntrack{
		vni:        vni,
		cfg:        cfg.withDefaults(),
		tcpEntries: make(map[Endpoint]map[Endpoint]*TCPEntry),
		tcpListens: make(map[Endpoint]*TCPListener),
		udpListens: make(map[Endpoint]*UDPListener),
		insp:       insp,
		logger:     log.GetLogger().WithField("vni", vni),
		ISS:        rand.Uint32,
	}
}

// Config returns the TCP settings with defaults applied.
func (c *Conntrack) Config() Config { return c.cfg }

// LookupTCPListen finds the listener bound to dst, falling back to the
// wildcard address of the same family and port.
func (c *Conntrack) LookupTCPListen(dst Endpoint) *TCPListener {
	if l, ok := c.tcpListens[dst]; ok {
		return l
	}
	return c.tcpListens[netip.AddrPortFrom(bindAny(dst.Addr()), dst.Port())]
}

// LookupUDPListen never falls back to a wildcard bind.
func (c *Conntrack) LookupUDPListen(dst Endpoint) *UDPListener {
	return c.udpListens[dst]
}

// LookupTCP finds the flow from src to dst.
func (c *Conntrack) LookupTCP(src, dst Endpoint) *TCPEntry {
	m, ok := c.tcpEntries[dst]
	if !ok {
		return nil
	}
	return m[src]
}

// CreateTCP always succeeds. peerSeq is the sequence of the peer SYN, zero
// for an active open. An existing flow with the same tuple is destroyed.
func (c *Conntrack) CreateTCP(listener *TCPListener, src, dst Endpoint, peerSeq uint32) *TCPEntry {
	m, ok := c.tcpEntries[dst]
	if !ok {
		m = make(map[Endpoint]*TCPEntry)
		c.tcpEntries[dst] = m
	}
	e := newTCPEntry(listener, src, dst, peerSeq, c.ISS(), c.cfg)
	if old, ok := m[src]; ok {
		c.logger.WithField("flow", old.String()).Error("found old connection but a new connection with the same tuple is created")
		c.insp.ConntrackAnomaliesTotal.WithLabelValues(metrics.VNI(c.vni), "tcp").Inc()
		old.Destroy()
	} else {
		c.insp.TCPFlows.WithLabelValues(metrics.VNI(c.vni)).Inc()
	}
	m[src] = e
	return e
}

// ListenTCP binds a listener on dst. An existing listener on dst is
// destroyed and replaced.
func (c *Conntrack) ListenTCP(dst Endpoint, h ListenHandler) *TCPListener {
	l := newTCPListener(dst, h)
	if old, ok := c.tcpListens[dst]; ok {
		c.logger.WithField("listen", old.String()).Error("found old listening entry but trying to listen again")
		c.insp.ConntrackAnomaliesTotal.WithLabelValues(metrics.VNI(c.vni), "tcp-listen").Inc()
		old.Destroy()
	}
	c.tcpListens[dst] = l
	return l
}

// ListenUDP binds h on dst, replacing any previous binding.
func (c *Conntrack) ListenUDP(dst Endpoint, h UDPHandler) *UDPListener {
	l := &UDPListener{Local: dst, handler: h}
	if old, ok := c.udpListens[dst]; ok {
		c.logger.WithField("listen", old.String()).Error("found old listening entry but trying to listen again")
		c.insp.ConntrackAnomaliesTotal.WithLabelValues(metrics.VNI(c.vni), "udp-listen").Inc()
		old.Destroy()
	}
	c.udpListens[dst] = l
	return l
}

// RemoveTCPListen destroys the listener bound to dst, if any. Accepted
// flows are not affected.
func (c *Conntrack) RemoveTCPListen(dst Endpoint) {
	if l, ok := c.tcpListens[dst]; ok {
		l.Destroy()
		delete(c.tcpListens, dst)
	}
}

// RemoveUDPListen destroys the binding on dst, if any.
func (c *Conntrack) RemoveUDPListen(dst Endpoint) {
	if l, ok := c.udpListens[dst]; ok {
		l.Destroy()
		delete(c.udpListens, dst)
	}
}

// RemoveTCP removes and destroys the flow, pruning the bucket when empty.
func (c *Conntrack) RemoveTCP(src, dst Endpoint) {
	m, ok := c.tcpEntries[dst]
	if !ok {
		return
	}
	e, ok := m[src]
	if !ok {
		return
	}
	delete(m, src)
	if len(m) == 0 {
		delete(c.tcpEntries, dst)
	}
	c.insp.TCPFlows.WithLabelValues(metrics.VNI(c.vni)).Dec()
	e.Destroy()
}

// CountTCPEntries returns the number of tracked flows.
func (c *Conntrack) CountTCPEntries() int {
	n := 0
	for _, m := range c.tcpEntries {
		n += len(m)
	}
	return n
}

// ListTCPEntries returns the tracked flows in no particular order.
func (c *Conntrack) ListTCPEntries() []*TCPEntry {
	ls := make([]*TCPEntry, 0, c.CountTCPEntries())
	for _, m := range c.tcpEntries {
		for _, e := range m {
			ls = append(ls, e)
		}
	}
	return ls
}

func (c *Conntrack) CountListenEntries() int { return len(c.tcpListens) }

// ListListenEntries returns the TCP listeners in no particular order.
func (c *Conntrack) ListListenEntries() []*TCPListener {
	ls := make([]*TCPListener, 0, len(c.tcpListens))
	for _, l := range c.tcpListens {
		ls = append(ls, l)
	}
	return ls
}

// buckets is the number of per-destination maps currently held.
func (c *Conntrack) buckets() int { return len(c.tcpEntries) }

// Clear destroys every flow and listener. Used when the network is removed.
func (c *Conntrack) Clear() {
	for _, e := range c.ListTCPEntries() {
		c.RemoveTCP(e.Remote, e.Local)
	}
	for k := range c.tcpListens {
		c.RemoveTCPListen(k)
	}
	for k := range c.udpListens {
		c.RemoveUDPListen(k)
	}
}

func bindAny(a netip.Addr) netip.Addr {
	if a.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}
