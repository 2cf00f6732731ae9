// Package filter runs pluggable packet filters in front of the switch graph.
package filter

import (
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/vswitch/internal/packet"
)

// Result is the verdict of a filter.
type Result int

const (
	// Pass hands the packet to the next filter.
	Pass Result = iota
	// Drop discards the packet.
	Drop
	// Redirect sends the packet to pkb.DevRedirect.
	Redirect
	// Tx sends the packet back out of the interface it came from.
	Tx
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case Drop:
		return "drop"
	case Redirect:
		return "redirect"
	case Tx:
		return "tx"
	default:
		return "unknown"
	}
}

// Filter inspects ingress packets. It runs on the loop owning the packet and
// must not keep pkb after returning.
type Filter interface {
	Name() string
	HandleIngress(h *Helper, pkb *packet.Buffer) Result
}

// Sender queues a packet on an interface. The caller keeps its reference.
type Sender interface {
	SendPacket(iface packet.Iface, pkb *packet.Buffer)
}

// Helper is the toolbox handed to filters.
type Helper struct {
	sender Sender
	now    func() time.Time
}

// NewHelper returns a helper sending copies through s.
func NewHelper(s Sender) *Helper {
	return &Helper{sender: s, now: time.Now}
}

// SendPacket sends a copy of pkb to iface. pkb itself continues through the
// filters.
func (h *Helper) SendPacket(pkb *packet.Buffer, iface packet.Iface) {
	if iface == nil {
		return
	}
	cp := pkb.Clone()
	h.sender.SendPacket(iface, cp)
	cp.Release()
}

// Redirect marks pkb for iface. A nil iface drops the packet.
func (h *Helper) Redirect(pkb *packet.Buffer, iface packet.Iface) Result {
	if iface == nil {
		return Drop
	}
	pkb.DevRedirect = iface
	return Redirect
}

// RateLimitBits takes the size of pkb in bits from l and reports whether
// the packet may pass.
func (h *Helper) RateLimitBits(pkb *packet.Buffer, l *rate.Limiter) bool {
	return l.AllowN(h.now(), pkb.Len()*8)
}

// RateLimitPackets takes one token from l.
func (h *Helper) RateLimitPackets(_ *packet.Buffer, l *rate.Limiter) bool {
	return l.AllowN(h.now(), 1)
}
