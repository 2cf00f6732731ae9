// Package iface implements the interface variants attached to the switch.
package iface

import (
	"sync/atomic"

	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/packet"
)

// Encapsulation overheads in bytes.
const (
	vxlanOverhead = 14 /* inner ethernet */ + 8 /* vxlan */ + 8 /* udp */ + 40 /* ipv6 */
	userOverhead  = 28 /* encryption header */ + vxlanOverhead
	vlanTagLen    = 4
)

// Callback is implemented by the switch owning the interface.
type Callback interface {
	// Received hands a decoded frame to the pipeline. It takes over the
	// buffer reference.
	Received(pkb *packet.Buffer)
	// DeviceDown reports that the interface went away by itself.
	DeviceDown(i packet.Iface)
}

type InitParams struct {
	Callback   Callback
	Inspection *metrics.Inspection
}

// Initializer is implemented by interfaces that need the switch context
// before use.
type Initializer interface {
	Init(p InitParams) error
}

type base struct {
	name      string
	kind      packet.Kind
	stats     *packet.Statistics
	cb        Callback
	destroyed atomic.Bool
	logger    log.Logger
}

func newBase(name string, kind packet.Kind) base {
	return base{
		name:   name,
		kind:   kind,
		stats:  packet.NewStatistics(name, nil),
		logger: log.GetLogger().WithField("iface", name),
	}
}

func (b *base) init(p InitParams) {
	b.cb = p.Callback
	b.stats = packet.NewStatistics(b.name, p.Inspection)
}

func (b *base) Name() string                   { return b.name }
func (b *base) Kind() packet.Kind              { return b.kind }
func (b *base) Statistics() *packet.Statistics { return b.stats }
func (b *base) IsDestroyed() bool              { return b.destroyed.Load() }
func (b *base) String() string                 { return "Iface(" + b.name + ")" }

// markDestroyed reports whether this call destroyed the interface.
func (b *base) markDestroyed() bool {
	return b.destroyed.CompareAndSwap(false, true)
}

// received decodes a frame and hands it to the callback.
func (b *base) received(pkb *packet.Buffer) {
	if err := pkb.Decode(); err != nil {
		if b.logger.IsDebugEnabled() {
			b.logger.WithError(err).Debug("got invalid packet")
		}
		b.stats.IncRxErr()
		pkb.Release()
		return
	}
	b.stats.IncRx(pkb.Len())
	if b.cb == nil {
		b.logger.Warn("interface is not initialized, packet dropped")
		pkb.Release()
		return
	}
	b.cb.Received(pkb)
}
