package iface

import (
	"sync"

	"firestige.xyz/vswitch/internal/packet"
)

// Frame is one packet handed to a tx ring.
type Frame struct {
	Chunk *packet.Chunk
	Off   int
	Len   int

	// buf is set when the frame is sent zero-copy from a received buffer
	buf *packet.Buffer
}

func (f Frame) Bytes() []byte { return f.Chunk.Bytes()[f.Off : f.Off+f.Len] }

// Done returns the frame memory once the ring transmitted it.
func (f Frame) Done() {
	if f.buf != nil {
		f.buf.Release()
		return
	}
	f.Chunk.Release()
}

// Ring is a kernel-bypass rx/tx ring pair sharing one chunk pool.
type Ring interface {
	Pool() *packet.Pool
	TxSize() int
	// Write hands frames to the tx ring and returns how many were accepted.
	// Accepted frames are owned by the ring, which calls Done on them.
	Write(frames []Frame) int
	Close() error
}

// RingIface sends and receives through a Ring. Frames whose chunk belongs
// to the ring pool are sent without copying.
type RingIface struct {
	base
	nic   string
	queue int
	ring  Ring
	vni   uint32

	mu      sync.Mutex
	sending []Frame
}

// NewRingIface wraps queue of nic. Every frame belongs to network vni.
func NewRingIface(nic string, queue int, ring Ring, vni uint32) *RingIface {
	return &RingIface{
		base:  newBase("ring:"+nic, packet.KindRing),
		nic:   nic,
		queue: queue,
		ring:  ring,
		vni:   vni,
	}
}

func (r *RingIface) Init(p InitParams) error {
	r.init(p)
	return nil
}

func (r *RingIface) Overhead() int { return 0 }

func (r *RingIface) LocalSideVRF(uint32) uint32 { return r.vni }

// Deliver wraps n bytes at off of c, received from the rx ring, and feeds
// them to the switch.
func (r *RingIface) Deliver(c *packet.Chunk, off, n int) {
	if r.IsDestroyed() {
		c.Release()
		return
	}
	pkb := packet.FromChunk(r, c, off, n)
	pkb.SetVNI(r.vni)
	r.received(pkb)
}

func (r *RingIface) SendPacket(pkb *packet.Buffer) {
	if r.IsDestroyed() {
		return
	}
	r.mu.Lock()
	full := len(r.sending) >= r.ring.TxSize()
	r.mu.Unlock()
	if full {
		r.CompleteTx()
	}

	if c, off, ok := pkb.ChunkFrame(); ok && c.Pool() == r.ring.Pool() {
		if r.logger.IsTraceEnabled() {
			r.logger.Trace("directly send packet without copying")
		}
		r.enqueue(Frame{Chunk: c, Off: off, Len: pkb.Len(), buf: pkb.Retain()}, pkb)
		return
	}

	c, err := r.ring.Pool().Get()
	if err != nil {
		if r.logger.IsDebugEnabled() {
			r.logger.Debug("packet dropped because there are no free chunks available")
		}
		r.stats.IncExhausted()
		return
	}
	if pkb.Len() > len(c.Bytes()) {
		r.logger.Warnf("chunk too small for packet, pkt: %d, available: %d", pkb.Len(), len(c.Bytes()))
		r.stats.IncTxErr()
		c.Release()
		return
	}
	n := copy(c.Bytes(), pkb.Bytes())
	r.enqueue(Frame{Chunk: c, Len: n}, pkb)
}

func (r *RingIface) enqueue(f Frame, pkb *packet.Buffer) {
	r.mu.Lock()
	r.sending = append(r.sending, f)
	r.mu.Unlock()
	r.stats.IncTx(f.Len)

	// generated packets are not followed by a CompleteTx of an input round
	if !pkb.IfaceInput {
		r.CompleteTx()
	}
}

func (r *RingIface) CompleteTx() {
	r.mu.Lock()
	frames := r.sending
	r.sending = nil
	r.mu.Unlock()
	if len(frames) == 0 {
		return
	}
	n := r.ring.Write(frames)
	for _, f := range frames[n:] {
		f.Done()
		r.stats.IncTxErr()
	}
	if n != len(frames) && r.logger.IsDebugEnabled() {
		r.logger.Debugf("write ring frames %d, succeeded = %d", len(frames), n)
	}
}

func (r *RingIface) Destroy() {
	if !r.markDestroyed() {
		return
	}
	r.mu.Lock()
	frames := r.sending
	r.sending = nil
	r.mu.Unlock()
	for _, f := range frames {
		f.Done()
	}
	if err := r.ring.Close(); err != nil {
		r.logger.WithError(err).Error("closing ring failed")
	}
	r.logger.Infof("ring interface destroyed, queue %d", r.queue)
}
