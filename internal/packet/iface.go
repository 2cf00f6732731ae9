package packet

import (
	"sync/atomic"

	"firestige.xyz/vswitch/internal/metrics"
)

// Kind names the implementation of an Iface.
type Kind string

const (
	KindRing         Kind = "ring"
	KindBareVXLan    Kind = "vxlan"
	KindRemoteSwitch Kind = "remote-switch"
	KindVLan         Kind = "vlan"
	KindUser         Kind = "user"
)

// Iface is an attachment point of the switch.
type Iface interface {
	Name() string
	Kind() Kind
	// SendPacket queues pkb for transmission without blocking. The interface
	// retains pkb until the send completes; the caller keeps its own reference.
	SendPacket(pkb *Buffer)
	// CompleteTx flushes everything queued since the last call.
	CompleteTx()
	// Overhead is the number of bytes added by encapsulation on egress.
	Overhead() int
	// LocalSideVRF resolves the network of a received frame. hint is the
	// vni carried by the frame, if any.
	LocalSideVRF(hint uint32) uint32
	// Destroy releases the interface. Calling it again does nothing.
	Destroy()
	IsDestroyed() bool
	Statistics() *Statistics
}

// LocalSideVRFSetter is implemented by interfaces bound to one network.
type LocalSideVRFSetter interface {
	SetLocalSideVRF(vni uint32)
}

// RemoteSideVNIGetterSetter is implemented by overlay links that tag frames
// with the vni of the remote side.
type RemoteSideVNIGetterSetter interface {
	RemoteSideVNI() uint32
	SetRemoteSideVNI(vni uint32)
}

// SubIface is implemented by interfaces delegating I/O to a parent.
type SubIface interface {
	Parent() Iface
}

// Statistics counts traffic of one interface and mirrors it into the
// inspection context when one is attached.
type Statistics struct {
	name string
	insp *metrics.Inspection

	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	rxErrors  atomic.Uint64
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
	txErrors  atomic.Uint64
}

// NewStatistics returns counters for interface name, exported through
// insp when it is not nil.
func NewStatistics(name string, insp *metrics.Inspection) *Statistics {
	return &Statistics{name: name, insp: insp}
}

func (s *Statistics) IncRx(n int) {
	s.rxPackets.Add(1)
	s.rxBytes.Add(uint64(n))
	if s.insp != nil {
		s.insp.IfaceRxPacketsTotal.WithLabelValues(s.name).Inc()
		s.insp.IfaceRxBytesTotal.WithLabelValues(s.name).Add(float64(n))
	}
}

// IncRxErr counts a received frame that failed to decode.
func (s *Statistics) IncRxErr() {
	s.rxErrors.Add(1)
	if s.insp != nil {
		s.insp.ParseErrorsTotal.WithLabelValues(s.name).Inc()
	}
}

func (s *Statistics) IncTx(n int) {
	s.txPackets.Add(1)
	s.txBytes.Add(uint64(n))
	if s.insp != nil {
		s.insp.IfaceTxPacketsTotal.WithLabelValues(s.name).Inc()
		s.insp.IfaceTxBytesTotal.WithLabelValues(s.name).Add(float64(n))
	}
}

func (s *Statistics) IncTxErr() {
	s.txErrors.Add(1)
	if s.insp != nil {
		s.insp.IfaceTxErrorsTotal.WithLabelValues(s.name).Inc()
	}
}

// IncExhausted counts a transmit dropped for lack of a free chunk or queue
// slot. It is also a transmit error.
func (s *Statistics) IncExhausted() {
	s.IncTxErr()
	if s.insp != nil {
		s.insp.BufferExhaustedTotal.WithLabelValues(s.name).Inc()
	}
}

// Name is the interface label used for metrics.
func (s *Statistics) Name() string { return s.name }

type StatisticsSnapshot struct {
	RxPackets uint64
	RxBytes   uint64
	RxErrors  uint64
	TxPackets uint64
	TxBytes   uint64
	TxErrors  uint64
}

func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		RxPackets: s.rxPackets.Load(),
		RxBytes:   s.rxBytes.Load(),
		RxErrors:  s.rxErrors.Load(),
		TxPackets: s.txPackets.Load(),
		TxBytes:   s.txBytes.Load(),
		TxErrors:  s.txErrors.Load(),
	}
}
