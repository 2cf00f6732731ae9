package conntrack

import (
	"fmt"

	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/loop"
)

// ConnHandler receives events of a single flow. Callbacks run on the owning loop.
type ConnHandler interface {
	// Readable is called when payload was stored or the peer sent FIN.
	Readable(e *TCPEntry)
	// Closed is called once when the flow is destroyed.
	Closed(e *TCPEntry)
}

// TCPEntry is one tracked tcp flow. Remote is the peer, Local is the
// synthetic endpoint hosted by the switch.
type TCPEntry struct {
	Remote Endpoint
	Local  Endpoint

	state  TCPState
	Send   *SendQueue
	Recv   *ReceiveQueue
	parent *TCPListener

	RetransmissionTimer loop.Timer
	DelayedAckTimer     loop.Timer

	peerFin   bool
	handler   ConnHandler
	onDestroy []func(*TCPEntry)
	destroyed bool
}

func newTCPEntry(parent *TCPListener, remote, local Endpoint, peerSeq, iss uint32, cfg Config) *TCPEntry {
	e := &TCPEntry{
		Remote: remote,
		Local:  local,
		state:  Closed,
		Send:   NewSendQueue(cfg.SendBuffer, iss),
		Recv:   NewReceiveQueue(cfg.ReceiveBuffer),
		parent: parent,
	}
	e.Recv.SetInitialSeq(peerSeq + 1)
	if parent != nil {
		parent.synBacklog[e] = struct{}{}
	}
	return e
}

func (e *TCPEntry) String() string {
	return fmt.Sprintf("%s->%s", e.Remote, e.Local)
}

func (e *TCPEntry) State() TCPState { return e.state }

// SetState moves the flow to s and logs the transition.
func (e *TCPEntry) SetState(s TCPState) {
	if e.state == s {
		return
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"flow": e.String(),
		"from": e.state.String(),
	}).Tracef("tcp state -> %s", s)
	e.state = s
}

func (e *TCPEntry) Parent() *TCPListener { return e.parent }

func (e *TCPEntry) SetHandler(h ConnHandler) { e.handler = h }

// OnDestroy registers fn to run when the flow is destroyed.
func (e *TCPEntry) OnDestroy(fn func(*TCPEntry)) {
	e.onDestroy = append(e.onDestroy, fn)
}

// RequireClosing reports whether the application asked to close the flow.
func (e *TCPEntry) RequireClosing() bool {
	return e.Send.CloseRequested()
}

// PeerClosed reports whether a FIN from the peer was accepted.
func (e *TCPEntry) PeerClosed() bool { return e.peerFin }

// MarkPeerClosed records the peer FIN and notifies the handler.
func (e *TCPEntry) MarkPeerClosed() {
	e.peerFin = true
	e.NotifyReadable()
}

// NotifyReadable tells the handler that data was stored.
func (e *TCPEntry) NotifyReadable() {
	if e.handler != nil {
		e.handler.Readable(e)
	}
}

// Established promotes a passive flow from the SYN backlog into the accepted
// backlog of its listener.
func (e *TCPEntry) Established() {
	e.SetState(Established)
	if e.parent == nil {
		return
	}
	e.parent.promote(e)
}

// Readable returns the number of stored bytes.
func (e *TCPEntry) Readable() int { return e.Recv.Len() }

// Read drains stored payload. It does not send a window update by itself.
func (e *TCPEntry) Read(p []byte) int { return e.Recv.Read(p) }

// Write queues payload for transmission and returns the number of bytes
// accepted. It does not transmit by itself.
func (e *TCPEntry) Write(p []byte) (int, error) {
	if e.destroyed || e.Send.CloseRequested() {
		return 0, fmt.Errorf("flow %s: %w", e, core.ErrConnClosed)
	}
	return e.Send.Write(p), nil
}

// CancelRetransmission stops the retransmission timer, if running.
func (e *TCPEntry) CancelRetransmission() {
	if e.RetransmissionTimer != nil {
		e.RetransmissionTimer.Cancel()
		e.RetransmissionTimer = nil
	}
}

// CancelDelayedAck stops the delayed ack timer, if running.
func (e *TCPEntry) CancelDelayedAck() {
	if e.DelayedAckTimer != nil {
		e.DelayedAckTimer.Cancel()
		e.DelayedAckTimer = nil
	}
}

func (e *TCPEntry) IsDestroyed() bool { return e.destroyed }

// Destroy cancels timers, detaches from the listener and runs destroy
// callbacks. Calling it again does nothing.
func (e *TCPEntry) Destroy() {
	if e.destroyed {
		return
	}
	e.destroyed = true
	e.CancelRetransmission()
	e.CancelDelayedAck()
	if e.parent != nil {
		e.parent.forget(e)
	}
	for _, fn := range e.onDestroy {
		fn(e)
	}
	if e.handler != nil {
		e.handler.Closed(e)
	}
}
