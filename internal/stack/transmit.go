package stack

import (
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/vswitch/internal/conntrack"
	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/network"
	"firestige.xyz/vswitch/internal/packet"
)

// noSeq marks a transmission round without a previous head segment.
const noSeq int64 = -1

// startTransmission sends what the flow has to send now and arms the
// retransmission timer.
func (s *Stack) startTransmission(n *network.VirtualNetwork, e *conntrack.TCPEntry) {
	s.transmit(n, e, noSeq, 0)
}

func (s *Stack) transmit(n *network.VirtualNetwork, e *conntrack.TCPEntry, lastBegin int64, count int) {
	e.CancelRetransmission()
	if e.IsDestroyed() {
		return
	}
	cfg := n.Conntrack.Config()
	if e.RequireClosing() && count > cfg.MaxRetransmissionAfterClosing {
		s.logger.WithField("flow", e.String()).Debugf("closed after %d retransmissions", count)
		s.reset(n, e)
		return
	}
	switch e.State() {
	case conntrack.Closed, conntrack.SynSent:
		s.transmitSyn(n, e, count)
	default:
		s.transmitData(n, e, lastBegin, count)
	}
}

func (s *Stack) transmitSyn(n *network.VirtualNetwork, e *conntrack.TCPEntry, count int) {
	e.SetState(conntrack.SynSent)
	if count > 0 {
		s.insp.TCPRetransmissionsTotal.WithLabelValues(metrics.VNI(n.VNI)).Inc()
	}
	s.send(n, e, s.synSegment(e, false, n.Conntrack.Config().RcvMSS))
	s.armRetransmission(n, e, noSeq, count)
}

func (s *Stack) transmitData(n *network.VirtualNetwork, e *conntrack.TCPEntry, lastBegin int64, count int) {
	segs := e.Send.Fetch()
	if len(segs) == 0 && !e.Send.NeedToSendFin() {
		// a closed window keeps the data, the next ack restarts transmission
		if e.Send.Len() == 0 {
			s.afterTransmission(n, e)
		}
		return
	}
	var begin uint32
	if len(segs) == 0 {
		begin = e.Send.FetchSeq() + 1
	} else {
		begin = segs[0].Seq
	}
	if int64(begin) != lastBegin {
		// the head moved, this is not a retransmission
		count = 0
	}
	if count > 0 {
		s.insp.TCPRetransmissionsTotal.WithLabelValues(metrics.VNI(n.VNI)).Inc()
	}
	s.armRetransmission(n, e, int64(begin), count)

	if len(segs) == 0 {
		fin := s.ackSegment(e)
		fin.FIN = true
		s.send(n, e, fin)
		return
	}
	for _, seg := range segs {
		psh := s.ackSegment(e)
		psh.Seq = seg.Seq
		psh.PSH = true
		psh.Payload = seg.Data
		s.send(n, e, psh)
	}
}

// rto is RTO_MIN << count, clamped to RTO_MAX on overflow.
func rto(cfg conntrack.Config, count int) time.Duration {
	if count >= 63 {
		return cfg.RTOMax
	}
	d := cfg.RTOMin << count
	if d <= 0 || d > cfg.RTOMax || d>>count != cfg.RTOMin {
		return cfg.RTOMax
	}
	return d
}

func (s *Stack) armRetransmission(n *network.VirtualNetwork, e *conntrack.TCPEntry, begin int64, count int) {
	delay := rto(n.Conntrack.Config(), count)
	e.RetransmissionTimer = n.Loop.Delay(delay, func() {
		e.RetransmissionTimer = nil
		s.transmit(n, e, begin, count+1)
	})
}

// afterTransmission resets a flow the application closed once everything,
// the FIN included, is acknowledged.
func (s *Stack) afterTransmission(n *network.VirtualNetwork, e *conntrack.TCPEntry) {
	if e.RequireClosing() {
		s.reset(n, e)
	}
}

// ack acknowledges received data. A collapsed window is acked right away,
// otherwise one delayed ack timer coalesces the requests.
func (s *Stack) ack(n *network.VirtualNetwork, e *conntrack.TCPEntry) {
	if e.Recv.Window() == 0 {
		e.CancelDelayedAck()
		s.sendAck(n, e)
		return
	}
	if e.DelayedAckTimer != nil {
		return
	}
	e.DelayedAckTimer = n.Loop.Delay(n.Conntrack.Config().DelayedAckTimeout, func() {
		e.DelayedAckTimer = nil
		s.sendAck(n, e)
	})
}

func (s *Stack) sendAck(n *network.VirtualNetwork, e *conntrack.TCPEntry) {
	e.CancelDelayedAck()
	if e.IsDestroyed() {
		return
	}
	s.send(n, e, s.ackSegment(e))
}

// reset sends RST and removes the flow.
func (s *Stack) reset(n *network.VirtualNetwork, e *conntrack.TCPEntry) {
	if e.IsDestroyed() {
		return
	}
	s.send(n, e, s.rstSegment(e))
	s.insp.TCPResetsTotal.WithLabelValues(metrics.VNI(n.VNI)).Inc()
	s.teardown(n, e)
}

// teardown closes the flow without sending anything.
func (s *Stack) teardown(n *network.VirtualNetwork, e *conntrack.TCPEntry) {
	e.SetState(conntrack.Closed)
	n.Conntrack.RemoveTCP(e.Remote, e.Local)
}

func (s *Stack) send(n *network.VirtualNetwork, e *conntrack.TCPEntry, seg packet.TCPSegment) {
	ip, err := packet.BuildTCP(seg)
	if err != nil {
		s.logger.WithError(err).WithField("flow", e.String()).Error("failed to build tcp segment")
		return
	}
	s.output(n, ip, func(pkb *packet.Buffer) { pkb.Flow = e })
}

// Connect opens a flow from local, a synthetic endpoint of n, to remote.
// The flow is in SYN_SENT when Connect returns.
func (s *Stack) Connect(n *network.VirtualNetwork, local, remote netip.AddrPort, h conntrack.ConnHandler) (*conntrack.TCPEntry, error) {
	if _, ok := n.IPs.Lookup(local.Addr()); !ok {
		return nil, fmt.Errorf("connect from %s: not a synthetic ip of vni %d: %w", local, n.VNI, core.ErrConfigInvalid)
	}
	if local.Addr().Is4() != remote.Addr().Is4() {
		return nil, fmt.Errorf("connect %s -> %s: %w", local, remote, core.ErrUnsupportedProto)
	}
	e := n.Conntrack.CreateTCP(nil, remote, local, 0)
	e.SetHandler(h)
	s.startTransmission(n, e)
	return e, nil
}

// Write queues p and transmits what the peer window allows.
func (s *Stack) Write(n *network.VirtualNetwork, e *conntrack.TCPEntry, p []byte) (int, error) {
	w, err := e.Write(p)
	if err != nil {
		return 0, err
	}
	if w > 0 && e.State() != conntrack.SynSent && e.State() != conntrack.SynReceived {
		s.startTransmission(n, e)
	}
	return w, nil
}

// Read drains stored payload and announces the reopened window.
func (s *Stack) Read(n *network.VirtualNetwork, e *conntrack.TCPEntry, p []byte) int {
	r := e.Read(p)
	if r > 0 && !e.IsDestroyed() {
		s.ack(n, e)
	}
	return r
}

// Close sends FIN once queued data is acked. In CLOSE_WAIT only the intent
// is recorded; the flow is reset once the FIN is acked.
func (s *Stack) Close(n *network.VirtualNetwork, e *conntrack.TCPEntry) {
	if e.IsDestroyed() || e.RequireClosing() {
		return
	}
	switch e.State() {
	case conntrack.Established:
		e.Send.Close()
		e.SetState(conntrack.FinWait1)
		s.startTransmission(n, e)
	case conntrack.CloseWait:
		e.Send.Close()
		s.startTransmission(n, e)
	default:
		s.reset(n, e)
	}
}

// Reset aborts the flow with RST.
func (s *Stack) Reset(n *network.VirtualNetwork, e *conntrack.TCPEntry) {
	s.reset(n, e)
}
