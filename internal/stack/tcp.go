package stack

import (
	"github.com/google/gopacket/layers"

	"firestige.xyz/vswitch/internal/conntrack"
	"firestige.xyz/vswitch/internal/graph"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/network"
	"firestige.xyz/vswitch/internal/packet"
)

// Budget of a default ethernet MTU, used to clamp the advertised MSS by the
// overhead of the ingress interface.
const (
	defaultMTU   = 1500
	ipv4Header   = 20
	ipv6Header   = 40
	tcpHeaderMin = 20
)

// tcpInput matches segments to flows, creating one for a bare SYN to a
// listener.
type tcpInput struct {
	graph.Base
	s *Stack
}

func (t *tcpInput) Handle(pkb *packet.Buffer) graph.Result {
	n := t.s.network(pkb)
	if n == nil {
		return graph.Drop()
	}
	src, dst := endpoints(pkb, uint16(pkb.TCP.SrcPort), uint16(pkb.TCP.DstPort))
	if e := n.Conntrack.LookupTCP(src, dst); e != nil {
		pkb.Flow = e
		return graph.Pass()
	}
	l := n.Conntrack.LookupTCPListen(dst)
	if l == nil || !isBareSyn(&pkb.TCP) {
		return graph.Drop()
	}
	pkb.Flow = n.Conntrack.CreateTCP(l, src, dst, pkb.TCP.Seq)
	return graph.Pass()
}

func isBareSyn(tcp *layers.TCP) bool {
	return tcp.SYN && !tcp.ACK && !tcp.FIN && !tcp.RST && !tcp.PSH && !tcp.URG
}

// event classifies a segment for the transition table.
type event int

const (
	evSyn event = iota
	evSynAck
	evRst
	evFin
	evSegment
)

var allEvents = []event{evSyn, evSynAck, evRst, evFin, evSegment}

func (ev event) String() string {
	switch ev {
	case evSyn:
		return "SYN"
	case evSynAck:
		return "SYN-ACK"
	case evRst:
		return "RST"
	case evFin:
		return "FIN"
	default:
		return "SEGMENT"
	}
}

func classify(tcp *layers.TCP) event {
	switch {
	case tcp.RST:
		return evRst
	case tcp.SYN && tcp.ACK:
		return evSynAck
	case tcp.SYN:
		return evSyn
	case tcp.FIN:
		return evFin
	default:
		return evSegment
	}
}

// segment is the input of a transition.
type segment struct {
	pkb *packet.Buffer
	tcp *layers.TCP
	n   *network.VirtualNetwork
	e   *conntrack.TCPEntry
}

type transition struct {
	state conntrack.TCPState
	ev    event
}

// action performs a transition. It sets the next state itself since most
// transitions depend on the segment.
type action func(s *Stack, seg *segment) graph.Result

var transitions = buildTransitions()

func buildTransitions() map[transition]action {
	t := make(map[transition]action)
	on := func(state conntrack.TCPState, fn action, evs ...event) {
		for _, ev := range evs {
			t[transition{state, ev}] = fn
		}
	}
	on(conntrack.Closed, (*Stack).closedSyn, evSyn)
	on(conntrack.SynSent, (*Stack).synSentSynAck, evSynAck)
	on(conntrack.SynSent, (*Stack).synSentRst, evRst)
	on(conntrack.SynReceived, (*Stack).synReceivedSyn, evSyn, evSynAck)
	on(conntrack.SynReceived, (*Stack).synReceivedAck, evFin, evSegment)
	on(conntrack.Established, (*Stack).established, evSyn, evSynAck, evFin, evSegment)
	on(conntrack.FinWait1, (*Stack).finWait1, evSyn, evSynAck, evFin, evSegment)
	on(conntrack.FinWait2, (*Stack).finWait2, evSyn, evSynAck, evFin, evSegment)
	on(conntrack.CloseWait, (*Stack).closeWait, evSyn, evSynAck, evFin, evSegment)
	on(conntrack.Closing, (*Stack).closing, evSyn, evSynAck, evFin, evSegment)
	for _, st := range []conntrack.TCPState{
		conntrack.SynReceived, conntrack.Established, conntrack.FinWait1,
		conntrack.FinWait2, conntrack.CloseWait, conntrack.Closing,
	} {
		on(st, (*Stack).rst, evRst)
	}
	on(conntrack.LastAck, (*Stack).unimplemented, allEvents...)
	on(conntrack.TimeWait, (*Stack).unimplemented, allEvents...)
	return t
}

// tcpStack drives the state machine of the flow matched by tcp-input.
type tcpStack struct {
	graph.Base
	s *Stack
}

func (t *tcpStack) Handle(pkb *packet.Buffer) graph.Result {
	n := t.s.network(pkb)
	if n == nil || pkb.Flow == nil || pkb.Flow.IsDestroyed() {
		return graph.Drop()
	}
	return t.s.dispatch(&segment{pkb: pkb, tcp: &pkb.TCP, n: n, e: pkb.Flow})
}

func (s *Stack) dispatch(seg *segment) graph.Result {
	ev := classify(seg.tcp)
	fn, ok := transitions[transition{seg.e.State(), ev}]
	if !ok {
		if s.logger.IsTraceEnabled() {
			s.logger.WithField("flow", seg.e.String()).Tracef("%s dropped in %s", ev, seg.e.State())
		}
		return graph.Drop()
	}
	return fn(s, seg)
}

func (s *Stack) closedSyn(seg *segment) graph.Result {
	if !isBareSyn(seg.tcp) {
		return graph.Drop()
	}
	e := seg.e
	e.SetState(conntrack.SynReceived)
	initFlow(e, seg.tcp)
	return s.replyWith(seg, s.synSegment(e, true, s.mssFor(seg.pkb)))
}

// initFlow applies the options of the peer SYN.
func initFlow(e *conntrack.TCPEntry, tcp *layers.TCP) {
	mss, shift, hasScale := packet.TCPOptions(tcp)
	scale := 1
	if hasScale {
		scale = 1 << shift
	}
	e.Send.Init(int(tcp.Window), mss, scale)
}

// mssFor clamps the configured receive MSS by the ingress encapsulation.
func (s *Stack) mssFor(pkb *packet.Buffer) int {
	mss := s.config(pkb).RcvMSS
	if pkb.DevIn == nil {
		return mss
	}
	ipHeader := ipv4Header
	if pkb.IsIPv6() {
		ipHeader = ipv6Header
	}
	return min(mss, defaultMTU-pkb.DevIn.Overhead()-ipHeader-tcpHeaderMin)
}

func (s *Stack) synSentSynAck(seg *segment) graph.Result {
	e := seg.e
	if seg.tcp.Ack != e.Send.Una() {
		return graph.Drop()
	}
	e.CancelRetransmission()
	e.Recv.SetInitialSeq(seg.tcp.Seq + 1)
	initFlow(e, seg.tcp)
	e.Established()
	if e.Send.Len() > 0 {
		// written while connecting, goes out after the handshake ack
		seg.n.Loop.RunOnLoop(func() { s.startTransmission(seg.n, e) })
	}
	return s.replyWith(seg, s.ackSegment(e))
}

// synSentRst handles a refused connect.
func (s *Stack) synSentRst(seg *segment) graph.Result {
	if !seg.tcp.ACK || seg.tcp.Ack != seg.e.Send.Una() {
		return graph.Drop()
	}
	s.teardown(seg.n, seg.e)
	return graph.Stolen()
}

func (s *Stack) synReceivedSyn(seg *segment) graph.Result {
	e := seg.e
	if seg.tcp.Seq == e.Recv.AckedSeq()-1 {
		// retransmitted SYN
		return s.replyWith(seg, s.synSegment(e, true, s.mssFor(seg.pkb)))
	}
	return s.synReceivedAck(seg)
}

func (s *Stack) synReceivedAck(seg *segment) graph.Result {
	if !seg.tcp.ACK || seg.tcp.Ack != seg.e.Send.Una() {
		return graph.Drop()
	}
	seg.e.Established()
	// same buffer, handled again as an established flow
	return s.established(seg)
}

// generalCheck applies the sequence rules shared by the synchronized states
// and consumes the ack. It reports whether the segment may be processed.
func (s *Stack) generalCheck(seg *segment) bool {
	e, tcp := seg.e, seg.tcp
	expect := e.Recv.ExpectingSeq()
	if tcp.FIN {
		if tcp.Seq != e.Recv.AckedSeq() {
			if s.logger.IsTraceEnabled() {
				s.logger.WithField("flow", e.String()).Trace("data not fully consumed yet but received FIN")
			}
			return false
		}
	} else if tcp.Seq != expect {
		if !tcp.PSH || int32(tcp.Seq-expect) > 0 {
			if s.logger.IsTraceEnabled() {
				s.logger.WithField("flow", e.String()).Tracef("invalid sequence number %d, expecting %d", tcp.Seq, expect)
			}
			return false
		}
	}
	if tcp.ACK {
		e.Send.Ack(tcp.Ack, int(tcp.Window))
		// the window may have opened for queued data
		if e.RetransmissionTimer == nil {
			s.startTransmission(seg.n, e)
		}
	}
	return true
}

func (s *Stack) established(seg *segment) graph.Result {
	e, tcp := seg.e, seg.tcp
	if tcp.SYN && tcp.ACK && tcp.Seq == e.Recv.ExpectingSeq()-1 {
		// retransmitted SYN-ACK, our ACK was lost
		return s.replyWith(seg, s.ackSegment(e))
	}
	if !s.generalCheck(seg) {
		return graph.Drop()
	}
	if len(tcp.Payload) > 0 {
		if e.Recv.Store(conntrack.Segment{Seq: tcp.Seq, Data: tcp.Payload}) > 0 {
			e.NotifyReadable()
			s.ack(seg.n, e)
		} else {
			// a duplicate or a closed window, our last ack may be lost
			s.sendAck(seg.n, e)
		}
	}
	if tcp.FIN {
		e.SetState(conntrack.CloseWait)
		e.Recv.IncExpectingSeq()
		e.MarkPeerClosed()
		s.ack(seg.n, e)
	}
	return graph.Stolen()
}

func (s *Stack) finWait1(seg *segment) graph.Result {
	if !s.generalCheck(seg) {
		return graph.Drop()
	}
	s.discardData(seg)
	e := seg.e
	if seg.tcp.FIN {
		if e.Send.AckOfFinReceived() {
			e.SetState(conntrack.Closing)
			return graph.Next(NodeTCPReset)
		}
		if s.logger.IsTraceEnabled() {
			s.logger.WithField("flow", e.String()).Trace("received FIN but the FIN sent is not acked")
		}
	} else if e.Send.AckOfFinReceived() {
		e.SetState(conntrack.FinWait2)
	}
	return graph.Stolen()
}

func (s *Stack) finWait2(seg *segment) graph.Result {
	if !s.generalCheck(seg) {
		return graph.Drop()
	}
	s.discardData(seg)
	if seg.tcp.FIN {
		seg.e.SetState(conntrack.Closing)
		return graph.Next(NodeTCPReset)
	}
	return graph.Stolen()
}

// discardData acknowledges data received after the application closed the
// flow without keeping it.
func (s *Stack) discardData(seg *segment) {
	if len(seg.tcp.Payload) == 0 {
		return
	}
	seg.e.Recv.Discard(conntrack.Segment{Seq: seg.tcp.Seq, Data: seg.tcp.Payload})
	s.sendAck(seg.n, seg.e)
}

func (s *Stack) closeWait(seg *segment) graph.Result {
	if !s.generalCheck(seg) {
		return graph.Drop()
	}
	if seg.tcp.FIN && seg.tcp.Seq == seg.e.Recv.ExpectingSeq()-1 {
		// retransmitted FIN
		s.ack(seg.n, seg.e)
	}
	return graph.Stolen()
}

func (s *Stack) closing(seg *segment) graph.Result {
	if !s.generalCheck(seg) {
		return graph.Drop()
	}
	return graph.Stolen()
}

// rst tears the flow down when the RST carries the expected sequence.
func (s *Stack) rst(seg *segment) graph.Result {
	if seg.tcp.Seq != seg.e.Recv.ExpectingSeq() {
		return graph.Drop()
	}
	s.teardown(seg.n, seg.e)
	return graph.Stolen()
}

func (s *Stack) unimplemented(seg *segment) graph.Result {
	s.logger.WithFields(map[string]interface{}{
		"flow":  seg.e.String(),
		"state": seg.e.State().String(),
	}).Error("should not happen: unsupported tcp state")
	return graph.Drop()
}

// replyWith replaces the segment with a generated response and continues at
// l4-output.
func (s *Stack) replyWith(seg *segment, resp packet.TCPSegment) graph.Result {
	ip, err := packet.BuildTCP(resp)
	if err != nil {
		s.logger.WithError(err).Error("failed to build tcp response")
		return graph.Drop()
	}
	if err := seg.pkb.ReplacePacket(ip); err != nil {
		return graph.Drop()
	}
	return graph.Next(NodeL4Output)
}

// tcpReset answers with RST and removes the flow.
type tcpReset struct {
	graph.Base
	s *Stack
}

func (r *tcpReset) Handle(pkb *packet.Buffer) graph.Result {
	n := r.s.network(pkb)
	e := pkb.Flow
	if n == nil || e == nil {
		return graph.Drop()
	}
	ip, err := packet.BuildTCP(r.s.rstSegment(e))
	if err != nil {
		r.s.logger.WithError(err).Error("failed to build tcp reset")
		return graph.Drop()
	}
	if err := pkb.ReplacePacket(ip); err != nil {
		return graph.Drop()
	}
	r.s.insp.TCPResetsTotal.WithLabelValues(metrics.VNI(n.VNI)).Inc()
	r.s.teardown(n, e)
	return graph.Pass()
}

func (s *Stack) config(pkb *packet.Buffer) conntrack.Config {
	if n := s.network(pkb); n != nil {
		return n.Conntrack.Config()
	}
	return conntrack.DefaultConfig()
}

// segments built for a flow

func (s *Stack) synSegment(e *conntrack.TCPEntry, ack bool, mss int) packet.TCPSegment {
	seg := packet.TCPSegment{
		Src:         e.Local,
		Dst:         e.Remote,
		Seq:         e.Send.ISS(),
		SYN:         true,
		Window:      uint16(min(e.Recv.Window(), 0xffff)),
		MSS:         mss,
		WindowShift: e.Recv.WindowShift(),
	}
	if ack {
		seg.ACK = true
		seg.Ack = e.Recv.ExpectingSeq()
	}
	return seg
}

func (s *Stack) ackSegment(e *conntrack.TCPEntry) packet.TCPSegment {
	return packet.TCPSegment{
		Src:    e.Local,
		Dst:    e.Remote,
		Seq:    e.Send.FetchSeq(),
		Ack:    e.Recv.ExpectingSeq(),
		ACK:    true,
		Window: e.Recv.AdvertisedWindow(),
	}
}

func (s *Stack) rstSegment(e *conntrack.TCPEntry) packet.TCPSegment {
	seg := s.ackSegment(e)
	seg.RST = true
	return seg
}
