package graph

import (
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/packet"
)

// DefaultMaxHops bounds the number of nodes a buffer may visit.
const DefaultMaxHops = 64

// Scheduler walks buffers through a graph. One scheduler serves one loop;
// it is not safe for concurrent use.
type Scheduler struct {
	graph   *Graph
	maxHops int
	insp    *metrics.Inspection
	logger  log.Logger

	// interfaces that received packets since the last Flush
	pending []packet.Iface
}

// NewScheduler returns a scheduler over g. maxHops <= 0 selects
// DefaultMaxHops and a nil insp gets a private Inspection.
func NewScheduler(g *Graph, maxHops int, insp *metrics.Inspection) *Scheduler {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if insp == nil {
		insp = metrics.NewInspection()
	}
	return &Scheduler{
		graph:   g,
		maxHops: maxHops,
		insp:    insp,
		logger:  log.GetLogger().WithField("component", "scheduler"),
	}
}

func (s *Scheduler) Graph() *Graph { return s.graph }

// Schedule runs pkb from the node named start until a terminal result and
// returns it. The scheduler owns one reference of pkb and releases it on
// every terminal result; nodes keeping the buffer must Retain it.
func (s *Scheduler) Schedule(pkb *packet.Buffer, start string) Result {
	node, ok := s.graph.Node(start)
	if !ok {
		s.logger.WithField("node", start).Error("schedule to unknown node")
		s.insp.NodeDropsTotal.WithLabelValues(start).Inc()
		pkb.Release()
		return Drop()
	}
	for {
		pkb.Hops++
		if pkb.Hops > s.maxHops {
			s.logger.WithFields(map[string]interface{}{
				"node": node.Name(),
				"hops": pkb.Hops,
			}).Error("hop limit exceeded, the node graph is probably misconfigured")
			s.insp.HopLimitDropsTotal.Inc()
			pkb.Release()
			return Drop()
		}

		r := Pass()
		if !pkb.SkipPreHandle {
			r = node.PreHandle(pkb)
		}
		if r.Kind == KindPass && r.Label == "" {
			r = node.Handle(pkb)
		}

		switch r.Kind {
		case KindPass:
			next, ok := s.graph.next(node.Name(), r.Label)
			if !ok {
				s.logger.WithField("node", node.Name()).Errorf("no edge for %s", r)
				s.drop(node, pkb)
				return Drop()
			}
			node = next
		case KindGoto:
			next, ok := s.graph.Node(r.Node)
			if !ok {
				s.logger.WithField("node", node.Name()).Errorf("goto unknown node %s", r.Node)
				s.drop(node, pkb)
				return Drop()
			}
			node = next
		case KindDrop:
			s.drop(node, pkb)
			return r
		case KindRedirect:
			if r.Iface == nil || r.Iface.IsDestroyed() {
				s.drop(node, pkb)
				return Drop()
			}
			s.send(r.Iface, pkb)
			pkb.Release()
			return r
		case KindStolen:
			pkb.Release()
			return r
		default:
			s.logger.WithField("node", node.Name()).Errorf("should not happen: unknown result %s", r)
			s.drop(node, pkb)
			return Drop()
		}
	}
}

func (s *Scheduler) drop(node Node, pkb *packet.Buffer) {
	if s.logger.IsTraceEnabled() {
		s.logger.WithField("node", node.Name()).Trace("packet dropped")
	}
	s.insp.NodeDropsTotal.WithLabelValues(node.Name()).Inc()
	pkb.Release()
}

// send queues pkb on iface and remembers iface for the next Flush.
func (s *Scheduler) send(iface packet.Iface, pkb *packet.Buffer) {
	if iface == nil || iface.IsDestroyed() {
		s.logger.Debug("redirect to a missing or destroyed interface")
		return
	}
	iface.SendPacket(pkb)
	s.markPending(iface)
}

// SendPacket queues pkb on iface outside of a graph walk. The caller keeps
// its reference.
func (s *Scheduler) SendPacket(iface packet.Iface, pkb *packet.Buffer) {
	s.send(iface, pkb)
}

func (s *Scheduler) markPending(iface packet.Iface) {
	for _, p := range s.pending {
		if p == iface {
			return
		}
	}
	s.pending = append(s.pending, iface)
}

// Flush completes transmission on every interface used since the last call.
func (s *Scheduler) Flush() {
	for _, iface := range s.pending {
		if !iface.IsDestroyed() {
			iface.CompleteTx()
		}
	}
	s.pending = s.pending[:0]
}
