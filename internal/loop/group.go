package loop

import (
	"fmt"
	"strconv"

	"github.com/serialx/hashring"

	"firestige.xyz/vswitch/internal/log"
)

// Group is a fixed set of event loops. Keys are pinned to a loop through a
// consistent hash ring so a virtual network always lands on the same loop.
type Group struct {
	name  string
	loops []*EventLoop
	nodes []string
	ring  *hashring.HashRing
}

// NewGroup creates size loops named name-0, name-1 and so on.
func NewGroup(name string, size int) (*Group, error) {
	if size <= 0 {
		return nil, fmt.Errorf("loop group %s: size must be positive, got %d", name, size)
	}
	g := &Group{
		name:  name,
		loops: make([]*EventLoop, size),
		nodes: make([]string, size),
	}
	for i := 0; i < size; i++ {
		g.nodes[i] = name + "-" + strconv.Itoa(i)
		g.loops[i] = NewEventLoop(g.nodes[i])
	}
	g.ring = hashring.New(g.nodes)
	return g, nil
}

// Start starts every loop.
func (g *Group) Start() {
	for _, l := range g.loops {
		l.Start()
	}
	log.GetLogger().WithField("group", g.name).Infof("started %d event loops", len(g.loops))
}

// Close stops every loop. Queued callbacks are discarded.
func (g *Group) Close() {
	for _, l := range g.loops {
		l.Close()
	}
}

func (g *Group) Loops() []*EventLoop { return g.loops }

// Pick returns the loop owning key.
func (g *Group) Pick(key string) *EventLoop {
	node, ok := g.ring.GetNode(key)
	if !ok {
		return g.loops[0]
	}
	for i, n := range g.nodes {
		if n == node {
			return g.loops[i]
		}
	}
	return g.loops[0]
}
