package graph

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"firestige.xyz/vswitch/internal/core"
)

// Edge connects a node to the next one. An empty Label is the default edge
// followed on Pass. Weight is only used for diagnostics.
type Edge struct {
	From   string `yaml:"from"`
	Label  string `yaml:"label,omitempty"`
	To     string `yaml:"to"`
	Weight int    `yaml:"weight"`
}

// Graph is immutable once built.
type Graph struct {
	nodes map[string]Node
	edges map[string]map[string]string
	list  []Edge
}

// Builder collects nodes and edges and validates them in Build.
type Builder struct {
	nodes map[string]Node
	edges []Edge
	errs  []error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{nodes: make(map[string]Node)}
}

// AddNode registers n. A duplicate name is reported by Build.
func (b *Builder) AddNode(n Node) *Builder {
	if _, ok := b.nodes[n.Name()]; ok {
		b.errs = append(b.errs, fmt.Errorf("node %s: %w", n.Name(), core.ErrNodeAlreadyExists))
		return b
	}
	b.nodes[n.Name()] = n
	return b
}

// AddEdge links from to to for the given label. The empty label is the
// default edge taken on Pass.
func (b *Builder) AddEdge(from, label, to string, weight int) *Builder {
	b.edges = append(b.edges, Edge{From: from, Label: label, To: to, Weight: weight})
	return b
}

// Build checks that every edge references known nodes and that a node has
// at most one edge per label, which includes the default edge.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	g := &Graph{
		nodes: make(map[string]Node, len(b.nodes)),
		edges: make(map[string]map[string]string),
	}
	for name, n := range b.nodes {
		g.nodes[name] = n
	}
	for _, e := range b.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("edge %s -> %s: source %s: %w", e.From, e.To, e.From, core.ErrNodeNotFound)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("edge %s -> %s: target %s: %w", e.From, e.To, e.To, core.ErrNodeNotFound)
		}
		m, ok := g.edges[e.From]
		if !ok {
			m = make(map[string]string)
			g.edges[e.From] = m
		}
		if prev, ok := m[e.Label]; ok {
			if e.Label == "" {
				return nil, fmt.Errorf("node %s has more than one default edge (%s, %s): %w", e.From, prev, e.To, core.ErrConfigInvalid)
			}
			return nil, fmt.Errorf("node %s has more than one edge labelled %q: %w", e.From, e.Label, core.ErrConfigInvalid)
		}
		m[e.Label] = e.To
		g.list = append(g.list, e)
	}
	return g, nil
}

// Node returns the node called name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// next resolves the edge leaving from with label.
func (g *Graph) next(from, label string) (Node, bool) {
	to, ok := g.edges[from][label]
	if !ok {
		return nil, false
	}
	return g.nodes[to], true
}

// Edges returns a copy of the edges in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.list))
	copy(out, g.list)
	return out
}

// NodeNames returns the node names sorted.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type dump struct {
	Nodes []string `yaml:"nodes"`
	Edges []Edge   `yaml:"edges"`
}

// Dump renders the graph as YAML.
func (g *Graph) Dump() ([]byte, error) {
	return yaml.Marshal(dump{Nodes: g.NodeNames(), Edges: g.Edges()})
}
