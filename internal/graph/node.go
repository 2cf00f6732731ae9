// Package graph implements the node graph and its iterative scheduler.
package graph

import (
	"fmt"

	"firestige.xyz/vswitch/internal/packet"
)

// Node is a named processing stage.
type Node interface {
	Name() string
	// PreHandle classifies the buffer. Returning Pass proceeds to Handle,
	// anything else is taken as the node's result. Skipped when the buffer
	// has SkipPreHandle set.
	PreHandle(pkb *packet.Buffer) Result
	Handle(pkb *packet.Buffer) Result
}

// Kind tells the scheduler what to do with a buffer after a node.
type Kind int

const (
	// KindPass follows the edge with the result label, the default edge
	// when the label is empty.
	KindPass Kind = iota
	// KindDrop terminates and counts a drop.
	KindDrop
	// KindRedirect sends the buffer to an interface and terminates.
	KindRedirect
	// KindStolen terminates; the node disposed of the buffer.
	KindStolen
	// KindGoto continues at a named node.
	KindGoto
)

func (k Kind) String() string {
	switch k {
	case KindPass:
		return "pass"
	case KindDrop:
		return "drop"
	case KindRedirect:
		return "redirect"
	case KindStolen:
		return "stolen"
	case KindGoto:
		return "goto"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is returned by PreHandle and Handle.
type Result struct {
	Kind  Kind
	Label string
	Iface packet.Iface
	Node  string
}

func Pass() Result { return Result{Kind: KindPass} }

// Next passes along the edge labelled label.
func Next(label string) Result { return Result{Kind: KindPass, Label: label} }

func Drop() Result { return Result{Kind: KindDrop} }

func Redirect(iface packet.Iface) Result { return Result{Kind: KindRedirect, Iface: iface} }

func Stolen() Result { return Result{Kind: KindStolen} }

func Goto(node string) Result { return Result{Kind: KindGoto, Node: node} }

func (r Result) String() string {
	switch r.Kind {
	case KindPass:
		if r.Label != "" {
			return "pass:" + r.Label
		}
	case KindRedirect:
		if r.Iface != nil {
			return "redirect:" + r.Iface.Name()
		}
	case KindGoto:
		return "goto:" + r.Node
	}
	return r.Kind.String()
}

// Base gives nodes a name and a PreHandle that always passes.
type Base struct {
	name string
}

func NewBase(name string) Base { return Base{name: name} }

func (b Base) Name() string { return b.name }

func (b Base) PreHandle(*packet.Buffer) Result { return Pass() }
