// Package stack implements the switch graph nodes: l2 forwarding, ARP, l3
// routing between networks and the user space tcp/udp stack terminating
// traffic for synthetic IPs.
package stack

import (
	"net/netip"

	"firestige.xyz/vswitch/internal/graph"
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/network"
	"firestige.xyz/vswitch/internal/packet"
)

// Node names. Edge labels are the names of their target nodes.
const (
	NodeDevInput      = "dev-input"
	NodeEthernetInput = "ethernet-input"
	NodeARPInput      = "arp-input"
	NodeIPInput       = "ip-input"
	NodeIPRoute       = "ip-route"
	NodeTCPInput      = "tcp-input"
	NodeTCPStack      = "tcp-stack"
	NodeTCPReset      = "tcp-reset"
	NodeUDPInput      = "udp-input"
	NodeL4Output      = "l4-output"
	NodeIPOutput      = "ip-output"
	NodeL2Forward     = "l2-forward"
)

const edgeWeight = 1

// Context is the part of the switch the nodes work with. Every method is
// called on the loop owning the network of the buffer.
type Context interface {
	Network(vni uint32) *network.VirtualNetwork
	Ifaces() []packet.Iface
	// SendPacket queues pkb on iface. The caller keeps its reference.
	SendPacket(iface packet.Iface, pkb *packet.Buffer)
	// Output walks pkb through the graph from node and completes the
	// transmissions it caused. It takes over the reference.
	Output(pkb *packet.Buffer, node string)
}

// Stack owns the graph nodes and the tcp/udp operations used by
// applications hosted on synthetic IPs.
type Stack struct {
	ctx    Context
	insp   *metrics.Inspection
	logger log.Logger
}

// New returns a stack sending through ctx. Install adds its nodes to a
// graph.
func New(ctx Context, insp *metrics.Inspection) *Stack {
	if insp == nil {
		insp = metrics.NewInspection()
	}
	return &Stack{
		ctx:    ctx,
		insp:   insp,
		logger: log.GetLogger().WithField("component", "stack"),
	}
}

// Install adds the nodes and their edges to b. dev-input continues at next,
// which has to lead to ethernet-input, directly or through filter tables.
func (s *Stack) Install(b *graph.Builder, next string) {
	b.AddNode(&devInput{Base: graph.NewBase(NodeDevInput), s: s}).
		AddNode(&ethernetInput{Base: graph.NewBase(NodeEthernetInput), s: s}).
		AddNode(&arpInput{Base: graph.NewBase(NodeARPInput), s: s}).
		AddNode(&ipInput{Base: graph.NewBase(NodeIPInput), s: s}).
		AddNode(&ipRoute{Base: graph.NewBase(NodeIPRoute), s: s}).
		AddNode(&tcpInput{Base: graph.NewBase(NodeTCPInput), s: s}).
		AddNode(&tcpStack{Base: graph.NewBase(NodeTCPStack), s: s}).
		AddNode(&tcpReset{Base: graph.NewBase(NodeTCPReset), s: s}).
		AddNode(&udpInput{Base: graph.NewBase(NodeUDPInput), s: s}).
		AddNode(&l4Output{Base: graph.NewBase(NodeL4Output), s: s}).
		AddNode(&ipOutput{Base: graph.NewBase(NodeIPOutput), s: s}).
		AddNode(&l2Forward{Base: graph.NewBase(NodeL2Forward), s: s})

	b.AddEdge(NodeDevInput, "", next, edgeWeight)
	for _, to := range []string{NodeARPInput, NodeIPInput, NodeL2Forward} {
		b.AddEdge(NodeEthernetInput, to, to, edgeWeight)
	}
	b.AddEdge(NodeARPInput, NodeL2Forward, NodeL2Forward, edgeWeight)
	for _, to := range []string{NodeTCPInput, NodeUDPInput, NodeIPRoute} {
		b.AddEdge(NodeIPInput, to, to, edgeWeight)
	}
	b.AddEdge(NodeIPRoute, NodeL2Forward, NodeL2Forward, edgeWeight)
	b.AddEdge(NodeIPRoute, NodeIPOutput, NodeIPOutput, edgeWeight)
	b.AddEdge(NodeTCPInput, "", NodeTCPStack, edgeWeight)
	b.AddEdge(NodeTCPStack, NodeTCPReset, NodeTCPReset, edgeWeight)
	b.AddEdge(NodeTCPStack, NodeL4Output, NodeL4Output, edgeWeight)
	b.AddEdge(NodeTCPReset, "", NodeL4Output, edgeWeight)
	b.AddEdge(NodeL4Output, "", NodeIPOutput, edgeWeight)
	b.AddEdge(NodeIPOutput, "", NodeL2Forward, edgeWeight)
}

// network returns the network the buffer was resolved to.
func (s *Stack) network(pkb *packet.Buffer) *network.VirtualNetwork {
	vni, ok := pkb.VNI()
	if !ok {
		return nil
	}
	n := s.ctx.Network(vni)
	if n == nil || n.IsDestroyed() {
		return nil
	}
	return n
}

// output decodes a generated IP packet and runs it from l4-output.
func (s *Stack) output(n *network.VirtualNetwork, ip []byte, prepare func(pkb *packet.Buffer)) {
	pkb := packet.FromIP(n.VNI, ip)
	if err := pkb.Decode(); err != nil {
		s.logger.WithError(err).Error("should not happen: generated packet does not decode")
		pkb.Release()
		return
	}
	if prepare != nil {
		prepare(pkb)
	}
	s.ctx.Output(pkb, NodeL4Output)
}

func endpoints(pkb *packet.Buffer, srcPort, dstPort uint16) (src, dst netip.AddrPort) {
	src = netip.AddrPortFrom(packet.AddrFromIP(pkb.SrcIP()), srcPort)
	dst = netip.AddrPortFrom(packet.AddrFromIP(pkb.DstIP()), dstPort)
	return
}
