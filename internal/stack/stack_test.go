package stack

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"firestige.xyz/vswitch/internal/conntrack"
	"firestige.xyz/vswitch/internal/graph"
	"firestige.xyz/vswitch/internal/loop"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/network"
	"firestige.xyz/vswitch/internal/packet"
)

var (
	localMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	peerMAC  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	localIP  = netip.MustParseAddr("10.0.0.1")
	peerIP   = netip.MustParseAddr("10.0.0.2")
	localEP  = netip.AddrPortFrom(localIP, 80)
	peerEP   = netip.AddrPortFrom(peerIP, 40000)
)

// peer is an interface recording the frames the switch sent to it.
type peer struct {
	name      string
	vni       uint32
	mac       net.HardwareAddr
	overhead  int
	queued    []*packet.Buffer
	frames    [][]byte
	destroyed bool
}

func (p *peer) Name() string                   { return p.name }
func (p *peer) Kind() packet.Kind              { return packet.KindUser }
func (p *peer) Overhead() int                  { return p.overhead }
func (p *peer) LocalSideVRF(uint32) uint32     { return p.vni }
func (p *peer) Destroy()                       { p.destroyed = true }
func (p *peer) IsDestroyed() bool              { return p.destroyed }
func (p *peer) Statistics() *packet.Statistics { return packet.NewStatistics(p.name, nil) }

func (p *peer) SendPacket(pkb *packet.Buffer) {
	p.queued = append(p.queued, pkb.Retain())
}

func (p *peer) CompleteTx() {
	for _, pkb := range p.queued {
		p.frames = append(p.frames, bytes.Clone(pkb.Bytes()))
		pkb.Release()
	}
	p.queued = nil
}

// take decodes and forgets the frames sent so far.
func (p *peer) take(t *testing.T) []*packet.Buffer {
	t.Helper()
	var out []*packet.Buffer
	for _, f := range p.frames {
		pkb := packet.FromFrame(nil, f)
		require.NoError(t, pkb.Decode())
		out = append(out, pkb)
	}
	p.frames = nil
	return out
}

func (p *peer) one(t *testing.T) *packet.Buffer {
	t.Helper()
	frames := p.take(t)
	require.Len(t, frames, 1)
	return frames[0]
}

// harness is a single loop switch running the stack nodes.
type harness struct {
	t      *testing.T
	loop   *loop.Manual
	insp   *metrics.Inspection
	nets   map[uint32]*network.VirtualNetwork
	ifaces []packet.Iface
	sched  *graph.Scheduler
	stack  *Stack
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		loop: loop.NewManual(),
		insp: metrics.NewInspection(),
		nets: make(map[uint32]*network.VirtualNetwork),
	}
	h.stack = New(h, h.insp)
	b := graph.NewBuilder()
	h.stack.Install(b, NodeEthernetInput)
	g, err := b.Build()
	require.NoError(t, err)
	h.sched = graph.NewScheduler(g, 0, h.insp)
	return h
}

func (h *harness) Network(vni uint32) *network.VirtualNetwork { return h.nets[vni] }
func (h *harness) Ifaces() []packet.Iface                     { return h.ifaces }

func (h *harness) SendPacket(iface packet.Iface, pkb *packet.Buffer) {
	h.sched.SendPacket(iface, pkb)
}

func (h *harness) Output(pkb *packet.Buffer, node string) {
	h.sched.Schedule(pkb, node)
	h.sched.Flush()
}

func (h *harness) addNetwork(vni uint32, cidr string, ip netip.Addr, mac net.HardwareAddr, tcp conntrack.Config) *network.VirtualNetwork {
	h.t.Helper()
	n, err := network.New(network.Config{
		VNI:   vni,
		V4Net: netip.MustParsePrefix(cidr),
		TCP:   tcp,
	}, h.loop, h.insp)
	require.NoError(h.t, err)
	n.Conntrack.ISS = func() uint32 { return 1000 }
	require.NoError(h.t, n.AddIP(ip, mac))
	h.nets[vni] = n
	return n
}

func (h *harness) addPeer(name string, vni uint32, mac net.HardwareAddr) *peer {
	p := &peer{name: name, vni: vni, mac: mac}
	h.ifaces = append(h.ifaces, p)
	return p
}

func (h *harness) receive(p *peer, frame []byte) {
	h.t.Helper()
	pkb := packet.FromFrame(p, frame)
	require.NoError(h.t, pkb.Decode())
	h.Output(pkb, NodeDevInput)
}

func (h *harness) frame(src, dst net.HardwareAddr, ip []byte, err error) []byte {
	h.t.Helper()
	require.NoError(h.t, err)
	frame, err := packet.BuildFrame(src, dst, ip)
	require.NoError(h.t, err)
	return frame
}

// segment sends a tcp segment from p, by default from peerEP to localEP.
func (h *harness) segment(p *peer, seg packet.TCPSegment) {
	h.t.Helper()
	if !seg.Src.IsValid() {
		seg.Src = peerEP
	}
	if !seg.Dst.IsValid() {
		seg.Dst = localEP
	}
	dstMAC := localMAC
	if mac, ok := h.nets[p.vni].IPs.Lookup(seg.Dst.Addr()); ok {
		dstMAC = mac
	}
	ip, err := packet.BuildTCP(seg)
	h.receive(p, h.frame(p.mac, dstMAC, ip, err))
}

func (h *harness) datagram(p *peer, src, dst netip.AddrPort, dstMAC net.HardwareAddr, payload string) {
	h.t.Helper()
	ip, err := packet.BuildUDP(src, dst, []byte(payload))
	h.receive(p, h.frame(p.mac, dstMAC, ip, err))
}

// establish completes a passive handshake on localEP and accepts the flow.
func (h *harness) establish(p *peer) (*conntrack.TCPListener, *conntrack.TCPEntry) {
	h.t.Helper()
	n := h.nets[p.vni]
	l := n.Conntrack.ListenTCP(localEP, nil)
	h.segment(p, packet.TCPSegment{Seq: 100, SYN: true, Window: 65535, MSS: 1400})
	h.segment(p, packet.TCPSegment{Seq: 101, Ack: 1001, ACK: true, Window: 65535})
	e := l.Accept()
	require.NotNil(h.t, e)
	require.Equal(h.t, conntrack.Established, e.State())
	p.take(h.t)
	return l, e
}

func (h *harness) drops(node string) float64 {
	return metrics.Value(h.insp.NodeDropsTotal.WithLabelValues(node))
}

type recordingConn struct {
	readable int
	closed   int
}

func (c *recordingConn) Readable(*conntrack.TCPEntry) { c.readable++ }
func (c *recordingConn) Closed(*conntrack.TCPEntry)   { c.closed++ }
