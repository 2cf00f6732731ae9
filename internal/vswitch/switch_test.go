package vswitch

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/filter"
	"firestige.xyz/vswitch/internal/iface"
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/loop"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/network"
	"firestige.xyz/vswitch/internal/packet"
	"firestige.xyz/vswitch/internal/stack"
)

var (
	localMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	peerMAC  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	localIP  = netip.MustParseAddr("10.0.0.1")
	peerIP   = netip.MustParseAddr("10.0.0.2")
	remote   = netip.MustParseAddrPort("192.0.2.10:4789")
)

func init() {
	l, _ := test.NewNullLogger()
	log.SetLogger(log.NewLogrus(l))
}

// sock records the datagrams written by overlay interfaces.
type sock struct {
	mu  sync.Mutex
	out [][]byte
	to  []netip.AddrPort
}

func (s *sock) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, bytes.Clone(b))
	s.to = append(s.to, addr)
	return len(b), nil
}

func (s *sock) take(t *testing.T) []iface.VXLANPacket {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []iface.VXLANPacket
	for _, d := range s.out {
		vx, err := iface.DecodeVXLAN(d)
		require.NoError(t, err)
		out = append(out, vx)
	}
	s.out, s.to = nil, nil
	return out
}

// nic is a plain interface that records the frames sent to it.
type nic struct {
	name      string
	vni       uint32
	queued    []*packet.Buffer
	frames    [][]byte
	destroyed bool
}

func (n *nic) Name() string                   { return n.name }
func (n *nic) Kind() packet.Kind              { return packet.KindRing }
func (n *nic) Overhead() int                  { return 0 }
func (n *nic) LocalSideVRF(uint32) uint32     { return n.vni }
func (n *nic) Destroy()                       { n.destroyed = true }
func (n *nic) IsDestroyed() bool              { return n.destroyed }
func (n *nic) Statistics() *packet.Statistics { return packet.NewStatistics(n.name, nil) }

func (n *nic) SendPacket(pkb *packet.Buffer) {
	n.queued = append(n.queued, pkb.Retain())
}

func (n *nic) CompleteTx() {
	for _, pkb := range n.queued {
		n.frames = append(n.frames, bytes.Clone(pkb.Bytes()))
		pkb.Release()
	}
	n.queued = nil
}

func newTestSwitch(t *testing.T, cfg Config) (*Switch, *loop.Manual) {
	t.Helper()
	m := loop.NewManual()
	s, err := newSwitch(cfg, nil, metrics.NewInspection(), []loop.Loop{m}, func(uint32) loop.Loop { return m })
	require.NoError(t, err)
	return s, m
}

func addNetwork(t *testing.T, s *Switch, vni uint32) *network.VirtualNetwork {
	t.Helper()
	n, err := s.AddNetwork(network.Config{VNI: vni, V4Net: netip.MustParsePrefix("10.0.0.0/24")})
	require.NoError(t, err)
	require.NoError(t, n.AddIP(localIP, localMAC))
	return n
}

func arpRequest(t *testing.T) []byte {
	t.Helper()
	req, err := packet.BuildARPRequest(peerMAC, peerIP, localIP)
	require.NoError(t, err)
	return req
}

func decodeFrame(t *testing.T, frame []byte) *packet.Buffer {
	t.Helper()
	pkb := packet.FromFrame(nil, frame)
	require.NoError(t, pkb.Decode())
	return pkb
}

func decodeFrameFrom(t *testing.T, dev packet.Iface, frame []byte) *packet.Buffer {
	t.Helper()
	pkb := packet.FromFrame(dev, bytes.Clone(frame))
	require.NoError(t, pkb.Decode())
	return pkb
}

func TestNetworkManagement(t *testing.T) {
	s, m := newTestSwitch(t, Config{})
	addNetwork(t, s, 1)
	_, err := s.AddNetwork(network.Config{VNI: 1, V4Net: netip.MustParsePrefix("10.1.0.0/24")})
	assert.ErrorIs(t, err, core.ErrNetworkAlreadyExists)
	addNetwork(t, s, 2)
	m.Drain()

	nets := s.Networks()
	require.Len(t, nets, 2)
	assert.Equal(t, uint32(1), nets[0].VNI)
	assert.Equal(t, uint32(2), nets[1].VNI)

	n := s.Network(1)
	require.NoError(t, s.RemoveNetwork(1))
	assert.ErrorIs(t, s.RemoveNetwork(1), core.ErrNetworkNotFound)
	m.Drain()
	assert.True(t, n.IsDestroyed())
	assert.Nil(t, s.Network(1))
}

func TestGraphHasFilterAndStack(t *testing.T) {
	s, _ := newTestSwitch(t, Config{})
	names := s.Graph().NodeNames()
	assert.Contains(t, names, filter.NodeName)
	assert.Contains(t, names, stack.NodeDevInput)
	assert.Contains(t, names, stack.NodeTCPStack)
}

func TestUnknownFilterKind(t *testing.T) {
	m := loop.NewManual()
	_, err := newSwitch(Config{Filters: []filter.TableConfig{{
		Filters: []filter.Config{{Kind: "nope"}},
	}}}, nil, nil, []loop.Loop{m}, func(uint32) loop.Loop { return m })
	assert.ErrorIs(t, err, core.ErrFilterNotFound)
}

func TestARPOverVXLAN(t *testing.T) {
	s, m := newTestSwitch(t, Config{})
	addNetwork(t, s, 1)
	sk := &sock{}
	bare := iface.NewBareVXLanIface(remote, sk)
	bare.SetLocalSideVRF(1)
	require.NoError(t, s.AddIface(bare))
	assert.ErrorIs(t, s.AddIface(bare), core.ErrIfaceAlreadyExists)

	bare.Received(iface.VXLANPacket{VNI: 1, Frame: arpRequest(t)})
	assert.Empty(t, sk.take(t))
	m.Drain()

	out := sk.take(t)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(1), out[0].VNI)
	reply := decodeFrame(t, out[0].Frame)
	require.True(t, reply.IsARP())
	assert.Equal(t, uint16(layers.ARPReply), reply.ARP.Operation)
	assert.Equal(t, []byte(localMAC), reply.ARP.SourceHwAddress)
	assert.Equal(t, bare, s.Network(1).MACTable.Lookup(peerMAC))
}

func TestFrameForUnknownNetworkDropped(t *testing.T) {
	s, m := newTestSwitch(t, Config{})
	addNetwork(t, s, 1)
	sk := &sock{}
	bare := iface.NewBareVXLanIface(remote, sk)
	bare.SetLocalSideVRF(7)
	require.NoError(t, s.AddIface(bare))

	bare.Received(iface.VXLANPacket{VNI: 7, Frame: arpRequest(t)})
	m.Drain()
	assert.Empty(t, sk.take(t))
	assert.Equal(t, 1.0, metrics.Value(s.Inspection().NodeDropsTotal.WithLabelValues(stack.NodeDevInput)))
}

func TestRateLimitFilter(t *testing.T) {
	s, m := newTestSwitch(t, Config{Filters: []filter.TableConfig{{
		Filters: []filter.Config{{Kind: "ratelimit", Options: map[string]any{"pps": 1.0, "burst": 1}}},
	}}})
	addNetwork(t, s, 1)
	sk := &sock{}
	bare := iface.NewBareVXLanIface(remote, sk)
	bare.SetLocalSideVRF(1)
	require.NoError(t, s.AddIface(bare))

	bare.Received(iface.VXLANPacket{VNI: 1, Frame: arpRequest(t)})
	bare.Received(iface.VXLANPacket{VNI: 1, Frame: arpRequest(t)})
	m.Drain()

	assert.Len(t, sk.take(t), 1)
	insp := s.Inspection()
	assert.Equal(t, 1.0, metrics.Value(insp.FilterVerdictsTotal.WithLabelValues("ratelimit", filter.Drop.String())))
	assert.Equal(t, 1.0, metrics.Value(insp.FilterVerdictsTotal.WithLabelValues("ratelimit", filter.Pass.String())))
}

func TestVLanAdaptor(t *testing.T) {
	s, m := newTestSwitch(t, Config{})
	addNetwork(t, s, 1)
	parent := &nic{name: "eth0", vni: 99}
	adaptor := iface.NewVLanAdaptorIface(parent, 100, 1)
	require.NoError(t, s.AddIface(parent))
	require.NoError(t, s.AddIface(adaptor))

	pkb := packet.FromFrame(parent, arpRequest(t))
	require.NoError(t, pkb.Decode())
	require.NoError(t, pkb.PushVLAN(100))
	s.Received(pkb)
	m.Drain()

	require.Len(t, parent.frames, 1)
	reply := decodeFrame(t, parent.frames[0])
	require.True(t, reply.HasVLAN())
	assert.Equal(t, uint16(100), reply.Dot1Q.VLANIdentifier)
	require.True(t, reply.IsARP())
	assert.Equal(t, uint16(layers.ARPReply), reply.ARP.Operation)
	assert.Equal(t, adaptor, s.Network(1).MACTable.Lookup(peerMAC))

	// an untagged frame on the parent belongs to the parent's own network
	parent.frames = nil
	untagged := packet.FromFrame(parent, arpRequest(t))
	require.NoError(t, untagged.Decode())
	s.Received(untagged)
	m.Drain()
	assert.Empty(t, parent.frames)
}

func TestFloodKeepsFramePerPort(t *testing.T) {
	s, m := newTestSwitch(t, Config{})
	addNetwork(t, s, 1)
	a := &nic{name: "a", vni: 1}
	b := &nic{name: "b", vni: 1}
	parent := &nic{name: "eth0", vni: 99}
	for _, i := range []packet.Iface{a, b, parent,
		iface.NewVLanAdaptorIface(parent, 100, 1),
		iface.NewVLanAdaptorIface(parent, 200, 1),
	} {
		require.NoError(t, s.AddIface(i))
	}

	req, err := packet.BuildARPRequest(peerMAC, peerIP, netip.MustParseAddr("10.0.0.50"))
	require.NoError(t, err)
	s.Received(decodeFrameFrom(t, a, req))
	m.Drain()

	assert.Empty(t, a.frames)
	require.Len(t, b.frames, 1)
	assert.Equal(t, req, b.frames[0])

	require.Len(t, parent.frames, 2)
	var ids []uint16
	for _, f := range parent.frames {
		out := decodeFrame(t, f)
		require.True(t, out.HasVLAN())
		require.True(t, out.IsARP())
		ids = append(ids, out.Dot1Q.VLANIdentifier)
	}
	assert.ElementsMatch(t, []uint16{100, 200}, ids)
}

func TestDestroyIface(t *testing.T) {
	s, m := newTestSwitch(t, Config{})
	n := addNetwork(t, s, 1)
	eth := &nic{name: "eth0", vni: 1}
	require.NoError(t, s.AddIface(eth))
	n.MACTable.Record(peerMAC, eth)

	require.NoError(t, s.DestroyIface("eth0"))
	assert.True(t, eth.destroyed)
	assert.Nil(t, s.Iface("eth0"))
	assert.ErrorIs(t, s.DestroyIface("eth0"), core.ErrIfaceNotFound)
	m.Drain()
	assert.Nil(t, n.MACTable.Lookup(peerMAC))

	assert.ErrorIs(t, s.AddIface(eth), core.ErrIfaceDestroyed)
}

func TestDeviceDownForgetsIface(t *testing.T) {
	s, _ := newTestSwitch(t, Config{})
	bare := iface.NewBareVXLanIface(remote, &sock{})
	require.NoError(t, s.AddIface(bare))
	bare.Destroy()
	assert.Nil(t, s.Iface(remote.String()))
	assert.Empty(t, s.Ifaces())
}

func TestCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingress.pcap")
	s, m := newTestSwitch(t, Config{Capture: path})
	addNetwork(t, s, 1)
	bare := iface.NewBareVXLanIface(remote, &sock{})
	bare.SetLocalSideVRF(1)
	require.NoError(t, s.AddIface(bare))

	req := arpRequest(t)
	bare.Received(iface.VXLANPacket{VNI: 1, Frame: req})
	m.Drain()
	s.Close()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, req, data)
}

func TestServeVXLAN(t *testing.T) {
	s, err := New(Config{Loops: 2}, nil, nil)
	require.NoError(t, err)
	s.Start()
	defer s.Close()

	n, err := s.AddNetwork(network.Config{VNI: 1, V4Net: netip.MustParsePrefix("10.0.0.0/24")})
	require.NoError(t, err)
	done := make(chan error, 1)
	n.Loop.RunOnLoop(func() { done <- n.AddIP(localIP, localMAC) })
	require.NoError(t, <-done)

	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.ServeVXLAN(ctx, server) }()

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	datagram, err := iface.EncodeVXLAN(1, arpRequest(t))
	require.NoError(t, err)
	_, err = client.WriteToUDP(datagram, server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 2048)
	nr, err := client.Read(buf)
	require.NoError(t, err)
	vx, err := iface.DecodeVXLAN(buf[:nr])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), vx.VNI)
	reply := decodeFrame(t, vx.Frame)
	require.True(t, reply.IsARP())
	assert.Equal(t, uint16(layers.ARPReply), reply.ARP.Operation)

	learned := s.Iface(client.LocalAddr().(*net.UDPAddr).AddrPort().String())
	require.NotNil(t, learned)
	assert.Equal(t, packet.KindBareVXLan, learned.Kind())

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeVXLAN did not return")
	}
}
