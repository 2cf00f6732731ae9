package packet

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/log"
)

var (
	macA = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0a}
	macB = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0b}
	epA  = netip.MustParseAddrPort("10.0.0.2:40000")
	epB  = netip.MustParseAddrPort("10.0.0.1:80")
)

func tcpFrame(t *testing.T, seg TCPSegment) []byte {
	t.Helper()
	ip, err := BuildTCP(seg)
	require.NoError(t, err)
	frame, err := BuildFrame(macA, macB, ip)
	require.NoError(t, err)
	return frame
}

func TestPoolExhaustion(t *testing.T) {
	p, err := NewPool("test", 2, 2048)
	require.NoError(t, err)

	a, err := p.Get()
	require.NoError(t, err)
	_, err = p.Get()
	require.NoError(t, err)

	_, err = p.Get()
	assert.True(t, errors.Is(err, core.ErrNoFreeChunk))

	a.Release()
	assert.Equal(t, 1, p.Available())

	_, err = NewPool("bad", 0, 10)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
}

func TestBufferRefcountReturnsChunk(t *testing.T) {
	p, err := NewPool("test", 1, 2048)
	require.NoError(t, err)
	c, err := p.Get()
	require.NoError(t, err)

	frame := tcpFrame(t, TCPSegment{Src: epA, Dst: epB, Seq: 100, SYN: true, Window: 65535})
	n := copy(c.Bytes(), frame)
	pkb := FromChunk(nil, c, 0, n)

	pkb.Retain() // queued on an interface
	pkb.Release()
	assert.Equal(t, 0, p.Available())
	pkb.Release()
	assert.Equal(t, 1, p.Available())
	assert.Equal(t, 0, pkb.Refs())
}

func TestBufferDoubleReleaseLogged(t *testing.T) {
	l, hook := test.NewNullLogger()
	prev := log.GetLogger()
	log.SetLogger(log.NewLogrus(l))
	defer log.SetLogger(prev)

	pkb := FromFrame(nil, []byte{})
	pkb.Release()
	pkb.Release()

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Contains(t, hook.LastEntry().Message, "should not happen")
}

func TestBufferDecodeTCP(t *testing.T) {
	frame := tcpFrame(t, TCPSegment{
		Src: epA, Dst: epB, Seq: 100, Ack: 7, SYN: true, ACK: true, Window: 1000,
		MSS: 1400, WindowShift: 3, Payload: []byte("hi"),
	})
	pkb := FromFrame(nil, frame)
	require.NoError(t, pkb.Decode())

	assert.True(t, pkb.IsIPv4())
	assert.True(t, pkb.IsTCP())
	assert.False(t, pkb.IsUDP())
	assert.Equal(t, uint32(100), pkb.TCP.Seq)
	assert.Equal(t, uint32(7), pkb.TCP.Ack)
	assert.True(t, pkb.TCP.SYN && pkb.TCP.ACK)
	assert.Equal(t, []byte("hi"), pkb.TCP.Payload)
	assert.Equal(t, uint8(DefaultTTL), pkb.IPv4.TTL)
	assert.Equal(t, epB.Addr(), AddrFromIP(pkb.DstIP()))

	mss, shift, ok := TCPOptions(&pkb.TCP)
	assert.Equal(t, 1400, mss)
	assert.Equal(t, 3, shift)
	assert.True(t, ok)
}

func TestBufferDecodeMalformed(t *testing.T) {
	frame := tcpFrame(t, TCPSegment{Src: epA, Dst: epB, SYN: true})
	pkb := FromFrame(nil, frame[:20])
	err := pkb.Decode()
	assert.True(t, errors.Is(err, core.ErrPacketMalformed))
}

func TestReplacePacketAndSetEthernet(t *testing.T) {
	pkb := FromFrame(nil, tcpFrame(t, TCPSegment{Src: epA, Dst: epB, Seq: 1, SYN: true}))
	require.NoError(t, pkb.Decode())

	ip, err := BuildUDP(epB, epA, []byte("pong"))
	require.NoError(t, err)
	require.NoError(t, pkb.ReplacePacket(ip))
	assert.True(t, pkb.IsL3())
	assert.True(t, pkb.IsUDP())
	assert.False(t, pkb.Has(layers.LayerTypeEthernet))

	require.NoError(t, pkb.SetEthernet(macB, macA))
	assert.False(t, pkb.IsL3())
	assert.Equal(t, macA, pkb.Eth.DstMAC)
	assert.Equal(t, layers.EthernetTypeIPv4, pkb.Eth.EthernetType)
	assert.Equal(t, []byte("pong"), pkb.UDP.Payload)
}

func TestVLANPushPop(t *testing.T) {
	pkb := FromFrame(nil, tcpFrame(t, TCPSegment{Src: epA, Dst: epB, Seq: 1, PSH: true, ACK: true, Payload: []byte("data")}))
	require.NoError(t, pkb.Decode())

	require.NoError(t, pkb.PushVLAN(100))
	assert.True(t, pkb.HasVLAN())
	assert.Equal(t, uint16(100), pkb.Dot1Q.VLANIdentifier)
	assert.True(t, pkb.IsTCP())

	id, err := pkb.PopVLAN()
	require.NoError(t, err)
	assert.Equal(t, uint16(100), id)
	assert.False(t, pkb.HasVLAN())
	assert.Equal(t, []byte("data"), pkb.TCP.Payload)

	_, err = pkb.PopVLAN()
	assert.Error(t, err)
}

func TestCloneIsDecoded(t *testing.T) {
	frame, err := BuildARPRequest(macA, netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	pkb := FromFrame(nil, frame)
	require.NoError(t, pkb.Decode())
	pkb.SetVNI(7)

	c := pkb.Clone()
	assert.Equal(t, 1, c.Refs())
	assert.True(t, c.IsARP())
	assert.Equal(t, macA, c.Eth.SrcMAC)
	vni, ok := c.VNI()
	assert.True(t, ok)
	assert.Equal(t, uint32(7), vni)

	require.NoError(t, c.PushVLAN(100))
	assert.Equal(t, len(frame)+4, c.Len())
	assert.False(t, pkb.HasVLAN())
	assert.Equal(t, len(frame), pkb.Len())
	c.Release()
}

func TestStripEthernet(t *testing.T) {
	pkb := FromFrame(nil, tcpFrame(t, TCPSegment{Src: epA, Dst: epB, Seq: 7, PSH: true, ACK: true, Payload: []byte("x")}))
	require.NoError(t, pkb.Decode())
	require.NoError(t, pkb.PushVLAN(9))

	require.NoError(t, pkb.StripEthernet())
	assert.True(t, pkb.IsL3())
	assert.True(t, pkb.IsTCP())
	assert.Equal(t, uint32(7), pkb.TCP.Seq)
	assert.NoError(t, pkb.StripEthernet(), "already l3")

	arp, err := BuildARPRequest(macA, netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	require.NoError(t, pkb.ReplaceFrame(arp))
	assert.False(t, pkb.IsL3())
	assert.True(t, pkb.IsARP())
	assert.True(t, errors.Is(pkb.StripEthernet(), core.ErrUnsupportedProto))
}

func TestBuildIPv6(t *testing.T) {
	src := netip.MustParseAddrPort("[fd00::2]:5000")
	dst := netip.MustParseAddrPort("[fd00::1]:53")
	ip, err := BuildUDP(src, dst, []byte("q"))
	require.NoError(t, err)

	pkb := FromIP(1, ip)
	require.NoError(t, pkb.Decode())
	assert.True(t, pkb.IsIPv6())
	assert.Equal(t, uint8(DefaultTTL), pkb.IPv6.HopLimit)
	vni, ok := pkb.VNI()
	assert.True(t, ok)
	assert.Equal(t, uint32(1), vni)

	_, err = BuildUDP(epA, dst, nil)
	assert.True(t, errors.Is(err, core.ErrUnsupportedProto))
}

func TestBuildARPReply(t *testing.T) {
	reqFrame, err := BuildARPRequest(macA, netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	req := FromFrame(nil, reqFrame)
	require.NoError(t, req.Decode())
	require.True(t, req.IsARP())

	reply, err := BuildARPReply(&req.ARP, macB)
	require.NoError(t, err)
	pkb := FromFrame(nil, reply)
	require.NoError(t, pkb.Decode())
	assert.Equal(t, uint16(layers.ARPReply), pkb.ARP.Operation)
	assert.Equal(t, []byte(macB), pkb.ARP.SourceHwAddress)
	assert.Equal(t, []byte{10, 0, 0, 1}, pkb.ARP.SourceProtAddress)
	assert.Equal(t, macA, pkb.Eth.DstMAC)
}

func TestStatistics(t *testing.T) {
	s := NewStatistics("xdp:eth0", nil)
	s.IncRx(100)
	s.IncTx(60)
	s.IncTxErr()
	assert.Equal(t, StatisticsSnapshot{RxPackets: 1, RxBytes: 100, TxPackets: 1, TxBytes: 60, TxErrors: 1}, s.Snapshot())
}
