package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/vswitch/internal/core"
)

// DefaultTTL is used for every packet the switch generates.
const DefaultTTL = 64

type serializableNetworkLayer interface {
	gopacket.SerializableLayer
	gopacket.NetworkLayer
}

func mkIPLayer(proto layers.IPProtocol, src, dst netip.Addr) (serializableNetworkLayer, error) {
	if src.Is4() && dst.Is4() {
		return &layers.IPv4{
			Version:  4,
			TTL:      DefaultTTL,
			Protocol: proto,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}, nil
	}
	if src.Is6() && dst.Is6() {
		return &layers.IPv6{
			Version:    6,
			HopLimit:   DefaultTTL,
			NextHeader: proto,
			SrcIP:      src.AsSlice(),
			DstIP:      dst.AsSlice(),
		}, nil
	}
	return nil, fmt.Errorf("ip layer %s -> %s: %w", src, dst, core.ErrUnsupportedProto)
}

// TCPSegment describes a generated tcp packet.
type TCPSegment struct {
	Src, Dst netip.AddrPort
	Seq, Ack uint32
	Window   uint16

	SYN, ACK, PSH, FIN, RST bool

	// MSS adds the MSS option when non-zero.
	MSS int
	// WindowShift adds the window-scale option when non-zero.
	WindowShift int
	Payload     []byte
}

// BuildTCP serializes an IP packet carrying seg.
func BuildTCP(seg TCPSegment) ([]byte, error) {
	ip, err := mkIPLayer(layers.IPProtocolTCP, seg.Src.Addr(), seg.Dst.Addr())
	if err != nil {
		return nil, err
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.Src.Port()),
		DstPort: layers.TCPPort(seg.Dst.Port()),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		SYN:     seg.SYN,
		ACK:     seg.ACK,
		PSH:     seg.PSH,
		FIN:     seg.FIN,
		RST:     seg.RST,
		Window:  seg.Window,
	}
	if seg.MSS > 0 {
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, uint16(seg.MSS))
		tcp.Options = append(tcp.Options, layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: mss})
	}
	if seg.WindowShift > 0 {
		tcp.Options = append(tcp.Options,
			layers.TCPOption{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			layers.TCPOption{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{byte(seg.WindowShift)}},
		)
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, tcp, gopacket.Payload(seg.Payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TCPOptions extracts MSS and window-scale from a SYN. Absent options yield
// zero values.
func TCPOptions(tcp *layers.TCP) (mss, windowShift int, hasWindowScale bool) {
	for _, opt := range tcp.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) >= 2 {
				mss = int(binary.BigEndian.Uint16(opt.OptionData))
			}
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) >= 1 {
				windowShift = int(min(opt.OptionData[0], 14))
				hasWindowScale = true
			}
		}
	}
	return
}

// BuildUDP serializes an IP packet carrying a udp datagram.
func BuildUDP(src, dst netip.AddrPort, payload []byte) ([]byte, error) {
	ip, err := mkIPLayer(layers.IPProtocolUDP, src.Addr(), dst.Addr())
	if err != nil {
		return nil, err
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildARPReply answers an ARP request for ip owned by mac.
func BuildARPReply(req *layers.ARP, mac net.HardwareAddr) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       mac,
		DstMAC:       req.SourceHwAddress,
		EthernetType: layers.EthernetTypeARP,
	}
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   mac,
		SourceProtAddress: req.DstProtAddress,
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, reply); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildARPRequest asks who owns target.
func BuildARPRequest(srcMAC net.HardwareAddr, src, target netip.Addr) ([]byte, error) {
	if !src.Is4() || !target.Is4() {
		return nil, fmt.Errorf("arp request for %s: %w", target, core.ErrUnsupportedProto)
	}
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	req := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: src.AsSlice(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    target.AsSlice(),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, req); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildFrame serializes an ethernet frame around an IP packet.
func BuildFrame(src, dst net.HardwareAddr, ip []byte) ([]byte, error) {
	ethType := layers.EthernetTypeIPv4
	if len(ip) > 0 && ip[0]>>4 == 6 {
		ethType = layers.EthernetTypeIPv6
	}
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: ethType}
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, gopacket.Payload(ip)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AddrFromIP converts a decoded address, unmapping v4-in-v6.
func AddrFromIP(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return a.Unmap()
}
