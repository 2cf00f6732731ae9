// Package packet defines the reference counted packet buffer, the chunk
// pools backing it, the Iface contract and helpers that build frames.
package packet

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/vswitch/internal/conntrack"
	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/log"
)

// Buffer is a reference counted handle over one frame. The pipeline owns one
// reference; every Iface that queues the buffer takes another until its
// CompleteTx. The backing chunk returns to its pool when the count hits zero.
type Buffer struct {
	refs  atomic.Int32
	chunk *Chunk
	data  []byte
	l3    bool

	// the frame still lives at chunkOff inside chunk
	inChunk  bool
	chunkOff int

	// decoded layers, valid after Decode
	Eth     layers.Ethernet
	Dot1Q   layers.Dot1Q
	ARP     layers.ARP
	IPv4    layers.IPv4
	IPv6    layers.IPv6
	TCP     layers.TCP
	UDP     layers.UDP
	ICMPv4  layers.ICMPv4
	ICMPv6  layers.ICMPv6
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	// DevIn is the interface the frame arrived on, nil for generated packets.
	DevIn Iface
	// DevRedirect is the egress interface chosen by a node.
	DevRedirect Iface

	vni    uint32
	hasVNI bool

	// Hops counts the nodes visited by the scheduler.
	Hops int
	// SkipPreHandle lets fast paths bypass node classification.
	SkipPreHandle bool
	// IfaceInput is set once the dev-input node accepted the frame.
	IfaceInput bool
	// TCP flow matched by the stack, if any.
	Flow *conntrack.TCPEntry
	// UDPListener matched by the stack, if any.
	UDPListener *conntrack.UDPListener
}

// FromChunk wraps n bytes at off of a pool chunk received on dev.
func FromChunk(dev Iface, c *Chunk, off, n int) *Buffer {
	b := &Buffer{chunk: c, data: c.data[off : off+n], DevIn: dev, inChunk: true, chunkOff: off}
	b.refs.Store(1)
	return b
}

// FromFrame wraps an ethernet frame that is not backed by a pool.
func FromFrame(dev Iface, frame []byte) *Buffer {
	b := &Buffer{data: frame, DevIn: dev}
	b.refs.Store(1)
	return b
}

// FromIP wraps a generated IP packet for network vni. The ethernet header is
// added by the output path.
func FromIP(vni uint32, ip []byte) *Buffer {
	b := &Buffer{data: ip, l3: true}
	b.refs.Store(1)
	b.SetVNI(vni)
	return b
}

func (b *Buffer) Bytes() []byte { return b.data }
func (b *Buffer) Len() int      { return len(b.data) }
func (b *Buffer) Chunk() *Chunk { return b.chunk }

// ChunkFrame returns the chunk and offset holding the frame while it has not
// been rewritten out of its pool memory.
func (b *Buffer) ChunkFrame() (*Chunk, int, bool) {
	if !b.inChunk || b.chunk == nil {
		return nil, 0, false
	}
	return b.chunk, b.chunkOff, true
}

// IsL3 reports whether the buffer holds an IP packet without ethernet header.
func (b *Buffer) IsL3() bool { return b.l3 }

// SetVNI assigns the buffer to network vni.
func (b *Buffer) SetVNI(vni uint32) {
	b.vni = vni
	b.hasVNI = true
}

// VNI returns the network the buffer belongs to, if resolved.
func (b *Buffer) VNI() (uint32, bool) { return b.vni, b.hasVNI }

// Retain takes another reference.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int { return int(b.refs.Load()) }

// Release drops one reference and frees the chunk on the last one.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		if b.chunk != nil {
			b.chunk.Release()
			b.chunk = nil
		}
	case n < 0:
		log.GetLogger().WithField("refs", n).Error("should not happen: packet buffer released more times than retained")
	}
}

// Decode parses the frame into the layer fields. Unsupported layers stop
// decoding without error.
func (b *Buffer) Decode() error {
	if b.l3 {
		first := layers.LayerTypeIPv4
		if len(b.data) > 0 && b.data[0]>>4 == 6 {
			first = layers.LayerTypeIPv6
		}
		return b.decodeFrom(first)
	}
	if b.parser == nil {
		b.parser = gopacket.NewDecodingLayerParser(
			layers.LayerTypeEthernet,
			&b.Eth, &b.Dot1Q, &b.ARP, &b.IPv4, &b.IPv6, &b.TCP, &b.UDP, &b.ICMPv4, &b.ICMPv6,
		)
		b.parser.IgnoreUnsupported = true
	}
	b.decoded = b.decoded[:0]
	if err := b.parser.DecodeLayers(b.data, &b.decoded); err != nil {
		return fmt.Errorf("%w: %v", core.ErrPacketMalformed, err)
	}
	return nil
}

func (b *Buffer) decodeFrom(first gopacket.LayerType) error {
	p := gopacket.NewDecodingLayerParser(first, &b.IPv4, &b.IPv6, &b.TCP, &b.UDP, &b.ICMPv4, &b.ICMPv6)
	p.IgnoreUnsupported = true
	b.decoded = b.decoded[:0]
	if err := p.DecodeLayers(b.data, &b.decoded); err != nil {
		return fmt.Errorf("%w: %v", core.ErrPacketMalformed, err)
	}
	return nil
}

// Has reports whether lt was decoded.
func (b *Buffer) Has(lt gopacket.LayerType) bool {
	for _, d := range b.decoded {
		if d == lt {
			return true
		}
	}
	return false
}

func (b *Buffer) IsIPv4() bool { return b.Has(layers.LayerTypeIPv4) }
func (b *Buffer) IsIPv6() bool { return b.Has(layers.LayerTypeIPv6) }
func (b *Buffer) IsIP() bool   { return b.IsIPv4() || b.IsIPv6() }
func (b *Buffer) IsTCP() bool  { return b.Has(layers.LayerTypeTCP) }
func (b *Buffer) IsUDP() bool  { return b.Has(layers.LayerTypeUDP) }
func (b *Buffer) IsARP() bool  { return b.Has(layers.LayerTypeARP) }
// HasVLAN reports whether the frame carries an 802.1Q tag.
func (b *Buffer) HasVLAN() bool {
	return b.Has(layers.LayerTypeDot1Q)
}

// SrcIP and DstIP return the addresses of the IP layer, or nil.
func (b *Buffer) SrcIP() net.IP {
	switch {
	case b.IsIPv4():
		return b.IPv4.SrcIP
	case b.IsIPv6():
		return b.IPv6.SrcIP
	}
	return nil
}

func (b *Buffer) DstIP() net.IP {
	switch {
	case b.IsIPv4():
		return b.IPv4.DstIP
	case b.IsIPv6():
		return b.IPv6.DstIP
	}
	return nil
}

// ReplacePacket swaps the content for a generated IP packet, keeping the
// routing metadata. The old frame is no longer referenced.
func (b *Buffer) ReplacePacket(ip []byte) error {
	b.data = ip
	b.l3 = true
	b.inChunk = false
	b.SkipPreHandle = false
	return b.Decode()
}

// ReplaceFrame swaps the content for a generated ethernet frame, such as an
// ARP reply sent back out of DevIn.
func (b *Buffer) ReplaceFrame(frame []byte) error {
	b.data = frame
	b.l3 = false
	b.inChunk = false
	b.SkipPreHandle = false
	return b.Decode()
}

// StripEthernet turns a received IP frame into an l3 buffer so it can be
// routed into another network.
func (b *Buffer) StripEthernet() error {
	if b.l3 {
		return nil
	}
	if !b.IsIP() {
		return fmt.Errorf("strip ethernet: %w", core.ErrUnsupportedProto)
	}
	payload := b.Eth.Payload
	if b.HasVLAN() {
		payload = b.Dot1Q.Payload
	}
	ip := make([]byte, len(payload))
	copy(ip, payload)
	return b.ReplacePacket(ip)
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// SetEthernet puts an ethernet header in front of an l3 buffer, or rewrites
// the addresses of an existing one.
func (b *Buffer) SetEthernet(src, dst net.HardwareAddr) error {
	if !b.l3 {
		copy(b.data[0:6], dst)
		copy(b.data[6:12], src)
		return b.Decode()
	}
	ethType := layers.EthernetTypeIPv4
	if b.IsIPv6() {
		ethType = layers.EthernetTypeIPv6
	}
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: ethType}
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, gopacket.Payload(b.data)); err != nil {
		return err
	}
	b.data = buf.Bytes()
	b.inChunk = false
	b.l3 = false
	return b.Decode()
}

// PushVLAN inserts an 802.1Q tag.
func (b *Buffer) PushVLAN(id uint16) error {
	if b.l3 || b.HasVLAN() {
		return fmt.Errorf("push vlan %d: %w", id, core.ErrUnsupportedProto)
	}
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: b.Eth.SrcMAC, DstMAC: b.Eth.DstMAC, EthernetType: layers.EthernetTypeDot1Q}
	tag := &layers.Dot1Q{VLANIdentifier: id, Type: b.Eth.EthernetType}
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, tag, gopacket.Payload(b.Eth.Payload)); err != nil {
		return err
	}
	b.data = buf.Bytes()
	b.inChunk = false
	return b.Decode()
}

// PopVLAN strips the 802.1Q tag and returns its id.
func (b *Buffer) PopVLAN() (uint16, error) {
	if !b.HasVLAN() {
		return 0, fmt.Errorf("pop vlan: %w", core.ErrUnsupportedProto)
	}
	id := b.Dot1Q.VLANIdentifier
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: b.Eth.SrcMAC, DstMAC: b.Eth.DstMAC, EthernetType: b.Dot1Q.Type}
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, gopacket.Payload(b.Dot1Q.Payload)); err != nil {
		return 0, err
	}
	b.data = buf.Bytes()
	b.inChunk = false
	return id, b.Decode()
}

// Clone copies the frame into an unpooled, decoded buffer with a fresh
// reference.
func (b *Buffer) Clone() *Buffer {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	c := &Buffer{data: data, l3: b.l3, DevIn: b.DevIn, vni: b.vni, hasVNI: b.hasVNI, IfaceInput: b.IfaceInput}
	c.refs.Store(1)
	if err := c.Decode(); err != nil && log.GetLogger().IsDebugEnabled() {
		log.GetLogger().WithError(err).Debug("cloned frame does not decode")
	}
	return c
}
