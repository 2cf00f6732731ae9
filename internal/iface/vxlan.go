package iface

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/vswitch/internal/core"
	"firestige.xyz/vswitch/internal/packet"
)

const (
	VXLANPort       = 4789
	vxlanHeaderSize = 8

	// FlagFromSwitch marks frames relayed by another switch. It lives in the
	// first reserved byte of the vxlan header.
	FlagFromSwitch byte = 0x80

	// DefaultTxBatch is the number of frames a socket interface queues before
	// flushing on its own.
	DefaultTxBatch = 64
)

// EncodeVXLAN prepends a vxlan header carrying vni to an ethernet frame.
func EncodeVXLAN(vni uint32, frame []byte) ([]byte, error) {
	if vni > 0xffffff {
		return nil, fmt.Errorf("vni %d exceeds 24 bits: %w", vni, core.ErrConfigInvalid)
	}
	buf := gopacket.NewSerializeBuffer()
	vx := &layers.VXLAN{ValidIDFlag: true, VNI: vni}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, vx, gopacket.Payload(frame)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VXLANPacket is a decoded vxlan datagram.
type VXLANPacket struct {
	VNI   uint32
	Flags byte // first reserved byte
	Frame []byte
}

// DecodeVXLAN splits a datagram into its vni and inner frame. The frame
// aliases data.
func DecodeVXLAN(data []byte) (VXLANPacket, error) {
	if len(data) < vxlanHeaderSize {
		return VXLANPacket{}, fmt.Errorf("vxlan header: %w", core.ErrPacketTooShort)
	}
	var vx layers.VXLAN
	if err := vx.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return VXLANPacket{}, fmt.Errorf("%w: %v", core.ErrPacketMalformed, err)
	}
	if !vx.ValidIDFlag {
		return VXLANPacket{}, fmt.Errorf("vxlan header without valid vni flag: %w", core.ErrPacketMalformed)
	}
	return VXLANPacket{VNI: vx.VNI, Flags: data[1], Frame: vx.Payload}, nil
}

// Sock is the udp socket shared by overlay interfaces. *net.UDPConn
// implements it.
type Sock interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// sockIface queues frames and writes them as vxlan datagrams on CompleteTx.
type sockIface struct {
	base
	remote netip.AddrPort
	sock   Sock
	self   packet.Iface

	// vni chooses the header vni, false drops the frame
	vni func(pkb *packet.Buffer) (uint32, bool)
	// manipulate adjusts the encoded header in place
	manipulate func(datagram []byte)
	// seal wraps the datagram, nil sends it as is
	seal func(datagram []byte) ([]byte, error)

	mu      sync.Mutex
	pending []*packet.Buffer
}

func (s *sockIface) Init(p InitParams) error {
	s.init(p)
	return nil
}

// Remote is the udp address of the peer.
func (s *sockIface) Remote() netip.AddrPort { return s.remote }

// Received feeds a decoded vxlan frame from the peer into the switch.
func (s *sockIface) Received(vx VXLANPacket) {
	if s.IsDestroyed() {
		return
	}
	pkb := packet.FromFrame(s.self, vx.Frame)
	pkb.SetVNI(s.self.LocalSideVRF(vx.VNI))
	s.received(pkb)
}

func (s *sockIface) SendPacket(pkb *packet.Buffer) {
	if s.IsDestroyed() {
		return
	}
	if pkb.IsL3() {
		s.logger.Debug("cannot send an ip packet without ethernet header")
		s.stats.IncTxErr()
		return
	}
	s.mu.Lock()
	full := len(s.pending) >= DefaultTxBatch
	s.mu.Unlock()
	if full {
		s.CompleteTx()
	}
	s.mu.Lock()
	s.pending = append(s.pending, pkb.Retain())
	s.mu.Unlock()
}

func (s *sockIface) CompleteTx() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, pkb := range pending {
		s.write(pkb)
		pkb.Release()
	}
}

func (s *sockIface) write(pkb *packet.Buffer) {
	vni, ok := s.vni(pkb)
	if !ok {
		if s.logger.IsDebugEnabled() {
			s.logger.Debug("no vni for the frame, dropped")
		}
		s.stats.IncTxErr()
		return
	}
	out, err := EncodeVXLAN(vni, pkb.Bytes())
	if err != nil {
		s.logger.WithError(err).Error("encoding vxlan failed")
		s.stats.IncTxErr()
		return
	}
	if s.manipulate != nil {
		s.manipulate(out)
	}
	if s.seal != nil {
		if out, err = s.seal(out); err != nil {
			s.logger.WithError(err).Warn("sealing packet failed")
			s.stats.IncTxErr()
			return
		}
	}
	if _, err := s.sock.WriteToUDPAddrPort(out, s.remote); err != nil {
		s.logger.WithError(err).Debug("sending packet failed")
		s.stats.IncTxErr()
		return
	}
	s.stats.IncTx(len(out))
}

func (s *sockIface) Destroy() {
	if !s.markDestroyed() {
		return
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, pkb := range pending {
		pkb.Release()
	}
	if s.cb != nil {
		s.cb.DeviceDown(s.self)
	}
}

func pkbVNI(pkb *packet.Buffer) (uint32, bool) { return pkb.VNI() }

func clearReserved(out []byte) {
	out[1], out[2], out[3], out[7] = 0, 0, 0, 0
}

// BareVXLanIface is a plain vxlan peer learned from the wire.
type BareVXLanIface struct {
	sockIface
	localSideVRF uint32
}

// NewBareVXLanIface returns the interface of a vxlan peer at remote.
func NewBareVXLanIface(remote netip.AddrPort, sock Sock) *BareVXLanIface {
	i := &BareVXLanIface{}
	i.sockIface = sockIface{
		base:       newBase(remote.String(), packet.KindBareVXLan),
		remote:     remote,
		sock:       sock,
		self:       i,
		vni:        pkbVNI,
		manipulate: clearReserved,
	}
	return i
}

func (i *BareVXLanIface) Overhead() int { return vxlanOverhead }

func (i *BareVXLanIface) LocalSideVRF(uint32) uint32 { return i.localSideVRF }

func (i *BareVXLanIface) SetLocalSideVRF(vni uint32) { i.localSideVRF = vni }

// RemoteSwitchIface links to another switch. Frames keep their vni.
type RemoteSwitchIface struct {
	sockIface
	alias         string
	addSwitchFlag bool
}

// NewRemoteSwitchIface returns a link to another switch. With
// addSwitchFlag the outgoing header is marked so the peer knows the
// frame came from a switch.
func NewRemoteSwitchIface(alias string, remote netip.AddrPort, sock Sock, addSwitchFlag bool) *RemoteSwitchIface {
	i := &RemoteSwitchIface{alias: alias, addSwitchFlag: addSwitchFlag}
	manipulate := clearReserved
	if addSwitchFlag {
		manipulate = func(out []byte) { out[1] |= FlagFromSwitch }
	}
	i.sockIface = sockIface{
		base:       newBase("remote:"+alias, packet.KindRemoteSwitch),
		remote:     remote,
		sock:       sock,
		self:       i,
		vni:        pkbVNI,
		manipulate: manipulate,
	}
	return i
}

func (i *RemoteSwitchIface) Alias() string { return i.alias }

func (i *RemoteSwitchIface) Overhead() int { return vxlanOverhead }

func (i *RemoteSwitchIface) LocalSideVRF(hint uint32) uint32 { return hint }

// Sealer encrypts datagrams of a user overlay link.
type Sealer interface {
	Seal(user string, datagram []byte) ([]byte, error)
}

// UserIface is an encrypted overlay link of one user. Frames are only sent
// once the remote side vni has been learned.
type UserIface struct {
	sockIface
	user          string
	localSideVNI  uint32
	remoteSideVNI uint32
}

// NewUserIface returns the overlay interface of user. Datagrams are
// sealed with sealer before they are written.
func NewUserIface(user string, remote netip.AddrPort, sock Sock, sealer Sealer) *UserIface {
	i := &UserIface{user: user}
	i.sockIface = sockIface{
		base:   newBase("user:"+user, packet.KindUser),
		remote: remote,
		sock:   sock,
		self:   i,
		vni: func(*packet.Buffer) (uint32, bool) {
			return i.remoteSideVNI, i.remoteSideVNI != 0
		},
	}
	if sealer != nil {
		i.seal = func(out []byte) ([]byte, error) { return sealer.Seal(user, out) }
	}
	return i
}

func (i *UserIface) User() string { return i.user }

func (i *UserIface) Overhead() int { return userOverhead }

func (i *UserIface) LocalSideVRF(uint32) uint32 { return i.localSideVNI }

func (i *UserIface) SetLocalSideVRF(vni uint32) { i.localSideVNI = vni }

func (i *UserIface) RemoteSideVNI() uint32 { return i.remoteSideVNI }

func (i *UserIface) SetRemoteSideVNI(vni uint32) { i.remoteSideVNI = vni }
