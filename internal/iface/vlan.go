package iface

import (
	"strconv"

	"firestige.xyz/vswitch/internal/packet"
)

// VLanAdaptorIface maps one vlan of a parent interface into a network.
type VLanAdaptorIface struct {
	base
	parent     packet.Iface
	remoteVLan uint16
	localVRF   uint32
}

// NewVLanAdaptorIface maps vlan remoteVLan of parent to network localVRF.
func NewVLanAdaptorIface(parent packet.Iface, remoteVLan uint16, localVRF uint32) *VLanAdaptorIface {
	return &VLanAdaptorIface{
		base:       newBase("vlan."+strconv.Itoa(int(remoteVLan))+"@"+parent.Name(), packet.KindVLan),
		parent:     parent,
		remoteVLan: remoteVLan,
		localVRF:   localVRF,
	}
}

func (v *VLanAdaptorIface) Init(p InitParams) error {
	v.init(p)
	return nil
}

func (v *VLanAdaptorIface) Parent() packet.Iface { return v.parent }

func (v *VLanAdaptorIface) RemoteVLan() uint16 { return v.remoteVLan }

// SendPacket tags a copy of the frame and sends it through the parent. pkb
// may be queued on other interfaces and stays untouched.
func (v *VLanAdaptorIface) SendPacket(pkb *packet.Buffer) {
	if v.IsDestroyed() {
		return
	}
	tagged := pkb.Clone()
	defer tagged.Release()
	if err := tagged.PushVLAN(v.remoteVLan); err != nil {
		v.logger.WithError(err).Debug("cannot tag the frame")
		v.stats.IncTxErr()
		return
	}
	v.stats.IncTx(tagged.Len())
	v.parent.SendPacket(tagged)
}

func (v *VLanAdaptorIface) CompleteTx() { v.parent.CompleteTx() }

// Overhead is zero when the parent does not encapsulate.
func (v *VLanAdaptorIface) Overhead() int {
	po := v.parent.Overhead()
	if po == 0 {
		return 0
	}
	return po + vlanTagLen
}

func (v *VLanAdaptorIface) LocalSideVRF(uint32) uint32 { return v.localVRF }

// Handle rewrites a tagged frame received on the parent as if it arrived on
// this adaptor.
func (v *VLanAdaptorIface) Handle(pkb *packet.Buffer) error {
	if _, err := pkb.PopVLAN(); err != nil {
		return err
	}
	pkb.SetVNI(v.localVRF)
	pkb.DevIn = v
	v.stats.IncRx(pkb.Len())
	return nil
}

func (v *VLanAdaptorIface) Destroy() {
	if !v.markDestroyed() {
		return
	}
	if v.cb != nil {
		v.cb.DeviceDown(v)
	}
}
