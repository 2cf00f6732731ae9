package vswitch

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"firestige.xyz/vswitch/internal/iface"
	"firestige.xyz/vswitch/internal/packet"
)

// vxlanIface is an interface fed by the shared vxlan socket.
type vxlanIface interface {
	packet.Iface
	Remote() netip.AddrPort
	Received(vx iface.VXLANPacket)
}

// ServeVXLAN reads vxlan datagrams from conn until ctx is done. Datagrams
// from unknown peers create a bare vxlan interface bound to the vni they
// carry.
func (s *Switch) ServeVXLAN(ctx context.Context, conn *net.UDPConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, 65535)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		vx, err := iface.DecodeVXLAN(buf[:n])
		if err != nil {
			if s.logger.IsDebugEnabled() {
				s.logger.WithError(err).WithField("remote", from.String()).Debug("invalid vxlan datagram")
			}
			continue
		}
		// the read buffer is reused
		vx.Frame = append([]byte(nil), vx.Frame...)
		if peer := s.vxlanPeer(netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), vx.VNI, conn); peer != nil {
			peer.Received(vx)
		}
	}
}

func (s *Switch) vxlanPeer(remote netip.AddrPort, vni uint32, sock iface.Sock) vxlanIface {
	s.mu.RLock()
	vx := s.remotes[remote.String()]
	s.mu.RUnlock()
	if vx != nil {
		return vx
	}
	bare := iface.NewBareVXLanIface(remote, sock)
	bare.SetLocalSideVRF(vni)
	if err := s.AddIface(bare); err != nil {
		// lost a race with another reader
		s.mu.RLock()
		vx = s.remotes[remote.String()]
		s.mu.RUnlock()
		if vx == nil {
			s.logger.WithError(err).Warn("adding vxlan peer failed")
		}
		return vx
	}
	return bare
}
