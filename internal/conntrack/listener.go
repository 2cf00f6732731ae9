package conntrack

import "slices"

// ListenHandler is notified when a listener has an accepted flow waiting.
type ListenHandler interface {
	Readable(l *TCPListener)
}

// ListenHandlerFunc adapts a function to ListenHandler.
type ListenHandlerFunc func(l *TCPListener)

func (f ListenHandlerFunc) Readable(l *TCPListener) { f(l) }

// TCPListener is a passive TCP bind with its SYN and accept backlogs.
type TCPListener struct {
	Local Endpoint

	synBacklog map[*TCPEntry]struct{}
	backlog    []*TCPEntry
	handler    ListenHandler
	destroyed  bool
}

func newTCPListener(local Endpoint, h ListenHandler) *TCPListener {
	return &TCPListener{
		Local:      local,
		synBacklog: make(map[*TCPEntry]struct{}),
		handler:    h,
	}
}

func (l *TCPListener) String() string { return "tcp-listen " + l.Local.String() }

// SynBacklog returns the number of half-open flows.
func (l *TCPListener) SynBacklog() int { return len(l.synBacklog) }

// InSynBacklog reports whether e is still half-open on this listener.
func (l *TCPListener) InSynBacklog(e *TCPEntry) bool {
	_, ok := l.synBacklog[e]
	return ok
}

// Backlog returns the number of established flows waiting for Accept.
func (l *TCPListener) Backlog() int { return len(l.backlog) }

// Accept pops the oldest established flow, or nil.
func (l *TCPListener) Accept() *TCPEntry {
	if len(l.backlog) == 0 {
		return nil
	}
	e := l.backlog[0]
	l.backlog[0] = nil
	l.backlog = l.backlog[1:]
	return e
}

func (l *TCPListener) promote(e *TCPEntry) {
	if _, ok := l.synBacklog[e]; !ok {
		return
	}
	delete(l.synBacklog, e)
	l.backlog = append(l.backlog, e)
	if l.handler != nil && !l.destroyed {
		l.handler.Readable(l)
	}
}

func (l *TCPListener) forget(e *TCPEntry) {
	delete(l.synBacklog, e)
	if i := slices.Index(l.backlog, e); i >= 0 {
		l.backlog = slices.Delete(l.backlog, i, i+1)
	}
}

func (l *TCPListener) IsDestroyed() bool { return l.destroyed }

func (l *TCPListener) Destroy() { l.destroyed = true }

// Datagram is a udp payload copied out of the packet buffer.
type Datagram struct {
	Remote Endpoint
	Data   []byte
}

// UDPHandler receives the datagrams of a UDPListener.
type UDPHandler interface {
	Received(l *UDPListener, d Datagram)
}

type UDPHandlerFunc func(l *UDPListener, d Datagram)

func (f UDPHandlerFunc) Received(l *UDPListener, d Datagram) { f(l, d) }

// UDPListener is a UDP bind terminated by the switch.
type UDPListener struct {
	Local Endpoint

	handler   UDPHandler
	destroyed bool
}

func (l *UDPListener) String() string { return "udp-listen " + l.Local.String() }

// Deliver hands d to the handler unless the listener is destroyed.
func (l *UDPListener) Deliver(d Datagram) {
	if l.destroyed || l.handler == nil {
		return
	}
	l.handler.Received(l, d)
}

func (l *UDPListener) IsDestroyed() bool { return l.destroyed }

func (l *UDPListener) Destroy() { l.destroyed = true }
