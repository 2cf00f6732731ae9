package conntrack

import (
	"net/netip"
	"time"
)

// Endpoint is an (address, port) pair used as a table key.
type Endpoint = netip.AddrPort

// TCPState is the state of a TCP flow.
type TCPState int

const (
	Closed TCPState = iota
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s TCPState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case SynSent:
		return "SYN_SENT"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case CloseWait:
		return "CLOSE_WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Defaults for tcp flows. All of them can be overridden through Config.
const (
	DefaultRTOMin                        = 200 * time.Millisecond
	DefaultRTOMax                        = 60 * time.Second
	DefaultDelayedAckTimeout             = 40 * time.Millisecond
	DefaultMaxRetransmissionAfterClosing = 8
	// DefaultRcvMSS is the MSS advertised in SYN and SYN-ACK
	DefaultRcvMSS = 1460
	// DefaultSndMSS is used when the peer sent no MSS option
	DefaultSndMSS        = 536
	DefaultSendBuffer    = 64 * 1024
	DefaultReceiveBuffer = 65535
)

// Config carries tcp tunables shared by every flow of a table.
type Config struct {
	RTOMin                        time.Duration
	RTOMax                        time.Duration
	DelayedAckTimeout             time.Duration
	MaxRetransmissionAfterClosing int
	RcvMSS                        int
	SendBuffer                    int
	ReceiveBuffer                 int
}

// DefaultConfig returns the settings used for zero fields of Config.
func DefaultConfig() Config {
	return Config{
		RTOMin:                        DefaultRTOMin,
		RTOMax:                        DefaultRTOMax,
		DelayedAckTimeout:             DefaultDelayedAckTimeout,
		MaxRetransmissionAfterClosing: DefaultMaxRetransmissionAfterClosing,
		RcvMSS:                        DefaultRcvMSS,
		SendBuffer:                    DefaultSendBuffer,
		ReceiveBuffer:                 DefaultReceiveBuffer,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RTOMin <= 0 {
		c.RTOMin = d.RTOMin
	}
	if c.RTOMax <= 0 {
		c.RTOMax = d.RTOMax
	}
	if c.DelayedAckTimeout <= 0 {
		c.DelayedAckTimeout = d.DelayedAckTimeout
	}
	if c.MaxRetransmissionAfterClosing <= 0 {
		c.MaxRetransmissionAfterClosing = d.MaxRetransmissionAfterClosing
	}
	if c.RcvMSS <= 0 {
		c.RcvMSS = d.RcvMSS
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.ReceiveBuffer <= 0 {
		c.ReceiveBuffer = d.ReceiveBuffer
	}
	return c
}

// seq comparisons with wraparound
func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }
