// Package core defines sentinel errors shared by the switch packages.
package core

import "errors"

// Sentinel errors. Wrap them with %w so callers can match with errors.Is.
var (
	// Packet errors
	ErrPacketTooShort   = errors.New("vswitch: packet too short")
	ErrPacketMalformed  = errors.New("vswitch: malformed packet")
	ErrUnsupportedProto = errors.New("vswitch: unsupported protocol")

	// Resource errors
	ErrNoFreeChunk = errors.New("vswitch: no free chunk")
	ErrQueueFull   = errors.New("vswitch: queue full")

	// Graph errors
	ErrNodeNotFound      = errors.New("vswitch: node not found")
	ErrNodeAlreadyExists = errors.New("vswitch: node already exists")
	ErrHopLimitExceeded  = errors.New("vswitch: hop limit exceeded")

	// Network and interface errors
	ErrNetworkNotFound      = errors.New("vswitch: network not found")
	ErrNetworkAlreadyExists = errors.New("vswitch: network already exists")
	ErrIfaceNotFound        = errors.New("vswitch: iface not found")
	ErrIfaceAlreadyExists   = errors.New("vswitch: iface already exists")
	ErrIfaceDestroyed       = errors.New("vswitch: iface destroyed")
	ErrIPAlreadyExists      = errors.New("vswitch: ip already exists")
	ErrNoFreePort           = errors.New("vswitch: no free port")

	// Connection errors
	ErrConnClosed = errors.New("vswitch: connection closed")

	// Plugin errors
	ErrFilterNotFound = errors.New("vswitch: filter not found")

	// Configuration errors
	ErrConfigInvalid = errors.New("vswitch: invalid configuration")

	// Loop errors
	ErrLoopClosed = errors.New("vswitch: loop closed")
)
