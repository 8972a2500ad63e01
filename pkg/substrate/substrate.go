// Package substrate defines the abstract datagram transport the causal core
// sits on (SPEC_FULL.md §4.F) and two concrete implementations: a UDP
// multicast substrate for real LAN use, and an in-process loopback used by
// tests.
package substrate

import "errors"

// State mirrors the four-state machine SPEC_FULL.md §4.F requires of any
// substrate.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ErrNotConnected is returned by Send when the substrate isn't connected.
var ErrNotConnected = errors.New("substrate: not connected")

// Substrate is the datagram transport the causal core consumes. It never
// interprets the bytes it carries.
type Substrate interface {
	// Send is a non-blocking, best-effort datagram send.
	Send(b []byte) error

	// Dial connects the substrate (joins the group) and moves it to
	// Connected.
	Dial() error

	// SetReceiver installs the callback invoked once per inbound
	// datagram. Must be called before Dial.
	SetReceiver(fn func(b []byte))

	// MaxPacketSize is this substrate's MTU, which bounds the wire codec.
	MaxPacketSize() int

	// State reports the current connection state.
	State() State

	// Close releases the substrate and moves to Disconnected.
	Close() error
}
