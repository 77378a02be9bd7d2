// Package transport abstracts the connected GATT link a version resolver
// and message stream run against, so neither depends on a concrete BLE
// stack. transport/blecentral supplies the real adapter over
// github.com/currantlabs/ble.
package transport

import "errors"

// ConnectionState mirrors a peripheral's connection lifecycle.
type ConnectionState int

// ConnectionState values.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// MaxFrameSize is the hard protocol ceiling on a single write, independent
// of whatever MTU a given peripheral negotiates.
const MaxFrameSize = 182

// ErrNotConnected is returned by a write attempted while the peripheral is
// not in StateConnected.
var ErrNotConnected = errors.New("transport: peripheral not connected")

// Delegate receives asynchronous events from a Peripheral. All callbacks
// run on the peripheral's owning connection context; none of them block on
// further Peripheral calls.
type Delegate interface {
	// DidUpdateValueFor delivers one raw characteristic-update: exactly one
	// serialized wire.Packet (or, during version resolution before the
	// stream takes over, one raw VersionExchange or capabilities message)
	// per call.
	DidUpdateValueFor(data []byte)
	// ReadyToWrite signals the peripheral has completed its most recent
	// write and can accept the next one.
	ReadyToWrite()
	// DidDisconnect fires once the peripheral transitions to
	// StateDisconnected, regardless of cause.
	DidDisconnect(err error)
}

// Peripheral is the connected GATT link a version resolver and message
// stream run against: one read characteristic (inbound notifications) and
// one write characteristic (outbound writes), both already resolved by
// the owning GATT layer.
type Peripheral interface {
	// Identifier returns a stable string identifying this connection
	// (e.g. the remote device address), used for logging only.
	Identifier() string
	// State reports the current connection state.
	State() ConnectionState
	// MaxWriteLength is min(negotiated ATT MTU - 3, MaxFrameSize).
	MaxWriteLength() int
	// Write sends one frame on the write characteristic. The call
	// returns once the write is queued; completion is signaled via
	// Delegate.ReadyToWrite.
	Write(data []byte) error
	// SetNotify enables or disables notifications on the read
	// characteristic.
	SetNotify(enabled bool) error
	// SetDelegate installs the single owner of this peripheral's events.
	// Replacing a delegate mid-connection is a caller error; this
	// abstraction does not defend against it.
	SetDelegate(d Delegate)
}
