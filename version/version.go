// Package version resolves the mutually supported messaging/security
// protocol versions between phone and head unit, run once per connection
// before the message stream takes over the peripheral.
package version

import (
	"errors"

	"github.com/basaltlabs/carlink/internal/klog"
	"github.com/basaltlabs/carlink/transport"
	"github.com/basaltlabs/carlink/wire"
)

var log = klog.Get("version")

// Resolution errors.
var (
	ErrVersionNotSupported = errors.New("version: no mutually supported version range")
	ErrFailedToRead        = errors.New("version: failed to read peer's version exchange")
	ErrEmptyResponse       = errors.New("version: peer returned an empty response")
)

// Range is an inclusive [Min, Max] version range.
type Range struct {
	Min int32
	Max int32
}

// intersect returns the inclusive overlap of two ranges. A non-empty
// result satisfies Min <= Max; an empty (disjoint) result has Min > Max.
func (r Range) intersect(other Range) Range {
	out := Range{Min: r.Min, Max: r.Max}
	if other.Min > out.Min {
		out.Min = other.Min
	}
	if other.Max < out.Max {
		out.Max = other.Max
	}
	return out
}

func (r Range) empty() bool { return r.Min > r.Max }

// Capabilities is this side's supported version ranges, offered to the
// peer during resolution.
type Capabilities struct {
	Messaging Range
	Security  Range
}

// DefaultCapabilities mirrors the phone's historical offer: messaging
// versions 2-3, security versions 1-4.
var DefaultCapabilities = Capabilities{
	Messaging: Range{Min: 2, Max: 3},
	Security:  Range{Min: 1, Max: 4},
}

// StreamVersion selects the message-stream framing behavior the resolved
// connection will use.
type StreamVersion int

// StreamVersion values.
const (
	StreamPassthrough StreamVersion = iota
	StreamV2NoCompression
	StreamV2Compression
)

func (s StreamVersion) String() string {
	switch s {
	case StreamPassthrough:
		return "passthrough"
	case StreamV2NoCompression:
		return "v2_no_compression"
	case StreamV2Compression:
		return "v2_compression"
	default:
		return "unknown"
	}
}

// SecurityVersion is the resolved security protocol revision, 1-4.
type SecurityVersion int32

// Resolved is the outcome of a successful negotiation.
type Resolved struct {
	Stream   StreamVersion
	Security SecurityVersion
}

// resolveStreamVersion maps the max mutually supported messaging version
// to a stream framing behavior.
func resolveStreamVersion(maxCommonMessaging int32) StreamVersion {
	switch {
	case maxCommonMessaging <= 1:
		return StreamPassthrough
	case maxCommonMessaging == 2:
		return StreamV2NoCompression
	default:
		return StreamV2Compression
	}
}

// Resolve exchanges VersionExchange messages as plain bytes over the
// peripheral's characteristics (no packet framing: this runs before the
// framer/stream take over) and returns the negotiated versions. local
// defaults to DefaultCapabilities's values if its ranges are both zero.
func Resolve(p transport.Peripheral, local Capabilities) (*Resolved, error) {
	if local.Messaging == (Range{}) && local.Security == (Range{}) {
		local = DefaultCapabilities
	}
	exchange := &wire.VersionExchange{
		MinMessaging: local.Messaging.Min,
		MaxMessaging: local.Messaging.Max,
		MinSecurity:  local.Security.Min,
		MaxSecurity:  local.Security.Max,
	}

	reply, err := writeAndAwaitOne(p, exchange.Marshal())
	if err != nil {
		return nil, err
	}
	peerExchange, err := wire.UnmarshalVersionExchange(reply)
	if err != nil {
		log.Warningf("version: malformed peer exchange on %s: %v", p.Identifier(), err)
		return nil, ErrFailedToRead
	}

	commonMessaging := Range{Min: local.Messaging.Min, Max: local.Messaging.Max}.intersect(
		Range{Min: peerExchange.MinMessaging, Max: peerExchange.MaxMessaging})
	commonSecurity := Range{Min: local.Security.Min, Max: local.Security.Max}.intersect(
		Range{Min: peerExchange.MinSecurity, Max: peerExchange.MaxSecurity})

	if commonMessaging.empty() || commonSecurity.empty() {
		log.Noticef("version: disjoint ranges with %s", p.Identifier())
		return nil, ErrVersionNotSupported
	}

	resolved := &Resolved{
		Stream:   resolveStreamVersion(commonMessaging.Max),
		Security: SecurityVersion(commonSecurity.Max),
	}
	log.Noticef("version: resolved %s/%d with %s", resolved.Stream, resolved.Security, p.Identifier())

	if resolved.Security >= 3 {
		if _, err := writeAndAwaitOne(p, []byte{}); err != nil {
			return nil, err
		}
	}

	return resolved, nil
}

// writeAndAwaitOne writes one raw frame and blocks for exactly one inbound
// notification, translating peripheral-layer failures into the taxonomy
// this package exposes.
func writeAndAwaitOne(p transport.Peripheral, frame []byte) ([]byte, error) {
	d := &onceDelegate{received: make(chan []byte, 1), disconnected: make(chan error, 1)}
	p.SetDelegate(d)
	if err := p.SetNotify(true); err != nil {
		return nil, ErrFailedToRead
	}
	if err := p.Write(frame); err != nil {
		return nil, ErrFailedToRead
	}

	select {
	case data := <-d.received:
		if len(data) == 0 {
			return nil, ErrEmptyResponse
		}
		return data, nil
	case <-d.disconnected:
		return nil, ErrFailedToRead
	}
}

// onceDelegate is a transport.Delegate that forwards exactly the first
// inbound notification (or disconnect) and ignores everything after.
type onceDelegate struct {
	received     chan []byte
	disconnected chan error
}

func (d *onceDelegate) DidUpdateValueFor(data []byte) {
	select {
	case d.received <- data:
	default:
	}
}

func (d *onceDelegate) ReadyToWrite() {}

func (d *onceDelegate) DidDisconnect(err error) {
	select {
	case d.disconnected <- err:
	default:
	}
}

var _ transport.Delegate = (*onceDelegate)(nil)
