package version

import (
	"errors"
	"testing"

	"github.com/basaltlabs/carlink/transport"
	"github.com/basaltlabs/carlink/wire"
)

var errWriteFailed = errors.New("write failed")

// testPeripheral is a minimal transport.Peripheral that immediately
// replies to a Write with a preset response, simulating a head unit's
// version exchange over a single round trip.
type testPeripheral struct {
	response []byte
	writeErr error
	delegate transport.Delegate
}

func (p *testPeripheral) Identifier() string                 { return "test" }
func (p *testPeripheral) State() transport.ConnectionState    { return transport.StateConnected }
func (p *testPeripheral) MaxWriteLength() int                 { return 182 }
func (p *testPeripheral) SetNotify(enabled bool) error        { return nil }
func (p *testPeripheral) SetDelegate(d transport.Delegate)    { p.delegate = d }
func (p *testPeripheral) Write(data []byte) error {
	if p.writeErr != nil {
		return p.writeErr
	}
	p.delegate.DidUpdateValueFor(p.response)
	return nil
}

var _ transport.Peripheral = (*testPeripheral)(nil)

func TestResolveMutualSupport(t *testing.T) {
	peerExchange := &wire.VersionExchange{MinMessaging: 2, MaxMessaging: 2, MinSecurity: 2, MaxSecurity: 2}
	p := &testPeripheral{response: peerExchange.Marshal()}

	resolved, err := Resolve(p, DefaultCapabilities)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Stream != StreamV2NoCompression {
		t.Fatalf("Stream = %v, want StreamV2NoCompression", resolved.Stream)
	}
	if resolved.Security != 2 {
		t.Fatalf("Security = %v, want 2", resolved.Security)
	}
}

func TestResolveDisjointRanges(t *testing.T) {
	peerExchange := &wire.VersionExchange{MinMessaging: 20, MaxMessaging: 20, MinSecurity: 10, MaxSecurity: 10}
	p := &testPeripheral{response: peerExchange.Marshal()}

	if _, err := Resolve(p, DefaultCapabilities); err != ErrVersionNotSupported {
		t.Fatalf("Resolve: err = %v, want ErrVersionNotSupported", err)
	}
}

func TestResolveEmptyResponse(t *testing.T) {
	p := &testPeripheral{response: []byte{}}
	if _, err := Resolve(p, DefaultCapabilities); err != ErrEmptyResponse {
		t.Fatalf("Resolve: err = %v, want ErrEmptyResponse", err)
	}
}

func TestResolveWriteFailure(t *testing.T) {
	p := &testPeripheral{writeErr: errWriteFailed}
	if _, err := Resolve(p, DefaultCapabilities); err != ErrFailedToRead {
		t.Fatalf("Resolve: err = %v, want ErrFailedToRead", err)
	}
}

func TestResolveHighSecurityRunsCapabilitiesExchange(t *testing.T) {
	peerExchange := &wire.VersionExchange{MinMessaging: 3, MaxMessaging: 3, MinSecurity: 3, MaxSecurity: 3}
	p := &capabilitiesPeripheral{testPeripheral: testPeripheral{response: peerExchange.Marshal()}}

	resolved, err := Resolve(p, DefaultCapabilities)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Security != 3 {
		t.Fatalf("Security = %v, want 3", resolved.Security)
	}
	if p.writes != 2 {
		t.Fatalf("writes = %d, want 2 (version exchange + capabilities)", p.writes)
	}
}

// capabilitiesPeripheral counts writes and, after the first (the version
// exchange), replies to every subsequent write with a one-byte opaque
// capabilities response.
type capabilitiesPeripheral struct {
	testPeripheral
	writes int
}

func (p *capabilitiesPeripheral) Write(data []byte) error {
	p.writes++
	if p.writes == 1 {
		return p.testPeripheral.Write(data)
	}
	p.delegate.DidUpdateValueFor([]byte{0})
	return nil
}
