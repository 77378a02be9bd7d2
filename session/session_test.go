package session

import (
	"errors"
	"testing"
	"time"

	"github.com/basaltlabs/carlink/car"
	"github.com/basaltlabs/carlink/stream"
	"github.com/basaltlabs/carlink/transport"
	"github.com/basaltlabs/carlink/wire"
)

type fakePeripheral struct {
	delegate transport.Delegate
	writes   [][]byte
}

func (p *fakePeripheral) Identifier() string              { return "fake" }
func (p *fakePeripheral) State() transport.ConnectionState { return transport.StateConnected }
func (p *fakePeripheral) MaxWriteLength() int              { return 512 }
func (p *fakePeripheral) SetNotify(enabled bool) error     { return nil }
func (p *fakePeripheral) SetDelegate(d transport.Delegate) { p.delegate = d }
func (p *fakePeripheral) Write(data []byte) error {
	p.writes = append(p.writes, append([]byte(nil), data...))
	p.delegate.ReadyToWrite()
	return nil
}

var _ transport.Peripheral = (*fakePeripheral)(nil)

// passthroughEncryptor makes WriteEncryptedMessage usable in tests without
// pulling in a real ukey2.Channel.
type passthroughEncryptor struct{}

func (passthroughEncryptor) Encrypt(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (passthroughEncryptor) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

func newTestChannel() (*SecuredChannel, *fakePeripheral) {
	p := &fakePeripheral{}
	str := stream.New(p, noopDelegate{}, stream.Config{})
	str.SetEncryptor(passthroughEncryptor{})
	sc := New(str, car.Car{ID: "car-1", Name: "Test Car"}, map[string]bool{"climate": true})
	return sc, p
}

type noopDelegate struct{}

func (noopDelegate) DidReceiveMessage(payload []byte, params stream.Params) {}
func (noopDelegate) DidWriteMessage(recipient [16]byte)                    {}
func (noopDelegate) DidEncounterWriteError(err error, recipient [16]byte)   {}
func (noopDelegate) UnrecoverableError(err error)                          {}

func TestSecuredChannelCarAndFeatures(t *testing.T) {
	sc, _ := newTestChannel()
	if sc.Car().ID != "car-1" {
		t.Fatalf("Car().ID = %q, want car-1", sc.Car().ID)
	}
	if !sc.IsFeatureSupported("climate") {
		t.Fatalf("expected climate to be supported")
	}
	if sc.IsFeatureSupported("seat-heat") {
		t.Fatalf("did not expect seat-heat to be supported")
	}
}

func TestSecuredChannelSendUsesClientMessageOperation(t *testing.T) {
	sc, p := newTestChannel()
	if err := sc.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(p.writes) == 0 {
		t.Fatalf("expected at least one write")
	}
	pkt, err := wire.UnmarshalPacket(p.writes[0])
	if err != nil {
		t.Fatalf("UnmarshalPacket: %v", err)
	}
	msg, err := wire.UnmarshalDeviceMessage(pkt.Payload)
	if err != nil {
		t.Fatalf("UnmarshalDeviceMessage: %v", err)
	}
	if msg.Operation != wire.OperationClientMessage {
		t.Fatalf("operation = %v, want %v", msg.Operation, wire.OperationClientMessage)
	}
}

func TestSecuredChannelObserveMessagesDeliversInbound(t *testing.T) {
	sc, p := newTestChannel()
	msgs := sc.ObserveMessages()

	sc.DidReceiveMessage([]byte("payload"), stream.Params{Operation: wire.OperationQueryResponse})

	select {
	case m := <-msgs:
		if string(m.Payload) != "payload" || m.Operation != wire.OperationQueryResponse {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for observed message")
	}
	_ = p
}

func TestSecuredChannelUnrecoverableErrorClosesObservers(t *testing.T) {
	sc, _ := newTestChannel()
	msgs := sc.ObserveMessages()

	sc.UnrecoverableError(errors.New("boom"))

	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatalf("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}

func TestSecuredChannelObserveMessagesAfterCloseReturnsClosedChannel(t *testing.T) {
	sc, _ := newTestChannel()
	sc.Close()

	msgs := sc.ObserveMessages()
	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatalf("expected an already-closed channel")
		}
	default:
		t.Fatalf("expected channel to be immediately closed, not merely empty")
	}
}
