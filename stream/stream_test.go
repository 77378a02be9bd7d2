package stream

import (
	"errors"
	"sync"
	"testing"

	"github.com/basaltlabs/carlink/transport"
	"github.com/basaltlabs/carlink/wire"
)

type fakePeripheral struct {
	mu       sync.Mutex
	writes   [][]byte
	maxLen   int
	delegate transport.Delegate
	writeErr error
}

func newFakePeripheral(maxLen int) *fakePeripheral {
	return &fakePeripheral{maxLen: maxLen}
}

func (p *fakePeripheral) Identifier() string              { return "fake" }
func (p *fakePeripheral) State() transport.ConnectionState { return transport.StateConnected }
func (p *fakePeripheral) MaxWriteLength() int              { return p.maxLen }
func (p *fakePeripheral) SetNotify(enabled bool) error     { return nil }
func (p *fakePeripheral) SetDelegate(d transport.Delegate) { p.delegate = d }
func (p *fakePeripheral) Write(data []byte) error {
	if p.writeErr != nil {
		return p.writeErr
	}
	p.mu.Lock()
	p.writes = append(p.writes, append([]byte(nil), data...))
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

var _ transport.Peripheral = (*fakePeripheral)(nil)

type fakeDelegate struct {
	mu               sync.Mutex
	received         []Params
	payloads         [][]byte
	written          [][16]byte
	writeErrors      int
	unrecoverable    error
	unrecoverableHit bool
}

func (d *fakeDelegate) DidReceiveMessage(payload []byte, params Params) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, params)
	d.payloads = append(d.payloads, payload)
}

func (d *fakeDelegate) DidWriteMessage(recipient [16]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, recipient)
}

func (d *fakeDelegate) DidEncounterWriteError(err error, recipient [16]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErrors++
}

func (d *fakeDelegate) UnrecoverableError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unrecoverable = err
	d.unrecoverableHit = true
}

func (d *fakeDelegate) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.written)
}

func TestWriteMessageSinglePacket(t *testing.T) {
	p := newFakePeripheral(200)
	d := &fakeDelegate{}
	s := New(p, d, Config{})

	recipient := [16]byte{1}
	if err := s.WriteMessage([]byte("hello"), Params{Recipient: recipient, Operation: wire.OperationClientMessage}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if p.writeCount() != 1 {
		t.Fatalf("writeCount = %d, want 1", p.writeCount())
	}

	s.ReadyToWrite()
	if d.writeCount() != 1 {
		t.Fatalf("delegate write notifications = %d, want 1", d.writeCount())
	}
	if d.written[0] != recipient {
		t.Fatalf("notified recipient = %v, want %v", d.written[0], recipient)
	}
}

func TestWriteMessageChunkedNotifiesOnceAtEnd(t *testing.T) {
	p := newFakePeripheral(40)
	d := &fakeDelegate{}
	s := New(p, d, Config{})

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := s.WriteMessage(payload, Params{Operation: wire.OperationClientMessage}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if p.writeCount() != 1 {
		t.Fatalf("writeCount after first dispatch = %d, want 1", p.writeCount())
	}

	for d.writeCount() == 0 {
		before := p.writeCount()
		s.ReadyToWrite()
		if p.writeCount() == before && d.writeCount() == 0 {
			t.Fatalf("queue stalled before completion: writes=%d", p.writeCount())
		}
	}
	if d.writeCount() != 1 {
		t.Fatalf("delegate write notifications = %d, want exactly 1", d.writeCount())
	}
	if p.writeCount() < 2 {
		t.Fatalf("writeCount = %d, want > 1 for a chunked message", p.writeCount())
	}
}

func TestNewMessageMidFlightQueuesBehindInFlight(t *testing.T) {
	p := newFakePeripheral(40)
	d := &fakeDelegate{}
	s := New(p, d, Config{})

	first := make([]byte, 300)
	second := []byte("short")

	if err := s.WriteMessage(first, Params{Operation: wire.OperationClientMessage}); err != nil {
		t.Fatalf("WriteMessage(first): %v", err)
	}
	firstOutstanding := p.writeCount()
	if err := s.WriteMessage(second, Params{Operation: wire.OperationClientMessage}); err != nil {
		t.Fatalf("WriteMessage(second): %v", err)
	}
	if p.writeCount() != firstOutstanding {
		t.Fatalf("second message must not dispatch while first is in flight: writeCount = %d, want %d", p.writeCount(), firstOutstanding)
	}

	firstMessageID := decodePacket(t, p.writes[0]).MessageID
	for d.writeCount() < 1 {
		s.ReadyToWrite()
	}
	for _, raw := range p.writes[:len(p.writes)-1] {
		if decodePacket(t, raw).MessageID != firstMessageID {
			t.Fatalf("a packet belonging to the second message was dispatched before the first message finished")
		}
	}
}

func decodePacket(t *testing.T, raw []byte) *wire.Packet {
	t.Helper()
	pkt, err := wire.UnmarshalPacket(raw)
	if err != nil {
		t.Fatalf("UnmarshalPacket: %v", err)
	}
	return pkt
}

func TestDidUpdateValueForDeliversReassembledMessage(t *testing.T) {
	p := newFakePeripheral(200)
	d := &fakeDelegate{}
	s := New(p, d, Config{})

	recipient := [16]byte{9, 9}
	msg := &wire.DeviceMessage{
		Operation: wire.OperationClientMessage,
		Payload:   []byte("inbound payload"),
		Recipient: recipient[:],
	}
	pkt := &wire.Packet{PacketNumber: 1, TotalPackets: 1, MessageID: 7, Payload: msg.Marshal()}
	s.DidUpdateValueFor(pkt.Marshal())

	if len(d.payloads) != 1 {
		t.Fatalf("received messages = %d, want 1", len(d.payloads))
	}
	if string(d.payloads[0]) != "inbound payload" {
		t.Fatalf("payload = %q, want %q", d.payloads[0], "inbound payload")
	}
	if d.received[0].Recipient != recipient {
		t.Fatalf("recipient = %v, want %v", d.received[0].Recipient, recipient)
	}
}

func TestDidUpdateValueForMalformedIsUnrecoverable(t *testing.T) {
	p := newFakePeripheral(200)
	d := &fakeDelegate{}
	s := New(p, d, Config{})

	pkt := &wire.Packet{PacketNumber: 3, TotalPackets: 5, MessageID: 1, Payload: []byte("x")}
	s.DidUpdateValueFor(pkt.Marshal())

	if !d.unrecoverableHit {
		t.Fatalf("expected UnrecoverableError to be called for an out-of-order first packet")
	}
	if s.IsValid() {
		t.Fatalf("stream should be invalid after an unrecoverable error")
	}
}

func TestWriteFailurePerRecipientDoesNotInvalidateStream(t *testing.T) {
	p := newFakePeripheral(200)
	p.writeErr = errors.New("write failed")
	d := &fakeDelegate{}
	s := New(p, d, Config{})

	if err := s.WriteMessage([]byte("x"), Params{Operation: wire.OperationClientMessage}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if d.writeErrors != 1 {
		t.Fatalf("write errors = %d, want 1", d.writeErrors)
	}
	if !s.IsValid() {
		t.Fatalf("a single write failure must not invalidate the stream")
	}
}

func TestDisconnectInvalidatesStream(t *testing.T) {
	p := newFakePeripheral(200)
	d := &fakeDelegate{}
	s := New(p, d, Config{})

	s.DidDisconnect(errors.New("peripheral disconnected"))
	if s.IsValid() {
		t.Fatalf("stream should be invalid after disconnect")
	}
	if !d.unrecoverableHit {
		t.Fatalf("expected UnrecoverableError on disconnect")
	}
	if err := s.WriteMessage([]byte("x"), Params{}); err != ErrStreamInvalid {
		t.Fatalf("WriteMessage after disconnect: err = %v, want ErrStreamInvalid", err)
	}
}
