// Package session publishes the thin façade application code gets once a
// secure channel is established, whether freshly associated or resumed: a
// place to send and query messages and subscribe to inbound ones, without
// any further knowledge of framing, compression, or encryption.
package session

import (
	"sync"

	"github.com/basaltlabs/carlink/car"
	"github.com/basaltlabs/carlink/internal/klog"
	"github.com/basaltlabs/carlink/stream"
	"github.com/basaltlabs/carlink/wire"
)

var log = klog.Get("session")

// Message is one inbound payload delivered to an observer, along with the
// operation it was tagged with.
type Message struct {
	Payload   []byte
	Operation wire.OperationType
}

// SecuredChannel is a live, encrypted connection to one car. It takes over
// as a stream's delegate once association or reconnection completes.
type SecuredChannel struct {
	car      car.Car
	str      *stream.Stream
	features map[string]bool

	mu          sync.Mutex
	observers   []chan Message
	closed      bool
	closeReason error

	onDisconnect func(reason error)
}

// New wraps an established stream as a SecuredChannel for car c, installing
// itself as the stream's delegate. features records which named
// capabilities the car advertised at association time; a nil map means
// none are known to be supported.
func New(str *stream.Stream, c car.Car, features map[string]bool) *SecuredChannel {
	sc := &SecuredChannel{car: c, str: str, features: features}
	str.SetDelegate(sc)
	return sc
}

// Car reports which car this channel is connected to.
func (sc *SecuredChannel) Car() car.Car { return sc.car }

// IsFeatureSupported reports whether the car advertised support for the
// named capability at association time.
func (sc *SecuredChannel) IsFeatureSupported(name string) bool {
	return sc.features[name]
}

// Send encrypts and sends payload as a client message, with no response
// expected.
func (sc *SecuredChannel) Send(payload []byte) error {
	return sc.str.WriteEncryptedMessage(payload, stream.Params{Operation: wire.OperationClientMessage})
}

// SendQuery encrypts and sends payload tagged as a query, whose matching
// response will arrive via ObserveMessages tagged wire.OperationQueryResponse.
func (sc *SecuredChannel) SendQuery(payload []byte) error {
	return sc.str.WriteEncryptedMessage(payload, stream.Params{Operation: wire.OperationQuery})
}

// ObserveMessages returns a channel of inbound messages. The channel is
// closed once the underlying stream becomes invalid; callers should range
// over it rather than reading once. The returned channel is buffered but
// unbounded backlog is not retried: a slow reader drops messages rather
// than blocking message delivery for other observers.
func (sc *SecuredChannel) ObserveMessages() <-chan Message {
	ch := make(chan Message, 32)
	sc.mu.Lock()
	if sc.closed {
		close(ch)
		sc.mu.Unlock()
		return ch
	}
	sc.observers = append(sc.observers, ch)
	sc.mu.Unlock()
	return ch
}

// Close releases this channel's hold on the underlying stream. It does not
// disconnect the peripheral; it only stops SecuredChannel from routing
// further events.
func (sc *SecuredChannel) Close() {
	sc.finish(nil)
}

func (sc *SecuredChannel) finish(reason error) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	sc.closeReason = reason
	observers := sc.observers
	sc.observers = nil
	sc.mu.Unlock()

	for _, ch := range observers {
		close(ch)
	}
	if reason != nil && sc.onDisconnect != nil {
		sc.onDisconnect(reason)
	}
}

func (sc *SecuredChannel) DidReceiveMessage(payload []byte, params stream.Params) {
	msg := Message{Payload: payload, Operation: params.Operation}
	sc.mu.Lock()
	observers := sc.observers
	sc.mu.Unlock()
	for _, ch := range observers {
		select {
		case ch <- msg:
		default:
			log.Warningf("session: observer channel full for car %s, dropping message", sc.car.ID)
		}
	}
}

func (sc *SecuredChannel) DidWriteMessage(recipient [16]byte) {}

func (sc *SecuredChannel) DidEncounterWriteError(err error, recipient [16]byte) {
	log.Warningf("session: write error on car %s: %v", sc.car.ID, err)
}

func (sc *SecuredChannel) UnrecoverableError(err error) {
	log.Errorf("session: channel to car %s lost: %v", sc.car.ID, err)
	sc.finish(err)
}

var _ stream.Delegate = (*SecuredChannel)(nil)
