// Package stream presents a reliable, ordered, typed message boundary
// over a transport.Peripheral, with an optional encryption hook and
// reversible compression. It owns the framer and drives the peripheral's
// write queue.
package stream

import (
	"errors"
	"sync"

	"github.com/basaltlabs/carlink/compress"
	"github.com/basaltlabs/carlink/framer"
	"github.com/basaltlabs/carlink/internal/klog"
	"github.com/basaltlabs/carlink/transport"
	"github.com/basaltlabs/carlink/wire"
)

var log = klog.Get("stream")

// Stream-level errors.
var (
	ErrNoEncryptorSet = errors.New("stream: encrypted write requested but no encryptor is installed")
	ErrCannotEncrypt  = errors.New("stream: cannot encrypt outbound payload")
	ErrCannotDecrypt  = errors.New("stream: cannot decrypt inbound payload")
	ErrStreamInvalid  = errors.New("stream: stream is no longer valid (peripheral disconnected)")
)

// Encryptor is the subset of a secure channel a Stream needs to encrypt
// outbound and decrypt inbound payloads. ukey2.Channel and
// ukey2.PassthroughChannel both satisfy it.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Params identifies the recipient and kind of every send and delivered
// receive.
type Params struct {
	Recipient [16]byte
	Operation wire.OperationType
}

// Delegate receives stream-level events. All methods run on the owning
// connection's single context.
type Delegate interface {
	DidReceiveMessage(payload []byte, params Params)
	DidWriteMessage(recipient [16]byte)
	DidEncounterWriteError(err error, recipient [16]byte)
	UnrecoverableError(err error)
}

// Config groups connection-scoped tunables.
type Config struct {
	// MaxWriteLength caps outbound packet size; zero means defer entirely
	// to the peripheral's own MaxWriteLength().
	MaxWriteLength int
	// AttemptCompression, when true, compresses payloads before framing
	// and records the pre-compression size so the peer can reverse it.
	AttemptCompression bool
}

type queuedPacket struct {
	data         []byte
	recipient    [16]byte
	packetNumber int32
	totalPackets int32
}

// Stream drives one peripheral's read/write characteristics. It is not
// safe for concurrent use from more than one context; per spec this always
// runs from the connection's single serialized context, but the internal
// mutex still guards against the peripheral's own async write-completion
// callback racing a caller-initiated write.
type Stream struct {
	peripheral  transport.Peripheral
	reassembler *framer.Reassembler
	config      Config

	mu      sync.Mutex
	queue   []queuedPacket
	writing bool
	valid   bool

	delegateMu sync.RWMutex
	delegate   Delegate

	encMu     sync.RWMutex
	encryptor Encryptor
}

// New constructs a Stream over an already-connected peripheral and
// installs itself as the peripheral's delegate.
func New(p transport.Peripheral, delegate Delegate, config Config) *Stream {
	s := &Stream{
		peripheral:  p,
		reassembler: framer.NewReassembler(),
		delegate:    delegate,
		config:      config,
		valid:       true,
	}
	s.reassembler.Decrypt = s.decryptPayload
	p.SetDelegate(s)
	return s
}

// SetDelegate swaps the delegate that receives stream-level events. It is
// typically called once to hand a stream off from the helper that drove its
// handshake to the façade that serves the application for the rest of the
// connection's life.
func (s *Stream) SetDelegate(d Delegate) {
	s.delegateMu.Lock()
	s.delegate = d
	s.delegateMu.Unlock()
}

func (s *Stream) getDelegate() Delegate {
	s.delegateMu.RLock()
	defer s.delegateMu.RUnlock()
	return s.delegate
}

// SetEncryptor installs (or clears, with nil) the encryptor used for
// WriteEncryptedMessage and for decrypting inbound messages with
// is_payload_encrypted set. Typically called once a secure channel
// reaches Established.
func (s *Stream) SetEncryptor(e Encryptor) {
	s.encMu.Lock()
	s.encryptor = e
	s.encMu.Unlock()
}

func (s *Stream) getEncryptor() Encryptor {
	s.encMu.RLock()
	defer s.encMu.RUnlock()
	return s.encryptor
}

func (s *Stream) decryptPayload(ciphertext []byte) ([]byte, error) {
	e := s.getEncryptor()
	if e == nil {
		return nil, ErrNoEncryptorSet
	}
	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	return plaintext, nil
}

// IsValid reports whether the stream's peripheral is still usable.
func (s *Stream) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func (s *Stream) maxWriteLength() int {
	if s.config.MaxWriteLength > 0 && s.config.MaxWriteLength < s.peripheral.MaxWriteLength() {
		return s.config.MaxWriteLength
	}
	return s.peripheral.MaxWriteLength()
}

// WriteMessage sends payload unencrypted, still chunked and reassembled.
func (s *Stream) WriteMessage(payload []byte, params Params) error {
	return s.write(payload, params, false)
}

// WriteEncryptedMessage encrypts payload via the installed Encryptor, then
// sends it.
func (s *Stream) WriteEncryptedMessage(payload []byte, params Params) error {
	return s.write(payload, params, true)
}

func (s *Stream) write(payload []byte, params Params, encrypted bool) error {
	if !s.IsValid() {
		return ErrStreamInvalid
	}

	var originalSize uint32
	out := payload
	if s.config.AttemptCompression {
		compressed, err := compress.Compress(payload)
		if err == nil && len(compressed) < len(payload) {
			originalSize = uint32(len(payload))
			out = compressed
		}
	}

	if encrypted {
		e := s.getEncryptor()
		if e == nil {
			return ErrNoEncryptorSet
		}
		ciphertext, err := e.Encrypt(out)
		if err != nil {
			return ErrCannotEncrypt
		}
		out = ciphertext
	}

	messageID := NextMessageID()
	recipientBytes := params.Recipient[:]
	if params.Operation == wire.OperationEncryptionHandshake {
		recipientBytes = []byte{}
	}

	packets, err := framer.MakePackets(messageID, params.Operation, out, originalSize, encrypted, recipientBytes, s.maxWriteLength())
	if err != nil {
		return err
	}

	queued := make([]queuedPacket, len(packets))
	for i, pkt := range packets {
		queued[i] = queuedPacket{
			data:         pkt.Marshal(),
			recipient:    params.Recipient,
			packetNumber: pkt.PacketNumber,
			totalPackets: pkt.TotalPackets,
		}
	}

	s.mu.Lock()
	// A message's whole packet run is appended as one unit: whatever is
	// already queued (including any in-flight message's remaining
	// packets) finishes before this message's first packet is written.
	s.queue = append(s.queue, queued...)
	shouldDispatch := !s.writing
	s.mu.Unlock()

	if shouldDispatch {
		s.dispatchNext()
	}
	return nil
}

// dispatchNext writes the front of the queue, if any and if nothing is
// currently awaiting a write-completion callback.
func (s *Stream) dispatchNext() {
	s.mu.Lock()
	if s.writing || len(s.queue) == 0 || !s.valid {
		s.mu.Unlock()
		return
	}
	next := s.queue[0]
	s.writing = true
	s.mu.Unlock()

	if err := s.peripheral.Write(next.data); err != nil {
		s.mu.Lock()
		s.writing = false
		s.queue = s.queue[1:]
		s.mu.Unlock()
		log.Warningf("stream: write failed for recipient %x: %v", next.recipient, err)
		s.getDelegate().DidEncounterWriteError(err, next.recipient)
		s.dispatchNext()
	}
}

// ReadyToWrite is invoked by the peripheral once the in-flight write
// completes; it pops the dispatched packet, notifies on message
// completion, and advances the queue.
func (s *Stream) ReadyToWrite() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.writing = false
		s.mu.Unlock()
		return
	}
	done := s.queue[0]
	s.queue = s.queue[1:]
	s.writing = false
	s.mu.Unlock()

	if done.packetNumber == done.totalPackets {
		s.getDelegate().DidWriteMessage(done.recipient)
	}
	s.dispatchNext()
}

// DidUpdateValueFor feeds one inbound raw frame to the framer and, once a
// message completes, notifies the delegate. A malformed frame or failed
// decrypt/decompress is fatal to the stream.
func (s *Stream) DidUpdateValueFor(data []byte) {
	msg, err := s.reassembler.Process(data)
	if err != nil {
		s.invalidate(err)
		return
	}
	if msg == nil {
		return
	}
	var recipient [16]byte
	copy(recipient[:], msg.Recipient)
	s.getDelegate().DidReceiveMessage(msg.Payload, Params{Recipient: recipient, Operation: msg.Operation})
}

// DidDisconnect invalidates the stream and drops all pending writes. The
// framer's partially reassembled inbound messages are not cleared.
func (s *Stream) DidDisconnect(err error) {
	s.invalidate(err)
}

func (s *Stream) invalidate(cause error) {
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return
	}
	s.valid = false
	s.queue = nil
	s.mu.Unlock()
	log.Errorf("stream: unrecoverable: %v", cause)
	s.getDelegate().UnrecoverableError(cause)
}

// RecipientUUID packs a 16-byte UUID into the fixed array Params expects.
func RecipientUUID(b []byte) [16]byte {
	var out [16]byte
	copy(out[:], b)
	return out
}

var _ transport.Delegate = (*Stream)(nil)
