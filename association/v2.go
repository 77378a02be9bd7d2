package association

import (
	"github.com/basaltlabs/carlink/car"
	"github.com/basaltlabs/carlink/stream"
	"github.com/basaltlabs/carlink/ukey2"
	"github.com/basaltlabs/carlink/wire"
)

// V2Helper drives first-time pairing for the legacy flow: it auto-accepts
// whatever pairing code the channel derives instead of waiting on an
// explicit peer confirmation, then exchanges car id and authentication
// key once encryption is up. It is meant to be used as a stream.Delegate
// for the lifetime of exactly one pairing attempt.
type V2Helper struct {
	channel ukey2.SecureChannel
	cfg     Config

	onPairingCodeDisplayed func(code string)

	str *stream.Stream

	phase             Phase
	carID             string
	pendingFinalWrite bool

	result chan Result
}

// NewV2Helper constructs a V2Helper around an already-created but not yet
// started secure channel. AttachStream must be called with the Stream
// this helper was installed as the delegate of before Start.
func NewV2Helper(channel ukey2.SecureChannel, cfg Config, onPairingCodeDisplayed func(code string)) *V2Helper {
	return &V2Helper{
		channel:                channel,
		cfg:                    cfg,
		onPairingCodeDisplayed: onPairingCodeDisplayed,
		phase:                  PhaseEstablishingEncryption,
		result:                 make(chan Result, 1),
	}
}

// AttachStream binds the stream this helper writes to. It must be called
// exactly once, before Start.
func (h *V2Helper) AttachStream(str *stream.Stream) {
	h.str = str
}

// Start kicks off the handshake, writing the initiator's first message (if
// any — a responder has nothing to send until it hears from the peer).
func (h *V2Helper) Start() error {
	msg, err := h.channel.Start()
	if err != nil {
		h.fail(ErrUnknown)
		return err
	}
	if msg != nil {
		if err := h.str.WriteMessage(msg, handshakeParams); err != nil {
			h.fail(ErrUnknown)
			return err
		}
	}
	return nil
}

// Await blocks until the attempt succeeds or fails.
func (h *V2Helper) Await() (car.Car, error) {
	r := <-h.result
	return r.Car, r.Err
}

func (h *V2Helper) succeed(c car.Car) {
	h.phase = PhaseDone
	select {
	case h.result <- Result{Car: c}:
	default:
	}
}

func (h *V2Helper) fail(err error) {
	h.phase = PhaseFailed
	log.Warningf("association: v2 attempt failed: %v", err)
	select {
	case h.result <- Result{Err: err}:
	default:
	}
}

func (h *V2Helper) DidReceiveMessage(payload []byte, params stream.Params) {
	switch h.phase {
	case PhaseEstablishingEncryption:
		h.handleHandshakeMessage(payload)
	case PhaseEncryptionEstablished:
		h.handleCarID(payload)
	}
}

func (h *V2Helper) handleHandshakeMessage(payload []byte) {
	outbound, token, err := h.channel.HandleHandshakeMessage(payload)
	if err != nil {
		h.fail(ErrUnknown)
		return
	}
	if outbound != nil {
		if err := h.str.WriteMessage(outbound, handshakeParams); err != nil {
			h.fail(ErrUnknown)
			return
		}
	}
	if token == nil {
		return
	}
	// V2 never surfaces the pairing code for manual comparison; displaying
	// it (for logging/accessibility parity with V4) and accepting it are
	// the same step.
	if h.onPairingCodeDisplayed != nil {
		h.onPairingCodeDisplayed(token.PairingCode)
	}
	if err := h.channel.NotifyPairingCodeAccepted(); err != nil {
		h.fail(ErrUnknown)
		return
	}
	if h.channel.State() != ukey2.StateEstablished {
		h.fail(ErrUnknown)
		return
	}
	h.str.SetEncryptor(h.channel)
	h.phase = PhaseEncryptionEstablished
}

func (h *V2Helper) handleCarID(payload []byte) {
	carID, err := parseCarID(payload)
	if err != nil {
		h.fail(ErrMalformedCarID)
		return
	}
	authKey, err := generateAuthKey(h.cfg.authKeyLength())
	if err != nil {
		h.fail(ErrAuthenticationKeyStorageFailed)
		return
	}
	h.carID = carID
	h.pendingFinalWrite = true
	if err := finishAssociation(h.str, h.cfg, h.channel, carID, authKey, clientMessageParams); err != nil {
		h.fail(err)
		return
	}
	log.Noticef("association: v2 generated and sent authentication key for car %s", carID)
}

func (h *V2Helper) DidWriteMessage(recipient [16]byte) {
	if h.pendingFinalWrite {
		h.pendingFinalWrite = false
		h.succeed(car.Car{ID: h.carID})
	}
}

func (h *V2Helper) DidEncounterWriteError(err error, recipient [16]byte) {
	if h.pendingFinalWrite {
		h.pendingFinalWrite = false
		h.fail(ErrCannotStoreAssociation)
		return
	}
	h.fail(ErrUnknown)
}

func (h *V2Helper) UnrecoverableError(err error) {
	h.fail(ErrUnknown)
}

var (
	handshakeParams     = stream.Params{Operation: wire.OperationEncryptionHandshake}
	clientMessageParams = stream.Params{Operation: wire.OperationClientMessage}
)

var _ stream.Delegate = (*V2Helper)(nil)
