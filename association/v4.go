package association

import (
	"bytes"

	"github.com/basaltlabs/carlink/car"
	"github.com/basaltlabs/carlink/stream"
	"github.com/basaltlabs/carlink/ukey2"
	"github.com/basaltlabs/carlink/wire"
)

// V4Helper drives first-time pairing with explicit verification: once the
// channel derives a pairing code, it either seals the code's verification
// data under a shared out-of-band key (OOBKey set) or displays the code for
// the user to compare (OOBKey nil), and only proceeds once the peer's
// matching confirmation arrives. It is meant to be used as a stream.Delegate
// for the lifetime of exactly one pairing attempt.
type V4Helper struct {
	channel *ukey2.Channel
	cfg     Config
	oobKey  []byte

	displayPairingCode func(code string)

	str *stream.Stream

	phase             Phase
	token             *ukey2.VerificationToken
	carID             string
	pendingFinalWrite bool

	result chan Result
}

// NewV4Helper constructs a V4Helper. oobKey may be nil, in which case
// verification falls back to displaying the pairing code via
// displayPairingCode and waiting for the peer's visual confirmation.
// AttachStream must be called before Start.
func NewV4Helper(channel *ukey2.Channel, cfg Config, oobKey []byte, displayPairingCode func(code string)) *V4Helper {
	return &V4Helper{
		channel:            channel,
		cfg:                cfg,
		oobKey:             oobKey,
		displayPairingCode: displayPairingCode,
		phase:              PhaseEstablishingEncryption,
		result:             make(chan Result, 1),
	}
}

// AttachStream binds the stream this helper writes to.
func (h *V4Helper) AttachStream(str *stream.Stream) {
	h.str = str
}

// Start kicks off the handshake.
func (h *V4Helper) Start() error {
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
func (h *V4Helper) Await() (car.Car, error) {
	r := <-h.result
	return r.Car, r.Err
}

func (h *V4Helper) succeed(c car.Car) {
	h.phase = PhaseDone
	select {
	case h.result <- Result{Car: c}:
	default:
	}
}

func (h *V4Helper) fail(err error) {
	h.phase = PhaseFailed
	log.Warningf("association: v4 attempt failed: %v", err)
	select {
	case h.result <- Result{Err: err}:
	default:
	}
}

func (h *V4Helper) DidReceiveMessage(payload []byte, params stream.Params) {
	switch h.phase {
	case PhaseEstablishingEncryption:
		h.handleHandshakeMessage(payload)
	case PhaseAwaitingVerificationConfirmation:
		h.handleVerificationConfirmation(payload)
	case PhaseEncryptionEstablished:
		h.handleCarID(payload)
	}
}

func (h *V4Helper) handleHandshakeMessage(payload []byte) {
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
	h.token = token
	h.phase = PhaseAwaitingVerificationConfirmation

	if h.oobKey != nil {
		ciphertext, err := oobEncrypt(h.oobKey, token.Data)
		if err != nil {
			h.fail(ErrUnknown)
			return
		}
		code := &wire.VerificationCode{State: wire.VerificationOOBVerification, Payload: ciphertext}
		if err := h.str.WriteMessage(code.Marshal(), handshakeParams); err != nil {
			h.fail(ErrUnknown)
		}
		return
	}

	if h.displayPairingCode != nil {
		h.displayPairingCode(token.PairingCode)
	}
	code := &wire.VerificationCode{State: wire.VerificationVisualVerification}
	if err := h.str.WriteMessage(code.Marshal(), handshakeParams); err != nil {
		h.fail(ErrUnknown)
	}
}

func (h *V4Helper) handleVerificationConfirmation(payload []byte) {
	confirmation, err := wire.UnmarshalVerificationCode(payload)
	if err != nil {
		h.fail(ErrPairingCodeRejected)
		return
	}

	matched := false
	switch {
	case h.oobKey != nil:
		if confirmation.State == wire.VerificationOOBVerification {
			if plain, err := oobDecrypt(h.oobKey, confirmation.Payload); err == nil {
				matched = bytes.Equal(plain, h.token.Data)
			}
		}
	default:
		matched = confirmation.State == wire.VerificationVisualConfirmation
	}

	if !matched {
		h.channel.NotifyPairingCodeRejected()
		h.fail(ErrPairingCodeRejected)
		return
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

func (h *V4Helper) handleCarID(payload []byte) {
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
	}
}

func (h *V4Helper) DidWriteMessage(recipient [16]byte) {
	if h.pendingFinalWrite {
		h.pendingFinalWrite = false
		h.succeed(car.Car{ID: h.carID})
	}
}

func (h *V4Helper) DidEncounterWriteError(err error, recipient [16]byte) {
	if h.pendingFinalWrite {
		h.pendingFinalWrite = false
		h.fail(ErrCannotStoreAssociation)
		return
	}
	h.fail(ErrUnknown)
}

func (h *V4Helper) UnrecoverableError(err error) {
	h.fail(ErrUnknown)
}

var _ stream.Delegate = (*V4Helper)(nil)
