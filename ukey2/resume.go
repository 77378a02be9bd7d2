package ukey2

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	resumeLabelClient = []byte("CLIENT")
	resumeLabelServer = []byte("SERVER")
)

// ResumeChannel drives a session-resumption handshake: rather than
// confirming a pairing code, it runs a fresh Diffie-Hellman handshake
// exactly like a first-time association and auto-accepts it once it
// reaches verification_needed, deriving a new session key K_new. It then
// proves to the peer that it also holds the previous session's key by
// exchanging HMACs over K_prev||K_new, so a stale or diverged saved
// session fails the resumption rather than silently succeeding.
//
// The device side always initiates a resumption (it is the side that
// reconnects to an already-associated car), so ResumeChannel always plays
// the initiator role in the fresh handshake. The head unit's side of the
// same exchange is ResumeResponder.
type ResumeChannel struct {
	prevSessionKey []byte
	primitive      Primitive
	state          State

	combinedKey []byte
}

// NewResumeChannel constructs a ResumeChannel around a freshly generated
// handshake primitive — not one reloaded from the saved blob, since
// resumption re-derives K_new from a genuine new DH exchange rather than
// reusing the old shared secret. saved is validated as a sanity check
// that it is a well-formed prior session before spending a round trip on
// the new handshake.
func NewResumeChannel(saved []byte, prevSessionKey []byte) (*ResumeChannel, error) {
	if _, err := Load(saved); err != nil {
		return nil, err
	}
	primitive, err := NewPrimitive(RoleInitiator)
	if err != nil {
		return nil, err
	}
	return &ResumeChannel{prevSessionKey: prevSessionKey, primitive: primitive, state: StateUninitialized}, nil
}

// Start begins the fresh handshake, returning the initiator's first
// handshake message.
func (r *ResumeChannel) Start() ([]byte, error) {
	if r.state != StateUninitialized {
		return nil, ErrMethodCalledOutOfOrder
	}
	msg, err := r.primitive.NextHandshakeMessage()
	if err != nil {
		r.state = StateFailed
		return nil, ErrHandshakeFailed
	}
	r.state = StateInProgress
	return msg, nil
}

// HandleHandshakeMessage parses the peer's handshake reply and drives the
// primitive forward exactly as a fresh Channel would. Once the primitive
// reaches verification_needed it is auto-accepted — resumption never
// pauses for pairing-code confirmation — K_new is combined with the
// previous session key, and the client_hmac message to send next is
// returned.
func (r *ResumeChannel) HandleHandshakeMessage(msg []byte) ([]byte, error) {
	if r.state != StateInProgress {
		return nil, ErrMethodCalledOutOfOrder
	}
	if err := r.primitive.ParseHandshakeMessage(msg); err != nil {
		r.state = StateFailed
		return nil, ErrParseMessageFailed
	}
	if r.primitive.HandshakeState() == HandshakeInProgress {
		next, err := r.primitive.NextHandshakeMessage()
		if err != nil {
			r.state = StateFailed
			return nil, ErrHandshakeFailed
		}
		return next, nil
	}
	if r.primitive.HandshakeState() != HandshakeVerificationNeeded {
		r.state = StateFailed
		return nil, ErrHandshakeFailed
	}

	ok, err := r.primitive.VerifyHandshake()
	if err != nil || !ok || r.primitive.HandshakeState() != HandshakeFinished {
		r.state = StateFailed
		return nil, ErrVerificationFailed
	}

	newKey, err := r.primitive.UniqueSessionKey()
	if err != nil {
		r.state = StateFailed
		return nil, &ErrCannotResumeSession{Reason: "cannot derive new session key"}
	}
	r.combinedKey = append(append([]byte(nil), r.prevSessionKey...), newKey...)

	clientHMAC, err := deriveResumeHMAC(r.combinedKey, resumeLabelClient)
	if err != nil {
		r.state = StateFailed
		return nil, &ErrCannotResumeSession{Reason: "cannot derive client hmac"}
	}
	r.state = StateResumingSession
	return clientHMAC, nil
}

// VerifyServerHMAC checks the peer's server_hmac against the value this
// side independently derives from K_prev||K_new. A mismatch is fatal to
// the resumption attempt (not a retry case): the saved sessions have
// diverged.
func (r *ResumeChannel) VerifyServerHMAC(serverHMAC []byte) error {
	if r.state != StateResumingSession {
		return ErrMethodCalledOutOfOrder
	}
	want, err := deriveResumeHMAC(r.combinedKey, resumeLabelServer)
	if err != nil || !hmac.Equal(serverHMAC, want) {
		r.state = StateFailed
		return &ErrCannotResumeSession{Reason: "server hmac does not match derived value"}
	}
	r.state = StateEstablished
	return nil
}

// State reports the driver's current state.
func (r *ResumeChannel) State() State { return r.state }

// Encrypt encodes plaintext using the resumed session's underlying
// primitive. Valid only once Established.
func (r *ResumeChannel) Encrypt(plaintext []byte) ([]byte, error) {
	if r.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	out, err := r.primitive.Encode(plaintext)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	return out, nil
}

// Decrypt decodes ciphertext using the resumed session's underlying
// primitive. Valid only once Established.
func (r *ResumeChannel) Decrypt(ciphertext []byte) ([]byte, error) {
	if r.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	out, err := r.primitive.Decode(ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// UniqueSessionKey returns K_new, the session key agreed to by the fresh
// handshake that backed this resumption, to be saved in place of the
// previous session's key.
func (r *ResumeChannel) UniqueSessionKey() ([]byte, error) {
	if r.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	return r.primitive.UniqueSessionKey()
}

// SaveSession returns the persistable form of the resumed channel.
func (r *ResumeChannel) SaveSession() (*SecureSession, error) {
	if r.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	blob, err := r.primitive.SaveSession()
	if err != nil {
		return nil, err
	}
	key, err := r.primitive.UniqueSessionKey()
	if err != nil {
		return nil, err
	}
	return &SecureSession{Blob: blob, UniqueSessionKey: key}, nil
}

// ResumeResponder drives the head unit's side of one resumption attempt:
// the responder role in the same fresh handshake ResumeChannel runs as
// initiator. It exists because this package only drives the device side
// of a resumption itself; implementations standing in for the head unit
// (tests, a separate head-unit build of this package) use it instead.
type ResumeResponder struct {
	prevSessionKey []byte
	primitive      Primitive
	state          State

	combinedKey []byte
}

// NewResumeResponder mirrors NewResumeChannel for the responder role.
func NewResumeResponder(saved []byte, prevSessionKey []byte) (*ResumeResponder, error) {
	if _, err := Load(saved); err != nil {
		return nil, err
	}
	primitive, err := NewPrimitive(RoleResponder)
	if err != nil {
		return nil, err
	}
	return &ResumeResponder{prevSessionKey: prevSessionKey, primitive: primitive, state: StateUninitialized}, nil
}

// HandleClientHandshakeMessage parses the device's first handshake message
// (its fresh public key) and returns this side's own handshake reply.
func (r *ResumeResponder) HandleClientHandshakeMessage(msg []byte) ([]byte, error) {
	if r.state != StateUninitialized {
		return nil, ErrMethodCalledOutOfOrder
	}
	if err := r.primitive.ParseHandshakeMessage(msg); err != nil {
		r.state = StateFailed
		return nil, ErrParseMessageFailed
	}
	reply, err := r.primitive.NextHandshakeMessage()
	if err != nil {
		r.state = StateFailed
		return nil, ErrHandshakeFailed
	}
	if r.primitive.HandshakeState() != HandshakeVerificationNeeded {
		r.state = StateFailed
		return nil, ErrHandshakeFailed
	}
	r.state = StateInProgress
	return reply, nil
}

// HandleClientHMAC verifies the device's client_hmac against K_prev||K_new
// derived from this side's own fresh handshake output, auto-accepts the
// handshake, and returns this side's server_hmac to send back.
func (r *ResumeResponder) HandleClientHMAC(clientHMAC []byte) ([]byte, error) {
	if r.state != StateInProgress {
		return nil, ErrMethodCalledOutOfOrder
	}
	ok, err := r.primitive.VerifyHandshake()
	if err != nil || !ok || r.primitive.HandshakeState() != HandshakeFinished {
		r.state = StateFailed
		return nil, ErrVerificationFailed
	}

	newKey, err := r.primitive.UniqueSessionKey()
	if err != nil {
		r.state = StateFailed
		return nil, &ErrCannotResumeSession{Reason: "cannot derive new session key"}
	}
	r.combinedKey = append(append([]byte(nil), r.prevSessionKey...), newKey...)

	wantClientHMAC, err := deriveResumeHMAC(r.combinedKey, resumeLabelClient)
	if err != nil || !hmac.Equal(clientHMAC, wantClientHMAC) {
		r.state = StateFailed
		return nil, &ErrCannotResumeSession{Reason: "client hmac does not match derived value"}
	}

	serverHMAC, err := deriveResumeHMAC(r.combinedKey, resumeLabelServer)
	if err != nil {
		r.state = StateFailed
		return nil, &ErrCannotResumeSession{Reason: "cannot derive server hmac"}
	}
	r.state = StateEstablished
	return serverHMAC, nil
}

// State reports the driver's current state.
func (r *ResumeResponder) State() State { return r.state }

// Encrypt encodes plaintext using the resumed session's underlying
// primitive. Valid only once Established.
func (r *ResumeResponder) Encrypt(plaintext []byte) ([]byte, error) {
	if r.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	out, err := r.primitive.Encode(plaintext)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	return out, nil
}

// Decrypt decodes ciphertext using the resumed session's underlying
// primitive. Valid only once Established.
func (r *ResumeResponder) Decrypt(ciphertext []byte) ([]byte, error) {
	if r.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	out, err := r.primitive.Decode(ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// UniqueSessionKey returns K_new, to be saved in place of the previous
// session's key.
func (r *ResumeResponder) UniqueSessionKey() ([]byte, error) {
	if r.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	return r.primitive.UniqueSessionKey()
}

// SaveSession returns the persistable form of the resumed channel.
func (r *ResumeResponder) SaveSession() (*SecureSession, error) {
	if r.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	blob, err := r.primitive.SaveSession()
	if err != nil {
		return nil, err
	}
	key, err := r.primitive.UniqueSessionKey()
	if err != nil {
		return nil, err
	}
	return &SecureSession{Blob: blob, UniqueSessionKey: key}, nil
}

// deriveResumeHMAC derives one side's resumption HMAC from K_prev||K_new:
// HKDF(IKM=combinedKey, salt="RESUME", info=label).
func deriveResumeHMAC(combinedKey []byte, label []byte) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, combinedKey, []byte("RESUME"), label)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
