// Package ukey2 drives a Diffie-Hellman authenticated key-agreement
// handshake over an arbitrary message stream, with visual/out-of-band
// pairing-code verification and session save/resume.
//
// The production key-agreement algorithm this package's contract describes
// is treated as an external black box; naclPrimitive below is this
// repository's one concrete, testable instance of the Primitive contract,
// built on sealed-box key agreement using NaCl's X25519 +
// XSalsa20-Poly1305 via golang.org/x/crypto/nacl/box.
package ukey2

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

// HandshakeState mirrors the internal state machine of the UKey2 primitive
// itself, distinct from the driving Channel's own State.
type HandshakeState int

// HandshakeState values.
const (
	HandshakeInProgress HandshakeState = iota
	HandshakeVerificationNeeded
	HandshakeVerificationInProgress
	HandshakeFinished
	HandshakeError
)

// Role identifies which side of the handshake a Primitive plays.
type Role int

// Role values.
const (
	RoleInitiator Role = iota
	RoleResponder
)

var (
	// ErrHandshakeMessageGenerationFailed is returned when a handshake
	// message cannot be produced, e.g. because the handshake is already
	// finished or failed.
	ErrHandshakeMessageGenerationFailed = errors.New("ukey2: cannot generate handshake message")
	// ErrParseHandshakeMessage is returned when an inbound handshake
	// message is malformed or arrives out of sequence.
	ErrParseHandshakeMessage = errors.New("ukey2: cannot parse handshake message")
	// ErrNotReady is returned when an operation is attempted before the
	// primitive has reached the state it requires.
	ErrNotReady = errors.New("ukey2: primitive not in required state")
	// ErrInvalidSavedSession is returned by Load when a saved session blob
	// is malformed.
	ErrInvalidSavedSession = errors.New("ukey2: invalid saved session")
)

// Primitive is the black-box UKey2 contract this package drives.
type Primitive interface {
	NextHandshakeMessage() ([]byte, error)
	ParseHandshakeMessage(msg []byte) error
	VerificationData(byteLength int) ([]byte, error)
	VerifyHandshake() (bool, error)
	Encode(plaintext []byte) ([]byte, error)
	Decode(ciphertext []byte) ([]byte, error)
	UniqueSessionKey() ([]byte, error)
	SaveSession() ([]byte, error)
	HandshakeState() HandshakeState
}

// naclPrimitive is the reference Primitive: a one-message-each-way X25519
// key exchange, verification data and session keys derived via HKDF-SHA256
// over the shared secret, and message encode/decode via NaCl's
// box.*AfterPrecomputation (equivalent to secretbox keyed by the DH output).
type naclPrimitive struct {
	role  Role
	state HandshakeState

	ourPublic  *[32]byte
	ourPrivate *[32]byte
	sentOwn    bool

	sharedKey *[32]byte // set once the peer's public key has been parsed
	verified  bool
}

// NewPrimitive constructs a fresh naclPrimitive for one handshake attempt.
func NewPrimitive(role Role) (Primitive, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &naclPrimitive{role: role, state: HandshakeInProgress, ourPublic: pub, ourPrivate: priv}, nil
}

// Load reconstructs a Primitive directly into a finished state from a
// previously saved session, without repeating the DH exchange. This is
// what lets invariant 8 (load(save_session()) interoperates with the
// original peer's state) hold without persisting private keys.
func Load(saved []byte) (Primitive, error) {
	if len(saved) != 33 {
		return nil, ErrInvalidSavedSession
	}
	var shared [32]byte
	copy(shared[:], saved[1:])
	return &naclPrimitive{
		role:      Role(saved[0]),
		state:     HandshakeFinished,
		sharedKey: &shared,
		verified:  true,
	}, nil
}

func (p *naclPrimitive) HandshakeState() HandshakeState { return p.state }

func (p *naclPrimitive) NextHandshakeMessage() ([]byte, error) {
	if p.state != HandshakeInProgress || p.sentOwn {
		return nil, ErrHandshakeMessageGenerationFailed
	}
	p.sentOwn = true
	msg := append([]byte(nil), p.ourPublic[:]...)
	p.maybeAdvance()
	return msg, nil
}

func (p *naclPrimitive) ParseHandshakeMessage(msg []byte) error {
	if p.state != HandshakeInProgress || p.sharedKey != nil {
		return ErrParseHandshakeMessage
	}
	if len(msg) != 32 {
		return ErrParseHandshakeMessage
	}
	var peerPublic [32]byte
	copy(peerPublic[:], msg)
	var shared [32]byte
	box.Precompute(&shared, &peerPublic, p.ourPrivate)
	p.sharedKey = &shared
	p.maybeAdvance()
	return nil
}

// maybeAdvance moves the primitive to verification_needed once both our
// own message has been sent and the peer's has been parsed — this
// reference primitive exchanges exactly one message per side.
func (p *naclPrimitive) maybeAdvance() {
	if p.sentOwn && p.sharedKey != nil {
		p.state = HandshakeVerificationNeeded
	}
}

func (p *naclPrimitive) VerificationData(byteLength int) ([]byte, error) {
	if p.state != HandshakeVerificationNeeded || p.sharedKey == nil {
		return nil, ErrNotReady
	}
	// The underlying primitive always derives a full 32-byte block; the
	// driver is responsible for truncating to what it actually needs
	// (see the pairing-code derivation in the channel driver).
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, p.sharedKey[:], []byte("UKEY2 v1 auth"), []byte("verification"))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *naclPrimitive) VerifyHandshake() (bool, error) {
	if p.state != HandshakeVerificationNeeded {
		return false, ErrNotReady
	}
	p.state = HandshakeVerificationInProgress
	p.verified = true
	p.state = HandshakeFinished
	return true, nil
}

func (p *naclPrimitive) Encode(plaintext []byte) ([]byte, error) {
	if p.state != HandshakeFinished || !p.verified {
		return nil, ErrNotReady
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := box.SealAfterPrecomputation(nonce[:], plaintext, &nonce, p.sharedKey)
	return out, nil
}

func (p *naclPrimitive) Decode(ciphertext []byte) ([]byte, error) {
	if p.state != HandshakeFinished || !p.verified {
		return nil, ErrNotReady
	}
	if len(ciphertext) < 24 {
		return nil, ErrNotReady
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	out, ok := box.OpenAfterPrecomputation(nil, ciphertext[24:], &nonce, p.sharedKey)
	if !ok {
		return nil, ErrNotReady
	}
	return out, nil
}

func (p *naclPrimitive) UniqueSessionKey() ([]byte, error) {
	if p.state != HandshakeFinished || p.sharedKey == nil {
		return nil, ErrNotReady
	}
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, p.sharedKey[:], []byte("UKEY2 v1 next"), []byte("session_key"))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *naclPrimitive) SaveSession() ([]byte, error) {
	if p.state != HandshakeFinished || p.sharedKey == nil {
		return nil, ErrNotReady
	}
	out := make([]byte, 0, 33)
	out = append(out, byte(p.role))
	out = append(out, p.sharedKey[:]...)
	return out, nil
}
