package ukey2

// SecureSession is the persisted form of an Established channel: the
// underlying primitive's serialized blob plus the session key derived at
// handshake completion, bundled together for storage.
type SecureSession struct {
	Blob             []byte
	UniqueSessionKey []byte
}

// Marshal packs a SecureSession into the single byte slice a
// CredentialStore persists.
func (s *SecureSession) Marshal() []byte {
	out := make([]byte, 0, 4+len(s.Blob)+len(s.UniqueSessionKey))
	out = appendLenPrefixed(out, s.Blob)
	out = appendLenPrefixed(out, s.UniqueSessionKey)
	return out
}

// UnmarshalSecureSession unpacks a SecureSession previously produced by
// Marshal.
func UnmarshalSecureSession(data []byte) (*SecureSession, error) {
	blob, rest, err := consumeLenPrefixed(data)
	if err != nil {
		return nil, err
	}
	key, rest, err := consumeLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrInvalidSavedSession
	}
	return &SecureSession{Blob: blob, UniqueSessionKey: key}, nil
}

func appendLenPrefixed(out []byte, b []byte) []byte {
	n := len(b)
	out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(out, b...)
}

func consumeLenPrefixed(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, ErrInvalidSavedSession
	}
	n := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	b = b[4:]
	if n < 0 || n > len(b) {
		return nil, nil, ErrInvalidSavedSession
	}
	return b[:n], b[n:], nil
}

// Channel drives a fresh UKey2 handshake: InProgress -> VerificationNeeded
// -> Established (or Failed). It holds no reference back to whatever is
// driving it — every transition is the direct result of a method call, so
// callers (association helpers, tests) feed it inbound bytes and relay its
// outbound bytes explicitly.
type Channel struct {
	role      Role
	primitive Primitive
	state     State
	token     *VerificationToken
}

// NewChannel constructs a Channel for a fresh handshake attempt.
func NewChannel(role Role) (*Channel, error) {
	p, err := NewPrimitive(role)
	if err != nil {
		return nil, err
	}
	return &Channel{role: role, primitive: p, state: StateUninitialized}, nil
}

// State reports the driver's current state.
func (c *Channel) State() State { return c.state }

// Start begins the handshake. The initiator has a message to send
// immediately; the responder returns nil and waits for the initiator's
// first message via HandleHandshakeMessage.
func (c *Channel) Start() ([]byte, error) {
	if c.state != StateUninitialized {
		return nil, ErrMethodCalledOutOfOrder
	}
	c.state = StateInProgress
	if c.role != RoleInitiator {
		return nil, nil
	}
	msg, err := c.primitive.NextHandshakeMessage()
	if err != nil {
		c.state = StateFailed
		return nil, ErrHandshakeFailed
	}
	return msg, nil
}

// HandleHandshakeMessage parses one inbound handshake message and drives
// the primitive forward. It returns any outbound bytes to relay back to the
// peer (the responder's own handshake message) together with a
// VerificationToken once the underlying primitive reaches
// verification_needed — at which
// point the driver's own State becomes VerificationNeeded and the caller
// must invoke NotifyPairingCodeAccepted before anything else.
func (c *Channel) HandleHandshakeMessage(msg []byte) (outbound []byte, token *VerificationToken, err error) {
	if c.state != StateInProgress {
		return nil, nil, ErrMethodCalledOutOfOrder
	}
	if err := c.primitive.ParseHandshakeMessage(msg); err != nil {
		c.state = StateFailed
		return nil, nil, ErrParseMessageFailed
	}

	var next []byte
	if c.primitive.HandshakeState() == HandshakeInProgress {
		// The responder owes the initiator its own public key before
		// verification data can be derived; the initiator already sent
		// its own in Start and has nothing further to send here.
		msg, err := c.primitive.NextHandshakeMessage()
		if err != nil {
			c.state = StateFailed
			return nil, nil, ErrHandshakeFailed
		}
		next = msg
	}

	if c.primitive.HandshakeState() != HandshakeVerificationNeeded {
		c.state = StateFailed
		return nil, nil, ErrHandshakeFailed
	}

	data, err := c.primitive.VerificationData(6)
	if err != nil {
		c.state = StateFailed
		return nil, nil, ErrHandshakeFailed
	}
	c.token = newVerificationToken(data)
	c.state = StateVerificationNeeded
	return next, c.token, nil
}

// NotifyPairingCodeAccepted confirms the pairing code displayed to (or
// exchanged with) the user matches, completing the handshake. Calling it
// outside VerificationNeeded is a usage error, not a panic.
func (c *Channel) NotifyPairingCodeAccepted() error {
	if c.state != StateVerificationNeeded {
		return ErrMethodCalledOutOfOrder
	}
	ok, err := c.primitive.VerifyHandshake()
	if err != nil || !ok || c.primitive.HandshakeState() != HandshakeFinished {
		c.state = StateFailed
		return ErrVerificationFailed
	}
	c.state = StateEstablished
	return nil
}

// NotifyPairingCodeRejected records that the verification data presented by
// the two ends did not match, terminating the channel. Calling it outside
// VerificationNeeded is a usage error.
func (c *Channel) NotifyPairingCodeRejected() error {
	if c.state != StateVerificationNeeded {
		return ErrMethodCalledOutOfOrder
	}
	c.state = StateFailed
	return ErrVerificationFailed
}

// Encrypt encodes plaintext for the peer. Valid only once Established.
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	if c.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	out, err := c.primitive.Encode(plaintext)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	return out, nil
}

// Decrypt decodes ciphertext from the peer. Valid only once Established.
func (c *Channel) Decrypt(ciphertext []byte) ([]byte, error) {
	if c.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	out, err := c.primitive.Decode(ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// UniqueSessionKey returns the session key derived at handshake
// completion, used as K_prev in a later resumption.
func (c *Channel) UniqueSessionKey() ([]byte, error) {
	if c.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	return c.primitive.UniqueSessionKey()
}

// SaveSession returns the persistable form of an Established channel.
func (c *Channel) SaveSession() (*SecureSession, error) {
	if c.state != StateEstablished {
		return nil, ErrMethodCalledOutOfOrder
	}
	blob, err := c.primitive.SaveSession()
	if err != nil {
		return nil, err
	}
	key, err := c.primitive.UniqueSessionKey()
	if err != nil {
		return nil, err
	}
	return &SecureSession{Blob: blob, UniqueSessionKey: key}, nil
}
