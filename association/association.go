// Package association implements the version-dispatched state machines
// that run once encryption is up for first-time pairing: exchanging
// device id, car id, and a freshly minted authentication key, and
// persisting the result for later reconnection.
package association

import (
	"crypto/rand"
	"errors"

	uuid "github.com/satori/go.uuid"

	"github.com/basaltlabs/carlink/car"
	"github.com/basaltlabs/carlink/internal/klog"
	"github.com/basaltlabs/carlink/store"
	"github.com/basaltlabs/carlink/stream"
	"github.com/basaltlabs/carlink/ukey2"
)

var log = klog.Get("association")

// Association errors.
var (
	ErrMalformedCarID                 = errors.New("association: malformed car id")
	ErrAuthenticationKeyStorageFailed = errors.New("association: failed to persist authentication key")
	ErrPairingCodeRejected            = errors.New("association: pairing code verification mismatch")
	ErrCannotStoreAssociation         = errors.New("association: failed to store association")
	ErrUnknown                        = errors.New("association: unknown association failure")
)

// defaultAuthKeyLength is used when Config.AuthKeyLength is zero.
const defaultAuthKeyLength = 32

// Config groups the inputs every association helper needs regardless of
// version: the device's own id (sent to the peer once encryption is up),
// where to persist the resulting credential, and the length of the
// authentication key to generate. The pairing-code display callback is
// not part of Config; it is passed to NewV2Helper or NewV4Helper.
type Config struct {
	DeviceID      []byte
	Store         store.CredentialStore
	AuthKeyLength int
}

func (c Config) authKeyLength() int {
	if c.AuthKeyLength > 0 {
		return c.AuthKeyLength
	}
	return defaultAuthKeyLength
}

// Result is delivered on Await's channel exactly once per attempt.
type Result struct {
	Car car.Car
	Err error
}

// Phase is the shared progression both V2Helper and V4Helper step
// through; V4 additionally dwells in PhaseAwaitingVerificationConfirmation
// between PhaseEstablishingEncryption and PhaseEncryptionEstablished.
type Phase int

// Phase values.
const (
	PhaseEstablishingEncryption Phase = iota
	PhaseAwaitingVerificationConfirmation
	PhaseEncryptionEstablished
	PhaseDone
	PhaseFailed
)

// parseCarID validates and decodes the 16 raw bytes of a UUID car id.
func parseCarID(payload []byte) (string, error) {
	if len(payload) != 16 {
		return "", ErrMalformedCarID
	}
	id, err := uuid.FromBytes(payload)
	if err != nil {
		return "", ErrMalformedCarID
	}
	return id.String(), nil
}

// generateAuthKey returns a fresh random authentication key of the
// configured length.
func generateAuthKey(length int) ([]byte, error) {
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// finishAssociation persists the freshly generated authentication key and
// the channel's saved session, then sends device_id || authentication_key
// as an encrypted message — the shared tail of both V2 and V4 once
// encryption is established and the peer's car id has arrived. A channel
// with nothing to save (the passthrough variant) is not an error here: it
// simply means a car associated through it has no saved session, so it
// can never be reconnected via resumption later.
func finishAssociation(str *stream.Stream, cfg Config, channel ukey2.SecureChannel, carID string, authKey []byte, params stream.Params) error {
	if err := cfg.Store.PutKey(carID, authKey); err != nil {
		return ErrAuthenticationKeyStorageFailed
	}
	if saved, err := channel.SaveSession(); err == nil {
		if err := cfg.Store.PutSession(carID, saved.Marshal()); err != nil {
			return ErrCannotStoreAssociation
		}
	}
	payload := append(append([]byte(nil), cfg.DeviceID...), authKey...)
	if err := str.WriteEncryptedMessage(payload, params); err != nil {
		return ErrCannotStoreAssociation
	}
	return nil
}
