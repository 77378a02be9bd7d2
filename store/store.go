// Package store persists per-car credentials: the authentication key
// established at association time and the saved secure-channel session
// used to reconnect without repeating the handshake.
package store

import "errors"

// ErrNotFound is returned by GetKey/GetSession when no record exists for
// the given car id.
var ErrNotFound = errors.New("store: no credential for that car id")

// Credential is the persisted form of one associated car.
type Credential struct {
	CarID             string
	DisplayName       string
	AuthenticationKey []byte
	SavedSession      []byte
	FeatureStatus     []byte
}

// CredentialStore is a key-value store keyed by car id, behind a simple
// mutex per the concurrency model: readers and writers serialize.
type CredentialStore interface {
	PutKey(carID string, authenticationKey []byte) error
	GetKey(carID string) ([]byte, error)
	PutSession(carID string, savedSession []byte) error
	GetSession(carID string) ([]byte, error)
	PutFeatureStatus(carID string, featureStatus []byte) error
	GetFeatureStatus(carID string) ([]byte, error)
	Delete(carID string) error
	ListIDs() ([]string, error)
}
