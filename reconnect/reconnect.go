// Package reconnect re-establishes a secure channel to a previously
// associated car: it identifies the car from its advertisement, resolves
// protocol versions, and resumes the saved session with a fresh key
// exchange that is auto-accepted and bound to the previous session key,
// without pairing-code verification.
package reconnect

import (
	"bytes"
	"crypto/sha256"
	"errors"

	uuid "github.com/satori/go.uuid"

	"github.com/basaltlabs/carlink/car"
	"github.com/basaltlabs/carlink/internal/klog"
	"github.com/basaltlabs/carlink/session"
	"github.com/basaltlabs/carlink/store"
	"github.com/basaltlabs/carlink/stream"
	"github.com/basaltlabs/carlink/transport"
	"github.com/basaltlabs/carlink/ukey2"
	"github.com/basaltlabs/carlink/version"
	"github.com/basaltlabs/carlink/wire"
)

var log = klog.Get("reconnect")

// Reconnection errors.
var (
	// ErrUnassociatedCar is returned when the advertisement doesn't match
	// any car this device has a stored credential for, or that car has no
	// saved session to resume.
	ErrUnassociatedCar = errors.New("reconnect: advertisement does not match an associated car")
	// ErrInvalidMessage covers a malformed saved session blob or a
	// malformed resumption message from the peer.
	ErrInvalidMessage = errors.New("reconnect: invalid message")
)

// advertisementHashLength is how many leading bytes of sha256(car id) the
// head unit's advertisement payload is expected to carry.
const advertisementHashLength = 8

// Helper drives reconnection against one connected peripheral.
type Helper struct {
	Store             store.CredentialStore
	LocalCapabilities version.Capabilities
	// StreamConfigForVersion, when set, overrides the default stream
	// configuration derived from the resolved version (compression on iff
	// StreamV2Compression).
	StreamConfigForVersion func(*version.Resolved) stream.Config
}

func (h *Helper) streamConfig(resolved *version.Resolved) stream.Config {
	if h.StreamConfigForVersion != nil {
		return h.StreamConfigForVersion(resolved)
	}
	return stream.Config{AttemptCompression: resolved.Stream == version.StreamV2Compression}
}

// IdentifyCar matches a head unit's advertisement payload against the
// known associated cars, comparing its leading bytes to the truncated
// sha256 hash of each candidate car id. It returns ErrUnassociatedCar if
// none match.
func (h *Helper) IdentifyCar(advertisement []byte) (car.Car, error) {
	if len(advertisement) < advertisementHashLength {
		return car.Car{}, ErrUnassociatedCar
	}
	ids, err := h.Store.ListIDs()
	if err != nil {
		return car.Car{}, ErrUnassociatedCar
	}
	for _, id := range ids {
		sum := sha256.Sum256([]byte(id))
		if bytes.Equal(sum[:advertisementHashLength], advertisement[:advertisementHashLength]) {
			return car.Car{ID: id}, nil
		}
	}
	return car.Car{}, ErrUnassociatedCar
}

// Reconnect runs the full reconnection sequence against p: identify the
// car from advertisement, resolve versions, then resume the saved secure
// session. It blocks until the channel is established or the attempt
// fails.
func (h *Helper) Reconnect(p transport.Peripheral, advertisement []byte) (*session.SecuredChannel, error) {
	c, err := h.IdentifyCar(advertisement)
	if err != nil {
		return nil, err
	}

	resolved, err := version.Resolve(p, h.LocalCapabilities)
	if err != nil {
		return nil, err
	}

	savedBlob, err := h.Store.GetSession(c.ID)
	if err != nil || len(savedBlob) == 0 {
		return nil, ErrUnassociatedCar
	}
	saved, err := ukey2.UnmarshalSecureSession(savedBlob)
	if err != nil {
		return nil, ErrInvalidMessage
	}

	resumeChannel, err := ukey2.NewResumeChannel(saved.Blob, saved.UniqueSessionKey)
	if err != nil {
		return nil, ErrInvalidMessage
	}

	features, _ := h.Store.GetFeatureStatus(c.ID)

	driver := &resumeDriver{
		channel:  resumeChannel,
		car:      c,
		store:    h.Store,
		features: parseFeatureStatus(features),
		phase:    resumePhaseHandshake,
		result:   make(chan resumeResult, 1),
	}
	str := stream.New(p, driver, h.streamConfig(resolved))
	driver.str = str

	clientMessage, err := resumeChannel.Start()
	if err != nil {
		return nil, ErrInvalidMessage
	}
	if err := str.WriteMessage(clientMessage, stream.Params{Operation: wire.OperationEncryptionHandshake}); err != nil {
		return nil, err
	}

	r := <-driver.result
	if r.err != nil {
		return nil, r.err
	}
	log.Noticef("reconnect: resumed session with car %s", c.ID)
	return r.channel, nil
}

type resumeResult struct {
	channel *session.SecuredChannel
	err     error
}

// resumePhase tracks which leg of the two-round-trip resumption handshake
// the driver is waiting on: the head unit's handshake reply (carrying its
// fresh public key), then its server_hmac confirming agreement on
// K_prev||K_new.
type resumePhase int

const (
	resumePhaseHandshake resumePhase = iota
	resumePhaseServerHMAC
)

// resumeDriver is the stream.Delegate that carries one resumption attempt
// through its fresh handshake round and the subsequent HMAC exchange.
type resumeDriver struct {
	channel  *ukey2.ResumeChannel
	car      car.Car
	store    store.CredentialStore
	features map[string]bool
	str      *stream.Stream
	phase    resumePhase

	done   bool
	result chan resumeResult
}

func (d *resumeDriver) finish(sc *session.SecuredChannel, err error) {
	if d.done {
		return
	}
	d.done = true
	select {
	case d.result <- resumeResult{channel: sc, err: err}:
	default:
	}
}

func (d *resumeDriver) DidReceiveMessage(payload []byte, params stream.Params) {
	switch d.phase {
	case resumePhaseHandshake:
		clientHMAC, err := d.channel.HandleHandshakeMessage(payload)
		if err != nil {
			d.finish(nil, ErrInvalidMessage)
			return
		}
		d.phase = resumePhaseServerHMAC
		if err := d.str.WriteMessage(clientHMAC, stream.Params{Operation: wire.OperationEncryptionHandshake}); err != nil {
			d.finish(nil, err)
		}
	case resumePhaseServerHMAC:
		if err := d.channel.VerifyServerHMAC(payload); err != nil {
			d.finish(nil, ErrInvalidMessage)
			return
		}
		d.str.SetEncryptor(d.channel)

		if saved, err := d.channel.SaveSession(); err == nil {
			_ = d.store.PutSession(d.car.ID, saved.Marshal())
		}

		sc := session.New(d.str, d.car, d.features)
		d.finish(sc, nil)
	}
}

func (d *resumeDriver) DidWriteMessage(recipient [16]byte) {}

func (d *resumeDriver) DidEncounterWriteError(err error, recipient [16]byte) {
	d.finish(nil, err)
}

func (d *resumeDriver) UnrecoverableError(err error) {
	d.finish(nil, err)
}

var _ stream.Delegate = (*resumeDriver)(nil)

// parseFeatureStatus decodes the feature-status blob into a lookup of
// supported feature ids, keyed the same way car ids are: the canonical
// string form of the 16-byte UUID. The blob is a flat run of such UUIDs; a
// feature's presence is its support. An empty or malformed blob yields an
// empty (nothing supported) map rather than an error, since feature status
// is advisory and optional.
func parseFeatureStatus(blob []byte) map[string]bool {
	features := make(map[string]bool)
	for i := 0; i+16 <= len(blob); i += 16 {
		id, err := uuid.FromBytes(blob[i : i+16])
		if err != nil {
			continue
		}
		features[id.String()] = true
	}
	return features
}
