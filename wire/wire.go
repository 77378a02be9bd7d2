// Package wire implements the protobuf wire encoding of the messages
// exchanged between phone and head unit. Field numbers are fixed by the
// interop contract, so each message hand-rolls its encode/decode using the
// protobuf project's own wire-level primitives rather than full
// protoc-generated bindings.
package wire

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a message ends before a required field is
// fully consumed.
var ErrTruncated = errors.New("wire: truncated message")

// ErrMalformed is returned when a field does not decode to its expected
// wire type.
var ErrMalformed = errors.New("wire: malformed field")

// skipUnknown consumes and discards a field the reader does not recognize,
// so that future protocol additions with unexpected field numbers don't
// break decoding of the fields this package does understand.
func skipUnknown(b []byte, typ protowire.Type) ([]byte, error) {
	n := protowire.ConsumeFieldValue(0, typ, b)
	if n < 0 {
		return nil, ErrMalformed
	}
	return b[n:], nil
}
