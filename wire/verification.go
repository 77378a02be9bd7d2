package wire

import "google.golang.org/protobuf/encoding/protowire"

// VerificationState is the state field of a VerificationCode message,
// used during V4 association's OOB/visual pairing confirmation.
type VerificationState int32

// VerificationState values.
const (
	VerificationUnknown           VerificationState = 0
	VerificationVisualVerification VerificationState = 1
	VerificationVisualConfirmation VerificationState = 2
	VerificationOOBVerification    VerificationState = 3
)

// VerificationCode field numbers:
//
//	VerificationState state   = 1;
//	bytes             payload = 2;
const (
	verificationFieldState   protowire.Number = 1
	verificationFieldPayload protowire.Number = 2
)

// VerificationCode carries V4 pairing-verification state between phone and
// head unit once the secure channel reaches VerificationNeeded.
type VerificationCode struct {
	State   VerificationState
	Payload []byte
}

// Marshal serializes the VerificationCode using the protobuf wire format.
func (v *VerificationCode) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, verificationFieldState, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(v.State)))
	b = protowire.AppendTag(b, verificationFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, v.Payload)
	return b
}

// UnmarshalVerificationCode parses a wire-format VerificationCode.
func UnmarshalVerificationCode(b []byte) (*VerificationCode, error) {
	v := &VerificationCode{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformed
		}
		b = b[n:]
		switch num {
		case verificationFieldState:
			if typ != protowire.VarintType {
				return nil, ErrMalformed
			}
			val, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			v.State = VerificationState(int32(uint32(val)))
			b = b[n:]
		case verificationFieldPayload:
			if typ != protowire.BytesType {
				return nil, ErrMalformed
			}
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			v.Payload = append([]byte(nil), val...)
			b = b[n:]
		default:
			var err error
			b, err = skipUnknown(b, typ)
			if err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}
