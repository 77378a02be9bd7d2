package ukey2

import "strconv"

// VerificationToken is the data a human (visual code) or a shared secret
// (out-of-band token) verifies the handshake against.
type VerificationToken struct {
	Data        []byte
	PairingCode string
}

// newVerificationToken derives the six-digit visual pairing code from raw
// verification data: digit i is data[i] mod 10.
func newVerificationToken(data []byte) *VerificationToken {
	return &VerificationToken{Data: data, PairingCode: DerivePairingCode(data)}
}

// DerivePairingCode computes the six-decimal-digit pairing code from at
// least six bytes of verification data.
func DerivePairingCode(data []byte) string {
	digits := make([]byte, 0, 6)
	for i := 0; i < 6 && i < len(data); i++ {
		d := int(data[i]) % 10
		digits = append(digits, []byte(strconv.Itoa(d))...)
	}
	return string(digits)
}
