package association

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// errOOBDecryptFailed covers both a tampered ciphertext and a key mismatch;
// NaCl's secretbox does not distinguish the two.
var errOOBDecryptFailed = errors.New("association: oob verification payload failed to decrypt")

// oobEncrypt seals data under a fixed-size out-of-band key shared with the
// peer through a side channel (e.g. NFC), using the same NaCl construction
// the secure channel itself builds on.
func oobEncrypt(key, data []byte) ([]byte, error) {
	var keyArr [32]byte
	if len(key) != len(keyArr) {
		return nil, errors.New("association: oob key must be 32 bytes")
	}
	copy(keyArr[:], key)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nonce[:], data, &nonce, &keyArr)
	return sealed, nil
}

// oobDecrypt is the inverse of oobEncrypt.
func oobDecrypt(key, sealed []byte) ([]byte, error) {
	var keyArr [32]byte
	if len(key) != len(keyArr) {
		return nil, errors.New("association: oob key must be 32 bytes")
	}
	copy(keyArr[:], key)

	if len(sealed) < 24 {
		return nil, errOOBDecryptFailed
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	data, ok := secretbox.Open(nil, sealed[24:], &nonce, &keyArr)
	if !ok {
		return nil, errOOBDecryptFailed
	}
	return data, nil
}
