// Package compress provides the optional, reversible payload transform the
// message stream applies before chunking, when the negotiated stream
// version supports it.
package compress

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ErrDecompress is returned when a compressed payload cannot be inflated,
// or its inflated size doesn't match the original_size recorded on the
// wire.
var ErrDecompress = errors.New("compress: cannot decompress payload")

// Compress deflates data with raw zlib framing, the reference codec named
// by the wire contract.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates data, verifying the result is exactly originalSize
// bytes long.
func Decompress(data []byte, originalSize uint32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, ErrDecompress
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrDecompress
	}
	if uint32(len(out)) != originalSize {
		return nil, ErrDecompress
	}
	return out, nil
}
