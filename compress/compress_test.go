package compress

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 50)
	c, err := Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(c) >= len(data) {
		t.Fatalf("expected compression to shrink repetitive data: %d >= %d", len(c), len(data))
	}
	out, err := Decompress(c, uint32(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecompressWrongOriginalSize(t *testing.T) {
	data := []byte("short message")
	c, err := Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decompress(c, uint32(len(data)+1)); err != ErrDecompress {
		t.Fatalf("expected ErrDecompress, got %v", err)
	}
}

func TestDecompressGarbage(t *testing.T) {
	if _, err := Decompress([]byte{0x00, 0x01, 0x02}, 3); err != ErrDecompress {
		t.Fatalf("expected ErrDecompress, got %v", err)
	}
}
