package lzss

import (
	"bytes"
	"testing"
)

func TestDecompressLiterals(t *testing.T) {
	src := []byte{0xFF, 'k', 'e', 'r', 'n', 'e', 'l', '!', '!'}
	dst := make([]byte, 8)

	if n := Decompress(dst, src); n != 8 {
		t.Fatalf("Decompress() = %d, want 8", n)
	}
	if !bytes.Equal(dst, []byte("kernel!!")) {
		t.Errorf("Decompress() produced %q", dst)
	}
}

func TestDecompressMatch(t *testing.T) {
	// One literal 'a' followed by an 18-byte self-overlapping match
	// starting at the literal's ring position (N-F = 0xFEE).
	src := []byte{0x01, 'a', 0xEE, 0xFF}
	dst := make([]byte, 19)

	if n := Decompress(dst, src); n != 19 {
		t.Fatalf("Decompress() = %d, want 19", n)
	}
	if !bytes.Equal(dst, bytes.Repeat([]byte{'a'}, 19)) {
		t.Errorf("Decompress() produced %q", dst)
	}
}

func TestDecompressTruncatedOutput(t *testing.T) {
	src := []byte{0xFF, 1, 2, 3, 4, 5, 6, 7, 8}
	dst := make([]byte, 4)

	if n := Decompress(dst, src); n != 4 {
		t.Errorf("Decompress() = %d, want 4 (output exhausted)", n)
	}
}

func TestAdler32(t *testing.T) {
	if got := Adler32([]byte("Wikipedia")); got != 0x11E60398 {
		t.Errorf("Adler32(Wikipedia) = %#x, want 0x11E60398", got)
	}
	if got := Adler32(nil); got != 1 {
		t.Errorf("Adler32(nil) = %#x, want 1", got)
	}
}
