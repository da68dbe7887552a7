package zio

import (
	"bytes"
	"testing"

	"github.com/hiliev/go-zfs-rescue/internal/zfs"
)

func TestDecompressLZJBLiteralRun(t *testing.T) {
	// copymap byte 0x00 (all-literal) followed by 4 literal bytes.
	src := []byte{0x00, 'A', 'A', 'A', 'A'}
	got, err := DecompressLZJB(src, 4)
	if err != nil {
		t.Fatalf("DecompressLZJB: %v", err)
	}
	if !bytes.Equal(got, []byte("AAAA")) {
		t.Errorf("got %q, want %q", got, "AAAA")
	}
}

func TestDecompressLZJBBackReference(t *testing.T) {
	// Literal "AB" (tokens 0 and 1), then a match copying 3 bytes from
	// offset 2 back (reproducing "ABA"), total output "ABABA".
	offset := 2
	length := 3
	b0 := byte(length-matchMin)<<(byteBits-matchBits) | byte((offset>>byteBits)&offsetMask)
	b1 := byte(offset & 0xff)

	copymap := byte(0x04) // token 2 (the match) has its copymap bit set
	src := []byte{copymap, 'A', 'B', b0, b1}
	got, err := DecompressLZJB(src, 5)
	if err != nil {
		t.Fatalf("DecompressLZJB: %v", err)
	}
	if !bytes.Equal(got, []byte("ABABA")) {
		t.Errorf("got %q, want %q", got, "ABABA")
	}
}

func TestDecompressLZ4LiteralOnly(t *testing.T) {
	src := []byte{0, 0, 0, 9, 0x40, 'A', 'B', 'C', 'D'}
	got, err := DecompressLZ4(src)
	if err != nil {
		t.Fatalf("DecompressLZ4: %v", err)
	}
	if !bytes.Equal(got, []byte("ABCD")) {
		t.Errorf("got %q, want %q", got, "ABCD")
	}
}

func TestDecompressDispatchesOnAlgorithm(t *testing.T) {
	plain := []byte("hello")
	out, err := Decompress(zfs.CompOff, plain, len(plain))
	if err != nil {
		t.Fatalf("Decompress(CompOff): %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Errorf("CompOff must pass data through unchanged, got %q", out)
	}

	if _, err := Decompress(99, plain, len(plain)); err == nil {
		t.Error("Decompress with an unknown algorithm must return an error, not silently succeed")
	}
}
