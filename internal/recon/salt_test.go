package recon_test

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"erlaynet/internal/recon"
)

func TestComputeSaltSymmetric(t *testing.T) {
	a := uint64(0x0102030405060708)
	b := uint64(0x1112131415161718)
	if recon.ComputeSalt(a, b) != recon.ComputeSalt(b, a) {
		t.Fatalf("ComputeSalt is not symmetric")
	}
	if recon.ComputeSalt(a, a) != recon.ComputeSalt(a, a) {
		t.Fatalf("ComputeSalt is not deterministic")
	}
	if recon.ComputeSalt(a, b) == recon.ComputeSalt(a, a) {
		t.Fatalf("distinct inputs produced identical salt")
	}
}

func TestComputeSaltTaggedHashConstruction(t *testing.T) {
	a := uint64(7)
	b := uint64(3)

	// Sorted ascending, little-endian concatenation, then
	// SHA256(SHA256(tag) || SHA256(tag) || msg).
	tagHash := sha256.Sum256([]byte("Tx Relay Salting"))
	var msg [16]byte
	binary.LittleEndian.PutUint64(msg[:8], b)
	binary.LittleEndian.PutUint64(msg[8:], a)
	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	h.Write(msg[:])
	var want [32]byte
	h.Sum(want[:0])

	if got := recon.ComputeSalt(a, b); got != want {
		t.Fatalf("ComputeSalt = %x, want %x", got, want)
	}
}

func TestTxIDWords(t *testing.T) {
	var id recon.TxID
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(id[i*8:], uint64(100+i))
	}
	for i := 0; i < 4; i++ {
		if got := id.Word(i); got != uint64(100+i) {
			t.Fatalf("Word(%d) = %d, want %d", i, got, 100+i)
		}
	}
}
