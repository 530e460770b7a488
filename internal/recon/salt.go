package recon

import (
	"crypto/sha256"
	"encoding/binary"
)

// Static component of the salt used to compute short txids for inclusion
// in sketches. Changing it breaks compatibility with every deployed node.
const reconStaticSalt = "Tx Relay Salting"

// TxID is the witness-inclusive transaction hash used by the relay layer.
type TxID [32]byte

// Word returns the i-th little-endian 64-bit word of the identifier,
// i in [0,3]. Word 3 drives fanout destination selection and is part of
// the wire contract between honest nodes.
func (t TxID) Word(i int) uint64 {
	return binary.LittleEndian.Uint64(t[i*8:])
}

// taggedHash implements SHA256(SHA256(tag) || SHA256(tag) || msg).
func taggedHash(tag string, msg []byte) [32]byte {
	tagHash := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	h.Write(msg)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// ComputeSalt combines the two peers' 64-bit salt contributions into the
// shared 256-bit salt. The contributions are sorted before hashing, so
// both sides derive identical key material regardless of which one is
// local. The first two little-endian words of the result are the short-ID
// keys (k0, k1).
func ComputeSalt(localSalt, remoteSalt uint64) [32]byte {
	salt1, salt2 := localSalt, remoteSalt
	if salt1 > salt2 {
		salt1, salt2 = salt2, salt1
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], salt1)
	binary.LittleEndian.PutUint64(buf[8:], salt2)
	return taggedHash(reconStaticSalt, buf[:])
}

func saltKeys(full [32]byte) (uint64, uint64) {
	return binary.LittleEndian.Uint64(full[:8]), binary.LittleEndian.Uint64(full[8:16])
}
