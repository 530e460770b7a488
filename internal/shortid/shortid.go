// Package shortid computes the salted short transaction IDs that stand in
// for full wtxids inside reconciliation sketches.
package shortid

import (
	"github.com/dchest/siphash"

	"erlaynet/internal/recon"
)

// Compute returns the short ID of a transaction under the link's salt
// keys: 1 + (SipHash-2-4(k0, k1, wtxid) mod 2^32). The +1 keeps zero out
// of the ID space, since zero is not representable in a sketch.
func Compute(k0, k1 uint64, wtxid recon.TxID) uint32 {
	s := siphash.Hash(k0, k1, wtxid[:])
	return 1 + uint32(s&0xFFFFFFFF)
}

// ComputeSet maps a staged set to short IDs, also returning the reverse
// index used to translate decoded IDs back to announceable wtxids.
// Colliding wtxids map to one sketch element; the collision probability
// is negligible at per-round set sizes and a missed announcement is
// recovered by the next flooding peer.
func ComputeSet(k0, k1 uint64, wtxids []recon.TxID) ([]uint32, map[uint32]recon.TxID) {
	ids := make([]uint32, 0, len(wtxids))
	index := make(map[uint32]recon.TxID, len(wtxids))
	for _, wtxid := range wtxids {
		id := Compute(k0, k1, wtxid)
		if _, dup := index[id]; dup {
			continue
		}
		index[id] = wtxid
		ids = append(ids, id)
	}
	return ids, index
}
