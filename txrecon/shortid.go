package txrecon

import (
	"encoding/binary"

	"github.com/aead/siphash"

	"github.com/txmesh/go-txmesh/common/types"
	"github.com/txmesh/go-txmesh/hash"
)

// saltTag is the domain separation tag of the combined salt derivation.
const saltTag = "txmesh recon salt"

// combineSalts derives shared keying material from the two per-connection
// salts. The salts are hashed in ascending order, so both peers arrive at the
// same value no matter which side generated which salt. The first 8 bytes of
// the digest serve as the combined salt, the first 16 as the short id key.
func combineSalts(a, b uint64) (uint64, [16]byte) {
	if a > b {
		a, b = b, a
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], a)
	binary.LittleEndian.PutUint64(buf[8:], b)
	h := hash.New()
	h.Write([]byte(saltTag))
	h.Write(buf[:])
	digest := h.Sum(nil)
	var key [16]byte
	copy(key[:], digest[:16])
	return binary.LittleEndian.Uint64(digest[:8]), key
}

// shortID maps a transaction id to its salted 32-bit form. The output range
// is [1, 2^32-1]: zero cannot be represented in the sketch field. Distinct
// transactions collide with probability ~2^-32; colliding ids are excluded
// from a round's sketch and announced directly instead.
func shortID(key *[16]byte, id types.TransactionID) types.ShortID {
	v := siphash.Sum64(id[:], key)
	return types.ShortID(1 + v%0xffffffff)
}
