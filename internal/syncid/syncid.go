// Package syncid derives the 8-byte sync-tree fingerprint ("sync key")
// for a bundle, and provides fast non-cryptographic hashing (Hash64)
// plus the default generation-id derivation.
//
// The sync key formula is SHA-1(salt || BID-hex || filehash-hex ||
// "<hex-length>:<hex-version>"), truncated to the first 8 bytes.
package syncid

import (
	"crypto/sha1"
	"fmt"

	"github.com/OneOfOne/xxhash"
)

// KeyLen is the length in bytes of a sync key.
const KeyLen = 8

// SaltLen is the length of the process-wide salt mixed into every key.
const SaltLen = 8

// Key is an 8-byte bundle fingerprint used in the sync tree.
type Key [KeyLen]byte

// DefaultSalt is used when no explicit salt is configured. Production
// deployments should set an explicit salt (see Compute) so that
// colliding sync keys across independent deployments stay transient.
var DefaultSalt = [SaltLen]byte{0x4c, 0x42, 0x41, 0x52, 0x44, 0x00, 0x00, 0x01} // "LBARD\0\0\x01"

// Compute derives the sync key for a bundle: inputs are mixed in as
// salt, bid-hex, filehash-hex, then "<length-hex>:<version-hex>".
func Compute(salt [SaltLen]byte, bidHex, filehashHex string, length, version uint64) Key {
	lengthStr := fmt.Sprintf("%x:%x", length, version)

	h := sha1.New()
	h.Write(salt[:])
	h.Write([]byte(bidHex))
	h.Write([]byte(filehashHex))
	h.Write([]byte(lengthStr))
	sum := h.Sum(nil)

	var k Key
	copy(k[:], sum[:KeyLen])
	return k
}

// Hash64 is a fast, non-cryptographic 64-bit hash (xxhash) for lookups
// where SHA-1 would be overkill. The engine's packet-dedup filter does
// not use it; the cuckoo filter hashes its keys itself.
func Hash64(b []byte) uint64 {
	return xxhash.Checksum64(b)
}

// DefaultGenerationID derives a 32-bit process generation id from a
// seed (e.g. the node's SID plus process start time), used when the
// operator hasn't pinned one explicitly. A fresh generation id is what
// lets peers detect that we restarted.
func DefaultGenerationID(seed []byte) uint32 {
	return uint32(xxhash.Checksum64(seed))
}
