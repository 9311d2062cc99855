package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// GenerateSeed returns a random seed for hash distribution and tiebreaker counters
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// last resort, the clock is better than a constant
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// UintKey is a 64 bit string hash
type UintKey uint64

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// HashString is FNV-1a over s with the offset basis xor-ed with seed.
// Equal seeds give equal hashes across processes.
func HashString(s string, seed uint64) UintKey {
	hash := uint64(fnvOffset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= fnvPrime64
	}
	return UintKey(hash)
}

// ReplicaIDFromName maps a replica name like "node-1" to a raft replica id.
// Every process derives the same id from the same name; 0 is never returned
// since dragonboat reserves it.
func ReplicaIDFromName(name string) uint64 {
	if id := uint64(HashString(name, 0)); id != 0 {
		return id
	}
	return 1
}
