/*
Package chain provides the minimal view of the block chain that the quorum
subsystems consume: block headers linked into an index, an active-chain
lookup, connect/disconnect notifications, and the chain-selection hook that
chain locks are enforced through. Full block validation is the concern of an
outer layer; the MemoryChain here is the reference implementation used by
the daemon's dev mode and by tests.
*/
package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// HashSize is the byte length of all identifiers in the system.
const HashSize = 32

// Hash identifies blocks, transactions, requests and messages.
type Hash [HashSize]byte

// NewHash hashes the concatenation of the given byte slices with SHA256.
func NewHash(data ...[]byte) Hash {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashFromBytes copies a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var out Hash
	if len(b) != HashSize {
		return out, errors.New("hash must be exactly 32 bytes")
	}
	copy(out[:], b)
	return out, nil
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// String returns the hex form, used in logs.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ShortString returns the first 8 hex characters for compact log lines.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:4])
}

func uint32LE(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func uint64LE(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
