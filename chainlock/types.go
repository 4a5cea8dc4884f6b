// Package chainlock implements chain-lock coordination: deciding when the
// active tip is safe to sign, accepting and verifying locks from peers,
// detecting conflicts, and enforcing the best lock against chain selection.
package chainlock

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/gitzhang10/LLMQ/chain"
)

var mh codec.MsgpackHandle

// ChainLockSig attests that a block hash is final at its height, backed by
// a quorum threshold signature. Immutable once constructed; two values are
// the same lock when height and block hash match.
type ChainLockSig struct {
	Height    int32
	BlockHash chain.Hash
	Signature []byte
}

// IsNull reports whether the value carries no lock.
func (c ChainLockSig) IsNull() bool {
	return c.Height < 0 || len(c.Signature) == 0
}

func (c *ChainLockSig) String() string {
	return fmt.Sprintf("ChainLockSig(height=%d, blockHash=%s)", c.Height, c.BlockHash.ShortString())
}

// Hash is the message id used for replay suppression and relay
// de-duplication.
func (c *ChainLockSig) Hash() chain.Hash {
	var h [4]byte
	binary.LittleEndian.PutUint32(h[:], uint32(c.Height))
	return chain.NewHash(h[:], c.BlockHash[:], c.Signature)
}

// Encode serializes the lock in fixed field order for the wire.
func (c *ChainLockSig) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &mh).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func (c *ChainLockSig) Decode(raw []byte) error {
	return codec.NewDecoder(bytes.NewReader(raw), &mh).Decode(c)
}

// BuildRequestID derives the signing-session id for a chain lock at the
// given height. All quorum members derive the same id independently, which
// is what lets their signature shares aggregate.
func BuildRequestID(height int32) chain.Hash {
	var h [4]byte
	binary.LittleEndian.PutUint32(h[:], uint32(height))
	return chain.NewHash([]byte("clsig"), h[:])
}
