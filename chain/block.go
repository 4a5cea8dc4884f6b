package chain

// Block is the header-plus-txids view the quorum subsystems care about.
// Transaction bodies, scripts and validation never enter this module.
type Block struct {
	PrevHash  Hash
	Height    int32
	TimeStamp int64
	Producer  string
	TxIDs     []Hash
}

// ComputeHash derives the block's identity from its header fields.
func (b *Block) ComputeHash() Hash {
	parts := [][]byte{
		b.PrevHash.Bytes(),
		uint32LE(uint32(b.Height)),
		uint64LE(uint64(b.TimeStamp)),
		[]byte(b.Producer),
	}
	for i := range b.TxIDs {
		parts = append(parts, b.TxIDs[i].Bytes())
	}
	return NewHash(parts...)
}

// BlockIndex is one node of the header tree. Prev pointers reach back to
// genesis, so ancestry queries never touch the chain lock.
type BlockIndex struct {
	Hash      Hash
	Height    int32
	TimeStamp int64
	Prev      *BlockIndex
}

// Ancestor walks back to the index entry at the given height, or nil when
// the height is above this entry or below genesis.
func (bi *BlockIndex) Ancestor(height int32) *BlockIndex {
	if bi == nil || height > bi.Height || height < 0 {
		return nil
	}
	walk := bi
	for walk != nil && walk.Height > height {
		walk = walk.Prev
	}
	return walk
}

// HasAncestor reports whether other is on the path from this entry back to
// genesis (an entry is its own ancestor).
func (bi *BlockIndex) HasAncestor(other *BlockIndex) bool {
	if bi == nil || other == nil {
		return false
	}
	return bi.Ancestor(other.Height) == other
}
