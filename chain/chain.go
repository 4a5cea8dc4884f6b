package chain

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

var (
	// ErrUnknownParent is returned when a block references a header we have
	// never seen. The caller is expected to fetch the parent first.
	ErrUnknownParent = errors.New("unknown parent block")

	// ErrDuplicateBlock is returned when a block is added twice.
	ErrDuplicateBlock = errors.New("block already known")

	// ErrConflictsWithLock is returned when a block would displace a chain
	// at or below the enforced chain-lock height.
	ErrConflictsWithLock = errors.New("block conflicts with enforced chain lock")
)

// View is the read-only chain access the quorum subsystems consume.
// Implementations must be safe for concurrent use.
type View interface {
	// Tip returns the current active tip, never nil after construction.
	Tip() *BlockIndex
	// IndexByHash looks a header up in the whole header tree.
	IndexByHash(hash Hash) (*BlockIndex, bool)
	// AtHeight returns the active-chain entry at the height, if any.
	AtHeight(height int32) (*BlockIndex, bool)
	// Contains reports whether the entry is part of the active chain.
	Contains(index *BlockIndex) bool
}

// Selector is the chain-selection authority: the single hook through which
// an accepted chain lock constrains which chains may become active.
type Selector interface {
	// EnforceChainLock pins the active chain to the locked block's branch.
	// Enforcement is monotonic; a lower lock than the current one is a no-op.
	EnforceChainLock(index *BlockIndex)
}

// Listener receives chain events. Callbacks run synchronously on the thread
// mutating the chain and must not block for long.
type Listener interface {
	AcceptedBlockHeader(index *BlockIndex)
	UpdatedBlockTip(index *BlockIndex)
	BlockConnected(block *Block, index *BlockIndex)
	BlockDisconnected(block *Block, index *BlockIndex)
}

// tipEvents collects the notifications produced by one tip change; they are
// fired after the chain lock is released.
type tipEvents struct {
	disconnected []*BlockIndex
	connected    []*BlockIndex
	newTip       *BlockIndex
}

// MemoryChain keeps the whole header tree and block bodies in memory and
// tracks one active chain. It implements View and Selector.
type MemoryChain struct {
	lock      sync.RWMutex
	index     map[Hash]*BlockIndex
	blocks    map[Hash]*Block
	active    []*BlockIndex // active chain by height, CChain style
	tip       *BlockIndex
	locked    *BlockIndex // enforcement floor set via EnforceChainLock
	listeners []Listener
	logger    hclog.Logger
}

// NewMemoryChain creates a chain holding only the genesis block.
func NewMemoryChain(logger hclog.Logger) *MemoryChain {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "chain",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	genesis := &Block{Height: 0, TimeStamp: time.Unix(0, 0).UnixNano(), Producer: "genesis"}
	gi := &BlockIndex{Hash: genesis.ComputeHash(), Height: 0, TimeStamp: genesis.TimeStamp}
	return &MemoryChain{
		index:  map[Hash]*BlockIndex{gi.Hash: gi},
		blocks: map[Hash]*Block{gi.Hash: genesis},
		active: []*BlockIndex{gi},
		tip:    gi,
		logger: logger,
	}
}

// Subscribe registers a listener for chain events.
func (c *MemoryChain) Subscribe(l Listener) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.listeners = append(c.listeners, l)
}

// Genesis returns the genesis index entry.
func (c *MemoryChain) Genesis() *BlockIndex {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.active[0]
}

// Tip implements View.
func (c *MemoryChain) Tip() *BlockIndex {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.tip
}

// IndexByHash implements View.
func (c *MemoryChain) IndexByHash(hash Hash) (*BlockIndex, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	bi, ok := c.index[hash]
	return bi, ok
}

// BlockByHash returns the stored block body for a known header.
func (c *MemoryChain) BlockByHash(hash Hash) (*Block, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	b, ok := c.blocks[hash]
	return b, ok
}

// AtHeight implements View.
func (c *MemoryChain) AtHeight(height int32) (*BlockIndex, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if height < 0 || int(height) >= len(c.active) {
		return nil, false
	}
	return c.active[height], true
}

// Contains implements View.
func (c *MemoryChain) Contains(index *BlockIndex) bool {
	if index == nil {
		return false
	}
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.containsLocked(index)
}

func (c *MemoryChain) containsLocked(index *BlockIndex) bool {
	if index == nil || int(index.Height) >= len(c.active) {
		return false
	}
	return c.active[index.Height] == index
}

// AddBlock accepts a new block, links it into the header tree, and
// reorganizes the active chain when the new branch is longer. Ties keep the
// incumbent. Branches that would displace a chain-locked block are rejected.
func (c *MemoryChain) AddBlock(b *Block) error {
	hash := b.ComputeHash()

	c.lock.Lock()
	if _, ok := c.index[hash]; ok {
		c.lock.Unlock()
		return ErrDuplicateBlock
	}
	prev, ok := c.index[b.PrevHash]
	if !ok {
		c.lock.Unlock()
		return ErrUnknownParent
	}
	bi := &BlockIndex{Hash: hash, Height: prev.Height + 1, TimeStamp: b.TimeStamp, Prev: prev}
	if bi.Height != b.Height {
		c.lock.Unlock()
		return errors.New("block height does not follow its parent")
	}
	c.index[hash] = bi
	c.blocks[hash] = b

	var events *tipEvents
	var err error
	if bi.Height > c.tip.Height {
		events, err = c.applyTipLocked(bi)
	}
	listeners := c.snapshotListenersLocked()
	c.lock.Unlock()

	for _, l := range listeners {
		l.AcceptedBlockHeader(bi)
	}
	c.fireTipEvents(listeners, events)
	return err
}

// EnforceChainLock implements Selector. When the active tip is on a branch
// conflicting with the locked block, the chain reorganizes onto the locked
// branch immediately.
func (c *MemoryChain) EnforceChainLock(index *BlockIndex) {
	if index == nil {
		return
	}
	c.lock.Lock()
	if c.locked != nil && index.Height <= c.locked.Height {
		c.lock.Unlock()
		return
	}
	c.locked = index
	if c.tip.HasAncestor(index) {
		c.lock.Unlock()
		return
	}
	c.logger.Info("active tip conflicts with chain lock, reorganizing",
		"tip", c.tip.Hash.ShortString(), "tip-height", c.tip.Height,
		"locked", index.Hash.ShortString(), "locked-height", index.Height)
	events, err := c.applyTipLocked(c.bestDescendantLocked(index))
	listeners := c.snapshotListenersLocked()
	c.lock.Unlock()

	if err != nil {
		c.logger.Error("failed to move tip onto locked branch", "error", err)
		return
	}
	c.fireTipEvents(listeners, events)
}

// LockedTip returns the currently enforced chain-lock index, if any.
func (c *MemoryChain) LockedTip() *BlockIndex {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.locked
}

// bestDescendantLocked returns the highest known header descending from the
// given entry (the entry itself when nothing builds on it).
func (c *MemoryChain) bestDescendantLocked(index *BlockIndex) *BlockIndex {
	best := index
	for _, bi := range c.index {
		if bi.Height > best.Height && bi.HasAncestor(index) {
			best = bi
		}
	}
	return best
}

// applyTipLocked moves the active chain to the given tip and returns the
// events to fire once the lock is released.
func (c *MemoryChain) applyTipLocked(newTip *BlockIndex) (*tipEvents, error) {
	if c.locked != nil && !newTip.HasAncestor(c.locked) {
		return nil, ErrConflictsWithLock
	}

	// Find the fork point between the incumbent and the new tip.
	fork := c.tip
	walk := newTip
	if walk.Height > fork.Height {
		walk = walk.Ancestor(fork.Height)
	} else if fork.Height > walk.Height {
		fork = fork.Ancestor(walk.Height)
	}
	for fork != walk {
		fork = fork.Prev
		walk = walk.Prev
	}

	ev := &tipEvents{newTip: newTip}
	for bi := c.tip; bi != fork; bi = bi.Prev {
		ev.disconnected = append(ev.disconnected, bi)
	}
	for bi := newTip; bi != fork; bi = bi.Prev {
		ev.connected = append(ev.connected, bi)
	}
	for i, j := 0, len(ev.connected)-1; i < j; i, j = i+1, j-1 {
		ev.connected[i], ev.connected[j] = ev.connected[j], ev.connected[i]
	}

	c.active = c.active[:fork.Height+1]
	c.active = append(c.active, ev.connected...)
	c.tip = newTip
	return ev, nil
}

// fireTipEvents delivers disconnects oldest-tip-first, then connects in
// chain order, then the tip update. Runs without the chain lock held so
// listeners can query the chain from the callback.
func (c *MemoryChain) fireTipEvents(listeners []Listener, ev *tipEvents) {
	if ev == nil {
		return
	}
	for _, bi := range ev.disconnected {
		if blk, ok := c.BlockByHash(bi.Hash); ok {
			for _, l := range listeners {
				l.BlockDisconnected(blk, bi)
			}
		}
	}
	for _, bi := range ev.connected {
		if blk, ok := c.BlockByHash(bi.Hash); ok {
			for _, l := range listeners {
				l.BlockConnected(blk, bi)
			}
		}
	}
	for _, l := range listeners {
		l.UpdatedBlockTip(ev.newTip)
	}
}

func (c *MemoryChain) snapshotListenersLocked() []Listener {
	out := make([]Listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}
