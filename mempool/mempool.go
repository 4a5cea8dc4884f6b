// Package mempool is the minimal transaction pool the quorum subsystems
// consume: first-seen notification, membership lookup and removal of
// confirmed transactions. Fees, validation and eviction policy live with
// the full node, not here.
package mempool

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/chainlock"
)

// Listener is notified once per transaction entering the pool. The
// chain-lock handler satisfies it directly.
type Listener interface {
	TransactionAddedToMempool(txid chain.Hash)
}

// Pool tracks pending transaction ids in arrival order. It implements
// chain.Listener so confirmed transactions leave on block connect and
// reorged-out ones return on disconnect.
type Pool struct {
	logger hclog.Logger

	mu        sync.Mutex
	txs       map[chain.Hash]time.Time
	order     []chain.Hash
	listeners []Listener
}

func New(logger hclog.Logger) *Pool {
	return &Pool{
		logger: logger.Named("mempool"),
		txs:    make(map[chain.Hash]time.Time),
	}
}

// Subscribe registers a first-seen notification target.
func (p *Pool) Subscribe(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Add inserts a transaction id and notifies listeners. Returns false when
// the transaction is already pending.
func (p *Pool) Add(txid chain.Hash) bool {
	p.mu.Lock()
	if _, ok := p.txs[txid]; ok {
		p.mu.Unlock()
		return false
	}
	p.txs[txid] = time.Now()
	p.order = append(p.order, txid)
	listeners := make([]Listener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, l := range listeners {
		l.TransactionAddedToMempool(txid)
	}
	return true
}

// Have reports whether the transaction is pending.
func (p *Pool) Have(txid chain.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.txs[txid]
	return ok
}

// Size returns the number of pending transactions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}

// Snapshot returns up to max pending transaction ids in arrival order,
// compacting removed entries as it goes. max <= 0 means all.
func (p *Pool) Snapshot(max int) []chain.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()

	compacted := p.order[:0]
	var out []chain.Hash
	for _, txid := range p.order {
		if _, ok := p.txs[txid]; !ok {
			continue
		}
		compacted = append(compacted, txid)
		if max <= 0 || len(out) < max {
			out = append(out, txid)
		}
	}
	p.order = compacted
	return out
}

// RemoveConfirmed drops transactions that made it into a block.
func (p *Pool) RemoveConfirmed(txids []chain.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, txid := range txids {
		delete(p.txs, txid)
	}
}

// AcceptedBlockHeader implements chain.Listener.
func (p *Pool) AcceptedBlockHeader(index *chain.BlockIndex) {}

// UpdatedBlockTip implements chain.Listener.
func (p *Pool) UpdatedBlockTip(index *chain.BlockIndex) {}

// BlockConnected removes the block's transactions from the pool.
func (p *Pool) BlockConnected(block *chain.Block, index *chain.BlockIndex) {
	p.RemoveConfirmed(block.TxIDs)
}

// BlockDisconnected returns a reorged-out block's transactions to the
// pool. First-seen listeners keep their original stamp, so the waiting
// window does not restart.
func (p *Pool) BlockDisconnected(block *chain.Block, index *chain.BlockIndex) {
	for _, txid := range block.TxIDs {
		p.Add(txid)
	}
}

var _ chain.Listener = (*Pool)(nil)

// NoInstantLocks is the inactive instant-lock provider the daemon wires
// when no instant-send subsystem runs.
type NoInstantLocks struct{}

func (NoInstantLocks) Active() bool { return false }

func (NoInstantLocks) IsLocked(txid chain.Hash) bool { return false }

var _ chainlock.InstantLocker = NoInstantLocks{}
