package chainlock

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/quorum"
	"github.com/gitzhang10/LLMQ/store"
)

const (
	// CleanupInterval is how often the retention pass runs.
	CleanupInterval = 30 * time.Second

	// CleanupSeenTimeout bounds how long a chain-lock message hash is
	// remembered for replay suppression.
	CleanupSeenTimeout = 24 * time.Hour

	// WaitForInstantLockTimeout is how long a transaction without an
	// instant lock must have been known before a block containing it may
	// be signed. The window gives a conflicting transaction time to show
	// up before the block becomes irreversible.
	WaitForInstantLockTimeout = 600 * time.Second

	// islockWalkDepth bounds how many recent blocks below the tip are
	// checked for unsafe transactions before signing.
	islockWalkDepth = 5

	// blockTxRetention bounds how long per-block transaction sets and
	// first-seen times are kept once a block is buried or abandoned.
	blockTxRetention = time.Hour

	// signAttemptInterval is the cadence of periodic signing attempts, so
	// a tip that only becomes safe through the passage of time still gets
	// signed without a new block arriving.
	signAttemptInterval = 5 * time.Second
)

// InstantLocker reports per-transaction instant-lock status. A locked
// transaction is exempt from the first-seen waiting window. When the
// subsystem reports inactive, the signing safety walk is skipped and
// every transaction counts as safe.
type InstantLocker interface {
	Active() bool
	IsLocked(txid chain.Hash) bool
}

// Broadcaster relays accepted and locally produced chain locks to peers.
// Fire and forget; receivers de-duplicate via AlreadyHave.
type Broadcaster interface {
	BroadcastChainLock(cls *ChainLockSig)
}

// Listener is notified when a newly enforced chain-lock block takes effect.
// At most one notification is delivered per locked block.
type Listener interface {
	NotifyChainLock(index *chain.BlockIndex)
}

// Config carries the handler's static switches.
type Config struct {
	// QuorumType selects which quorums sign and verify chain locks.
	QuorumType quorum.Type
	// Enabled turns processing and enforcement of chain locks on.
	Enabled bool
	// SigningEnabled additionally lets this node initiate signing of the
	// chain tip. Requires Enabled.
	SigningEnabled bool
}

// TxSet is the transaction-id set of one connected block. The handler's
// blockTxs map owns the canonical set; GetBlockTxs hands out the same
// reference, and callers must treat it as read-only.
type TxSet map[chain.Hash]struct{}

// Handler coordinates chain locks: it decides when the tip is safe to
// sign, accepts and verifies locks from peers, answers conflict queries
// and enforces the best lock against chain selection.
//
// All mutable state lives behind one mutex. Signature verification and
// chain queries happen before the mutex is taken, so critical sections
// stay pure data manipulation.
type Handler struct {
	logger   hclog.Logger
	cfg      Config
	view     chain.View
	selector chain.Selector
	signer   *quorum.SigningManager
	islock   InstantLocker
	bcast    Broadcaster
	db       *store.Database
	sched    *Scheduler

	nowFn func() time.Time

	mu                sync.Mutex
	bestChainLockHash chain.Hash
	bestChainLock     ChainLockSig

	bestChainLockWithKnownBlock ChainLockSig
	bestChainLockBlockIndex     *chain.BlockIndex

	lastNotifyChainLockBlockIndex *chain.BlockIndex

	lastSignedHeight    int32
	lastSignedRequestID chain.Hash
	lastSignedMsgHash   chain.Hash

	blockTxs        map[chain.Hash]TxSet
	txFirstSeenTime map[chain.Hash]time.Time
	seenChainLocks  map[chain.Hash]time.Time

	trySignScheduled bool
	listeners        []Listener
}

// NewHandler wires the coordinator. db may be nil to skip persistence and
// islock may be nil when no instant-lock provider exists.
func NewHandler(cfg Config, view chain.View, selector chain.Selector, signer *quorum.SigningManager,
	islock InstantLocker, bcast Broadcaster, db *store.Database, logger hclog.Logger) *Handler {

	return &Handler{
		logger:           logger.Named("chainlock"),
		cfg:              cfg,
		view:             view,
		selector:         selector,
		signer:           signer,
		islock:           islock,
		bcast:            bcast,
		db:               db,
		sched:            NewScheduler(logger),
		nowFn:            time.Now,
		lastSignedHeight: -1,
		blockTxs:         make(map[chain.Hash]TxSet),
		txFirstSeenTime:  make(map[chain.Hash]time.Time),
		seenChainLocks:   make(map[chain.Hash]time.Time),
	}
}

// Start restores the persisted best lock, registers the periodic tasks and
// launches the scheduler thread.
func (h *Handler) Start() {
	h.restoreBestLock()
	h.sched.RepeatEvery("cleanup", CleanupInterval, h.Cleanup)
	if h.cfg.Enabled && h.cfg.SigningEnabled {
		h.sched.RepeatEvery("try-sign-tip", signAttemptInterval, h.TrySignChainTip)
	}
	h.sched.Start()
}

// Stop halts the scheduler thread and joins it.
func (h *Handler) Stop() {
	h.sched.Stop()
}

// RegisterListener adds a chain-lock notification target.
func (h *Handler) RegisterListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *Handler) restoreBestLock() {
	if h.db == nil {
		return
	}
	raw, err := h.db.LoadBestChainLock()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("failed to load persisted chain lock", "err", err)
		}
		return
	}
	var cls ChainLockSig
	if err := cls.Decode(raw); err != nil {
		h.logger.Error("failed to decode persisted chain lock", "err", err)
		return
	}
	bi, known := h.view.IndexByHash(cls.BlockHash)

	h.mu.Lock()
	h.bestChainLockHash = cls.Hash()
	h.bestChainLock = cls
	h.seenChainLocks[cls.Hash()] = h.nowFn()
	if known {
		h.bestChainLockWithKnownBlock = cls
		h.bestChainLockBlockIndex = bi
	}
	h.mu.Unlock()

	h.logger.Info("restored best chain lock", "clsig", cls.String(), "blockKnown", known)
	if known {
		h.sched.Schedule("enforce-chain-lock", 0, h.EnforceBestChainLock)
	}
}

// ProcessNewChainLock verifies and accepts a chain lock. from is empty for
// locks produced locally. hash is the message id, normally cls.Hash().
//
// A lock below or at the current best height is remembered for replay
// suppression but never displaces the best lock.
func (h *Handler) ProcessNewChainLock(from string, cls *ChainLockSig, hash chain.Hash) {
	if !h.cfg.Enabled || cls.IsNull() {
		return
	}

	h.mu.Lock()
	_, seen := h.seenChainLocks[hash]
	h.mu.Unlock()
	if seen {
		return
	}

	// Signature verification runs outside the state mutex.
	requestID := BuildRequestID(cls.Height)
	if _, err := h.signer.VerifyRecoveredSig(h.cfg.QuorumType, requestID, cls.BlockHash, cls.Signature); err != nil {
		h.logger.Warn("rejecting chain lock with invalid signature",
			"from", from, "clsig", cls.String(), "err", err)
		return
	}
	bi, known := h.view.IndexByHash(cls.BlockHash)

	h.mu.Lock()
	if _, raced := h.seenChainLocks[hash]; raced {
		h.mu.Unlock()
		return
	}
	h.seenChainLocks[hash] = h.nowFn()

	if !h.bestChainLock.IsNull() && cls.Height <= h.bestChainLock.Height {
		if cls.Height == h.bestChainLock.Height && cls.BlockHash != h.bestChainLock.BlockHash {
			h.logger.Warn("conflicting chain lock at best height",
				"have", h.bestChainLock.String(), "got", cls.String(), "from", from)
		}
		h.mu.Unlock()
		return
	}
	h.bestChainLockHash = hash
	h.bestChainLock = *cls
	enforce := false
	if known {
		h.bestChainLockWithKnownBlock = *cls
		h.bestChainLockBlockIndex = bi
		enforce = true
	}
	h.mu.Unlock()

	h.logger.Info("new best chain lock", "clsig", cls.String(), "from", from, "blockKnown", known)
	h.persistBestLock(cls)
	if enforce {
		h.sched.Schedule("enforce-chain-lock", 0, h.EnforceBestChainLock)
	}
	if h.bcast != nil {
		h.bcast.BroadcastChainLock(cls)
	}
}

func (h *Handler) persistBestLock(cls *ChainLockSig) {
	if h.db == nil {
		return
	}
	raw, err := cls.Encode()
	if err != nil {
		h.logger.Error("failed to encode chain lock", "err", err)
		return
	}
	if err := h.db.SaveBestChainLock(raw); err != nil {
		h.logger.Error("failed to persist chain lock", "err", err)
	}
}

// AcceptedBlockHeader promotes a best lock whose block just became known
// locally, so enforcement can catch up with a lock that arrived first.
func (h *Handler) AcceptedBlockHeader(index *chain.BlockIndex) {
	h.mu.Lock()
	enforce := false
	if !h.bestChainLock.IsNull() && h.bestChainLock.BlockHash == index.Hash && h.bestChainLockBlockIndex == nil {
		h.bestChainLockWithKnownBlock = h.bestChainLock
		h.bestChainLockBlockIndex = index
		enforce = true
	}
	h.mu.Unlock()

	if enforce {
		h.logger.Debug("block for pending chain lock arrived", "block", index.Hash.ShortString())
		h.sched.Schedule("enforce-chain-lock", 0, h.EnforceBestChainLock)
	}
}

// UpdatedBlockTip queues a signing attempt on the scheduler thread. The
// callback itself stays cheap; at most one attempt is queued at a time.
func (h *Handler) UpdatedBlockTip(index *chain.BlockIndex) {
	if !h.cfg.Enabled || !h.cfg.SigningEnabled {
		return
	}
	h.mu.Lock()
	if h.trySignScheduled {
		h.mu.Unlock()
		return
	}
	h.trySignScheduled = true
	h.mu.Unlock()

	h.sched.Schedule("try-sign-tip", 0, func() {
		h.mu.Lock()
		h.trySignScheduled = false
		h.mu.Unlock()
		h.TrySignChainTip()
	})
}

// BlockConnected records the transaction set of a block joining the active
// chain; TrySignChainTip consults it for instant-lock coverage.
func (h *Handler) BlockConnected(block *chain.Block, index *chain.BlockIndex) {
	if !h.cfg.Enabled {
		return
	}
	txs := make(TxSet, len(block.TxIDs))
	for _, txid := range block.TxIDs {
		txs[txid] = struct{}{}
	}
	h.mu.Lock()
	h.blockTxs[index.Hash] = txs
	h.mu.Unlock()
}

// BlockDisconnected drops the transaction set of a block leaving the
// active chain.
func (h *Handler) BlockDisconnected(block *chain.Block, index *chain.BlockIndex) {
	h.mu.Lock()
	delete(h.blockTxs, index.Hash)
	h.mu.Unlock()
}

// TransactionAddedToMempool stamps the first time a transaction was seen.
// The stamp is never refreshed; the waiting window counts from first sight.
func (h *Handler) TransactionAddedToMempool(txid chain.Hash) {
	if !h.cfg.Enabled {
		return
	}
	h.mu.Lock()
	if _, ok := h.txFirstSeenTime[txid]; !ok {
		h.txFirstSeenTime[txid] = h.nowFn()
	}
	h.mu.Unlock()
}

// GetBlockTxs returns the recorded transaction set of a connected block,
// or nil when none is known. The returned set is shared; treat it as
// read-only.
func (h *Handler) GetBlockTxs(blockHash chain.Hash) TxSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blockTxs[blockHash]
}

// txAge returns how long the transaction has been known. An unknown
// transaction has age zero, which counts as just seen.
func (h *Handler) txAge(txid chain.Hash, now time.Time) time.Duration {
	h.mu.Lock()
	ts, ok := h.txFirstSeenTime[txid]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return now.Sub(ts)
}

func (h *Handler) instantLocksActive() bool {
	return h.islock != nil && h.islock.Active()
}

// CheckActiveState re-evaluates whether enforcement applies and, when a
// known locked block exists, re-applies it. Called on tip updates so a
// reorganized tip cannot stay ahead of the lock.
func (h *Handler) CheckActiveState() {
	if !h.cfg.Enabled {
		return
	}
	h.mu.Lock()
	have := h.bestChainLockBlockIndex != nil
	h.mu.Unlock()
	if have {
		h.sched.Schedule("enforce-chain-lock", 0, h.EnforceBestChainLock)
	}
}

// TrySignChainTip initiates a threshold signature over the current tip if
// the node participates in signing, the tip is above every known lock, and
// every transaction in the recent blocks is covered by an instant lock or
// has aged past the waiting window. The same height is never signed twice.
func (h *Handler) TrySignChainTip() {
	if !h.cfg.Enabled || !h.cfg.SigningEnabled {
		return
	}
	tip := h.view.Tip()
	if tip == nil || tip.Height <= 0 {
		return
	}

	h.mu.Lock()
	if tip.Height == h.lastSignedHeight {
		h.mu.Unlock()
		return
	}
	if !h.bestChainLock.IsNull() && h.bestChainLock.Height >= tip.Height {
		h.mu.Unlock()
		return
	}
	lockedHeight := int32(-1)
	if h.bestChainLockBlockIndex != nil {
		lockedHeight = h.bestChainLockBlockIndex.Height
	}
	h.mu.Unlock()

	if h.instantLocksActive() {
		now := h.nowFn()
		for walk := tip; walk != nil; walk = walk.Prev {
			if walk.Height <= lockedHeight {
				// Everything below the enforced lock is already final.
				break
			}
			if walk.Height <= tip.Height-islockWalkDepth {
				break
			}
			txs := h.GetBlockTxs(walk.Hash)
			if txs == nil {
				// No record of this block's contents, it connected before
				// we started watching. Old blocks pass, fresh ones wait.
				if now.Sub(time.Unix(0, walk.TimeStamp)) < WaitForInstantLockTimeout {
					return
				}
				continue
			}
			for txid := range txs {
				if h.islock.IsLocked(txid) {
					continue
				}
				if h.txAge(txid, now) < WaitForInstantLockTimeout {
					h.logger.Debug("tip not safe to sign yet",
						"height", tip.Height, "block", walk.Hash.ShortString(), "tx", txid.ShortString())
					return
				}
			}
		}
	}

	requestID := BuildRequestID(tip.Height)

	h.mu.Lock()
	if tip.Height == h.lastSignedHeight {
		h.mu.Unlock()
		return
	}
	h.lastSignedHeight = tip.Height
	h.lastSignedRequestID = requestID
	h.lastSignedMsgHash = tip.Hash
	h.mu.Unlock()

	h.logger.Info("signing chain tip", "height", tip.Height, "block", tip.Hash.ShortString())
	h.signer.AsyncSignIfMember(h.cfg.QuorumType, requestID, tip.Hash)
}

// HandleNewRecoveredSig assembles a chain lock from a completed threshold
// signature for the height this node last signed and feeds it through the
// regular acceptance path.
func (h *Handler) HandleNewRecoveredSig(rs *quorum.RecoveredSig) {
	if !h.cfg.Enabled {
		return
	}
	h.mu.Lock()
	if rs.ID != h.lastSignedRequestID {
		h.mu.Unlock()
		return
	}
	cls := &ChainLockSig{
		Height:    h.lastSignedHeight,
		BlockHash: h.lastSignedMsgHash,
		Signature: rs.Sig,
	}
	h.mu.Unlock()

	if cls.BlockHash != rs.MsgHash {
		h.logger.Error("recovered signature is for a different block than we signed",
			"signed", cls.BlockHash.ShortString(), "recovered", rs.MsgHash.ShortString())
		return
	}
	h.ProcessNewChainLock("", cls, cls.Hash())
}

// EnforceBestChainLock pins chain selection to the locked block and
// notifies listeners once per newly enforced block. Runs on the scheduler
// thread.
func (h *Handler) EnforceBestChainLock() {
	if !h.cfg.Enabled {
		return
	}
	h.mu.Lock()
	index := h.bestChainLockBlockIndex
	h.mu.Unlock()
	if index == nil {
		return
	}

	h.selector.EnforceChainLock(index)

	h.mu.Lock()
	var notify []Listener
	if h.lastNotifyChainLockBlockIndex != index {
		h.lastNotifyChainLockBlockIndex = index
		notify = append(notify, h.listeners...)
	}
	h.mu.Unlock()

	for _, l := range notify {
		l.NotifyChainLock(index)
	}
}

// Cleanup evicts aged replay-cache entries and per-block transaction
// bookkeeping for blocks that left the active chain or grew old.
func (h *Handler) Cleanup() {
	now := h.nowFn()

	h.mu.Lock()
	for hash, ts := range h.seenChainLocks {
		if now.Sub(ts) >= CleanupSeenTimeout {
			delete(h.seenChainLocks, hash)
		}
	}
	blockHashes := make([]chain.Hash, 0, len(h.blockTxs))
	for hash := range h.blockTxs {
		blockHashes = append(blockHashes, hash)
	}
	h.mu.Unlock()

	// Chain queries happen with the mutex released.
	for _, hash := range blockHashes {
		index, ok := h.view.IndexByHash(hash)
		stale := !ok || !h.view.Contains(index) ||
			now.Sub(time.Unix(0, index.TimeStamp)) >= blockTxRetention
		if !stale {
			continue
		}
		h.mu.Lock()
		for txid := range h.blockTxs[hash] {
			delete(h.txFirstSeenTime, txid)
		}
		delete(h.blockTxs, hash)
		h.mu.Unlock()
	}

	h.mu.Lock()
	for txid, ts := range h.txFirstSeenTime {
		if now.Sub(ts) >= blockTxRetention {
			delete(h.txFirstSeenTime, txid)
		}
	}
	h.mu.Unlock()
}

// HasChainLock reports whether the block at the given height on the locked
// chain is exactly blockHash.
func (h *Handler) HasChainLock(height int32, blockHash chain.Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cfg.Enabled || h.bestChainLockBlockIndex == nil {
		return false
	}
	if height > h.bestChainLockBlockIndex.Height {
		return false
	}
	anc := h.bestChainLockBlockIndex.Ancestor(height)
	return anc != nil && anc.Hash == blockHash
}

// HasConflictingChainLock reports whether an enforced lock pins a chain
// that diverges from blockHash at the given height. A hash on the locked
// chain itself, or above the locked height, never conflicts.
func (h *Handler) HasConflictingChainLock(height int32, blockHash chain.Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cfg.Enabled || h.bestChainLockBlockIndex == nil {
		return false
	}
	if height > h.bestChainLockBlockIndex.Height {
		return false
	}
	anc := h.bestChainLockBlockIndex.Ancestor(height)
	return anc != nil && anc.Hash != blockHash
}

// GetBestChainLock returns a copy of the best known lock; IsNull holds
// when none was accepted yet.
func (h *Handler) GetBestChainLock() ChainLockSig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bestChainLock
}

// GetChainLockByHash returns the lock for the given message id. Only the
// current best is retained.
func (h *Handler) GetChainLockByHash(hash chain.Hash) (*ChainLockSig, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bestChainLock.IsNull() || hash != h.bestChainLockHash {
		return nil, false
	}
	cls := h.bestChainLock
	return &cls, true
}

// AlreadyHave reports whether the message id was processed before; the
// transport consults it before relaying.
func (h *Handler) AlreadyHave(hash chain.Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.seenChainLocks[hash]
	return ok
}

// IsTxSafeForMining reports whether a block template may include the
// transaction without risking an unsignable block.
func (h *Handler) IsTxSafeForMining(txid chain.Hash) bool {
	if !h.cfg.Enabled || !h.cfg.SigningEnabled || !h.instantLocksActive() {
		return true
	}
	if h.islock.IsLocked(txid) {
		return true
	}
	return h.txAge(txid, h.nowFn()) >= WaitForInstantLockTimeout
}
