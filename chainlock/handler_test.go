package chainlock

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/quorum"
	"github.com/gitzhang10/LLMQ/sign"
	"github.com/gitzhang10/LLMQ/store"
)

var (
	_ chain.Listener              = (*Handler)(nil)
	_ quorum.RecoveredSigListener = (*Handler)(nil)
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type islockStub struct {
	mu     sync.Mutex
	all    bool
	locked map[chain.Hash]bool
}

func (s *islockStub) Active() bool { return true }

func (s *islockStub) IsLocked(txid chain.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all || s.locked[txid]
}

func (s *islockStub) lock(txid chain.Hash) {
	s.mu.Lock()
	s.locked[txid] = true
	s.mu.Unlock()
}

type recordingBcast struct {
	mu    sync.Mutex
	locks []*ChainLockSig
}

func (b *recordingBcast) BroadcastChainLock(cls *ChainLockSig) {
	b.mu.Lock()
	b.locks = append(b.locks, cls)
	b.mu.Unlock()
}

func (b *recordingBcast) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.locks)
}

type spySelector struct {
	inner chain.Selector
	mu    sync.Mutex
	calls int
}

func (s *spySelector) EnforceChainLock(index *chain.BlockIndex) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.inner.EnforceChainLock(index)
}

func (s *spySelector) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testEnv struct {
	mc      *chain.MemoryChain
	handler *Handler
	signer  *quorum.SigningManager
	shares  []*share.PriShare
	pubPoly *share.PubPoly
	islock  *islockStub
	bcast   *recordingBcast
	sel     *spySelector
	clock   *fakeClock
}

func devnetConfig() Config {
	return Config{QuorumType: quorum.TypeDevnet, Enabled: true, SigningEnabled: true}
}

// newTestEnv wires a handler against an in-memory chain and a 2-of-3
// static signing group; the local node holds the first share.
func newTestEnv(t *testing.T, cfg Config, db *store.Database) *testEnv {
	t.Helper()
	logger := hclog.NewNullLogger()
	mc := chain.NewMemoryChain(logger)
	names := []string{"a-node", "b-node", "c-node"}
	shares, pubPoly := sign.GenTSKeys(2, 3)
	static := &quorum.StaticGroup{Members: names, Threshold: 2, PubPoly: pubPoly, Share: shares[0]}
	signer := quorum.NewSigningManager("a-node", quorum.NewRegistry(nil, logger), static, nil, logger)

	islock := &islockStub{locked: make(map[chain.Hash]bool)}
	bcast := &recordingBcast{}
	sel := &spySelector{inner: mc}
	clock := &fakeClock{t: time.Now()}

	h := NewHandler(cfg, mc, sel, signer, islock, bcast, db, logger)
	h.nowFn = clock.Now
	mc.Subscribe(h)
	signer.RegisterListener(h)

	return &testEnv{
		mc: mc, handler: h, signer: signer,
		shares: shares, pubPoly: pubPoly,
		islock: islock, bcast: bcast, sel: sel, clock: clock,
	}
}

func (e *testEnv) addBlock(t *testing.T, prev *chain.BlockIndex, producer string, txids ...chain.Hash) *chain.BlockIndex {
	t.Helper()
	b := &chain.Block{
		PrevHash:  prev.Hash,
		Height:    prev.Height + 1,
		TimeStamp: time.Now().UnixNano(),
		Producer:  producer,
		TxIDs:     txids,
	}
	if err := e.mc.AddBlock(b); err != nil {
		t.Fatalf("add block at height %d: %v", b.Height, err)
	}
	bi, ok := e.mc.IndexByHash(b.ComputeHash())
	if !ok {
		t.Fatal("block index missing after add")
	}
	return bi
}

func (e *testEnv) extend(t *testing.T, from *chain.BlockIndex, n int, producer string) []*chain.BlockIndex {
	t.Helper()
	out := make([]*chain.BlockIndex, 0, n)
	prev := from
	for i := 0; i < n; i++ {
		prev = e.addBlock(t, prev, producer)
		out = append(out, prev)
	}
	return out
}

// makeLock produces a chain lock carrying a valid threshold signature of
// the static group.
func (e *testEnv) makeLock(t *testing.T, height int32, blockHash chain.Hash) *ChainLockSig {
	t.Helper()
	requestID := BuildRequestID(height)
	signHash := quorum.BuildSignHash(e.handler.cfg.QuorumType, chain.Hash{}, requestID, blockHash)
	partials := [][]byte{
		sign.SignTSPartial(e.shares[0], signHash.Bytes()),
		sign.SignTSPartial(e.shares[1], signHash.Bytes()),
	}
	sig, err := sign.RecoverTS(partials, e.pubPoly, signHash.Bytes(), 2, 3)
	if err != nil {
		t.Fatalf("recover threshold signature: %v", err)
	}
	return &ChainLockSig{Height: height, BlockHash: blockHash, Signature: sig}
}

func (e *testEnv) lastSignedHeight() int32 {
	e.handler.mu.Lock()
	defer e.handler.mu.Unlock()
	return e.handler.lastSignedHeight
}

func TestBestLockIsMonotonic(t *testing.T) {
	env := newTestEnv(t, devnetConfig(), nil)
	bis := env.extend(t, env.mc.Genesis(), 8, "miner")

	lock5 := env.makeLock(t, 5, bis[4].Hash)
	env.handler.ProcessNewChainLock("b-node", lock5, lock5.Hash())
	if got := env.handler.GetBestChainLock(); got.Height != 5 {
		t.Fatalf("best lock height = %d, want 5", got.Height)
	}

	// A lower lock is remembered but never displaces the best one.
	lock3 := env.makeLock(t, 3, bis[2].Hash)
	env.handler.ProcessNewChainLock("c-node", lock3, lock3.Hash())
	if got := env.handler.GetBestChainLock(); got.Height != 5 {
		t.Fatalf("lower lock displaced the best one, height = %d", got.Height)
	}
	if !env.handler.AlreadyHave(lock3.Hash()) {
		t.Error("lower lock should still be recorded for replay suppression")
	}

	lock8 := env.makeLock(t, 8, bis[7].Hash)
	env.handler.ProcessNewChainLock("b-node", lock8, lock8.Hash())
	if got := env.handler.GetBestChainLock(); got.Height != 8 {
		t.Fatalf("best lock height = %d, want 8", got.Height)
	}

	if _, ok := env.handler.GetChainLockByHash(lock8.Hash()); !ok {
		t.Error("best lock should be retrievable by message id")
	}
	if _, ok := env.handler.GetChainLockByHash(lock5.Hash()); ok {
		t.Error("displaced lock should no longer be retrievable")
	}
}

func TestProcessNewChainLockRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, devnetConfig(), nil)
	bis := env.extend(t, env.mc.Genesis(), 3, "miner")

	var null ChainLockSig
	env.handler.ProcessNewChainLock("b-node", &null, null.Hash())
	if !env.handler.GetBestChainLock().IsNull() {
		t.Fatal("null lock must be ignored")
	}

	bad := env.makeLock(t, 3, bis[2].Hash)
	bad.Signature[0] ^= 0xff
	env.handler.ProcessNewChainLock("b-node", bad, bad.Hash())
	if !env.handler.GetBestChainLock().IsNull() {
		t.Fatal("lock with invalid signature must be rejected")
	}
	if env.handler.AlreadyHave(bad.Hash()) {
		t.Error("rejected lock must not enter the replay cache")
	}
	if env.bcast.count() != 0 {
		t.Error("rejected lock must not be relayed")
	}
}

func TestReplayDoesNotRetriggerEnforcement(t *testing.T) {
	cfg := Config{QuorumType: quorum.TypeDevnet, Enabled: true}
	env := newTestEnv(t, cfg, nil)
	env.handler.Start()
	defer env.handler.Stop()

	bis := env.extend(t, env.mc.Genesis(), 5, "miner")
	lock := env.makeLock(t, 5, bis[4].Hash)

	env.handler.ProcessNewChainLock("b-node", lock, lock.Hash())
	waitUntil(t, 2*time.Second, func() bool { return env.sel.count() >= 1 })
	if env.sel.count() != 1 {
		t.Fatalf("enforcement ran %d times, want 1", env.sel.count())
	}
	before := env.handler.GetBestChainLock()
	relayed := env.bcast.count()

	env.handler.ProcessNewChainLock("c-node", lock, lock.Hash())
	time.Sleep(100 * time.Millisecond)

	if env.sel.count() != 1 {
		t.Errorf("replay re-triggered enforcement, %d calls", env.sel.count())
	}
	if env.bcast.count() != relayed {
		t.Error("replay re-broadcast the lock")
	}
	after := env.handler.GetBestChainLock()
	if after.Height != before.Height || after.BlockHash != before.BlockHash || !bytes.Equal(after.Signature, before.Signature) {
		t.Error("replay changed the best lock")
	}
}

func TestConflictingChainLockSymmetry(t *testing.T) {
	lockSide := func(t *testing.T, lockBeta bool) {
		env := newTestEnv(t, devnetConfig(), nil)
		g := env.mc.Genesis()
		a1 := env.addBlock(t, g, "alpha")
		a2 := env.addBlock(t, a1, "alpha")
		b1 := env.addBlock(t, g, "beta")
		b2 := env.addBlock(t, b1, "beta")

		locked, other := a2, b2
		lockedParent, otherParent := a1, b1
		if lockBeta {
			locked, other = b2, a2
			lockedParent, otherParent = b1, a1
		}

		lock := env.makeLock(t, 2, locked.Hash)
		env.handler.ProcessNewChainLock("b-node", lock, lock.Hash())

		if !env.handler.HasChainLock(2, locked.Hash) {
			t.Error("locked block should report a chain lock")
		}
		if !env.handler.HasChainLock(1, lockedParent.Hash) {
			t.Error("ancestor of the locked block should report a chain lock")
		}
		if env.handler.HasChainLock(2, other.Hash) {
			t.Error("diverging block must not report a chain lock")
		}
		if !env.handler.HasConflictingChainLock(2, other.Hash) {
			t.Error("diverging block at the locked height must conflict")
		}
		if !env.handler.HasConflictingChainLock(1, otherParent.Hash) {
			t.Error("diverging ancestor must conflict")
		}
		if env.handler.HasConflictingChainLock(2, locked.Hash) {
			t.Error("the locked block itself must not conflict")
		}
		if env.handler.HasConflictingChainLock(3, chain.NewHash([]byte("future"))) {
			t.Error("blocks above the locked height cannot conflict yet")
		}
	}

	t.Run("LockAlphaSide", func(t *testing.T) { lockSide(t, false) })
	t.Run("LockBetaSide", func(t *testing.T) { lockSide(t, true) })
}

func TestCleanupSeenLockRetention(t *testing.T) {
	env := newTestEnv(t, devnetConfig(), nil)
	now := env.clock.Now()
	old := chain.NewHash([]byte("old-lock"))
	fresh := chain.NewHash([]byte("fresh-lock"))

	env.handler.mu.Lock()
	env.handler.seenChainLocks[old] = now.Add(-25 * time.Hour)
	env.handler.seenChainLocks[fresh] = now.Add(-1 * time.Hour)
	env.handler.mu.Unlock()

	env.handler.Cleanup()

	if env.handler.AlreadyHave(old) {
		t.Error("25h old entry survived cleanup")
	}
	if !env.handler.AlreadyHave(fresh) {
		t.Error("1h old entry was evicted")
	}
}

func TestCleanupPrunesStaleBlockTxs(t *testing.T) {
	env := newTestEnv(t, devnetConfig(), nil)
	txA := chain.NewHash([]byte("tx-a"))
	b1 := env.addBlock(t, env.mc.Genesis(), "miner", txA)
	if env.handler.GetBlockTxs(b1.Hash) == nil {
		t.Fatal("connected block should have a transaction set")
	}

	// A block the chain never heard of, and aged first-seen entries.
	gone := chain.NewHash([]byte("unknown-block"))
	txB := chain.NewHash([]byte("tx-b"))
	txC := chain.NewHash([]byte("tx-c"))
	now := env.clock.Now()
	env.handler.mu.Lock()
	env.handler.blockTxs[gone] = TxSet{txB: {}}
	env.handler.txFirstSeenTime[txB] = now.Add(-time.Minute)
	env.handler.txFirstSeenTime[txC] = now.Add(-7 * time.Hour)
	env.handler.mu.Unlock()

	env.handler.Cleanup()

	if env.handler.GetBlockTxs(gone) != nil {
		t.Error("transaction set of an unknown block survived cleanup")
	}
	if env.handler.GetBlockTxs(b1.Hash) == nil {
		t.Error("transaction set of a recent active block was evicted")
	}
	env.handler.mu.Lock()
	_, haveB := env.handler.txFirstSeenTime[txB]
	_, haveC := env.handler.txFirstSeenTime[txC]
	env.handler.mu.Unlock()
	if haveB {
		t.Error("first-seen entry of a pruned block survived")
	}
	if haveC {
		t.Error("aged first-seen entry survived")
	}
}

func TestSafeToSignTiming(t *testing.T) {
	env := newTestEnv(t, devnetConfig(), nil)
	txA := chain.NewHash([]byte("tx-a"))
	env.handler.TransactionAddedToMempool(txA)
	env.addBlock(t, env.mc.Genesis(), "miner", txA)

	env.handler.TrySignChainTip()
	if env.lastSignedHeight() != -1 {
		t.Fatal("signed immediately despite unlocked transaction")
	}

	env.clock.Advance(599 * time.Second)
	env.handler.TrySignChainTip()
	if env.lastSignedHeight() != -1 {
		t.Fatal("signed before the waiting window elapsed")
	}

	env.clock.Advance(time.Second)
	env.handler.TrySignChainTip()
	if env.lastSignedHeight() != 1 {
		t.Fatalf("tip not signed once the window elapsed, lastSigned = %d", env.lastSignedHeight())
	}
}

func TestInstantLockedTxSignsImmediately(t *testing.T) {
	env := newTestEnv(t, devnetConfig(), nil)
	txA := chain.NewHash([]byte("tx-a"))
	env.handler.TransactionAddedToMempool(txA)
	env.islock.lock(txA)
	env.addBlock(t, env.mc.Genesis(), "miner", txA)

	env.handler.TrySignChainTip()
	if env.lastSignedHeight() != 1 {
		t.Fatal("instant-locked transaction should not delay signing")
	}
}

func TestInactiveInstantLocksSkipSafetyWalk(t *testing.T) {
	env := newTestEnv(t, devnetConfig(), nil)
	env.handler.islock = nil

	txA := chain.NewHash([]byte("tx-a"))
	env.handler.TransactionAddedToMempool(txA)
	env.addBlock(t, env.mc.Genesis(), "miner", txA)

	env.handler.TrySignChainTip()
	if env.lastSignedHeight() != 1 {
		t.Fatal("without instant-lock tracking the tip should sign immediately")
	}
	if !env.handler.IsTxSafeForMining(txA) {
		t.Error("without instant-lock tracking every transaction is safe")
	}
}

func TestIsTxSafeForMining(t *testing.T) {
	env := newTestEnv(t, devnetConfig(), nil)
	txA := chain.NewHash([]byte("tx-a"))
	txB := chain.NewHash([]byte("tx-b"))
	env.handler.TransactionAddedToMempool(txA)

	if env.handler.IsTxSafeForMining(txA) {
		t.Error("fresh transaction should not be safe")
	}
	if env.handler.IsTxSafeForMining(chain.NewHash([]byte("never-seen"))) {
		t.Error("unknown transaction should not be safe")
	}

	env.islock.lock(txB)
	if !env.handler.IsTxSafeForMining(txB) {
		t.Error("instant-locked transaction should be safe")
	}

	env.clock.Advance(WaitForInstantLockTimeout)
	if !env.handler.IsTxSafeForMining(txA) {
		t.Error("aged transaction should be safe")
	}

	disabled := newTestEnv(t, Config{QuorumType: quorum.TypeDevnet}, nil)
	if !disabled.handler.IsTxSafeForMining(txA) {
		t.Error("everything is safe when chain locks are disabled")
	}
}

func TestRecoveredSigBecomesLock(t *testing.T) {
	logger := hclog.NewNullLogger()
	mc := chain.NewMemoryChain(logger)
	shares, pubPoly := sign.GenTSKeys(1, 1)
	static := &quorum.StaticGroup{Members: []string{"solo-node"}, Threshold: 1, PubPoly: pubPoly, Share: shares[0]}
	signer := quorum.NewSigningManager("solo-node", quorum.NewRegistry(nil, logger), static, nil, logger)

	islock := &islockStub{all: true, locked: make(map[chain.Hash]bool)}
	bcast := &recordingBcast{}
	sel := &spySelector{inner: mc}
	h := NewHandler(devnetConfig(), mc, sel, signer, islock, bcast, nil, logger)
	mc.Subscribe(h)
	signer.RegisterListener(h)

	b := &chain.Block{
		PrevHash:  mc.Genesis().Hash,
		Height:    1,
		TimeStamp: time.Now().UnixNano(),
		Producer:  "solo-node",
		TxIDs:     []chain.Hash{chain.NewHash([]byte("tx"))},
	}
	if err := mc.AddBlock(b); err != nil {
		t.Fatalf("add block: %v", err)
	}
	b1, _ := mc.IndexByHash(b.ComputeHash())

	// With a 1-of-1 group the own share completes the signature, the
	// recovery listener fires synchronously and the lock is accepted.
	h.TrySignChainTip()

	best := h.GetBestChainLock()
	if best.IsNull() || best.Height != 1 || best.BlockHash != b1.Hash {
		t.Fatalf("expected lock for the signed tip, got %s", best.String())
	}
	if bcast.count() != 1 {
		t.Fatalf("lock broadcast %d times, want 1", bcast.count())
	}

	h.EnforceBestChainLock()
	if lt := mc.LockedTip(); lt == nil || lt.Hash != b1.Hash {
		t.Fatal("enforcement did not pin the locked block")
	}

	// Same height never signs twice.
	h.TrySignChainTip()
	if bcast.count() != 1 {
		t.Error("re-signing the same height produced another lock")
	}
}

func TestLockForUnknownBlockDefersEnforcement(t *testing.T) {
	env := newTestEnv(t, devnetConfig(), nil)
	bis := env.extend(t, env.mc.Genesis(), 2, "miner")

	late := &chain.Block{
		PrevHash:  bis[1].Hash,
		Height:    3,
		TimeStamp: time.Now().UnixNano(),
		Producer:  "late",
	}
	lateHash := late.ComputeHash()

	lock := env.makeLock(t, 3, lateHash)
	env.handler.ProcessNewChainLock("b-node", lock, lock.Hash())

	if got := env.handler.GetBestChainLock(); got.Height != 3 {
		t.Fatal("lock for an unknown block should still become best")
	}
	if env.handler.HasChainLock(3, lateHash) {
		t.Fatal("lock without a known block cannot answer chain queries yet")
	}

	// The block arrives; the header listener promotes the lock.
	if err := env.mc.AddBlock(late); err != nil {
		t.Fatalf("add late block: %v", err)
	}
	if !env.handler.HasChainLock(3, lateHash) {
		t.Fatal("lock not promoted when its block arrived")
	}
}

func TestBestLockPersistsAcrossRestart(t *testing.T) {
	db, err := store.OpenMemory(hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	env := newTestEnv(t, devnetConfig(), db)
	bis := env.extend(t, env.mc.Genesis(), 5, "miner")
	lock := env.makeLock(t, 5, bis[4].Hash)
	env.handler.ProcessNewChainLock("b-node", lock, lock.Hash())

	restarted := NewHandler(devnetConfig(), env.mc, env.sel, env.signer, env.islock, env.bcast, db, hclog.NewNullLogger())
	restarted.nowFn = env.clock.Now
	restarted.restoreBestLock()

	got := restarted.GetBestChainLock()
	if got.Height != 5 || got.BlockHash != bis[4].Hash {
		t.Fatalf("restored lock = %s, want height 5", got.String())
	}
	if !restarted.AlreadyHave(lock.Hash()) {
		t.Error("restored lock missing from the replay cache")
	}
	if !restarted.HasChainLock(5, bis[4].Hash) {
		t.Error("restored lock should answer chain queries")
	}
}

func TestDisabledHandlerIgnoresEverything(t *testing.T) {
	env := newTestEnv(t, Config{QuorumType: quorum.TypeDevnet}, nil)
	bis := env.extend(t, env.mc.Genesis(), 3, "miner")

	lock := env.makeLock(t, 3, bis[2].Hash)
	env.handler.ProcessNewChainLock("b-node", lock, lock.Hash())

	if !env.handler.GetBestChainLock().IsNull() {
		t.Error("disabled handler accepted a lock")
	}
	if env.handler.HasChainLock(3, bis[2].Hash) {
		t.Error("disabled handler answered a lock query")
	}
	env.handler.TrySignChainTip()
	if env.lastSignedHeight() != -1 {
		t.Error("disabled handler attempted to sign")
	}
}
