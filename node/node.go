/*
Package node assembles one cluster member: the TCP transport, the header
chain, the mempool, the quorum registry and signing manager, one DKG
session handler per configured quorum type, and the chain-lock handler.
It owns the dispatch loop that authenticates and routes inbound envelopes
and the broadcast path every subsystem sends through.
*/
package node

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/chainlock"
	"github.com/gitzhang10/LLMQ/config"
	"github.com/gitzhang10/LLMQ/conn"
	"github.com/gitzhang10/LLMQ/dkg"
	"github.com/gitzhang10/LLMQ/mempool"
	"github.com/gitzhang10/LLMQ/metrics"
	"github.com/gitzhang10/LLMQ/quorum"
	"github.com/gitzhang10/LLMQ/store"
)

// seenGossipSize bounds the relay de-duplication cache for gossiped
// payloads (blocks and final commitments).
const seenGossipSize = 4096

type Node struct {
	name   string
	conf   *config.Config
	logger hclog.Logger

	clusterAddr          map[string]string // map from name to address
	clusterPort          map[string]int    // map from name to p2pPort
	clusterAddrWithPorts map[string]uint8  // map from addr:port to index
	maxPool              int

	// Used for ED25519 envelope authentication
	publicKeyMap map[string]ed25519.PublicKey
	privateKey   ed25519.PrivateKey

	trans *conn.NetworkTransport

	db          *store.Database
	chain       *chain.MemoryChain
	pool        *mempool.Pool
	registry    *quorum.Registry
	signer      *quorum.SigningManager
	locks       *chainlock.Handler
	dkgHandlers map[quorum.Type]*dkg.SessionHandler
	collector   *metrics.Collector

	// producers is the round-robin block production order, shared by every
	// node through the sorted cluster names.
	producers []string

	seenGossip *lru.Cache[chain.Hash, struct{}]

	// pendingBlocks parks gossiped blocks whose parent has not arrived
	// yet, keyed by the missing parent hash.
	pendingMu     sync.Mutex
	pendingBlocks map[chain.Hash][]*chain.Block

	started atomic.Bool
	loops   errgroup.Group
	stopCh  chan struct{}
}

// NewNode assembles a node from its configuration. The node is inert
// until StartP2PListen, EstablishP2PConns and Start are called.
func NewNode(conf *config.Config) (*Node, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "llmq-node",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	if len(conf.QuorumTypes) == 0 {
		return nil, errors.New("config names no quorum types")
	}
	types := make([]quorum.Type, 0, len(conf.QuorumTypes))
	for _, raw := range conf.QuorumTypes {
		t := quorum.Type(raw)
		if !quorum.HasParams(t) {
			return nil, fmt.Errorf("config names undefined quorum type %d", raw)
		}
		types = append(types, t)
	}
	if _, ok := conf.ClusterAddr[conf.Name]; !ok {
		return nil, fmt.Errorf("node %q is not part of the configured cluster", conf.Name)
	}

	var db *store.Database
	var err error
	if conf.StorePath != "" {
		db, err = store.Open(conf.StorePath, logger)
	} else {
		db, err = store.OpenMemory(logger)
	}
	if err != nil {
		return nil, err
	}

	mc := chain.NewMemoryChain(logger.Named("chain"))
	pool := mempool.New(logger)
	collector := metrics.NewCollector()
	registry := quorum.NewRegistry(db, logger.Named("quorum"))
	if err := registry.Load(types); err != nil {
		_ = db.Close()
		return nil, err
	}

	names := conf.SortedNames()
	static := &quorum.StaticGroup{
		Members:   names,
		Threshold: len(names) - len(names)/3,
		PubPoly:   conf.TsPublicKey,
		Share:     conf.TsPrivateKey,
	}

	seen, _ := lru.New[chain.Hash, struct{}](seenGossipSize)
	n := &Node{
		name:                 conf.Name,
		conf:                 conf,
		logger:               logger,
		clusterAddr:          conf.ClusterAddr,
		clusterPort:          conf.ClusterPort,
		clusterAddrWithPorts: conf.ClusterAddrWithPorts,
		maxPool:              conf.MaxPool,
		publicKeyMap:         conf.PublicKeyMap,
		privateKey:           conf.PrivateKey,
		db:                   db,
		chain:                mc,
		pool:                 pool,
		registry:             registry,
		collector:            collector,
		producers:            names,
		seenGossip:           seen,
		pendingBlocks:        make(map[chain.Hash][]*chain.Block),
		stopCh:               make(chan struct{}),
	}
	n.signer = quorum.NewSigningManager(conf.Name, registry, static, n, logger.Named("signing"))
	n.locks = chainlock.NewHandler(chainlock.Config{
		QuorumType:     types[0],
		Enabled:        conf.ChainLockEnabled,
		SigningEnabled: conf.ChainLockSigningEnabled,
	}, mc, mc, n.signer, mempool.NoInstantLocks{}, n, db, logger)
	n.signer.RegisterListener(n.locks)

	n.dkgHandlers = make(map[quorum.Type]*dkg.SessionHandler, len(types))
	for _, t := range types {
		params := quorum.GetParams(t)
		h := dkg.NewSessionHandler(t, mc, registry, n, conf.Name,
			conf.DKGPrivateKey, conf.DKGPublicKeyMap, names, logger)
		h.OnPhaseChange(func(p dkg.QuorumPhase) {
			collector.DKGPhase(params.Name, int(p))
		})
		n.dkgHandlers[t] = h
	}

	tap := &metricsTap{collector: collector}
	mc.Subscribe(n.locks)
	mc.Subscribe(pool)
	mc.Subscribe(tap)
	pool.Subscribe(n.locks)
	n.locks.RegisterListener(tap)
	return n, nil
}

// Start launches the chain-lock scheduler, the DKG threads, the dispatch
// loop, and the block producer. StartP2PListen must have succeeded first.
func (n *Node) Start() error {
	if n.trans == nil {
		return errors.New("network transport has not been created")
	}
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("node already started")
	}
	n.locks.Start()
	for _, h := range n.dkgHandlers {
		h.StartThread()
	}
	n.loops.Go(n.handleMsgLoop)
	if n.conf.BlockInterval > 0 {
		n.loops.Go(n.produceBlockLoop)
	}
	n.logger.Info("node started", "name", n.name,
		"cluster", len(n.clusterAddr), "quorum-types", len(n.dkgHandlers))
	return nil
}

// Stop shuts every thread down and joins them, then closes the transport
// and the store.
func (n *Node) Stop() error {
	if !n.started.CompareAndSwap(true, false) {
		return nil
	}
	close(n.stopCh)
	err := n.loops.Wait()
	for _, h := range n.dkgHandlers {
		h.StopThread()
	}
	n.locks.Stop()
	if cerr := n.trans.Close(); err == nil {
		err = cerr
	}
	if cerr := n.db.Close(); err == nil {
		err = cerr
	}
	n.logger.Info("node stopped", "name", n.name)
	return err
}

// Name returns the node's cluster name.
func (n *Node) Name() string { return n.name }

// Chain returns the node's header chain.
func (n *Node) Chain() *chain.MemoryChain { return n.chain }

// Mempool returns the node's transaction pool.
func (n *Node) Mempool() *mempool.Pool { return n.pool }

// ChainLocks returns the chain-lock handler.
func (n *Node) ChainLocks() *chainlock.Handler { return n.locks }

// Registry returns the quorum registry.
func (n *Node) Registry() *quorum.Registry { return n.registry }

// Metrics returns the node's metrics collector.
func (n *Node) Metrics() *metrics.Collector { return n.collector }

// SubmitTransaction admits a transaction id into the local mempool.
func (n *Node) SubmitTransaction(txid chain.Hash) bool {
	return n.pool.Add(txid)
}

// metricsTap feeds chain and lock events into the collector.
type metricsTap struct {
	collector *metrics.Collector
}

var _ chain.Listener = (*metricsTap)(nil)
var _ chainlock.Listener = (*metricsTap)(nil)

func (m *metricsTap) AcceptedBlockHeader(*chain.BlockIndex) {}

func (m *metricsTap) UpdatedBlockTip(index *chain.BlockIndex) {
	m.collector.ChainHeight(index.Height)
}

func (m *metricsTap) BlockConnected(*chain.Block, *chain.BlockIndex) {}

func (m *metricsTap) BlockDisconnected(*chain.Block, *chain.BlockIndex) {}

func (m *metricsTap) NotifyChainLock(index *chain.BlockIndex) {
	m.collector.LockAccepted(index.Height)
}
