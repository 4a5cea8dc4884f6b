// Package store persists quorum commitments and the best chain lock in a
// LevelDB database. Records are stored as opaque bytes; callers own the
// encoding so the store stays reusable across record versions.
package store

import (
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/gitzhang10/LLMQ/chain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Key prefixes. One byte, bitcoin style.
const (
	prefixCommitment = 'c' // 'c' || quorumType || quorumHash -> commitment record
	prefixShare      = 's' // 's' || quorumType || quorumHash -> own secret share
	prefixChainLock  = 'l' // 'l' -> best chain lock record
)

// Database wraps a LevelDB instance holding the node's quorum state.
type Database struct {
	db     *leveldb.DB
	logger hclog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string, logger hclog.Logger) (*Database, error) {
	db, err := leveldb.OpenFile(path, nil)
	if lerrors.IsCorrupted(err) {
		logger.Warn("store corrupted, attempting recovery", "path", path)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &Database{db: db, logger: logger}, nil
}

// OpenMemory opens a database backed by volatile memory storage.
func OpenMemory(logger hclog.Logger) (*Database, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Database{db: db, logger: logger}, nil
}

// Close flushes and closes the underlying database.
func (d *Database) Close() error {
	return d.db.Close()
}

func commitmentKey(quorumType uint8, quorumHash chain.Hash) []byte {
	key := make([]byte, 0, 2+len(quorumHash))
	key = append(key, prefixCommitment, quorumType)
	return append(key, quorumHash[:]...)
}

// SaveCommitment stores the encoded final commitment for a quorum.
func (d *Database) SaveCommitment(quorumType uint8, quorumHash chain.Hash, raw []byte) error {
	return d.db.Put(commitmentKey(quorumType, quorumHash), raw, nil)
}

// GetCommitment loads the encoded final commitment for a quorum.
func (d *Database) GetCommitment(quorumType uint8, quorumHash chain.Hash) ([]byte, error) {
	raw, err := d.db.Get(commitmentKey(quorumType, quorumHash), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return raw, err
}

// HasCommitment reports whether a commitment is stored for the quorum.
func (d *Database) HasCommitment(quorumType uint8, quorumHash chain.Hash) (bool, error) {
	return d.db.Has(commitmentKey(quorumType, quorumHash), nil)
}

// ListCommitments returns all stored commitment records for a quorum type,
// in quorum-hash order. Used to rebuild the quorum registry at startup.
func (d *Database) ListCommitments(quorumType uint8) ([][]byte, error) {
	var out [][]byte
	iter := d.db.NewIterator(util.BytesPrefix([]byte{prefixCommitment, quorumType}), nil)
	defer iter.Release()
	for iter.Next() {
		raw := make([]byte, len(iter.Value()))
		copy(raw, iter.Value())
		out = append(out, raw)
	}
	return out, iter.Error()
}

func shareKey(quorumType uint8, quorumHash chain.Hash) []byte {
	key := make([]byte, 0, 2+len(quorumHash))
	key = append(key, prefixShare, quorumType)
	return append(key, quorumHash[:]...)
}

// SaveShare stores this node's encoded secret share for a quorum it is a
// member of, so the node can keep signing for the quorum after a restart.
func (d *Database) SaveShare(quorumType uint8, quorumHash chain.Hash, raw []byte) error {
	return d.db.Put(shareKey(quorumType, quorumHash), raw, nil)
}

// GetShare loads this node's encoded secret share for a quorum.
func (d *Database) GetShare(quorumType uint8, quorumHash chain.Hash) ([]byte, error) {
	raw, err := d.db.Get(shareKey(quorumType, quorumHash), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return raw, err
}

// SaveBestChainLock stores the encoded best chain lock, replacing any
// previous one. The caller guarantees monotonicity.
func (d *Database) SaveBestChainLock(raw []byte) error {
	return d.db.Put([]byte{prefixChainLock}, raw, nil)
}

// LoadBestChainLock loads the encoded best chain lock persisted by the
// previous run, or ErrNotFound when the node never locked a block.
func (d *Database) LoadBestChainLock() ([]byte, error) {
	raw, err := d.db.Get([]byte{prefixChainLock}, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return raw, err
}
