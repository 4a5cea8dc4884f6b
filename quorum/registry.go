package quorum

import (
	"bytes"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/sign"
	"github.com/gitzhang10/LLMQ/store"
)

type registryKey struct {
	t Type
	h chain.Hash
}

// Registry tracks all formed quorums the node knows about, persists their
// commitments, and answers quorum-assignment queries for signing sessions.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[registryKey]*Quorum
	byType map[Type][]*Quorum // newest first
	db     *store.Database    // nil for memory-only registries in tests
	logger hclog.Logger
}

// NewRegistry creates an empty registry backed by db. db may be nil, in
// which case nothing is persisted.
func NewRegistry(db *store.Database, logger hclog.Logger) *Registry {
	return &Registry{
		byKey:  make(map[registryKey]*Quorum),
		byType: make(map[Type][]*Quorum),
		db:     db,
		logger: logger,
	}
}

// Load rebuilds the registry from persisted commitments for the given
// quorum types. Commitments that no longer verify are skipped with a log
// line rather than failing the whole startup.
func (r *Registry) Load(types []Type) error {
	if r.db == nil {
		return nil
	}
	for _, t := range types {
		params := GetParams(t)
		records, err := r.db.ListCommitments(uint8(t))
		if err != nil {
			return err
		}
		for _, raw := range records {
			fc, err := DecodeFinalCommitment(raw)
			if err != nil {
				r.logger.Warn("skipping undecodable commitment record", "type", t, "error", err)
				continue
			}
			if err := fc.Verify(params); err != nil {
				r.logger.Warn("skipping invalid persisted commitment",
					"type", t, "quorum", fc.QuorumHash.ShortString(), "error", err)
				continue
			}
			var sh *share.PriShare
			if rawShare, err := r.db.GetShare(uint8(t), fc.QuorumHash); err == nil {
				if sh, err = sign.DecodeTSPartialKey(rawShare); err != nil {
					r.logger.Warn("stored quorum share is unreadable, continuing without it",
						"quorum", fc.QuorumHash.ShortString(), "error", err)
					sh = nil
				}
			}
			q, err := NewQuorumFromCommitment(fc, sh)
			if err != nil {
				continue
			}
			r.insert(q)
		}
	}
	return nil
}

// AddCommitment registers a formed quorum from its verified commitment and,
// when this node is a member, its secret share. Re-adding a known quorum is
// a no-op apart from attaching a share that was missing before.
func (r *Registry) AddCommitment(fc *FinalCommitment, sh *share.PriShare) (*Quorum, error) {
	r.mu.Lock()
	k := registryKey{t: fc.QuorumType, h: fc.QuorumHash}
	if existing, ok := r.byKey[k]; ok {
		if existing.Share == nil && sh != nil {
			existing.Share = sh
		}
		r.mu.Unlock()
		return existing, r.persist(fc, sh)
	}
	q, err := NewQuorumFromCommitment(fc, sh)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.insertLocked(q)
	r.mu.Unlock()

	r.logger.Info("quorum registered",
		"type", fc.QuorumType, "height", fc.QuorumHeight,
		"quorum", fc.QuorumHash.ShortString(),
		"members", len(fc.Members), "member", sh != nil)
	return q, r.persist(fc, sh)
}

func (r *Registry) persist(fc *FinalCommitment, sh *share.PriShare) error {
	if r.db == nil {
		return nil
	}
	raw, err := fc.Encode()
	if err != nil {
		return err
	}
	if err := r.db.SaveCommitment(uint8(fc.QuorumType), fc.QuorumHash, raw); err != nil {
		return err
	}
	if sh != nil {
		rawShare, err := sign.EncodeTSPartialKey(sh)
		if err != nil {
			return err
		}
		return r.db.SaveShare(uint8(fc.QuorumType), fc.QuorumHash, rawShare)
	}
	return nil
}

func (r *Registry) insert(q *Quorum) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(q)
}

func (r *Registry) insertLocked(q *Quorum) {
	k := registryKey{t: q.Params.Type, h: q.Hash}
	if _, ok := r.byKey[k]; ok {
		return
	}
	r.byKey[k] = q
	list := append(r.byType[q.Params.Type], q)
	sort.Slice(list, func(i, j int) bool {
		if list[i].Height != list[j].Height {
			return list[i].Height > list[j].Height
		}
		return bytes.Compare(list[i].Hash[:], list[j].Hash[:]) < 0
	})
	r.byType[q.Params.Type] = list
}

// GetQuorum returns the quorum with the given hash, or nil.
func (r *Registry) GetQuorum(t Type, hash chain.Hash) *Quorum {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[registryKey{t: t, h: hash}]
}

// ScanQuorums returns up to count quorums of the type, newest first.
func (r *Registry) ScanQuorums(t Type, count int) []*Quorum {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byType[t]
	if count > len(list) {
		count = len(list)
	}
	out := make([]*Quorum, count)
	copy(out, list[:count])
	return out
}

// SelectQuorumForSigning deterministically picks the active quorum
// responsible for a signing request. All nodes rank the active quorums by
// the hash of the quorum hash combined with the request id and agree on the
// lowest. Returns nil when no quorum of the type exists yet.
func (r *Registry) SelectQuorumForSigning(t Type, id chain.Hash) *Quorum {
	candidates := r.ScanQuorums(t, GetParams(t).SigningActiveQuorumCount)
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	bestScore := signSelectionScore(t, best.Hash, id)
	for _, q := range candidates[1:] {
		if score := signSelectionScore(t, q.Hash, id); bytes.Compare(score[:], bestScore[:]) < 0 {
			best, bestScore = q, score
		}
	}
	return best
}

func signSelectionScore(t Type, quorumHash, id chain.Hash) chain.Hash {
	return chain.NewHash([]byte{byte(t)}, quorumHash[:], id[:])
}
