package quorum

import (
	"bytes"
	"fmt"
	"sort"

	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/sign"
)

// Quorum is a formed quorum the node knows about: its commitment, decoded
// public key, and, when this node is a member that completed the DKG, its
// secret share of the quorum key.
type Quorum struct {
	Params  Params
	Hash    chain.Hash
	Height  int32
	Members []string

	Commitment *FinalCommitment
	PubPoly    *share.PubPoly

	// Share is this node's share of the quorum secret. Nil when the node
	// is not a member of this quorum.
	Share *share.PriShare
}

// NewQuorumFromCommitment builds the runtime quorum object from a verified
// commitment. The share may be nil.
func NewQuorumFromCommitment(fc *FinalCommitment, sh *share.PriShare) (*Quorum, error) {
	pubPoly, err := sign.DecodeTSPublicKey(fc.QuorumPublicKey)
	if err != nil {
		return nil, fmt.Errorf("commitment carries a bad public key: %w", err)
	}
	return &Quorum{
		Params:     GetParams(fc.QuorumType),
		Hash:       fc.QuorumHash,
		Height:     fc.QuorumHeight,
		Members:    fc.Members,
		Commitment: fc,
		PubPoly:    pubPoly,
		Share:      sh,
	}, nil
}

// IsMember reports whether the named node was selected into this quorum.
func (q *Quorum) IsMember(name string) bool {
	return q.MemberIndex(name) >= 0
}

// MemberIndex returns the member's position in selection order, or -1.
// The position doubles as the share index of the member's threshold share.
func (q *Quorum) MemberIndex(name string) int {
	for i, m := range q.Members {
		if m == name {
			return i
		}
	}
	return -1
}

// SelectMembers picks size members from the candidate set for the quorum
// identified by quorumHash. Every node computes the same ordered selection:
// candidates are ranked by the hash of their name combined with the quorum
// hash and the lowest scores win. The returned order fixes share indices.
func SelectMembers(candidates []string, quorumHash chain.Hash, size int) []string {
	type scored struct {
		name  string
		score chain.Hash
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, scored{name: c, score: chain.NewHash([]byte(c), quorumHash[:])})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return bytes.Compare(ranked[i].score[:], ranked[j].score[:]) < 0
	})
	if size > len(ranked) {
		size = len(ranked)
	}
	out := make([]string, size)
	for i := 0; i < size; i++ {
		out[i] = ranked[i].name
	}
	return out
}

// StaticGroup is the bootstrap signing group derived from configured keys.
// It signs chain locks until the first DKG-formed quorum becomes active and
// verifies locks produced before any quorum existed.
type StaticGroup struct {
	// Members in configuration order; a member's position is its share index.
	Members   []string
	Threshold int
	PubPoly   *share.PubPoly

	// Share is this node's static share, nil on observers.
	Share *share.PriShare
}

// IsMember reports whether the named node belongs to the static group.
func (g *StaticGroup) IsMember(name string) bool {
	return g.MemberIndex(name) >= 0
}

// MemberIndex returns the member's share index, or -1.
func (g *StaticGroup) MemberIndex(name string) int {
	for i, m := range g.Members {
		if m == name {
			return i
		}
	}
	return -1
}
