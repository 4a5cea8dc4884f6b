// Package quorum defines the quorum parameter table, deterministic member
// selection, the final DKG commitment format, and the threshold-signing
// manager that turns signature shares into recovered signatures.
package quorum

import (
	"fmt"
	"time"
)

// Type identifies a quorum family. Each type runs its own DKG cadence and
// holds its own line of threshold keys.
type Type uint8

const (
	// TypeChainLocks is the quorum family that signs chain locks.
	TypeChainLocks Type = 1
	// TypeLarge is a bigger, slower-cadence family for platform signing.
	TypeLarge Type = 2
	// TypeDevnet is a small family for local clusters and tests.
	TypeDevnet Type = 100
)

// Params holds the static parameters of one quorum type.
type Params struct {
	Type Type
	Name string

	// Size is the number of members selected into each quorum.
	Size int
	// Threshold is the number of signature shares needed to recover a
	// quorum signature. Also the DKG secret-sharing threshold.
	Threshold int

	// DKGInterval is the block cadence of quorum formation. A new session
	// starts whenever the tip crosses a multiple of this height.
	DKGInterval int32

	// PhaseDuration is the wall-clock window granted to each DKG phase.
	PhaseDuration time.Duration

	// JitterFactor scales the random sleep inserted before each phase so
	// that members do not all broadcast in the same instant. The sleep is
	// a uniform draw from [0, JitterFactor*PhaseDuration).
	JitterFactor float64

	// SigningActiveQuorumCount is how many of the most recent quorums of
	// this type are considered active for signing-session selection.
	SigningActiveQuorumCount int
}

// MaxMessagesPerNode bounds how many DKG messages of one type a single
// member may have pending at once.
func (p Params) MaxMessagesPerNode() int {
	return 2 * p.Size
}

var paramsTable = map[Type]Params{
	TypeChainLocks: {
		Type:                     TypeChainLocks,
		Name:                     "llmq_50_60",
		Size:                     50,
		Threshold:                30,
		DKGInterval:              24,
		PhaseDuration:            30 * time.Second,
		JitterFactor:             0.5,
		SigningActiveQuorumCount: 24,
	},
	TypeLarge: {
		Type:                     TypeLarge,
		Name:                     "llmq_400_60",
		Size:                     400,
		Threshold:                240,
		DKGInterval:              24 * 12,
		PhaseDuration:            60 * time.Second,
		JitterFactor:             0.7,
		SigningActiveQuorumCount: 4,
	},
	TypeDevnet: {
		Type:                     TypeDevnet,
		Name:                     "llmq_devnet",
		Size:                     4,
		Threshold:                3,
		DKGInterval:              12,
		PhaseDuration:            2 * time.Second,
		JitterFactor:             0.2,
		SigningActiveQuorumCount: 2,
	},
}

// GetParams returns the parameters of a quorum type. Asking for an undefined
// type is a configuration defect, not a runtime condition, so it panics.
func GetParams(t Type) Params {
	p, ok := paramsTable[t]
	if !ok {
		panic(fmt.Sprintf("quorum: undefined quorum type %d", t))
	}
	return p
}

// HasParams reports whether the type is defined, for config validation.
func HasParams(t Type) bool {
	_, ok := paramsTable[t]
	return ok
}
