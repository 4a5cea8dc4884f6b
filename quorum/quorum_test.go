package quorum

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/sign"
	"github.com/gitzhang10/LLMQ/store"
)

func TestGetParamsPanicsOnUnknownType(t *testing.T) {
	assert.Panics(t, func() { GetParams(Type(250)) })
	assert.NotPanics(t, func() { GetParams(TypeDevnet) })
	assert.False(t, HasParams(Type(250)))
}

func TestMaxMessagesPerNode(t *testing.T) {
	p := GetParams(TypeDevnet)
	assert.Equal(t, 2*p.Size, p.MaxMessagesPerNode())
}

func TestSelectMembersDeterministic(t *testing.T) {
	candidates := []string{"node0", "node1", "node2", "node3", "node4", "node5"}
	qhash := chain.NewHash([]byte("quorum-block"))

	a := SelectMembers(candidates, qhash, 4)
	b := SelectMembers(candidates, qhash, 4)
	require.Len(t, a, 4)
	assert.Equal(t, a, b, "selection must be identical across computations")

	// A different quorum hash reshuffles the ranking.
	other := SelectMembers(candidates, chain.NewHash([]byte("another-block")), 4)
	require.Len(t, other, 4)

	// Asking for more members than candidates returns all of them.
	all := SelectMembers(candidates, qhash, 10)
	assert.Len(t, all, len(candidates))

	seen := make(map[string]bool)
	for _, m := range a {
		assert.False(t, seen[m], "member selected twice")
		seen[m] = true
	}
}

// buildTestCommitment forms a commitment for members holding freshly
// generated threshold keys, signed by the first threshold shares.
func buildTestCommitment(t *testing.T, qt Type, qhash chain.Hash, height int32, members []string) (*FinalCommitment, []*share.PriShare) {
	t.Helper()
	params := GetParams(qt)
	shares, pubPoly := sign.GenTSKeys(params.Threshold, len(members))

	encodedPub, err := sign.EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)

	fc := &FinalCommitment{
		QuorumType:      qt,
		QuorumHash:      qhash,
		QuorumHeight:    height,
		Members:         members,
		ValidMembers:    make([]bool, len(members)),
		Signers:         make([]bool, len(members)),
		QuorumPublicKey: encodedPub,
	}
	for i := range members {
		fc.ValidMembers[i] = true
	}
	hash := fc.CommitmentHash()
	var partials [][]byte
	for i := 0; i < params.Threshold; i++ {
		partials = append(partials, sign.SignTSPartial(shares[i], hash.Bytes()))
		fc.Signers[i] = true
	}
	fc.QuorumSig = sign.AssembleIntactTSPartial(partials, pubPoly, hash.Bytes(), params.Threshold, len(members))
	return fc, shares
}

func TestFinalCommitmentVerify(t *testing.T) {
	members := []string{"node0", "node1", "node2", "node3"}
	qhash := chain.NewHash([]byte("q1"))
	fc, _ := buildTestCommitment(t, TypeDevnet, qhash, 12, members)

	require.NoError(t, fc.Verify(GetParams(TypeDevnet)))

	t.Run("encode decode", func(t *testing.T) {
		raw, err := fc.Encode()
		require.NoError(t, err)
		decoded, err := DecodeFinalCommitment(raw)
		require.NoError(t, err)
		assert.Equal(t, fc.QuorumHash, decoded.QuorumHash)
		assert.Equal(t, fc.CommitmentHash(), decoded.CommitmentHash())
		require.NoError(t, decoded.Verify(GetParams(TypeDevnet)))
	})

	t.Run("tampered member set fails", func(t *testing.T) {
		raw, err := fc.Encode()
		require.NoError(t, err)
		bad, err := DecodeFinalCommitment(raw)
		require.NoError(t, err)
		bad.Members[0] = "intruder"
		assert.Error(t, bad.Verify(GetParams(TypeDevnet)))
	})

	t.Run("too few signers fails", func(t *testing.T) {
		raw, err := fc.Encode()
		require.NoError(t, err)
		bad, err := DecodeFinalCommitment(raw)
		require.NoError(t, err)
		for i := range bad.Signers {
			bad.Signers[i] = false
		}
		assert.Error(t, bad.Verify(GetParams(TypeDevnet)))
	})
}

func TestRegistryPersistence(t *testing.T) {
	db, err := store.OpenMemory(hclog.NewNullLogger())
	require.NoError(t, err)
	defer db.Close()

	members := []string{"node0", "node1", "node2", "node3"}
	fc1, shares := buildTestCommitment(t, TypeDevnet, chain.NewHash([]byte("q1")), 12, members)
	fc2, _ := buildTestCommitment(t, TypeDevnet, chain.NewHash([]byte("q2")), 24, members)

	reg := NewRegistry(db, hclog.NewNullLogger())
	q1, err := reg.AddCommitment(fc1, shares[0])
	require.NoError(t, err)
	require.NotNil(t, q1.Share)
	_, err = reg.AddCommitment(fc2, nil)
	require.NoError(t, err)

	// Re-adding is a no-op.
	again, err := reg.AddCommitment(fc1, nil)
	require.NoError(t, err)
	assert.Same(t, q1, again)

	scan := reg.ScanQuorums(TypeDevnet, 10)
	require.Len(t, scan, 2)
	assert.Equal(t, int32(24), scan[0].Height, "scan must return newest first")

	// A fresh registry rebuilt from the same database sees both quorums
	// and still holds the share for q1.
	reloaded := NewRegistry(db, hclog.NewNullLogger())
	require.NoError(t, reloaded.Load([]Type{TypeDevnet}))
	rq1 := reloaded.GetQuorum(TypeDevnet, fc1.QuorumHash)
	require.NotNil(t, rq1)
	require.NotNil(t, rq1.Share, "share must survive a restart")
	assert.Equal(t, q1.Share.I, rq1.Share.I)
	require.NotNil(t, reloaded.GetQuorum(TypeDevnet, fc2.QuorumHash))
}

func TestSelectQuorumForSigningDeterministic(t *testing.T) {
	reg := NewRegistry(nil, hclog.NewNullLogger())
	members := []string{"node0", "node1", "node2", "node3"}
	fc1, _ := buildTestCommitment(t, TypeDevnet, chain.NewHash([]byte("q1")), 12, members)
	fc2, _ := buildTestCommitment(t, TypeDevnet, chain.NewHash([]byte("q2")), 24, members)
	_, err := reg.AddCommitment(fc1, nil)
	require.NoError(t, err)
	_, err = reg.AddCommitment(fc2, nil)
	require.NoError(t, err)

	id := chain.NewHash([]byte("request"))
	first := reg.SelectQuorumForSigning(TypeDevnet, id)
	require.NotNil(t, first)
	for i := 0; i < 5; i++ {
		assert.Same(t, first, reg.SelectQuorumForSigning(TypeDevnet, id))
	}
	assert.Nil(t, reg.SelectQuorumForSigning(TypeChainLocks, id))
}
