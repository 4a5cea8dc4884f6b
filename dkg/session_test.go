package dkg

import (
	"fmt"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/quorum"
	"github.com/gitzhang10/LLMQ/sign"
)

// newTestSessions builds one member session per node for a devnet quorum,
// all sharing the same formation block.
func newTestSessions(t *testing.T) ([]*Session, []string, chain.Hash) {
	t.Helper()
	params := quorum.GetParams(quorum.TypeDevnet)
	members := make([]string, params.Size)
	privs := make([]kyber.Scalar, params.Size)
	pubs := make([]kyber.Point, params.Size)
	for i := range members {
		members[i] = fmt.Sprintf("node%d", i)
		privs[i], pubs[i] = sign.GenDKGKeys()
	}
	qhash := chain.NewHash([]byte("formation-block"))

	sessions := make([]*Session, params.Size)
	for i := range sessions {
		s, err := NewSession(params, qhash, 12, members, members[i], privs[i], pubs, hclog.NewNullLogger())
		require.NoError(t, err)
		require.True(t, s.IsMember())
		sessions[i] = s
	}
	return sessions, members, qhash
}

// runAllPhases cross-delivers every phase's messages between the sessions,
// standing in for the network plus the handler's drain loops.
func runAllPhases(t *testing.T, sessions []*Session, members []string) {
	t.Helper()

	contribs := make([]*ContributionMsg, len(sessions))
	for i, s := range sessions {
		msg, err := s.Contribution()
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.Len(t, msg.Deals, len(sessions)-1, "one encrypted deal per fellow member")
		contribs[i] = msg
	}
	for i, msg := range contribs {
		for j, s := range sessions {
			if i != j {
				s.ProcessContribution(members[i], msg)
			}
		}
	}

	complaints := make([]*ComplaintMsg, len(sessions))
	for i, s := range sessions {
		msg, err := s.Complaints()
		require.NoError(t, err)
		require.NotNil(t, msg)
		complaints[i] = msg
	}
	for i, msg := range complaints {
		for j, s := range sessions {
			if i != j {
				s.ProcessComplaint(members[i], msg)
			}
		}
	}

	for _, s := range sessions {
		msg, err := s.Justifications()
		require.NoError(t, err)
		assert.Nil(t, msg, "honest run produces no justifications")
	}

	commits := make([]*PrematureCommitmentMsg, len(sessions))
	for i, s := range sessions {
		msg, err := s.ProposeCommitment()
		require.NoError(t, err)
		require.NotNil(t, msg)
		commits[i] = msg
	}
	for i, msg := range commits {
		for j, s := range sessions {
			if i != j {
				s.ProcessPrematureCommitment(members[i], msg)
			}
		}
	}
}

func TestSessionFullKeyGeneration(t *testing.T) {
	sessions, members, _ := newTestSessions(t)
	params := quorum.GetParams(quorum.TypeDevnet)
	runAllPhases(t, sessions, members)

	var firstHash chain.Hash
	shares := make([][]byte, 0, len(sessions))
	var quorumPubKey []byte
	msg := chain.NewHash([]byte("signed by the new quorum"))

	for i, s := range sessions {
		fc, own, err := s.TryFinalize()
		require.NoError(t, err)
		require.NotNil(t, fc, "session %d failed to finalize", i)
		require.NotNil(t, own, "member %d has no key share", i)
		require.NoError(t, fc.Verify(params))
		assert.Equal(t, len(members), fc.CountValidMembers())
		assert.Equal(t, len(members), fc.CountSigners())

		if i == 0 {
			firstHash = fc.CommitmentHash()
			quorumPubKey = fc.QuorumPublicKey
		} else {
			assert.Equal(t, firstHash, fc.CommitmentHash(), "members disagree on the commitment")
		}
		assert.Equal(t, i, own.I)
		shares = append(shares, sign.SignTSPartial(own, msg.Bytes()))

		// Finalizing again is a no-op.
		fc2, _, err := s.TryFinalize()
		require.NoError(t, err)
		assert.Nil(t, fc2)
	}

	// The generated shares form a working threshold key.
	pubPoly, err := sign.DecodeTSPublicKey(quorumPubKey)
	require.NoError(t, err)
	sig, err := sign.RecoverTS(shares[:params.Threshold], pubPoly, msg.Bytes(), params.Threshold, len(members))
	require.NoError(t, err)
	require.NoError(t, sign.VerifyTS(pubPoly, msg.Bytes(), sig))
}

func TestObserverAssemblesCommitment(t *testing.T) {
	sessions, members, qhash := newTestSessions(t)
	params := quorum.GetParams(quorum.TypeDevnet)

	observer, err := NewSession(params, qhash, 12, members, "watcher", nil, nil, hclog.NewNullLogger())
	require.NoError(t, err)
	require.False(t, observer.IsMember())

	runAllPhases(t, sessions, members)
	for i, s := range sessions {
		msg, err := s.ProposeCommitment()
		require.NoError(t, err)
		// Re-proposing returns the same commitment; deliver it to the
		// observer the way the network would.
		require.NotNil(t, msg)
		observer.ProcessPrematureCommitment(members[i], msg)
	}

	fc, own, err := observer.TryFinalize()
	require.NoError(t, err)
	require.NotNil(t, fc, "observer must assemble the commitment from member messages")
	assert.Nil(t, own, "observer holds no key share")
	require.NoError(t, fc.Verify(params))
}

func TestSessionFlagsMisbehavior(t *testing.T) {
	sessions, members, qhash := newTestSessions(t)
	s := sessions[0]

	t.Run("non-member sender", func(t *testing.T) {
		s.ProcessContribution("stranger", &ContributionMsg{QuorumHash: qhash})
		assert.Equal(t, 1, s.MisbehaviorScore("stranger"))
	})

	t.Run("undeserializable payload keeps attribution", func(t *testing.T) {
		s.ProcessContribution(members[1], nil)
		assert.Equal(t, 1, s.MisbehaviorScore(members[1]))
	})

	t.Run("wrong quorum hash", func(t *testing.T) {
		s.ProcessComplaint(members[2], &ComplaintMsg{QuorumHash: chain.NewHash([]byte("other"))})
		assert.Equal(t, 1, s.MisbehaviorScore(members[2]))
	})

	t.Run("replayed deal under wrong sender", func(t *testing.T) {
		msg, err := sessions[2].Contribution()
		require.NoError(t, err)
		s.ProcessContribution(members[3], msg)
		assert.Equal(t, 1, s.MisbehaviorScore(members[3]))
	})

	t.Run("own messages are ignored", func(t *testing.T) {
		s.ProcessContribution(members[0], nil)
		assert.Equal(t, 0, s.MisbehaviorScore(members[0]))
	})
}

func TestSessionNotCertifiedAlone(t *testing.T) {
	sessions, _, _ := newTestSessions(t)
	s := sessions[0]

	_, err := s.Contribution()
	require.NoError(t, err)

	// Nobody else contributed, so the session cannot reach the threshold.
	msg, err := s.ProposeCommitment()
	require.Error(t, err)
	assert.Nil(t, msg)
}
