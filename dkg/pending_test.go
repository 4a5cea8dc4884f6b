package dkg

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/LLMQ/chain"
)

func TestPendingMessagesPerSenderQuota(t *testing.T) {
	q := NewPendingMessages(3)

	for i := 0; i < 4; i++ {
		q.Push("peer", []byte(fmt.Sprintf("msg-%d", i)))
	}
	assert.Equal(t, 3, q.Size(), "the message beyond the quota must be dropped")

	// Another sender still has its own full quota.
	require.True(t, q.Push("other", []byte("from-other")))
	assert.Equal(t, 4, q.Size())
}

func TestPendingMessagesDuplicateSuppression(t *testing.T) {
	q := NewPendingMessages(8)

	payload := []byte("identical")
	require.True(t, q.Push("a", payload))
	assert.False(t, q.Push("a", payload), "same payload from same sender")
	assert.False(t, q.Push("b", payload), "same payload from another sender")
	assert.Equal(t, 1, q.Size())
	assert.True(t, q.HasSeen(chain.NewHash(payload)))
}

func TestPendingMessagesFIFOPop(t *testing.T) {
	q := NewPendingMessages(8)
	require.True(t, q.Push("a", []byte("m1")))
	require.True(t, q.Push("b", []byte("m2")))
	require.True(t, q.Push("c", []byte("m3")))

	out := q.Pop(2)
	require.Len(t, out, 2)
	assert.Equal(t, "m1", string(out[0].Payload))
	assert.Equal(t, "m2", string(out[1].Payload))
	assert.Equal(t, 1, q.Size())

	rest := q.Pop(10)
	require.Len(t, rest, 1)
	assert.Equal(t, "m3", string(rest[0].Payload))
	assert.Nil(t, q.Pop(1), "popping an empty queue yields nothing")
}

func TestPendingMessagesSeenSurvivesPop(t *testing.T) {
	q := NewPendingMessages(2)
	payload := []byte("one-shot")
	require.True(t, q.Push("a", payload))
	require.Len(t, q.Pop(1), 1)

	// The queue is empty and the sender quota freed, yet the duplicate is
	// still rejected.
	assert.False(t, q.Push("a", payload))
	assert.True(t, q.HasSeen(chain.NewHash(payload)))

	// Pop released the quota slot for new content.
	assert.True(t, q.Push("a", []byte("fresh-1")))
	assert.True(t, q.Push("a", []byte("fresh-2")))
}

func TestPendingMessagesClear(t *testing.T) {
	q := NewPendingMessages(2)
	payload := []byte("stale")
	require.True(t, q.Push("a", payload))
	q.Clear()

	assert.Equal(t, 0, q.Size())
	assert.False(t, q.HasSeen(chain.NewHash(payload)))
	assert.True(t, q.Push("a", payload), "clear resets the seen set for the next session")
}

func TestPopAndDeserializeKeepsSenderOnBadPayload(t *testing.T) {
	q := NewPendingMessages(8)

	good := &PrematureCommitmentMsg{
		QuorumType:   100,
		QuorumHash:   chain.NewHash([]byte("q")),
		ValidMembers: []bool{true, true},
	}
	raw, err := good.Encode()
	require.NoError(t, err)
	require.True(t, q.Push("honest", raw))
	require.True(t, q.Push("garbler", []byte{0xc1, 0xff, 0x00}))

	out := PopAndDeserialize[PrematureCommitmentMsg, *PrematureCommitmentMsg](q, 10)
	require.Len(t, out, 2)

	assert.Equal(t, "honest", out[0].Sender)
	require.NotNil(t, out[0].Msg)
	assert.Equal(t, good.QuorumHash, out[0].Msg.QuorumHash)

	assert.Equal(t, "garbler", out[1].Sender, "sender attribution survives a bad payload")
	assert.Nil(t, out[1].Msg)
}
