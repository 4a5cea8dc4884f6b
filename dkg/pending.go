package dkg

import (
	"sync"

	"github.com/gitzhang10/LLMQ/chain"
)

// PendingMessage is one staged peer message. The queue owns the payload
// until popped; after that the consumer owns it and deserializes it.
type PendingMessage struct {
	Sender  string
	Payload []byte
}

// Hash is the content hash used for exact-duplicate suppression.
func (pm *PendingMessage) Hash() chain.Hash {
	return chain.NewHash(pm.Payload)
}

// PendingMessages stages raw peer messages of one DKG message type until
// the session runner drains them. Pushing never blocks and never
// deserializes, so the network dispatch path stays O(1). Per-sender quotas
// bound memory to O(quorum size) per peer and a seen-hash set suppresses
// exact duplicates for the lifetime of the session.
type PendingMessages struct {
	mu           sync.Mutex
	maxPerSender int
	queue        []*PendingMessage
	perSender    map[string]int
	seen         map[chain.Hash]struct{}
}

// NewPendingMessages creates a queue admitting at most maxPerSender
// outstanding messages per sender.
func NewPendingMessages(maxPerSender int) *PendingMessages {
	return &PendingMessages{
		maxPerSender: maxPerSender,
		perSender:    make(map[string]int),
		seen:         make(map[chain.Hash]struct{}),
	}
}

// Push stages a message. It returns false, dropping the message, when the
// sender has exhausted its quota or the exact payload was seen before.
// No feedback reaches the sender in either case.
func (p *PendingMessages) Push(sender string, payload []byte) bool {
	hash := chain.NewHash(payload)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perSender[sender] >= p.maxPerSender {
		return false
	}
	if _, ok := p.seen[hash]; ok {
		return false
	}
	p.seen[hash] = struct{}{}
	p.perSender[sender]++
	p.queue = append(p.queue, &PendingMessage{Sender: sender, Payload: payload})
	return true
}

// Pop removes and returns up to maxCount messages in arrival order. The
// seen-hash set is deliberately left intact so a duplicate of a consumed
// message is still rejected.
func (p *PendingMessages) Pop(maxCount int) []*PendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := maxCount
	if n > len(p.queue) {
		n = len(p.queue)
	}
	if n == 0 {
		return nil
	}
	out := make([]*PendingMessage, n)
	copy(out, p.queue[:n])
	p.queue = append(p.queue[:0], p.queue[n:]...)
	for _, pm := range out {
		if p.perSender[pm.Sender]--; p.perSender[pm.Sender] <= 0 {
			delete(p.perSender, pm.Sender)
		}
	}
	return out
}

// HasSeen reports whether a payload with this content hash was ever pushed
// since the last Clear.
func (p *PendingMessages) HasSeen(hash chain.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[hash]
	return ok
}

// Size returns the number of staged messages.
func (p *PendingMessages) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Clear drops all staged messages, quotas, and the seen-hash set. Called
// when the session the messages were meant for is permanently closed.
func (p *PendingMessages) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.perSender = make(map[string]int)
	p.seen = make(map[chain.Hash]struct{})
}

// Message pairs a sender with its deserialized message. Msg is nil when the
// payload failed to deserialize; the sender attribution stays valid so the
// session can still score the sender for misbehavior.
type Message[T any] struct {
	Sender string
	Msg    *T
}

// PopAndDeserialize drains up to maxCount staged messages and decodes each
// into T. Decode failures yield an entry with a nil Msg instead of being
// dropped or propagated.
func PopAndDeserialize[T any, PT interface {
	*T
	Decode([]byte) error
}](q *PendingMessages, maxCount int) []Message[T] {
	raw := q.Pop(maxCount)
	if len(raw) == 0 {
		return nil
	}
	out := make([]Message[T], 0, len(raw))
	for _, pm := range raw {
		msg := PT(new(T))
		if err := msg.Decode(pm.Payload); err != nil {
			out = append(out, Message[T]{Sender: pm.Sender})
			continue
		}
		out = append(out, Message[T]{Sender: pm.Sender, Msg: (*T)(msg)})
	}
	return out
}
