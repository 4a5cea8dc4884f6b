package node

import (
	"errors"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/chainlock"
	"github.com/gitzhang10/LLMQ/conn"
	"github.com/gitzhang10/LLMQ/dkg"
	"github.com/gitzhang10/LLMQ/quorum"
	"github.com/gitzhang10/LLMQ/sign"
)

// maxPendingParents bounds how many unknown parents may have blocks
// parked behind them at once.
const maxPendingParents = 64

var dkgKindForTag = map[uint8]dkg.MessageKind{
	ContributionTag:        dkg.KindContribution,
	ComplaintTag:           dkg.KindComplaint,
	JustificationTag:       dkg.KindJustification,
	PrematureCommitmentTag: dkg.KindPrematureCommitment,
}

// handleMsgLoop pulls framed envelopes off the transport and dispatches
// them until Stop.
func (n *Node) handleMsgLoop() error {
	msgCh := n.trans.MsgChan()
	for {
		select {
		case <-n.stopCh:
			return nil
		case in := <-msgCh:
			n.dispatch(in)
		}
	}
}

// dispatch authenticates one inbound envelope and routes it by frame tag.
func (n *Node) dispatch(in conn.InboundMsg) {
	kind := frameName(in.Type)
	env := in.Envelope
	if !n.verifyEnvelope(in.Type, &env) {
		n.collector.PeerMisbehaved(env.From)
		n.collector.MessageDropped(kind)
		return
	}
	switch in.Type {
	case ContributionTag, ComplaintTag, JustificationTag, PrematureCommitmentTag:
		n.dispatchDKG(in.Type, &env)
	case SigShareTag:
		var msg quorum.SigShareMsg
		if err := decode(env.Payload, &msg); err != nil {
			n.logger.Error("fail to decode the signature share", "sender", env.From, "error", err)
			n.collector.MessageDropped(kind)
			return
		}
		if err := n.signer.ProcessSigShare(env.From, &msg); err != nil {
			n.logger.Warn("rejecting signature share", "sender", env.From, "error", err)
			n.collector.MessageDropped(kind)
			return
		}
		n.collector.MessageDispatched(kind)
	case ChainLockTag:
		var cls chainlock.ChainLockSig
		if err := cls.Decode(env.Payload); err != nil {
			n.logger.Error("fail to decode the chain lock", "sender", env.From, "error", err)
			n.collector.LockRejected("bad-payload")
			n.collector.MessageDropped(kind)
			return
		}
		hash := cls.Hash()
		if n.locks.AlreadyHave(hash) {
			return
		}
		n.locks.ProcessNewChainLock(env.From, &cls, hash)
		n.collector.MessageDispatched(kind)
	case BlockTag:
		if n.seenBefore(env.Payload) {
			return
		}
		var b chain.Block
		if err := decode(env.Payload, &b); err != nil {
			n.logger.Error("fail to decode the block", "sender", env.From, "error", err)
			n.collector.MessageDropped(kind)
			return
		}
		if err := n.acceptBlock(&b); err != nil {
			switch {
			case errors.Is(err, chain.ErrDuplicateBlock):
			case errors.Is(err, chain.ErrUnknownParent):
				n.logger.Debug("block arrived before its parent, parking it",
					"height", b.Height, "producer", b.Producer)
			default:
				n.logger.Warn("rejecting block", "height", b.Height, "producer", b.Producer, "error", err)
			}
			n.collector.MessageDropped(kind)
			return
		}
		n.collector.MessageDispatched(kind)
	case FinalCommitmentTag:
		if n.seenBefore(env.Payload) {
			return
		}
		n.handleFinalCommitment(env.From, env.Payload)
	default:
		n.logger.Warn("dropping message with unknown frame tag", "tag", in.Type, "sender", env.From)
		n.collector.MessageDropped(kind)
	}
}

// dispatchDKG routes a raw DKG payload to the session handler named by
// its leading quorum-type byte. The body is never deserialized here.
func (n *Node) dispatchDKG(msgType uint8, env *conn.Envelope) {
	kind := frameName(msgType)
	if len(env.Payload) < 1 {
		n.collector.MessageDropped(kind)
		return
	}
	h, ok := n.dkgHandlers[quorum.Type(env.Payload[0])]
	if !ok {
		n.logger.Warn("dropping DKG message for an unconfigured quorum type",
			"type", env.Payload[0], "sender", env.From)
		n.collector.MessageDropped(kind)
		return
	}
	if !h.ProcessMessage(env.From, dkgKindForTag[msgType], env.Payload[1:]) {
		n.collector.MessageDropped(kind)
		return
	}
	n.collector.MessageDispatched(kind)
}

// handleFinalCommitment verifies a gossiped commitment and registers the
// quorum it certifies.
func (n *Node) handleFinalCommitment(from string, payload []byte) {
	fc, err := quorum.DecodeFinalCommitment(payload)
	if err != nil {
		n.logger.Error("fail to decode the final commitment", "sender", from, "error", err)
		n.collector.MessageDropped("final-commitment")
		return
	}
	if !quorum.HasParams(fc.QuorumType) {
		n.logger.Warn("dropping commitment for an undefined quorum type",
			"type", uint8(fc.QuorumType), "sender", from)
		n.collector.MessageDropped("final-commitment")
		return
	}
	params := quorum.GetParams(fc.QuorumType)
	if err := fc.Verify(params); err != nil {
		n.logger.Warn("rejecting invalid final commitment",
			"quorum", fc.QuorumHash.ShortString(), "sender", from, "error", err)
		n.collector.PeerMisbehaved(from)
		n.collector.MessageDropped("final-commitment")
		return
	}
	if n.registry.GetQuorum(fc.QuorumType, fc.QuorumHash) == nil {
		if _, err := n.registry.AddCommitment(fc, nil); err != nil {
			n.logger.Error("registering gossiped commitment failed",
				"quorum", fc.QuorumHash.ShortString(), "error", err)
			return
		}
		n.collector.QuorumFormed(params.Name)
	}
	n.collector.MessageDispatched("final-commitment")
}

// verifyEnvelope authenticates an envelope against the sender's
// configured ED25519 key. The signature covers the frame tag and the
// payload.
func (n *Node) verifyEnvelope(msgType uint8, env *conn.Envelope) bool {
	pubKey, ok := n.publicKeyMap[env.From]
	if !ok {
		n.logger.Error("node is unknown", "node", env.From)
		return false
	}
	ok, err := sign.VerifySignEd25519(pubKey, signedBytes(msgType, env.Payload), env.Sig)
	if err != nil {
		n.logger.Error("fail to verify the ED25519 signature", "node", env.From, "error", err)
		return false
	}
	if !ok {
		n.logger.Error("envelope signature does not verify", "node", env.From, "tag", frameName(msgType))
	}
	return ok
}

// seenBefore records a gossiped payload and reports whether an identical
// one was already relayed to us.
func (n *Node) seenBefore(payload []byte) bool {
	seen, _ := n.seenGossip.ContainsOrAdd(chain.NewHash(payload), struct{}{})
	return seen
}

// acceptBlock adds a block to the chain, parking it when its parent has
// not arrived yet and retrying parked children after every successful add.
func (n *Node) acceptBlock(b *chain.Block) error {
	if err := n.chain.AddBlock(b); err != nil {
		if errors.Is(err, chain.ErrUnknownParent) {
			n.parkBlock(b)
		}
		return err
	}
	n.connectPendingBlocks(b.ComputeHash())
	return nil
}

func (n *Node) parkBlock(b *chain.Block) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	if _, ok := n.pendingBlocks[b.PrevHash]; !ok && len(n.pendingBlocks) >= maxPendingParents {
		return
	}
	n.pendingBlocks[b.PrevHash] = append(n.pendingBlocks[b.PrevHash], b)
}

func (n *Node) connectPendingBlocks(parent chain.Hash) {
	n.pendingMu.Lock()
	children := n.pendingBlocks[parent]
	delete(n.pendingBlocks, parent)
	n.pendingMu.Unlock()
	for _, child := range children {
		if err := n.chain.AddBlock(child); err == nil {
			n.connectPendingBlocks(child.ComputeHash())
		}
	}
}
