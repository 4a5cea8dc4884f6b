package node

import (
	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/chainlock"
	"github.com/gitzhang10/LLMQ/conn"
	"github.com/gitzhang10/LLMQ/dkg"
	"github.com/gitzhang10/LLMQ/quorum"
	"github.com/gitzhang10/LLMQ/sign"
)

var (
	_ quorum.ShareBroadcaster = (*Node)(nil)
	_ chainlock.Broadcaster   = (*Node)(nil)
	_ dkg.Sender              = (*Node)(nil)
)

// broadcast sends one signed frame to every cluster member, this node
// included. Own frames come back through the loopback connection and are
// de-duplicated by the receiving subsystem.
func (n *Node) broadcast(msgType uint8, payload []byte) error {
	env := &conn.Envelope{
		From:    n.name,
		Payload: payload,
		Sig:     sign.SignEd25519(n.privateKey, signedBytes(msgType, payload)),
	}
	for addrWithPort := range n.clusterAddrWithPorts {
		netConn, err := n.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		if err = conn.SendMsg(netConn, msgType, env); err != nil {
			return err
		}
		if err = n.trans.ReturnConn(netConn); err != nil {
			return err
		}
	}
	return nil
}

// sendToAll is the fire-and-forget wrapper behind the subsystem send
// interfaces. Failures during shutdown are expected and stay silent.
func (n *Node) sendToAll(msgType uint8, payload []byte) {
	if err := n.broadcast(msgType, payload); err != nil {
		if n.trans.IsShutdown() {
			return
		}
		n.logger.Error("broadcast failed", "kind", frameName(msgType), "error", err)
	}
}

// BroadcastSigShare implements quorum.ShareBroadcaster.
func (n *Node) BroadcastSigShare(msg *quorum.SigShareMsg) {
	payload, err := encode(msg)
	if err != nil {
		n.logger.Error("fail to encode the signature share", "error", err)
		return
	}
	n.sendToAll(SigShareTag, payload)
}

// BroadcastChainLock implements chainlock.Broadcaster.
func (n *Node) BroadcastChainLock(cls *chainlock.ChainLockSig) {
	payload, err := cls.Encode()
	if err != nil {
		n.logger.Error("fail to encode the chain lock", "error", err)
		return
	}
	n.sendToAll(ChainLockTag, payload)
}

// announceBlock gossips a freshly produced block.
func (n *Node) announceBlock(b *chain.Block) {
	payload, err := encode(b)
	if err != nil {
		n.logger.Error("fail to encode the block", "error", err)
		return
	}
	n.sendToAll(BlockTag, payload)
}

// SendContribution implements dkg.Sender.
func (n *Node) SendContribution(msg *dkg.ContributionMsg) {
	body, err := msg.Encode()
	if err != nil {
		n.logger.Error("fail to encode the contribution", "error", err)
		return
	}
	n.sendToAll(ContributionTag, prefixQuorumType(uint8(msg.QuorumType), body))
}

// SendComplaint implements dkg.Sender.
func (n *Node) SendComplaint(msg *dkg.ComplaintMsg) {
	body, err := msg.Encode()
	if err != nil {
		n.logger.Error("fail to encode the complaint", "error", err)
		return
	}
	n.sendToAll(ComplaintTag, prefixQuorumType(uint8(msg.QuorumType), body))
}

// SendJustification implements dkg.Sender.
func (n *Node) SendJustification(msg *dkg.JustificationMsg) {
	body, err := msg.Encode()
	if err != nil {
		n.logger.Error("fail to encode the justification", "error", err)
		return
	}
	n.sendToAll(JustificationTag, prefixQuorumType(uint8(msg.QuorumType), body))
}

// SendPrematureCommitment implements dkg.Sender.
func (n *Node) SendPrematureCommitment(msg *dkg.PrematureCommitmentMsg) {
	body, err := msg.Encode()
	if err != nil {
		n.logger.Error("fail to encode the premature commitment", "error", err)
		return
	}
	n.sendToAll(PrematureCommitmentTag, prefixQuorumType(uint8(msg.QuorumType), body))
}

// SendFinalCommitment implements dkg.Sender. Final commitments carry
// their quorum type inside the message and are verifiable by any node,
// so they travel without the routing prefix.
func (n *Node) SendFinalCommitment(fc *quorum.FinalCommitment) {
	payload, err := fc.Encode()
	if err != nil {
		n.logger.Error("fail to encode the final commitment", "error", err)
		return
	}
	n.sendToAll(FinalCommitmentTag, payload)
}
