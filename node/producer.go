package node

import (
	"time"

	"github.com/gitzhang10/LLMQ/chain"
)

// maxBlockTxs caps how many mempool transactions one block carries.
const maxBlockTxs = 1000

// produceBlockLoop emits one block per interval when this node is the
// producer for the next height. Production rotates round-robin through
// the sorted cluster names, which keeps a development cluster extending
// the chain without a full consensus engine behind it.
func (n *Node) produceBlockLoop() error {
	ticker := time.NewTicker(n.conf.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return nil
		case <-ticker.C:
			n.tryProduceBlock()
		}
	}
}

// tryProduceBlock extends the active tip with the mining-safe slice of
// the mempool and announces the result to the cluster.
func (n *Node) tryProduceBlock() {
	tip := n.chain.Tip()
	next := tip.Height + 1
	if n.producers[int(next)%len(n.producers)] != n.name {
		return
	}
	var txs []chain.Hash
	for _, txid := range n.pool.Snapshot(maxBlockTxs) {
		if n.locks.IsTxSafeForMining(txid) {
			txs = append(txs, txid)
		}
	}
	b := &chain.Block{
		PrevHash:  tip.Hash,
		Height:    next,
		TimeStamp: time.Now().UnixNano(),
		Producer:  n.name,
		TxIDs:     txs,
	}
	if err := n.acceptBlock(b); err != nil {
		n.logger.Error("producing block failed", "height", next, "error", err)
		return
	}
	n.logger.Debug("produced block", "height", next, "txs", len(txs))
	n.announceBlock(b)
}
