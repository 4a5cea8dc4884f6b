package node

import (
	"errors"
	"strconv"
	"time"

	"github.com/gitzhang10/LLMQ/conn"
)

// connTimeout bounds dial and write operations on peer connections.
const connTimeout = 30 * time.Second

// StartP2PListen starts the node's transport listener.
func (n *Node) StartP2PListen() error {
	var err error
	n.trans, err = conn.NewTCPTransport(":"+strconv.Itoa(n.clusterPort[n.name]), connTimeout,
		n.logger.Named("net"), n.maxPool)
	if err != nil {
		return err
	}
	return nil
}

// EstablishP2PConns dials every cluster member once so the connection
// pools are warm before the protocol starts.
func (n *Node) EstablishP2PConns() error {
	if n.trans == nil {
		return errors.New("network transport has not been created")
	}
	for addrWithPort := range n.clusterAddrWithPorts {
		connect, err := n.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		err = n.trans.ReturnConn(connect)
		if err != nil {
			return err
		}
		n.logger.Debug("connection has been established", "sender", n.name, "receiver", addrWithPort)
	}
	return nil
}
