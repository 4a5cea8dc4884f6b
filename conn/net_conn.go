/*
Package conn implements the connections between a pair of nodes.
Connections are used unidirectionally: when node1 dials node2's listening
port, the resulting connection only ever carries data from node1 to node2.
Each message on the wire is framed as a type byte followed by one
msgpack-encoded Envelope carrying the sender name, the raw payload and the
sender's ED25519 signature. Payload interpretation is left entirely to the
consumer; the transport never deserializes application messages.
*/
package conn

import (
	"bufio"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn represents a connection established from one node to another.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Target returns the address this connection writes to.
func (n *NetConn) Target() string {
	return n.target
}

// Release closes the connection in a NetConn variable.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
