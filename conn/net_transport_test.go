package conn

import (
	"bytes"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	testTypeBlock = iota + 1
	testTypeLock
)

// TestSimpleComm tests if node1 (client) can connect to node2 (server)
// and deliver a framed envelope unchanged.
func TestSimpleComm(t *testing.T) {
	server, err := NewTCPTransport("127.0.0.1:0", 2*time.Second, hclog.NewNullLogger(), 1)
	if err != nil {
		t.Fatalf("server transport: %v", err)
	}
	defer server.Close()

	client, err := NewTCPTransport("127.0.0.1:0", 2*time.Second, hclog.NewNullLogger(), 1)
	if err != nil {
		t.Fatalf("client transport: %v", err)
	}
	defer client.Close()

	env := &Envelope{From: "a-node", Payload: []byte("payload-bytes"), Sig: []byte("sig-bytes")}
	conn, err := client.GetConn(server.LocalAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := SendMsg(conn, testTypeLock, env); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case in := <-server.MsgChan():
		if in.Type != testTypeLock {
			t.Errorf("frame type = %d, want %d", in.Type, testTypeLock)
		}
		if in.Envelope.From != env.From {
			t.Errorf("sender = %q, want %q", in.Envelope.From, env.From)
		}
		if !bytes.Equal(in.Envelope.Payload, env.Payload) {
			t.Error("payload mangled in transit")
		}
		if !bytes.Equal(in.Envelope.Sig, env.Sig) {
			t.Error("signature mangled in transit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}

	// A returned connection is reused for the next message.
	if err := client.ReturnConn(conn); err != nil {
		t.Fatalf("return conn: %v", err)
	}
	conn2, err := client.GetConn(server.LocalAddr())
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	if conn2 != conn {
		t.Error("pooled connection was not reused")
	}
	if err := SendMsg(conn2, testTypeBlock, &Envelope{From: "a-node", Payload: []byte("second")}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	select {
	case in := <-server.MsgChan():
		if in.Type != testTypeBlock || string(in.Envelope.Payload) != "second" {
			t.Error("second envelope mangled in transit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second envelope not delivered")
	}
}

func TestTransportShutdown(t *testing.T) {
	tr, err := NewTCPTransport("127.0.0.1:0", time.Second, hclog.NewNullLogger(), 1)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if tr.IsShutdown() {
		t.Fatal("fresh transport reports shutdown")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !tr.IsShutdown() {
		t.Error("closed transport should report shutdown")
	}
	if err := tr.Close(); err != nil {
		t.Error("double close should be a no-op")
	}
}
