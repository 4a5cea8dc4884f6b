package chainlock

import (
	"bytes"
	"testing"

	"github.com/gitzhang10/LLMQ/chain"
)

func TestChainLockSigIsNull(t *testing.T) {
	var cls ChainLockSig
	if !cls.IsNull() {
		t.Error("zero value should be null")
	}
	cls = ChainLockSig{Height: -1, Signature: []byte{1}}
	if !cls.IsNull() {
		t.Error("negative height should be null")
	}
	cls = ChainLockSig{Height: 10, BlockHash: chain.NewHash([]byte("b")), Signature: []byte{1, 2, 3}}
	if cls.IsNull() {
		t.Error("complete lock should not be null")
	}
}

func TestChainLockSigHashAndEncoding(t *testing.T) {
	cls := &ChainLockSig{Height: 42, BlockHash: chain.NewHash([]byte("block")), Signature: []byte{9, 8, 7}}

	other := &ChainLockSig{Height: 43, BlockHash: cls.BlockHash, Signature: cls.Signature}
	if cls.Hash() == other.Hash() {
		t.Error("locks for different heights must have different message ids")
	}

	raw, err := cls.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded ChainLockSig
	if err := decoded.Decode(raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Height != cls.Height || decoded.BlockHash != cls.BlockHash {
		t.Error("round trip changed identity fields")
	}
	if !bytes.Equal(decoded.Signature, cls.Signature) {
		t.Error("round trip changed the signature")
	}
	if decoded.Hash() != cls.Hash() {
		t.Error("round trip changed the message id")
	}
}

func TestBuildRequestID(t *testing.T) {
	if BuildRequestID(7) != BuildRequestID(7) {
		t.Error("request id must be deterministic")
	}
	if BuildRequestID(7) == BuildRequestID(8) {
		t.Error("request ids must differ per height")
	}
}
