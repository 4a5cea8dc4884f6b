package quorum

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/sign"
)

var mh codec.MsgpackHandle

// FinalCommitment is the public outcome of one DKG session: which members
// ended up valid, the quorum's threshold public key, and a quorum signature
// over the commitment itself made with that very key. It is self-certifying
// and is what gets persisted and gossiped.
type FinalCommitment struct {
	QuorumType   Type
	QuorumHash   chain.Hash
	QuorumHeight int32

	// Members is the deterministic selection for this quorum, in selection
	// order. ValidMembers and Signers are bitmaps over the same order.
	Members      []string
	ValidMembers []bool
	Signers      []bool

	// QuorumPublicKey is the encoded public polynomial of the quorum key.
	QuorumPublicKey []byte

	// QuorumSig is a threshold signature over CommitmentHash made with the
	// newly generated quorum key, proving enough members hold real shares.
	QuorumSig []byte
}

// CommitmentHash covers everything the signers commit to. Signers and
// QuorumSig are excluded since they are produced over this hash.
func (fc *FinalCommitment) CommitmentHash() chain.Hash {
	var buf bytes.Buffer
	buf.WriteByte(byte(fc.QuorumType))
	buf.Write(fc.QuorumHash[:])
	fmt.Fprintf(&buf, "%d", fc.QuorumHeight)
	for i, m := range fc.Members {
		buf.WriteString(m)
		if fc.ValidMembers[i] {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	buf.Write(fc.QuorumPublicKey)
	return chain.NewHash(buf.Bytes())
}

func countTrue(bits []bool) int {
	n := 0
	for _, b := range bits {
		if b {
			n++
		}
	}
	return n
}

// CountValidMembers returns how many members survived the DKG.
func (fc *FinalCommitment) CountValidMembers() int { return countTrue(fc.ValidMembers) }

// CountSigners returns how many members contributed to QuorumSig.
func (fc *FinalCommitment) CountSigners() int { return countTrue(fc.Signers) }

// Verify checks the commitment against the quorum parameters and its own
// quorum signature. A commitment that verifies proves that at least a
// threshold of the selected members jointly hold the published key.
func (fc *FinalCommitment) Verify(params Params) error {
	if fc.QuorumType != params.Type {
		return fmt.Errorf("commitment quorum type %d does not match params type %d", fc.QuorumType, params.Type)
	}
	if len(fc.Members) == 0 || len(fc.Members) > params.Size {
		return fmt.Errorf("commitment has %d members, params allow at most %d", len(fc.Members), params.Size)
	}
	if len(fc.ValidMembers) != len(fc.Members) || len(fc.Signers) != len(fc.Members) {
		return fmt.Errorf("member bitmaps do not cover all %d members", len(fc.Members))
	}
	if n := fc.CountValidMembers(); n < params.Threshold {
		return fmt.Errorf("only %d valid members, threshold is %d", n, params.Threshold)
	}
	if n := fc.CountSigners(); n < params.Threshold {
		return fmt.Errorf("only %d signers, threshold is %d", n, params.Threshold)
	}
	pubPoly, err := sign.DecodeTSPublicKey(fc.QuorumPublicKey)
	if err != nil {
		return fmt.Errorf("bad quorum public key: %w", err)
	}
	hash := fc.CommitmentHash()
	if err := sign.VerifyTS(pubPoly, hash.Bytes(), fc.QuorumSig); err != nil {
		return fmt.Errorf("quorum signature invalid: %w", err)
	}
	return nil
}

// Encode serializes the commitment for storage and gossip.
func (fc *FinalCommitment) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &mh).Encode(fc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFinalCommitment is the inverse of Encode.
func DecodeFinalCommitment(raw []byte) (*FinalCommitment, error) {
	var fc FinalCommitment
	if err := codec.NewDecoder(bytes.NewReader(raw), &mh).Decode(&fc); err != nil {
		return nil, err
	}
	return &fc, nil
}
