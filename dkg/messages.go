package dkg

import (
	"bytes"
	"reflect"

	"github.com/hashicorp/go-msgpack/codec"
	"go.dedis.ch/kyber/v3"
	pedersen "go.dedis.ch/kyber/v3/share/dkg/pedersen"
	"go.dedis.ch/protobuf"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/sign"
)

var mh codec.MsgpackHandle

// kyberCons lets the protobuf layer rebuild curve points and scalars when
// decoding the kyber structures nested inside DKG messages.
var kyberCons = makeConstructors()

func makeConstructors() protobuf.Constructors {
	cons := make(protobuf.Constructors)
	var point kyber.Point
	var secret kyber.Scalar
	cons[reflect.TypeOf(&point).Elem()] = func() interface{} { return sign.DKGSuite().Point() }
	cons[reflect.TypeOf(&secret).Elem()] = func() interface{} { return sign.DKGSuite().Scalar() }
	return cons
}

func encodeMsg(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &mh).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsg(raw []byte, v interface{}) error {
	return codec.NewDecoder(bytes.NewReader(raw), &mh).Decode(v)
}

// ContributionMsg carries one member's encrypted key contributions. Each
// deal is encrypted for exactly one receiving member, so the whole batch is
// safe to broadcast; receivers pick out the deal addressed to them.
type ContributionMsg struct {
	QuorumType uint8
	QuorumHash chain.Hash
	// Deals maps receiver member index to an encoded encrypted deal.
	Deals map[uint32][]byte
}

func (m *ContributionMsg) Encode() ([]byte, error) { return encodeMsg(m) }
func (m *ContributionMsg) Decode(raw []byte) error { return decodeMsg(raw, m) }

// ComplaintMsg carries a member's verdicts on the deals it received during
// the contribute phase. A verdict with complaint status accuses the dealer
// of sending an invalid share; approvals are needed too so every member can
// certify the session outcome.
type ComplaintMsg struct {
	QuorumType uint8
	QuorumHash chain.Hash
	Responses  [][]byte
}

func (m *ComplaintMsg) Encode() ([]byte, error) { return encodeMsg(m) }
func (m *ComplaintMsg) Decode(raw []byte) error { return decodeMsg(raw, m) }

// JustificationMsg carries an accused dealer's answers to complaints,
// revealing the disputed shares so other members can re-verify them.
type JustificationMsg struct {
	QuorumType     uint8
	QuorumHash     chain.Hash
	Justifications [][]byte
}

func (m *JustificationMsg) Encode() ([]byte, error) { return encodeMsg(m) }
func (m *JustificationMsg) Decode(raw []byte) error { return decodeMsg(raw, m) }

// PrematureCommitmentMsg is a member's view of the session outcome: the
// surviving member set, the quorum public key, and a signature share over
// the commitment hash made with the member's freshly generated key share.
// Threshold many agreeing commitments assemble into a FinalCommitment.
type PrematureCommitmentMsg struct {
	QuorumType      uint8
	QuorumHash      chain.Hash
	ValidMembers    []bool
	QuorumPublicKey []byte
	PartialSig      []byte
}

func (m *PrematureCommitmentMsg) Encode() ([]byte, error) { return encodeMsg(m) }
func (m *PrematureCommitmentMsg) Decode(raw []byte) error { return decodeMsg(raw, m) }

// dealWire strips pedersen.Deal's method set: Deal.MarshalBinary is a
// signing digest without an inverse, and protobuf.Encode would use it
// instead of the field encoding that decodeDeal parses.
type dealWire pedersen.Deal

func encodeDeal(d *pedersen.Deal) ([]byte, error) {
	return protobuf.Encode((*dealWire)(d))
}

func decodeDeal(raw []byte) (*pedersen.Deal, error) {
	var d pedersen.Deal
	if err := protobuf.DecodeWithConstructors(raw, &d, kyberCons); err != nil {
		return nil, err
	}
	return &d, nil
}

func encodeResponse(r *pedersen.Response) ([]byte, error) {
	return protobuf.Encode(r)
}

func decodeResponse(raw []byte) (*pedersen.Response, error) {
	var r pedersen.Response
	if err := protobuf.DecodeWithConstructors(raw, &r, kyberCons); err != nil {
		return nil, err
	}
	return &r, nil
}

func encodeJustification(j *pedersen.Justification) ([]byte, error) {
	return protobuf.Encode(j)
}

func decodeJustification(raw []byte) (*pedersen.Justification, error) {
	var j pedersen.Justification
	if err := protobuf.DecodeWithConstructors(raw, &j, kyberCons); err != nil {
		return nil, err
	}
	return &j, nil
}
