package node

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
)

// Frame tags. The tag byte leads every wire frame and is covered by the
// envelope signature, so a payload cannot be replayed as a different kind.
const (
	ContributionTag uint8 = iota + 1
	ComplaintTag
	JustificationTag
	PrematureCommitmentTag
	FinalCommitmentTag
	SigShareTag
	ChainLockTag
	BlockTag
)

// frameName labels frame tags for logs and metrics.
func frameName(msgType uint8) string {
	switch msgType {
	case ContributionTag:
		return "contribution"
	case ComplaintTag:
		return "complaint"
	case JustificationTag:
		return "justification"
	case PrematureCommitmentTag:
		return "premature-commitment"
	case FinalCommitmentTag:
		return "final-commitment"
	case SigShareTag:
		return "sig-share"
	case ChainLockTag:
		return "chain-lock"
	case BlockTag:
		return "block"
	default:
		return "unknown"
	}
}

var mh codec.MsgpackHandle

// encode encodes the data into bytes.
// Data can be of any type.
func encode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &mh).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode decodes bytes into the data.
// Data should be passed in the format of a pointer to a type.
func decode(s []byte, data interface{}) error {
	return codec.NewDecoder(bytes.NewReader(s), &mh).Decode(data)
}

// signedBytes is the byte string an envelope signature covers: the frame
// tag followed by the payload.
func signedBytes(msgType uint8, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = msgType
	copy(buf[1:], payload)
	return buf
}

// DKG payloads lead with the quorum type byte so dispatch can route them
// to the right session handler without touching the body.
func prefixQuorumType(quorumType uint8, body []byte) []byte {
	buf := make([]byte, 1+len(body))
	buf[0] = quorumType
	copy(buf[1:], body)
	return buf
}
