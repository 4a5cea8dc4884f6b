package sign

import (
	"bytes"
	"errors"

	"github.com/hashicorp/go-msgpack/codec"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var (
	// ErrBadPublicKey is returned when a key blob cannot be interpreted.
	ErrBadPublicKey = errors.New("malformed public key")
)

// suite is the BN256 pairing suite shared by all threshold operations.
// Secret shares live in the common scalar field, public commitments on G2,
// signatures on G1, which is also the layout a DKG session produces.
var suite = bn256.NewSuite()

// Suite returns the pairing suite used for threshold signatures.
func Suite() *bn256.Suite {
	return suite
}

// GenTSKeys generates a (t,n) threshold key: n private shares and the
// public polynomial commitment. Used by bootstrap tooling and tests; in a
// running cluster the shares normally come out of a DKG session instead.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly
}

// SignTSPartial creates this node's signature share over the data.
func SignTSPartial(priShare *share.PriShare, data []byte) []byte {
	sig, err := tbls.Sign(suite, priShare, data)
	if err != nil {
		panic(err)
	}
	return sig
}

// VerifyTSPartial checks a single signature share against the public
// polynomial. A failure attributes misbehavior to the share's owner.
func VerifyTSPartial(pubPoly *share.PubPoly, data, partialSig []byte) error {
	return tbls.Verify(suite, pubPoly, data, partialSig)
}

// AssembleIntactTSPartial recovers the full threshold signature from at
// least t signature shares.
func AssembleIntactTSPartial(partialSigs [][]byte, pubPoly *share.PubPoly, data []byte, t, n int) []byte {
	sig, err := tbls.Recover(suite, pubPoly, data, partialSigs, t, n)
	if err != nil {
		panic(err)
	}
	return sig
}

// RecoverTS is the error-returning variant of AssembleIntactTSPartial for
// callers that must survive byzantine shares.
func RecoverTS(partialSigs [][]byte, pubPoly *share.PubPoly, data []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pubPoly, data, partialSigs, t, n)
}

// TSPartialIndex extracts the share index baked into a signature share,
// identifying which member produced it.
func TSPartialIndex(partialSig []byte) (int, error) {
	return tbls.SigShare(partialSig).Index()
}

// VerifyTS checks a recovered threshold signature against the group public
// key (the free coefficient of the public polynomial).
func VerifyTS(pubPoly *share.PubPoly, data, sig []byte) error {
	return bls.Verify(suite, pubPoly.Commit(), data, sig)
}

// VerifyTSWithKey checks a recovered threshold signature against a bare
// group public key point.
func VerifyTSWithKey(groupKey kyber.Point, data, sig []byte) error {
	return bls.Verify(suite, groupKey, data, sig)
}

type encodedPriShare struct {
	I int
	V []byte
}

type encodedPubPoly struct {
	Commits [][]byte
}

var mh codec.MsgpackHandle

// EncodeTSPartialKey serializes a private share for a config file.
func EncodeTSPartialKey(priShare *share.PriShare) ([]byte, error) {
	v, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &mh).Encode(encodedPriShare{I: priShare.I, V: v}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTSPartialKey is the inverse of EncodeTSPartialKey.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	var enc encodedPriShare
	if err := codec.NewDecoder(bytes.NewReader(data), &mh).Decode(&enc); err != nil {
		return nil, err
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(enc.V); err != nil {
		return nil, err
	}
	return &share.PriShare{I: enc.I, V: v}, nil
}

// EncodeTSPublicKey serializes the public polynomial commitments.
func EncodeTSPublicKey(pubPoly *share.PubPoly) ([]byte, error) {
	_, commits := pubPoly.Info()
	enc := encodedPubPoly{Commits: make([][]byte, len(commits))}
	for i, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		enc.Commits[i] = b
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &mh).Encode(enc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTSPublicKey is the inverse of EncodeTSPublicKey.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	var enc encodedPubPoly
	if err := codec.NewDecoder(bytes.NewReader(data), &mh).Decode(&enc); err != nil {
		return nil, err
	}
	if len(enc.Commits) == 0 {
		return nil, ErrBadPublicKey
	}
	commits := make([]kyber.Point, len(enc.Commits))
	for i, b := range enc.Commits {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		commits[i] = p
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}

// MarshalPoints flattens a commitment vector for transport or storage.
func MarshalPoints(points []kyber.Point) ([][]byte, error) {
	out := make([][]byte, len(points))
	for i, p := range points {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// UnmarshalG2Points rebuilds a commitment vector on G2.
func UnmarshalG2Points(blobs [][]byte) ([]kyber.Point, error) {
	out := make([]kyber.Point, len(blobs))
	for i, b := range blobs {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
