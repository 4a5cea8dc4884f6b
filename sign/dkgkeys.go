package sign

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
)

// dkgSuite is the G2 suite the distributed key generation runs over. The
// group shares generated by a DKG plug directly into the threshold-signing
// helpers above, which commit public polynomials to the same G2 base.
var dkgSuite = bn256.NewSuiteG2()

// DKGSuite returns the suite used for distributed key generation.
func DKGSuite() *bn256.Suite {
	return dkgSuite
}

// GenDKGKeys creates a long-term key pair a node uses to authenticate and
// encrypt its DKG exchanges.
func GenDKGKeys() (kyber.Scalar, kyber.Point) {
	priv := dkgSuite.Scalar().Pick(dkgSuite.RandomStream())
	pub := dkgSuite.Point().Mul(priv, nil)
	return priv, pub
}

// EncodeDKGPrivateKey serializes a long-term DKG secret key.
func EncodeDKGPrivateKey(priv kyber.Scalar) ([]byte, error) {
	return priv.MarshalBinary()
}

// DecodeDKGPrivateKey is the inverse of EncodeDKGPrivateKey.
func DecodeDKGPrivateKey(raw []byte) (kyber.Scalar, error) {
	priv := dkgSuite.Scalar()
	if err := priv.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return priv, nil
}

// EncodeDKGPublicKey serializes a long-term DKG public key.
func EncodeDKGPublicKey(pub kyber.Point) ([]byte, error) {
	return pub.MarshalBinary()
}

// DecodeDKGPublicKey is the inverse of EncodeDKGPublicKey.
func DecodeDKGPublicKey(raw []byte) (kyber.Point, error) {
	pub := dkgSuite.Point()
	if err := pub.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return pub, nil
}
