/*
Package sign wraps the cryptographic primitives used across the node:
ED25519 signatures for authenticating peer messages, and BN256 BLS
threshold signatures (via kyber) for quorum signing. The threshold keys
handled here are either generated up front (bootstrap clusters) or
produced by a finished DKG session; both yield the same share/poly types.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
)

// GenED25519Keys creates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return privKey, pubKey
}

// SignEd25519 signs the data with the node's ED25519 private key.
func SignEd25519(privKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privKey, data)
}

// VerifySignEd25519 checks an ED25519 signature over the data.
func VerifySignEd25519(pubKey ed25519.PublicKey, data []byte, sig []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, ErrBadPublicKey
	}
	return ed25519.Verify(pubKey, data, sig), nil
}
