package policy

import "crypto/ed25519"

// Verifier checks a detached signature over a message. Key management stays
// with the caller: the store holds the public key, the verifier only does
// the math, so tests and HSM-backed deployments can swap implementations.
type Verifier interface {
	Verify(msg, sig []byte, pub ed25519.PublicKey) bool
}

// Ed25519Verifier is the default Verifier.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(msg, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
