// Package credential declares the collaborator that supplies trusted
// public keys and RSA signing/verification primitives for IKE Phase 1
// authentication.
package credential

import "crypto/rsa"

// Store resolves an identity string (the negotiated LocalID/RemoteID
// from an IKE exchange) to cryptographic material and performs RSA
// signing/verification on its behalf.
type Store interface {
	// GetTrustedPublicKey returns the public key this daemon trusts for
	// the peer identified by id.
	GetTrustedPublicKey(id string) (*rsa.PublicKey, error)
	GetRSAPublicKey(id string) (*rsa.PublicKey, error)
	GetRSAPrivateKey(id string) (*rsa.PrivateKey, error)
	// Sign produces a signature over digest using the private key
	// belonging to id.
	Sign(id string, digest []byte) ([]byte, error)
	// Verify checks sig over digest against the trusted public key for
	// id.
	Verify(id string, digest, sig []byte) error
}
