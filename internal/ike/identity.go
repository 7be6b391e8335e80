package ike

import "crypto/rsa"

// IdentityVerifier is the narrow collaborator interface Session setup
// consults to confirm a peer's claimed identity is provisioned with trust
// material before a ModeCfg exchange begins. internal/credential.Store
// satisfies this interface; Manager holds only the method it needs.
type IdentityVerifier interface {
	GetTrustedPublicKey(id string) (*rsa.PublicKey, error)
}
