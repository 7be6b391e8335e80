package ike

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // G505: SHA1 remains a configurable ModeCfg hash, negotiated not mandated
	"crypto/sha256"
	"crypto/subtle"
	"hash"
)

// HashSHA1 and HashSHA256 are the negotiable HMAC hash constructors a
// session may use for its ModeCfg HASH payload, selected during Phase-1
// negotiation and stored on the Session.
func HashSHA1() hash.Hash {
	return sha1.New() //nolint:gosec // G401: SHA1 remains a configurable ModeCfg hash, negotiated not mandated
}

func HashSHA256() hash.Hash {
	return sha256.New()
}

// newHMAC constructs an HMAC instance over the given hash constructor and
// key.
func newHMAC(hashFunc func() hash.Hash, key []byte) hash.Hash {
	return hmac.New(hashFunc, key)
}

// hmacEqual performs a constant-time comparison of two HMAC digests,
// rejecting length mismatches up front.
func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
