package ike

import "errors"

var (
	// ErrCookieSpaceExhausted is returned when no collision-free cookie
	// could be found within the allocator's retry budget.
	ErrCookieSpaceExhausted = errors.New("cookie space exhausted")

	// ErrSessionClosed is returned by operations attempted on a session
	// that has already reached StateDone and been torn down.
	ErrSessionClosed = errors.New("session closed")

	// ErrDuplicateSession is returned by Manager.CreateSession when a
	// session already exists for the given cookie pair.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrSessionNotFound is returned when a lookup by cookie pair or id
	// misses.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoConnection is returned when a session cannot be bound to any
	// configured connection.
	ErrNoConnection = errors.New("no matching connection")

	// ErrUntrustedIdentity is returned by Manager.CreateSession when the
	// connection's RemoteID has no trust material registered with the
	// configured IdentityVerifier.
	ErrUntrustedIdentity = errors.New("untrusted remote identity")
)
