package ike

import (
	"math/rand/v2"
	"time"
)

// Timing policy constants. These reproduce the classic pluto/charon backoff
// schedule exactly: a peer that never replies to a retransmitted exchange is
// declared dead after 6 attempts spanning approximately 165 seconds
// (4 + 7 + 13 + 23 + 42 + 76 = 165).
const (
	// initialRetransmitTimeout is the timeout before the first retransmit.
	initialRetransmitTimeout = 4000 * time.Millisecond

	// retransmitBase is the exponential backoff multiplier applied per try.
	retransmitBase = 1.8

	// retransmitTries is the number of retransmits attempted before the
	// exchange is abandoned. Try counts 0..retransmitTries return a
	// nonzero timeout; retransmitTries+1 and beyond return zero ("give up").
	retransmitTries = 5

	// HalfOpenTimeout is the maximum time a session may remain unauthenticated
	// before the half-open reaper deletes it.
	HalfOpenTimeout = 30000 * time.Millisecond

	// KeepaliveInterval is the idle period after which a NAT keepalive is sent.
	KeepaliveInterval = 20 * time.Second

	// CompletedSessionLinger is how long a session that reached StateDone
	// by completing its exchange (as opposed to half-open expiry or
	// retransmit exhaustion) is kept around before the reaper frees its
	// peer slot, giving admin API/state-notifier subscribers a window to
	// observe the terminal state.
	CompletedSessionLinger = 5 * time.Second

	// retryBaseInterval is the base interval for retrying after a soft,
	// transient failure (e.g., peer temporarily unreachable).
	retryBaseInterval = 30 * time.Second

	// retryJitter bounds the random component subtracted from the retry
	// base interval, decorrelating retries across many sessions.
	retryJitter = 20 * time.Second
)

// RetransmitTimeout returns the delay before the (tryCount+1)-th retransmit
// of the current exchange. tryCount is the number of retransmits already
// sent (0 for the delay before the first retransmit).
//
// Returns zero once tryCount reaches the configured try budget; the caller
// must interpret a zero return as "abandon this exchange" and declare the
// peer dead rather than schedule another timer.
//
// The resulting schedule (try counts 0..4) is approximately
// 4000, 7200, 12960, 23328, 41990 ms -- rounding to the classic 4/7/13/23/42
// second cadence, with a sixth and final wait of ~76s before giving up,
// totalling approximately 165 seconds across 6 attempts.
func RetransmitTimeout(tryCount uint32) time.Duration {
	if tryCount >= retransmitTries+1 {
		return 0
	}
	d := float64(initialRetransmitTimeout)
	for range tryCount {
		d *= retransmitBase
	}
	return time.Duration(d)
}

// HalfOpenIKESATimeout returns the duration an unauthenticated session may
// remain half-open before the half-open reaper deletes it.
func HalfOpenIKESATimeout() time.Duration {
	return HalfOpenTimeout
}

// KeepaliveIntervalDuration returns the idle period after which a NAT
// keepalive datagram is sent.
func KeepaliveIntervalDuration() time.Duration {
	return KeepaliveInterval
}

// CompletedSessionLingerDuration returns how long a successfully completed
// session is retained before it is evicted and its peer slot freed.
func CompletedSessionLingerDuration() time.Duration {
	return CompletedSessionLinger
}

// RetryInterval returns the delay before retrying after a transient,
// recoverable failure: the base interval minus a uniformly distributed
// random jitter in [0, retryJitter), decorrelating synchronized retries
// across many sessions.
func RetryInterval() time.Duration {
	jitter := time.Duration(rand.Int64N(int64(retryJitter))) //nolint:gosec // G404: jitter is not security-sensitive
	return retryBaseInterval - jitter
}
