package ike

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// maxCookieAllocAttempts bounds how many times CookieAllocator retries on a
// collision before giving up.
const maxCookieAllocAttempts = 100

// CookiePair identifies an IKE session by its initiator/responder cookie
// pair, used as the Manager's session-table key.
type CookiePair struct {
	ICookie [8]byte
	RCookie [8]byte
}

// CookieAllocator generates random, collision-free 8-byte responder
// cookies: a mutex-guarded set, crypto/rand-sourced candidates, a bounded
// retry loop, and an all-zero value that is never issued.
type CookieAllocator struct {
	mu        sync.Mutex
	allocated map[[8]byte]struct{}
}

// NewCookieAllocator creates an empty allocator.
func NewCookieAllocator() *CookieAllocator {
	return &CookieAllocator{
		allocated: make(map[[8]byte]struct{}),
	}
}

// Allocate returns a fresh, previously unissued, non-zero cookie. It
// retries up to maxCookieAllocAttempts times on collision before returning
// ErrCookieSpaceExhausted.
func (c *CookieAllocator) Allocate() ([8]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for range maxCookieAllocAttempts {
		var candidate [8]byte
		if _, err := rand.Read(candidate[:]); err != nil {
			return [8]byte{}, err
		}
		if candidate == ([8]byte{}) {
			continue
		}
		if _, exists := c.allocated[candidate]; exists {
			continue
		}
		c.allocated[candidate] = struct{}{}
		return candidate, nil
	}

	return [8]byte{}, ErrCookieSpaceExhausted
}

// Release returns a cookie to the available pool.
func (c *CookieAllocator) Release(cookie [8]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.allocated, cookie)
}

// IsAllocated reports whether cookie is currently issued.
func (c *CookieAllocator) IsAllocated(cookie [8]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.allocated[cookie]
	return ok
}

// allocateMessageID returns a fresh, non-zero, random 32-bit message id for
// a new outbound exchange.
func allocateMessageID() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id != 0 {
			return id, nil
		}
	}
}
