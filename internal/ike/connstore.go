package ike

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// ErrConnectionNotFound indicates no connection matched the lookup.
var ErrConnectionNotFound = errors.New("connection not found")

// matchPriority classifies how well a candidate connection's remote host
// matches a lookup's remote address. Higher values win; ties are broken by
// insertion order (first-inserted wins), grounded on
// local_connection_store.c's PRIO_ADDR_MATCH/PRIO_ADDR_ANY scheme.
type matchPriority uint8

const (
	prioUndefined matchPriority = iota
	prioAddrAny
	prioAddrMatch
)

// Connection is a configured connection entry: local/remote host addresses
// (either of which may be the wildcard, any-address endpoint), a symbolic
// name, identities, policy parameters, and an optional virtual IP the
// responder should push to the initiator via ModeCfg.
type Connection struct {
	// Name is the symbolic connection name. Unique within a Store.
	Name string

	// LocalHost is the local endpoint address. May be the wildcard address.
	LocalHost netip.Addr

	// RemoteHost is the remote endpoint address. May be the wildcard address.
	RemoteHost netip.Addr

	// LocalID and RemoteID are the negotiated identities for this connection.
	LocalID  string
	RemoteID string

	// HostSrcIP is the virtual IP the responder should assign to the
	// initiator via ModeCfg. The zero Addr means "none configured".
	HostSrcIP netip.Addr

	// ClientSubnet is the local client subnet applied once ModeCfg assigns
	// an address (set by InternalAddress.ApplyToConnection).
	ClientSubnet netip.Prefix

	// HasClient is true once a ModeCfg-assigned client subnet has been
	// applied to this connection.
	HasClient bool

	// DNS and NBNS are the configured name-server lists offered to
	// initiators during ModeCfg, up to two addresses each.
	DNS  []netip.Addr
	NBNS []netip.Addr
}

// remoteMatch classifies how RemoteHost compares to a lookup's remote
// address: an exact match outranks the wildcard, which outranks no match
// at all (reported via the second return value).
func (c *Connection) remoteMatch(remote netip.Addr) (matchPriority, bool) {
	if c.RemoteHost == remote {
		return prioAddrMatch, true
	}
	if isAnyAddr(c.RemoteHost) {
		return prioAddrAny, true
	}
	return prioUndefined, false
}

// isAnyAddr reports whether addr is the any-address sentinel (unspecified,
// e.g. 0.0.0.0 or ::) or the zero netip.Addr.
func isAnyAddr(addr netip.Addr) bool {
	return !addr.IsValid() || addr.IsUnspecified()
}

// Store is a concurrent registry of configured connections, keyed by name
// and queryable by host pair with priority-based tie-breaking. A single
// mutex serializes all operations: coarse, but sufficient since the store
// is consulted at session setup rather than per-packet.
//
// Exact host-pair matching and tie-break semantics follow
// local_connection_store.c; concurrency control follows the idiom of a
// mutex guarding a slice plus a name index.
type Store struct {
	mu          sync.Mutex
	connections []*Connection
	byName      map[string]*Connection
}

// NewStore creates an empty connection store.
func NewStore() *Store {
	return &Store{
		byName: make(map[string]*Connection),
	}
}

// Add appends a connection to the store. Duplicate names are rejected by
// the configuration layer upstream, not here.
func (s *Store) Add(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connections = append(s.connections, conn)
	s.byName[conn.Name] = conn
}

// GetByName returns the connection registered under name, or
// ErrConnectionNotFound if no such connection exists.
func (s *Store) GetByName(name string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("get connection %q: %w", name, ErrConnectionNotFound)
	}
	return conn, nil
}

// GetByHosts scans all entries for the highest-priority match of the given
// local/remote host pair. local must match a candidate's LocalHost exactly.
// The remote match is classified as an exact match (priority 2), a wildcard
// match (priority 1), or a non-match (candidate skipped). The
// highest-priority candidate wins; ties are broken by first-inserted-wins.
//
// Returns ErrConnectionNotFound if no candidate matches.
func (s *Store) GetByHosts(local, remote netip.Addr) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found    *Connection
		bestPrio matchPriority
	)

	for _, candidate := range s.connections {
		if candidate.LocalHost != local {
			continue
		}

		prio, ok := candidate.remoteMatch(remote)
		if !ok {
			continue
		}

		if prio > bestPrio {
			found = candidate
			bestPrio = prio
		}
	}

	if found == nil {
		return nil, fmt.Errorf("get connection for hosts %s...%s: %w",
			local, remote, ErrConnectionNotFound)
	}
	return found, nil
}

// Delete removes and destroys the connection registered under name.
// Returns ErrConnectionNotFound if no such connection exists.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[name]; !ok {
		return fmt.Errorf("delete connection %q: %w", name, ErrConnectionNotFound)
	}
	delete(s.byName, name)

	for i, c := range s.connections {
		if c.Name == name {
			s.connections = append(s.connections[:i], s.connections[i+1:]...)
			break
		}
	}
	return nil
}

// Iter returns a snapshot copy of all registered connections. The copy is
// taken under the store's mutex and safe to range over without holding any
// lock; this is the Go analogue of the C store's locked iterator, chosen
// because a Go iterator that holds a mutex across caller-controlled
// iteration risks deadlock if the caller re-enters the store.
func (s *Store) Iter() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Connection, len(s.connections))
	copy(out, s.connections)
	return out
}

// Len returns the number of registered connections.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}
