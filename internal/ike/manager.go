package ike

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// notifyChSize buffers the raw per-session fan-in and the public fan-out
// channel so a burst of simultaneous transitions never blocks a session
// goroutine.
const notifyChSize = 64

// Sentinel errors for Manager operations. ErrDuplicateSession,
// ErrSessionNotFound and ErrNoConnection are already declared in errors.go
// and reused here.
var ErrInvalidPeerAddr = errors.New("peer address must be valid")

// sessionEntry holds a session and the cancel func that stops its Run
// goroutine, plus the peer key it was registered under so DestroySession
// can clean up both lookup maps.
type sessionEntry struct {
	session *Session
	cancel  context.CancelFunc
	peerKey netip.Addr
}

// Manager owns every ModeCfg session, demultiplexes inbound datagrams by
// cookie pair (and by source address before a responder has allocated its
// cookie), and provides session CRUD plus a fanned-out StateChange stream.
//
// Two lookup maps (primary key plus an initial-contact key), a RWMutex, a
// CreateSession/DestroySession pair decomposed into small private helpers,
// and a raw-then-public notification channel pair so session goroutines
// never block on slow subscribers.
type Manager struct {
	mu sync.RWMutex

	// sessions is the primary lookup, keyed by the full cookie pair once
	// both cookies are known.
	sessions map[CookiePair]*sessionEntry

	// sessionsByPeer is the fallback lookup used for an initiator's first
	// REQUEST/SET, before the responder has chosen its cookie, or to
	// reject a duplicate in-flight exchange to the same peer.
	sessionsByPeer map[netip.Addr]*sessionEntry

	cookies *CookieAllocator

	metrics  MetricsReporter
	identity IdentityVerifier

	rawNotifyCh    chan StateChange
	publicNotifyCh chan StateChange

	logger *slog.Logger
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithManagerMetrics sets the MetricsReporter for the manager and every
// session it creates. If mr is nil the default no-op reporter is kept.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// WithIdentityVerifier configures the credential collaborator consulted at
// session setup. If v is nil (the default), no identity check is
// performed and CreateSession accepts any RemoteID.
func WithIdentityVerifier(v IdentityVerifier) ManagerOption {
	return func(m *Manager) {
		m.identity = v
	}
}

// NewManager creates an empty session manager. It does not start the
// dispatch loop; the caller runs RunDispatch.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:       make(map[CookiePair]*sessionEntry),
		sessionsByPeer: make(map[netip.Addr]*sessionEntry),
		cookies:        NewCookieAllocator(),
		metrics:        noopMetrics{},
		rawNotifyCh:    make(chan StateChange, notifyChSize),
		publicNotifyCh: make(chan StateChange, notifyChSize),
		logger:         logger.With(slog.String("component", "ike.manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// -------------------------------------------------------------------
// Session CRUD -- Create
// -------------------------------------------------------------------

// CreateSession allocates a responder cookie when cfg.RCookie is the zero
// value, constructs a Session, registers it under both lookup maps, and
// starts its Run goroutine.
//
// Returns ErrDuplicateSession if an exchange is already in flight with the
// same peer.
func (m *Manager) CreateSession(ctx context.Context, cfg SessionConfig, sender PacketSender) (*Session, error) {
	if !cfg.PeerAddr.IsValid() {
		return nil, fmt.Errorf("create session: %w", ErrInvalidPeerAddr)
	}

	if err := m.checkDuplicate(cfg.PeerAddr); err != nil {
		return nil, err
	}

	if err := m.verifyIdentity(cfg.Connection); err != nil {
		return nil, err
	}

	sess, err := m.allocateAndBuild(cfg, sender)
	if err != nil {
		return nil, err
	}

	if err := m.registerAndStart(ctx, cfg.PeerAddr, sess); err != nil {
		m.cookies.Release(sess.CookiePair().RCookie)
		return nil, err
	}

	m.logSessionCreated(cfg, sess)

	return sess, nil
}

// checkDuplicate verifies no session is already in flight with peerAddr.
func (m *Manager) checkDuplicate(peerAddr netip.Addr) error {
	m.mu.RLock()
	_, exists := m.sessionsByPeer[peerAddr]
	m.mu.RUnlock()

	if exists {
		return fmt.Errorf("create session for peer %s: %w", peerAddr, ErrDuplicateSession)
	}
	return nil
}

// allocateAndBuild allocates a responder cookie when the caller has not
// already chosen one (the responder side of a fresh exchange) and
// constructs the Session. The cookie is released if session construction
// fails.
func (m *Manager) allocateAndBuild(cfg SessionConfig, sender PacketSender) (*Session, error) {
	if cfg.RCookie == ([8]byte{}) {
		rcookie, err := m.cookies.Allocate()
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		cfg.RCookie = rcookie
	}

	sess, err := NewSession(cfg, sender, m.rawNotifyCh, m.logger, WithMetrics(m.metrics))
	if err != nil {
		m.cookies.Release(cfg.RCookie)
		return nil, fmt.Errorf("create session: %w", err)
	}

	return sess, nil
}

// registerAndStart registers the session under write lock and starts its
// goroutine, re-checking for a duplicate that may have appeared between
// the initial RLock check and this WLock.
func (m *Manager) registerAndStart(ctx context.Context, peerAddr netip.Addr, sess *Session) error {
	m.mu.Lock()
	if _, dup := m.sessionsByPeer[peerAddr]; dup {
		m.mu.Unlock()
		return fmt.Errorf("create session for peer %s: %w", peerAddr, ErrDuplicateSession)
	}

	entry := &sessionEntry{session: sess, peerKey: peerAddr}

	// Decouple the session's lifetime from ctx so a request-scoped
	// context cancelling does not tear the session down early. Graceful
	// shutdown instead calls DrainAllSessions then Close.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry.cancel = cancel
	go sess.Run(sessCtx)

	m.sessions[sess.CookiePair()] = entry
	m.sessionsByPeer[peerAddr] = entry
	m.mu.Unlock()

	return nil
}

// verifyIdentity confirms conn's RemoteID has trust material provisioned
// in the configured IdentityVerifier. A no-op when no verifier is
// configured or conn carries no RemoteID, so deployments that do not use
// identity-gated connections are unaffected.
func (m *Manager) verifyIdentity(conn *Connection) error {
	if m.identity == nil || conn == nil || conn.RemoteID == "" {
		return nil
	}
	if _, err := m.identity.GetTrustedPublicKey(conn.RemoteID); err != nil {
		return fmt.Errorf("create session: identity %q: %w", conn.RemoteID, ErrUntrustedIdentity)
	}
	return nil
}

func (m *Manager) logSessionCreated(cfg SessionConfig, sess *Session) {
	m.metrics.RegisterSession(cfg.PeerAddr, cfg.LocalAddr)

	m.logger.Info("session created",
		slog.String("peer", cfg.PeerAddr.String()),
		slog.String("local", cfg.LocalAddr.String()),
		slog.String("role", cfg.Role.String()),
		slog.String("mode", cfg.Mode.String()),
		slog.String("icookie", fmt.Sprintf("%x", cfg.ICookie)),
		slog.String("rcookie", fmt.Sprintf("%x", sess.CookiePair().RCookie)),
	)
}

// -------------------------------------------------------------------
// Session CRUD -- Destroy
// -------------------------------------------------------------------

// DestroySession stops and removes the session identified by pair.
func (m *Manager) DestroySession(pair CookiePair) error {
	m.mu.Lock()
	entry, ok := m.sessions[pair]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("destroy session %x/%x: %w", pair.ICookie, pair.RCookie, ErrSessionNotFound)
	}

	delete(m.sessions, pair)
	delete(m.sessionsByPeer, entry.peerKey)
	m.mu.Unlock()

	entry.cancel()
	m.cookies.Release(pair.RCookie)
	m.metrics.UnregisterSession(entry.session.PeerAddr(), entry.session.LocalAddr())

	m.logger.Info("session destroyed",
		slog.String("peer", entry.session.PeerAddr().String()),
		slog.String("icookie", fmt.Sprintf("%x", pair.ICookie)),
		slog.String("rcookie", fmt.Sprintf("%x", pair.RCookie)),
	)

	return nil
}

// -------------------------------------------------------------------
// Lookup and demultiplexing
// -------------------------------------------------------------------

// LookupByCookiePair returns the session registered under pair.
func (m *Manager) LookupByCookiePair(pair CookiePair) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sessions[pair]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// LookupByPeer returns the session currently in flight with peerAddr, used
// before a responder cookie has been learned.
func (m *Manager) LookupByPeer(peerAddr netip.Addr) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sessionsByPeer[peerAddr]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// ErrDemuxNoMatch is returned when an inbound datagram matches no session
// by cookie pair or by peer address.
var ErrDemuxNoMatch = errors.New("no matching session for inbound datagram")

// Demux parses b as a ModeCfg message and routes it to the matching
// session. The full (icookie, rcookie) pair is tried first; if rcookie is
// still zero (an initiator's very first datagram to a not-yet-registered
// responder cookie never reaches here, since responders learn cookies from
// Phase 1, not ModeCfg) the peer-address fallback is used.
func (m *Manager) Demux(peerAddr netip.Addr, b []byte) error {
	msg, err := ParseModeCfgMessage(b)
	if err != nil {
		return fmt.Errorf("demux: %w", err)
	}

	pair := CookiePair{ICookie: msg.Header.ICookie, RCookie: msg.Header.RCookie}
	if sess, ok := m.LookupByCookiePair(pair); ok {
		sess.RecvMessage(msg, b)
		return nil
	}

	if sess, ok := m.LookupByPeer(peerAddr); ok {
		sess.RecvMessage(msg, b)
		return nil
	}

	return fmt.Errorf("demux: peer %s icookie %x rcookie %x: %w",
		peerAddr, msg.Header.ICookie, msg.Header.RCookie, ErrDemuxNoMatch)
}

// -------------------------------------------------------------------
// Snapshot
// -------------------------------------------------------------------

// Sessions returns a snapshot of every active session.
func (m *Manager) Sessions() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(m.sessions))
	for _, entry := range m.sessions {
		snaps = append(snaps, entry.session.Snapshot())
	}
	return snaps
}

// -------------------------------------------------------------------
// Notification dispatch
// -------------------------------------------------------------------

// StateChanges returns the read-only fan-out channel of StateChange
// events. A single consumer is expected (the dbus notifier and/or the
// admin API's NDJSON stream subscribe through a broadcaster built on top of
// this channel).
func (m *Manager) StateChanges() <-chan StateChange {
	return m.publicNotifyCh
}

// RunDispatch forwards every session's raw StateChange onto the public
// fan-out channel until ctx is cancelled. Must be started once, typically
// from the daemon's main goroutine.
func (m *Manager) RunDispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc := <-m.rawNotifyCh:
			select {
			case m.publicNotifyCh <- sc:
			default:
				m.logger.Warn("public notification channel full, dropping state change",
					slog.String("new_state", sc.NewState.String()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------

// DrainAllSessions forces every session into the terminal Done state so
// each session's StateChange notification is emitted before the process
// exits. The caller should wait briefly for those notifications to drain
// before calling Close.
func (m *Manager) DrainAllSessions() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.sessions {
		entry.session.Terminate()
	}

	m.logger.Info("all sessions terminated for graceful drain", slog.Int("count", len(m.sessions)))
}

// Close cancels every session goroutine and releases cookies. After Close
// returns, no new sessions should be created and StateChanges should no
// longer be read.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pair, entry := range m.sessions {
		entry.cancel()
		m.cookies.Release(pair.RCookie)
	}

	m.sessions = make(map[CookiePair]*sessionEntry)
	m.sessionsByPeer = make(map[netip.Addr]*sessionEntry)

	m.logger.Info("manager closed")
}

// halfOpenReapInterval is how often a periodic caller should invoke
// ReapHalfOpen; the per-session half-open timeout itself is enforced inside
// Session.Run, so this is a coarse backstop for sessions whose goroutine
// somehow stalled rather than the primary mechanism.
const halfOpenReapInterval = 10 * time.Second

// ReapHalfOpen destroys every session that has sat half-open longer than
// HalfOpenIKESATimeout (a backstop alongside each session's own half-open
// timer, invoked periodically per halfOpenReapInterval) and every session
// that reached StateDone by completing its exchange and has lingered past
// CompletedSessionLingerDuration. declarePeerDead and the half-open timer
// both drive a session to StateDone while IsHalfOpen() is still true
// (establishedAt is never set on those paths), so they already fall into
// the first case below; only a session that actually completes its
// exchange needs the second case, since ActionNotifyEstablished is what
// makes IsHalfOpen() false. Without it, a peer that finishes a ModeCfg
// exchange could never start another one, since checkDuplicate would see
// its entry forever.
func (m *Manager) ReapHalfOpen() {
	halfOpenDeadline := HalfOpenIKESATimeout()
	completedDeadline := CompletedSessionLingerDuration()

	m.mu.RLock()
	var stale []CookiePair
	for pair, entry := range m.sessions {
		switch {
		case entry.session.IsHalfOpen() && time.Since(entry.session.LastStateChange()) > halfOpenDeadline:
			stale = append(stale, pair)
		case !entry.session.IsHalfOpen() && entry.session.State() == StateDone &&
			time.Since(entry.session.LastStateChange()) > completedDeadline:
			stale = append(stale, pair)
		}
	}
	m.mu.RUnlock()

	for _, pair := range stale {
		if err := m.DestroySession(pair); err != nil {
			m.logger.Debug("reap session", slog.String("error", err.Error()))
		}
	}
}
