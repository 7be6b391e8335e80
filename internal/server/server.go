// Package server implements the Admin API HTTP server for the IKE daemon.
//
// The server is a thin struct wrapping the session Manager, one method per
// endpoint, logging and recovery middleware, and a streaming list-and-watch
// endpoint, served as JSON over net/http using gorilla/mux for routing.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"

	"github.com/dantte-lp/iked/internal/ike"
)

// Sentinel errors for the server package.
var (
	// ErrMissingSessionID indicates a request path was missing the
	// {id} segment.
	ErrMissingSessionID = errors.New("session id must be provided")

	// ErrInvalidSessionID indicates the {id} path segment was not a
	// valid icookie-rcookie pair.
	ErrInvalidSessionID = errors.New("session id must be 16 hex bytes as icookie-rcookie")

	// ErrInvalidRole indicates an unrecognized role in a request body.
	ErrInvalidRole = errors.New("role must be \"initiator\" or \"responder\"")

	// ErrInvalidMode indicates an unrecognized mode in a request body.
	ErrInvalidMode = errors.New("mode must be \"pull\" or \"push\"")

	// ErrMissingConnectionName indicates a create request did not name a
	// configured connection.
	ErrMissingConnectionName = errors.New("connection name must be provided")

	// ErrMissingSkeyID indicates a create request did not supply the
	// negotiated SKEYID_a needed to key the ModeCfg HASH payload.
	ErrMissingSkeyID = errors.New("skeyid_a must be provided as hex")

	// ErrInvalidHashAlgo indicates an unrecognized hash_algo in a request
	// body.
	ErrInvalidHashAlgo = errors.New("hash_algo must be \"sha1\" or \"sha256\"")

	// ErrStreamingUnsupported indicates the underlying ResponseWriter does
	// not support flushing for a chunked stream.
	ErrStreamingUnsupported = errors.New("streaming unsupported by response writer")
)

// noopSender is a PacketSender that discards every datagram. It is the
// default sender used by New when the caller does not supply one via
// WithPacketSender, e.g. in tests that never exercise real network I/O.
type noopSender struct{}

func (noopSender) SendPacket(_ context.Context, _ []byte, _ netip.Addr) error {
	return nil
}

// Server implements the Admin API: session CRUD and a state-change stream
// over the configured connection set.
//
// A thin adapter holding the session Manager, decomposed into one method
// per endpoint plus small request/response conversion helpers.
type Server struct {
	manager   *ike.Manager
	conns     *ike.Store
	logger    *slog.Logger
	sender    ike.PacketSender
	subscribe func() <-chan ike.StateChange
}

// Option configures optional Server parameters.
type Option func(*Server)

// WithPacketSender sets the PacketSender used for sessions created through
// POST /sessions. Without this option, created sessions discard every
// outbound datagram -- the daemon supplies a real UDP-backed sender wired
// to the same socket its receive loop reads from.
func WithPacketSender(sender ike.PacketSender) Option {
	return func(s *Server) {
		if sender != nil {
			s.sender = sender
		}
	}
}

// WithStateChangeSource overrides the channel handleStreamSessions reads
// from. ike.Manager.StateChanges is a single-consumer channel; when the
// daemon also feeds a D-Bus notifier from the same upstream, it supplies a
// broadcaster subscription here instead of the manager's channel directly.
func WithStateChangeSource(f func() <-chan ike.StateChange) Option {
	return func(s *Server) {
		if f != nil {
			s.subscribe = f
		}
	}
}

// New creates a Server and returns the http.Handler serving its routes.
// Logging and recovery middleware wrap every route.
func New(mgr *ike.Manager, conns *ike.Store, logger *slog.Logger, opts ...Option) http.Handler {
	srv := &Server{
		manager:   mgr,
		conns:     conns,
		logger:    logger.With(slog.String("component", "server")),
		sender:    noopSender{},
		subscribe: mgr.StateChanges,
	}
	for _, opt := range opts {
		opt(srv)
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/sessions").Subrouter()
	api.HandleFunc("", srv.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("", srv.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/stream", srv.handleStreamSessions).Methods(http.MethodGet)
	api.HandleFunc("/{id}", srv.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/{id}", srv.handleDeleteSession).Methods(http.MethodDelete)

	router.HandleFunc("/connections", srv.handleListConnections).Methods(http.MethodGet)

	router.Use(LoggingMiddleware(srv.logger))
	router.Use(RecoveryMiddleware(srv.logger))

	return router
}

// -------------------------------------------------------------------------
// JSON wire types
// -------------------------------------------------------------------------

// sessionJSON is the JSON representation of an ike.Snapshot.
type sessionJSON struct {
	ID               string    `json:"id"`
	State            string    `json:"state"`
	MessageID        uint32    `json:"message_id"`
	TryCount         uint32    `json:"try_count"`
	PeerAddr         string    `json:"peer_addr"`
	LocalAddr        string    `json:"local_addr"`
	ConnectionName   string    `json:"connection_name,omitempty"`
	IsHalfOpen       bool      `json:"is_half_open"`
	PacketsSent      uint64    `json:"packets_sent"`
	PacketsReceived  uint64    `json:"packets_received"`
	StateTransitions uint64    `json:"state_transitions"`
	LastStateChange  time.Time `json:"last_state_change"`
	LastPacketRecv   time.Time `json:"last_packet_recv"`
}

// createSessionRequest is the JSON body accepted by POST /sessions. The
// daemon's ModeCfg sub-protocol picks up after a Phase 1 ISAKMP SA has
// already been negotiated elsewhere, so the caller hands over the
// negotiated SKEYID_a (hex-encoded) and the hash algorithm that secures
// it instead of this server deriving key material itself.
type createSessionRequest struct {
	Connection string `json:"connection"`
	Role       string `json:"role"`
	Mode       string `json:"mode"`
	SkeyIDA    string `json:"skeyid_a"`
	HashAlgo   string `json:"hash_algo"`
}

// stateChangeJSON is the JSON representation of an ike.StateChange.
type stateChangeJSON struct {
	ID        string    `json:"id"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	Timestamp time.Time `json:"timestamp"`
}

// connectionJSON is the JSON representation of an ike.Connection.
type connectionJSON struct {
	Name       string   `json:"name"`
	LocalHost  string   `json:"local_host"`
	RemoteHost string   `json:"remote_host"`
	LocalID    string   `json:"local_id,omitempty"`
	RemoteID   string   `json:"remote_id,omitempty"`
	HostSrcIP  string   `json:"host_src_ip,omitempty"`
	HasClient  bool     `json:"has_client"`
	DNS        []string `json:"dns,omitempty"`
	NBNS       []string `json:"nbns,omitempty"`
}

// -------------------------------------------------------------------------
// GET /sessions
// -------------------------------------------------------------------------

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.manager.Sessions()
	out := make([]sessionJSON, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotToJSON(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

// -------------------------------------------------------------------------
// GET /sessions/{id}
// -------------------------------------------------------------------------

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	pair, err := pairFromPathID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, ok := s.manager.LookupByCookiePair(pair)
	if !ok {
		writeError(w, http.StatusNotFound,
			fmt.Errorf("session %s: %w", mux.Vars(r)["id"], ike.ErrSessionNotFound))
		return
	}

	writeJSON(w, http.StatusOK, snapshotToJSON(sess.Snapshot()))
}

// -------------------------------------------------------------------------
// POST /sessions
// -------------------------------------------------------------------------

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return
	}

	cfg, err := sessionConfigFromRequest(s.conns, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.manager.CreateSession(r.Context(), cfg, s.sender)
	if err != nil {
		writeManagerError(w, err, "create session")
		return
	}

	writeJSON(w, http.StatusCreated, snapshotToJSON(sess.Snapshot()))
}

// -------------------------------------------------------------------------
// DELETE /sessions/{id}
// -------------------------------------------------------------------------

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	pair, err := pairFromPathID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.manager.DestroySession(pair); err != nil {
		writeManagerError(w, err, "delete session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// -------------------------------------------------------------------------
// GET /sessions/stream
// -------------------------------------------------------------------------

// handleStreamSessions writes the current sessions followed by a
// newline-delimited JSON stream of state changes until the client
// disconnects or the server shuts down.
func (s *Server) handleStreamSessions(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrStreamingUnsupported)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)

	for _, snap := range s.manager.Sessions() {
		if err := enc.Encode(snapshotToJSON(snap)); err != nil {
			return
		}
	}
	flusher.Flush()

	ch := s.subscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case sc, open := <-ch:
			if !open {
				return
			}
			if err := enc.Encode(stateChangeToJSON(sc)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// -------------------------------------------------------------------------
// GET /connections
// -------------------------------------------------------------------------

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	if s.conns == nil {
		writeJSON(w, http.StatusOK, []connectionJSON{})
		return
	}

	conns := s.conns.Iter()
	out := make([]connectionJSON, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionToJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// -------------------------------------------------------------------------
// Internal helpers
// -------------------------------------------------------------------------

// pairFromPathID parses a "icookie-rcookie" hex path segment into a
// CookiePair.
func pairFromPathID(id string) (ike.CookiePair, error) {
	if id == "" {
		return ike.CookiePair{}, ErrMissingSessionID
	}

	const idLen = 16 + 1 + 16 // icookie hex + '-' + rcookie hex
	if len(id) != idLen || id[16] != '-' {
		return ike.CookiePair{}, fmt.Errorf("%q: %w", id, ErrInvalidSessionID)
	}

	icHex, rcHex := id[:16], id[17:]

	ic, err := hex.DecodeString(icHex)
	if err != nil || len(ic) != 8 {
		return ike.CookiePair{}, fmt.Errorf("%q: %w", id, ErrInvalidSessionID)
	}
	rc, err := hex.DecodeString(rcHex)
	if err != nil || len(rc) != 8 {
		return ike.CookiePair{}, fmt.Errorf("%q: %w", id, ErrInvalidSessionID)
	}

	var pair ike.CookiePair
	copy(pair.ICookie[:], ic)
	copy(pair.RCookie[:], rc)
	return pair, nil
}

// pairToPathID renders a CookiePair as the "icookie-rcookie" path segment
// used by sessionJSON.ID.
func pairToPathID(pair ike.CookiePair) string {
	return fmt.Sprintf("%s-%s", hex.EncodeToString(pair.ICookie[:]), hex.EncodeToString(pair.RCookie[:]))
}

// sessionConfigFromRequest resolves a createSessionRequest against the
// connection store and builds an ike.SessionConfig.
func sessionConfigFromRequest(conns *ike.Store, req createSessionRequest) (ike.SessionConfig, error) {
	if req.Connection == "" {
		return ike.SessionConfig{}, ErrMissingConnectionName
	}

	var conn *ike.Connection
	if conns != nil {
		c, err := conns.GetByName(req.Connection)
		if err != nil {
			return ike.SessionConfig{}, fmt.Errorf("create session: %w", err)
		}
		conn = c
	}
	if conn == nil {
		return ike.SessionConfig{}, fmt.Errorf("create session: connection %q: %w",
			req.Connection, ike.ErrConnectionNotFound)
	}

	role, err := roleFromString(req.Role)
	if err != nil {
		return ike.SessionConfig{}, err
	}

	mode, err := modeFromString(req.Mode)
	if err != nil {
		return ike.SessionConfig{}, err
	}

	if req.SkeyIDA == "" {
		return ike.SessionConfig{}, ErrMissingSkeyID
	}
	skeyidA, err := hex.DecodeString(req.SkeyIDA)
	if err != nil {
		return ike.SessionConfig{}, fmt.Errorf("skeyid_a: %w", ErrMissingSkeyID)
	}

	hashFunc, err := hashFuncFromString(req.HashAlgo)
	if err != nil {
		return ike.SessionConfig{}, err
	}

	return ike.SessionConfig{
		PeerAddr:   conn.RemoteHost,
		LocalAddr:  conn.LocalHost,
		Role:       role,
		Mode:       mode,
		Connection: conn,
		SkeyIDA:    skeyidA,
		HashFunc:   hashFunc,
	}, nil
}

func roleFromString(s string) (ike.Role, error) {
	switch s {
	case "", "initiator":
		return ike.RoleInitiator, nil
	case "responder":
		return ike.RoleResponder, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrInvalidRole)
	}
}

func modeFromString(s string) (ike.Mode, error) {
	switch s {
	case "", "pull":
		return ike.ModePull, nil
	case "push":
		return ike.ModePush, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrInvalidMode)
	}
}

func hashFuncFromString(s string) (func() hash.Hash, error) {
	switch s {
	case "", "sha256":
		return ike.HashSHA256, nil
	case "sha1":
		return ike.HashSHA1, nil
	default:
		return nil, fmt.Errorf("%q: %w", s, ErrInvalidHashAlgo)
	}
}

func snapshotToJSON(snap ike.Snapshot) sessionJSON {
	return sessionJSON{
		ID:               pairToPathID(snap.CookiePair),
		State:            snap.State.String(),
		MessageID:        snap.MessageID,
		TryCount:         snap.TryCount,
		PeerAddr:         snap.PeerAddr.String(),
		LocalAddr:        snap.LocalAddr.String(),
		ConnectionName:   snap.ConnectionName,
		IsHalfOpen:       snap.IsHalfOpen,
		PacketsSent:      snap.PacketsSent,
		PacketsReceived:  snap.PacketsReceived,
		StateTransitions: snap.StateTransitions,
		LastStateChange:  snap.LastStateChange,
		LastPacketRecv:   snap.LastPacketRecv,
	}
}

func stateChangeToJSON(sc ike.StateChange) stateChangeJSON {
	return stateChangeJSON{
		ID:        pairToPathID(sc.CookiePair),
		OldState:  sc.OldState.String(),
		NewState:  sc.NewState.String(),
		Timestamp: sc.Timestamp,
	}
}

func connectionToJSON(c *ike.Connection) connectionJSON {
	out := connectionJSON{
		Name:       c.Name,
		LocalHost:  c.LocalHost.String(),
		RemoteHost: c.RemoteHost.String(),
		LocalID:    c.LocalID,
		RemoteID:   c.RemoteID,
		HasClient:  c.HasClient,
	}
	if c.HostSrcIP.IsValid() {
		out.HostSrcIP = c.HostSrcIP.String()
	}
	for _, a := range c.DNS {
		out.DNS = append(out.DNS, a.String())
	}
	for _, a := range c.NBNS {
		out.NBNS = append(out.NBNS, a.String())
	}
	return out
}

// writeManagerError translates ike.Manager errors into HTTP status codes.
func writeManagerError(w http.ResponseWriter, err error, operation string) {
	switch {
	case errors.Is(err, ike.ErrDuplicateSession):
		writeError(w, http.StatusConflict, fmt.Errorf("%s: %w", operation, err))
	case errors.Is(err, ike.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", operation, err))
	case errors.Is(err, ike.ErrInvalidPeerAddr), errors.Is(err, ike.ErrConnectionNotFound):
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s: %w", operation, err))
	default:
		writeError(w, http.StatusInternalServerError, fmt.Errorf("%s: %w", operation, err))
	}
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the JSON body written by writeError.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError writes err as a JSON error response with the given status
// code.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
