package ike

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"net/netip"
	"runtime"
	"sync/atomic"
	"time"
)

// Role distinguishes the initiator from the responder side of a ModeCfg
// sub-exchange.
type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return unknownStr
	}
}

// Mode distinguishes pull (initiator-driven REQUEST/REPLY) from push
// (responder-driven SET/ACK) ModeCfg exchanges.
type Mode uint8

const (
	ModePull Mode = iota + 1
	ModePush
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case ModePull:
		return "Pull"
	case ModePush:
		return "Push"
	default:
		return unknownStr
	}
}

// PacketSender abstracts sending a serialized ModeCfg datagram to a peer,
// keeping Session testable without real network I/O.
type PacketSender interface {
	SendPacket(ctx context.Context, buf []byte, addr netip.Addr) error
}

// SessionConfig carries the parameters needed to create a new Session.
type SessionConfig struct {
	PeerAddr   netip.Addr
	LocalAddr  netip.Addr
	Role       Role
	Mode       Mode
	ICookie    [8]byte
	RCookie    [8]byte
	Connection *Connection
	SkeyIDA    []byte
	HashFunc   func() hash.Hash
}

// SessionOption configures optional Session parameters.
type SessionOption func(*Session)

// WithMetrics attaches a MetricsReporter to the session. If mr is nil, the
// default no-op reporter is used.
func WithMetrics(mr MetricsReporter) SessionOption {
	return func(s *Session) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// Sentinel errors for SessionConfig validation.
var (
	ErrInvalidRole    = errors.New("invalid role")
	ErrInvalidMode    = errors.New("invalid mode")
	ErrMissingHashKey = errors.New("missing skeyid_a or hash function")
)

const (
	// recvChSize buffers inbound datagrams so the demultiplexer never
	// blocks on a slow session goroutine.
	recvChSize = 16
)

// recvItem carries one inbound datagram along with its raw wire bytes
// (needed because HASH verification covers msgid||attribute-payload
// bytes exactly as received, not a re-serialization).
type recvItem struct {
	msg  Message
	wire []byte
}

// Session is a single ModeCfg sub-exchange: one peer, one cookie pair, one
// Phase-1-authenticated channel carrying REQUEST/REPLY or SET/ACK.
//
// All mutable state is owned by the goroutine started via Run(). External
// reads use atomic operations: state, messageID, and retry counters are
// atomic.Uint32/Uint64 fields so Manager snapshots never race with the
// owning goroutine.
type Session struct {
	state     atomic.Uint32
	messageID atomic.Uint32
	tryCount  atomic.Uint32

	packetsSent      atomic.Uint64
	packetsReceived  atomic.Uint64
	stateTransitions atomic.Uint64

	lastStateChange atomic.Int64
	lastPacketRecv  atomic.Int64
	establishedAt   atomic.Int64

	icookie [8]byte
	rcookie [8]byte

	role Role
	mode Mode

	peerAddr  netip.Addr
	localAddr netip.Addr

	conn     *Connection
	skeyidA  []byte
	hashFunc func() hash.Hash

	cachedPacket BuiltMessage
	pendingAddr  InternalAddress

	sender   PacketSender
	metrics  MetricsReporter
	logger   *slog.Logger
	recvCh   chan recvItem
	notifyCh chan<- StateChange
}

// NewSession creates a new Session. The session goroutine is not started
// until Run is called. notifyCh may be nil.
func NewSession(
	cfg SessionConfig,
	sender PacketSender,
	notifyCh chan<- StateChange,
	logger *slog.Logger,
	opts ...SessionOption,
) (*Session, error) {
	if err := validateSessionConfig(cfg); err != nil {
		return nil, err
	}

	s := &Session{
		icookie:   cfg.ICookie,
		rcookie:   cfg.RCookie,
		role:      cfg.Role,
		mode:      cfg.Mode,
		peerAddr:  cfg.PeerAddr,
		localAddr: cfg.LocalAddr,
		conn:      cfg.Connection,
		skeyidA:   cfg.SkeyIDA,
		hashFunc:  cfg.HashFunc,
		sender:    sender,
		metrics:   noopMetrics{},
		notifyCh:  notifyCh,
		recvCh:    make(chan recvItem, recvChSize),
		logger: logger.With(
			slog.String("peer", cfg.PeerAddr.String()),
			slog.String("icookie", fmt.Sprintf("%x", cfg.ICookie)),
		),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.state.Store(uint32(s.initialState()))
	// The initial state counts as entered at creation, so ReapHalfOpen
	// ages a session that has not transitioned yet from this moment.
	s.lastStateChange.Store(time.Now().UnixNano())

	return s, nil
}

func validateSessionConfig(cfg SessionConfig) error {
	if cfg.Role != RoleInitiator && cfg.Role != RoleResponder {
		return fmt.Errorf("role %d: %w", cfg.Role, ErrInvalidRole)
	}
	if cfg.Mode != ModePull && cfg.Mode != ModePush {
		return fmt.Errorf("mode %d: %w", cfg.Mode, ErrInvalidMode)
	}
	if len(cfg.SkeyIDA) == 0 || cfg.HashFunc == nil {
		return ErrMissingHashKey
	}
	return nil
}

// initialState returns the ModeCfg state a session starts in, based on
// role and mode: initiators always begin at I0, the idle state; responders
// begin directly at R0 (pull, passively waiting) or
// R1 (push, about to send SET) since no inbound message triggers the
// responder's initial placement.
func (s *Session) initialState() State {
	switch {
	case s.role == RoleInitiator:
		return StateModeCfgI0
	case s.role == RoleResponder && s.mode == ModePull:
		return StateModeCfgR0
	default:
		return StateModeCfgR1
	}
}

// -------------------------------------------------------------------
// Public accessors -- thread-safe via atomic
// -------------------------------------------------------------------

func (s *Session) State() State { return State(s.state.Load()) } //nolint:gosec // G115: bounded enum

func (s *Session) MessageID() uint32 { return s.messageID.Load() }

func (s *Session) TryCount() uint32 { return s.tryCount.Load() }

func (s *Session) CookiePair() CookiePair {
	return CookiePair{ICookie: s.icookie, RCookie: s.rcookie}
}

func (s *Session) PeerAddr() netip.Addr { return s.peerAddr }

func (s *Session) LocalAddr() netip.Addr { return s.localAddr }

func (s *Session) PacketsSent() uint64 { return s.packetsSent.Load() }

func (s *Session) PacketsReceived() uint64 { return s.packetsReceived.Load() }

func (s *Session) StateTransitions() uint64 { return s.stateTransitions.Load() }

func (s *Session) IsHalfOpen() bool { return s.establishedAt.Load() == 0 }

func (s *Session) LastStateChange() time.Time {
	ns := s.lastStateChange.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Session) LastPacketReceived() time.Time {
	ns := s.lastPacketRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RecvMessage delivers an inbound, already-header-parsed ModeCfg message
// to the session. Non-blocking: if the receive channel is full the
// datagram is dropped and logged rather than blocking the demultiplexer.
func (s *Session) RecvMessage(msg Message, wire []byte) {
	select {
	case s.recvCh <- recvItem{msg: msg, wire: wire}:
	default:
		s.logger.Debug("recv channel full, dropping datagram")
	}
}

// Snapshot returns a point-in-time, read-only summary of the session.
type Snapshot struct {
	CookiePair       CookiePair
	State            State
	MessageID        uint32
	TryCount         uint32
	PeerAddr         netip.Addr
	LocalAddr        netip.Addr
	ConnectionName   string
	IsHalfOpen       bool
	PacketsSent      uint64
	PacketsReceived  uint64
	StateTransitions uint64
	LastStateChange  time.Time
	LastPacketRecv   time.Time
}

// Snapshot returns a Snapshot of the session's current externally visible
// state.
func (s *Session) Snapshot() Snapshot {
	name := ""
	if s.conn != nil {
		name = s.conn.Name
	}
	return Snapshot{
		CookiePair:       s.CookiePair(),
		State:            s.State(),
		MessageID:        s.MessageID(),
		TryCount:         s.TryCount(),
		PeerAddr:         s.peerAddr,
		LocalAddr:        s.localAddr,
		ConnectionName:   name,
		IsHalfOpen:       s.IsHalfOpen(),
		PacketsSent:      s.PacketsSent(),
		PacketsReceived:  s.PacketsReceived(),
		StateTransitions: s.StateTransitions(),
		LastStateChange:  s.LastStateChange(),
		LastPacketRecv:   s.LastPacketReceived(),
	}
}

// -------------------------------------------------------------------
// Run loop
// -------------------------------------------------------------------

// Run drives the session until ctx is cancelled. It pins the goroutine to
// an OS thread since retransmit timers on a congested host benefit from
// reduced scheduler jitter.
func (s *Session) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	retransmitTimer := time.NewTimer(time.Hour)
	retransmitTimer.Stop()
	defer retransmitTimer.Stop()

	halfOpenTimer := time.NewTimer(HalfOpenIKESATimeout())
	defer halfOpenTimer.Stop()

	keepaliveTimer := time.NewTimer(KeepaliveIntervalDuration())
	defer keepaliveTimer.Stop()

	s.logger.Info("session started", slog.String("state", s.State().String()), slog.String("role", s.role.String()))

	if err := s.begin(ctx, retransmitTimer); err != nil {
		s.logger.Warn("failed to begin modecfg exchange", slog.String("error", err.Error()))
	}

	s.runLoop(ctx, retransmitTimer, halfOpenTimer, keepaliveTimer)
}

func (s *Session) runLoop(ctx context.Context, retransmitTimer, halfOpenTimer, keepaliveTimer *time.Timer) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session stopped")
			return

		case item := <-s.recvCh:
			s.handleRecvMessage(ctx, item, retransmitTimer)

		case <-retransmitTimer.C:
			s.handleRetransmitTimer(ctx, retransmitTimer)

		case <-halfOpenTimer.C:
			if s.handleHalfOpenTimer() {
				return
			}

		case <-keepaliveTimer.C:
			s.handleKeepaliveTimer(ctx, keepaliveTimer)
		}
	}
}

// begin kicks off the session's half of the exchange: an initiator in
// pull mode sends REQUEST; a responder in push mode sends SET. All other
// starting states wait passively for an inbound message.
func (s *Session) begin(ctx context.Context, retransmitTimer *time.Timer) error {
	switch {
	case s.role == RoleInitiator && s.mode == ModePull:
		return s.applyFSMEvent(ctx, EventBeginPull, retransmitTimer)
	case s.role == RoleInitiator && s.mode == ModePush:
		return s.applyFSMEvent(ctx, EventBeginPush, retransmitTimer)
	case s.role == RoleResponder && s.mode == ModePush:
		return s.sendSet(ctx, retransmitTimer)
	default:
		return nil
	}
}

// -------------------------------------------------------------------
// Retransmission driver
// -------------------------------------------------------------------

func (s *Session) handleRetransmitTimer(ctx context.Context, retransmitTimer *time.Timer) {
	if s.MessageID() == 0 {
		return
	}

	tryCount := s.tryCount.Add(1)
	timeout := RetransmitTimeout(tryCount)
	if timeout == 0 {
		s.declarePeerDead()
		return
	}

	s.retransmit(ctx)
	retransmitTimer.Reset(timeout)
}

func (s *Session) declarePeerDead() {
	s.logger.Warn("peer declared dead: retransmit budget exhausted")
	s.transitionTo(StateDone)
	s.metrics.IncRetransmitExhausted(s.peerAddr)
}

func (s *Session) retransmit(ctx context.Context) {
	if len(s.cachedPacket.Bytes) == 0 {
		return
	}
	if err := s.sender.SendPacket(ctx, s.cachedPacket.Bytes, s.peerAddr); err != nil {
		s.logger.Warn("retransmit failed", slog.String("error", err.Error()))
		return
	}
	s.packetsSent.Add(1)
	s.metrics.IncPacketsSent(s.peerAddr)
}

func (s *Session) scheduleRetransmit(retransmitTimer *time.Timer) {
	s.tryCount.Store(0)
	drainTimer(retransmitTimer)
	retransmitTimer.Reset(RetransmitTimeout(0))
}

func (s *Session) cancelRetransmit(retransmitTimer *time.Timer) {
	s.tryCount.Store(0)
	s.messageID.Store(0)
	drainTimer(retransmitTimer)
}

// drainTimer non-blockingly drains the timer channel before a Stop/Reset
// to avoid the classic Go timer-reset race.
func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// -------------------------------------------------------------------
// Half-open reaper and liveness
// -------------------------------------------------------------------

// handleHalfOpenTimer returns true if the session should now stop.
func (s *Session) handleHalfOpenTimer() bool {
	if !s.IsHalfOpen() {
		return false
	}
	s.logger.Warn("half-open timeout exceeded, deleting session")
	s.transitionTo(StateDone)
	return true
}

func (s *Session) handleKeepaliveTimer(ctx context.Context, keepaliveTimer *time.Timer) {
	lastRecv := s.LastPacketReceived()
	if time.Since(lastRecv) >= KeepaliveIntervalDuration() {
		if err := s.sender.SendPacket(ctx, nil, s.peerAddr); err != nil {
			s.logger.Debug("nat keepalive send failed", slog.String("error", err.Error()))
		} else {
			s.metrics.IncKeepalivesSent(s.peerAddr)
		}
	}
	keepaliveTimer.Reset(KeepaliveIntervalDuration())
}

// -------------------------------------------------------------------
// Message reception
// -------------------------------------------------------------------

func (s *Session) handleRecvMessage(ctx context.Context, item recvItem, retransmitTimer *time.Timer) {
	msg := item.msg

	if msg.Header.ICookie != s.icookie || msg.Header.RCookie != s.rcookie {
		s.logger.Debug("dropping message: cookie mismatch")
		return
	}
	if msg.Header.Exchange != ExchangeModeCfg {
		s.logger.Debug("dropping message: unexpected exchange type")
		return
	}

	if !msg.VerifyHash(s.hashFunc, s.skeyidA) {
		s.logger.Warn("modecfg message HASH verification failed", slog.String("status", StatusAuthFailed.String()))
		s.metrics.IncAuthFailures(s.peerAddr)
		return
	}

	s.packetsReceived.Add(1)
	s.metrics.IncPacketsReceived(s.peerAddr)
	s.lastPacketRecv.Store(time.Now().UnixNano())

	result := DispatchAttributePayload(s.logger, s.State(), msg.Attribute)
	if result.Status == StatusFail {
		s.logger.Warn("modecfg attribute payload missing required attribute, abandoning exchange",
			slog.String("state", s.State().String()),
			slog.String("msg_type", MsgTypeName(msg.Attribute.MsgType)),
		)
		s.abandonWithFailNotify(ctx)
		return
	}
	if !result.Matched {
		s.logger.Warn("modecfg message ignored: unexpected isama_type for state",
			slog.String("state", s.State().String()),
			slog.String("msg_type", MsgTypeName(msg.Attribute.MsgType)),
		)
		return
	}

	s.pendingAddr = result.Addr
	if err := s.applyFSMEvent(ctx, result.Event, retransmitTimer); err != nil {
		s.logger.Warn("failed to apply modecfg action", slog.String("error", err.Error()))
	}
}

// abandonWithFailNotify sends an ATTRIBUTES_NOT_SUPPORTED notify to the
// peer and transitions the session to StateDone, per StatusFail's
// contract. The notify carries a fresh message id of its own, since it is
// not part of the ModeCfg message-id sequence the FSM tracks.
func (s *Session) abandonWithFailNotify(ctx context.Context) {
	id, err := allocateMessageID()
	if err != nil {
		s.logger.Warn("failed to allocate message id for FAIL notify", slog.String("error", err.Error()))
	} else {
		built := BuildFailNotify(s.icookie, s.rcookie, id, s.hashFunc, s.skeyidA)
		if err := s.sender.SendPacket(ctx, built.Bytes, s.peerAddr); err != nil {
			s.logger.Warn("failed to send FAIL notify", slog.String("error", err.Error()))
		} else {
			s.packetsSent.Add(1)
			s.metrics.IncPacketsSent(s.peerAddr)
			s.metrics.IncAttributesNotSupported(s.peerAddr)
		}
	}
	s.transitionTo(StateDone)
}

// -------------------------------------------------------------------
// FSM event application
// -------------------------------------------------------------------

func (s *Session) applyFSMEvent(ctx context.Context, event Event, retransmitTimer *time.Timer) error {
	result := ApplyEvent(s.State(), event)
	return s.executeFSMActions(ctx, result, retransmitTimer)
}

func (s *Session) executeFSMActions(ctx context.Context, result FSMResult, retransmitTimer *time.Timer) error {
	if result.Changed {
		s.transitionTo(result.NewState)
	}

	for _, action := range result.Actions {
		if err := s.executeAction(ctx, action, retransmitTimer); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) transitionTo(newState State) {
	old := s.State()
	if old == newState {
		return
	}
	s.state.Store(uint32(newState))
	s.stateTransitions.Add(1)
	s.lastStateChange.Store(time.Now().UnixNano())

	if newState == StateDone {
		s.messageID.Store(0)
	}

	s.logger.Info("state transition", slog.String("old", old.String()), slog.String("new", newState.String()))
	s.emitNotification(old, newState)
}

func (s *Session) emitNotification(old, newState State) {
	if s.notifyCh == nil {
		return
	}
	change := StateChange{
		CookiePair: s.CookiePair(),
		OldState:   old,
		NewState:   newState,
		Timestamp:  time.Now(),
	}
	select {
	case s.notifyCh <- change:
	default:
		s.logger.Debug("notify channel full, dropping state change event")
	}
}

func (s *Session) executeAction(ctx context.Context, action Action, retransmitTimer *time.Timer) error {
	switch action {
	case ActionSendRequest:
		return s.sendRequest(ctx, retransmitTimer)
	case ActionSendSet:
		return s.sendSet(ctx, retransmitTimer)
	case ActionSendAck:
		return s.sendAck(ctx)
	case ActionBuildAndSendReply:
		return s.sendReply(ctx)
	case ActionApplyAddress:
		s.applyPendingAddress()
		return nil
	case ActionNotifyEstablished:
		s.establishedAt.Store(time.Now().UnixNano())
		s.cancelRetransmit(retransmitTimer)
		s.metrics.IncExchangesCompleted(s.peerAddr)
		return nil
	default:
		return fmt.Errorf("%w: unknown action %v", ErrSessionClosed, action)
	}
}

func (s *Session) applyPendingAddress() {
	if s.conn == nil {
		return
	}
	ApplyToConnection(s.conn, s.pendingAddr)
}

// -------------------------------------------------------------------
// Outbound message construction
// -------------------------------------------------------------------

func (s *Session) nextMessageID() (uint32, error) {
	id, err := allocateMessageID()
	if err != nil {
		return 0, err
	}
	s.messageID.Store(id)
	return id, nil
}

func (s *Session) sendRequest(ctx context.Context, retransmitTimer *time.Timer) error {
	return s.sendAndSchedule(ctx, retransmitTimer, MsgTypeRequest, nil)
}

func (s *Session) sendSet(ctx context.Context, retransmitTimer *time.Timer) error {
	if s.conn == nil {
		return ErrNoConnection
	}
	ia := GetFromConnection(s.conn)
	return s.sendAndSchedule(ctx, retransmitTimer, MsgTypeSet, BuildAttributesForEmit(ia))
}

func (s *Session) sendReply(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoConnection
	}
	attrs := BuildReplyAttributes(s.conn)
	return s.sendOnce(ctx, MsgTypeReply, attrs)
}

func (s *Session) sendAck(ctx context.Context) error {
	attrs := BuildAckAttributes(s.pendingAddr.AttrSet)
	return s.sendOnce(ctx, MsgTypeAck, attrs)
}

// sendAndSchedule builds and transmits msgType with a fresh message id,
// caches the bytes for retransmission, and arms the retransmit timer.
func (s *Session) sendAndSchedule(ctx context.Context, retransmitTimer *time.Timer, msgType uint8, attrs []Attribute) error {
	id, err := s.nextMessageID()
	if err != nil {
		return err
	}

	built := BuildModeCfgMessage(s.icookie, s.rcookie, id, msgType, identifierFor(s), attrs, s.hashFunc, s.skeyidA)
	s.cachedPacket = built

	if err := s.sender.SendPacket(ctx, built.Bytes, s.peerAddr); err != nil {
		return fmt.Errorf("send %s: %w", MsgTypeName(msgType), err)
	}
	s.packetsSent.Add(1)
	s.metrics.IncPacketsSent(s.peerAddr)
	s.metrics.IncModeCfgExchange(msgType)

	s.scheduleRetransmit(retransmitTimer)
	return nil
}

// sendOnce builds and transmits msgType without arming the retransmit
// timer: REPLY and ACK are terminal responses, not the start of a new
// outstanding exchange, so there is nothing to retransmit them against.
func (s *Session) sendOnce(ctx context.Context, msgType uint8, attrs []Attribute) error {
	id := s.MessageID()
	if id == 0 {
		var err error
		id, err = allocateMessageID()
		if err != nil {
			return err
		}
	}

	built := BuildModeCfgMessage(s.icookie, s.rcookie, id, msgType, identifierFor(s), attrs, s.hashFunc, s.skeyidA)

	if err := s.sender.SendPacket(ctx, built.Bytes, s.peerAddr); err != nil {
		return fmt.Errorf("send %s: %w", MsgTypeName(msgType), err)
	}
	s.packetsSent.Add(1)
	s.metrics.IncPacketsSent(s.peerAddr)
	s.metrics.IncModeCfgExchange(msgType)
	return nil
}

// Terminate forces the session into the terminal Done state from outside
// the owning goroutine, used by Manager.DrainAllSessions during graceful
// shutdown to signal every in-flight exchange as abandoned before the
// process exits.
func (s *Session) Terminate() {
	s.transitionTo(StateDone)
}

// identifierFor returns a random 16-bit Attribute payload identifier, a
// correlation id independent of the message id.
func identifierFor(_ *Session) uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return uint16(b[0])<<8 | uint16(b[1])
}
