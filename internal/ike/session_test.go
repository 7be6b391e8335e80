package ike_test

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/dantte-lp/iked/internal/ike"
)

// capturingSender records every datagram handed to SendPacket, optionally
// forwarding it to a peer session for direct-exchange tests.
type capturingSender struct {
	mu      sync.Mutex
	packets [][]byte
	peer    *ike.Session
}

func (s *capturingSender) SendPacket(_ context.Context, buf []byte, _ netip.Addr) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)

	s.mu.Lock()
	s.packets = append(s.packets, cp)
	s.mu.Unlock()

	if s.peer != nil && len(buf) > 0 {
		msg, err := ike.ParseModeCfgMessage(cp)
		if err == nil {
			s.peer.RecvMessage(msg, cp)
		}
	}
	return nil
}

func (s *capturingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

const testSkeyidA = "shared-secret-derived-from-phase1"

func TestSessionPullModeHandshake(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)

		responderConn := &ike.Connection{
			Name:      "road-warrior",
			HostSrcIP: netip.MustParseAddr("10.8.0.5"),
		}

		initSender := &capturingSender{}
		respSender := &capturingSender{}

		icookie := [8]byte{1, 1, 1, 1, 1, 1, 1, 1}
		rcookie := [8]byte{2, 2, 2, 2, 2, 2, 2, 2}

		initiator, err := ike.NewSession(ike.SessionConfig{
			PeerAddr:  netip.MustParseAddr("203.0.113.9"),
			LocalAddr: netip.MustParseAddr("203.0.113.1"),
			Role:      ike.RoleInitiator,
			Mode:      ike.ModePull,
			ICookie:   icookie,
			RCookie:   rcookie,
			SkeyIDA:   []byte(testSkeyidA),
			HashFunc:  ike.HashSHA256,
		}, initSender, nil, logger)
		if err != nil {
			t.Fatalf("NewSession(initiator): %v", err)
		}

		responder, err := ike.NewSession(ike.SessionConfig{
			PeerAddr:   netip.MustParseAddr("203.0.113.1"),
			LocalAddr:  netip.MustParseAddr("203.0.113.9"),
			Role:       ike.RoleResponder,
			Mode:       ike.ModePull,
			ICookie:    icookie,
			RCookie:    rcookie,
			Connection: responderConn,
			SkeyIDA:    []byte(testSkeyidA),
			HashFunc:   ike.HashSHA256,
		}, respSender, nil, logger)
		if err != nil {
			t.Fatalf("NewSession(responder): %v", err)
		}

		initSender.peer = responder
		respSender.peer = initiator

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go initiator.Run(ctx)
		go responder.Run(ctx)

		synctest.Wait()

		if got := initiator.State(); got != ike.StateDone {
			t.Errorf("initiator state = %v, want Done", got)
		}
		if got := responder.State(); got != ike.StateDone {
			t.Errorf("responder state = %v, want Done", got)
		}
		if initiator.IsHalfOpen() {
			t.Error("initiator still reports half-open after the exchange completed")
		}
		if initSender.count() == 0 {
			t.Error("initiator never sent a REQUEST")
		}
		if respSender.count() == 0 {
			t.Error("responder never sent a REPLY")
		}
	})
}

func TestSessionReplyMissingAddressAbandonsWithFailNotify(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)

		// No HostSrcIP configured: BuildReplyAttributes will emit a REPLY
		// with no AttrIPv4Address, the real way this path fires in
		// production (a connection with incomplete pool configuration),
		// rather than a hand-crafted malformed payload.
		responderConn := &ike.Connection{Name: "misconfigured-peer"}

		initSender := &capturingSender{}
		respSender := &capturingSender{}

		icookie := [8]byte{3, 3, 3, 3, 3, 3, 3, 3}
		rcookie := [8]byte{4, 4, 4, 4, 4, 4, 4, 4}

		initiator, err := ike.NewSession(ike.SessionConfig{
			PeerAddr:  netip.MustParseAddr("203.0.113.10"),
			LocalAddr: netip.MustParseAddr("203.0.113.2"),
			Role:      ike.RoleInitiator,
			Mode:      ike.ModePull,
			ICookie:   icookie,
			RCookie:   rcookie,
			SkeyIDA:   []byte(testSkeyidA),
			HashFunc:  ike.HashSHA256,
		}, initSender, nil, logger)
		if err != nil {
			t.Fatalf("NewSession(initiator): %v", err)
		}

		responder, err := ike.NewSession(ike.SessionConfig{
			PeerAddr:   netip.MustParseAddr("203.0.113.2"),
			LocalAddr:  netip.MustParseAddr("203.0.113.10"),
			Role:       ike.RoleResponder,
			Mode:       ike.ModePull,
			ICookie:    icookie,
			RCookie:    rcookie,
			Connection: responderConn,
			SkeyIDA:    []byte(testSkeyidA),
			HashFunc:   ike.HashSHA256,
		}, respSender, nil, logger)
		if err != nil {
			t.Fatalf("NewSession(responder): %v", err)
		}

		initSender.peer = responder
		respSender.peer = initiator

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go initiator.Run(ctx)
		go responder.Run(ctx)

		synctest.Wait()

		if got := initiator.State(); got != ike.StateDone {
			t.Errorf("initiator state = %v, want Done", got)
		}
		if initSender.count() < 2 {
			t.Fatalf("initiator sent %d packets, want at least 2 (REQUEST + FAIL notify)", initSender.count())
		}

		last := initSender.packets[len(initSender.packets)-1]
		header, err := ike.DecodeHeader(last)
		if err != nil {
			t.Fatalf("DecodeHeader on last initiator packet: %v", err)
		}
		if header.Exchange != ike.ExchangeInformational {
			t.Errorf("last packet exchange = %d, want ExchangeInformational (the FAIL notify)", header.Exchange)
		}
	})
}

func TestSessionPushModeHandshake(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)

		responderConn := &ike.Connection{
			Name:      "push-conn",
			HostSrcIP: netip.MustParseAddr("10.9.0.5"),
		}

		icookie := [8]byte{3, 3, 3, 3, 3, 3, 3, 3}
		rcookie := [8]byte{4, 4, 4, 4, 4, 4, 4, 4}

		initSender := &capturingSender{}
		respSender := &capturingSender{}

		var initiatorConn ike.Connection
		initiator, err := ike.NewSession(ike.SessionConfig{
			PeerAddr:   netip.MustParseAddr("203.0.113.10"),
			LocalAddr:  netip.MustParseAddr("203.0.113.2"),
			Role:       ike.RoleInitiator,
			Mode:       ike.ModePush,
			ICookie:    icookie,
			RCookie:    rcookie,
			Connection: &initiatorConn,
			SkeyIDA:    []byte(testSkeyidA),
			HashFunc:   ike.HashSHA256,
		}, initSender, nil, logger)
		if err != nil {
			t.Fatalf("NewSession(initiator): %v", err)
		}

		responder, err := ike.NewSession(ike.SessionConfig{
			PeerAddr:   netip.MustParseAddr("203.0.113.2"),
			LocalAddr:  netip.MustParseAddr("203.0.113.10"),
			Role:       ike.RoleResponder,
			Mode:       ike.ModePush,
			ICookie:    icookie,
			RCookie:    rcookie,
			Connection: responderConn,
			SkeyIDA:    []byte(testSkeyidA),
			HashFunc:   ike.HashSHA256,
		}, respSender, nil, logger)
		if err != nil {
			t.Fatalf("NewSession(responder): %v", err)
		}

		initSender.peer = responder
		respSender.peer = initiator

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go initiator.Run(ctx)
		go responder.Run(ctx)

		synctest.Wait()

		if got := responder.State(); got != ike.StateDone {
			t.Errorf("responder state = %v, want Done", got)
		}
		if got := initiator.State(); got != ike.StateDone {
			t.Errorf("initiator state = %v, want Done", got)
		}
		if initiatorConn.HostSrcIP != responderConn.HostSrcIP {
			t.Errorf("initiator connection HostSrcIP = %v, want %v (pushed by responder's SET)", initiatorConn.HostSrcIP, responderConn.HostSrcIP)
		}
	})
}

func TestSessionHalfOpenTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)

		sess, err := ike.NewSession(ike.SessionConfig{
			PeerAddr:  netip.MustParseAddr("203.0.113.20"),
			LocalAddr: netip.MustParseAddr("203.0.113.21"),
			Role:      ike.RoleInitiator,
			Mode:      ike.ModePull,
			SkeyIDA:   []byte(testSkeyidA),
			HashFunc:  ike.HashSHA256,
		}, &capturingSender{}, nil, logger)
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go sess.Run(ctx)

		// No REPLY ever arrives; the half-open reaper should force the
		// session to Done once HalfOpenIKESATimeout elapses.
		time.Sleep(ike.HalfOpenIKESATimeout() + time.Second)
		synctest.Wait()

		if got := sess.State(); got != ike.StateDone {
			t.Errorf("state after half-open timeout = %v, want Done", got)
		}
	})
}

func TestSessionRetransmitsUnansweredRequest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)
		sender := &capturingSender{}

		sess, err := ike.NewSession(ike.SessionConfig{
			PeerAddr:  netip.MustParseAddr("203.0.113.30"),
			LocalAddr: netip.MustParseAddr("203.0.113.31"),
			Role:      ike.RoleInitiator,
			Mode:      ike.ModePull,
			SkeyIDA:   []byte(testSkeyidA),
			HashFunc:  ike.HashSHA256,
		}, sender, nil, logger)
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go sess.Run(ctx)

		synctest.Wait()
		firstCount := sender.count()
		if firstCount == 0 {
			t.Fatal("initial REQUEST was never sent")
		}

		// Within the 30s half-open window the 4s and 7s retransmit
		// timers should both have fired at least once.
		time.Sleep(13 * time.Second)
		synctest.Wait()

		if sender.count() <= firstCount {
			t.Errorf("packet count after 13s = %d, want more than initial %d (expected retransmits)", sender.count(), firstCount)
		}
	})
}

func TestNewSessionValidatesConfig(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	base := ike.SessionConfig{
		PeerAddr: netip.MustParseAddr("203.0.113.1"),
		Role:     ike.RoleInitiator,
		Mode:     ike.ModePull,
		SkeyIDA:  []byte("k"),
		HashFunc: ike.HashSHA256,
	}

	if _, err := ike.NewSession(base, &capturingSender{}, nil, logger); err != nil {
		t.Fatalf("valid config unexpectedly rejected: %v", err)
	}

	badRole := base
	badRole.Role = 0
	if _, err := ike.NewSession(badRole, &capturingSender{}, nil, logger); err == nil {
		t.Error("expected error for invalid role")
	}

	badMode := base
	badMode.Mode = 0
	if _, err := ike.NewSession(badMode, &capturingSender{}, nil, logger); err == nil {
		t.Error("expected error for invalid mode")
	}

	badHash := base
	badHash.SkeyIDA = nil
	if _, err := ike.NewSession(badHash, &capturingSender{}, nil, logger); err == nil {
		t.Error("expected error for missing skeyid_a")
	}
}
