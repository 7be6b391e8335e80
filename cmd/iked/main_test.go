package main

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/iked/internal/config"
	"github.com/dantte-lp/iked/internal/ike"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestParseAddrList(t *testing.T) {
	t.Parallel()

	got, err := parseAddrList([]string{"10.0.0.1", "10.0.0.2"})
	if err != nil {
		t.Fatalf("parseAddrList: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0] != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("got[0] = %v, want 10.0.0.1", got[0])
	}

	if out, err := parseAddrList(nil); err != nil || out != nil {
		t.Errorf("parseAddrList(nil) = %v, %v, want nil, nil", out, err)
	}

	if _, err := parseAddrList([]string{"not-an-ip"}); err == nil {
		t.Error("parseAddrList with invalid address: want error, got nil")
	}
}

func TestConfigConnectionToIKE(t *testing.T) {
	t.Parallel()

	cc := config.ConnectionConfig{
		Name:       "office",
		LocalHost:  "192.0.2.1",
		RemoteHost: "198.51.100.1",
		LocalID:    "gw@example.com",
		RemoteID:   "client@example.com",
		VirtualIP:  "10.8.0.5",
		DNS:        []string{"10.8.0.1"},
	}

	conn, err := configConnectionToIKE(cc)
	if err != nil {
		t.Fatalf("configConnectionToIKE: %v", err)
	}

	if conn.Name != "office" {
		t.Errorf("Name = %q, want %q", conn.Name, "office")
	}
	if conn.HostSrcIP != netip.MustParseAddr("10.8.0.5") {
		t.Errorf("HostSrcIP = %v, want 10.8.0.5", conn.HostSrcIP)
	}
	if len(conn.DNS) != 1 || conn.DNS[0] != netip.MustParseAddr("10.8.0.1") {
		t.Errorf("DNS = %v, want [10.8.0.1]", conn.DNS)
	}
}

func TestConfigConnectionToIKEInvalidVirtualIP(t *testing.T) {
	t.Parallel()

	cc := config.ConnectionConfig{
		Name:       "bad",
		RemoteHost: "198.51.100.1",
		VirtualIP:  "not-an-ip",
	}

	if _, err := configConnectionToIKE(cc); err == nil {
		t.Error("configConnectionToIKE with invalid virtual_ip: want error, got nil")
	}
}

func TestReconcileConnectionsAddsAndRemoves(t *testing.T) {
	t.Parallel()

	store := ike.NewStore()
	logger := discardLogger()

	cfg := &config.Config{
		Connections: []config.ConnectionConfig{
			{Name: "alpha", RemoteHost: "198.51.100.1"},
			{Name: "beta", RemoteHost: "198.51.100.2"},
		},
	}
	reconcileConnections(cfg, store, logger)

	if store.Len() != 2 {
		t.Fatalf("after first reconcile: Len() = %d, want 2", store.Len())
	}

	cfg2 := &config.Config{
		Connections: []config.ConnectionConfig{
			{Name: "alpha", RemoteHost: "198.51.100.1"},
		},
	}
	reconcileConnections(cfg2, store, logger)

	if store.Len() != 1 {
		t.Fatalf("after second reconcile: Len() = %d, want 1", store.Len())
	}
	if _, err := store.GetByName("beta"); err == nil {
		t.Error("connection \"beta\" still present after removal from config")
	}
	if _, err := store.GetByName("alpha"); err != nil {
		t.Errorf("connection \"alpha\" missing after reconcile: %v", err)
	}
}

func TestReconcileConnectionsSkipsInvalidEntry(t *testing.T) {
	t.Parallel()

	store := ike.NewStore()
	logger := discardLogger()

	cfg := &config.Config{
		Connections: []config.ConnectionConfig{
			{Name: "good", RemoteHost: "198.51.100.1"},
			{Name: "bad", RemoteHost: ""},
		},
	}
	reconcileConnections(cfg, store, logger)

	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (invalid entry skipped)", store.Len())
	}
}

func TestStateChangeBroadcasterFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()

	upstream := make(chan ike.StateChange, 1)
	b := newStateChangeBroadcaster(upstream, discardLogger())

	subA := b.Subscribe()
	subB := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	sc := ike.StateChange{NewState: ike.StateDone, Timestamp: time.Unix(1700000000, 0)}
	upstream <- sc

	select {
	case got := <-subA:
		if got.NewState != ike.StateDone {
			t.Errorf("subA got NewState = %v, want StateDone", got.NewState)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subA")
	}

	select {
	case got := <-subB:
		if got.NewState != ike.StateDone {
			t.Errorf("subB got NewState = %v, want StateDone", got.NewState)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subB")
	}

	cancel()
	<-done
}

func TestStateChangeBroadcasterStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	upstream := make(chan ike.StateChange)
	b := newStateChangeBroadcaster(upstream, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestNewKernelCollaboratorNoop(t *testing.T) {
	t.Parallel()

	kern, err := newKernelCollaborator(context.Background(), config.KernelConfig{Backend: "noop"}, discardLogger())
	if err != nil {
		t.Fatalf("newKernelCollaborator: %v", err)
	}
	if kern == nil {
		t.Fatal("newKernelCollaborator returned nil collaborator")
	}
}

func TestLoadConfigDefaultsWhenPathEmpty(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig(\"\"): %v", err)
	}
	if cfg.IKE.ListenAddr != ":500" {
		t.Errorf("IKE.ListenAddr = %q, want %q", cfg.IKE.ListenAddr, ":500")
	}
}
