// iked daemon -- ModeCfg sub-exchange engine for an IKEv1-derived VPN
// gateway (RFC 2409 Appendix B / draft-ietf-ipsec-isakmp-mode-cfg).
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/iked/internal/config"
	"github.com/dantte-lp/iked/internal/credential"
	"github.com/dantte-lp/iked/internal/dbusnotify"
	"github.com/dantte-lp/iked/internal/ike"
	"github.com/dantte-lp/iked/internal/kernel"
	ikemetrics "github.com/dantte-lp/iked/internal/metrics"
	"github.com/dantte-lp/iked/internal/server"
	appversion "github.com/dantte-lp/iked/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// drainTimeout is the time to wait after forcing every session to Done
// before proceeding with shutdown, giving final datagrams a chance to
// reach their peers.
const drainTimeout = 2 * time.Second

// halfOpenReapInterval mirrors ike.Manager's own unexported reap cadence;
// the manager enforces the per-session timeout itself, this is only the
// periodic backstop call.
const halfOpenReapInterval = 10 * time.Second

// stateChangeBufSize bounds each broadcaster subscriber's buffer.
const stateChangeBufSize = 64

// udpReadBufSize is large enough for any ModeCfg datagram this daemon
// parses; oversized reads are simply truncated by net.UDPConn.
const udpReadBufSize = 4096

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("iked starting",
		slog.String("version", appversion.Version),
		slog.String("listen_addr", cfg.IKE.ListenAddr),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := ikemetrics.NewCollector(reg)

	identity, err := loadIdentityVerifier(cfg.Credential, logger)
	if err != nil {
		logger.Error("failed to load trusted identity keys", slog.String("error", err.Error()))
		return 1
	}

	mgr := ike.NewManager(logger, ike.WithManagerMetrics(collector), ike.WithIdentityVerifier(identity))
	defer mgr.Close()

	connStore := ike.NewStore()
	reconcileConnections(cfg, connStore, logger)

	if err := runServers(cfg, mgr, connStore, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("iked exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("iked stopped")
	return 0
}

// runServers wires the UDP transport, Admin API, metrics endpoint, kernel
// installer, and D-Bus notifier together and runs them under an errgroup
// with a signal-aware context.
func runServers(
	cfg *config.Config,
	mgr *ike.Manager,
	connStore *ike.Store,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	transport, err := newUDPTransport(cfg.IKE.ListenAddr, mgr, logger)
	if err != nil {
		return fmt.Errorf("create UDP transport: %w", err)
	}
	defer transport.Close()

	kern, err := newKernelCollaborator(gCtx, cfg.Kernel, logger)
	if err != nil {
		return fmt.Errorf("create kernel collaborator: %w", err)
	}
	defer closeKernelCollaborator(kern, logger)

	g.Go(func() error {
		mgr.RunDispatch(gCtx)
		return nil
	})

	broadcaster := newStateChangeBroadcaster(mgr.StateChanges(), logger)
	g.Go(func() error {
		broadcaster.Run(gCtx)
		return nil
	})

	adminHandler := server.New(mgr, connStore, logger,
		server.WithPacketSender(transport),
		server.WithStateChangeSource(broadcaster.Subscribe),
	)
	adminSrv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           adminHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)

	g.Go(func() error {
		logger.Info("IKE UDP listener started", slog.String("addr", cfg.IKE.ListenAddr))
		return transport.Run(gCtx)
	})

	startKernelInstaller(gCtx, g, broadcaster, mgr, connStore, kern, cfg.Kernel.TunInterface, logger)
	startDBusNotifier(gCtx, g, broadcaster, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, mgr, connStore, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, mgr, logger, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the Admin API and metrics HTTP server
// goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin API listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog, half-open reaper, and
// SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *ike.Manager,
	connStore *ike.Store,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	g.Go(func() error {
		runHalfOpenReaper(ctx, mgr)
		return nil
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, connStore, logger)
		return nil
	})
}

// runHalfOpenReaper periodically invokes Manager.ReapHalfOpen as a
// backstop alongside each session's own half-open timer.
func runHalfOpenReaper(ctx context.Context, mgr *ike.Manager) {
	ticker := time.NewTicker(halfOpenReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.ReapHalfOpen()
		}
	}
}

// -------------------------------------------------------------------------
// Kernel installer -- installs ModeCfg-assigned virtual addresses
// -------------------------------------------------------------------------

// startKernelInstaller subscribes to state changes and installs the
// assigned client subnet once a session reaches StateDone.
func startKernelInstaller(
	ctx context.Context,
	g *errgroup.Group,
	broadcaster *stateChangeBroadcaster,
	mgr *ike.Manager,
	connStore *ike.Store,
	kern kernel.Interface,
	tunIface string,
	logger *slog.Logger,
) {
	ch := broadcaster.Subscribe()
	g.Go(func() error {
		runKernelInstaller(ctx, ch, mgr, connStore, kern, tunIface, logger)
		return nil
	})
}

func runKernelInstaller(
	ctx context.Context,
	ch <-chan ike.StateChange,
	mgr *ike.Manager,
	connStore *ike.Store,
	kern kernel.Interface,
	tunIface string,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-ch:
			if !ok {
				return
			}
			if sc.NewState == ike.StateDone {
				installAssignedAddress(sc, mgr, connStore, kern, tunIface, logger)
			}
		}
	}
}

// installAssignedAddress looks up the connection behind a completed
// session and installs its ModeCfg-assigned client subnet via kern. A
// session without an assigned address (HasClient false, e.g. a bare
// keepalive-only exchange) is a no-op.
func installAssignedAddress(
	sc ike.StateChange,
	mgr *ike.Manager,
	connStore *ike.Store,
	kern kernel.Interface,
	tunIface string,
	logger *slog.Logger,
) {
	sess, ok := mgr.LookupByCookiePair(sc.CookiePair)
	if !ok {
		return
	}

	name := sess.Snapshot().ConnectionName
	if name == "" {
		return
	}

	conn, err := connStore.GetByName(name)
	if err != nil || !conn.HasClient {
		return
	}

	if err := kern.AddIP(tunIface, conn.ClientSubnet); err != nil {
		logger.Warn("install assigned address failed",
			slog.String("connection", name),
			slog.String("subnet", conn.ClientSubnet.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	logger.Info("installed ModeCfg-assigned address",
		slog.String("connection", name),
		slog.String("subnet", conn.ClientSubnet.String()),
		slog.String("interface", tunIface),
	)
}

// newKernelCollaborator constructs the kernel.Interface selected by
// cfg.Backend.
func newKernelCollaborator(ctx context.Context, cfg config.KernelConfig, logger *slog.Logger) (kernel.Interface, error) {
	switch cfg.Backend {
	case "ovsdb":
		return kernel.NewOVSDB(ctx, cfg.OVSDBEndpoint, logger)
	default:
		return kernel.NewNoop(logger), nil
	}
}

// -------------------------------------------------------------------------
// Credential collaborator
// -------------------------------------------------------------------------

// errNoPEMBlock and errNotRSAKey are returned by loadRSAPublicKey.
var (
	errNoPEMBlock = errors.New("no PEM block found")
	errNotRSAKey  = errors.New("public key is not RSA")
)

// loadIdentityVerifier builds an ike.IdentityVerifier from the PKIX RSA
// public keys in cfg.TrustedKeysDir, one file per identity named
// "<identity>.pub.pem". Returns a nil interface (identity verification
// disabled) when TrustedKeysDir is unset.
func loadIdentityVerifier(cfg config.CredentialConfig, logger *slog.Logger) (ike.IdentityVerifier, error) {
	if cfg.TrustedKeysDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(cfg.TrustedKeysDir)
	if err != nil {
		return nil, fmt.Errorf("read trusted keys dir %s: %w", cfg.TrustedKeysDir, err)
	}

	store := credential.NewInMemory()
	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".pub.pem") {
			continue
		}

		pub, err := loadRSAPublicKey(filepath.Join(cfg.TrustedKeysDir, name))
		if err != nil {
			return nil, fmt.Errorf("load trusted key %s: %w", name, err)
		}

		identity := strings.TrimSuffix(name, ".pub.pem")
		store.AddTrustedPublicKey(identity, pub)
		loaded++
	}

	logger.Info("loaded trusted identity keys",
		slog.String("dir", cfg.TrustedKeysDir),
		slog.Int("count", loaded),
	)
	return store, nil
}

// loadRSAPublicKey reads and parses a PEM-encoded PKIX RSA public key.
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: %w", path, errNoPEMBlock)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, errNotRSAKey)
	}
	return rsaPub, nil
}

// closeKernelCollaborator closes kern if it exposes a Close method.
func closeKernelCollaborator(kern kernel.Interface, logger *slog.Logger) {
	closer, ok := kern.(interface{ Close() })
	if !ok {
		return
	}
	closer.Close()
	logger.Debug("kernel collaborator closed")
}

// -------------------------------------------------------------------------
// D-Bus notifier
// -------------------------------------------------------------------------

// startDBusNotifier dials the session bus and runs a notifier goroutine.
// A dial failure (no session bus available, common in minimal containers)
// is logged and otherwise ignored: D-Bus notification is a convenience
// for desktop/NetworkManager-style consumers, never required for IKE
// processing.
func startDBusNotifier(ctx context.Context, g *errgroup.Group, broadcaster *stateChangeBroadcaster, logger *slog.Logger) {
	notifier, err := dbusnotify.Dial(logger)
	if err != nil {
		logger.Warn("d-bus notifier disabled, session bus unavailable",
			slog.String("error", err.Error()),
		)
		return
	}

	ch := broadcaster.Subscribe()
	g.Go(func() error {
		defer func() {
			if cerr := notifier.Close(); cerr != nil {
				logger.Warn("close d-bus notifier", slog.String("error", cerr.Error()))
			}
		}()
		notifier.Run(ctx, ch)
		return nil
	})
}

// -------------------------------------------------------------------------
// State-change broadcaster
// -------------------------------------------------------------------------

// stateChangeBroadcaster fans a single upstream StateChange channel out to
// any number of subscriber channels, so the Admin API's NDJSON stream and the
// D-Bus notifier and the kernel installer can each consume every event
// without racing each other for the manager's single-consumer channel.
type stateChangeBroadcaster struct {
	upstream <-chan ike.StateChange
	logger   *slog.Logger

	mu   sync.Mutex
	subs []chan ike.StateChange
}

func newStateChangeBroadcaster(upstream <-chan ike.StateChange, logger *slog.Logger) *stateChangeBroadcaster {
	return &stateChangeBroadcaster{
		upstream: upstream,
		logger:   logger.With(slog.String("component", "broadcaster")),
	}
}

// Subscribe returns a new channel that receives every subsequent state
// change. Matches the func() <-chan ike.StateChange shape expected by
// server.WithStateChangeSource.
func (b *stateChangeBroadcaster) Subscribe() <-chan ike.StateChange {
	ch := make(chan ike.StateChange, stateChangeBufSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Run forwards every upstream event to every current subscriber until ctx
// is cancelled or the upstream channel closes.
func (b *stateChangeBroadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-b.upstream:
			if !ok {
				return
			}
			b.broadcast(sc)
		}
	}
}

func (b *stateChangeBroadcaster) broadcast(sc ike.StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- sc:
		default:
			b.logger.Warn("subscriber channel full, dropping state change",
				slog.String("new_state", sc.NewState.String()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// UDP transport
// -------------------------------------------------------------------------

// udpTransport is the daemon's single IKE UDP socket: it implements
// ike.PacketSender for outbound datagrams and demultiplexes every inbound
// datagram into the Manager. ModeCfg exchanges after Phase 1 all share one
// well-known UDP port, so a single socket suffices.
type udpTransport struct {
	conn   *net.UDPConn
	port   uint16
	mgr    *ike.Manager
	logger *slog.Logger
}

// newUDPTransport binds a UDP socket on addr and returns a transport ready
// to send and receive ModeCfg datagrams.
func newUDPTransport(addr string, mgr *ike.Manager, logger *slog.Logger) (*udpTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	port := uint16(0) //nolint:gosec // G115: port fits uint16 by construction
	if laddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = uint16(laddr.Port) //nolint:gosec // G115: net.UDPAddr.Port is always <= 65535
	}

	return &udpTransport{
		conn:   conn,
		port:   port,
		mgr:    mgr,
		logger: logger.With(slog.String("component", "udp_transport")),
	}, nil
}

// SendPacket implements ike.PacketSender, sending buf to addr on this
// transport's bound port.
func (t *udpTransport) SendPacket(ctx context.Context, buf []byte, addr netip.Addr) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := t.conn.WriteToUDPAddrPort(buf, netip.AddrPortFrom(addr.Unmap(), t.port))
	if err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// Run reads inbound datagrams until ctx is cancelled, demultiplexing each
// one into the Manager.
func (t *udpTransport) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			t.conn.Close()
		case <-done:
		}
	}()

	buf := make([]byte, udpReadBufSize)
	for {
		n, peer, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}

		wire := make([]byte, n)
		copy(wire, buf[:n])

		if err := t.mgr.Demux(peer.Addr().Unmap(), wire); err != nil {
			t.logger.Debug("inbound datagram not demultiplexed",
				slog.String("peer", peer.Addr().String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close closes the underlying socket.
func (t *udpTransport) Close() error {
	return t.conn.Close()
}

// -------------------------------------------------------------------------
// Declarative connection reconciliation
// -------------------------------------------------------------------------

// reconcileConnections replaces the Store's contents with the connections
// described in cfg, adding new entries, replacing changed ones, and
// removing entries no longer present.
func reconcileConnections(cfg *config.Config, store *ike.Store, logger *slog.Logger) {
	desired := make(map[string]*ike.Connection, len(cfg.Connections))
	for _, cc := range cfg.Connections {
		conn, err := configConnectionToIKE(cc)
		if err != nil {
			logger.Error("invalid connection config, skipping",
				slog.String("name", cc.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		desired[cc.Name] = conn
	}

	removed := 0
	for _, existing := range store.Iter() {
		if _, keep := desired[existing.Name]; keep {
			continue
		}
		if err := store.Delete(existing.Name); err == nil {
			removed++
		}
	}

	for name, conn := range desired {
		_ = store.Delete(name) // replace in place if already present
		store.Add(conn)
	}

	logger.Info("connection reconciliation complete",
		slog.Int("configured", len(desired)),
		slog.Int("removed", removed),
	)
}

// configConnectionToIKE converts a config.ConnectionConfig into an
// ike.Connection.
func configConnectionToIKE(cc config.ConnectionConfig) (*ike.Connection, error) {
	remote, err := cc.RemoteAddr()
	if err != nil {
		return nil, err
	}

	local, err := cc.LocalAddr()
	if err != nil {
		return nil, err
	}

	var hostSrcIP netip.Addr
	if cc.VirtualIP != "" {
		hostSrcIP, err = netip.ParseAddr(cc.VirtualIP)
		if err != nil {
			return nil, fmt.Errorf("parse virtual_ip %q: %w", cc.VirtualIP, err)
		}
	}

	dns, err := parseAddrList(cc.DNS)
	if err != nil {
		return nil, fmt.Errorf("parse dns: %w", err)
	}

	nbns, err := parseAddrList(cc.NBNS)
	if err != nil {
		return nil, fmt.Errorf("parse nbns: %w", err)
	}

	return &ike.Connection{
		Name:       cc.Name,
		LocalHost:  local,
		RemoteHost: remote,
		LocalID:    cc.LocalID,
		RemoteID:   cc.RemoteID,
		HostSrcIP:  hostSrcIP,
		DNS:        dns,
		NBNS:       nbns,
	}, nil
}

// parseAddrList parses a list of textual addresses, failing on the first
// invalid entry.
func parseAddrList(addrs []string) ([]netip.Addr, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, s := range addrs {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Systemd integration -- sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. Exits immediately if no watchdog is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload -- log level + connection reconciliation
// -------------------------------------------------------------------------

// handleSIGHUP reloads configuration on every SIGHUP until ctx is
// cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	connStore *ike.Store,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, connStore, logger)
		}
	}
}

// reloadConfig loads a fresh configuration, updates the dynamic log
// level, and reconciles declarative connections. Errors are logged but
// never stop the daemon -- the previous configuration remains in effect.
func reloadConfig(configPath string, logLevel *slog.LevelVar, connStore *ike.Store, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	reconcileConnections(newCfg, connStore, logger)
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, drains every in-flight session to its
// terminal state, then shuts down the HTTP servers within shutdownTimeout.
func gracefulShutdown(
	ctx context.Context,
	mgr *ike.Manager,
	logger *slog.Logger,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	mgr.DrainAllSessions()
	time.Sleep(drainTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server setup helpers
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using lc (for noctx compliance)
// and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics
// endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
