// Package dbusnotify emits D-Bus signals for IKE session state changes,
// following the strongSwan convention of notifying desktop and
// NetworkManager-style consumers of VPN connect/disconnect over the
// session bus.
package dbusnotify

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/dantte-lp/iked/internal/ike"
)

const (
	// objectPath is the D-Bus object path IKE state-change signals are
	// emitted from.
	objectPath = dbus.ObjectPath("/org/strongswan/IKE1")

	// signalName is the fully qualified signal name, grounded on the real
	// strongSwan IKE1 D-Bus interface convention.
	signalName = "org.strongswan.IKE1.SAStateChanged"
)

// Emitter abstracts the subset of *dbus.Conn this package needs, so tests
// can substitute a fake bus connection instead of dialing a real one.
type Emitter interface {
	Emit(path dbus.ObjectPath, name string, body ...any) error
	Close() error
}

// Notifier emits a SAStateChanged signal for every ike.StateChange it
// consumes from a Manager's StateChanges channel.
type Notifier struct {
	conn   Emitter
	logger *slog.Logger
}

// Dial connects to the D-Bus session bus and returns a Notifier that emits
// signals over it.
func Dial(logger *slog.Logger) (*Notifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return New(conn, logger), nil
}

// New creates a Notifier over an already-established Emitter. Exposed
// separately from Dial so tests can supply a fake bus connection.
func New(conn Emitter, logger *slog.Logger) *Notifier {
	return &Notifier{
		conn:   conn,
		logger: logger.With(slog.String("component", "dbusnotify")),
	}
}

// Close closes the underlying bus connection.
func (n *Notifier) Close() error {
	return n.conn.Close()
}

// Run consumes state changes from ch and emits a signal for each, until ch
// is closed or ctx is cancelled. Emit failures are logged and otherwise
// ignored: a missing or unreachable bus should never stop IKE processing.
func (n *Notifier) Run(ctx context.Context, ch <-chan ike.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-ch:
			if !ok {
				return
			}
			n.emit(sc)
		}
	}
}

// emit sends a single SAStateChanged signal describing sc.
func (n *Notifier) emit(sc ike.StateChange) {
	id := hex.EncodeToString(sc.CookiePair.ICookie[:]) + "-" + hex.EncodeToString(sc.CookiePair.RCookie[:])

	err := n.conn.Emit(objectPath, signalName,
		id,
		sc.OldState.String(),
		sc.NewState.String(),
		sc.Timestamp.Unix(),
	)
	if err != nil {
		n.logger.Warn("emit state change signal failed",
			slog.String("session", id),
			slog.String("error", err.Error()),
		)
		return
	}

	n.logger.Debug("state change signal emitted",
		slog.String("session", id),
		slog.String("old_state", sc.OldState.String()),
		slog.String("new_state", sc.NewState.String()),
	)
}
