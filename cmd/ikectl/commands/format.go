package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// --- sessions ---

func formatSessions(sessions []sessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(sessions)
	case formatTable:
		return formatSessionsTable(sessions)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSession(session sessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(session)
	case formatTable:
		return formatSessionDetail(session), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSessionsTable(sessions []sessionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONNECTION\tPEER\tLOCAL\tSTATE\tHALF-OPEN\tTRIES")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%d\n",
			s.ID,
			valueOr(s.ConnectionName, "-"),
			s.PeerAddr,
			s.LocalAddr,
			s.State,
			s.IsHalfOpen,
			s.TryCount,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSessionDetail(s sessionView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "ID:\t%s\n", s.ID)
	fmt.Fprintf(w, "Connection:\t%s\n", valueOr(s.ConnectionName, "-"))
	fmt.Fprintf(w, "Peer Address:\t%s\n", s.PeerAddr)
	fmt.Fprintf(w, "Local Address:\t%s\n", s.LocalAddr)
	fmt.Fprintf(w, "State:\t%s\n", s.State)
	fmt.Fprintf(w, "Half-Open:\t%t\n", s.IsHalfOpen)
	fmt.Fprintf(w, "Message ID:\t%d\n", s.MessageID)
	fmt.Fprintf(w, "Try Count:\t%d\n", s.TryCount)
	fmt.Fprintf(w, "Packets Sent:\t%d\n", s.PacketsSent)
	fmt.Fprintf(w, "Packets Received:\t%d\n", s.PacketsReceived)
	fmt.Fprintf(w, "State Transitions:\t%d\n", s.StateTransitions)

	if !s.LastStateChange.IsZero() {
		fmt.Fprintf(w, "Last State Change:\t%s\n", s.LastStateChange)
	}
	if !s.LastPacketRecv.IsZero() {
		fmt.Fprintf(w, "Last Packet Received:\t%s\n", s.LastPacketRecv)
	}

	_ = w.Flush()
	return buf.String()
}

// --- connections ---

func formatConnections(conns []connectionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(conns)
	case formatTable:
		return formatConnectionsTable(conns)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatConnectionsTable(conns []connectionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLOCAL\tREMOTE\tLOCAL-ID\tREMOTE-ID\tCLIENT")

	for _, c := range conns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			c.Name,
			c.LocalHost,
			c.RemoteHost,
			valueOr(c.LocalID, "-"),
			valueOr(c.RemoteID, "-"),
			c.HasClient,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// --- state changes ---

func formatStateChange(sc stateChangeView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(sc)
	case formatTable:
		return fmt.Sprintf("%s  %s  %s -> %s",
			sc.Timestamp.Format("15:04:05.000"), sc.ID, sc.OldState, sc.NewState), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- helpers ---

func formatJSONValue(v any) (string, error) {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(buf) + "\n", nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
