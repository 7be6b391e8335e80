// Package commands implements the ikectl CLI commands.
package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// errAPIRequest is wrapped with the decoded server error message when an
// apiClient request returns a non-2xx status.
var errAPIRequest = errors.New("api request failed")

// sessionView is the client-side mirror of the daemon's sessionJSON wire
// type (internal/server). ikectl never imports internal/server directly:
// the Admin API is the only contract between the two binaries.
type sessionView struct {
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

// createSessionBody is the client-side mirror of createSessionRequest.
type createSessionBody struct {
	Connection string `json:"connection"`
	Role       string `json:"role"`
	Mode       string `json:"mode"`
	SkeyIDA    string `json:"skeyid_a"`
	HashAlgo   string `json:"hash_algo"`
}

// stateChangeView is the client-side mirror of stateChangeJSON.
type stateChangeView struct {
	ID        string    `json:"id"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	Timestamp time.Time `json:"timestamp"`
}

// connectionView is the client-side mirror of connectionJSON.
type connectionView struct {
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

// errorBody is the client-side mirror of the daemon's errorResponse.
type errorBody struct {
	Error string `json:"error"`
}

// apiClient is a thin JSON-over-HTTP client for the iked Admin API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) listSessions(ctx context.Context) ([]sessionView, error) {
	var out []sessionView
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) getSession(ctx context.Context, id string) (sessionView, error) {
	var out sessionView
	if err := c.do(ctx, http.MethodGet, "/sessions/"+id, nil, &out); err != nil {
		return sessionView{}, err
	}
	return out, nil
}

func (c *apiClient) createSession(ctx context.Context, body createSessionBody) (sessionView, error) {
	var out sessionView
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &out); err != nil {
		return sessionView{}, err
	}
	return out, nil
}

func (c *apiClient) deleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+id, nil, nil)
}

func (c *apiClient) listConnections(ctx context.Context) ([]connectionView, error) {
	var out []connectionView
	if err := c.do(ctx, http.MethodGet, "/connections", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// streamSessions opens the /sessions/stream newline-delimited JSON feed and
// invokes onSnapshot for the initial session list, then onChange for every
// subsequent state change, until ctx is canceled or the connection drops.
func (c *apiClient) streamSessions(ctx context.Context, onSnapshot func(sessionView), onChange func(stateChangeView)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/stream", nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to session stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("decode stream event: %w", err)
		}

		if isSessionSnapshot(raw) {
			var sv sessionView
			if err := json.Unmarshal(raw, &sv); err != nil {
				return fmt.Errorf("decode session snapshot: %w", err)
			}
			onSnapshot(sv)
			continue
		}

		var sc stateChangeView
		if err := json.Unmarshal(raw, &sc); err != nil {
			return fmt.Errorf("decode state change: %w", err)
		}
		onChange(sc)
	}

	return nil
}

// isSessionSnapshot distinguishes the initial sessionJSON batch from the
// stateChangeJSON events that follow it: only sessionJSON carries a "state"
// field, while stateChangeJSON carries "old_state"/"new_state".
func isSessionSnapshot(raw json.RawMessage) bool {
	var probe struct {
		State    *string `json:"state"`
		OldState *string `json:"old_state"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.State != nil && probe.OldState == nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = strings.NewReader(string(buf))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var eb errorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error == "" {
		return fmt.Errorf("%w: status %d", errAPIRequest, resp.StatusCode)
	}
	return fmt.Errorf("%w: %s", errAPIRequest, eb.Error)
}
