package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsSessionSnapshot(t *testing.T) {
	t.Parallel()

	snap, _ := json.Marshal(sessionView{ID: "x", State: "STATE_DONE"})
	change, _ := json.Marshal(stateChangeView{ID: "x", OldState: "a", NewState: "b"})

	if !isSessionSnapshot(snap) {
		t.Error("isSessionSnapshot(session) = false, want true")
	}
	if isSessionSnapshot(change) {
		t.Error("isSessionSnapshot(stateChange) = true, want false")
	}
}

func TestAPIClientListSessions(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]sessionView{{ID: "aa-bb", State: "STATE_DONE"}})
	}))
	defer srv.Close()

	c := newAPIClient(strings.TrimPrefix(srv.URL, "http://"))
	sessions, err := c.listSessions(context.Background())
	if err != nil {
		t.Fatalf("listSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "aa-bb" {
		t.Errorf("sessions = %+v, want one session with ID aa-bb", sessions)
	}
}

func TestAPIClientErrorResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(errorBody{Error: "session not found"})
	}))
	defer srv.Close()

	c := newAPIClient(strings.TrimPrefix(srv.URL, "http://"))
	_, err := c.getSession(context.Background(), "deadbeefdeadbeef-deadbeefdeadbeef")
	if err == nil {
		t.Fatal("getSession: want error, got nil")
	}
	if !strings.Contains(err.Error(), "session not found") {
		t.Errorf("error = %v, want it to contain %q", err, "session not found")
	}
}

func TestAPIClientDeleteSession(t *testing.T) {
	t.Parallel()

	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newAPIClient(strings.TrimPrefix(srv.URL, "http://"))
	if err := c.deleteSession(context.Background(), "id"); err != nil {
		t.Fatalf("deleteSession: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %q, want DELETE", gotMethod)
	}
}
