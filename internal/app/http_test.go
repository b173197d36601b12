package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"queuedeck/server/internal/queue"
	"queuedeck/server/internal/session"
	"queuedeck/server/internal/slice"
	"queuedeck/server/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service, *store.MemStore) {
	t.Helper()
	return newTestServerGrace(t, 50*time.Millisecond)
}

// newTestServerGrace is for tests that reconnect and must not race the
// disconnect grace window.
func newTestServerGrace(t *testing.T, grace time.Duration) (*httptest.Server, *Service, *store.MemStore) {
	t.Helper()

	mem := store.NewMemStore()
	mem.Seed("srv-1", []queue.Item{
		{ID: "layer-a", Payload: json.RawMessage(`{"name":"a"}`)},
		{ID: "layer-b", Payload: json.RawMessage(`{"name":"b"}`)},
	}, 3)

	mr := miniredis.RunT(t)
	sessions, err := session.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	svc := NewService(mem, sessions, "test-secret", time.Hour)
	registry := slice.NewRegistry(mem, svc.Perms(), grace)

	ts := httptest.NewServer(NewHTTPServer(svc, registry, "*").Handler())
	t.Cleanup(ts.Close)
	return ts, svc, mem
}

func signIn(t *testing.T, ts *httptest.Server, svc *Service, name, role, password string) (token, userID string) {
	t.Helper()
	if err := svc.EnsureUser(context.Background(), name, role, password); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"name": name, "password": password})
	resp, err := http.Post(ts.URL+"/api/auth/signin", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("signin request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signin status = %d", resp.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"accessToken"`
		UserID      string `json:"userId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode signin response: %v", err)
	}
	if payload.AccessToken == "" || payload.UserID == "" {
		t.Fatalf("signin payload incomplete: %+v", payload)
	}
	return payload.AccessToken, payload.UserID
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || !payload.OK {
		t.Fatalf("payload = %+v, err = %v", payload, err)
	}
}

func TestReady(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/ready")
	if err != nil {
		t.Fatalf("ready request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSignInRejectsBadPassword(t *testing.T) {
	ts, svc, _ := newTestServer(t)
	if err := svc.EnsureUser(context.Background(), "avery", "editor", "correct-horse"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"name": "avery", "password": "wrong"})
	resp, err := http.Post(ts.URL+"/api/auth/signin", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("signin request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts, svc, _ := newTestServer(t)
	token, _ := signIn(t, ts, svc, "avery", "editor", "hunter2")

	get := func() map[string]any {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/session", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("session request: %v", err)
		}
		defer resp.Body.Close()
		var payload map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode session: %v", err)
		}
		return payload
	}

	payload := get()
	if payload["authenticated"] != true || payload["role"] != "editor" {
		t.Fatalf("session = %+v", payload)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/auth/signout", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("signout request: %v", err)
	}
	resp.Body.Close()

	if payload := get(); payload["authenticated"] != false {
		t.Fatalf("session after signout = %+v", payload)
	}
}

func TestUnknownRoute(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/nope")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
