package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gomessenger/internal/account"
	"github.com/Tyrowin/gomessenger/internal/attachment"
	"github.com/Tyrowin/gomessenger/internal/delivery"
	"github.com/Tyrowin/gomessenger/internal/presence"
	"github.com/Tyrowin/gomessenger/internal/ratelimit"
	"github.com/Tyrowin/gomessenger/internal/session"
	"github.com/Tyrowin/gomessenger/internal/store/docstore"
)

const testMaxFileSize = 1024

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	store    *docstore.Store
	registry *presence.Registry
	limiter  *ratelimit.Limiter
}

// newTestEnv assembles a complete server on an in-memory store. The test
// server URL is always an allowed origin.
func newTestEnv(t *testing.T, customize func(cfg *Config)) *testEnv {
	t.Helper()

	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{ts.URL}
	cfg.MaxFileSize = testMaxFileSize
	if customize != nil {
		customize(cfg)
	}

	st, err := docstore.Open("")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	auth, err := session.New(st, session.WithTTL(cfg.SessionTTL))
	if err != nil {
		t.Fatalf("Failed to create session authority: %v", err)
	}
	blobs, err := attachment.NewDiskBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create blob directory: %v", err)
	}

	reg := presence.New(st, presence.WithMaxPending(cfg.MaxPendingEvents))
	files := attachment.New(st, blobs, cfg.MaxFileSize)
	engine := delivery.New(st, reg, files)
	reg.OnDrain(engine.MarkDrained)
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerWindow: cfg.RateLimit.Requests,
		WindowSize:        cfg.RateLimit.Window,
	})

	srv := New(cfg, Deps{
		Accounts: account.New(st, auth, reg),
		Engine:   engine,
		Files:    files,
		Registry: reg,
		Limiter:  limiter,
	})
	handler = srv.Handler()
	srv.Start()

	t.Cleanup(func() {
		if err := srv.hub.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Hub shutdown failed: %v", err)
		}
		ts.Close()
		_ = st.Close()
	})

	return &testEnv{srv: srv, ts: ts, store: st, registry: reg, limiter: limiter}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
	return v
}

func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// register creates a user over REST and returns its id and session token.
func (e *testEnv) register(t *testing.T, username string) (string, string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{"username": username})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Register %q: expected status %d, got %d", username, http.StatusCreated, resp.StatusCode)
	}
	body := decodeBody[sessionResponse](t, resp)
	if body.User == nil || body.SessionToken == "" {
		t.Fatalf("Register %q returned no user or token", username)
	}
	return body.User.ID, body.SessionToken
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", e.ts.URL)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(e.wsURL(), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wsFrame struct {
	Type       string          `json:"type"`
	Token      string          `json:"token"`
	Reason     string          `json:"reason"`
	Message    json.RawMessage `json:"message"`
	MessageID  string          `json:"messageId"`
	Code       string          `json:"code"`
	RetryAfter int             `json:"retryAfter"`
	UserID     string          `json:"userId"`
	Status     string          `json:"status"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Messages   json.RawMessage `json:"messages"`
	Users      json.RawMessage `json:"users"`
	User       struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}

// readUntil reads frames until one of type want arrives, skipping presence
// broadcasts and anything else in between.
func readUntil(t *testing.T, conn *websocket.Conn, want string) wsFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	if err := conn.SetReadDeadline(deadline); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed waiting for %q frame: %v", want, err)
		}
		var f wsFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("Failed to decode frame %s: %v", raw, err)
		}
		if f.Type == want {
			return f
		}
	}
}

// expectNoFrame fails if a frame of type unwanted arrives within timeout.
func expectNoFrame(t *testing.T, conn *websocket.Conn, unwanted string, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			t.Fatalf("Unexpected error while waiting for absence of %q: %v", unwanted, err)
		}
		var f wsFrame
		if err := json.Unmarshal(raw, &f); err == nil && f.Type == unwanted {
			t.Fatalf("Expected no %q frame, got %s", unwanted, raw)
		}
	}
}

// authenticate binds conn to the session token and waits until the
// connection is registered as live.
func (e *testEnv) authenticate(t *testing.T, conn *websocket.Conn, token string) wsFrame {
	t.Helper()
	writeFrame(t, conn, map[string]any{"type": "auth", "token": token})
	f := readUntil(t, conn, "auth_success")
	waitFor(t, "connection registered", func() bool { return e.registry.IsOnline(f.User.ID) })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
