package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gomessenger/internal/model"
)

// TestWebSocketOriginValidation tests that upgrades from unknown or missing
// origins are refused.
func TestWebSocketOriginValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		origin string
	}{
		{"Missing Origin header", ""},
		{"Disallowed origin", "http://evil.example"},
		{"Malformed origin", "not-a-url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected connection to be rejected")
			}
			if resp == nil {
				t.Fatalf("Expected an HTTP response, got error %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected status %d, got %d", http.StatusForbidden, resp.StatusCode)
			}
		})
	}
}

// TestWebSocketRequiresAuthentication tests that frames other than auth,
// register and ping are refused before authentication without closing the
// connection.
func TestWebSocketRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	writeFrame(t, conn, map[string]any{"type": "get_users"})
	f := readUntil(t, conn, "error")
	if f.Code != "unauthorized" {
		t.Errorf("Expected unauthorized error, got %q", f.Code)
	}

	writeFrame(t, conn, map[string]any{"type": "ping"})
	readUntil(t, conn, "pong")

	writeFrame(t, conn, map[string]any{"type": "auth", "token": "bogus"})
	f = readUntil(t, conn, "auth_error")
	if f.Reason == "" {
		t.Error("Expected a reason in auth_error")
	}
}

// TestWebSocketMalformedFrames tests that undecodable frames get an error
// reply and the connection stays usable.
func TestWebSocketMalformedFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	for _, raw := range []string{"not json", `{"type":"launch_rockets"}`, `{"content":"no type"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("Failed to send frame: %v", err)
		}
		f := readUntil(t, conn, "error")
		if f.Code != "bad_request" {
			t.Errorf("Frame %q: expected bad_request, got %q", raw, f.Code)
		}
	}

	writeFrame(t, conn, map[string]any{"type": "ping"})
	readUntil(t, conn, "pong")
}

// TestWebSocketRegisterAndSend tests registration over the socket, live
// delivery to an online recipient, and the sender acknowledgement.
func TestWebSocketRegisterAndSend(t *testing.T) {
	env := newTestEnv(t, nil)

	aliceConn := env.dial(t)
	writeFrame(t, aliceConn, map[string]any{"type": "register", "username": "alice"})
	welcome := readUntil(t, aliceConn, "auth_success")
	if welcome.Token == "" || welcome.User.Username != "alice" {
		t.Fatalf("Unexpected auth_success %+v", welcome)
	}

	bobID, bobToken := env.register(t, "bob")
	bobConn := env.dial(t)
	env.authenticate(t, bobConn, bobToken)

	writeFrame(t, aliceConn, map[string]any{
		"type":        "send_message",
		"recipientId": bobID,
		"content":     "hi bob",
	})

	ack := readUntil(t, aliceConn, "message_sent")
	var acked model.Message
	if err := json.Unmarshal(ack.Message, &acked); err != nil {
		t.Fatalf("Failed to decode acknowledged message: %v", err)
	}
	if ack.MessageID != acked.ID || !acked.Delivered {
		t.Errorf("Expected a delivered acknowledgement, got %+v", acked)
	}

	incoming := readUntil(t, bobConn, "new_message")
	var got model.Message
	if err := json.Unmarshal(incoming.Message, &got); err != nil {
		t.Fatalf("Failed to decode new message: %v", err)
	}
	if got.Content != "hi bob" || got.FromUser != welcome.User.ID {
		t.Errorf("Unexpected message %+v", got)
	}

	writeFrame(t, aliceConn, map[string]any{"type": "send_message", "recipientId": bobID})
	f := readUntil(t, aliceConn, "error")
	if f.Code != "bad_request" {
		t.Errorf("Expected bad_request for empty content, got %q", f.Code)
	}
}

// TestWebSocketOfflineDelivery tests that messages sent to an offline user
// are handed over on the next authentication and then marked delivered.
func TestWebSocketOfflineDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	_, aliceToken := env.register(t, "alice")
	bobID, bobToken := env.register(t, "bob")

	var ids []string
	for _, content := range []string{"first", "second"} {
		resp := env.do(t, http.MethodPost, "/api/v1/messages", aliceToken, map[string]any{
			"recipientId": bobID,
			"content":     content,
		})
		assertStatusCode(t, resp, http.StatusCreated)
		body := decodeBody[struct {
			Message model.Message `json:"message"`
		}](t, resp)
		ids = append(ids, body.Message.ID)
	}
	if got := env.registry.Pending(bobID); got != 2 {
		t.Fatalf("Expected 2 pending events, got %d", got)
	}

	bobConn := env.dial(t)
	env.authenticate(t, bobConn, bobToken)

	for _, want := range []string{"first", "second"} {
		f := readUntil(t, bobConn, "new_message")
		var msg model.Message
		if err := json.Unmarshal(f.Message, &msg); err != nil {
			t.Fatalf("Failed to decode message: %v", err)
		}
		if msg.Content != want {
			t.Fatalf("Expected %q, got %q", want, msg.Content)
		}
	}

	waitFor(t, "drained messages to be marked delivered", func() bool {
		for _, id := range ids {
			msg, err := env.store.GetMessage(context.Background(), id)
			if err != nil || !msg.Delivered {
				return false
			}
		}
		return true
	})
	if got := env.registry.Pending(bobID); got != 0 {
		t.Errorf("Expected empty pending queue, got %d", got)
	}
}

// TestWebSocketDisconnectMarksOffline tests that closing the last connection
// of a user takes it offline.
func TestWebSocketDisconnectMarksOffline(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceID, aliceToken := env.register(t, "alice")

	conn := env.dial(t)
	env.authenticate(t, conn, aliceToken)
	waitFor(t, "alice online", func() bool { return env.registry.IsOnline(aliceID) })

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	waitFor(t, "alice offline", func() bool { return !env.registry.IsOnline(aliceID) })
	waitFor(t, "offline status persisted", func() bool {
		u, err := env.store.GetUser(context.Background(), aliceID)
		return err == nil && u.Status == model.StatusOffline
	})
}

// TestWebSocketRateLimit tests that frames beyond the window are refused
// with the remaining cooldown while the connection stays open.
func TestWebSocketRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{Requests: 2, Window: time.Minute}
	})

	// The upgrade request is the first hit.
	conn := env.dial(t)

	writeFrame(t, conn, map[string]any{"type": "ping"})
	readUntil(t, conn, "pong")

	writeFrame(t, conn, map[string]any{"type": "ping"})
	f := readUntil(t, conn, "error")
	if f.Code != "too_many_requests" {
		t.Fatalf("Expected too_many_requests, got %q", f.Code)
	}
	if f.RetryAfter != 60 {
		t.Errorf("Expected retryAfter 60, got %d", f.RetryAfter)
	}

	expectNoFrame(t, conn, "pong", 200*time.Millisecond)
}

// TestHubShutdownClosesClients tests that shutting the hub down closes every
// socket and takes their users offline.
func TestHubShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceID, aliceToken := env.register(t, "alice")

	conn := env.dial(t)
	env.authenticate(t, conn, aliceToken)
	waitFor(t, "one hub client", func() bool { return env.srv.hub.Count() == 1 })

	if err := env.srv.hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Hub shutdown failed: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	if env.registry.IsOnline(aliceID) {
		t.Error("Expected alice offline after shutdown")
	}
	if got := env.srv.hub.Count(); got != 0 {
		t.Errorf("Expected no hub clients, got %d", got)
	}
}

// TestHubRegisterAfterShutdown tests that a stopped hub refuses new clients
// without blocking.
func TestHubRegisterAfterShutdown(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Hub shutdown failed: %v", err)
	}

	done := make(chan bool, 1)
	go func() { done <- hub.Register(&Client{}) }()

	select {
	case ok := <-done:
		if ok {
			t.Error("Expected Register to fail after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("Register blocked after shutdown")
	}
}

// TestServeAndShutdown tests that Serve answers requests and returns cleanly
// once Shutdown has closed the listener and the hub.
func TestServeAndShutdown(t *testing.T) {
	env := newTestEnv(t, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- env.srv.Serve(l) }()

	client := &http.Client{Timeout: 2 * time.Second}
	url := "http://" + l.Addr().String() + "/health"
	waitFor(t, "server to answer", func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	if err := env.srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Expected Serve to return nil after shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}

	if resp, err := client.Get(url); err == nil {
		_ = resp.Body.Close()
		t.Error("Expected requests to fail after shutdown")
	}
	if env.srv.hub.Register(&Client{}) {
		t.Error("Expected the hub to refuse clients after shutdown")
	}
}
