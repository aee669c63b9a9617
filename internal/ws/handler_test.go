package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulseboard/realtime/internal/stream"
	"github.com/pulseboard/realtime/pkg/protocol"
)

// relayHarness runs the real handler behind an httptest server so tests
// can attach raw gorilla clients.
type relayHarness struct {
	srv     *httptest.Server
	hubs    *HubManager
	streams *stream.Manager
}

func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()
	h := &relayHarness{
		hubs:    NewHubManager(),
		streams: stream.NewManager(),
	}
	handler := NewHandler(h.hubs, h.streams)
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		domain := r.URL.Query().Get("domain")
		user := r.URL.Query().Get("user")
		if err := handler.HandleConnection(w, r, domain, user); err != nil {
			t.Logf("upgrade failed: %v", err)
		}
	}))
	t.Cleanup(func() {
		h.streams.StopAll()
		h.hubs.Close()
		h.srv.Close()
	})
	return h
}

func (h *relayHarness) dial(t *testing.T, domain, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "?domain=" + domain + "&user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) *protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		t.Fatalf("frame did not parse: %v", err)
	}
	return env
}

func TestHandlerPingPong(t *testing.T) {
	h := newRelayHarness(t)
	conn := h.dial(t, "builder", "alice")

	if err := conn.WriteJSON(&protocol.Envelope{Type: protocol.MessageTypePing, Domain: "builder"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	env := readEnvelope(t, conn, time.Second)
	if env.Type != protocol.MessageTypePong {
		t.Errorf("expected pong, got %s", env.Type)
	}
	if env.Domain != "builder" {
		t.Errorf("expected pong on builder, got %q", env.Domain)
	}
}

func TestHandlerRelaysSessionScopedWithAttribution(t *testing.T) {
	h := newRelayHarness(t)
	alice := h.dial(t, "builder", "alice")
	bob := h.dial(t, "builder", "bob")

	// Let both registrations land before broadcasting.
	waitForClients(t, h.hubs, "builder", 2)

	env, _ := protocol.NewEnvelope(protocol.MessageTypeComponentAdd, "builder", protocol.ComponentConfig{
		ID:       "c1",
		Type:     "gauge",
		Position: protocol.GridPosition{W: 2, H: 2},
	})
	env.SessionID = "S1"
	if err := alice.WriteJSON(env); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got := readEnvelope(t, bob, time.Second)
	if got.Type != protocol.MessageTypeComponentAdd {
		t.Fatalf("expected component_add, got %s", got.Type)
	}
	if got.SessionID != "S1" {
		t.Errorf("session id must survive the relay, got %q", got.SessionID)
	}
	if got.UserID != "alice" {
		t.Errorf("relay must stamp the sender's user id, got %q", got.UserID)
	}
	if got.ConnectionID == "" {
		t.Error("relay must stamp the sender's connection id")
	}

	// The sender must not get an echo.
	alice.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Error("sender received its own relay")
	}
}

func TestHandlerDropsSessionScopedWithoutSessionID(t *testing.T) {
	h := newRelayHarness(t)
	alice := h.dial(t, "builder", "alice")
	bob := h.dial(t, "builder", "bob")
	waitForClients(t, h.hubs, "builder", 2)

	env, _ := protocol.NewEnvelope(protocol.MessageTypeCursor, "builder", protocol.CursorPayload{UserID: "alice", X: 1, Y: 1})
	if err := alice.WriteJSON(env); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Error("envelope without session_id must not be relayed")
	}
}

func TestHandlerDomainIsolation(t *testing.T) {
	h := newRelayHarness(t)
	alice := h.dial(t, "builder", "alice")
	carol := h.dial(t, "portfolio-risk", "carol")
	waitForClients(t, h.hubs, "builder", 1)
	waitForClients(t, h.hubs, "portfolio-risk", 1)

	env, _ := protocol.NewEnvelope(protocol.MessageTypeCursor, "builder", protocol.CursorPayload{UserID: "alice", X: 1, Y: 1})
	env.SessionID = "S1"
	if err := alice.WriteJSON(env); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	carol.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := carol.ReadMessage(); err == nil {
		t.Error("envelope leaked across domains")
	}
}

func TestHandlerStartStream(t *testing.T) {
	h := newRelayHarness(t)
	conn := h.dial(t, "builder", "alice")
	waitForClients(t, h.hubs, "builder", 1)

	env, _ := protocol.NewEnvelope(protocol.MessageTypeStartStream, "builder", protocol.StreamRequestPayload{Interval: 100})
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got := readEnvelope(t, conn, time.Second)
	if got.Type != protocol.MessageTypeStreamStarted {
		t.Fatalf("expected stream_started, got %s", got.Type)
	}

	got = readEnvelope(t, conn, 2*time.Second)
	if got.Type != protocol.MessageTypeData {
		t.Fatalf("expected data frame, got %s", got.Type)
	}
	var frame protocol.DataFramePayload
	if err := got.DecodePayload(&frame); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if frame.Sequence == 0 {
		t.Error("expected a non-zero sequence")
	}

	stop, _ := protocol.NewEnvelope(protocol.MessageTypeStopStream, "builder", nil)
	if err := conn.WriteJSON(stop); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func waitForClients(t *testing.T, hubs *HubManager, domain string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub := hubs.Get(domain); hub != nil && hub.ClientCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d clients on %s", n, domain)
}
