package inspect

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(s)
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPublishGCCycleReachesConnectedClient(t *testing.T) {
	s := NewServer()
	conn := dial(t, s)

	// Give ServeHTTP's goroutine a moment to register the client before
	// broadcasting; a real deployment never races this, but the test
	// dials and publishes from two independent goroutines.
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.RLock()
		n := len(s.clients)
		s.mu.RUnlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	s.PublishGCCycle(1024, 256, 4096, 5*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Kind != EventGCCycle {
		t.Fatalf("expected gc_cycle event, got %q", ev.Kind)
	}
	if ev.SessionID != s.SessionID() {
		t.Fatalf("expected event tagged with session id %q, got %q", s.SessionID(), ev.SessionID)
	}
	if ev.UsedBefore != 1024 || ev.UsedAfter != 256 || ev.Capacity != 4096 {
		t.Fatalf("unexpected usage fields: %+v", ev)
	}
}

func TestPublishSafepointReachesConnectedClient(t *testing.T) {
	s := NewServer()
	conn := dial(t, s)

	deadline := time.Now().Add(time.Second)
	for {
		s.mu.RLock()
		n := len(s.clients)
		s.mu.RUnlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	s.PublishSafepoint(7, "handshake")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Kind != EventSafepoint || ev.ThreadID != 7 || ev.Phase != "handshake" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSessionIDIsStableAcrossEvents(t *testing.T) {
	s := NewServer()
	id := s.SessionID()
	if id == "" {
		t.Fatal("expected a non-empty session id")
	}
	s.PublishSafepoint(1, "handshake")
	if s.SessionID() != id {
		t.Fatal("expected SessionID to be stable")
	}
}
