// Package inspect is the VM's opt-in debug/introspection server: a
// websocket endpoint that streams GC-cycle and safepoint-handshake
// events to any connected client, tagging every event with this VM
// instance's session id. It observes the engine; it never drives it,
// so it carries none of the monitor/synchronization weight spec.md's
// Non-goals exclude.
//
// The Upgrader-plus-broadcast shape here follows the teacher's
// internal/network.WebSocketServer, generalized from a scripting
// primitive exposed to user code into a VM-internal diagnostic feed.
package inspect

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventKind distinguishes the two event shapes this server streams.
type EventKind string

const (
	EventGCCycle   EventKind = "gc_cycle"
	EventSafepoint EventKind = "safepoint"
)

// Event is the wire shape of one streamed diagnostic event; only the
// fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	UsedBefore uint64        `json:"used_before,omitempty"`
	UsedAfter  uint64        `json:"used_after,omitempty"`
	Capacity   uint64        `json:"capacity,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`

	ThreadID uint64 `json:"thread_id,omitempty"`
	Phase    string `json:"phase,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Server is one VM instance's introspection endpoint. The zero value is
// not usable; construct with NewServer.
type Server struct {
	sessionID string
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

// NewServer mints a fresh uuid session id and an empty client set.
func NewServer() *Server {
	return &Server{
		sessionID: uuid.NewString(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// SessionID identifies this VM instance to every connected client.
func (s *Server) SessionID() string { return s.sessionID }

// ServeHTTP upgrades the request to a websocket and registers the
// connection as a broadcast target until it disconnects or a write to
// it fails.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := uuid.NewString()
	c := &client{conn: conn}

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		conn.Close()
	}()

	// The feed is one-directional; block on ReadMessage purely so
	// gorilla's ping/pong control-frame handling keeps running, and
	// treat any read error (including a client-initiated close) as the
	// signal to unregister.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(ev Event) {
	ev.SessionID = s.sessionID
	ev.Timestamp = time.Now()

	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		ids = append(ids, id)
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for i, c := range targets {
		if err := c.send(ev); err != nil {
			s.mu.Lock()
			delete(s.clients, ids[i])
			s.mu.Unlock()
		}
	}
}

// PublishGCCycle streams one completed collection cycle's before/after
// heap usage, mirroring vmlog.Logger.GCCycle's accounting.
func (s *Server) PublishGCCycle(before, after, capacity uint64, d time.Duration) {
	s.broadcast(Event{Kind: EventGCCycle, UsedBefore: before, UsedAfter: after, Capacity: capacity, Duration: d})
}

// PublishSafepoint streams one mutator entering a GC handshake phase,
// mirroring vmlog.Logger.Safepoint.
func (s *Server) PublishSafepoint(threadID uint64, phase string) {
	s.broadcast(Event{Kind: EventSafepoint, ThreadID: threadID, Phase: phase})
}
