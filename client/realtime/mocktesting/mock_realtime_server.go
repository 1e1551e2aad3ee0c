// Package mocktesting provides a scriptable realtime server for channel and
// router tests: token checking on the upgrade request, refuse mode for
// reconnection tests, frame recording and server-side pushes.
package mocktesting

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// MockRealtimeServer simulates the platform's realtime endpoint.
type MockRealtimeServer struct {
	Server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	clients       map[*client]struct{}
	received      []json.RawMessage
	refuse        bool
	requiredToken string
	autoPong      bool

	dials atomic.Int64
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// NewMockRealtimeServer starts the server. Heartbeat pings are answered with
// pong frames by default.
func NewMockRealtimeServer() *MockRealtimeServer {
	m := &MockRealtimeServer{
		clients:  make(map[*client]struct{}),
		autoPong: true,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the websocket endpoint (ws scheme).
func (m *MockRealtimeServer) URL() string {
	return strings.Replace(m.Server.URL, "http://", "ws://", 1) + "/api/v1/ws"
}

// SetRefuse makes the server reject every subsequent upgrade attempt.
func (m *MockRealtimeServer) SetRefuse(refuse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuse = refuse
}

// SetRequiredToken makes upgrades fail unless the token query parameter
// matches.
func (m *MockRealtimeServer) SetRequiredToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requiredToken = token
}

// SetAutoPong toggles answering ping frames with pong.
func (m *MockRealtimeServer) SetAutoPong(auto bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoPong = auto
}

// Dials reports how many connection attempts the server has seen, accepted
// or not.
func (m *MockRealtimeServer) Dials() int64 { return m.dials.Load() }

// ClientCount reports how many connections are currently open.
func (m *MockRealtimeServer) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Received returns a copy of every frame clients have sent.
func (m *MockRealtimeServer) Received() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.received...)
}

// Push broadcasts a frame to every connected client.
func (m *MockRealtimeServer) Push(v any) {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for cl := range m.clients {
		clients = append(clients, cl)
	}
	m.mu.Unlock()

	for _, cl := range clients {
		cl.writeJSON(v)
	}
}

// CloseClients force-closes every open connection, simulating a server-side
// drop.
func (m *MockRealtimeServer) CloseClients() {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for cl := range m.clients {
		clients = append(clients, cl)
	}
	m.mu.Unlock()

	for _, cl := range clients {
		cl.conn.Close()
	}

	// Wait for the read loops to unregister so ClientCount is accurate.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.ClientCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close shuts the server down.
func (m *MockRealtimeServer) Close() {
	m.CloseClients()
	m.Server.Close()
}

func (m *MockRealtimeServer) handle(w http.ResponseWriter, r *http.Request) {
	m.dials.Add(1)

	m.mu.Lock()
	refuse := m.refuse
	required := m.requiredToken
	m.mu.Unlock()

	if refuse {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if required != "" && r.URL.Query().Get("token") != required {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	cl := &client{conn: conn}
	m.mu.Lock()
	m.clients[cl] = struct{}{}
	m.mu.Unlock()

	go m.readLoop(cl)
}

func (m *MockRealtimeServer) readLoop(cl *client) {
	defer func() {
		cl.conn.Close()
		m.mu.Lock()
		delete(m.clients, cl)
		m.mu.Unlock()
	}()

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}

		m.mu.Lock()
		m.received = append(m.received, json.RawMessage(append([]byte(nil), raw...)))
		autoPong := m.autoPong
		m.mu.Unlock()

		var frame struct {
			Type string `json:"type"`
		}
		if autoPong && json.Unmarshal(raw, &frame) == nil && frame.Type == "ping" {
			cl.writeJSON(map[string]string{"type": "pong"})
		}
	}
}
