package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// MockRealtimeServer is a test websocket server exposing the chat and
// notification endpoints:
//
//	/ws/chat/<id>/?token=...
//	/ws/notifications/?token=...
//
// Connections are grouped by scope key ("conversation:<id>", "notifications").
type MockRealtimeServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]map[*websocket.Conn]bool
	attempts map[string]int
	opened   map[string]int
	tokens   []string
	received []ReceivedFrame
	reject   bool
	// validToken, when set, rejects handshakes carrying any other token
	validToken string
}

// ReceivedFrame is a frame the client sent to the server
type ReceivedFrame struct {
	Scope string
	Data  []byte
}

func NewMockRealtimeServer() *MockRealtimeServer {
	mock := &MockRealtimeServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]map[*websocket.Conn]bool),
		attempts: make(map[string]int),
		opened:   make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws/chat/{id:[0-9]+}/", func(w http.ResponseWriter, req *http.Request) {
		mock.handleWebSocket(w, req, "conversation:"+mux.Vars(req)["id"])
	})
	r.HandleFunc("/ws/notifications/", func(w http.ResponseWriter, req *http.Request) {
		mock.handleWebSocket(w, req, "notifications")
	})
	mock.server = httptest.NewServer(r)
	return mock
}

// URL returns the ws:// base URL
func (m *MockRealtimeServer) URL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1)
}

// Close drops every client and shuts the server down
func (m *MockRealtimeServer) Close() {
	m.DropAll()
	m.server.Close()
}

// SetReject makes subsequent handshakes fail with 403
func (m *MockRealtimeServer) SetReject(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = reject
}

// RequireToken rejects handshakes whose token differs from token
func (m *MockRealtimeServer) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validToken = token
}

func (m *MockRealtimeServer) handleWebSocket(w http.ResponseWriter, r *http.Request, key string) {
	token := r.URL.Query().Get("token")

	m.mu.Lock()
	m.attempts[key]++
	m.tokens = append(m.tokens, token)
	reject := m.reject || (m.validToken != "" && token != m.validToken)
	m.mu.Unlock()

	if reject {
		http.Error(w, `{"detail":"forbidden"}`, http.StatusForbidden)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	if m.clients[key] == nil {
		m.clients[key] = make(map[*websocket.Conn]bool)
	}
	m.clients[key][conn] = true
	m.opened[key]++
	m.mu.Unlock()

	go m.readLoop(key, conn)
}

func (m *MockRealtimeServer) readLoop(key string, conn *websocket.Conn) {
	defer func() {
		m.mu.Lock()
		delete(m.clients[key], conn)
		m.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.received = append(m.received, ReceivedFrame{Scope: key, Data: data})
		m.mu.Unlock()
	}
}

// Push sends v as JSON to every client of scope key
func (m *MockRealtimeServer) Push(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return m.PushRaw(key, data)
}

// PushRaw sends data unchanged, so tests can inject malformed frames
func (m *MockRealtimeServer) PushRaw(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := m.clients[key]
	if len(conns) == 0 {
		return fmt.Errorf("no clients connected for %s", key)
	}
	for conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("failed to push to %s: %w", key, err)
		}
	}
	return nil
}

// PushMessage sends a chat.message frame
func (m *MockRealtimeServer) PushMessage(conversationID, messageID int64, sender, content string) error {
	return m.Push(fmt.Sprintf("conversation:%d", conversationID), map[string]interface{}{
		"type": "chat.message",
		"message": map[string]interface{}{
			"id":              messageID,
			"conversation":    conversationID,
			"sender":          1,
			"sender_username": sender,
			"content":         content,
			"created_at":      time.Now().UTC().Format(time.RFC3339),
			"is_read":         false,
		},
	})
}

// DropAll closes every connection without a close handshake
func (m *MockRealtimeServer) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conns := range m.clients {
		for conn := range conns {
			conn.Close()
		}
	}
}

// CloseWith sends a close frame with code to every client of key
func (m *MockRealtimeServer) CloseWith(key string, code int, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	for conn := range m.clients[key] {
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
}

// Attempts counts handshakes for key, rejected ones included
func (m *MockRealtimeServer) Attempts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[key]
}

// Opened counts successful upgrades for key
func (m *MockRealtimeServer) Opened(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened[key]
}

// Connected counts live connections for key
func (m *MockRealtimeServer) Connected(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients[key])
}

// Tokens returns the token query parameter of every handshake, in order
func (m *MockRealtimeServer) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

// Received returns frames sent by clients
func (m *MockRealtimeServer) Received() []ReceivedFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReceivedFrame(nil), m.received...)
}
