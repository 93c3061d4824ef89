package websocket

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotConnected is returned by Send when the scope's socket is not open.
	// There is no outbound queue; callers needing delivery use the REST API.
	ErrNotConnected = errors.New("realtime channel not connected")

	// ErrClosed is returned after the client has been closed.
	ErrClosed = errors.New("realtime client closed")
)

// State is a connection descriptor's lifecycle state
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// ScopeKind is the kind of realtime target
type ScopeKind string

const (
	ScopeConversation  ScopeKind = "conversation"
	ScopeNotifications ScopeKind = "notifications"
)

// Scope is the addressable target of a subscription: one conversation or
// the account's notification feed.
type Scope struct {
	Kind ScopeKind
	ID   int64
}

func ConversationScope(id int64) Scope {
	return Scope{Kind: ScopeConversation, ID: id}
}

func NotificationsScope() Scope {
	return Scope{Kind: ScopeNotifications}
}

// Key is the cache and registry key, "conversation:<id>" or "notifications"
func (s Scope) Key() string {
	if s.Kind == ScopeNotifications {
		return string(ScopeNotifications)
	}
	return fmt.Sprintf("%s:%d", ScopeConversation, s.ID)
}

func (s Scope) String() string {
	return s.Key()
}

// ParseScope accepts "notifications", "conversation:<id>" or a bare id
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == string(ScopeNotifications) {
		return NotificationsScope(), nil
	}
	raw = strings.TrimPrefix(raw, string(ScopeConversation)+":")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Scope{}, fmt.Errorf("invalid scope %q: want \"notifications\" or a conversation id", raw)
	}
	return ConversationScope(id), nil
}

// EventType identifies what a subscriber is being told
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventFrame        EventType = "frame"
	EventError        EventType = "error"
)

// Event is delivered on Subscription.Events. Attempt and Delay are set for
// EventReconnecting, Frame for EventFrame, Err for EventError and
// EventDisconnected.
type Event struct {
	Type    EventType
	Scope   Scope
	Attempt int
	Delay   time.Duration
	Frame   Frame
	Err     error
}

// ServerError is an "error" frame pushed by the server
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
