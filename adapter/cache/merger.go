package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EntryKind distinguishes what a feed entry holds
type EntryKind string

const (
	KindMessage      EntryKind = "message"
	KindNotification EntryKind = "notification"
)

// Entry is one cached feed item, keyed by its server-assigned id
type Entry struct {
	ID             int64
	Kind           EntryKind
	SenderID       int64
	SenderUsername string
	Body           string
	Title          string
	CreatedAt      time.Time
	Read           bool
}

// Event is anything the merger can apply to a scope
type Event interface {
	isEvent()
}

// MessageEvent is a new chat message pushed by the server
type MessageEvent struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	SenderUsername string
	Content        string
	CreatedAt      time.Time
	Read           bool
}

// ReceiptEvent marks message MessageID as read by UserID
type ReceiptEvent struct {
	MessageID int64
	UserID    int64
}

// TypingEvent toggles the typing flag for one user
type TypingEvent struct {
	UserID   int64
	Username string
	IsTyping bool
}

// NotificationEvent is a pushed account notification
type NotificationEvent struct {
	ID        int64
	Verb      string
	Title     string
	Body      string
	CreatedAt time.Time
	Read      bool
}

func (MessageEvent) isEvent()      {}
func (ReceiptEvent) isEvent()      {}
func (TypingEvent) isEvent()       {}
func (NotificationEvent) isEvent() {}

type feed struct {
	entries []Entry
	index   map[int64]int
	typing  map[int64]string
}

func newFeed() *feed {
	return &feed{
		index:  make(map[int64]int),
		typing: make(map[int64]string),
	}
}

func (f *feed) append(e Entry) bool {
	if _, ok := f.index[e.ID]; ok {
		return false
	}
	f.index[e.ID] = len(f.entries)
	f.entries = append(f.entries, e)
	return true
}

// Merger holds the per-scope feeds. Apply is idempotent: applying the same
// event twice leaves the cache as after the first application.
type Merger struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	feeds map[string]*feed
}

func NewMerger(logger zerolog.Logger) *Merger {
	return &Merger{
		logger: logger.With().Str("component", "cache").Logger(),
		feeds:  make(map[string]*feed),
	}
}

// Apply merges ev into the feed for scopeKey and reports whether anything changed
func (m *Merger) Apply(scopeKey string, ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[scopeKey]
	if !ok {
		f = newFeed()
		m.feeds[scopeKey] = f
	}

	switch e := ev.(type) {
	case MessageEvent:
		return f.append(Entry{
			ID:             e.ID,
			Kind:           KindMessage,
			SenderID:       e.SenderID,
			SenderUsername: e.SenderUsername,
			Body:           e.Content,
			CreatedAt:      e.CreatedAt,
			Read:           e.Read,
		})

	case NotificationEvent:
		return f.append(Entry{
			ID:        e.ID,
			Kind:      KindNotification,
			Title:     e.Title,
			Body:      e.Body,
			CreatedAt: e.CreatedAt,
			Read:      e.Read,
		})

	case ReceiptEvent:
		i, ok := f.index[e.MessageID]
		if !ok {
			// Receipt outran its message; the message will arrive unread
			m.logger.Debug().Str("scope", scopeKey).Int64("message_id", e.MessageID).Msg("receipt for unknown message ignored")
			return false
		}
		if f.entries[i].Read {
			return false
		}
		f.entries[i].Read = true
		return true

	case TypingEvent:
		_, was := f.typing[e.UserID]
		if e.IsTyping {
			f.typing[e.UserID] = e.Username
			return !was
		}
		delete(f.typing, e.UserID)
		return was

	default:
		m.logger.Warn().Str("scope", scopeKey).Msgf("unsupported event %T", ev)
		return false
	}
}

// Feed returns a copy of the scope's entries in arrival order
func (m *Merger) Feed(scopeKey string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.feeds[scopeKey]
	if !ok {
		return nil
	}
	return slices.Clone(f.entries)
}

// Entry looks up one entry by id
func (m *Merger) Entry(scopeKey string, id int64) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.feeds[scopeKey]
	if !ok {
		return Entry{}, false
	}
	i, ok := f.index[id]
	if !ok {
		return Entry{}, false
	}
	return f.entries[i], true
}

// Typing returns the ids of users currently typing, sorted
func (m *Merger) Typing(scopeKey string) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.feeds[scopeKey]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(f.typing))
	for id := range f.typing {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// TypingNames returns user id -> username for users currently typing
func (m *Merger) TypingNames(scopeKey string) map[int64]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int64]string)
	if f, ok := m.feeds[scopeKey]; ok {
		for id, name := range f.typing {
			out[id] = name
		}
	}
	return out
}

func (m *Merger) UnreadCount(scopeKey string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.feeds[scopeKey]
	if !ok {
		return 0
	}
	n := 0
	for _, e := range f.entries {
		if !e.Read {
			n++
		}
	}
	return n
}

// Reset drops everything cached for scopeKey
func (m *Merger) Reset(scopeKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.feeds, scopeKey)
}
