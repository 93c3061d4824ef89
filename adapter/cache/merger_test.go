package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scope = "conversation:7"

func msg(id int64, body string) MessageEvent {
	return MessageEvent{
		ID:             id,
		ConversationID: 7,
		SenderID:       3,
		SenderUsername: "ana",
		Content:        body,
		CreatedAt:      time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMerger_DuplicateMessageIsNoop(t *testing.T) {
	m := NewMerger(zerolog.Nop())

	assert.True(t, m.Apply(scope, msg(1, "hi")))
	assert.False(t, m.Apply(scope, msg(1, "hi")))
	assert.False(t, m.Apply(scope, msg(1, "different body, same id")))

	feed := m.Feed(scope)
	require.Len(t, feed, 1)
	assert.Equal(t, "hi", feed[0].Body)
	assert.Equal(t, KindMessage, feed[0].Kind)
}

func TestMerger_AppendsInArrivalOrder(t *testing.T) {
	m := NewMerger(zerolog.Nop())
	for _, id := range []int64{5, 2, 9} {
		m.Apply(scope, msg(id, "x"))
	}

	var ids []int64
	for _, e := range m.Feed(scope) {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []int64{5, 2, 9}, ids)
}

func TestMerger_ReceiptBeforeMessage(t *testing.T) {
	m := NewMerger(zerolog.Nop())

	assert.False(t, m.Apply(scope, ReceiptEvent{MessageID: 42, UserID: 3}))
	assert.Empty(t, m.Feed(scope))

	m.Apply(scope, msg(42, "late"))
	e, ok := m.Entry(scope, 42)
	require.True(t, ok)
	assert.False(t, e.Read)
	assert.Equal(t, 1, m.UnreadCount(scope))
}

func TestMerger_ReceiptMarksRead(t *testing.T) {
	m := NewMerger(zerolog.Nop())
	m.Apply(scope, msg(1, "a"))
	m.Apply(scope, msg(2, "b"))

	assert.True(t, m.Apply(scope, ReceiptEvent{MessageID: 1, UserID: 4}))
	assert.False(t, m.Apply(scope, ReceiptEvent{MessageID: 1, UserID: 4}))

	e, _ := m.Entry(scope, 1)
	assert.True(t, e.Read)
	assert.Equal(t, 1, m.UnreadCount(scope))
}

func TestMerger_Typing(t *testing.T) {
	m := NewMerger(zerolog.Nop())

	assert.True(t, m.Apply(scope, TypingEvent{UserID: 9, Username: "bo", IsTyping: true}))
	assert.False(t, m.Apply(scope, TypingEvent{UserID: 9, Username: "bo", IsTyping: true}))
	m.Apply(scope, TypingEvent{UserID: 4, Username: "ana", IsTyping: true})

	assert.Equal(t, []int64{4, 9}, m.Typing(scope))
	assert.Equal(t, map[int64]string{4: "ana", 9: "bo"}, m.TypingNames(scope))

	assert.True(t, m.Apply(scope, TypingEvent{UserID: 9, IsTyping: false}))
	assert.False(t, m.Apply(scope, TypingEvent{UserID: 9, IsTyping: false}))
	assert.Equal(t, []int64{4}, m.Typing(scope))

	// Typing never touches the feed
	assert.Empty(t, m.Feed(scope))
}

func TestMerger_ScopesAreIndependent(t *testing.T) {
	m := NewMerger(zerolog.Nop())
	m.Apply("conversation:1", msg(1, "a"))
	m.Apply("conversation:2", msg(1, "a"))

	assert.Len(t, m.Feed("conversation:1"), 1)
	assert.Len(t, m.Feed("conversation:2"), 1)

	m.Reset("conversation:1")
	assert.Empty(t, m.Feed("conversation:1"))
	assert.Len(t, m.Feed("conversation:2"), 1)
}

func TestMerger_Notifications(t *testing.T) {
	m := NewMerger(zerolog.Nop())
	n := NotificationEvent{ID: 11, Verb: "payment.succeeded", Title: "Payment received", Body: "Booking confirmed"}

	assert.True(t, m.Apply("notifications", n))
	assert.False(t, m.Apply("notifications", n))

	feed := m.Feed("notifications")
	require.Len(t, feed, 1)
	assert.Equal(t, KindNotification, feed[0].Kind)
	assert.Equal(t, "Payment received", feed[0].Title)
	assert.Equal(t, 1, m.UnreadCount("notifications"))
}

func TestMerger_FeedIsACopy(t *testing.T) {
	m := NewMerger(zerolog.Nop())
	m.Apply(scope, msg(1, "a"))

	feed := m.Feed(scope)
	feed[0].Read = true

	e, _ := m.Entry(scope, 1)
	assert.False(t, e.Read)
}

func TestMerger_ConcurrentApply(t *testing.T) {
	m := NewMerger(zerolog.Nop())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := int64(0); id < 100; id++ {
				m.Apply(scope, msg(id, "x"))
			}
		}()
	}
	wg.Wait()

	feed := m.Feed(scope)
	require.Len(t, feed, 100)
	seen := make(map[int64]bool)
	for _, e := range feed {
		assert.False(t, seen[e.ID], "duplicate id %d", e.ID)
		seen[e.ID] = true
	}
}
