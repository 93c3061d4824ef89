package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bjoelf/marketplace-adapter/adapter/cache"
	"github.com/bjoelf/marketplace-adapter/adapter/websocket/mocktesting"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const chatKey = "conversation:7"

// swappableTokens is an oauth2.TokenSource whose token can change between dials
type swappableTokens struct {
	mu     sync.Mutex
	access string
}

func (s *swappableTokens) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &oauth2.Token{AccessToken: s.access, TokenType: "Bearer"}, nil
}

func (s *swappableTokens) set(access string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = access
}

func newTestClient(t *testing.T, server *mocktesting.MockRealtimeServer, base time.Duration, tokens oauth2.TokenSource) *Client {
	t.Helper()
	if tokens == nil {
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-1"})
	}
	logger := zerolog.New(zerolog.NewTestWriter(t))
	client := NewClient(Config{
		URL:       server.URL(),
		BaseDelay: base,
		MaxDelay:  4 * base,
	}, tokens, cache.NewMerger(logger), logger)
	t.Cleanup(func() { client.Close() })
	return client
}

func waitFor(t *testing.T, sub *Subscription, typ EventType) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "events closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func waitServerConnected(t *testing.T, server *mocktesting.MockRealtimeServer, key string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return server.Connected(key) == n
	}, 3*time.Second, 5*time.Millisecond)
}

func drain(t *testing.T, sub *Subscription) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("events channel never closed")
		}
	}
}

func TestClient_SubscribeOpensAndMerges(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 20*time.Millisecond, nil)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, sub, EventConnected)
	waitServerConnected(t, server, chatKey, 1)
	assert.Equal(t, StateOpen, client.State(ConversationScope(7)))
	assert.Equal(t, []string{"tok-1"}, server.Tokens())

	require.NoError(t, server.PushMessage(7, 42, "ana", "is the flat still available?"))
	ev := waitFor(t, sub, EventFrame)
	msg, ok := ev.Frame.(ChatMessageFrame)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.Message.ID)

	feed := client.Merger().Feed(chatKey)
	require.Len(t, feed, 1)
	assert.Equal(t, "is the flat still available?", feed[0].Body)
	assert.False(t, feed[0].Read)
}

func TestClient_DuplicateFramesMergeOnce(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 20*time.Millisecond, nil)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, sub, EventConnected)
	waitServerConnected(t, server, chatKey, 1)

	require.NoError(t, server.PushMessage(7, 5, "ana", "hi"))
	require.NoError(t, server.PushMessage(7, 5, "ana", "hi"))
	waitFor(t, sub, EventFrame)
	waitFor(t, sub, EventFrame)

	assert.Len(t, client.Merger().Feed(chatKey), 1)

	require.NoError(t, server.Push(chatKey, map[string]interface{}{"type": "read.receipt", "message_id": 5, "user_id": 2}))
	waitFor(t, sub, EventFrame)
	e, ok := client.Merger().Entry(chatKey, 5)
	require.True(t, ok)
	assert.True(t, e.Read)

	require.NoError(t, server.Push(chatKey, map[string]interface{}{"type": "typing", "user_id": 2, "username": "bo", "is_typing": true}))
	waitFor(t, sub, EventFrame)
	assert.Equal(t, []int64{2}, client.Merger().Typing(chatKey))
}

func TestClient_SameScopeReusesConnection(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 20*time.Millisecond, nil)

	first, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, first, EventConnected)

	second, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, second, EventConnected)
	waitServerConnected(t, server, chatKey, 1)
	assert.Equal(t, 1, server.Opened(chatKey))

	require.NoError(t, server.PushMessage(7, 1, "ana", "hello"))
	waitFor(t, first, EventFrame)
	waitFor(t, second, EventFrame)

	// The socket stays up until the last subscriber leaves
	first.Close()
	drain(t, first)
	assert.Equal(t, StateOpen, client.State(ConversationScope(7)))
	assert.Equal(t, 1, server.Connected(chatKey))

	second.Close()
	drain(t, second)
	assert.Equal(t, StateClosed, client.State(ConversationScope(7)))
	waitServerConnected(t, server, chatKey, 0)
}

func TestClient_SendRequiresOpenSocket(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	server.SetReject(true)
	client := newTestClient(t, server, 50*time.Millisecond, nil)

	assert.ErrorIs(t, client.SendMessage(context.Background(), 7, "hi"), ErrNotConnected)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, sub, EventReconnecting)

	assert.ErrorIs(t, client.SendMessage(context.Background(), 7, "hi"), ErrNotConnected)
	assert.ErrorIs(t, client.SendTyping(context.Background(), 7, true), ErrNotConnected)
	assert.Empty(t, server.Received())
}

func TestClient_SendWritesOutboundFrames(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 20*time.Millisecond, nil)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, sub, EventConnected)

	require.NoError(t, client.SendMessage(context.Background(), 7, "hello"))
	require.NoError(t, client.SendTyping(context.Background(), 7, false))
	require.NoError(t, client.SendReadReceipt(context.Background(), 7, 42))

	require.Eventually(t, func() bool {
		return len(server.Received()) == 3
	}, 3*time.Second, 5*time.Millisecond)

	got := server.Received()
	assert.Equal(t, chatKey, got[0].Scope)
	assert.JSONEq(t, `{"type":"message","payload":{"content":"hello"}}`, string(got[0].Data))
	assert.JSONEq(t, `{"type":"typing","payload":{"is_typing":false}}`, string(got[1].Data))
	assert.JSONEq(t, `{"type":"read_receipt","payload":{"message_id":42}}`, string(got[2].Data))
}

func TestClient_ReconnectDelaysGrowToCap(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	server.SetReject(true)

	base := 10 * time.Millisecond
	client := newTestClient(t, server, base, nil)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)

	var attempts []int
	var delays []time.Duration
	for i := 0; i < 5; i++ {
		ev := waitFor(t, sub, EventReconnecting)
		attempts = append(attempts, ev.Attempt)
		delays = append(delays, ev.Delay)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, attempts)
	assert.Equal(t, []time.Duration{base, 2 * base, 4 * base, 4 * base, 4 * base}, delays)
	assert.GreaterOrEqual(t, server.Attempts(chatKey), 5)
}

func TestClient_BackoffResetsAfterOpen(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	server.SetReject(true)

	base := 10 * time.Millisecond
	client := newTestClient(t, server, base, nil)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	assert.Equal(t, 0, waitFor(t, sub, EventReconnecting).Attempt)
	assert.Equal(t, 1, waitFor(t, sub, EventReconnecting).Attempt)

	server.SetReject(false)
	waitFor(t, sub, EventConnected)
	waitServerConnected(t, server, chatKey, 1)

	server.DropAll()
	waitFor(t, sub, EventDisconnected)
	ev := waitFor(t, sub, EventReconnecting)
	assert.Equal(t, 0, ev.Attempt)
	assert.Equal(t, base, ev.Delay)

	waitFor(t, sub, EventConnected)
	assert.Equal(t, StateOpen, client.State(ConversationScope(7)))
}

func TestClient_ServerCloseTriggersReconnect(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 10*time.Millisecond, nil)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, sub, EventConnected)
	waitServerConnected(t, server, chatKey, 1)

	server.CloseWith(chatKey, 4001, "going away")
	waitFor(t, sub, EventReconnecting)
	waitFor(t, sub, EventConnected)
	require.Eventually(t, func() bool {
		return server.Opened(chatKey) == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestClient_UnsubscribeDuringDelayStopsReconnect(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	server.SetReject(true)
	client := newTestClient(t, server, 150*time.Millisecond, nil)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, sub, EventReconnecting)
	before := server.Attempts(chatKey)

	sub.Close()
	drain(t, sub)
	assert.Equal(t, StateClosed, client.State(ConversationScope(7)))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, before, server.Attempts(chatKey))
}

func TestClient_MalformedFrameKeepsSocketOpen(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 20*time.Millisecond, nil)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, sub, EventConnected)
	waitServerConnected(t, server, chatKey, 1)

	require.NoError(t, server.PushRaw(chatKey, []byte("{not json")))
	require.NoError(t, server.Push(chatKey, map[string]string{"type": "presence.update"}))
	require.NoError(t, server.PushMessage(7, 9, "ana", "still here"))

	ev := waitFor(t, sub, EventFrame)
	assert.Equal(t, "chat.message", ev.Frame.FrameType())
	assert.Equal(t, 1, server.Opened(chatKey))
	assert.Equal(t, StateOpen, client.State(ConversationScope(7)))
	assert.Len(t, client.Merger().Feed(chatKey), 1)
}

func TestClient_ServerErrorFrame(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 20*time.Millisecond, nil)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, sub, EventConnected)
	waitServerConnected(t, server, chatKey, 1)

	require.NoError(t, server.Push(chatKey, map[string]string{"type": "error", "message": "not a participant"}))
	ev := waitFor(t, sub, EventError)
	var serverErr *ServerError
	require.ErrorAs(t, ev.Err, &serverErr)
	assert.Equal(t, "not a participant", serverErr.Message)
}

func TestClient_ReadsTokenOnEveryAttempt(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	server.RequireToken("tok-2")

	tokens := &swappableTokens{access: "tok-1"}
	client := newTestClient(t, server, 20*time.Millisecond, tokens)

	sub, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, sub, EventReconnecting)

	tokens.set("tok-2")
	waitFor(t, sub, EventConnected)

	seen := server.Tokens()
	assert.Equal(t, "tok-1", seen[0])
	assert.Equal(t, "tok-2", seen[len(seen)-1])
}

func TestClient_NotificationsScope(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 20*time.Millisecond, nil)

	sub, err := client.Subscribe(context.Background(), NotificationsScope())
	require.NoError(t, err)
	waitFor(t, sub, EventConnected)
	waitServerConnected(t, server, "notifications", 1)

	frame := map[string]interface{}{
		"type": "notification",
		"notification": map[string]interface{}{
			"id":      3,
			"verb":    "payment.succeeded",
			"title":   "Payment received",
			"message": "Your booking is confirmed",
		},
	}
	require.NoError(t, server.Push("notifications", frame))
	require.NoError(t, server.Push("notifications", frame))
	waitFor(t, sub, EventFrame)
	waitFor(t, sub, EventFrame)

	feed := client.Merger().Feed("notifications")
	require.Len(t, feed, 1)
	assert.Equal(t, cache.KindNotification, feed[0].Kind)
	assert.Equal(t, "Payment received", feed[0].Title)
}

func TestClient_ContextCancelUnsubscribes(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := client.Subscribe(ctx, ConversationScope(7))
	require.NoError(t, err)
	waitFor(t, sub, EventConnected)

	cancel()
	drain(t, sub)
	assert.Equal(t, StateClosed, client.State(ConversationScope(7)))
}

func TestClient_CloseUnsubscribesEverything(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 20*time.Millisecond, nil)

	chat, err := client.Subscribe(context.Background(), ConversationScope(7))
	require.NoError(t, err)
	notes, err := client.Subscribe(context.Background(), NotificationsScope())
	require.NoError(t, err)
	waitFor(t, chat, EventConnected)
	waitFor(t, notes, EventConnected)

	require.NoError(t, client.Close())
	drain(t, chat)
	drain(t, notes)
	waitServerConnected(t, server, chatKey, 0)
	waitServerConnected(t, server, "notifications", 0)

	_, err = client.Subscribe(context.Background(), ConversationScope(7))
	assert.ErrorIs(t, err, ErrClosed)

	// Closing a subscription after the client is harmless
	chat.Close()
}

func TestMessageHandler_DropsFrameWithoutChannel(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	client := newTestClient(t, server, 20*time.Millisecond, nil)

	client.handler.Handle(ConversationScope(99), []byte(`{"type":"chat.message","message":{"id":1,"content":"x"}}`))
	assert.Empty(t, client.Merger().Feed("conversation:99"))
}
