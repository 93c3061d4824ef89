package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/bjoelf/marketplace-adapter/adapter/cache"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Config configures the realtime client
type Config struct {
	// URL is the socket base, e.g. wss://api.example.com. http(s) is accepted.
	URL       string
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// EventBuffer is the per-subscription channel size
	EventBuffer int
	// Dialer overrides the default gorilla dialer (TLS test servers)
	Dialer *websocket.Dialer
}

// Client maintains one connection descriptor per scope and routes inbound
// frames into the cache merger.
type Client struct {
	cfg     Config
	tokens  oauth2.TokenSource
	dialer  *websocket.Dialer
	backoff Backoff
	handler *MessageHandler
	merger  *cache.Merger
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool
}

// NewClient creates a realtime client. The access token is read from tokens
// at every connection attempt.
func NewClient(cfg Config, tokens oauth2.TokenSource, merger *cache.Merger, logger zerolog.Logger) *Client {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
	}
	if merger == nil {
		merger = cache.NewMerger(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		tokens:  tokens,
		dialer:  dialer,
		backoff: Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		merger:  merger,
		logger:  logger.With().Str("component", "realtime").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*connection),
	}
	c.handler = NewMessageHandler(c, merger)
	return c
}

// Subscription is one subscriber's handle on a scope
type Subscription struct {
	scope  Scope
	client *Client
	conn   *connection
	events chan Event

	stopMu    sync.Mutex
	stopCtx   func() bool
	closeOnce sync.Once
	eventOnce sync.Once
}

// Events delivers connection and frame events. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Scope() Scope {
	return s.scope
}

// Close unsubscribes; the scope's socket is closed when its last subscriber leaves
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.stopMu.Lock()
		if s.stopCtx != nil {
			s.stopCtx()
		}
		s.stopMu.Unlock()
		s.client.unsubscribe(s)
	})
}

func (s *Subscription) closeEvents() {
	s.eventOnce.Do(func() { close(s.events) })
}

// Subscribe creates or reuses the descriptor for scope. The subscription is
// closed when ctx is done or Close is called.
func (c *Client) Subscribe(ctx context.Context, scope Scope) (*Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	key := scope.Key()
	conn, existing := c.conns[key]
	if !existing {
		conn = newConnection(c, scope)
		c.conns[key] = conn
	}

	sub := &Subscription{
		scope:  scope,
		client: c,
		conn:   conn,
		events: make(chan Event, c.cfg.EventBuffer),
	}
	conn.addSubscriber(sub)
	if !existing {
		conn.start()
	}
	c.mu.Unlock()

	if existing {
		c.logger.Debug().Str("scope", key).Msg("reusing realtime channel")
	}

	sub.stopMu.Lock()
	sub.stopCtx = context.AfterFunc(ctx, sub.Close)
	sub.stopMu.Unlock()
	return sub, nil
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	remaining := sub.conn.removeSubscriber(sub)
	last := remaining == 0 && c.conns[sub.scope.Key()] == sub.conn
	if last {
		delete(c.conns, sub.scope.Key())
	}
	c.mu.Unlock()

	if last {
		sub.conn.unsubscribe()
	}
}

// Send writes frame on scope's socket. It fails with ErrNotConnected unless
// the socket is open.
func (c *Client) Send(ctx context.Context, scope Scope, frame OutboundFrame) error {
	conn := c.lookup(scope.Key())
	if conn == nil {
		return ErrNotConnected
	}
	return conn.send(ctx, frame)
}

func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) error {
	return c.Send(ctx, ConversationScope(conversationID), OutboundMessage(content))
}

func (c *Client) SendTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	return c.Send(ctx, ConversationScope(conversationID), OutboundTyping(isTyping))
}

func (c *Client) SendReadReceipt(ctx context.Context, conversationID, messageID int64) error {
	return c.Send(ctx, ConversationScope(conversationID), OutboundReadReceipt(messageID))
}

// State reports the descriptor state for scope; Closed when none exists
func (c *Client) State(scope Scope) State {
	conn := c.lookup(scope.Key())
	if conn == nil {
		return StateClosed
	}
	return conn.State()
}

// Merger exposes the cache fed by this client
func (c *Client) Merger() *cache.Merger {
	return c.merger
}

func (c *Client) lookup(key string) *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[key]
}

// Close unsubscribes every descriptor
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := make([]*connection, 0, len(c.conns))
	for key, conn := range c.conns {
		conns = append(conns, conn)
		delete(c.conns, key)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		conn.unsubscribe()
	}
	c.cancel()
	c.logger.Info().Int("channels", len(conns)).Msg("realtime client closed")
	return nil
}
