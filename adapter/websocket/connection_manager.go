package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// connection is the descriptor for one scope: at most one socket, one dial or
// one reconnect timer exists at any time.
type connection struct {
	scope  Scope
	client *Client
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	attempt      int
	unsubscribed bool
	conn         *websocket.Conn
	timer        *time.Timer
	cancelDial   context.CancelFunc
	generation   uint64
	subs         map[*Subscription]struct{}

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

func newConnection(client *Client, scope Scope) *connection {
	return &connection{
		scope:  scope,
		client: client,
		logger: client.logger.With().Str("scope", scope.Key()).Logger(),
		state:  StateConnecting,
		subs:   make(map[*Subscription]struct{}),
	}
}

// start begins the first dial
func (c *connection) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectLocked()
}

// connectLocked moves to Connecting and launches a dial. c.mu must be held.
func (c *connection) connectLocked() {
	c.state = StateConnecting
	c.generation++
	ctx, cancel := context.WithCancel(c.client.ctx)
	c.cancelDial = cancel
	go c.dial(ctx, c.generation)
}

func (c *connection) dial(ctx context.Context, gen uint64) {
	conn, err := c.open(ctx)

	c.mu.Lock()
	if c.unsubscribed || gen != c.generation {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		attempt, delay := c.scheduleReconnectLocked()
		c.mu.Unlock()

		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("dial failed, reconnect scheduled")
		c.publish(Event{Type: EventError, Scope: c.scope, Err: err})
		c.publish(Event{Type: EventReconnecting, Scope: c.scope, Attempt: attempt, Delay: delay})
		return
	}

	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
	c.mu.Unlock()

	c.logger.Info().Msg("realtime channel open")
	c.publish(Event{Type: EventConnected, Scope: c.scope})
	go c.readMessages(conn, gen)
}

// open reads the current access token and performs the handshake
func (c *connection) open(ctx context.Context) (*websocket.Conn, error) {
	tok, err := c.client.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("no access token for realtime channel: %w", err)
	}

	wsURL, err := buildWebSocketURL(c.client.cfg.URL, c.scope, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().Str("url", redactToken(wsURL)).Msg("dialing")
	conn, resp, err := c.client.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// scheduleReconnectLocked arms the single reconnect timer. c.mu must be held.
func (c *connection) scheduleReconnectLocked() (int, time.Duration) {
	c.state = StateReconnecting
	attempt := c.attempt
	delay := c.client.backoff.Delay(attempt)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.onReconnectTimer)
	return attempt, delay
}

func (c *connection) onReconnectTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unsubscribed || c.state != StateReconnecting {
		return
	}
	c.timer = nil
	c.attempt++
	c.connectLocked()
}

// readMessages is the only reader of conn. Frames are dispatched only while
// conn is the descriptor's current open socket.
func (c *connection) readMessages(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, gen, err)
			return
		}

		if !c.isCurrent(gen) {
			c.logger.Debug().Msg("frame from stale socket dropped")
			continue
		}
		c.client.handler.Handle(c.scope, data)
	}
}

func (c *connection) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unsubscribed && c.state == StateOpen && c.generation == gen
}

// handleClosed turns a close that the caller did not initiate into a reconnect
func (c *connection) handleClosed(conn *websocket.Conn, gen uint64, cause error) {
	conn.Close()

	c.mu.Lock()
	if c.unsubscribed || gen != c.generation || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	attempt, delay := c.scheduleReconnectLocked()
	c.mu.Unlock()

	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) {
		c.logger.Warn().Int("code", closeErr.Code).Str("text", closeErr.Text).Int("attempt", attempt).Dur("delay", delay).Msg("realtime channel closed by server")
	} else {
		c.logger.Warn().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("realtime channel lost")
	}
	c.publish(Event{Type: EventDisconnected, Scope: c.scope, Err: cause})
	c.publish(Event{Type: EventReconnecting, Scope: c.scope, Attempt: attempt, Delay: delay})
}

// send writes one frame; it never queues
func (c *connection) send(ctx context.Context, frame OutboundFrame) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Type, err)
	}
	return nil
}

// unsubscribe is the caller-initiated close: cancel any pending timer or
// dial, send a normal close and end in Closed.
func (c *connection) unsubscribe() {
	c.mu.Lock()
	if c.unsubscribed {
		c.mu.Unlock()
		return
	}
	c.unsubscribed = true
	c.state = StateClosed
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			c.logger.Debug().Err(err).Msg("close frame not sent")
		}
		conn.Close()
	}

	c.publish(Event{Type: EventDisconnected, Scope: c.scope})

	c.mu.Lock()
	for sub := range c.subs {
		sub.closeEvents()
		delete(c.subs, sub)
	}
	c.mu.Unlock()

	c.logger.Info().Msg("realtime channel closed")
}

func (c *connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// addSubscriber registers sub; a late joiner on an open socket is told so
func (c *connection) addSubscriber(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub] = struct{}{}
	if c.state == StateOpen {
		sub.events <- Event{Type: EventConnected, Scope: c.scope}
	}
}

// removeSubscriber reports how many subscribers remain
func (c *connection) removeSubscriber(sub *Subscription) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub]; ok {
		delete(c.subs, sub)
		sub.closeEvents()
	}
	return len(c.subs)
}

// publish fans ev out without blocking; a full subscriber buffer drops ev
func (c *connection) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		select {
		case sub.events <- ev:
		default:
			c.logger.Warn().Str("event", string(ev.Type)).Msg("subscriber buffer full, event dropped")
		}
	}
}
