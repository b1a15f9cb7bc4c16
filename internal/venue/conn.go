// conn.go implements one market-channel WebSocket connection.
//
// The stream pool owns several WSConns and spreads token subscriptions
// across them. Each connection:
//   - auto-reconnects with exponential backoff (1s → max), offset by a
//     per-connection stagger slot so pool members never dial in lockstep
//   - re-subscribes its full token set on every reconnect
//   - keeps the socket alive with PINGs and a read deadline (~2 missed
//     pings triggers reconnect)
//
// Frames are not parsed here: every raw message goes to the pool's handler,
// which routes books, price changes and trades.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polyharvest/pkg/types"
)

const (
	pingInterval = 50 * time.Second // how often we send PING to keep alive
	readTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout = 10 * time.Second // deadline for outgoing messages

	// staggerStep spaces reconnect attempts across the pool: connection i
	// waits i*staggerStep before every dial.
	staggerStep = 2 * time.Second
)

// MessageHandler receives every raw frame read from a connection, tagged
// with the connection's pool index.
type MessageHandler func(connID int, data []byte)

// WSConn manages a single market-channel WebSocket connection: lifecycle,
// subscription tracking, and automatic staggered reconnection.
type WSConn struct {
	id         int
	url        string
	stagger    time.Duration
	maxBackoff time.Duration
	handler    MessageHandler

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// subscribed is replayed to the venue after every reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // token ids on this connection

	connected   atomic.Bool
	lastEventAt atomic.Int64 // unix nanos of the last frame read
	bounce      atomic.Bool  // health monitor requested a reconnect

	logger *slog.Logger
}

// NewWSConn creates a pool connection. id fixes the reconnect stagger slot.
func NewWSConn(id int, url string, maxBackoff time.Duration, handler MessageHandler, logger *slog.Logger) *WSConn {
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &WSConn{
		id:         id,
		url:        url,
		stagger:    time.Duration(id) * staggerStep,
		maxBackoff: maxBackoff,
		handler:    handler,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "ws_conn", "conn", id),
	}
}

// ID returns the connection's pool index.
func (c *WSConn) ID() int { return c.id }

// Connected reports whether the socket is currently up.
func (c *WSConn) Connected() bool { return c.connected.Load() }

// LastEventAt returns when the last frame was read, zero before the first.
func (c *WSConn) LastEventAt() time.Time {
	ns := c.lastEventAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SubscribedCount returns how many tokens this connection carries.
func (c *WSConn) SubscribedCount() int {
	c.subscribedMu.RLock()
	defer c.subscribedMu.RUnlock()
	return len(c.subscribed)
}

// Subscribed returns a copy of the connection's token set.
func (c *WSConn) Subscribed() []string {
	c.subscribedMu.RLock()
	defer c.subscribedMu.RUnlock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	return ids
}

// Has reports whether the token is assigned to this connection.
func (c *WSConn) Has(tokenID string) bool {
	c.subscribedMu.RLock()
	defer c.subscribedMu.RUnlock()
	return c.subscribed[tokenID]
}

// Run connects and maintains the connection until ctx is cancelled. Every
// dial — including the first — waits the connection's stagger slot, plus
// exponential backoff after short-lived sessions.
func (c *WSConn) Run(ctx context.Context) error {
	attempt := 0

	for {
		delay := c.reconnectDelay(attempt)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		started := time.Now()
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A session that survived a while resets the backoff; rapid
		// failures keep growing it.
		if time.Since(started) > time.Minute {
			attempt = 0
		} else {
			attempt++
		}

		c.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"next_delay", c.reconnectDelay(attempt),
		)
	}
}

// reconnectDelay computes the wait before dial attempt n: the stagger slot
// alone for the first attempt, plus exponential backoff after failures.
func (c *WSConn) reconnectDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.stagger
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	backoff := time.Second << shift
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return c.stagger + backoff
}

// Bounce forces the current socket closed so the run loop reconnects.
// Used by the pool's health monitor when a connection goes quiet.
func (c *WSConn) Bounce() {
	c.bounce.Store(true)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
}

// Subscribe adds token ids to this connection. The set is updated first so
// a reconnect re-subscribes them even if the write fails while down.
func (c *WSConn) Subscribe(tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	c.subscribedMu.Lock()
	for _, id := range tokenIDs {
		c.subscribed[id] = true
	}
	c.subscribedMu.Unlock()

	if !c.connected.Load() {
		return nil // initial subscription covers it on next connect
	}
	return c.writeJSON(types.WSUpdateMsg{AssetIDs: tokenIDs, Operation: "subscribe"})
}

// Unsubscribe removes token ids from this connection.
func (c *WSConn) Unsubscribe(tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	c.subscribedMu.Lock()
	for _, id := range tokenIDs {
		delete(c.subscribed, id)
	}
	c.subscribedMu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	return c.writeJSON(types.WSUpdateMsg{AssetIDs: tokenIDs, Operation: "unsubscribe"})
}

func (c *WSConn) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.bounce.Store(false)
	c.connected.Store(true)

	defer func() {
		c.connected.Store(false)
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if err := c.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.logger.Info("websocket connected", "tokens", c.SubscribedCount())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.bounce.Load() {
				return fmt.Errorf("bounced by health monitor")
			}
			return fmt.Errorf("read: %w", err)
		}

		c.lastEventAt.Store(time.Now().UnixNano())
		c.handler(c.id, msg)
	}
}

func (c *WSConn) sendInitialSubscription() error {
	ids := c.Subscribed()
	if len(ids) == 0 {
		return nil
	}
	return c.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: ids})
}

func (c *WSConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *WSConn) writeJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *WSConn) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}
