package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	olympus "github.com/olympus-platform/olympus-client/client"
)

// Channel owns one logical realtime connection to the platform: dialing,
// heartbeats, bounded-attempt reconnection and fan-out of inbound messages
// to topic subscribers.
//
// Connection failures never surface as errors from background work; they are
// observable only as state transitions on the status stream. A Channel is
// safe for concurrent use.
type Channel struct {
	cfg    Config
	creds  olympus.CredentialSource
	logger zerolog.Logger
	dialer *websocket.Dialer

	router *router
	status *hub[StatusEvent]

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	attempts  int
	runCancel context.CancelFunc
	subs      map[subscriptionKey]controlMessage

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func NewChannel(cfg Config, creds olympus.CredentialSource, logger zerolog.Logger) *Channel {
	cfg = cfg.withDefaults()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}

	scoped := logger.With().Str("component", "olympus.realtime").Logger()
	c := &Channel{
		cfg:    cfg,
		creds:  creds,
		logger: scoped,
		dialer: dialer,
		router: newRouter(cfg.SubscriberBuffer, scoped),
		status: newHub[StatusEvent](cfg.SubscriberBuffer),
		state:  StateDisconnected,
		subs:   make(map[subscriptionKey]controlMessage),
	}
	c.router.onPong = func() {
		c.logger.Trace().Msg("heartbeat acknowledged")
	}
	return c
}

// Status returns a subscription to connection-state transitions.
func (c *Channel) Status() *Subscription[StatusEvent] { return c.status.subscribe() }

// Orders returns a subscription to order update payloads.
func (c *Channel) Orders() *Subscription[json.RawMessage] { return c.router.orders.subscribe() }

// Inventory returns a subscription to inventory update payloads.
func (c *Channel) Inventory() *Subscription[json.RawMessage] { return c.router.inventory.subscribe() }

// Notifications returns a subscription to notification payloads.
func (c *Channel) Notifications() *Subscription[json.RawMessage] {
	return c.router.notifications.subscribe()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection and enables automatic reconnection. It
// performs the first dial synchronously; a dial failure does not return an
// error, it starts the bounded reconnect loop (watch the status stream).
//
// A missing access token is a precondition failure, returned immediately and
// not counted against the reconnect budget. Calling Connect while the channel
// is already active is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.creds.AccessToken(); !ok {
		c.mu.Unlock()
		return olympus.ErrNoAccessToken
	}

	// The connection outlives the caller's context; Disconnect owns shutdown.
	if c.runCancel != nil {
		c.runCancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.attempts = 0
	c.setStateLocked(StatusEvent{State: StateConnecting})
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.Disconnect()
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Msg("initial dial failed")
		go c.retryLoop(runCtx, err)
		return nil
	}

	if c.adopt(conn) {
		go c.serve(runCtx, conn)
	}
	return nil
}

// Disconnect tears the channel down from any state: heartbeat and pending
// reconnect timers stop deterministically, the socket closes, automatic
// reconnection is disabled. Safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	c.setStateLocked(StatusEvent{State: StateDisconnected})
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// Send writes v as a JSON frame. Sends while the channel is not Connected are
// dropped silently (fire-and-forget; the feed is soft-realtime).
func (c *Channel) Send(v any) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Debug().Msg("dropping send, not connected")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		c.logger.Debug().Err(err).Msg("send failed")
	}
}

// SubscribeOrders asks the server for updates about one order. The
// subscription is remembered and replayed after every reconnect.
func (c *Channel) SubscribeOrders(orderID string) {
	c.subscribe(subscriptionKey{channelOrder, orderID},
		controlMessage{Type: msgSubscribe, Channel: channelOrder, OrderID: orderID})
}

// UnsubscribeOrders cancels an order subscription.
func (c *Channel) UnsubscribeOrders(orderID string) {
	c.unsubscribe(subscriptionKey{channelOrder, orderID},
		controlMessage{Type: msgUnsubscribe, Channel: channelOrder, OrderID: orderID})
}

// SubscribeInventory asks the server for inventory updates at one location.
func (c *Channel) SubscribeInventory(locationID string) {
	c.subscribe(subscriptionKey{channelInventory, locationID},
		controlMessage{Type: msgSubscribe, Channel: channelInventory, LocationID: locationID})
}

// UnsubscribeInventory cancels an inventory subscription.
func (c *Channel) UnsubscribeInventory(locationID string) {
	c.unsubscribe(subscriptionKey{channelInventory, locationID},
		controlMessage{Type: msgUnsubscribe, Channel: channelInventory, LocationID: locationID})
}

// SubscribeNotifications asks the server for notifications for one user.
func (c *Channel) SubscribeNotifications(userID string) {
	c.subscribe(subscriptionKey{channelNotification, userID},
		controlMessage{Type: msgSubscribe, Channel: channelNotification, UserID: userID})
}

// UnsubscribeNotifications cancels a notification subscription.
func (c *Channel) UnsubscribeNotifications(userID string) {
	c.unsubscribe(subscriptionKey{channelNotification, userID},
		controlMessage{Type: msgUnsubscribe, Channel: channelNotification, UserID: userID})
}

func (c *Channel) subscribe(key subscriptionKey, msg controlMessage) {
	c.mu.Lock()
	c.subs[key] = msg
	c.mu.Unlock()
	c.Send(msg)
}

func (c *Channel) unsubscribe(key subscriptionKey, msg controlMessage) {
	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()
	c.Send(msg)
}

// dial opens one websocket connection with the current access token and a
// fresh connection id as query parameters.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, ok := c.creds.AccessToken()
	if !ok {
		return nil, olympus.ErrNoAccessToken
	}

	endpoint := fmt.Sprintf("%s?token=%s&cid=%s",
		c.cfg.URL, url.QueryEscape(token), uuid.NewString())

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("handshake rejected: %s: %w", resp.Status, err)
		}
		return nil, err
	}
	return conn, nil
}

// adopt installs a freshly dialed connection, resets the attempt counter and
// replays active subscriptions. Returns false when Disconnect won the race.
func (c *Channel) adopt(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.attempts = 0
	c.setStateLocked(StatusEvent{State: StateConnected})
	replay := make([]controlMessage, 0, len(c.subs))
	for _, msg := range c.subs {
		replay = append(replay, msg)
	}
	c.mu.Unlock()

	for _, msg := range replay {
		c.Send(msg)
	}
	return true
}

// serve reads frames until the connection dies. A drop while the run context
// is still live hands off to the reconnect loop.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			stopHeartbeat()

			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()

			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("connection lost")
			c.retryLoop(ctx, err)
			return
		}
		c.router.dispatch(raw)
	}
}

// heartbeat sends a ping every interval while the connection is up.
func (c *Channel) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Send(Envelope{Type: msgPing})
		}
	}
}

// retryLoop runs bounded reconnection: wait the fixed delay, redial, repeat
// until a dial succeeds, the budget is exhausted (Failed) or the run context
// is cancelled by Disconnect.
func (c *Channel) retryLoop(ctx context.Context, cause error) {
	delay := backoff.NewConstantBackOff(c.cfg.ReconnectDelay)

	for {
		if !c.beginRetry(cause) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay.NextBackOff()):
		}

		conn, err := c.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", c.attemptCount()).Msg("reconnect attempt failed")
			cause = err
			continue
		}

		if c.adopt(conn) {
			go c.serve(ctx, conn)
		}
		return
	}
}

// beginRetry consumes one unit of the reconnect budget. Exhaustion moves the
// channel to Failed, which is terminal until the next Connect.
func (c *Channel) beginRetry(cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnected {
		return false
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.setStateLocked(StatusEvent{State: StateFailed, Attempt: c.attempts, Err: cause})
		return false
	}
	c.attempts++
	c.setStateLocked(StatusEvent{State: StateReconnecting, Attempt: c.attempts, Err: cause})
	return true
}

func (c *Channel) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// setStateLocked transitions the state and emits the status event. Caller
// holds c.mu.
func (c *Channel) setStateLocked(ev StatusEvent) {
	c.state = ev.State
	c.logger.Info().
		Stringer("state", ev.State).
		Int("attempt", ev.Attempt).
		Msg("connection state changed")
	c.status.publish(ev)
}
