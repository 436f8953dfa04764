package loqui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures the live-channel connection manager.
type ConnConfig struct {
	// BaseURL of the messaging service; ws(s):// is derived from http(s)://.
	BaseURL string

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration

	Logger *zap.Logger
}

func (c *ConnConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// EventHandler receives a live-channel event. Handlers run on the connection's
// read goroutine in subscription order and must not block.
type EventHandler func(eventType string, payload json.RawMessage)

type subscription struct {
	id      uint64
	handler EventHandler
}

type dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[string][]subscription)}
}

func (d *dispatcher) subscribe(event string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[event] = append(d.subs[event], subscription{id: id, handler: h})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.subs[event]
		for i, s := range list {
			if s.id == id {
				d.subs[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.RLock()
	list := append([]subscription(nil), d.subs[event]...)
	d.mu.RUnlock()
	for _, s := range list {
		s.handler(event, payload)
	}
}

func (d *dispatcher) dispatchJSON(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	d.dispatch(event, data)
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector produces the backoff schedule. Attempts reset after the
// connection has been stable for a minute.
type reconnector struct {
	bo          *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *ConnConfig) *reconnector {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectBaseDelay
	bo.MaxInterval = cfg.ReconnectMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &reconnector{bo: bo, maxAttempts: cfg.MaxReconnectAttempts}
}

func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.reset()
	}
	r.attempt++
	return r.bo.NextBackOff()
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.bo.Reset()
	r.connectedAt = time.Time{}
}

// ============================================================================
// Conn
// ============================================================================

// Conn owns the single persistent live-channel connection: authentication
// handshake, exponential-backoff reconnection, heartbeat/latency probing, and
// a typed publish/subscribe fan-out for inbound push events.
//
// Conn does not buffer outbound events across disconnects; Publish fails with
// ErrNotConnected and the caller decides whether to queue or surface it.
type Conn struct {
	cfg        ConnConfig
	dispatcher *dispatcher
	recon      *reconnector
	log        *zap.Logger

	mu               sync.Mutex
	ws               *websocket.Conn
	state            ConnState
	token            string
	intentionalClose bool
	serverClose      bool
	reconnecting     bool
	cancelFn         context.CancelFunc

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// NewConn creates a connection manager. Connect must be called before any
// Publish.
func NewConn(cfg ConnConfig) *Conn {
	cfg.defaults()
	return &Conn{
		cfg:          cfg,
		dispatcher:   newDispatcher(),
		recon:        newReconnector(&cfg),
		log:          cfg.Logger,
		state:        StateDisconnected,
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the live channel is currently up.
func (c *Conn) Connected() bool {
	return c.State() == StateConnected
}

// Subscribe registers a handler for a live-channel or meta event. Multiple
// independent subscribers per event are supported. The returned function
// removes the subscription.
func (c *Conn) Subscribe(event string, h EventHandler) func() {
	return c.dispatcher.subscribe(event, h)
}

// Connect dials the live channel and performs the authentication handshake.
// A rejected credential fails with *AuthenticationError and is not retried.
func (c *Conn) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.token = token
	c.intentionalClose = false
	c.serverClose = false
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}
	c.recon.reset()
	c.recon.markConnected()
	return nil
}

func (c *Conn) dial(ctx context.Context) error {
	wsURL := strings.Replace(c.cfg.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	c.mu.Lock()
	wsURL += "/ws?token=" + c.token
	c.mu.Unlock()

	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return &ConnectionError{Op: "dial", Err: err}
	}

	// First frame must complete the handshake.
	_, data, err := ws.Read(ctx)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return &ConnectionError{Op: "handshake", Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return &ConnectionError{Op: "handshake", Err: err}
	}
	switch env.Type {
	case EventAuthenticated:
	case EventAuthError:
		ws.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		reason := "credentials rejected"
		var p struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Payload, &p) == nil && p.Message != "" {
			reason = p.Message
		}
		return &AuthenticationError{Reason: reason}
	default:
		ws.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return &ConnectionError{Op: "handshake", Err: fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.cancelFn = cancel
	c.mu.Unlock()

	c.dispatcher.dispatch(env.Type, env.Payload)
	c.dispatcher.dispatchJSON(MetaConnected, struct{}{})

	go c.readLoop(connCtx, ws)
	go c.heartbeatLoop(connCtx)
	return nil
}

// Disconnect closes the connection. It is idempotent and suppresses any
// reconnection attempt.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	ws := c.ws
	c.ws = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	c.clearPendingPings()

	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasConnected {
		c.dispatcher.dispatchJSON(MetaDisconnected, map[string]any{"code": 1000, "reason": "client disconnect"})
	}
	return nil
}

// Publish sends a command over the live channel and returns the correlation
// id attached to the frame. Fails with ErrNotConnected while down.
func (c *Conn) Publish(ctx context.Context, event string, payload any) (string, error) {
	correlationID := uuid.NewString()
	err := c.send(ctx, &Command{Type: event, Payload: payload, CorrelationID: correlationID})
	if err != nil {
		return "", err
	}
	return correlationID, nil
}

func (c *Conn) send(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if ws == nil || !connected {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// ============================================================================
// Convenience commands
// ============================================================================

// JoinConversation subscribes the session to a conversation's fan-out.
func (c *Conn) JoinConversation(ctx context.Context, conversationID string) error {
	_, err := c.Publish(ctx, CmdJoinConversation, map[string]string{"conversationId": conversationID})
	return err
}

// LeaveConversation unsubscribes the session from a conversation's fan-out.
func (c *Conn) LeaveConversation(ctx context.Context, conversationID string) error {
	_, err := c.Publish(ctx, CmdLeaveConversation, map[string]string{"conversationId": conversationID})
	return err
}

// MarkRead signals the read boundary for a conversation.
func (c *Conn) MarkRead(ctx context.Context, conversationID, messageID string) error {
	_, err := c.Publish(ctx, CmdMarkRead, map[string]string{
		"conversationId": conversationID,
		"messageId":      messageID,
	})
	return err
}

// UpdateStatus publishes the local user's presence status.
func (c *Conn) UpdateStatus(ctx context.Context, status PresenceStatus) error {
	_, err := c.Publish(ctx, CmdUpdateStatus, map[string]string{"status": string(status)})
	return err
}

// ============================================================================
// Latency probe
// ============================================================================

// Ping sends a correlated ping, waits for its pong, and publishes the
// measured round trip on the latency meta event. Diagnostics only; nothing
// else gates on it.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	correlationID := uuid.NewString()
	ch := make(chan PongPayload, 1)

	c.pendingMu.Lock()
	c.pendingPings[correlationID] = ch
	c.pendingMu.Unlock()

	drop := func() {
		c.pendingMu.Lock()
		delete(c.pendingPings, correlationID)
		c.pendingMu.Unlock()
	}

	start := time.Now()
	err := c.send(ctx, &Command{
		Type:          CmdPing,
		Payload:       map[string]int64{"timestamp": start.UnixMilli()},
		CorrelationID: correlationID,
	})
	if err != nil {
		drop()
		return 0, err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			// Channel closed by disconnect: no pong was received.
			return 0, &ConnectionError{Op: "ping", Err: ErrNotConnected}
		}
		rtt := time.Since(start)
		c.dispatcher.dispatchJSON(MetaLatency, LatencySample{RTT: rtt, MeasuredAt: time.Now()})
		return rtt, nil
	case <-time.After(c.cfg.PingTimeout):
		drop()
		return 0, &ConnectionError{Op: "ping", Err: fmt.Errorf("pong timeout")}
	case <-ctx.Done():
		drop()
		return 0, ctx.Err()
	}
}

func (c *Conn) clearPendingPings() {
	c.pendingMu.Lock()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	c.pendingMu.Unlock()
}

// ============================================================================
// Read loop, heartbeat, reconnect
// ============================================================================

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.handleReadFailure(err)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			c.log.Warn("dropping malformed frame")
			continue
		}

		switch env.Type {
		case EventPong:
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.CorrelationID != "" {
				c.pendingMu.Lock()
				ch, ok := c.pendingPings[p.CorrelationID]
				if ok {
					delete(c.pendingPings, p.CorrelationID)
				}
				c.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case EventDisconnectRequested:
			// Server-initiated disconnect is terminal: no auto-reconnect.
			c.mu.Lock()
			c.serverClose = true
			c.mu.Unlock()
			c.log.Info("server requested disconnect")
		}

		c.dispatcher.dispatch(env.Type, env.Payload)
	}
}

func (c *Conn) handleReadFailure(err error) {
	c.mu.Lock()
	intentional := c.intentionalClose
	serverClose := c.serverClose
	c.state = StateDisconnected
	c.ws = nil
	c.mu.Unlock()

	c.clearPendingPings()

	if intentional {
		return
	}

	c.dispatcher.dispatchJSON(MetaDisconnected, map[string]any{"code": 0, "reason": err.Error()})

	if serverClose {
		c.dispatcher.dispatchJSON(MetaConnectionLost, map[string]string{"reason": "server requested disconnect"})
		return
	}
	go c.reconnectLoop()
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if _, err := c.Ping(ctx); err != nil {
				c.log.Warn("heartbeat failed, closing connection", zap.Error(err))
				c.mu.Lock()
				ws := c.ws
				c.mu.Unlock()
				if ws != nil {
					ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// reconnectLoop retries with exponential backoff up to the attempt ceiling.
// Guarded so two failures cannot run it concurrently.
func (c *Conn) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		intentional := c.intentionalClose
		c.mu.Unlock()
		if intentional {
			return
		}
		if c.recon.exhausted() {
			c.log.Error("reconnect attempts exhausted", zap.Int("attempts", c.recon.attempt))
			c.dispatcher.dispatchJSON(MetaConnectionLost, map[string]string{"reason": ErrMaxReconnectAttempts.Error()})
			return
		}

		delay := c.recon.nextDelay()
		c.setState(StateReconnecting)
		c.dispatcher.dispatchJSON(MetaReconnecting, map[string]any{
			"attempt": c.recon.attempt,
			"delayMs": delay.Milliseconds(),
		})
		time.Sleep(delay)

		c.setState(StateConnecting)
		err := c.dial(context.Background())
		if err == nil {
			c.recon.markConnected()
			return
		}
		if _, ok := err.(*AuthenticationError); ok {
			// Bad credentials do not heal with retries.
			c.dispatcher.dispatchJSON(MetaConnectionLost, map[string]string{"reason": err.Error()})
			return
		}
		c.log.Warn("reconnect attempt failed", zap.Int("attempt", c.recon.attempt), zap.Error(err))
	}
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
