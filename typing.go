package loqui

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// TypingConfig tunes the typing signal timers.
type TypingConfig struct {
	// StartThrottle is the minimum interval between typing_start signals for
	// one conversation, under continuous input.
	StartThrottle time.Duration
	// StopDebounce delays the stop signal after input becomes empty, so a
	// quick correction does not flicker the indicator.
	StopDebounce time.Duration
	// IdleTimeout force-stops after this long without input.
	IdleTimeout time.Duration
	// RemoteExpiry evicts a remote typing entry that was never stopped.
	RemoteExpiry time.Duration

	Logger *zap.Logger
}

func (c *TypingConfig) defaults() {
	if c.StartThrottle == 0 {
		c.StartThrottle = 3 * time.Second
	}
	if c.StopDebounce == 0 {
		c.StopDebounce = 500 * time.Millisecond
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Second
	}
	if c.RemoteExpiry == 0 {
		c.RemoteExpiry = 8 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// TypingController
// ============================================================================

// localTyping is the per-conversation outbound state machine: throttled
// start, debounced stop on empty input, hard stop on idle.
type localTyping struct {
	typing    bool
	lastStart time.Time
	debounce  *time.Timer
	idle      *time.Timer
}

type remoteTyping struct {
	deadline time.Time
	evict    *time.Timer
}

// TypingController converts raw input events into throttled start / debounced
// stop signals per conversation, and tracks which remote users are typing.
// Remote entries self-heal: they expire after RemoteExpiry if no refresh or
// stop arrives, so a lost stop event cannot leave a stuck indicator.
type TypingController struct {
	conn *Conn
	cfg  TypingConfig
	log  *zap.Logger

	mu     sync.Mutex
	active string
	local  map[string]*localTyping
	remote map[string]map[string]*remoteTyping
	unsub  func()
	closed bool
}

// NewTypingController creates a typing controller bound to a connection.
func NewTypingController(conn *Conn, cfg TypingConfig) *TypingController {
	cfg.defaults()
	return &TypingController{
		conn:   conn,
		cfg:    cfg,
		log:    cfg.Logger,
		local:  make(map[string]*localTyping),
		remote: make(map[string]map[string]*remoteTyping),
	}
}

// Bind subscribes the controller to remote typing events.
func (t *TypingController) Bind() {
	if t.conn == nil {
		return
	}
	t.unsub = t.conn.Subscribe(EventUserTyping, t.onUserTyping)
}

// Close force-stops any pending typing state and detaches from the
// connection. Pending timers are flushed so no remote-visible state sticks.
func (t *TypingController) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	convs := make([]string, 0, len(t.local))
	for id := range t.local {
		convs = append(convs, id)
	}
	for _, m := range t.remote {
		for _, r := range m {
			r.evict.Stop()
		}
	}
	t.mu.Unlock()

	for _, id := range convs {
		t.forceStop(id)
	}
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
}

// ============================================================================
// Outbound signals
// ============================================================================

// SetActiveConversation switches the conversation the user is composing in.
// The previous conversation gets an immediate stop so typing state never
// leaks across conversations.
func (t *TypingController) SetActiveConversation(convID string) {
	t.mu.Lock()
	prev := t.active
	t.active = convID
	t.mu.Unlock()

	if prev != "" && prev != convID {
		t.forceStop(prev)
	}
}

// Blur handles the window losing focus: immediate stop for the active
// conversation.
func (t *TypingController) Blur() {
	t.stopActive()
}

// Hidden handles the page becoming hidden: immediate stop for the active
// conversation.
func (t *TypingController) Hidden() {
	t.stopActive()
}

func (t *TypingController) stopActive() {
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()
	if active != "" {
		t.forceStop(active)
	}
}

// InputChanged feeds the current composer content for a conversation.
// Non-empty input emits a throttled typing_start and arms the idle stop;
// empty input arms the debounced stop.
func (t *TypingController) InputChanged(convID, text string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	st, ok := t.local[convID]
	if !ok {
		st = &localTyping{}
		t.local[convID] = st
	}

	if text == "" {
		if st.typing && st.debounce == nil {
			st.debounce = time.AfterFunc(t.cfg.StopDebounce, func() { t.forceStop(convID) })
		}
		t.mu.Unlock()
		return
	}

	if st.debounce != nil {
		st.debounce.Stop()
		st.debounce = nil
	}
	if st.idle != nil {
		st.idle.Reset(t.cfg.IdleTimeout)
	} else {
		st.idle = time.AfterFunc(t.cfg.IdleTimeout, func() { t.forceStop(convID) })
	}

	shouldStart := !st.typing || time.Since(st.lastStart) >= t.cfg.StartThrottle
	if shouldStart {
		st.typing = true
		st.lastStart = time.Now()
	}
	t.mu.Unlock()

	if shouldStart {
		t.publish(CmdTypingStart, convID)
	}
}

// forceStop sends an immediate stop for a conversation and clears its timers.
func (t *TypingController) forceStop(convID string) {
	t.mu.Lock()
	st, ok := t.local[convID]
	if !ok || !st.typing {
		if ok {
			clearTimers(st)
		}
		t.mu.Unlock()
		return
	}
	st.typing = false
	clearTimers(st)
	t.mu.Unlock()

	t.publish(CmdTypingStop, convID)
}

func clearTimers(st *localTyping) {
	if st.debounce != nil {
		st.debounce.Stop()
		st.debounce = nil
	}
	if st.idle != nil {
		st.idle.Stop()
		st.idle = nil
	}
}

// publish is best-effort: typing signals are never worth surfacing an error.
func (t *TypingController) publish(cmd, convID string) {
	if t.conn == nil {
		return
	}
	if _, err := t.conn.Publish(context.Background(), cmd, map[string]string{"conversationId": convID}); err != nil {
		t.log.Debug("typing signal dropped", zap.String("cmd", cmd), zap.String("conversation", convID), zap.Error(err))
	}
}

// ============================================================================
// Remote typing set
// ============================================================================

func (t *TypingController) onUserTyping(_ string, payload json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	users := t.remote[p.ConversationID]
	if p.IsTyping {
		if users == nil {
			users = make(map[string]*remoteTyping)
			t.remote[p.ConversationID] = users
		}
		if r, ok := users[p.UserID]; ok {
			r.deadline = time.Now().Add(t.cfg.RemoteExpiry)
			r.evict.Reset(t.cfg.RemoteExpiry)
			return
		}
		convID, userID := p.ConversationID, p.UserID
		users[userID] = &remoteTyping{
			deadline: time.Now().Add(t.cfg.RemoteExpiry),
			evict:    time.AfterFunc(t.cfg.RemoteExpiry, func() { t.evictRemote(convID, userID) }),
		}
		return
	}

	if r, ok := users[p.UserID]; ok {
		r.evict.Stop()
		delete(users, p.UserID)
	}
}

func (t *TypingController) evictRemote(convID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if users := t.remote[convID]; users != nil {
		delete(users, userID)
	}
}

// TypingUsers returns the remote users currently typing in a conversation.
func (t *TypingController) TypingUsers(convID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var out []string
	for userID, r := range t.remote[convID] {
		if r.deadline.After(now) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}
