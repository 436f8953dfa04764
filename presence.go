package loqui

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// PresenceConfig tunes the presence state machine.
type PresenceConfig struct {
	// AwayAfter is how long without activity before the local user is
	// reported away.
	AwayAfter time.Duration
	// ActivityThrottle caps how often Activity recomputes and re-announces
	// state under continuous input.
	ActivityThrottle time.Duration
	// HiddenGrace is how long the page may stay hidden or the window
	// unfocused before the local user is reported away.
	HiddenGrace time.Duration

	Logger *zap.Logger
}

func (c *PresenceConfig) defaults() {
	if c.AwayAfter == 0 {
		c.AwayAfter = 5 * time.Minute
	}
	if c.ActivityThrottle == 0 {
		c.ActivityThrottle = 10 * time.Second
	}
	if c.HiddenGrace == 0 {
		c.HiddenGrace = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// PresenceTracker
// ============================================================================

// PresenceTracker derives the local user's online/away/offline status from
// activity, page visibility and window focus signals, and mirrors remote
// users' presence from live events.
// Remote records are created on first observation and marked offline rather
// than deleted, so LastSeen survives a sign-off.
type PresenceTracker struct {
	conn *Conn
	cfg  PresenceConfig
	log  *zap.Logger

	mu         sync.Mutex
	local      PresenceStatus
	lastEval   time.Time
	idleTimer  *time.Timer
	visible    bool
	focused    bool
	graceTimer *time.Timer
	remote     map[string]PresenceRecord
	unsubs     []func()
	closed     bool
}

// NewPresenceTracker creates a presence tracker bound to a connection.
func NewPresenceTracker(conn *Conn, cfg PresenceConfig) *PresenceTracker {
	cfg.defaults()
	return &PresenceTracker{
		conn:    conn,
		cfg:     cfg,
		log:     cfg.Logger,
		local:   PresenceOffline,
		visible: true,
		focused: true,
		remote:  make(map[string]PresenceRecord),
	}
}

// Bind subscribes the tracker to remote presence events and to connection
// lifecycle, so the announced status follows connectivity.
func (p *PresenceTracker) Bind() {
	if p.conn == nil {
		return
	}
	p.unsubs = append(p.unsubs,
		p.conn.Subscribe(EventUserOnline, p.onRemotePresence),
		p.conn.Subscribe(EventUserOffline, p.onRemotePresence),
		p.conn.Subscribe(MetaConnected, func(string, json.RawMessage) { p.reannounce() }),
		p.conn.Subscribe(MetaDisconnected, func(string, json.RawMessage) { p.setLocal(PresenceOffline, false) }),
	)
}

// Close announces offline (best effort), stops timers and detaches from the
// connection.
func (p *PresenceTracker) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	announce := p.local != PresenceOffline
	p.local = PresenceOffline
	p.mu.Unlock()

	if announce {
		p.announce(PresenceOffline)
	}
	for _, u := range p.unsubs {
		u()
	}
	p.unsubs = nil
}

// ============================================================================
// Local status
// ============================================================================

// Activity records user activity. Transitions to online if the user was away
// or offline, and re-arms the away timer. Calls inside the throttle window
// after a no-op evaluation are ignored, so feeding every keystroke is fine.
func (p *PresenceTracker) Activity() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	if p.local == PresenceOnline && now.Sub(p.lastEval) < p.cfg.ActivityThrottle {
		p.mu.Unlock()
		return
	}
	p.lastEval = now
	changed := p.local != PresenceOnline
	p.local = PresenceOnline
	if p.idleTimer != nil {
		p.idleTimer.Reset(p.cfg.AwayAfter)
	} else {
		p.idleTimer = time.AfterFunc(p.cfg.AwayAfter, p.idle)
	}
	p.mu.Unlock()

	if changed {
		p.announce(PresenceOnline)
	}
}

// idle fires when AwayAfter passes without activity.
func (p *PresenceTracker) idle() {
	p.setLocal(PresenceAway, true)
}

// VisibilityChanged records the page becoming hidden or visible. Hidden past
// HiddenGrace makes the user away; becoming visible restores online.
func (p *PresenceTracker) VisibilityChanged(visible bool) {
	p.mu.Lock()
	p.visible = visible
	p.reevaluateLocked()
}

// FocusChanged records the window losing or regaining focus. Unfocused past
// HiddenGrace makes the user away; regaining focus restores online.
func (p *PresenceTracker) FocusChanged(focused bool) {
	p.mu.Lock()
	p.focused = focused
	p.reevaluateLocked()
}

// reevaluateLocked is called with mu held after a visibility or focus flip
// and releases it. Hidden or unfocused arms the grace timer; both restored
// cancels it and counts as qualifying activity.
func (p *PresenceTracker) reevaluateLocked() {
	if p.closed {
		p.mu.Unlock()
		return
	}
	if !p.visible || !p.focused {
		if p.graceTimer == nil {
			p.graceTimer = time.AfterFunc(p.cfg.HiddenGrace, p.graceElapsed)
		}
		p.mu.Unlock()
		return
	}
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	changed := p.local == PresenceAway
	if changed {
		p.local = PresenceOnline
		p.lastEval = time.Now()
		if p.idleTimer != nil {
			p.idleTimer.Reset(p.cfg.AwayAfter)
		} else {
			p.idleTimer = time.AfterFunc(p.cfg.AwayAfter, p.idle)
		}
	}
	p.mu.Unlock()

	if changed {
		p.announce(PresenceOnline)
	}
}

// graceElapsed fires when the page stayed hidden or unfocused for the whole
// grace period.
func (p *PresenceTracker) graceElapsed() {
	p.mu.Lock()
	p.graceTimer = nil
	if p.closed || (p.visible && p.focused) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.setLocal(PresenceAway, true)
}

// Status returns the local user's current derived status.
func (p *PresenceTracker) Status() PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *PresenceTracker) setLocal(s PresenceStatus, announce bool) {
	p.mu.Lock()
	if p.closed || p.local == s {
		p.mu.Unlock()
		return
	}
	p.local = s
	if s == PresenceOffline && p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.mu.Unlock()

	if announce {
		p.announce(s)
	}
}

// reannounce pushes the current status after a reconnect, since the server
// side may have dropped it with the old session.
func (p *PresenceTracker) reannounce() {
	p.mu.Lock()
	s := p.local
	p.mu.Unlock()
	if s != PresenceOffline {
		p.announce(s)
	}
}

// announce is best-effort: presence is advisory and never worth an error.
func (p *PresenceTracker) announce(s PresenceStatus) {
	if p.conn == nil {
		return
	}
	if err := p.conn.UpdateStatus(context.Background(), s); err != nil {
		p.log.Debug("presence announce dropped", zap.String("status", string(s)), zap.Error(err))
	}
}

// ============================================================================
// Remote presence
// ============================================================================

func (p *PresenceTracker) onRemotePresence(_ string, payload json.RawMessage) {
	var ev PresencePayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if ev.UserID == "" {
		return
	}

	rec := PresenceRecord{Status: ev.Status, LastSeen: ev.LastSeen}
	if rec.Status == "" {
		rec.Status = PresenceOffline
	}
	if rec.Status == PresenceOffline && rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[string]PresenceRecord, len(p.remote)+1)
	for k, v := range p.remote {
		next[k] = v
	}
	next[ev.UserID] = rec
	p.remote = next
}

// Presence returns a remote user's last known presence. Users never observed
// read as offline with a zero LastSeen.
func (p *PresenceTracker) Presence(userID string) (PresenceRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.remote[userID]
	if !ok {
		return PresenceRecord{Status: PresenceOffline}, false
	}
	return rec, true
}

// Snapshot returns the current remote presence map. The map is shared
// copy-on-write state and must not be mutated.
func (p *PresenceTracker) Snapshot() map[string]PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}
