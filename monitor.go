package loqui

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// MonitorConfig tunes the supervisory poller and its rule thresholds.
type MonitorConfig struct {
	// Interval between snapshot polls.
	Interval time.Duration
	// OfficeID scopes the snapshot, empty for all offices.
	OfficeID string
	// StaleReplyAfter is how long a user message may wait for an agent reply
	// before the conversation is flagged.
	StaleReplyAfter time.Duration
	// VolumeThreshold is the 24h message count that counts as a spike.
	VolumeThreshold int
	// AgentInactiveAfter is how long an assigned agent may be unseen before
	// being flagged.
	AgentInactiveAfter time.Duration

	Logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

func (c *MonitorConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.StaleReplyAfter == 0 {
		c.StaleReplyAfter = 10 * time.Minute
	}
	if c.VolumeThreshold == 0 {
		c.VolumeThreshold = 100
	}
	if c.AgentInactiveAfter == 0 {
		c.AgentInactiveAfter = 15 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// ============================================================================
// Monitor
// ============================================================================

// Monitor polls the supervisory snapshot endpoint on a fixed interval while
// the connection is live and derives alerts from a fixed rule set. Alert ids
// are deterministic (rule + target), so an unresolved condition updates its
// alert in place across polls instead of stacking duplicates.
//
// An alert stays in the list until explicitly dismissed, even if the
// condition drops out of one poll cycle. A dismissal suppresses the alert
// while the condition keeps firing and is forgotten once the condition
// clears, so a later re-fire surfaces again.
type Monitor struct {
	api  *Client
	conn *Conn
	cfg  MonitorConfig
	log  *zap.Logger

	mu        sync.Mutex
	alerts    map[string]Alert
	dismissed map[string]bool

	startOnce sync.Once
	closeOnce sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewMonitor creates a monitoring poller. conn may be nil, in which case the
// poller runs unconditionally.
func NewMonitor(api *Client, conn *Conn, cfg MonitorConfig) *Monitor {
	cfg.defaults()
	return &Monitor{
		api:       api,
		conn:      conn,
		cfg:       cfg,
		log:       cfg.Logger,
		alerts:    make(map[string]Alert),
		dismissed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the poll loop. It polls once immediately, then on every
// interval tick while the connection is live.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
		go m.run(ctx)
	})
}

// Close stops the poll loop and waits for it to exit. Safe to call more than
// once, including concurrently.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.pollIfLive(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pollIfLive(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) pollIfLive(ctx context.Context) {
	if m.conn != nil && !m.conn.Connected() {
		return
	}
	if err := m.Poll(ctx); err != nil {
		m.log.Warn("monitoring poll failed", zap.Error(err))
	}
}

// Poll fetches one snapshot and re-evaluates the rule set against it.
func (m *Monitor) Poll(ctx context.Context) error {
	snaps, err := m.api.MonitoringConversations(ctx, m.cfg.OfficeID)
	if err != nil {
		return err
	}
	m.evaluate(snaps)
	return nil
}

// ============================================================================
// Rule evaluation
// ============================================================================

func alertID(t AlertType, targetID string) string {
	return string(t) + ":" + targetID
}

// evaluate folds one snapshot into the alert set. Firing conditions insert or
// update; conditions that stopped firing release their dismissal but leave
// any undismissed alert in place.
func (m *Monitor) evaluate(snaps []MonitoringSnapshot) {
	now := m.cfg.now()
	fired := make(map[string]Alert)
	for _, s := range snaps {
		for _, a := range m.rules(s, now) {
			fired[a.ID] = a
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range fired {
		if m.dismissed[id] {
			continue
		}
		if prev, ok := m.alerts[id]; ok {
			// Keep first-seen timestamp so the list does not reshuffle
			// on every poll of a persisting condition.
			a.Timestamp = prev.Timestamp
		}
		m.alerts[id] = a
	}
	for id := range m.dismissed {
		if _, ok := fired[id]; !ok {
			delete(m.dismissed, id)
		}
	}
}

func (m *Monitor) rules(s MonitoringSnapshot, now time.Time) []Alert {
	var out []Alert

	if !s.LastUserMessage.IsZero() && s.LastUserMessage.After(s.LastAgentReply) &&
		now.Sub(s.LastUserMessage) > m.cfg.StaleReplyAfter {
		sev := SeverityWarning
		if now.Sub(s.LastUserMessage) > 2*m.cfg.StaleReplyAfter {
			sev = SeverityCritical
		}
		out = append(out, Alert{
			ID:             alertID(AlertStaleReply, s.ConversationID),
			Type:           AlertStaleReply,
			Severity:       sev,
			ConversationID: s.ConversationID,
			Message:        "user message unanswered for " + now.Sub(s.LastUserMessage).Round(time.Minute).String(),
			Timestamp:      now,
		})
	}

	if s.Escalated && !s.Handled {
		out = append(out, Alert{
			ID:             alertID(AlertEscalation, s.ConversationID),
			Type:           AlertEscalation,
			Severity:       SeverityCritical,
			ConversationID: s.ConversationID,
			Message:        "escalated conversation has no handler",
			Timestamp:      now,
		})
	}

	if s.MessageCount24h >= m.cfg.VolumeThreshold {
		out = append(out, Alert{
			ID:             alertID(AlertVolumeSpike, s.ConversationID),
			Type:           AlertVolumeSpike,
			Severity:       SeverityWarning,
			ConversationID: s.ConversationID,
			Message:        "unusually high message volume in the last 24h",
			Timestamp:      now,
		})
	}

	if s.AssignedAgentID != "" && !s.LastAgentSeen.IsZero() &&
		now.Sub(s.LastAgentSeen) > m.cfg.AgentInactiveAfter {
		out = append(out, Alert{
			ID:             alertID(AlertInactiveAgent, s.AssignedAgentID),
			Type:           AlertInactiveAgent,
			Severity:       SeverityWarning,
			ConversationID: s.ConversationID,
			Message:        "assigned agent inactive since " + s.LastAgentSeen.Format(time.RFC3339),
			Timestamp:      now,
		})
	}

	return out
}

// ============================================================================
// Alert access
// ============================================================================

// Alerts returns the current alerts, newest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Dismiss removes an alert. While the underlying condition keeps firing the
// alert stays suppressed; once it clears, a re-fire surfaces a fresh alert.
func (m *Monitor) Dismiss(alertID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alertID]; !ok {
		return
	}
	delete(m.alerts, alertID)
	m.dismissed[alertID] = true
}
