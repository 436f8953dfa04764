package loqui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshotServer serves a mutable monitoring snapshot.
type snapshotServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	snaps   []MonitoringSnapshot
	offices []string
}

func newSnapshotServer(t *testing.T) *snapshotServer {
	t.Helper()
	s := &snapshotServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.offices = append(s.offices, r.URL.Query().Get("officeId"))
		data, _ := json.Marshal(s.snaps)
		s.mu.Unlock()
		writeEnvelope(w, http.StatusOK, Result{OK: true, Data: data})
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *snapshotServer) set(snaps ...MonitoringSnapshot) {
	s.mu.Lock()
	s.snaps = snaps
	s.mu.Unlock()
}

func newTestMonitor(t *testing.T, s *snapshotServer, cfg MonitorConfig) *Monitor {
	t.Helper()
	client := NewClient("tok", WithBaseURL(s.srv.URL))
	return NewMonitor(client, nil, cfg)
}

func fixedNow() (time.Time, func() time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return now, func() time.Time { return now }
}

// ============================================================================
// Rule set
// ============================================================================

func TestMonitorDerivesAlertsFromRules(t *testing.T) {
	now, nowFn := fixedNow()
	s := newSnapshotServer(t)
	s.set(
		MonitoringSnapshot{
			ConversationID:  "c-stale",
			LastUserMessage: now.Add(-20 * time.Minute),
			LastAgentReply:  now.Add(-40 * time.Minute),
		},
		MonitoringSnapshot{
			ConversationID: "c-escalated",
			Escalated:      true,
			Handled:        false,
		},
		MonitoringSnapshot{
			ConversationID:  "c-busy",
			MessageCount24h: 500,
		},
		MonitoringSnapshot{
			ConversationID:  "c-idle-agent",
			AssignedAgentID: "agent-7",
			LastAgentSeen:   now.Add(-time.Hour),
		},
	)

	m := newTestMonitor(t, s, MonitorConfig{
		StaleReplyAfter:    10 * time.Minute,
		VolumeThreshold:    100,
		AgentInactiveAfter: 15 * time.Minute,
		now:                nowFn,
	})
	require.NoError(t, m.Poll(context.Background()))

	alerts := m.Alerts()
	require.Len(t, alerts, 4)

	byID := map[string]Alert{}
	for _, a := range alerts {
		byID[a.ID] = a
	}
	assert.Equal(t, SeverityWarning, byID["stale_reply:c-stale"].Severity)
	assert.Equal(t, SeverityCritical, byID["escalation:c-escalated"].Severity)
	assert.Equal(t, SeverityWarning, byID["volume_spike:c-busy"].Severity)
	assert.Equal(t, SeverityWarning, byID["inactive_agent:agent-7"].Severity)
}

func TestMonitorStaleReplyEscalatesToCritical(t *testing.T) {
	now, nowFn := fixedNow()
	s := newSnapshotServer(t)
	s.set(MonitoringSnapshot{
		ConversationID:  "c1",
		LastUserMessage: now.Add(-25 * time.Minute),
	})

	m := newTestMonitor(t, s, MonitorConfig{StaleReplyAfter: 10 * time.Minute, now: nowFn})
	require.NoError(t, m.Poll(context.Background()))

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestMonitorHandledEscalationDoesNotFire(t *testing.T) {
	_, nowFn := fixedNow()
	s := newSnapshotServer(t)
	s.set(MonitoringSnapshot{ConversationID: "c1", Escalated: true, Handled: true})

	m := newTestMonitor(t, s, MonitorConfig{now: nowFn})
	require.NoError(t, m.Poll(context.Background()))
	assert.Empty(t, m.Alerts())
}

// ============================================================================
// Identity and ordering
// ============================================================================

func TestMonitorRepeatedDetectionUpdatesInPlace(t *testing.T) {
	_, nowFn := fixedNow()
	s := newSnapshotServer(t)
	s.set(MonitoringSnapshot{ConversationID: "c1", Escalated: true})

	m := newTestMonitor(t, s, MonitorConfig{now: nowFn})
	require.NoError(t, m.Poll(context.Background()))
	first := m.Alerts()
	require.Len(t, first, 1)

	require.NoError(t, m.Poll(context.Background()))
	require.NoError(t, m.Poll(context.Background()))

	alerts := m.Alerts()
	require.Len(t, alerts, 1, "an unresolved condition must not stack alerts")
	assert.Equal(t, first[0].Timestamp, alerts[0].Timestamp, "first-seen timestamp is kept across polls")
}

func TestMonitorAlertsNewestFirst(t *testing.T) {
	now, _ := fixedNow()
	s := newSnapshotServer(t)
	m := newTestMonitor(t, s, MonitorConfig{})

	// Two polls at different clock readings, each firing a different rule.
	m.cfg.now = func() time.Time { return now }
	s.set(MonitoringSnapshot{ConversationID: "c-old", Escalated: true})
	require.NoError(t, m.Poll(context.Background()))

	m.cfg.now = func() time.Time { return now.Add(time.Minute) }
	s.set(
		MonitoringSnapshot{ConversationID: "c-old", Escalated: true},
		MonitoringSnapshot{ConversationID: "c-new", Escalated: true},
	)
	require.NoError(t, m.Poll(context.Background()))

	alerts := m.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, "escalation:c-new", alerts[0].ID)
	assert.Equal(t, "escalation:c-old", alerts[1].ID)
}

// ============================================================================
// Dismissal
// ============================================================================

func TestMonitorDismissSuppressesWhileConditionPersists(t *testing.T) {
	_, nowFn := fixedNow()
	s := newSnapshotServer(t)
	s.set(MonitoringSnapshot{ConversationID: "c1", Escalated: true})

	m := newTestMonitor(t, s, MonitorConfig{now: nowFn})
	require.NoError(t, m.Poll(context.Background()))
	require.Len(t, m.Alerts(), 1)

	m.Dismiss("escalation:c1")
	assert.Empty(t, m.Alerts())

	// The condition keeps firing: stays suppressed.
	require.NoError(t, m.Poll(context.Background()))
	assert.Empty(t, m.Alerts())

	// Condition clears, then re-fires: surfaces again.
	s.set()
	require.NoError(t, m.Poll(context.Background()))
	s.set(MonitoringSnapshot{ConversationID: "c1", Escalated: true})
	require.NoError(t, m.Poll(context.Background()))
	require.Len(t, m.Alerts(), 1)
}

func TestMonitorAlertPersistsThroughOneMissedPoll(t *testing.T) {
	_, nowFn := fixedNow()
	s := newSnapshotServer(t)
	s.set(MonitoringSnapshot{ConversationID: "c1", Escalated: true})

	m := newTestMonitor(t, s, MonitorConfig{now: nowFn})
	require.NoError(t, m.Poll(context.Background()))

	// The condition drops out of one cycle; only explicit dismissal removes
	// the alert.
	s.set()
	require.NoError(t, m.Poll(context.Background()))
	assert.Len(t, m.Alerts(), 1)
}

func TestMonitorDismissUnknownIDIsNoop(t *testing.T) {
	s := newSnapshotServer(t)
	m := newTestMonitor(t, s, MonitorConfig{})
	m.Dismiss("nothing:here")
	assert.Empty(t, m.Alerts())
}

func TestMonitorCloseIsSafeConcurrently(t *testing.T) {
	s := newSnapshotServer(t)
	m := newTestMonitor(t, s, MonitorConfig{Interval: time.Hour})
	m.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Close()
		}()
	}
	wg.Wait()
	m.Close()
}

// ============================================================================
// Polling
// ============================================================================

func TestMonitorScopesSnapshotToOffice(t *testing.T) {
	s := newSnapshotServer(t)
	m := newTestMonitor(t, s, MonitorConfig{OfficeID: "office-9"})
	require.NoError(t, m.Poll(context.Background()))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.offices, 1)
	assert.Equal(t, "office-9", s.offices[0])
}
