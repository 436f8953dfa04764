package loqui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake durable collaborator
// ============================================================================

// restServer fakes the durable HTTP collaborator: it acknowledges sends with
// server-assigned ids and echoes the client correlation id.
type restServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	failSend bool
	nextID   int
	sends    []SendMessageRequest
}

func newRESTServer(t *testing.T) *restServer {
	t.Helper()
	s := &restServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/messages"):
			var req SendMessageRequest
			_ = json.NewDecoder(r.Body).Decode(&req)

			s.mu.Lock()
			s.sends = append(s.sends, req)
			fail := s.failSend
			s.nextID++
			id := fmt.Sprintf("srv-%d", s.nextID)
			s.mu.Unlock()

			if fail {
				writeEnvelope(w, http.StatusInternalServerError, Result{OK: false, Error: &APIError{Message: "storage unavailable"}})
				return
			}
			convID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/conversations/"), "/messages")
			writeData(w, Message{
				ID:             id,
				ConversationID: convID,
				SenderID:       "me",
				Content:        req.Content,
				Type:           req.Type,
				Status:         StatusSent,
				CorrelationID:  req.CorrelationID,
				CreatedAt:      time.Now(),
			})

		case r.Method == "PUT" && strings.HasPrefix(r.URL.Path, "/messages/"):
			var body struct {
				Content string `json:"content"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			writeData(w, Message{
				ID:        strings.TrimPrefix(r.URL.Path, "/messages/"),
				SenderID:  "me",
				Content:   body.Content,
				Type:      MessageText,
				Status:    StatusSent,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			})

		case r.Method == "DELETE" && strings.HasPrefix(r.URL.Path, "/messages/"):
			writeEnvelope(w, http.StatusOK, Result{OK: true})

		default:
			writeEnvelope(w, http.StatusNotFound, Result{OK: false, Error: &APIError{Message: "no route"}})
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *restServer) setFailSend(v bool) {
	s.mu.Lock()
	s.failSend = v
	s.mu.Unlock()
}

func writeEnvelope(w http.ResponseWriter, status int, env Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, v any) {
	data, _ := json.Marshal(v)
	writeEnvelope(w, http.StatusOK, Result{OK: true, Data: data})
}

func newTestPipeline(t *testing.T, caps Capabilities) (*Pipeline, *Store, *restServer) {
	t.Helper()
	rest := newRESTServer(t)
	client := NewClient("tok", WithBaseURL(rest.srv.URL))
	store := NewStore(client, nil, caps, "me")
	pipe := NewPipeline(client, nil, store, caps, "me")
	return pipe, store, rest
}

// ============================================================================
// Send path
// ============================================================================

func TestSendResolvesProvisionalInPlace(t *testing.T) {
	pipe, store, rest := newTestPipeline(t, participantCaps())

	ack, err := pipe.Send(context.Background(), "conv-1", "hello", MessageText, nil)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", ack.ID)
	assert.Equal(t, StatusSent, ack.Status)

	seq := store.Messages("conv-1")
	require.Len(t, seq, 1)
	assert.Equal(t, "srv-1", seq[0].ID)
	assert.Equal(t, StatusSent, seq[0].Status)
	assert.NotEmpty(t, seq[0].CorrelationID)

	// The durable request carried the client correlation id.
	rest.mu.Lock()
	defer rest.mu.Unlock()
	require.Len(t, rest.sends, 1)
	assert.Equal(t, seq[0].CorrelationID, rest.sends[0].CorrelationID)
}

func TestSendValidatesBeforeOptimisticInsert(t *testing.T) {
	pipe, store, _ := newTestPipeline(t, participantCaps())

	var valErr *ValidationError
	_, err := pipe.Send(context.Background(), "conv-1", "   ", MessageText, nil)
	require.ErrorAs(t, err, &valErr)
	assert.Empty(t, store.Messages("conv-1"))

	_, err = pipe.Send(context.Background(), "", "hello", MessageText, nil)
	require.ErrorAs(t, err, &valErr)
	assert.Empty(t, store.Messages("conv-1"))
}

func TestSupervisorySendRejectedWithoutInsert(t *testing.T) {
	pipe, store, rest := newTestPipeline(t, supervisoryCaps())

	var permErr *PermissionError
	_, err := pipe.Send(context.Background(), "conv-1", "hello", MessageText, nil)
	require.ErrorAs(t, err, &permErr)

	assert.Empty(t, store.Messages("conv-1"))
	rest.mu.Lock()
	defer rest.mu.Unlock()
	assert.Empty(t, rest.sends, "rejected send must never reach the backend")
}

func TestSendFailureMarksFailedAndRetrySucceeds(t *testing.T) {
	pipe, store, rest := newTestPipeline(t, participantCaps())
	rest.setFailSend(true)

	_, err := pipe.Send(context.Background(), "conv-1", "hello", MessageText, nil)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)

	// The message stays visible, marked failed.
	seq := store.Messages("conv-1")
	require.Len(t, seq, 1)
	assert.Equal(t, StatusFailed, seq[0].Status)
	corrID := seq[0].CorrelationID

	// Retry is explicit, reuses the same logical message.
	rest.setFailSend(false)
	require.NoError(t, pipe.Retry(context.Background(), "conv-1", corrID))

	seq = store.Messages("conv-1")
	require.Len(t, seq, 1)
	assert.Equal(t, StatusSent, seq[0].Status)
	assert.NotEmpty(t, seq[0].ID)

	rest.mu.Lock()
	defer rest.mu.Unlock()
	require.Len(t, rest.sends, 2)
	assert.Equal(t, rest.sends[0].CorrelationID, rest.sends[1].CorrelationID)
}

func TestRetryIgnoresNonFailedMessages(t *testing.T) {
	pipe, store, rest := newTestPipeline(t, participantCaps())

	ack, err := pipe.Send(context.Background(), "conv-1", "hello", MessageText, nil)
	require.NoError(t, err)

	require.NoError(t, pipe.Retry(context.Background(), "conv-1", ack.CorrelationID))
	require.ErrorIs(t, pipe.Retry(context.Background(), "conv-1", "corr-missing"), ErrMessageNotFound)

	assert.Len(t, store.Messages("conv-1"), 1)
	rest.mu.Lock()
	defer rest.mu.Unlock()
	assert.Len(t, rest.sends, 1, "an acknowledged message must not be resubmitted")
}

func TestSendSucceedsWhileLiveChannelIsDown(t *testing.T) {
	rest := newRESTServer(t)
	client := NewClient("tok", WithBaseURL(rest.srv.URL))
	// A connection that was never established: the best-effort live publish
	// fails with ErrNotConnected, the durable path decides the outcome.
	conn := NewConn(ConnConfig{BaseURL: rest.srv.URL})
	store := NewStore(client, conn, participantCaps(), "me")
	pipe := NewPipeline(client, conn, store, participantCaps(), "me")

	ack, err := pipe.Send(context.Background(), "conv-1", "hello", MessageText, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, ack.Status)

	seq := store.Messages("conv-1")
	require.Len(t, seq, 1)
	assert.Equal(t, StatusSent, seq[0].Status)
}

// ============================================================================
// Receive path
// ============================================================================

func TestOnMessageReceivedMergesThroughStore(t *testing.T) {
	pipe, store, _ := newTestPipeline(t, participantCaps())

	payload, _ := json.Marshal(MessageReceivedPayload{
		Message:        serverMessage("m9", "conv-2", "alice", "ping"),
		ConversationID: "conv-2",
	})
	pipe.onMessageReceived(EventMessageReceived, payload)
	pipe.onMessageReceived(EventMessageReceived, payload)

	assert.Len(t, store.Messages("conv-2"), 1)
	assert.Equal(t, 1, store.Unread("conv-2"))
}

func TestDeliveryAndReadReceipts(t *testing.T) {
	pipe, store, _ := newTestPipeline(t, participantCaps())

	ack, err := pipe.Send(context.Background(), "conv-1", "hello", MessageText, nil)
	require.NoError(t, err)

	delivered, _ := json.Marshal(MessageDeliveredPayload{MessageID: ack.ID, DeliveredAt: time.Now()})
	pipe.onMessageDelivered(EventMessageDelivered, delivered)
	assert.Equal(t, StatusDelivered, store.Messages("conv-1")[0].Status)

	read, _ := json.Marshal(MessageReadPayload{MessageID: ack.ID, ReadAt: time.Now(), ReadBy: "alice"})
	pipe.onMessageRead(EventMessageRead, read)
	assert.Equal(t, StatusRead, store.Messages("conv-1")[0].Status)

	// A delivered receipt straggling in after read must not regress it.
	pipe.onMessageDelivered(EventMessageDelivered, delivered)
	assert.Equal(t, StatusRead, store.Messages("conv-1")[0].Status)
}

// ============================================================================
// Edit and delete
// ============================================================================

func TestEditOwnershipAndWindow(t *testing.T) {
	pipe, store, _ := newTestPipeline(t, participantCaps())

	foreign := serverMessage("m1", "conv-1", "alice", "hers")
	store.MergeInbound(foreign, "", time.Second)
	stale := serverMessage("m2", "conv-1", "me", "old")
	stale.CreatedAt = time.Now().Add(-time.Hour)
	store.MergeInbound(stale, "", time.Second)

	var permErr *PermissionError
	_, err := pipe.Edit(context.Background(), "conv-1", "m1", "mine now")
	require.ErrorAs(t, err, &permErr)

	_, err = pipe.Edit(context.Background(), "conv-1", "m2", "too late")
	require.ErrorAs(t, err, &permErr)

	_, err = pipe.Edit(context.Background(), "conv-1", "missing", "x")
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestEditReplacesContentInPlace(t *testing.T) {
	pipe, store, _ := newTestPipeline(t, participantCaps())

	ack, err := pipe.Send(context.Background(), "conv-1", "tpyo", MessageText, nil)
	require.NoError(t, err)

	updated, err := pipe.Edit(context.Background(), "conv-1", ack.ID, "typo")
	require.NoError(t, err)
	assert.Equal(t, "typo", updated.Content)

	seq := store.Messages("conv-1")
	require.Len(t, seq, 1)
	assert.Equal(t, "typo", seq[0].Content)
}

func TestDeleteRequiresOwnership(t *testing.T) {
	pipe, store, _ := newTestPipeline(t, participantCaps())

	store.MergeInbound(serverMessage("m1", "conv-1", "alice", "hers"), "", time.Second)

	var permErr *PermissionError
	require.ErrorAs(t, pipe.Delete(context.Background(), "conv-1", "m1"), &permErr)
	assert.Len(t, store.Messages("conv-1"), 1)

	ack, err := pipe.Send(context.Background(), "conv-1", "mine", MessageText, nil)
	require.NoError(t, err)
	require.NoError(t, pipe.Delete(context.Background(), "conv-1", ack.ID))
	assert.Len(t, store.Messages("conv-1"), 1)
}
