package loqui

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Pipeline
// ============================================================================

// Pipeline is the optimistic-send engine. A send inserts a provisional
// message immediately, submits it through both the live channel and the
// durable collaborator, and reconciles the provisional copy with the
// authoritative one by correlation id. Inbound pushes merge through the same
// reconciliation path, so the ordering of "own echo" versus "durable ack" is
// irrelevant to the final sequence.
type Pipeline struct {
	client *Client
	conn   *Conn
	store  *Store
	caps   Capabilities
	selfID string
	log    *zap.Logger

	echoTolerance time.Duration
	editWindow    time.Duration

	unsubs []func()
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithEchoTolerance sets the timestamp window of the content-match fallback
// used when the server strips the client correlation id.
func WithEchoTolerance(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.echoTolerance = d }
}

// WithEditWindow sets how long after creation a message may still be edited.
func WithEditWindow(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.editWindow = d }
}

func WithPipelineLogger(log *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// NewPipeline wires the send/receive pipeline over a connection and store.
// conn may be nil (durable-only operation, e.g. in tests).
func NewPipeline(client *Client, conn *Conn, store *Store, caps Capabilities, selfID string, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		client:        client,
		conn:          conn,
		store:         store,
		caps:          caps,
		selfID:        selfID,
		log:           zap.NewNop(),
		echoTolerance: 5 * time.Second,
		editWindow:    15 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bind subscribes the pipeline to inbound push events.
func (p *Pipeline) Bind() {
	if p.conn == nil {
		return
	}
	p.unsubs = append(p.unsubs,
		p.conn.Subscribe(EventMessageReceived, p.onMessageReceived),
		p.conn.Subscribe(EventMessageDelivered, p.onMessageDelivered),
		p.conn.Subscribe(EventMessageRead, p.onMessageRead),
	)
}

// Close detaches the pipeline from the connection.
func (p *Pipeline) Close() {
	for _, u := range p.unsubs {
		u()
	}
	p.unsubs = nil
}

// ============================================================================
// Send path
// ============================================================================

// SendOptions carries the optional fields of a send.
type SendOptions struct {
	ReplyToID string
	FileMeta  *FileMeta
}

// Send validates, inserts a provisional message, then submits it through the
// live channel (best-effort) and the durable collaborator. The returned
// message is the provisional copy; reconciliation replaces it in place once
// the acknowledgment arrives. A durable failure marks it failed and returns
// *SendError; the message stays visible for an explicit Retry.
func (p *Pipeline) Send(ctx context.Context, convID, content string, msgType MessageType, opts *SendOptions) (Message, error) {
	if err := p.validateSend(convID, content, msgType); err != nil {
		return Message{}, err
	}

	msg := Message{
		ConversationID: convID,
		SenderID:       p.selfID,
		Content:        content,
		Type:           msgType,
		Status:         StatusSending,
		CorrelationID:  uuid.NewString(),
		CreatedAt:      time.Now(),
	}
	if opts != nil {
		msg.ReplyToID = opts.ReplyToID
		msg.FileMeta = opts.FileMeta
	}

	p.store.AppendProvisional(msg)

	ack, err := p.submit(ctx, msg)
	if err != nil {
		return msg, err
	}
	return ack, nil
}

// Retry re-submits a failed message: same content, same logical message,
// new delivery attempt. Only explicit user action triggers this.
func (p *Pipeline) Retry(ctx context.Context, convID, correlationID string) error {
	msg, ok := p.store.MessageByCorrelation(convID, correlationID)
	if !ok {
		return ErrMessageNotFound
	}
	if msg.Status != StatusFailed {
		return nil
	}
	p.store.MarkSending(convID, correlationID)
	_, err := p.submit(ctx, msg)
	return err
}

func (p *Pipeline) validateSend(convID, content string, msgType MessageType) error {
	if !p.caps.CanSendMessages {
		return &PermissionError{Op: "send message"}
	}
	if convID == "" {
		return &ValidationError{Field: "conversationId", Reason: "must not be empty"}
	}
	if msgType == "" {
		return &ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if msgType == MessageText && strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	return nil
}

// submit fans the message out over the live channel and the durable request.
// The live publish is best-effort; only the durable outcome decides the
// message's fate.
func (p *Pipeline) submit(ctx context.Context, msg Message) (Message, error) {
	if p.conn != nil {
		_, err := p.conn.Publish(ctx, CmdSendMessage, map[string]any{
			"conversationId": msg.ConversationID,
			"content":        msg.Content,
			"type":           msg.Type,
			"replyToId":      msg.ReplyToID,
			"tempId":         msg.CorrelationID,
		})
		if err != nil && !errors.Is(err, ErrNotConnected) {
			p.log.Warn("live publish failed", zap.String("correlation", msg.CorrelationID), zap.Error(err))
		}
	}

	authoritative, err := p.client.SendMessage(ctx, msg.ConversationID, &SendMessageRequest{
		Content:       msg.Content,
		Type:          msg.Type,
		ReplyToID:     msg.ReplyToID,
		FileMeta:      msg.FileMeta,
		CorrelationID: msg.CorrelationID,
	})
	if err != nil {
		p.store.MarkSendFailed(msg.ConversationID, msg.CorrelationID)
		return Message{}, &SendError{CorrelationID: msg.CorrelationID, Err: err}
	}

	ack := *authoritative
	if ack.ConversationID == "" {
		ack.ConversationID = msg.ConversationID
	}
	if ack.CorrelationID == "" {
		ack.CorrelationID = msg.CorrelationID
	}
	if ack.Status == "" || ack.Status == StatusSending {
		ack.Status = StatusSent
	}
	p.store.ResolveProvisional(msg.ConversationID, msg.CorrelationID, ack)
	return ack, nil
}

// ============================================================================
// Receive path
// ============================================================================

func (p *Pipeline) onMessageReceived(_ string, payload json.RawMessage) {
	var ev MessageReceivedPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		p.log.Warn("dropping malformed message_received", zap.Error(err))
		return
	}
	msg := ev.Message
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}
	p.store.MergeInbound(msg, ev.TempID, p.echoTolerance)
}

func (p *Pipeline) onMessageDelivered(_ string, payload json.RawMessage) {
	var ev MessageDeliveredPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	p.store.UpdateMessageStatus(ev.MessageID, StatusDelivered, ev.DeliveredAt)
}

func (p *Pipeline) onMessageRead(_ string, payload json.RawMessage) {
	var ev MessageReadPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	p.store.UpdateMessageStatus(ev.MessageID, StatusRead, ev.ReadAt)
}

// ============================================================================
// Edit / Delete
// ============================================================================

// Edit replaces a message's content in place by id. Rejected when the caller
// does not own the message or the edit window has elapsed.
func (p *Pipeline) Edit(ctx context.Context, convID, messageID, content string) (Message, error) {
	if !p.caps.CanSendMessages {
		return Message{}, &PermissionError{Op: "edit message"}
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, &ValidationError{Field: "content", Reason: "must not be empty"}
	}

	existing, err := p.find(convID, messageID)
	if err != nil {
		return Message{}, err
	}
	if existing.SenderID != p.selfID {
		return Message{}, &PermissionError{Op: "edit another user's message"}
	}
	if time.Since(existing.CreatedAt) > p.editWindow {
		return Message{}, &PermissionError{Op: "edit outside the allowed window"}
	}

	updated, err := p.client.EditMessage(ctx, messageID, content)
	if err != nil {
		return Message{}, err
	}
	next := *updated
	if next.ConversationID == "" {
		next.ConversationID = convID
	}
	p.store.ReplaceMessage(next)
	return next, nil
}

// Delete removes a message by id. If it was the conversation's last message
// the store recomputes the projection from the surviving sequence.
func (p *Pipeline) Delete(ctx context.Context, convID, messageID string) error {
	if !p.caps.CanSendMessages {
		return &PermissionError{Op: "delete message"}
	}
	existing, err := p.find(convID, messageID)
	if err != nil {
		return err
	}
	if existing.SenderID != p.selfID {
		return &PermissionError{Op: "delete another user's message"}
	}

	if err := p.client.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	p.store.RemoveMessage(convID, messageID)
	return nil
}

func (p *Pipeline) find(convID, messageID string) (Message, error) {
	for _, m := range p.store.Messages(convID) {
		if m.ID == messageID {
			return m, nil
		}
	}
	return Message{}, ErrMessageNotFound
}
