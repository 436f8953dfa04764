package loqui

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// MessageType enumerates supported message content types.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageAudio MessageType = "audio"
	MessageFile  MessageType = "file"
)

// MessageStatus tracks a message through the optimistic-send pipeline.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// FileMeta describes the attachment of a non-text message.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Message is a single conversation entry. ID is server-assigned once
// acknowledged; before that the message exists only under CorrelationID.
type Message struct {
	ID             string        `json:"id,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	FileMeta       *FileMeta     `json:"fileMeta,omitempty"`
	ReplyToID      string        `json:"replyToId,omitempty"`
	Status         MessageStatus `json:"status"`
	CorrelationID  string        `json:"correlationId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt,omitempty"`
}

// Provisional reports whether the message has not been acknowledged yet.
func (m *Message) Provisional() bool {
	return m.Status == StatusSending || m.Status == StatusFailed
}

// ============================================================================
// Conversations
// ============================================================================

// ParticipantInfo describes one member of a conversation.
type ParticipantInfo struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Role        string    `json:"role,omitempty"`
	JoinedAt    time.Time `json:"joinedAt,omitempty"`
}

// Conversation is the per-conversation aggregate owned by the Store.
// It is mutated only through Store transitions, never directly.
type Conversation struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name,omitempty"`
	Participants  map[string]ParticipantInfo `json:"participants"`
	LastMessage   *Message                   `json:"lastMessage,omitempty"`
	LastMessageAt time.Time                  `json:"lastMessageAt,omitempty"`
	UnreadCount   int                        `json:"unreadCount"`
	IsArchived    bool                       `json:"isArchived"`
	LastReadAt    time.Time                  `json:"lastReadAt,omitempty"`
	CreatedAt     time.Time                  `json:"createdAt"`
}

// PageCursor tracks pagination progress for one conversation's history.
// Loading doubles as a mutual-exclusion flag: one outstanding fetch at a time.
type PageCursor struct {
	Page    int  `json:"page"`
	HasMore bool `json:"hasMore"`
	Loading bool `json:"loading"`
}

// ConversationFilter selects a subset of conversations in derived views.
type ConversationFilter string

const (
	FilterAll      ConversationFilter = "all"
	FilterUnread   ConversationFilter = "unread"
	FilterArchived ConversationFilter = "archived"
)

// ConversationSort orders conversations in derived views.
type ConversationSort string

const (
	SortLastMessage ConversationSort = "lastMessage"
	SortName        ConversationSort = "name"
	SortCreatedAt   ConversationSort = "createdAt"
)

// ============================================================================
// Presence
// ============================================================================

// PresenceStatus is a user's derived online state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is one user's presence. Records are created on first
// observation and never deleted, only marked offline.
type PresenceRecord struct {
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen,omitempty"`
}

// ============================================================================
// Monitoring
// ============================================================================

// AlertType identifies the rule that produced an alert.
type AlertType string

const (
	AlertStaleReply    AlertType = "stale_reply"
	AlertEscalation    AlertType = "escalation"
	AlertVolumeSpike   AlertType = "volume_spike"
	AlertInactiveAgent AlertType = "inactive_agent"
)

// AlertSeverity ranks alerts for display.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a rule-derived monitoring finding. ID is deterministic
// (rule + target) so repeated detection overwrites rather than duplicates.
type Alert struct {
	ID             string        `json:"id"`
	Type           AlertType     `json:"type"`
	Severity       AlertSeverity `json:"severity"`
	ConversationID string        `json:"conversationId,omitempty"`
	Message        string        `json:"message"`
	Timestamp      time.Time     `json:"timestamp"`
}

// MonitoringSnapshot is one conversation's state as returned by the
// supervisory snapshot endpoint.
type MonitoringSnapshot struct {
	ConversationID  string    `json:"conversationId"`
	AssignedAgentID string    `json:"assignedAgentId,omitempty"`
	LastUserMessage time.Time `json:"lastUserMessageAt,omitempty"`
	LastAgentReply  time.Time `json:"lastAgentReplyAt,omitempty"`
	LastAgentSeen   time.Time `json:"lastAgentSeenAt,omitempty"`
	Escalated       bool      `json:"escalated"`
	EscalatedAt     time.Time `json:"escalatedAt,omitempty"`
	Handled         bool      `json:"handled"`
	MessageCount24h int       `json:"messageCount24h"`
}

// ============================================================================
// Session
// ============================================================================

// Role is the session's role string as issued by the auth collaborator.
type Role string

const (
	RoleUser       Role = "user"
	RoleAgent      Role = "agent"
	RoleManager    Role = "manager"
	RoleSuperAdmin Role = "super_admin"
)

// Capabilities is the role resolved once into concrete permissions, so call
// sites branch on capability rather than on the role string.
type Capabilities struct {
	CanSendMessages        bool
	CanMutateConversations bool
}

// CapabilitiesFor resolves a role into its capability set. Supervisory roles
// (manager, super_admin) observe but never mutate.
func CapabilitiesFor(role Role) Capabilities {
	switch role {
	case RoleManager, RoleSuperAdmin:
		return Capabilities{}
	default:
		return Capabilities{CanSendMessages: true, CanMutateConversations: true}
	}
}

// Supervisory reports whether the capability set is observe-only.
func (c Capabilities) Supervisory() bool {
	return !c.CanSendMessages && !c.CanMutateConversations
}

// ============================================================================
// Live channel wire format
// ============================================================================

// Inbound event names.
const (
	EventAuthenticated       = "authenticated"
	EventAuthError           = "auth_error"
	EventMessageReceived     = "message_received"
	EventMessageDelivered    = "message_delivered"
	EventMessageRead         = "message_read"
	EventUserTyping          = "user_typing"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventConversationUpdated = "conversation_updated"
	EventDisconnectRequested = "disconnect_requested"
	EventPong                = "pong"
)

// Outbound command names.
const (
	CmdSendMessage       = "send_message"
	CmdTypingStart       = "typing_start"
	CmdTypingStop        = "typing_stop"
	CmdMarkRead          = "mark_read"
	CmdUpdateStatus      = "update_status"
	CmdJoinConversation  = "join_conversation"
	CmdLeaveConversation = "leave_conversation"
	CmdPing              = "ping"
)

// Meta events emitted by the connection itself, not the server.
const (
	MetaConnected      = "connected"
	MetaDisconnected   = "disconnected"
	MetaReconnecting   = "reconnecting"
	MetaConnectionLost = "connection_lost"
	MetaLatency        = "latency"
)

// Envelope is the JSON frame for all inbound live-channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type          string `json:"type"`
	Payload       any    `json:"payload"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// AuthenticatedPayload confirms the handshake.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// MessageReceivedPayload carries an inbound pushed message.
type MessageReceivedPayload struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversationId"`
	TempID         string  `json:"tempId,omitempty"`
}

// MessageDeliveredPayload upgrades a message to delivered.
type MessageDeliveredPayload struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// MessageReadPayload upgrades a message to read.
type MessageReadPayload struct {
	MessageID string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
	ReadBy    string    `json:"readBy"`
}

// TypingPayload signals a remote user's typing transition.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresencePayload signals a remote user's presence transition.
type PresencePayload struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen,omitempty"`
}

// ConversationUpdatedPayload carries partial conversation updates.
type ConversationUpdatedPayload struct {
	ConversationID string          `json:"conversationId"`
	Updates        json.RawMessage `json:"updates"`
}

// PongPayload answers a ping command.
type PongPayload struct {
	CorrelationID string `json:"correlationId"`
	Timestamp     int64  `json:"timestamp"`
}

// LatencySample is published on the latency meta event after each pong.
type LatencySample struct {
	RTT        time.Duration `json:"rtt"`
	MeasuredAt time.Time     `json:"measuredAt"`
}

// ============================================================================
// Durable HTTP envelope
// ============================================================================

// APIError is the error half of the REST envelope.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Result is the REST success envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// MessagePage is a page of conversation history, oldest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	HasMore  bool      `json:"hasMore"`
}

// ConversationPage is a page of the conversation list.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Page          int            `json:"page"`
	HasMore       bool           `json:"hasMore"`
}

// SendMessageRequest is the durable submission body. CorrelationID lets the
// backend echo the client-generated id so reconciliation never has to fall
// back to content matching.
type SendMessageRequest struct {
	Content       string      `json:"content"`
	Type          MessageType `json:"type"`
	ReplyToID     string      `json:"replyToId,omitempty"`
	FileMeta      *FileMeta   `json:"fileMeta,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

// CreateConversationRequest creates a conversation with the given members.
type CreateConversationRequest struct {
	Name           string   `json:"name,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
}

// UploadResult is returned by the upload endpoint.
type UploadResult struct {
	FileMeta FileMeta `json:"fileMeta"`
}
