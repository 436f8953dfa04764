package loqui

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ============================================================================
// Store
// ============================================================================

// Store is the conversation projection store: the canonical per-conversation
// aggregate (ordered message pages, unread counter, last-message summary,
// archive flag) plus derived filtered/sorted views.
//
// All mutations to a conversation's message sequence and unread counter are
// serialized through this store's methods; the keyed maps are replaced
// wholesale on each change so concurrent readers never observe a partial
// update.
type Store struct {
	client *Client
	conn   *Conn
	caps   Capabilities
	selfID string
	log    *zap.Logger

	pageSize int

	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	cursors       map[string]PageCursor
	activeConvID  string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithStorePageSize(n int) StoreOption {
	return func(s *Store) { s.pageSize = n }
}

func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// NewStore creates a projection store for one authenticated session. conn may
// be nil, in which case read boundaries are not signaled over the live
// channel.
func NewStore(client *Client, conn *Conn, caps Capabilities, selfID string, opts ...StoreOption) *Store {
	s := &Store{
		client:        client,
		conn:          conn,
		caps:          caps,
		selfID:        selfID,
		log:           zap.NewNop(),
		pageSize:      50,
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		cursors:       make(map[string]PageCursor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// Copy-on-write helpers (callers hold s.mu)
// ============================================================================

func (s *Store) putConversation(c *Conversation) {
	next := make(map[string]*Conversation, len(s.conversations)+1)
	for k, v := range s.conversations {
		next[k] = v
	}
	next[c.ID] = c
	s.conversations = next
}

func (s *Store) putMessages(convID string, msgs []Message) {
	next := make(map[string][]Message, len(s.messages)+1)
	for k, v := range s.messages {
		next[k] = v
	}
	next[convID] = msgs
	s.messages = next
}

func (s *Store) cloneConversation(convID string) *Conversation {
	if c, ok := s.conversations[convID]; ok {
		dup := *c
		return &dup
	}
	return &Conversation{ID: convID, Participants: map[string]ParticipantInfo{}, CreatedAt: time.Now()}
}

// ============================================================================
// Loading and refresh
// ============================================================================

// Refresh replaces the conversation list with the first page from the
// durable collaborator.
func (s *Store) Refresh(ctx context.Context) error {
	page, err := s.client.ListConversations(ctx, 1, s.pageSize, SortLastMessage)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*Conversation, len(page.Conversations))
	for i := range page.Conversations {
		c := page.Conversations[i]
		if existing, ok := s.conversations[c.ID]; ok {
			// Keep locally-derived state the server response does not carry.
			c.LastReadAt = existing.LastReadAt
		}
		next[c.ID] = &c
	}
	s.conversations = next
	return nil
}

// Open makes a conversation active: loads its first history page if none is
// loaded, joins its live fan-out, and marks it read.
func (s *Store) Open(ctx context.Context, convID string) error {
	s.mu.Lock()
	s.activeConvID = convID
	_, loaded := s.cursors[convID]
	s.mu.Unlock()

	if s.conn != nil {
		if err := s.conn.JoinConversation(ctx, convID); err != nil {
			s.log.Warn("join conversation failed", zap.String("conversation", convID), zap.Error(err))
		}
	}

	if !loaded {
		page, err := s.client.GetMessages(ctx, convID, 1, s.pageSize)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.putMessages(convID, append([]Message(nil), page.Messages...))
		s.cursors[convID] = PageCursor{Page: page.Page, HasMore: page.HasMore}
		s.mu.Unlock()
	}

	return s.MarkRead(ctx, convID)
}

// CloseActive clears the active conversation and leaves its fan-out.
func (s *Store) CloseActive(ctx context.Context) {
	s.mu.Lock()
	convID := s.activeConvID
	s.activeConvID = ""
	s.mu.Unlock()

	if convID != "" && s.conn != nil {
		if err := s.conn.LeaveConversation(ctx, convID); err != nil {
			s.log.Warn("leave conversation failed", zap.String("conversation", convID), zap.Error(err))
		}
	}
}

// ActiveConversation returns the currently open conversation id, if any.
func (s *Store) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConvID
}

// ============================================================================
// Pagination
// ============================================================================

// LoadOlder fetches the next older history page and prepends it. Only one
// fetch per conversation may be outstanding; a no-op once the server has
// signaled there are no further pages.
func (s *Store) LoadOlder(ctx context.Context, convID string) error {
	s.mu.Lock()
	cursor, ok := s.cursors[convID]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	if cursor.Loading || !cursor.HasMore {
		s.mu.Unlock()
		return nil
	}
	cursor.Loading = true
	s.cursors[convID] = cursor
	requested := cursor.Page + 1
	s.mu.Unlock()

	page, err := s.client.GetMessages(ctx, convID, requested, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	cursor = s.cursors[convID]
	cursor.Loading = false
	s.cursors[convID] = cursor
	if err != nil {
		return err
	}
	return s.mergePageLocked(convID, page)
}

// mergePageLocked prepends a page of older messages. Pages must arrive in
// strictly increasing order; a repeat of an already-loaded page is a no-op
// and anything further ahead is rejected.
func (s *Store) mergePageLocked(convID string, page *MessagePage) error {
	cursor := s.cursors[convID]
	if page.Page <= cursor.Page {
		return nil
	}
	if page.Page != cursor.Page+1 {
		return ErrPageOutOfOrder
	}

	existing := s.messages[convID]
	merged := make([]Message, 0, len(page.Messages)+len(existing))
	merged = append(merged, page.Messages...)
	merged = append(merged, existing...)
	s.putMessages(convID, merged)

	cursor.Page = page.Page
	cursor.HasMore = page.HasMore
	s.cursors[convID] = cursor
	return nil
}

// Cursor returns the pagination cursor for a conversation.
func (s *Store) Cursor(convID string) (PageCursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[convID]
	return c, ok
}

// ============================================================================
// Message sequence primitives (used by the pipeline)
// ============================================================================

// AppendProvisional inserts an optimistic message at the tail of its
// conversation's sequence.
func (s *Store) AppendProvisional(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putMessages(msg.ConversationID, append(append([]Message(nil), s.messages[msg.ConversationID]...), msg))
	s.bumpLastMessageLocked(msg)
}

// MergeOutcome describes what MergeInbound did with a pushed message.
type MergeOutcome int

const (
	MergeReconciled MergeOutcome = iota // matched a provisional entry, replaced in place
	MergeAppended                       // new message appended
	MergeDuplicate                      // id already present, dropped
)

// MergeInbound applies an inbound pushed message. A provisional entry is
// matched first by correlation id (tempID or the message's own), then by the
// content+time-window heuristic; otherwise the message is appended only if
// its id is not already present. Unread is incremented only for inactive
// conversations and foreign senders.
func (s *Store) MergeInbound(msg Message, tempID string, tolerance time.Duration) MergeOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[msg.ConversationID]

	corrID := tempID
	if corrID == "" {
		corrID = msg.CorrelationID
	}
	if corrID != "" {
		if idx := indexByCorrelation(seq, corrID); idx >= 0 {
			s.replaceAtLocked(msg.ConversationID, idx, msg)
			return MergeReconciled
		}
	}

	// Fallback heuristic: same conversation, same sender, same content,
	// timestamps within the tolerance window. Guards against servers that
	// strip the temp id. The sender check keeps a foreign message with
	// identical content from swallowing the local provisional.
	for i := range seq {
		m := &seq[i]
		if m.Provisional() && m.SenderID == msg.SenderID && m.Content == msg.Content && absDuration(m.CreatedAt.Sub(msg.CreatedAt)) <= tolerance {
			s.replaceAtLocked(msg.ConversationID, i, msg)
			return MergeReconciled
		}
	}

	if msg.ID != "" && indexByID(seq, msg.ID) >= 0 {
		return MergeDuplicate
	}

	s.putMessages(msg.ConversationID, append(append([]Message(nil), seq...), msg))
	s.bumpLastMessageLocked(msg)
	if msg.ConversationID != s.activeConvID && msg.SenderID != s.selfID {
		c := s.cloneConversation(msg.ConversationID)
		c.UnreadCount++
		s.putConversation(c)
	}
	return MergeAppended
}

// ResolveProvisional replaces a provisional message in place (same position)
// with its authoritative counterpart, located by correlation id.
func (s *Store) ResolveProvisional(convID, correlationID string, authoritative Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[convID]
	idx := indexByCorrelation(seq, correlationID)
	if idx < 0 {
		return false
	}

	// The push echo may have already reconciled this send under the same id.
	if authoritative.ID != "" {
		if dup := indexByID(seq, authoritative.ID); dup >= 0 && dup != idx {
			next := append([]Message(nil), seq...)
			next = append(next[:idx], next[idx+1:]...)
			s.putMessages(convID, next)
			return true
		}
	}

	s.replaceAtLocked(convID, idx, authoritative)
	return true
}

// MarkSendFailed flips a provisional message to failed, keeping it visible.
func (s *Store) MarkSendFailed(convID, correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[convID]
	idx := indexByCorrelation(seq, correlationID)
	if idx < 0 {
		return false
	}
	next := append([]Message(nil), seq...)
	next[idx].Status = StatusFailed
	s.putMessages(convID, next)
	return true
}

// MarkSending flips a failed message back to sending for a retry attempt.
func (s *Store) MarkSending(convID, correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[convID]
	idx := indexByCorrelation(seq, correlationID)
	if idx < 0 {
		return false
	}
	next := append([]Message(nil), seq...)
	next[idx].Status = StatusSending
	s.putMessages(convID, next)
	return true
}

// MessageByCorrelation returns the provisional (or reconciled) entry for a
// correlation id.
func (s *Store) MessageByCorrelation(convID, correlationID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.messages[convID]
	if idx := indexByCorrelation(seq, correlationID); idx >= 0 {
		return seq[idx], true
	}
	return Message{}, false
}

// UpdateMessageStatus upgrades a message's delivery status by id. Status only
// moves forward (sent → delivered → read).
func (s *Store) UpdateMessageStatus(messageID string, status MessageStatus, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for convID, seq := range s.messages {
		idx := indexByID(seq, messageID)
		if idx < 0 {
			continue
		}
		if statusRank(status) <= statusRank(seq[idx].Status) {
			return
		}
		next := append([]Message(nil), seq...)
		next[idx].Status = status
		next[idx].UpdatedAt = at
		s.putMessages(convID, next)
		return
	}
}

// ReplaceMessage swaps a message in place by id (edits).
func (s *Store) ReplaceMessage(updated Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[updated.ConversationID]
	idx := indexByID(seq, updated.ID)
	if idx < 0 {
		return false
	}
	s.replaceAtLocked(updated.ConversationID, idx, updated)
	return true
}

// RemoveMessage deletes a message by id and recomputes the conversation's
// last-message projection from the surviving sequence.
func (s *Store) RemoveMessage(convID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[convID]
	idx := indexByID(seq, messageID)
	if idx < 0 {
		return false
	}
	next := append([]Message(nil), seq...)
	next = append(next[:idx], next[idx+1:]...)
	s.putMessages(convID, next)

	c := s.cloneConversation(convID)
	if c.LastMessage != nil && c.LastMessage.ID == messageID {
		if len(next) > 0 {
			last := next[len(next)-1]
			c.LastMessage = &last
			c.LastMessageAt = last.CreatedAt
		} else {
			c.LastMessage = nil
			c.LastMessageAt = time.Time{}
		}
		s.putConversation(c)
	}
	return true
}

// Messages returns a snapshot of a conversation's loaded sequence.
func (s *Store) Messages(convID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[convID]...)
}

func (s *Store) replaceAtLocked(convID string, idx int, msg Message) {
	seq := s.messages[convID]
	next := append([]Message(nil), seq...)
	next[idx] = msg
	s.putMessages(convID, next)

	c, ok := s.conversations[convID]
	if ok && c.LastMessage != nil {
		prev := seq[idx]
		if c.LastMessage.ID == prev.ID && c.LastMessage.CorrelationID == prev.CorrelationID {
			dup := *c
			last := msg
			dup.LastMessage = &last
			dup.LastMessageAt = msg.CreatedAt
			s.putConversation(&dup)
		}
	}
}

func (s *Store) bumpLastMessageLocked(msg Message) {
	c := s.cloneConversation(msg.ConversationID)
	if c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessageAt) {
		last := msg
		c.LastMessage = &last
		c.LastMessageAt = msg.CreatedAt
		s.putConversation(c)
	}
}

// ============================================================================
// Unread accounting
// ============================================================================

// MarkRead resets the unread counter and records the read boundary.
// Participant roles also signal the boundary to the backend.
func (s *Store) MarkRead(ctx context.Context, convID string) error {
	s.mu.Lock()
	c := s.cloneConversation(convID)
	c.UnreadCount = 0
	c.LastReadAt = time.Now()
	s.putConversation(c)
	var lastID string
	if c.LastMessage != nil {
		lastID = c.LastMessage.ID
	}
	s.mu.Unlock()

	if s.caps.Supervisory() || s.conn == nil {
		return nil
	}
	if err := s.conn.MarkRead(ctx, convID, lastID); err != nil {
		// Read boundaries are best-effort over the live channel.
		s.log.Warn("mark read signal failed", zap.String("conversation", convID), zap.Error(err))
	}
	return nil
}

// Unread returns the unread counter for a conversation.
func (s *Store) Unread(convID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[convID]; ok {
		return c.UnreadCount
	}
	return 0
}

// ============================================================================
// Role-gated mutation
// ============================================================================

// Create creates a conversation through the durable collaborator. Rejected
// for supervisory capabilities regardless of UI state.
func (s *Store) Create(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	if !s.caps.CanMutateConversations {
		return nil, &PermissionError{Op: "create conversation"}
	}
	conv, err := s.client.CreateConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.putConversation(conv)
	s.mu.Unlock()
	return conv, nil
}

// SetArchived flips a conversation's archive flag.
func (s *Store) SetArchived(convID string, archived bool) error {
	if !s.caps.CanMutateConversations {
		return &PermissionError{Op: "archive conversation"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[convID]; !ok {
		return ErrConversationNotFound
	}
	c := s.cloneConversation(convID)
	c.IsArchived = archived
	s.putConversation(c)
	return nil
}

// ============================================================================
// Push updates
// ============================================================================

// ApplyConversationUpdate merges a conversation_updated push event into the
// canonical map.
func (s *Store) ApplyConversationUpdate(p ConversationUpdatedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cloneConversation(p.ConversationID)
	var updates struct {
		Name         *string                     `json:"name"`
		IsArchived   *bool                       `json:"isArchived"`
		Participants *map[string]ParticipantInfo `json:"participants"`
	}
	if err := json.Unmarshal(p.Updates, &updates); err != nil {
		s.log.Warn("dropping malformed conversation update", zap.String("conversation", p.ConversationID), zap.Error(err))
		return
	}
	if updates.Name != nil {
		c.Name = *updates.Name
	}
	if updates.IsArchived != nil {
		c.IsArchived = *updates.IsArchived
	}
	if updates.Participants != nil {
		c.Participants = *updates.Participants
	}
	s.putConversation(c)
}

// ============================================================================
// Derived views
// ============================================================================

// Conversation returns a copy of one conversation's aggregate. State changes
// go through Store transitions, not through the returned value.
func (s *Store) Conversation(convID string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[convID]
	if !ok {
		return nil, false
	}
	dup := *c
	return &dup, true
}

// List recomputes a filtered, sorted view of the canonical map. The view is
// derived; it never mutates canonical state.
func (s *Store) List(filter ConversationFilter, sortKey ConversationSort) []Conversation {
	s.mu.Lock()
	conversations := s.conversations
	s.mu.Unlock()

	all := lo.Map(lo.Values(conversations), func(c *Conversation, _ int) Conversation { return *c })

	filtered := lo.Filter(all, func(c Conversation, _ int) bool {
		switch filter {
		case FilterUnread:
			return !c.IsArchived && c.UnreadCount > 0
		case FilterArchived:
			return c.IsArchived
		default:
			return !c.IsArchived
		}
	})

	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		switch sortKey {
		case SortName:
			return a.Name < b.Name
		case SortCreatedAt:
			return a.CreatedAt.After(b.CreatedAt)
		default:
			return a.LastMessageAt.After(b.LastMessageAt)
		}
	})
	return filtered
}

// ============================================================================
// Helpers
// ============================================================================

func indexByID(seq []Message, id string) int {
	for i := range seq {
		if seq[i].ID == id {
			return i
		}
	}
	return -1
}

func indexByCorrelation(seq []Message, correlationID string) int {
	for i := range seq {
		if seq[i].CorrelationID == correlationID && seq[i].Provisional() {
			return i
		}
	}
	return -1
}

func statusRank(s MessageStatus) int {
	switch s {
	case StatusSending:
		return 0
	case StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
