package loqui

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// EngineConfig configures one authenticated session.
type EngineConfig struct {
	// BaseURL of the messaging service, e.g. "https://chat.example.com".
	BaseURL string
	// Token is the session's bearer credential.
	Token string
	// UserID is the authenticated user's id, used to tell own messages from
	// inbound ones.
	UserID string
	// Role decides the session's capabilities. Resolved once at construction.
	Role Role
	// OfficeID scopes supervisory monitoring, empty for all offices.
	OfficeID string

	Conn     ConnConfig
	Typing   TypingConfig
	Presence PresenceConfig
	Monitor  MonitorConfig

	Store    []StoreOption
	Pipeline []PipelineOption
	Client   []ClientOption

	Logger *zap.Logger
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns one session's synchronization components: the durable HTTP
// client, the live channel, the conversation store, the send pipeline,
// typing, presence and (for supervisory roles) monitoring. No package-level
// state: construct one Engine per session and Close it when done.
type Engine struct {
	API      *Client
	Conn     *Conn
	Store    *Store
	Pipeline *Pipeline
	Typing   *TypingController
	Presence *PresenceTracker
	// Monitor is nil for participant roles.
	Monitor *Monitor

	caps  Capabilities
	token string
	log   *zap.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	unsubs  []func()
}

// NewEngine wires the components for one session. It does not connect;
// call Start.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.BaseURL == "" {
		return nil, &ValidationError{Field: "baseUrl", Reason: "required"}
	}
	if cfg.Token == "" {
		return nil, &ValidationError{Field: "token", Reason: "required"}
	}
	if cfg.UserID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "required"}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	caps := CapabilitiesFor(cfg.Role)

	clientOpts := append([]ClientOption{WithBaseURL(cfg.BaseURL), WithLogger(log)}, cfg.Client...)
	api := NewClient(cfg.Token, clientOpts...)

	connCfg := cfg.Conn
	connCfg.BaseURL = cfg.BaseURL
	if connCfg.Logger == nil {
		connCfg.Logger = log
	}
	conn := NewConn(connCfg)

	storeOpts := append([]StoreOption{WithStoreLogger(log)}, cfg.Store...)
	store := NewStore(api, conn, caps, cfg.UserID, storeOpts...)

	pipeOpts := append([]PipelineOption{WithPipelineLogger(log)}, cfg.Pipeline...)
	pipeline := NewPipeline(api, conn, store, caps, cfg.UserID, pipeOpts...)

	typingCfg := cfg.Typing
	if typingCfg.Logger == nil {
		typingCfg.Logger = log
	}
	presenceCfg := cfg.Presence
	if presenceCfg.Logger == nil {
		presenceCfg.Logger = log
	}

	e := &Engine{
		API:      api,
		Conn:     conn,
		Store:    store,
		Pipeline: pipeline,
		Typing:   NewTypingController(conn, typingCfg),
		Presence: NewPresenceTracker(conn, presenceCfg),
		caps:     caps,
		token:    cfg.Token,
		log:      log,
	}

	if caps.Supervisory() {
		monCfg := cfg.Monitor
		monCfg.OfficeID = cfg.OfficeID
		if monCfg.Logger == nil {
			monCfg.Logger = log
		}
		e.Monitor = NewMonitor(api, conn, monCfg)
	}

	return e, nil
}

// VisibilityChanged feeds a page visibility flip to typing and presence.
// Hiding the page force-stops the active typing signal and, past the grace
// period, reports the user away.
func (e *Engine) VisibilityChanged(visible bool) {
	if !visible {
		e.Typing.Hidden()
	}
	e.Presence.VisibilityChanged(visible)
}

// FocusChanged feeds a window focus flip to typing and presence.
func (e *Engine) FocusChanged(focused bool) {
	if !focused {
		e.Typing.Blur()
	}
	e.Presence.FocusChanged(focused)
}

// Capabilities returns the session's resolved capability set.
func (e *Engine) Capabilities() Capabilities {
	return e.caps
}

// Start connects the live channel, binds every component to it and loads the
// initial conversation list.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.Pipeline.Bind()
	e.Typing.Bind()
	e.Presence.Bind()
	e.unsubs = append(e.unsubs,
		e.Conn.Subscribe(EventConversationUpdated, e.onConversationUpdated),
	)

	if err := e.Conn.Connect(ctx, e.token); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	e.Presence.Activity()

	if err := e.Store.Refresh(ctx); err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	if e.Monitor != nil {
		e.Monitor.Start(ctx)
	}
	return nil
}

func (e *Engine) onConversationUpdated(_ string, payload json.RawMessage) {
	var p ConversationUpdatedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	e.Store.ApplyConversationUpdate(p)
}

// Close tears the session down in reverse order: monitor first, then the
// signal controllers (flushing their timers and pending stop signals), then
// the connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.Monitor != nil {
		e.Monitor.Close()
	}
	e.Typing.Close()
	e.Presence.Close()
	e.Pipeline.Close()
	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil
	return e.Conn.Disconnect()
}
