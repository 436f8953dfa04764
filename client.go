// Package loqui is the Go SDK for the Loqui messaging service: a real-time
// conversation synchronization engine over a persistent websocket plus a
// durable REST collaborator.
//
// Example:
//
//	engine, _ := loqui.NewEngine(loqui.EngineConfig{
//		BaseURL: "https://chat.example.com",
//		Token:   token,
//		UserID:  "user-1",
//		Role:    loqui.RoleUser,
//	})
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Close()
//
//	engine.Pipeline.Send(ctx, "conv-1", "Hello!", loqui.MessageText, nil)
package loqui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.loqui.im"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the durable HTTP collaborator. It is safe for concurrent
// use. The bearer token is supplied by the auth collaborator; 401/403 are
// surfaced, never retried here.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Loqui REST client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer token (used by the live-channel handshake).
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Op: "read " + path, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, c.statusError(resp.StatusCode, path, data)
	}
	return data, nil
}

// statusError maps an HTTP failure onto the SDK error taxonomy.
func (c *Client) statusError(status int, path string, data []byte) error {
	msg := http.StatusText(status)
	var env Result
	if json.Unmarshal(data, &env) == nil && env.Error != nil {
		msg = env.Error.Message
	}

	switch status {
	case http.StatusUnauthorized:
		return &AuthenticationError{Reason: msg}
	case http.StatusForbidden:
		return &PermissionError{Op: path}
	case http.StatusNotFound:
		return &NotFoundError{Resource: "resource", ID: path}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ValidationError{Field: "request", Reason: msg}
	default:
		return &ConnectionError{Op: path, Err: fmt.Errorf("HTTP %d: %s", status, msg)}
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeEnvelope unwraps the Result envelope and decodes its data field.
func decodeEnvelope[T any](data []byte) (*T, error) {
	env, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !env.OK {
		if env.Error != nil {
			return nil, env.Error
		}
		return nil, fmt.Errorf("request failed")
	}
	return decodeJSON[T](env.Data)
}

func pageQuery(page, limit int) map[string]string {
	q := map[string]string{}
	if page > 0 {
		q["page"] = strconv.Itoa(page)
	}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations fetches a page of the caller's conversations.
func (c *Client) ListConversations(ctx context.Context, page, limit int, sort ConversationSort) (*ConversationPage, error) {
	q := pageQuery(page, limit)
	if sort != "" {
		if q == nil {
			q = map[string]string{}
		}
		q["sort"] = string(sort)
	}
	data, err := c.doRequest(ctx, "GET", "/conversations", nil, q)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope[ConversationPage](data)
}

// CreateConversation creates a conversation with the given participants.
func (c *Client) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	if req == nil || len(req.ParticipantIDs) == 0 {
		return nil, &ValidationError{Field: "participantIds", Reason: "at least one participant is required"}
	}
	data, err := c.doRequest(ctx, "POST", "/conversations", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope[Conversation](data)
}

// ============================================================================
// Messages
// ============================================================================

// GetMessages fetches one history page for a conversation, oldest first.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	data, err := c.doRequest(ctx, "GET", "/conversations/"+conversationID+"/messages", nil, pageQuery(page, limit))
	if err != nil {
		return nil, err
	}
	return decodeEnvelope[MessagePage](data)
}

// SendMessage durably submits a message. The response carries the
// authoritative server copy with its assigned id.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req *SendMessageRequest) (*Message, error) {
	data, err := c.doRequest(ctx, "POST", "/conversations/"+conversationID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope[Message](data)
}

// EditMessage replaces a message's content by id.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	data, err := c.doRequest(ctx, "PUT", "/messages/"+messageID, map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope[Message](data)
}

// DeleteMessage removes a message by id.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/messages/"+messageID, nil, nil)
	return err
}

// ============================================================================
// Uploads
// ============================================================================

// Upload streams attachment bytes to a conversation's upload endpoint. The
// byte transport itself is owned by the backend; this is a passthrough.
func (c *Client) Upload(ctx context.Context, conversationID, filename string, r io.Reader) (*UploadResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/conversations/"+conversationID+"/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Op: "upload read", Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, c.statusError(resp.StatusCode, "/conversations/"+conversationID+"/upload", data)
	}
	return decodeEnvelope[UploadResult](data)
}

// ============================================================================
// Monitoring
// ============================================================================

// MonitoringConversations fetches the supervisory snapshot. officeID is
// optional and narrows the snapshot to one office.
func (c *Client) MonitoringConversations(ctx context.Context, officeID string) ([]MonitoringSnapshot, error) {
	var q map[string]string
	if officeID != "" {
		q = map[string]string{"officeId": officeID}
	}
	data, err := c.doRequest(ctx, "GET", "/monitoring/conversations", nil, q)
	if err != nil {
		return nil, err
	}
	snaps, err := decodeEnvelope[[]MonitoringSnapshot](data)
	if err != nil {
		return nil, err
	}
	return *snaps, nil
}
