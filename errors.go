package loqui

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks at call sites.
var (
	ErrNotConnected         = errors.New("loqui: not connected")
	ErrMaxReconnectAttempts = errors.New("loqui: max reconnect attempts exceeded")
	ErrConversationNotFound = errors.New("loqui: conversation not found")
	ErrMessageNotFound      = errors.New("loqui: message not found")
	ErrPageOutOfOrder       = errors.New("loqui: page requested out of order")
	ErrClosed               = errors.New("loqui: engine closed")
)

// AuthenticationError means the credentials were rejected. Fatal to the
// connection; never retried automatically.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "loqui: authentication failed: " + e.Reason
}

// ConnectionError is a transient network failure. The connection manager
// retries these with backoff up to the ceiling.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("loqui: connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PermissionError means the session role is not authorized for the attempted
// mutation. Never retried, surfaced as-is.
type PermissionError struct {
	Op string
}

func (e *PermissionError) Error() string {
	return "loqui: permission denied: " + e.Op
}

// ValidationError means the request was malformed. Raised before any
// optimistic state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("loqui: invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError means a referenced message or conversation is absent on the
// server. Local state is not assumed stale.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("loqui: %s %q not found", e.Resource, e.ID)
}

// SendError means durable submission failed after the optimistic insert. The
// message stays visible in failed state; retry is an explicit user action.
type SendError struct {
	CorrelationID string
	Err           error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("loqui: send %s failed: %v", e.CorrelationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
