package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

var (
	// ErrNotOpen is returned by a session write when no connection is open.
	ErrNotOpen = errors.New("session not open")
	// ErrSendDeferred is the advisory published when an outbound payload
	// was queued instead of written.
	ErrSendDeferred = errors.New("not connected, message queued until reconnect")
	// ErrReconnectExhausted is published when the retry cap is reached.
	ErrReconnectExhausted = errors.New("could not re-establish connection")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrManagerClosed      = errors.New("connection manager closed")
	ErrNoToken            = errors.New("no bearer token available")
)

// ServerError is an error frame pushed by the server. The session stays
// open after one.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// Scope distinguishes the conversation session from the global one.
type Scope int

const (
	ScopeConversation Scope = iota
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}

	return "conversation"
}

// StatusEvent is either a lifecycle transition generated locally or a
// status frame pushed by the server (Type and Payload set).
type StatusEvent struct {
	Scope          Scope
	ConversationID models.ID
	State          State
	Attempt        int
	MaxAttempts    int
	Type           string
	Payload        json.RawMessage
}

// FromServer reports whether the event relays a server status frame.
func (e StatusEvent) FromServer() bool {
	return e.Payload != nil
}

// ErrorEvent reaches error listeners. Err is one of ErrSendDeferred,
// ErrReconnectExhausted, a *ServerError or a wrapped transport error.
type ErrorEvent struct {
	Scope          Scope
	ConversationID models.ID
	Err            error
}

// Unsubscribe removes a listener. Calling it more than once is a no-op.
type Unsubscribe func()
