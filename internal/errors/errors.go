package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
