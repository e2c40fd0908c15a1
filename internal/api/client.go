// Package api is the bearer-authenticated REST client of the chat server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx response. Detail is the server's "detail" field,
// or a sanitized excerpt of the body when there is none.
type APIError struct {
	Endpoint string
	Status   int
	Detail   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Status, e.Detail)
}

func (e *APIError) Unwrap() error { return apperrors.ErrAPIResponse }

// Is lets callers test a 401 against ErrNotAuthenticated.
func (e *APIError) Is(target error) bool {
	return target == apperrors.ErrNotAuthenticated && e.Status == http.StatusUnauthorized
}

// DefaultBaseURL matches a local development server.
const DefaultBaseURL = "http://localhost:8000/api/v1"

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the chat REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks to
// another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// errorDetail extracts "detail" from an error body. Validation errors
// carry a list there, which is returned as raw JSON.
func errorDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}

	if json.Unmarshal(body, &envelope) != nil || len(envelope.Detail) == 0 || string(envelope.Detail) == "null" {
		return sanitizeResponseBody(body)
	}

	var s string
	if json.Unmarshal(envelope.Detail, &s) == nil {
		return sanitizeResponseBody([]byte(s))
	}

	return sanitizeResponseBody(envelope.Detail)
}

// do sends a request and decodes a JSON response into result. A nil body
// sends no payload; a nil result skips decoding.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrAPIRequest, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Endpoint: endpoint, Status: resp.StatusCode, Detail: errorDetail(respBody)}
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: apiErr}
		}

		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, email, name, password string) (*User, error) {
	req := RegisterRequest{Email: email, Name: name, Password: password}

	var user User
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", req, &user); err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}

	return &user, nil
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	req := TokenRequest{Email: email, Password: password}

	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/token", "", req, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusBadRequest) {
			return nil, fmt.Errorf("logging in: %w: %s", apperrors.ErrInvalidCredentials, apiErr.Detail)
		}

		return nil, fmt.Errorf("logging in: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("logging in: %w: empty access token", apperrors.ErrAPIResponse)
	}

	return &resp, nil
}

// ListConversations returns the conversations of the token's owner.
func (c *Client) ListConversations(ctx context.Context, token string) ([]models.Conversation, error) {
	var list []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/chats", token, nil, &list); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return list, nil
}

// GetConversation fetches one conversation. A 404 maps to
// ErrConversationNotFound.
func (c *Client) GetConversation(ctx context.Context, token string, id models.ID) (*models.Conversation, error) {
	var conv models.Conversation

	err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(id.String()), token, nil, &conv)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("fetching conversation %s: %w", id, apperrors.ErrConversationNotFound)
		}

		return nil, fmt.Errorf("fetching conversation %s: %w", id, err)
	}

	return &conv, nil
}

// CreatePersonalConversation opens a 1:1 conversation with memberID.
func (c *Client) CreatePersonalConversation(ctx context.Context, token string, memberID models.ID) (*models.Conversation, error) {
	req := CreateConversationRequest{
		Type:      models.ConversationPersonal,
		MemberIDs: []models.ID{memberID},
	}

	var conv models.Conversation
	if err := c.do(ctx, http.MethodPost, "/chats/personal", token, req, &conv); err != nil {
		return nil, fmt.Errorf("creating personal conversation: %w", err)
	}

	return &conv, nil
}

// CreateGroupConversation creates a named group conversation.
func (c *Client) CreateGroupConversation(ctx context.Context, token, name string, memberIDs []models.ID) (*models.Conversation, error) {
	req := CreateConversationRequest{
		Name:      name,
		Type:      models.ConversationGroup,
		MemberIDs: memberIDs,
	}

	var conv models.Conversation
	if err := c.do(ctx, http.MethodPost, "/chats/group", token, req, &conv); err != nil {
		return nil, fmt.Errorf("creating group conversation: %w", err)
	}

	return &conv, nil
}

// History fetches one page of messages.
func (c *Client) History(ctx context.Context, token string, id models.ID, limit, offset int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	endpoint := "/chats/" + url.PathEscape(id.String()) + "/history?" + q.Encode()

	var page HistoryPage
	if err := c.do(ctx, http.MethodGet, endpoint, token, nil, &page); err != nil {
		return nil, fmt.Errorf("fetching history of %s: %w", id, err)
	}

	return page.Messages, nil
}

// SendMessage posts a message over REST instead of the websocket.
func (c *Client) SendMessage(ctx context.Context, token string, chatID models.ID, text string) (*models.Message, error) {
	req := SendMessageRequest{ChatID: chatID, Text: text}

	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/chats/messages", token, req, &msg); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	return &msg, nil
}

// MarkRead marks one message as read.
func (c *Client) MarkRead(ctx context.Context, token string, messageID models.ID) error {
	endpoint := "/chats/messages/" + url.PathEscape(messageID.String()) + "/read"
	if err := c.do(ctx, http.MethodPost, endpoint, token, nil, nil); err != nil {
		return fmt.Errorf("marking message %s read: %w", messageID, err)
	}

	return nil
}
