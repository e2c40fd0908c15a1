package api

import "github.com/alexjbarnes/chat-sync/internal/models"

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// User is an account as returned by registration.
type User struct {
	ID    models.ID `json:"id"`
	Email string    `json:"email"`
	Name  string    `json:"name"`
}

// TokenRequest is the body of POST /auth/token.
type TokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries the bearer token and the id of its owner.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	UserID      models.ID `json:"user_id"`
	Name        string    `json:"name,omitempty"`
}

// CreateConversationRequest is the body of POST /chats/personal and
// POST /chats/group.
type CreateConversationRequest struct {
	Name      string      `json:"name,omitempty"`
	Type      string      `json:"type"`
	MemberIDs []models.ID `json:"member_ids"`
}

// HistoryPage is the response of GET /chats/{id}/history.
type HistoryPage struct {
	Messages []models.Message `json:"messages"`
}

// SendMessageRequest is the body of POST /chats/messages.
type SendMessageRequest struct {
	ChatID models.ID `json:"chat_id"`
	Text   string    `json:"text"`
}
