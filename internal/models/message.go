package models

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Message is a single chat message. A message is addressable by its
// server id once confirmed, by its provisional client id before that,
// and by both after the server echo has been reconciled.
type Message struct {
	ID              ID     `json:"id,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	ChatID          ID     `json:"chat_id,omitempty"`
	SenderID        ID     `json:"sender_id,omitempty"`
	SenderName      string `json:"sender_name,omitempty"`
	Text            string `json:"text"`
	Timestamp       Time   `json:"timestamp"`
	IsRead          bool   `json:"is_read"`
}

// Key returns the identifier used for deduplication: the server id when
// present, otherwise the provisional id.
func (m Message) Key() string {
	if !m.ID.IsZero() {
		return m.ID.String()
	}

	return m.ClientMessageID
}

// HasIdentity reports whether the message carries at least one id.
func (m Message) HasIdentity() bool {
	return !m.ID.IsZero() || m.ClientMessageID != ""
}

// Pending reports whether the message has only a provisional id, i.e.
// the server has not confirmed it yet.
func (m Message) Pending() bool {
	return m.ID.IsZero() && m.ClientMessageID != ""
}

// Matches reports whether other refers to the same message by server id
// or by provisional id.
func (m Message) Matches(other Message) bool {
	if !m.ID.IsZero() && m.ID == other.ID {
		return true
	}

	return m.ClientMessageID != "" && m.ClientMessageID == other.ClientMessageID
}

// Merge overlays the fields present in update onto m. A server id always
// replaces a missing one and the provisional id survives as an alias.
func (m Message) Merge(update Message) Message {
	merged := m

	if !update.ID.IsZero() {
		merged.ID = update.ID
	}

	if merged.ClientMessageID == "" {
		merged.ClientMessageID = update.ClientMessageID
	}

	if !update.ChatID.IsZero() {
		merged.ChatID = update.ChatID
	}

	if !update.SenderID.IsZero() {
		merged.SenderID = update.SenderID
	}

	if update.SenderName != "" {
		merged.SenderName = update.SenderName
	}

	if update.Text != "" {
		merged.Text = update.Text
	}

	if !update.Timestamp.IsZero() {
		merged.Timestamp = update.Timestamp
	}

	merged.IsRead = merged.IsRead || update.IsRead

	return merged
}

// Outbound is the payload sent over the conversation socket.
type Outbound struct {
	Text            string `json:"text"`
	ClientMessageID string `json:"client_message_id"`
	Timestamp       Time   `json:"timestamp"`
	ChatID          ID     `json:"chat_id,omitempty"`
}

// NewOutbound builds an outbound payload with a fresh provisional id and
// the client-side timestamp. Text is NFC-normalised so that the echo from
// the server compares equal regardless of the input method.
func NewOutbound(chatID ID, text string, now time.Time) Outbound {
	return Outbound{
		Text:            norm.NFC.String(text),
		ClientMessageID: NewProvisionalID(),
		Timestamp:       NewTime(now),
		ChatID:          chatID,
	}
}

// Message converts the payload into the provisional message recorded
// locally before the server confirms it.
func (o Outbound) Message(senderID ID) Message {
	return Message{
		ClientMessageID: o.ClientMessageID,
		ChatID:          o.ChatID,
		SenderID:        senderID,
		Text:            o.Text,
		Timestamp:       o.Timestamp,
		IsRead:          true,
	}
}

// NewProvisionalID returns a new client-side message id.
func NewProvisionalID() string {
	return uuid.NewString()
}
