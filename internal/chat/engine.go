// Package chat holds the in-memory conversation and message state. The
// Engine is its only writer: history pages, optimistic local sends and
// pushed messages are all merged here by identifier, so applying the same
// event twice or interleaving the two websocket sessions converges on the
// same result.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/recency"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrMissingConversation rejects an inbound message without a chat id.
	ErrMissingConversation = errors.New("message has no conversation id")
	// ErrNoConversation is returned by local sends when no conversation
	// is open.
	ErrNoConversation = errors.New("no conversation is open")
	ErrEmptyMessage   = errors.New("message text is empty")
)

// notificationBodyLimit caps the notification body in characters.
const notificationBodyLimit = 100

// Notifier surfaces a user-facing notification.
type Notifier interface {
	Notify(title, body string) error
}

// Sender transmits an outbound payload. *realtime.Manager satisfies it.
type Sender interface {
	SendOutbound(ctx context.Context, out models.Outbound) error
}

// Outcome describes what ApplyIncomingMessage did.
type Outcome struct {
	// Message is the stored entry after the merge.
	Message models.Message
	// Created is false when the message merged into an existing entry.
	Created bool
	// NewConversation is set when the message referenced a conversation
	// the engine did not know; a stub was created and the caller should
	// fetch its details.
	NewConversation   bool
	UnreadIncremented bool
	Notified          bool
}

// Config holds the collaborators of an Engine. All fields are optional.
type Config struct {
	SelfID   models.ID
	Notifier Notifier
	Sender   Sender
	Metrics  *metrics.Metrics
	// NotificationCapacity sizes the notification recency cache.
	NotificationCapacity int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine is safe for concurrent use. It never calls a collaborator while
// holding its lock.
type Engine struct {
	logger   *slog.Logger
	notifier Notifier
	sender   Sender
	metrics  *metrics.Metrics
	now      func() time.Time
	notified *recency.Cache

	mu            sync.Mutex
	self          models.ID
	current       models.ID
	conversations []models.Conversation
	messages      map[models.ID][]models.Message
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		logger:   logger,
		notifier: cfg.Notifier,
		sender:   cfg.Sender,
		metrics:  cfg.Metrics,
		now:      now,
		notified: recency.New(cfg.NotificationCapacity),
		self:     cfg.SelfID,
		messages: make(map[models.ID][]models.Message),
	}
}

// SetSelf records the local user id used for unread and notification
// decisions.
func (e *Engine) SetSelf(id models.ID) {
	e.mu.Lock()
	e.self = id
	e.mu.Unlock()
}

func (e *Engine) Self() models.ID {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.self
}

// SetCurrentConversation marks id as open in the UI. An empty id means no
// conversation is open.
func (e *Engine) SetCurrentConversation(id models.ID) {
	e.mu.Lock()
	e.current = id
	e.mu.Unlock()
}

func (e *Engine) CurrentConversation() models.ID {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.current
}

// ApplyConversations replaces the conversation list with a fetch result.
func (e *Engine) ApplyConversations(list []models.Conversation) {
	convs := make([]models.Conversation, 0, len(list))
	seen := make(map[models.ID]int, len(list))

	for _, c := range list {
		if c.ID.IsZero() {
			continue
		}

		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}

		if i, ok := seen[c.ID]; ok {
			convs[i] = c.Clone()
			continue
		}

		seen[c.ID] = len(convs)
		convs = append(convs, c.Clone())
	}

	sortConversations(convs)

	e.mu.Lock()
	e.conversations = convs
	e.mu.Unlock()
}

// UpsertConversation inserts c or replaces the stored record with the same
// id. The stored preview survives when it is newer than the incoming one,
// and the stored unread count survives when the incoming record does not
// state one (see models.Conversation.HasUnreadCount). A stated zero
// clears it.
func (e *Engine) UpsertConversation(c models.Conversation) {
	if c.ID.IsZero() {
		return
	}

	c = c.Clone()

	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexLocked(c.ID)
	if i < 0 {
		e.conversations = append(e.conversations, c)
		sortConversations(e.conversations)

		return
	}

	old := e.conversations[i]

	if old.LastMessageTime.After(c.LastMessageTime.Time) {
		c.LastMessage = old.LastMessage
		c.LastMessageTime = old.LastMessageTime
	}

	if !c.HasUnreadCount() {
		c.UnreadCount = old.UnreadCount
	}

	c.UnreadCount = max(c.UnreadCount, 0)

	if c.Name == "" {
		c.Name = old.Name
	}

	if c.Type == "" {
		c.Type = old.Type
	}

	if len(c.Members) == 0 {
		c.Members = old.Members
	}

	e.conversations[i] = c
	sortConversations(e.conversations)
}

// ApplyHistory merges one page of history. The first page replaces the
// list, except for entries newer than every message on the page: those
// arrived live while the page was in flight and are kept. Later pages
// only add what is not present yet.
//
// Page messages are matched against the list by server id or by
// provisional id. A match with a confirmed entry is skipped; a match with
// a pending local send merges the server copy into it.
func (e *Engine) ApplyHistory(conversationID models.ID, page []models.Message, firstPage bool) {
	if conversationID.IsZero() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.messages[conversationID]
	if firstPage {
		list = liveSince(list, page)
	}

	out := make([]models.Message, 0, len(list)+len(page))
	out = append(out, list...)

	for _, m := range page {
		m = e.normalize(m, conversationID)

		if i := indexOfMessage(out, m); i >= 0 {
			if out[i].Pending() {
				out[i] = out[i].Merge(m)
			}

			continue
		}

		if m.Timestamp.IsZero() {
			m.Timestamp = models.NewTime(e.now())
		}

		out = append(out, m)
	}

	sortMessages(out)
	e.messages[conversationID] = out

	if n := len(out); n > 0 {
		newest := out[n-1]
		e.previewLocked(conversationID, newest.Text, newest.Timestamp)
	}
}

// liveSince returns the entries of list newer than the newest message of
// page. With an empty page every entry is kept, since the server has
// nothing that could supersede them.
func liveSince(list, page []models.Message) []models.Message {
	var newest models.Time

	for _, m := range page {
		if m.Timestamp.After(newest.Time) {
			newest = m.Timestamp
		}
	}

	var kept []models.Message

	for _, m := range list {
		if len(page) == 0 || m.Timestamp.After(newest.Time) {
			kept = append(kept, m)
		}
	}

	return kept
}

// ApplyIncomingMessage merges a pushed message.
func (e *Engine) ApplyIncomingMessage(msg models.Message) (Outcome, error) {
	if msg.ChatID.IsZero() {
		e.logger.Warn("dropping message without conversation id",
			slog.String("message_id", msg.ID.String()),
			slog.String("client_message_id", msg.ClientMessageID),
		)

		return Outcome{}, ErrMissingConversation
	}

	msg = e.normalize(msg, msg.ChatID)
	id := msg.ChatID

	e.mu.Lock()

	list := e.messages[id]
	out := Outcome{}

	if i := indexOfMessage(list, msg); i >= 0 {
		list[i] = list[i].Merge(msg)
		out.Message = list[i]
	} else {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = models.NewTime(e.now())
		}

		list = append(list, msg)
		out.Message = msg
		out.Created = true
	}

	sortMessages(list)
	e.messages[id] = list

	ci := e.indexLocked(id)
	if ci < 0 {
		e.conversations = append(e.conversations, models.Conversation{ID: id})
		ci = len(e.conversations) - 1
		out.NewConversation = true
	}

	foreign := out.Message.SenderID != e.self
	open := id == e.current

	if out.Created && foreign && !out.Message.IsRead && !open {
		e.conversations[ci].UnreadCount++
		out.UnreadIncremented = true
	}

	var title, body string

	if out.Created && foreign && !open && e.notified.Add(out.Message.Key()+"@"+id.String()) {
		out.Notified = true
		title = e.conversations[ci].DisplayName(e.self)
		body = truncate(out.Message.Text, notificationBodyLimit)
	}

	// Sorts the conversation list, which may move ci.
	e.previewLocked(id, out.Message.Text, out.Message.Timestamp)
	e.mu.Unlock()

	if out.Created {
		e.metrics.MessageApplied("created")
	} else {
		e.metrics.MessageApplied("merged")
	}

	if out.Notified {
		e.metrics.Notified()
		e.notify(title, body)
	}

	return out, nil
}

// ApplyLocalSend records text as a provisional message in the open
// conversation and hands the payload to the Sender. The optimistic entry
// stays even when the Sender fails.
func (e *Engine) ApplyLocalSend(ctx context.Context, text string) (models.Outbound, error) {
	if strings.TrimSpace(text) == "" {
		return models.Outbound{}, ErrEmptyMessage
	}

	e.mu.Lock()

	if e.current.IsZero() {
		e.mu.Unlock()
		return models.Outbound{}, ErrNoConversation
	}

	out := models.NewOutbound(e.current, text, e.now())
	msg := out.Message(e.self)

	list := append(e.messages[out.ChatID], msg)
	sortMessages(list)
	e.messages[out.ChatID] = list
	e.previewLocked(out.ChatID, msg.Text, msg.Timestamp)
	e.mu.Unlock()

	if e.sender == nil {
		return out, nil
	}

	if err := e.sender.SendOutbound(ctx, out); err != nil {
		return out, fmt.Errorf("sending message: %w", err)
	}

	return out, nil
}

// UpdateConversationPreview sets the preview when at is strictly newer
// than the stored one. It reports whether anything changed.
func (e *Engine) UpdateConversationPreview(id models.ID, text string, at models.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.previewLocked(id, text, at)
}

// UpdateUnreadCount stores n, clamped at zero.
func (e *Engine) UpdateUnreadCount(id models.ID, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i := e.indexLocked(id); i >= 0 {
		e.conversations[i].UnreadCount = max(n, 0)
	}
}

// MarkMessageRead flags one message as read. A foreign unread message
// decrements the counter; once no unread foreign message remains the
// counter resets to zero. It reports whether the message was found.
func (e *Engine) MarkMessageRead(conversationID, messageID models.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.messages[conversationID]
	target := models.Message{ID: messageID, ClientMessageID: messageID.String()}

	i := indexOfMessage(list, target)
	if i < 0 {
		return false
	}

	wasUnread := !list[i].IsRead && list[i].SenderID != e.self
	list[i].IsRead = true

	ci := e.indexLocked(conversationID)
	if ci < 0 {
		return true
	}

	if wasUnread {
		e.conversations[ci].UnreadCount = max(e.conversations[ci].UnreadCount-1, 0)
	}

	if !hasUnread(list, e.self) {
		e.conversations[ci].UnreadCount = 0
	}

	return true
}

// MarkConversationRead flags every foreign message of the conversation as
// read, resets its counter and returns the server ids that were unread.
func (e *Engine) MarkConversationRead(id models.ID) []models.ID {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []models.ID

	list := e.messages[id]
	for i := range list {
		if list[i].IsRead || list[i].SenderID == e.self {
			continue
		}

		list[i].IsRead = true

		if !list[i].ID.IsZero() {
			ids = append(ids, list[i].ID)
		}
	}

	if ci := e.indexLocked(id); ci >= 0 {
		e.conversations[ci].UnreadCount = 0
	}

	return ids
}

// Conversations returns a copy of the sorted conversation list.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.Conversation, len(e.conversations))
	for i, c := range e.conversations {
		out[i] = c.Clone()
	}

	return out
}

func (e *Engine) Conversation(id models.ID) (models.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexLocked(id)
	if i < 0 {
		return models.Conversation{}, false
	}

	return e.conversations[i].Clone(), true
}

// Messages returns a copy of the conversation's messages, oldest first.
func (e *Engine) Messages(id models.ID) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]models.Message(nil), e.messages[id]...)
}

func (e *Engine) Unread(id models.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i := e.indexLocked(id); i >= 0 {
		return e.conversations[i].UnreadCount
	}

	return 0
}

// Reset drops all state, e.g. on logout.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.self = ""
	e.current = ""
	e.conversations = nil
	e.messages = make(map[models.ID][]models.Message)
	e.mu.Unlock()

	e.notified.Reset()
}

func (e *Engine) notify(title, body string) {
	if e.notifier == nil {
		return
	}

	if err := e.notifier.Notify(title, body); err != nil {
		e.logger.Warn("notification failed", slog.String("error", err.Error()))
	}
}

// normalize fills the conversation id and makes sure the message has a
// merge key.
func (e *Engine) normalize(m models.Message, conversationID models.ID) models.Message {
	if m.ChatID.IsZero() {
		m.ChatID = conversationID
	}

	if !m.HasIdentity() {
		m.ClientMessageID = models.NewProvisionalID()
		e.logger.Debug("message without id, assigned provisional id",
			slog.String("conversation_id", conversationID.String()),
			slog.String("client_message_id", m.ClientMessageID),
		)
	}

	return m
}

func (e *Engine) indexLocked(id models.ID) int {
	for i := range e.conversations {
		if e.conversations[i].ID == id {
			return i
		}
	}

	return -1
}

func (e *Engine) previewLocked(id models.ID, text string, at models.Time) bool {
	if text == "" || at.IsZero() {
		return false
	}

	i := e.indexLocked(id)
	if i < 0 {
		return false
	}

	c := &e.conversations[i]
	if !c.LastMessageTime.IsZero() && !at.After(c.LastMessageTime.Time) {
		return false
	}

	c.LastMessage = text
	c.LastMessageTime = at
	sortConversations(e.conversations)

	return true
}

func indexOfMessage(list []models.Message, m models.Message) int {
	for i := range list {
		if list[i].Matches(m) {
			return i
		}
	}

	return -1
}

func hasUnread(list []models.Message, self models.ID) bool {
	for _, m := range list {
		if !m.IsRead && m.SenderID != self {
			return true
		}
	}

	return false
}

// truncate cuts s to limit runes after NFC composition, so a base letter
// and its combining mark count once and are never split.
func truncate(s string, limit int) string {
	s = norm.NFC.String(s)

	r := []rune(s)
	if len(r) <= limit {
		return s
	}

	return string(r[:limit])
}
