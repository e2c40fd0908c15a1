package models

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Conversation types as reported by the server.
const (
	ConversationPersonal = "personal"
	ConversationGroup    = "group"
)

// Member is a participant of a conversation.
type Member struct {
	ID   ID     `json:"id"`
	Name string `json:"name,omitempty"`
}

// Conversation is a chat thread together with its list preview.
type Conversation struct {
	ID              ID       `json:"id"`
	Name            string   `json:"name,omitempty"`
	Type            string   `json:"type,omitempty"`
	Members         []Member `json:"members,omitempty"`
	LastMessage     string   `json:"last_message,omitempty"`
	LastMessageTime Time     `json:"last_message_time"`
	UnreadCount     int      `json:"unread_count"`

	// unreadKnown is set when a decoded record carried unread_count.
	unreadKnown bool
}

// UnmarshalJSON decodes c and records whether unread_count was present,
// so an explicit zero can be told apart from an omitted field.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation

	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	*c = Conversation(p)
	c.unreadKnown = gjson.GetBytes(data, "unread_count").Exists()

	return nil
}

// WithUnreadCount returns a copy of c carrying n as an authoritative
// unread count, zero included.
func (c Conversation) WithUnreadCount(n int) Conversation {
	c.UnreadCount = n
	c.unreadKnown = true

	return c
}

// HasUnreadCount reports whether c states its unread count: it was
// decoded with unread_count, set through WithUnreadCount, or is non-zero.
func (c Conversation) HasUnreadCount() bool {
	return c.unreadKnown || c.UnreadCount != 0
}

// DisplayName returns the conversation name. Personal conversations
// usually have none, in which case the other participant's name is used.
func (c Conversation) DisplayName(selfID ID) string {
	if c.Name != "" {
		return c.Name
	}

	var others []string

	for _, m := range c.Members {
		if m.ID == selfID {
			continue
		}

		if m.Name != "" {
			others = append(others, m.Name)
		}
	}

	if len(others) > 0 {
		return strings.Join(others, ", ")
	}

	return "Conversation " + c.ID.String()
}

// Clone returns a copy that shares no slices with c.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Members != nil {
		out.Members = append([]Member(nil), c.Members...)
	}

	return out
}
