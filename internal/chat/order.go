package chat

import (
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// sortMessages orders oldest first. Equal timestamps keep their relative
// order.
func sortMessages(list []models.Message) {
	slices.SortStableFunc(list, func(a, b models.Message) int {
		return a.Timestamp.Compare(b.Timestamp.Time)
	})
}

// sortConversations orders by most recent message first. Conversations
// without a message time go last; ties keep their relative order.
func sortConversations(list []models.Conversation) {
	slices.SortStableFunc(list, func(a, b models.Conversation) int {
		az, bz := a.LastMessageTime.IsZero(), b.LastMessageTime.IsZero()

		switch {
		case az && bz:
			return 0
		case az:
			return 1
		case bz:
			return -1
		}

		return b.LastMessageTime.Compare(a.LastMessageTime.Time)
	})
}
