package e2e_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const team = models.ID("1")

func TestLogin_InvalidCredentials(t *testing.T) {
	s := newChatServer(t)

	_, err := api.NewClient(s.apiURL(), nil).Login(t.Context(), "alice@example.com", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	assert.Contains(t, err.Error(), "Incorrect email or password")
}

func TestStart_LoadsConversationList(t *testing.T) {
	s := newChatServer(t)
	alice := login(t, s, "alice@example.com", "alice-pw", clientOptions{})

	convs := alice.m.Engine().Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, team, convs[0].ID)
	assert.Equal(t, "Team", convs[0].DisplayName(alice.self))
	assert.Equal(t, models.ID("1"), alice.self)
}

func TestMessageRoundTrip(t *testing.T) {
	s := newChatServer(t)
	alice := login(t, s, "alice@example.com", "alice-pw", clientOptions{})
	bob := login(t, s, "bob@example.com", "bob-pw", clientOptions{})

	require.NoError(t, alice.m.OpenConversation(t.Context(), team))
	alice.waitState(t, realtime.ScopeConversation, realtime.StateConnected)

	out, err := alice.m.Send(t.Context(), "hello bob")
	require.NoError(t, err)

	// Bob only has the global session: the push lands in the list.
	require.Eventually(t, func() bool {
		c, _ := bob.m.Engine().Conversation(team)
		return c.LastMessage == "hello bob" && c.UnreadCount == 1
	}, waitFor, tick)
	assert.Equal(t, 1, bob.notifier.count())

	// Alice sees the echo on both sessions; it replaces the pending
	// entry exactly once.
	require.Eventually(t, func() bool {
		msgs := alice.m.Engine().Messages(team)
		return len(msgs) == 1 && !msgs[0].ID.IsZero()
	}, waitFor, tick)

	msg := alice.m.Engine().Messages(team)[0]
	assert.Equal(t, out.ClientMessageID, msg.ClientMessageID)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, 0, alice.notifier.count())
	assert.Equal(t, 0, alice.m.Engine().Unread(team))

	// Bob opens the conversation: history replaces the pushed entry and
	// everything is marked read on the server.
	require.NoError(t, bob.m.OpenConversation(t.Context(), team))

	msgs := bob.m.Engine().Messages(team)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, 0, bob.m.Engine().Unread(team))
	assert.True(t, s.isRead(msg.ID))
}

func TestOrderingAcrossSenders(t *testing.T) {
	s := newChatServer(t)
	alice := login(t, s, "alice@example.com", "alice-pw", clientOptions{})
	bob := login(t, s, "bob@example.com", "bob-pw", clientOptions{})

	require.NoError(t, alice.m.OpenConversation(t.Context(), team))
	require.NoError(t, bob.m.OpenConversation(t.Context(), team))
	alice.waitState(t, realtime.ScopeConversation, realtime.StateConnected)
	bob.waitState(t, realtime.ScopeConversation, realtime.StateConnected)

	for _, c := range []struct {
		who  *client
		text string
	}{{alice, "one"}, {bob, "two"}, {alice, "three"}} {
		_, err := c.who.m.Send(t.Context(), c.text)
		require.NoError(t, err)

		// Wait for the server to acknowledge before the next send so
		// server timestamps are strictly increasing.
		require.Eventually(t, func() bool {
			for _, m := range c.who.m.Engine().Messages(team) {
				if m.Text == c.text && !m.ID.IsZero() {
					return true
				}
			}
			return false
		}, waitFor, tick)
	}

	texts := func(cl *client) []string {
		var out []string
		for _, m := range cl.m.Engine().Messages(team) {
			out = append(out, m.Text)
		}
		return out
	}

	require.Eventually(t, func() bool { return len(texts(alice)) == 3 && len(texts(bob)) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"one", "two", "three"}, texts(alice))
	assert.Equal(t, []string{"one", "two", "three"}, texts(bob))
}

func TestReconnectFlushesQueuedSend(t *testing.T) {
	s := newChatServer(t)
	alice := login(t, s, "alice@example.com", "alice-pw", clientOptions{interval: 100 * time.Millisecond, maxAttempts: 50})
	bob := login(t, s, "bob@example.com", "bob-pw", clientOptions{})

	require.NoError(t, alice.m.OpenConversation(t.Context(), team))
	alice.waitState(t, realtime.ScopeConversation, realtime.StateConnected)

	s.setRefuse(true)
	s.dropSockets(1)
	alice.waitState(t, realtime.ScopeConversation, realtime.StateReconnecting)

	_, err := alice.m.Send(t.Context(), "sent while offline")
	require.NoError(t, err, "sending while disconnected queues")
	assert.Equal(t, 1, alice.m.Connections().PendingCount())

	s.setRefuse(false)

	alice.waitState(t, realtime.ScopeConversation, realtime.StateConnected)
	require.Eventually(t, func() bool {
		c, _ := bob.m.Engine().Conversation(team)
		return c.LastMessage == "sent while offline"
	}, waitFor, tick)

	assert.Equal(t, 0, alice.m.Connections().PendingCount())
	require.Eventually(t, func() bool {
		msgs := alice.m.Engine().Messages(team)
		return len(msgs) == 1 && !msgs[0].ID.IsZero()
	}, waitFor, tick)
}

func TestReconnectGivesUp(t *testing.T) {
	s := newChatServer(t)
	alice := login(t, s, "alice@example.com", "alice-pw", clientOptions{interval: 20 * time.Millisecond, maxAttempts: 2})

	var (
		mu   sync.Mutex
		errs []error
	)
	alice.m.Connections().OnError(func(ev realtime.ErrorEvent) {
		if ev.Scope == realtime.ScopeGlobal {
			mu.Lock()
			errs = append(errs, ev.Err)
			mu.Unlock()
		}
	})

	s.setRefuse(true)
	s.dropSockets(1)

	alice.waitState(t, realtime.ScopeGlobal, realtime.StateFailed)

	mu.Lock()
	defer mu.Unlock()

	var exhausted int
	for _, err := range errs {
		if errors.Is(err, realtime.ErrReconnectExhausted) {
			exhausted++
		}
	}

	assert.Equal(t, 1, exhausted)
}

func TestPushForUnknownConversationFetchesDetails(t *testing.T) {
	s := newChatServer(t)
	alice := login(t, s, "alice@example.com", "alice-pw", clientOptions{})
	bob := login(t, s, "bob@example.com", "bob-pw", clientOptions{})

	side, err := alice.m.CreateGroupConversation(t.Context(), "Side", []models.ID{"2"})
	require.NoError(t, err)

	_, known := bob.m.Engine().Conversation(side.ID)
	require.False(t, known)

	require.NoError(t, alice.m.OpenConversation(t.Context(), side.ID))
	_, err = alice.m.Send(t.Context(), "psst")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, ok := bob.m.Engine().Conversation(side.ID)
		return ok && c.Name == "Side"
	}, waitFor, tick)

	c, _ := bob.m.Engine().Conversation(side.ID)
	assert.Equal(t, "psst", c.LastMessage)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, side.ID, bob.m.Engine().Conversations()[0].ID, "most recent first")
}
