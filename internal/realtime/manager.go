// Package realtime owns the websocket sessions to the chat server: one for
// the open conversation and one global session per user. It reconnects
// with a bounded fixed-interval policy, drops duplicate message frames,
// queues sends while the conversation session is down and fans decoded
// frames out to typed listeners.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/recency"
)

// TokenSource supplies the bearer token at connect and reconnect time.
type TokenSource interface {
	Token() string
}

// Config holds the parameters of a Manager.
type Config struct {
	// BaseURL is the websocket base, e.g. ws://localhost:8000/ws.
	BaseURL              string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	DedupCapacity        int
	// Dialer defaults to WebsocketDialer.
	Dialer Dialer
	// Tokens, when set, is consulted before the last explicitly supplied
	// token. An empty result falls back to that token.
	Tokens  TokenSource
	Metrics *metrics.Metrics
}

type slot struct {
	scope          Scope
	conversationID models.ID
	policy         *Policy
	sess           *session
}

// Manager multiplexes the conversation and global sessions.
//
// Session events are handled one at a time under mu, so every handler runs
// to completion before the next event of any session is looked at.
// Listeners are invoked after mu is released and may call back into the
// Manager.
type Manager struct {
	baseURL string
	dialer  Dialer
	tokens  TokenSource
	metrics *metrics.Metrics
	logger  *slog.Logger
	recent  *recency.Cache

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	token        string
	closed       bool
	conversation slot
	global       slot
	pending      []string
	pendingSet   map[string]struct{}

	messages       topic[models.Message]
	globalMessages topic[models.Message]
	statuses       topic[StatusEvent]
	errs           topic[ErrorEvent]
}

// NewManager creates a Manager with both sessions disconnected.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		dialer:  dialer,
		tokens:  cfg.Tokens,
		metrics: cfg.Metrics,
		logger:  logger,
		recent:  recency.New(cfg.DedupCapacity),
		ctx:     ctx,
		cancel:  cancel,
		conversation: slot{
			scope:  ScopeConversation,
			policy: NewPolicy(cfg.ReconnectInterval, cfg.MaxReconnectAttempts),
		},
		global: slot{
			scope:  ScopeGlobal,
			policy: NewPolicy(cfg.ReconnectInterval, cfg.MaxReconnectAttempts),
		},
		pendingSet: make(map[string]struct{}),
	}
}

// ConnectConversation replaces the conversation session with one for id.
// A non-empty token becomes the fallback token for later reconnects.
func (m *Manager) ConnectConversation(id models.ID, token string) error {
	if id.IsZero() {
		return errors.New("connecting conversation: empty conversation id")
	}

	return m.connect(&m.conversation, id, token)
}

// ConnectGlobal replaces the global per-user session.
func (m *Manager) ConnectGlobal(token string) error {
	return m.connect(&m.global, "", token)
}

func (m *Manager) connect(s *slot, id models.ID, token string) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	if token != "" {
		m.token = token
	}

	tok := m.tokenLocked()
	if tok == "" {
		m.mu.Unlock()
		return ErrNoToken
	}

	prev, prevID, prevState := s.sess, s.conversationID, s.policy.State()

	s.conversationID = id
	s.policy.Begin()
	m.launchLocked(s, tok)
	m.mu.Unlock()

	m.logger.Debug("connecting websocket",
		slog.String("scope", s.scope.String()),
		slog.String("conversation_id", id.String()),
	)

	m.retire(s.scope, prev, prevID, prevState)

	return nil
}

// DisconnectConversation closes the conversation session cleanly and
// cancels any scheduled reconnect.
func (m *Manager) DisconnectConversation() {
	m.disconnect(&m.conversation)
}

// DisconnectGlobal closes the global session cleanly and cancels any
// scheduled reconnect.
func (m *Manager) DisconnectGlobal() {
	m.disconnect(&m.global)
}

func (m *Manager) disconnect(s *slot) {
	m.mu.Lock()
	prev, prevID, prevState := s.sess, s.conversationID, s.policy.State()
	s.sess = nil
	s.policy.Cancel()

	if s.scope == ScopeConversation {
		s.conversationID = ""
	}

	m.metrics.ConnectionState(s.scope.String(), int(StateDisconnected))
	m.mu.Unlock()

	m.retire(s.scope, prev, prevID, prevState)
}

// retire closes a session that was detached from its slot and reports
// the transition. Must be called without mu held.
func (m *Manager) retire(scope Scope, sess *session, id models.ID, prevState State) {
	if sess != nil {
		sess.close()
	}

	if prevState == StateDisconnected || prevState == StateFailed {
		return
	}

	m.logger.Info("websocket disconnected",
		slog.String("scope", scope.String()),
		slog.String("conversation_id", id.String()),
	)

	m.statuses.publish(StatusEvent{
		Scope:          scope,
		ConversationID: id,
		State:          StateDisconnected,
	}, m.recoverListener("status"))
}

// Send builds an outbound payload for the open conversation and sends or
// queues it. The returned Outbound carries the provisional id.
func (m *Manager) Send(ctx context.Context, text string) (models.Outbound, error) {
	m.mu.Lock()
	id := m.conversation.conversationID
	m.mu.Unlock()

	out := models.NewOutbound(id, text, time.Now())

	return out, m.SendOutbound(ctx, out)
}

// SendOutbound writes out on the conversation session. When the session
// is not open, or the write fails, the payload is queued for the next
// open and ErrSendDeferred is published to error listeners. Queuing is
// not an error for the caller.
func (m *Manager) SendOutbound(ctx context.Context, out models.Outbound) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	if out.ChatID.IsZero() {
		out.ChatID = m.conversation.conversationID
	}

	payload, err := json.Marshal(out)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("encoding outbound message: %w", err)
	}

	sess := m.conversation.sess
	connected := sess != nil && m.conversation.policy.State() == StateConnected
	m.mu.Unlock()

	if connected {
		err := sess.send(ctx, payload)
		if err == nil {
			return nil
		}

		m.logger.Warn("send failed, queueing message",
			slog.String("client_message_id", out.ClientMessageID),
			slog.String("error", err.Error()),
		)
	}

	m.enqueue(out.ChatID, string(payload))

	return nil
}

func (m *Manager) enqueue(id models.ID, payloads ...string) {
	m.mu.Lock()

	for _, p := range payloads {
		if _, ok := m.pendingSet[p]; ok {
			continue
		}

		m.pendingSet[p] = struct{}{}
		m.pending = append(m.pending, p)
	}

	n := len(m.pending)
	m.metrics.PendingSends(n)
	m.mu.Unlock()

	m.logger.Info("message queued until reconnect", slog.Int("pending", n))

	m.errs.publish(ErrorEvent{
		Scope:          ScopeConversation,
		ConversationID: id,
		Err:            ErrSendDeferred,
	}, m.recoverListener("error"))
}

// OnMessage subscribes to message frames from the conversation session.
func (m *Manager) OnMessage(fn func(models.Message)) Unsubscribe {
	return m.messages.subscribe(fn)
}

// OnGlobalMessage subscribes to message frames from the global session.
func (m *Manager) OnGlobalMessage(fn func(models.Message)) Unsubscribe {
	return m.globalMessages.subscribe(fn)
}

func (m *Manager) OnStatus(fn func(StatusEvent)) Unsubscribe {
	return m.statuses.subscribe(fn)
}

func (m *Manager) OnError(fn func(ErrorEvent)) Unsubscribe {
	return m.errs.subscribe(fn)
}

// State returns the lifecycle state of the given session slot.
func (m *Manager) State(scope Scope) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.slot(scope).policy.State()
}

// ConversationID returns the id of the conversation session, if any.
func (m *Manager) ConversationID() models.ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conversation.conversationID
}

func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

// SetToken replaces the fallback token used by later reconnects.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

// Close disconnects both sessions. The Manager cannot be reused.
func (m *Manager) Close() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true
	m.mu.Unlock()

	m.disconnect(&m.conversation)
	m.disconnect(&m.global)
	m.cancel()
}

func (m *Manager) slot(scope Scope) *slot {
	if scope == ScopeGlobal {
		return &m.global
	}

	return &m.conversation
}

func (m *Manager) tokenLocked() string {
	if m.tokens != nil {
		if tok := m.tokens.Token(); tok != "" {
			return tok
		}
	}

	return m.token
}

func (m *Manager) endpoint(s *slot) string {
	if s.scope == ScopeGlobal {
		return m.baseURL + "/user"
	}

	return m.baseURL + "/" + url.PathEscape(s.conversationID.String())
}

func (m *Manager) launchLocked(s *slot, token string) {
	sess := newSession(s.scope, s.conversationID, m.endpoint(s), m.handle)
	s.sess = sess
	m.metrics.ConnectionState(s.scope.String(), int(s.policy.State()))

	go sess.run(m.ctx, m.dialer, token)
}

// handle receives every session event. Events from a session that is no
// longer installed in its slot are ignored.
func (m *Manager) handle(sess *session, ev sessionEvent) {
	m.mu.Lock()

	var s *slot

	switch sess {
	case m.conversation.sess:
		s = &m.conversation
	case m.global.sess:
		s = &m.global
	}

	if s == nil {
		m.mu.Unlock()
		return
	}

	var after []func()

	switch ev.kind {
	case eventOpened:
		after = m.openedLocked(s, sess)
	case eventFrame:
		after = m.frameLocked(s, ev.data)
	case eventTransportError:
		after = m.transportErrorLocked(s, ev.err)
	case eventClosed:
		after = m.closedLocked(s, ev)
	}

	m.mu.Unlock()

	for _, fn := range after {
		fn()
	}
}

func (m *Manager) openedLocked(s *slot, sess *session) []func() {
	s.policy.Opened()
	m.metrics.ConnectionState(s.scope.String(), int(StateConnected))

	m.logger.Info("websocket connected",
		slog.String("scope", s.scope.String()),
		slog.String("conversation_id", s.conversationID.String()),
	)

	var after []func()

	if s.scope == ScopeConversation && len(m.pending) > 0 {
		queued := m.pending
		id := s.conversationID
		m.pending = nil
		m.pendingSet = make(map[string]struct{})
		m.metrics.PendingSends(0)

		after = append(after, func() { m.flush(sess, id, queued) })
	}

	status := StatusEvent{
		Scope:          s.scope,
		ConversationID: s.conversationID,
		State:          StateConnected,
	}

	return append(after, func() { m.statuses.publish(status, m.recoverListener("status")) })
}

// flush writes queued payloads in order. Whatever could not be written
// goes back to the front of the queue.
func (m *Manager) flush(sess *session, id models.ID, queued []string) {
	m.logger.Info("sending queued messages", slog.Int("count", len(queued)))

	for i, payload := range queued {
		if err := sess.send(m.ctx, []byte(payload)); err != nil {
			m.logger.Warn("flushing queued messages failed",
				slog.Int("remaining", len(queued)-i),
				slog.String("error", err.Error()),
			)

			m.mu.Lock()
			rest := append(queued[i:len(queued):len(queued)], m.pending...)
			m.pending = m.pending[:0]
			m.pendingSet = make(map[string]struct{})
			m.mu.Unlock()

			m.enqueue(id, rest...)

			return
		}
	}
}

func (m *Manager) frameLocked(s *slot, data []byte) []func() {
	scope := s.scope.String()

	frame, err := DecodeFrame(data)
	if err != nil {
		m.metrics.MalformedFrame(scope)
		m.logger.Debug("dropping malformed frame",
			slog.String("scope", scope),
			slog.String("error", err.Error()),
		)

		return nil
	}

	m.metrics.FrameReceived(scope, frame.Kind.String())

	switch frame.Kind {
	case FrameError:
		m.logger.Warn("server error frame", slog.String("scope", scope), slog.String("error", frame.Error))

		ev := ErrorEvent{
			Scope:          s.scope,
			ConversationID: s.conversationID,
			Err:            &ServerError{Message: frame.Error},
		}

		return []func(){func() { m.errs.publish(ev, m.recoverListener("error")) }}

	case FrameStatus:
		ev := StatusEvent{
			Scope:          s.scope,
			ConversationID: s.conversationID,
			State:          s.policy.State(),
			Type:           frame.Type,
			Payload:        frame.Raw,
		}

		return []func(){func() { m.statuses.publish(ev, m.recoverListener("status")) }}
	}

	msg := frame.Message
	if s.scope == ScopeConversation && msg.ChatID.IsZero() {
		msg.ChatID = s.conversationID
	}

	if key := msg.Key(); key != "" && !m.recent.Add(key) {
		m.metrics.DuplicateDropped(scope)
		m.logger.Debug("dropping duplicate message", slog.String("scope", scope), slog.String("key", key))

		return nil
	}

	target := &m.messages
	if s.scope == ScopeGlobal {
		target = &m.globalMessages
	}

	return []func(){func() { target.publish(msg, m.recoverListener("message")) }}
}

func (m *Manager) transportErrorLocked(s *slot, err error) []func() {
	m.logger.Warn("websocket transport error",
		slog.String("scope", s.scope.String()),
		slog.String("error", err.Error()),
	)

	ev := ErrorEvent{Scope: s.scope, ConversationID: s.conversationID, Err: err}

	return []func(){func() { m.errs.publish(ev, m.recoverListener("error")) }}
}

func (m *Manager) closedLocked(s *slot, ev sessionEvent) []func() {
	s.sess = nil
	d := s.policy.Closed(ev.clean)
	m.metrics.ConnectionState(s.scope.String(), int(d.State))

	status := StatusEvent{
		Scope:          s.scope,
		ConversationID: s.conversationID,
		State:          d.State,
		Attempt:        d.Attempt,
		MaxAttempts:    s.policy.MaxAttempts(),
	}
	publish := func() { m.statuses.publish(status, m.recoverListener("status")) }

	attrs := []any{
		slog.String("scope", s.scope.String()),
		slog.String("conversation_id", s.conversationID.String()),
		slog.Int("code", int(ev.code)),
	}

	switch {
	case d.Retry:
		m.logger.Info("websocket closed, reconnecting",
			append(attrs, slog.Int("attempt", d.Attempt), slog.Int("max", status.MaxAttempts), slog.Duration("delay", d.Delay))...)

		s.policy.Schedule(func(ticket uint64) { m.reconnect(s, ticket) })

		return []func(){publish}

	case d.State == StateFailed:
		m.logger.Error("websocket reconnect attempts exhausted", append(attrs, slog.Int("attempts", d.Attempt))...)

		errEv := ErrorEvent{
			Scope:          s.scope,
			ConversationID: s.conversationID,
			Err:            fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, d.Attempt),
		}

		return []func(){publish, func() { m.errs.publish(errEv, m.recoverListener("error")) }}

	default:
		m.logger.Info("websocket closed", attrs...)
		return []func(){publish}
	}
}

// reconnect runs on the policy timer.
func (m *Manager) reconnect(s *slot, ticket uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !s.policy.Attempt(ticket) {
		return
	}

	m.metrics.ReconnectAttempt(s.scope.String())
	m.logger.Info("reconnecting websocket",
		slog.String("scope", s.scope.String()),
		slog.String("conversation_id", s.conversationID.String()),
		slog.Int("attempt", s.policy.Attempts()),
	)

	m.launchLocked(s, m.tokenLocked())
}

func (m *Manager) recoverListener(kind string) func(any) {
	return func(r any) {
		m.logger.Error("listener panicked",
			slog.String("kind", kind),
			slog.Any("panic", r),
		)
	}
}
