// Package messenger ties the REST client, the connection manager and the
// reconciliation engine together for one logged-in user. A Messenger is
// created per process (or per login) and passed explicitly to whatever
// drives it.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"golang.org/x/sync/errgroup"
)

// DefaultHistoryPageSize matches the server's default page.
const DefaultHistoryPageSize = 100

// markReadConcurrency bounds parallel mark-read requests.
const markReadConcurrency = 4

// Backend is the subset of the REST API the messenger uses.
type Backend interface {
	ListConversations(ctx context.Context, token string) ([]models.Conversation, error)
	GetConversation(ctx context.Context, token string, id models.ID) (*models.Conversation, error)
	CreatePersonalConversation(ctx context.Context, token string, memberID models.ID) (*models.Conversation, error)
	CreateGroupConversation(ctx context.Context, token, name string, memberIDs []models.ID) (*models.Conversation, error)
	History(ctx context.Context, token string, id models.ID, limit, offset int) ([]models.Message, error)
	MarkRead(ctx context.Context, token string, messageID models.ID) error
}

// Config configures a Messenger.
type Config struct {
	Backend Backend
	// Realtime configures the connection manager. Its Tokens field is
	// also consulted for REST calls.
	Realtime realtime.Config
	// Token is the bearer token obtained at login.
	Token  string
	SelfID models.ID

	Notifier             chat.Notifier
	Metrics              *metrics.Metrics
	HistoryPageSize      int
	NotificationCapacity int
}

// Messenger is safe for concurrent use.
type Messenger struct {
	backend  Backend
	conn     *realtime.Manager
	engine   *chat.Engine
	tokens   realtime.TokenSource
	logger   *slog.Logger
	pageSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	token    string
	offsets  map[models.ID]int
	fetching map[models.ID]struct{}
	unsubs   []realtime.Unsubscribe
	closed   bool
}

// New builds the manager and the engine and subscribes the engine to
// both websocket sessions. Nothing connects until Start.
func New(cfg Config, logger *slog.Logger) *Messenger {
	pageSize := cfg.HistoryPageSize
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}

	rtCfg := cfg.Realtime
	if rtCfg.Metrics == nil {
		rtCfg.Metrics = cfg.Metrics
	}

	conn := realtime.NewManager(rtCfg, logger.With(slog.String("component", "realtime")))

	engine := chat.NewEngine(chat.Config{
		SelfID:               cfg.SelfID,
		Notifier:             cfg.Notifier,
		Sender:               conn,
		Metrics:              cfg.Metrics,
		NotificationCapacity: cfg.NotificationCapacity,
	}, logger.With(slog.String("component", "chat")))

	ctx, cancel := context.WithCancel(context.Background())

	m := &Messenger{
		backend:  cfg.Backend,
		conn:     conn,
		engine:   engine,
		tokens:   rtCfg.Tokens,
		logger:   logger,
		pageSize: pageSize,
		ctx:      ctx,
		cancel:   cancel,
		token:    cfg.Token,
		offsets:  make(map[models.ID]int),
		fetching: make(map[models.ID]struct{}),
	}

	m.unsubs = []realtime.Unsubscribe{
		conn.OnMessage(m.handleMessage),
		conn.OnGlobalMessage(m.handleMessage),
		conn.OnStatus(m.handleStatus),
		conn.OnError(m.handleError),
	}

	return m
}

// Engine exposes the reconciled state for readers.
func (m *Messenger) Engine() *chat.Engine {
	return m.engine
}

// Connections exposes the connection manager so callers can subscribe to
// status and error events.
func (m *Messenger) Connections() *realtime.Manager {
	return m.conn
}

// SetToken replaces the bearer token used for REST calls and reconnects.
func (m *Messenger) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()

	m.conn.SetToken(token)
}

func (m *Messenger) currentToken() string {
	if m.tokens != nil {
		if tok := m.tokens.Token(); tok != "" {
			return tok
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.token
}

// Start loads the conversation list and connects the global session.
func (m *Messenger) Start(ctx context.Context) error {
	token := m.currentToken()
	if token == "" {
		return realtime.ErrNoToken
	}

	list, err := m.backend.ListConversations(ctx, token)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	m.engine.ApplyConversations(list)

	m.logger.Info("conversations loaded", slog.Int("count", len(list)))

	if err := m.conn.ConnectGlobal(token); err != nil {
		return fmt.Errorf("connecting global session: %w", err)
	}

	return nil
}

// OpenConversation makes id the current conversation: it connects the
// conversation session, replaces the message list with the newest
// history page and marks everything read.
func (m *Messenger) OpenConversation(ctx context.Context, id models.ID) error {
	if id.IsZero() {
		return errors.New("opening conversation: empty id")
	}

	token := m.currentToken()
	if token == "" {
		return realtime.ErrNoToken
	}

	if _, ok := m.engine.Conversation(id); !ok {
		c, err := m.backend.GetConversation(ctx, token, id)
		if err != nil {
			return fmt.Errorf("opening conversation %s: %w", id, err)
		}

		m.engine.UpsertConversation(*c)
	}

	m.engine.SetCurrentConversation(id)

	if err := m.conn.ConnectConversation(id, token); err != nil {
		return fmt.Errorf("opening conversation %s: %w", id, err)
	}

	page, err := m.backend.History(ctx, token, id, m.pageSize, 0)
	if err != nil {
		return fmt.Errorf("loading history for %s: %w", id, err)
	}

	m.engine.ApplyHistory(id, page, true)

	m.mu.Lock()
	m.offsets[id] = len(page)
	m.mu.Unlock()

	m.logger.Info("conversation opened",
		slog.String("conversation_id", id.String()),
		slog.Int("messages", len(page)),
	)

	return m.MarkConversationRead(ctx, id)
}

// LoadOlder fetches the next history page of the current conversation
// and returns how many messages it held. Zero means the beginning of the
// conversation was reached.
func (m *Messenger) LoadOlder(ctx context.Context) (int, error) {
	id := m.engine.CurrentConversation()
	if id.IsZero() {
		return 0, chat.ErrNoConversation
	}

	m.mu.Lock()
	offset := m.offsets[id]
	m.mu.Unlock()

	page, err := m.backend.History(ctx, m.currentToken(), id, m.pageSize, offset)
	if err != nil {
		return 0, fmt.Errorf("loading history for %s: %w", id, err)
	}

	m.engine.ApplyHistory(id, page, offset == 0)

	m.mu.Lock()
	m.offsets[id] = offset + len(page)
	m.mu.Unlock()

	return len(page), nil
}

// Send records text as a pending message in the current conversation
// and sends it, queueing it when the session is not open.
func (m *Messenger) Send(ctx context.Context, text string) (models.Outbound, error) {
	return m.engine.ApplyLocalSend(ctx, text)
}

// MarkMessageRead marks one message read on the server and locally.
func (m *Messenger) MarkMessageRead(ctx context.Context, conversationID, messageID models.ID) error {
	if err := m.backend.MarkRead(ctx, m.currentToken(), messageID); err != nil {
		return err
	}

	m.engine.MarkMessageRead(conversationID, messageID)

	return nil
}

// MarkConversationRead resets the unread counter of id and reports every
// unread message to the server.
func (m *Messenger) MarkConversationRead(ctx context.Context, id models.ID) error {
	ids := m.engine.MarkConversationRead(id)
	if len(ids) == 0 {
		return nil
	}

	token := m.currentToken()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(markReadConcurrency)

	for _, msgID := range ids {
		g.Go(func() error {
			return m.backend.MarkRead(gctx, token, msgID)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("marking conversation %s read: %w", id, err)
	}

	return nil
}

// CloseConversation disconnects the conversation session. The cached
// messages stay available.
func (m *Messenger) CloseConversation() {
	m.conn.DisconnectConversation()
	m.engine.SetCurrentConversation("")
}

func (m *Messenger) CreatePersonalConversation(ctx context.Context, memberID models.ID) (models.Conversation, error) {
	c, err := m.backend.CreatePersonalConversation(ctx, m.currentToken(), memberID)
	if err != nil {
		return models.Conversation{}, err
	}

	m.engine.UpsertConversation(*c)

	return *c, nil
}

func (m *Messenger) CreateGroupConversation(ctx context.Context, name string, memberIDs []models.ID) (models.Conversation, error) {
	c, err := m.backend.CreateGroupConversation(ctx, m.currentToken(), name, memberIDs)
	if err != nil {
		return models.Conversation{}, err
	}

	m.engine.UpsertConversation(*c)

	return *c, nil
}

// Close disconnects both sessions and waits for background fetches.
func (m *Messenger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}

	m.conn.Close()
	m.cancel()
	m.wg.Wait()
}

func (m *Messenger) handleMessage(msg models.Message) {
	out, err := m.engine.ApplyIncomingMessage(msg)
	if err != nil {
		return
	}

	id := out.Message.ChatID

	if out.NewConversation {
		m.background(func(ctx context.Context) { m.fetchConversation(ctx, id) })
	}

	// A message arriving in the open conversation has been seen.
	if out.Created && id == m.engine.CurrentConversation() &&
		out.Message.SenderID != m.engine.Self() && !out.Message.IsRead && !out.Message.ID.IsZero() {
		msgID := out.Message.ID
		m.background(func(ctx context.Context) {
			if err := m.MarkMessageRead(ctx, id, msgID); err != nil {
				m.logger.Warn("marking message read failed",
					slog.String("conversation_id", id.String()),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}

func (m *Messenger) fetchConversation(ctx context.Context, id models.ID) {
	m.mu.Lock()
	if _, busy := m.fetching[id]; busy {
		m.mu.Unlock()
		return
	}

	m.fetching[id] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.fetching, id)
		m.mu.Unlock()
	}()

	c, err := m.backend.GetConversation(ctx, m.currentToken(), id)
	if err != nil {
		m.logger.Warn("fetching conversation details failed",
			slog.String("conversation_id", id.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	m.engine.UpsertConversation(*c)
}

func (m *Messenger) handleStatus(ev realtime.StatusEvent) {
	if ev.FromServer() {
		m.logger.Debug("server status",
			slog.String("scope", ev.Scope.String()),
			slog.String("type", ev.Type),
		)

		return
	}

	m.logger.Info("connection state",
		slog.String("scope", ev.Scope.String()),
		slog.String("conversation_id", ev.ConversationID.String()),
		slog.String("state", ev.State.String()),
		slog.Int("attempt", ev.Attempt),
	)
}

func (m *Messenger) handleError(ev realtime.ErrorEvent) {
	level := slog.LevelWarn
	if errors.Is(ev.Err, realtime.ErrSendDeferred) {
		level = slog.LevelInfo
	}

	m.logger.Log(context.Background(), level, "connection error",
		slog.String("scope", ev.Scope.String()),
		slog.String("conversation_id", ev.ConversationID.String()),
		slog.String("error", ev.Err.Error()),
	)
}

// background runs fn on its own goroutine, bound to the messenger's
// lifetime. Listener callbacks use it so they never block the manager.
func (m *Messenger) background(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.wg.Go(func() { fn(m.ctx) })
}
