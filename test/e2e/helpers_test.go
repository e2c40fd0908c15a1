package e2e_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/messenger"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// --- wire types, as the chat service encodes them (integer ids) ---

type wireMember struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type wireChat struct {
	ID              int          `json:"id"`
	Name            string       `json:"name,omitempty"`
	Type            string       `json:"type"`
	Members         []wireMember `json:"members"`
	LastMessage     string       `json:"last_message,omitempty"`
	LastMessageTime string       `json:"last_message_time,omitempty"`
	UnreadCount     int          `json:"unread_count"`
}

type wireMessage struct {
	ID              int    `json:"id"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	ChatID          int    `json:"chat_id"`
	SenderID        int    `json:"sender_id"`
	SenderName      string `json:"sender_name"`
	Text            string `json:"text"`
	Timestamp       string `json:"timestamp"`
	IsRead          bool   `json:"is_read"`
}

type user struct {
	id       int
	name     string
	email    string
	password string
}

type socket struct {
	conn   *websocket.Conn
	userID int
	chatID int // zero for the per-user socket
}

// chatServer is an in-memory chat service: REST under /api/v1 and
// websockets under /ws.
type chatServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	users    []user
	chats    map[int]*wireChat
	messages map[int][]wireMessage // oldest first
	readIDs  map[int]bool
	sockets  map[*socket]struct{}
	refuse   bool
	nextChat int
	nextMsg  int
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()

	s := &chatServer{
		users: []user{
			{id: 1, name: "Alice", email: "alice@example.com", password: "alice-pw"},
			{id: 2, name: "Bob", email: "bob@example.com", password: "bob-pw"},
		},
		chats:    make(map[int]*wireChat),
		messages: make(map[int][]wireMessage),
		readIDs:  make(map[int]bool),
		sockets:  make(map[*socket]struct{}),
		nextChat: 1,
		nextMsg:  100,
	}

	s.addChat("Team", "group", 1, 2)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/token", s.handleToken)
	mux.HandleFunc("GET /api/v1/chats", s.authed(s.handleList))
	mux.HandleFunc("GET /api/v1/chats/{id}", s.authed(s.handleGet))
	mux.HandleFunc("GET /api/v1/chats/{id}/history", s.authed(s.handleHistory))
	mux.HandleFunc("POST /api/v1/chats/group", s.authed(s.handleCreateGroup))
	mux.HandleFunc("POST /api/v1/chats/messages/{id}/read", s.authed(s.handleRead))
	mux.HandleFunc("GET /ws/user", s.handleSocket)
	mux.HandleFunc("GET /ws/{id}", s.handleSocket)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)

	return s
}

func (s *chatServer) apiURL() string { return s.srv.URL + "/api/v1" }

func (s *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *chatServer) addChat(name, typ string, memberIDs ...int) *wireChat {
	c := &wireChat{ID: s.nextChat, Name: name, Type: typ}
	s.nextChat++

	for _, id := range memberIDs {
		c.Members = append(c.Members, wireMember{ID: id, Name: s.users[id-1].name})
	}

	s.chats[c.ID] = c

	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func (s *chatServer) userForToken(token string) (int, bool) {
	id, err := strconv.Atoi(strings.TrimPrefix(token, "tok-"))
	if err != nil || !strings.HasPrefix(token, "tok-") || id < 1 || id > len(s.users) {
		return 0, false
	}

	return id, true
}

func (s *chatServer) authed(next func(http.ResponseWriter, *http.Request, int)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.userForToken(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if !ok {
			detail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		next(w, r, uid)
	}
}

func (s *chatServer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "bad request")
		return
	}

	for _, u := range s.users {
		if u.email == req.Email && u.password == req.Password {
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "tok-" + strconv.Itoa(u.id),
				"token_type":   "bearer",
				"user_id":      u.id,
			})

			return
		}
	}

	detail(w, http.StatusUnauthorized, "Incorrect email or password")
}

func isMember(c *wireChat, uid int) bool {
	return slices.ContainsFunc(c.Members, func(m wireMember) bool { return m.ID == uid })
}

func (s *chatServer) chatFor(r *http.Request, uid int) (*wireChat, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		return nil, false
	}

	c, ok := s.chats[id]
	if !ok || !isMember(c, uid) {
		return nil, false
	}

	return c, true
}

func (s *chatServer) handleList(w http.ResponseWriter, _ *http.Request, uid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := []wireChat{}

	for _, c := range s.chats {
		if isMember(c, uid) {
			list = append(list, s.viewFor(c, uid))
		}
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *chatServer) handleGet(w http.ResponseWriter, r *http.Request, uid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chatFor(r, uid)
	if !ok {
		detail(w, http.StatusNotFound, "Chat not found")
		return
	}

	writeJSON(w, http.StatusOK, s.viewFor(c, uid))
}

// viewFor returns c with the unread count as uid sees it. Callers hold
// s.mu.
func (s *chatServer) viewFor(c *wireChat, uid int) wireChat {
	v := *c
	v.UnreadCount = 0

	for _, m := range s.messages[c.ID] {
		if m.SenderID != uid && !s.readIDs[m.ID] {
			v.UnreadCount++
		}
	}

	return v
}

func (s *chatServer) handleHistory(w http.ResponseWriter, r *http.Request, uid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chatFor(r, uid)
	if !ok {
		detail(w, http.StatusNotFound, "Chat not found")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	// Newest first, like the service.
	all := slices.Clone(s.messages[c.ID])
	slices.Reverse(all)

	page := []wireMessage{}
	if offset < len(all) {
		page = all[offset:min(offset+limit, len(all))]
	}

	for i := range page {
		page[i].IsRead = s.readIDs[page[i].ID] || page[i].SenderID == uid
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": page})
}

func (s *chatServer) handleCreateGroup(w http.ResponseWriter, r *http.Request, uid int) {
	var req struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"member_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "bad request")
		return
	}

	members := []int{uid}

	for _, raw := range req.MemberIDs {
		id, err := strconv.Atoi(raw)
		if err != nil {
			detail(w, http.StatusBadRequest, "bad member id")
			return
		}

		members = append(members, id)
	}

	s.mu.Lock()
	c := s.addChat(req.Name, "group", members...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, c)
}

func (s *chatServer) handleRead(w http.ResponseWriter, r *http.Request, _ int) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		detail(w, http.StatusNotFound, "Message not found")
		return
	}

	s.mu.Lock()
	s.readIDs[id] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *chatServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	uid, ok := s.userForToken(r.URL.Query().Get("token"))

	chatID := 0
	if !strings.HasSuffix(r.URL.Path, "/user") {
		c, member := s.chatFor(r, uid)
		if member {
			chatID = c.ID
		} else {
			ok = false
		}
	}
	s.mu.Unlock()

	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	sock := &socket{conn: conn, userID: uid, chatID: chatID}

	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sockets, sock)
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}

		if chatID != 0 {
			s.receive(uid, chatID, data)
		}
	}
}

// receive stores a message sent on a conversation socket and pushes it
// to every socket of every member.
func (s *chatServer) receive(uid, chatID int, data []byte) {
	var in struct {
		Text            string `json:"text"`
		ClientMessageID string `json:"client_message_id"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}

	s.mu.Lock()

	msg := wireMessage{
		ID:              s.nextMsg,
		ClientMessageID: in.ClientMessageID,
		ChatID:          chatID,
		SenderID:        uid,
		SenderName:      s.users[uid-1].name,
		Text:            in.Text,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.nextMsg++
	s.messages[chatID] = append(s.messages[chatID], msg)

	c := s.chats[chatID]
	c.LastMessage, c.LastMessageTime = msg.Text, msg.Timestamp

	var targets []*websocket.Conn

	for sock := range s.sockets {
		if sock.chatID == chatID || (sock.chatID == 0 && isMember(c, sock.userID)) {
			targets = append(targets, sock.conn)
		}
	}
	s.mu.Unlock()

	frame, _ := json.Marshal(map[string]any{"type": "message", "data": msg})

	for _, conn := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Write(ctx, websocket.MessageText, frame)
		cancel()
	}
}

// dropSockets cuts every websocket of uid without a close handshake.
func (s *chatServer) dropSockets(uid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sock := range s.sockets {
		if sock.userID == uid {
			sock.conn.CloseNow()
		}
	}
}

func (s *chatServer) setRefuse(v bool) {
	s.mu.Lock()
	s.refuse = v
	s.mu.Unlock()
}

func (s *chatServer) isRead(msgID models.ID) bool {
	id, _ := strconv.Atoi(msgID.String())

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readIDs[id]
}

// --- clients ---

type countingNotifier struct {
	mu     sync.Mutex
	bodies []string
}

func (n *countingNotifier) Notify(_, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies = append(n.bodies, body)

	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.bodies)
}

type client struct {
	m        *messenger.Messenger
	notifier *countingNotifier
	self     models.ID
}

type clientOptions struct {
	interval    time.Duration
	maxAttempts int
}

func login(t *testing.T, s *chatServer, email, password string, opts clientOptions) *client {
	t.Helper()

	if opts.interval == 0 {
		opts.interval = 50 * time.Millisecond
	}

	if opts.maxAttempts == 0 {
		opts.maxAttempts = 5
	}

	apiClient := api.NewClient(s.apiURL(), nil)

	resp, err := apiClient.Login(t.Context(), email, password)
	require.NoError(t, err)

	n := &countingNotifier{}
	m := messenger.New(messenger.Config{
		Backend: apiClient,
		Realtime: realtime.Config{
			BaseURL:              s.wsURL(),
			ReconnectInterval:    opts.interval,
			MaxReconnectAttempts: opts.maxAttempts,
		},
		Token:    resp.AccessToken,
		SelfID:   resp.UserID,
		Notifier: n,
	}, logging.Discard())
	t.Cleanup(m.Close)

	require.NoError(t, m.Start(t.Context()))

	c := &client{m: m, notifier: n, self: resp.UserID}
	c.waitState(t, realtime.ScopeGlobal, realtime.StateConnected)

	return c
}

func (c *client) waitState(t *testing.T, scope realtime.Scope, want realtime.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.m.Connections().State(scope) == want
	}, waitFor, tick, "waiting for %s to be %s", scope, want)
}
