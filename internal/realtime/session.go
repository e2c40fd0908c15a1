package realtime

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

type sessionEventKind int

const (
	eventOpened sessionEventKind = iota
	eventFrame
	eventClosed
	eventTransportError
)

type sessionEvent struct {
	kind  sessionEventKind
	data  []byte
	clean bool
	code  websocket.StatusCode
	err   error
}

// session is one transport connection. open runs the dial and then the
// read loop on the calling goroutine, so all events of a session are
// delivered to handler sequentially and in arrival order. After close
// nothing further is delivered.
type session struct {
	scope          Scope
	conversationID models.ID
	endpoint       string
	handler        func(*session, sessionEvent)

	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	conn   Conn
	open   bool
	closed bool
	cancel context.CancelFunc
}

func newSession(scope Scope, conversationID models.ID, endpoint string, handler func(*session, sessionEvent)) *session {
	return &session{
		scope:          scope,
		conversationID: conversationID,
		endpoint:       endpoint,
		handler:        handler,
		dialTimeout:    defaultDialTimeout,
		writeTimeout:   defaultWriteTimeout,
	}
}

func (s *session) url(token string) string {
	return s.endpoint + "?token=" + url.QueryEscape(token)
}

func (s *session) run(ctx context.Context, dialer Dialer, token string) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(connCtx, s.dialTimeout)
	conn, err := dialer.Dial(dialCtx, s.url(token))
	dialCancel()

	if err != nil {
		if s.isClosed() || ctx.Err() != nil {
			return
		}

		s.emit(sessionEvent{kind: eventTransportError, err: err})
		s.emit(sessionEvent{kind: eventClosed, code: websocket.StatusAbnormalClosure})

		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		return
	}
	s.conn = conn
	s.open = true
	s.mu.Unlock()

	s.emit(sessionEvent{kind: eventOpened})
	s.readLoop(connCtx, conn)
}

func (s *session) readLoop(ctx context.Context, conn Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			s.open = false
			s.mu.Unlock()

			if s.isClosed() || ctx.Err() != nil {
				return
			}

			code := websocket.CloseStatus(err)
			if code == -1 {
				s.emit(sessionEvent{kind: eventTransportError, err: fmt.Errorf("reading frame: %w", err)})
				code = websocket.StatusAbnormalClosure
			}

			s.emit(sessionEvent{kind: eventClosed, clean: code == websocket.StatusNormalClosure, code: code})

			return
		}

		if typ != websocket.MessageText {
			continue
		}

		s.emit(sessionEvent{kind: eventFrame, data: data})
	}
}

// send writes one text frame. It returns ErrNotOpen when the session is
// not open so the caller can queue the payload instead.
func (s *session) send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	conn, open := s.conn, s.open && !s.closed
	s.mu.Unlock()

	if !open {
		return ErrNotOpen
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

// close shuts the session down cleanly and suppresses further events. It
// blocks for the close handshake, so callers must not hold the manager
// lock.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	s.open = false
	conn, cancel := s.conn, s.cancel
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		// The peer may already be gone; nothing to report.
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	if cancel != nil {
		cancel()
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *session) emit(ev sessionEvent) {
	if s.isClosed() {
		return
	}

	s.handler(s, ev)
}
