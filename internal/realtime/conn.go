package realtime

//go:generate mockgen -destination=mock_conn_test.go -package=realtime . Conn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn abstracts the WebSocket connection so sessions can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Conn to the given URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with github.com/coder/websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps a single inbound frame. Zero keeps the library default.
	ReadLimit int64
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	return conn, nil
}
