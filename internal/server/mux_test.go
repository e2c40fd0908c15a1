package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnections struct {
	global, conversation realtime.State
	id                   models.ID
	pending              int
}

func (f fakeConnections) State(scope realtime.Scope) realtime.State {
	if scope == realtime.ScopeGlobal {
		return f.global
	}

	return f.conversation
}

func (f fakeConnections) ConversationID() models.ID { return f.id }
func (f fakeConnections) PendingCount() int { return f.pending }

var _ Connections = (*realtime.Manager)(nil)

func TestHealthz_OK(t *testing.T) {
	mux := NewMux(MuxConfig{
		Connections: fakeConnections{global: realtime.StateConnected, conversation: realtime.StateReconnecting, id: "5", pending: 2},
		Logger:      logging.Discard(),
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, Health{Global: "connected", Conversation: "reconnecting", ConversationID: "5", Pending: 2}, h)
}

func TestHealthz_FailedGlobal(t *testing.T) {
	mux := NewMux(MuxConfig{
		Connections: fakeConnections{global: realtime.StateFailed},
		Logger:      logging.Discard(),
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz_MethodNotAllowed(t *testing.T) {
	mux := NewMux(MuxConfig{Connections: fakeConnections{}, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.Notified()

	mux := NewMux(MuxConfig{Metrics: m.Handler(), Connections: fakeConnections{}, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chat_sync_notifications_total 1")
}

func TestMetricsRoute_Absent(t *testing.T) {
	mux := NewMux(MuxConfig{Connections: fakeConnections{}, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	mux := NewMux(MuxConfig{Connections: fakeConnections{}, Logger: logging.Discard()})

	go func() { done <- Run(ctx, addr, mux, logging.Discard()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
