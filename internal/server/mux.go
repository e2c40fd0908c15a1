// Package server provides the optional HTTP endpoint for chat-sync:
// Prometheus metrics and a health report of the websocket sessions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
)

const shutdownTimeout = 10 * time.Second

// Connections reports session state. *realtime.Manager satisfies it.
type Connections interface {
	State(scope realtime.Scope) realtime.State
	ConversationID() models.ID
	PendingCount() int
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Metrics     http.Handler
	Connections Connections
	Logger      *slog.Logger
}

// Health is the body served on /healthz.
type Health struct {
	Global         string `json:"global"`
	Conversation   string `json:"conversation"`
	ConversationID string `json:"conversation_id,omitempty"`
	Pending        int    `json:"pending_sends"`
}

// NewMux builds the HTTP mux with /metrics and /healthz. /healthz
// answers 503 once the global session has given up reconnecting.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		global := cfg.Connections.State(realtime.ScopeGlobal)
		h := Health{
			Global:         global.String(),
			Conversation:   cfg.Connections.State(realtime.ScopeConversation).String(),
			ConversationID: cfg.Connections.ConversationID().String(),
			Pending:        cfg.Connections.PendingCount(),
		}

		status := http.StatusOK
		if global == realtime.StateFailed {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)

		if err := json.NewEncoder(w).Encode(h); err != nil {
			cfg.Logger.Debug("writing health response", slog.String("error", err.Error()))
		}
	})

	return mux
}

// Run serves handler on addr until ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting metrics server", slog.String("listen", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server error: %w", err)
	}

	return nil
}
