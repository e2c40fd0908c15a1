package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/messenger"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/notify"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/internal/tokenfile"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	var err error

	switch {
	case len(os.Args) > 1 && os.Args[1] == "register":
		err = register()
	case len(os.Args) > 1 && os.Args[1] == "logout":
		err = logout()
	default:
		err = run()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openState(cfg *config.Config) (*state.State, error) {
	if cfg.StatePath != "" {
		return state.LoadAt(cfg.StatePath)
	}

	return state.Load()
}

// register creates an account from CHAT_EMAIL, CHAT_NAME and
// CHAT_PASSWORD.
func register() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.ValidateRegister(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	user, err := api.NewClient(cfg.APIURL, nil).Register(ctx, cfg.Email, cfg.Name, cfg.Password)
	if err != nil {
		return err
	}

	fmt.Printf("registered %s (id %s)\n", user.Email, user.ID)

	return nil
}

// logout forgets the cached credentials.
func logout() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appState, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	return appState.Clear()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIURL),
		slog.String("ws", cfg.WSURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := api.NewClient(cfg.APIURL, nil)

	var tokens *tokenfile.Source
	if cfg.TokenFile != "" {
		tokens, err = tokenfile.New(cfg.TokenFile, logger.With(slog.String("component", "tokenfile")))
		if err != nil {
			return err
		}
	}

	creds, err := authenticate(ctx, client, cfg, appState, tokens, logger)
	if err != nil {
		return err
	}

	m := metrics.New()

	var notifier chat.Notifier = notify.NewLog(logger)
	if cfg.DesktopNotifications {
		notifier = notify.Fanout{notify.NewDesktop("", ""), notify.NewLog(logger)}
	}

	rtCfg := realtime.Config{
		BaseURL:              cfg.WSURL,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		DedupCapacity:        cfg.DedupCapacity,
		Metrics:              m,
	}
	if tokens != nil {
		rtCfg.Tokens = tokens
	}

	msgr := messenger.New(messenger.Config{
		Backend:              client,
		Realtime:             rtCfg,
		Token:                creds.Token,
		SelfID:               creds.UserID,
		Notifier:             notifier,
		Metrics:              m,
		HistoryPageSize:      cfg.HistoryPageSize,
		NotificationCapacity: cfg.DedupCapacity,
	}, logger)
	defer msgr.Close()

	if err := msgr.Start(ctx); err != nil {
		return err
	}

	con := newConsole(msgr, msgr.Engine(), os.Stdout)
	con.onOpen = func(id models.ID) {
		if err := appState.SetLastConversation(id); err != nil {
			logger.Warn("failed to save last conversation", slog.String("error", err.Error()))
		}
	}

	unsubs := []realtime.Unsubscribe{
		msgr.Connections().OnMessage(con.printMessage),
		msgr.Connections().OnGlobalMessage(con.printMessage),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	open := models.ID(cfg.Conversation)
	if open.IsZero() {
		open = appState.LastConversation()
	}

	if !open.IsZero() {
		if err := msgr.OpenConversation(ctx, open); err != nil {
			logger.Warn("could not open conversation",
				slog.String("conversation_id", open.String()),
				slog.String("error", err.Error()),
			)
		} else {
			con.onOpen(open)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsListenAddr != "" {
		mux := server.NewMux(server.MuxConfig{
			Metrics:     m.Handler(),
			Connections: msgr.Connections(),
			Logger:      logger,
		})

		g.Go(func() error {
			return server.Run(gctx, cfg.MetricsListenAddr, mux, logger)
		})
	}

	if tokens != nil {
		g.Go(func() error {
			if err := tokens.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watching token file: %w", err)
			}

			return nil
		})
	}

	g.Go(func() error {
		return con.Run(gctx, os.Stdin)
	})

	err = g.Wait()

	logger.Info("chat-sync stopped")

	return err
}

// authenticate returns usable credentials, preferring in order the
// token file, the cached token and a fresh login.
func authenticate(ctx context.Context, client *api.Client, cfg *config.Config, appState *state.State, tokens *tokenfile.Source, logger *slog.Logger) (state.Credentials, error) {
	cached := appState.Credentials()

	if tokens != nil {
		creds := cached
		creds.Token = tokens.Token()

		if _, err := client.ListConversations(ctx, creds.Token); err != nil {
			return state.Credentials{}, fmt.Errorf("checking token from %s: %w", tokens.Path(), err)
		}

		if creds.UserID.IsZero() && cfg.CanLogin() {
			// The token file does not say who we are; a login does.
			fresh, err := login(ctx, client, cfg, appState, logger)
			if err != nil {
				return state.Credentials{}, err
			}

			creds.UserID, creds.DisplayName = fresh.UserID, fresh.DisplayName
		}

		if creds.UserID.IsZero() {
			logger.Warn("user id unknown, every message counts as unread")
		}

		logger.Info("authenticated with token file")

		return creds, nil
	}

	if cached.Token != "" {
		logger.Debug("trying cached token")

		_, err := client.ListConversations(ctx, cached.Token)
		if err == nil {
			logger.Info("authenticated with cached token", slog.String("user_id", cached.UserID.String()))
			return cached, nil
		}

		logger.Debug("cached token rejected, logging in", slog.String("error", err.Error()))
	}

	return login(ctx, client, cfg, appState, logger)
}

func login(ctx context.Context, client *api.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (state.Credentials, error) {
	logger.Info("logging in", slog.String("email", cfg.Email))

	resp, err := client.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return state.Credentials{}, err
	}

	creds := state.Credentials{Token: resp.AccessToken, UserID: resp.UserID, DisplayName: resp.Name}

	logger.Info("logged in", slog.String("user_id", creds.UserID.String()))

	if err := appState.SetCredentials(creds); err != nil {
		logger.Warn("failed to save credentials", slog.String("error", err.Error()))
	}

	return creds, nil
}
