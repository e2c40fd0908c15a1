// Package tokenfile keeps a bearer token in sync with a file on disk.
// Something else (a login helper, a secrets agent) owns the file and
// rewrites it when the token rotates; Source always hands out the latest
// content so reconnect attempts pick up a refreshed token.
package tokenfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// maxTokenBytes caps how much of the file is read. Bearer tokens are a
// few hundred bytes; anything larger is not a token file.
const maxTokenBytes = 16 << 10

var errEmptyToken = errors.New("token file is empty")

// Source serves the token stored in a file.
type Source struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	token string
}

// New reads the token at path. The file must exist and be non-empty.
func New(path string, logger *slog.Logger) (*Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving token file: %w", err)
	}

	s := &Source{path: abs, logger: logger}

	token, err := readToken(abs)
	if err != nil {
		return nil, err
	}

	s.token = token

	return s, nil
}

// Path returns the absolute path of the watched file.
func (s *Source) Path() string {
	return s.path
}

// Token returns the most recently read token.
func (s *Source) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token
}

// Run watches the token file's directory and reloads the token when the
// file is written or replaced. Watching the directory rather than the
// file keeps working across atomic rename-into-place updates. It blocks
// until the context is cancelled.
func (s *Source) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching token directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			s.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			s.logger.Warn("token file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (s *Source) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != s.path {
		return
	}

	// A removed file keeps the last token; the replacement shows up as
	// a Create.
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	s.reload()
}

func (s *Source) reload() {
	token, err := readToken(s.path)
	if err != nil {
		// Writers that truncate then write produce an empty read first.
		s.logger.Debug("token file not readable yet", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	changed := token != s.token
	s.token = token
	s.mu.Unlock()

	if changed {
		s.logger.Info("bearer token reloaded", slog.String("path", s.path))
	}
}

func readToken(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening token file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxTokenBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	if len(data) > maxTokenBytes {
		return "", fmt.Errorf("token file exceeds %d bytes", maxTokenBytes)
	}

	token := string(bytes.TrimSpace(data))
	if token == "" {
		return "", errEmptyToken
	}

	return token, nil
}
