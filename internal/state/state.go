// Package state persists the session credentials (bearer token, user id
// and display name) in a bbolt database so a restart does not require a
// new login.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")

	tokenKey            = []byte("token")
	userIDKey           = []byte("user_id")
	displayNameKey      = []byte("user_name")
	lastConversationKey = []byte("last_conversation")
)

// Credentials is what a successful login yields.
type Credentials struct {
	Token       string
	UserID      models.ID
	DisplayName string
}

// State wraps a bbolt database for the persisted session.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-sync/state.db, creating it if
// it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// DefaultPath returns ~/.chat-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Refuse to fall back to the working directory where the database
		// (containing the session token) could end up in a source tree.
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".chat-sync", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) get(key []byte) string {
	var v string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(appBucket).Get(key); b != nil {
			v = string(b)
		}

		return nil
	})

	return v
}

func (s *State) put(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(value))
	})
}

// Token returns the cached bearer token, or empty string.
func (s *State) Token() string {
	return s.get(tokenKey)
}

// SetToken persists the bearer token.
func (s *State) SetToken(token string) error {
	return s.put(tokenKey, token)
}

// UserID returns the id of the logged-in user, or empty.
func (s *State) UserID() models.ID {
	return models.ID(s.get(userIDKey))
}

func (s *State) SetUserID(id models.ID) error {
	return s.put(userIDKey, id.String())
}

// DisplayName returns the cached name of the logged-in user.
func (s *State) DisplayName() string {
	return s.get(displayNameKey)
}

func (s *State) SetDisplayName(name string) error {
	return s.put(displayNameKey, name)
}

// LastConversation returns the conversation that was open when the
// process last stopped.
func (s *State) LastConversation() models.ID {
	return models.ID(s.get(lastConversationKey))
}

func (s *State) SetLastConversation(id models.ID) error {
	return s.put(lastConversationKey, id.String())
}

// Credentials returns all cached credentials at once.
func (s *State) Credentials() Credentials {
	var c Credentials

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		c.Token = string(b.Get(tokenKey))
		c.UserID = models.ID(b.Get(userIDKey))
		c.DisplayName = string(b.Get(displayNameKey))

		return nil
	})

	return c
}

// SetCredentials stores token, user id and display name in one
// transaction.
func (s *State) SetCredentials(c Credentials) error {
	if c.Token == "" {
		return errors.New("storing credentials: empty token")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if err := b.Put(tokenKey, []byte(c.Token)); err != nil {
			return err
		}

		if err := b.Put(userIDKey, []byte(c.UserID)); err != nil {
			return err
		}

		return b.Put(displayNameKey, []byte(c.DisplayName))
	})
}

// Clear removes every cached value (logout).
func (s *State) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(appBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		_, err := tx.CreateBucket(appBucket)

		return err
	})
}
