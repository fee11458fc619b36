// Package session persists the durable client identifier that ties a
// browsing context to its ticket across restarts.
package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store maps this client to at most one open ticket via a durable opaque
// identifier, the equivalent of the widget's localStorage session key.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	id string
}

// NewStore creates a store backed by the given file path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{path: path, logger: logger}
}

// ClientID returns the persisted client identifier, generating and
// persisting a fresh UUID on first use. Idempotent within a process and
// stable across restarts. If storage is unavailable the identifier still
// stays stable for the lifetime of this process, but a new one is minted
// on the next start; that degradation is logged, not fatal.
func (s *Store) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id != "" {
		return s.id
	}

	if data, err := os.ReadFile(s.path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			s.id = id
			return s.id
		}
	}

	s.id = uuid.NewString()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		s.logger.Warn("session storage unavailable, identifier will not survive restart",
			"error", err, "path", s.path)
		return s.id
	}
	if err := os.WriteFile(s.path, []byte(s.id+"\n"), 0600); err != nil {
		s.logger.Warn("failed to persist session identifier",
			"error", err, "path", s.path)
	}

	return s.id
}
