package registry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/crypto"
)

// CredentialPersister saves the full credential map. Implementations must
// not retain the map.
type CredentialPersister interface {
	SaveCredentials(ctx context.Context, creds map[string]string) error
}

// CredentialStore maps usernames to stored password values.
type CredentialStore struct {
	mu      sync.Mutex
	entries map[string]string // username -> hasher output
	hasher  crypto.Hasher
	persist CredentialPersister // nil disables persistence
}

// NewCredentialStore creates a store seeded with initial, which is copied.
func NewCredentialStore(h crypto.Hasher, p CredentialPersister, initial map[string]string) *CredentialStore {
	entries := make(map[string]string, len(initial))
	maps.Copy(entries, initial)
	return &CredentialStore{entries: entries, hasher: h, persist: p}
}

// Register stores a password for username, replacing any existing entry,
// and persists the whole store. A persistence error is returned but the
// entry is kept.
func (s *CredentialStore) Register(username, password string) error {
	// Hash outside the lock; argon2 is deliberately slow.
	stored, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("registry: register %q: %w", username, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[username] = stored
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveCredentials(context.Background(), s.entries); err != nil {
		return fmt.Errorf("%w: credentials: %w", ErrPersistence, err)
	}
	return nil
}

// Validate reports whether username exists and password matches.
func (s *CredentialStore) Validate(username, password string) bool {
	s.mu.Lock()
	stored, ok := s.entries[username]
	s.mu.Unlock()
	if !ok {
		return false
	}
	match, err := crypto.Verify(password, stored)
	if err != nil {
		slog.Warn("stored credential unreadable", "user", username, "err", err)
		return false
	}
	return match
}

// Usernames returns all registered usernames, sorted.
func (s *CredentialStore) Usernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.entries))
}

// Len returns the number of registered users.
func (s *CredentialStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
