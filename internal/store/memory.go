package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps session positions in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) GetLastToken(ctx context.Context, sessionKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[sessionKey]
	if !ok {
		return "", ErrNotFound
	}
	return e.Token, nil
}

func (s *MemoryStore) PutLastToken(ctx context.Context, sessionKey, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[sessionKey] = Entry{
		SessionKey: sessionKey,
		Token:      token,
		UpdatedAt:  s.now(),
	}
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionKey)
	return nil
}

// List returns all entries sorted by session key.
func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedEntries(s.entries), nil
}

func sortedEntries(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return strings.Compare(a.SessionKey, b.SessionKey)
	})
	return out
}

func (s *MemoryStore) Close() error { return nil }

var _ Backend = (*MemoryStore)(nil)
