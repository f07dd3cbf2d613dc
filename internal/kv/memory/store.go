// Package memory implements catalog.KVStore in process memory.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store keeps values in a map guarded by an RWMutex. Expired entries are
// dropped lazily on access.
type Store struct {
	mu      sync.RWMutex
	clock   catalog.Clock
	entries map[string]entry
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// NewStore constructs a Store. A nil clock uses the wall clock.
func NewStore(clock catalog.Clock) *Store {
	if clock == nil {
		clock = wallClock{}
	}
	return &Store{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	now := s.clock.Now()
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, catalog.ErrKeyNotFound
	}
	if e.expired(now) {
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur.expired(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, catalog.ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores a copy of value. ttl <= 0 keeps it until deleted.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

// Delete removes key; deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Keys lists live keys with the given prefix in lexical order.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0)
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
