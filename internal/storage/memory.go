package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errClosed is returned by MemoryStore once Close has been called
var errClosed = errors.New("store is closed")

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a process-local Store. It is the default backend and the
// fake used by tests; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]memoryEntry
	now     func() time.Time
	closed  bool
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry checks
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[Key]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the stored value
func (s *MemoryStore) Get(_ context.Context, key Key) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}
	entry, ok := s.entries[key]
	if !ok || entry.expired(s.now()) {
		return nil, ErrNotFound
	}
	return cloneBytes(entry.value), nil
}

// Set stores a copy of value
func (s *MemoryStore) Set(_ context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := key.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	s.entries[key] = memoryEntry{
		value:     cloneBytes(value),
		expiresAt: expiryFor(s.now(), ttl),
	}
	return nil
}

// Replace overwrites key under the write lock if it is present and live
func (s *MemoryStore) Replace(_ context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := key.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	now := s.now()
	entry, ok := s.entries[key]
	if !ok || entry.expired(now) {
		return ErrNotFound
	}
	s.entries[key] = memoryEntry{
		value:     cloneBytes(value),
		expiresAt: expiryFor(now, ttl),
	}
	return nil
}

// Delete removes key if present
func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	delete(s.entries, key)
	return nil
}

// GetDelete reads and removes key under a single write lock
func (s *MemoryStore) GetDelete(_ context.Context, key Key) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errClosed
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.entries, key)
	if entry.expired(s.now()) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// List returns all entries in namespace, including expired ones that are
// still held in memory
func (s *MemoryStore) List(_ context.Context, namespace string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}
	var entries []Entry
	for key, entry := range s.entries {
		if key.Namespace == namespace {
			entries = append(entries, Entry{Key: key, ExpiresAt: entry.expiresAt})
		}
	}
	return entries, nil
}

// DeleteExpired removes expired entries in namespace
func (s *MemoryStore) DeleteExpired(_ context.Context, namespace string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errClosed
	}
	now := s.now()
	count := 0
	for key, entry := range s.entries {
		if key.Namespace == namespace && entry.expired(now) {
			delete(s.entries, key)
			count++
		}
	}
	return count, nil
}

// Close drops all entries. Subsequent calls fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.entries = nil
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
