// Package storage provides the key-value store that backs OAuth and site
// sessions, with memory, Redis, SQLite and Firestore implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a key doesn't exist or has expired
var ErrNotFound = errors.New("key not found")

// Kind identifies a storage backend
type Kind string

const (
	KindMemory    Kind = "memory"
	KindRedis     Kind = "redis"
	KindSQLite    Kind = "sqlite"
	KindFirestore Kind = "firestore"
)

// Key is a composite key: a namespace segment plus an identifier
type Key struct {
	Namespace string
	ID        string
}

// String renders the key as "namespace/id"
func (k Key) String() string {
	return k.Namespace + "/" + k.ID
}

func (k Key) validate() error {
	if k.Namespace == "" {
		return errors.New("key namespace cannot be empty")
	}
	if strings.Contains(k.Namespace, "/") {
		return fmt.Errorf("key namespace %q cannot contain '/'", k.Namespace)
	}
	if k.ID == "" {
		return errors.New("key id cannot be empty")
	}
	return nil
}

// Entry is a listed key with its expiry. A zero ExpiresAt means the entry
// never expires.
type Entry struct {
	Key       Key
	ExpiresAt time.Time
}

// Expired reports whether the entry's TTL has elapsed at now
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is a consistent mapping from composite keys to opaque values.
// Implementations must be safe for concurrent use. Every read is strongly
// consistent: a value written by Set is visible to the next Get.
type Store interface {
	// Get returns the value for key, or ErrNotFound if it is absent or expired.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set writes value under key. A ttl of zero or less stores it without expiry.
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error

	// Replace overwrites key only while it holds a live value and returns
	// ErrNotFound otherwise. It never recreates a deleted or expired key.
	Replace(ctx context.Context, key Key, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// GetDelete atomically reads and removes key. Of any number of
	// concurrent callers for the same key, at most one receives the value;
	// the rest get ErrNotFound.
	GetDelete(ctx context.Context, key Key) ([]byte, error)

	// List returns every entry stored under namespace. Expired entries that
	// have not been reclaimed yet may be included; check Entry.Expired.
	List(ctx context.Context, namespace string) ([]Entry, error)

	// Close releases the backend connection.
	Close() error
}

// expiryFor converts a ttl into an absolute expiry; zero means none
func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
