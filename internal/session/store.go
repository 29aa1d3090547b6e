// Package session types the two session record families, OAuth sessions
// and site sessions, on top of a shared key-value store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/kvoauth/internal/crypto"
	"github.com/dgellow/kvoauth/internal/log"
	"github.com/dgellow/kvoauth/internal/storage"
)

// Store is the session record store. It holds no state of its own beyond
// the shared key-value handle it is constructed with.
type Store struct {
	kv        storage.Store
	oauthTTL  time.Duration
	encryptor crypto.Encryptor
	now       func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithOAuthSessionTTL overrides DefaultOAuthSessionTTL
func WithOAuthSessionTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.oauthTTL = ttl
		}
	}
}

// WithEncryptor seals site-session records at rest
func WithEncryptor(e crypto.Encryptor) Option {
	return func(s *Store) {
		s.encryptor = e
	}
}

// WithClock overrides the time source for CreatedAt/ExpiresAt
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore wraps an opened key-value store
func NewStore(kv storage.Store, opts ...Option) *Store {
	s := &Store{
		kv:       kv,
		oauthTTL: DefaultOAuthSessionTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OAuthSessionTTL is the lifetime given to new OAuth sessions
func (s *Store) OAuthSessionTTL() time.Duration {
	return s.oauthTTL
}

// Close closes the underlying key-value store. It must be called once, at
// shutdown.
func (s *Store) Close() error {
	return s.kv.Close()
}

func newID() (string, error) {
	id, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", &StorageError{Op: "generate id", Err: err}
	}
	return id, nil
}

// CreateOAuthSession stores a new OAuth session under a fresh identifier
func (s *Store) CreateOAuthSession(ctx context.Context, state, codeVerifier, successURL string) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(OAuthSession{
		State:        state,
		CodeVerifier: codeVerifier,
		SuccessURL:   successURL,
	})
	if err != nil {
		return "", fmt.Errorf("encoding oauth session: %w", err)
	}

	key := storage.Key{Namespace: OAuthNamespace, ID: id}
	if err := s.kv.Set(ctx, key, data, s.oauthTTL); err != nil {
		return "", &StorageError{Op: "create oauth session", Err: err}
	}

	log.LogDebugWithFields("session", "OAuth session created", map[string]any{
		"session": log.Fingerprint(id),
		"ttl":     s.oauthTTL.String(),
	})
	return id, nil
}

// ConsumeOAuthSession atomically reads and deletes the OAuth session.
// A second call with the same identifier returns ErrSessionNotFound.
func (s *Store) ConsumeOAuthSession(ctx context.Context, id string) (*OAuthSession, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}

	data, err := s.kv.GetDelete(ctx, storage.Key{Namespace: OAuthNamespace, ID: id})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, &StorageError{Op: "consume oauth session", Err: err}
	}

	var sess OAuthSession
	if err := json.Unmarshal(data, &sess); err != nil {
		// A record we cannot read is as good as absent; it is already deleted
		log.LogWarnWithFields("session", "Discarding malformed OAuth session", map[string]any{
			"session": log.Fingerprint(id),
			"error":   err.Error(),
		})
		return nil, ErrSessionNotFound
	}

	log.LogDebugWithFields("session", "OAuth session consumed", map[string]any{
		"session": log.Fingerprint(id),
	})
	return &sess, nil
}

// CreateSiteSession stores sess under a fresh identifier. A ttl of zero or
// less stores it without expiry.
func (s *Store) CreateSiteSession(ctx context.Context, sess *SiteSession, ttl time.Duration) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}

	now := s.now()
	sess.CreatedAt = now
	sess.ExpiresAt = time.Time{}
	if ttl > 0 {
		sess.ExpiresAt = now.Add(ttl)
	}

	if err := s.putSiteSession(ctx, id, sess, ttl, false); err != nil {
		return "", err
	}

	log.LogDebugWithFields("session", "Site session created", map[string]any{
		"session": log.Fingerprint(id),
		"ttl":     ttl.String(),
	})
	return id, nil
}

// GetSiteSession returns the live session for id, or nil when there is
// none. Not being signed in is not an error.
func (s *Store) GetSiteSession(ctx context.Context, id string) (*SiteSession, error) {
	if id == "" {
		return nil, nil
	}

	data, err := s.kv.Get(ctx, storage.Key{Namespace: SiteNamespace, ID: id})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, &StorageError{Op: "get site session", Err: err}
	}

	sess, err := s.decodeSiteSession(data)
	if err != nil {
		log.LogWarnWithFields("session", "Ignoring unreadable site session", map[string]any{
			"session": log.Fingerprint(id),
			"error":   err.Error(),
		})
		return nil, nil
	}
	if _, live := sess.remaining(s.now()); !live {
		return nil, nil
	}
	return sess, nil
}

// UpdateSiteSession overwrites an existing session, keeping its original
// expiry. It returns ErrSessionNotFound if the session has expired or was
// deleted, and never brings a deleted session back.
func (s *Store) UpdateSiteSession(ctx context.Context, id string, sess *SiteSession) error {
	if id == "" {
		return ErrSessionNotFound
	}
	ttl, ok := sess.remaining(s.now())
	if !ok {
		return ErrSessionNotFound
	}
	return s.putSiteSession(ctx, id, sess, ttl, true)
}

// DeleteSiteSession removes the session. Deleting a missing session is
// not an error.
func (s *Store) DeleteSiteSession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.kv.Delete(ctx, storage.Key{Namespace: SiteNamespace, ID: id}); err != nil {
		return &StorageError{Op: "delete site session", Err: err}
	}

	log.LogDebugWithFields("session", "Site session deleted", map[string]any{
		"session": log.Fingerprint(id),
	})
	return nil
}

func (s *Store) putSiteSession(ctx context.Context, id string, sess *SiteSession, ttl time.Duration, existing bool) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding site session: %w", err)
	}
	if s.encryptor != nil {
		if data, err = s.encryptor.Encrypt(data); err != nil {
			return fmt.Errorf("encrypting site session: %w", err)
		}
	}

	key := storage.Key{Namespace: SiteNamespace, ID: id}
	if !existing {
		if err := s.kv.Set(ctx, key, data, ttl); err != nil {
			return &StorageError{Op: "create site session", Err: err}
		}
		return nil
	}

	if err := s.kv.Replace(ctx, key, data, ttl); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionNotFound
		}
		return &StorageError{Op: "update site session", Err: err}
	}
	return nil
}

func (s *Store) decodeSiteSession(data []byte) (*SiteSession, error) {
	if s.encryptor != nil {
		var err error
		if data, err = s.encryptor.Decrypt(data); err != nil {
			return nil, err
		}
	}

	var sess SiteSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
