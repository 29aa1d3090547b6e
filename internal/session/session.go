package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/kvoauth/internal/oauth"
)

// Key namespaces for the two record families
const (
	OAuthNamespace = "oauth_sessions"
	SiteNamespace  = "site_sessions"
)

const (
	// DefaultOAuthSessionTTL bounds the sign-in round trip, matching the
	// recommended maximum authorization code lifetime
	DefaultOAuthSessionTTL = 10 * time.Minute

	// DefaultSiteSessionTTL is how long a signed-in browser stays signed in
	DefaultSiteSessionTTL = 90 * 24 * time.Hour
)

// ErrSessionNotFound is returned when a session identifier does not
// resolve. Expired, consumed and forged identifiers all look the same.
var ErrSessionNotFound = errors.New("session not found")

// StorageError wraps a failure of the underlying key-value store, so
// callers can tell "infrastructure is down" from "needs to sign in again"
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// OAuthSession correlates a sign-in attempt with its callback
type OAuthSession struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
	SuccessURL   string `json:"success_url"`
}

// SiteSession anchors a signed-in browser to its tokens and whatever the
// application chose to keep alongside them
type SiteSession struct {
	Tokens    *oauth.Tokens   `json:"tokens,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	// ExpiresAt is zero for sessions stored without a TTL
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// DecodeData unmarshals the application payload into v. It is a no-op
// when the session carries no payload.
func (s *SiteSession) DecodeData(v any) error {
	if len(s.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("decoding session data: %w", err)
	}
	return nil
}

// remaining returns the TTL left at now, or zero if the session never
// expires. ok is false once the session has expired.
func (s *SiteSession) remaining(now time.Time) (ttl time.Duration, ok bool) {
	if s.ExpiresAt.IsZero() {
		return 0, true
	}
	ttl = s.ExpiresAt.Sub(now)
	return ttl, ttl > 0
}
