package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dgellow/kvoauth/internal/oauth"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	FakeClientID     = "test-client"
	FakeClientSecret = "test-secret"
)

// FakeProvider is an authorization server stand-in. Approve plays the part
// of the user consenting at /authorize; /token checks the PKCE verifier
// against the challenge seen at approval.
type FakeProvider struct {
	Server *httptest.Server

	// ExpiresIn is the access token lifetime in seconds. Zero omits it.
	ExpiresIn int64
	// FailWith makes the token endpoint answer with this OAuth error code
	FailWith string

	mu            sync.Mutex
	codes         map[string]string // code -> challenge
	refreshTokens map[string]bool
	counter       atomic.Int64
	tokenCalls    atomic.Int64
	refreshCalls  atomic.Int64
}

func NewFakeProvider(t testing.TB) *FakeProvider {
	t.Helper()
	p := &FakeProvider{
		ExpiresIn:     3600,
		codes:         make(map[string]string),
		refreshTokens: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", p.handleToken)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Config returns an oauth2 configuration pointing at the fake
func (p *FakeProvider) Config(redirectURL string, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     FakeClientID,
		ClientSecret: FakeClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.Server.URL + "/authorize",
			TokenURL:  p.Server.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Approve validates an authorization URI and returns the query the
// provider would redirect back with
func (p *FakeProvider) Approve(t testing.TB, authURI *url.URL) url.Values {
	t.Helper()
	q := authURI.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, FakeClientID, q.Get("client_id"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.NotEmpty(t, q.Get("state"))

	code := fmt.Sprintf("code-%d", p.counter.Add(1))
	p.mu.Lock()
	p.codes[code] = q.Get("code_challenge")
	p.mu.Unlock()

	return url.Values{"code": {code}, "state": {q.Get("state")}}
}

// CallbackURL approves authURI and returns redirectURL with the resulting
// code and state appended
func (p *FakeProvider) CallbackURL(t testing.TB, authURI *url.URL, redirectURL string) *url.URL {
	t.Helper()
	u, err := url.Parse(redirectURL)
	require.NoError(t, err)
	u.RawQuery = p.Approve(t, authURI).Encode()
	return u
}

// TokenCalls counts authorization code exchanges
func (p *FakeProvider) TokenCalls() int64 {
	return p.tokenCalls.Load()
}

// RefreshCalls counts refresh token grants
func (p *FakeProvider) RefreshCalls() int64 {
	return p.refreshCalls.Load()
}

func (p *FakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, string(oauth.ErrInvalidRequest), "malformed form")
		return
	}
	if p.FailWith != "" {
		writeTokenError(w, p.FailWith, "configured failure")
		return
	}
	if r.PostForm.Get("client_id") != FakeClientID || r.PostForm.Get("client_secret") != FakeClientSecret {
		writeTokenError(w, string(oauth.ErrInvalidClient), "bad client credentials")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.tokenCalls.Add(1)
		code := r.PostForm.Get("code")
		p.mu.Lock()
		challenge, ok := p.codes[code]
		delete(p.codes, code)
		p.mu.Unlock()
		if !ok {
			writeTokenError(w, string(oauth.ErrInvalidGrant), "unknown or reused code")
			return
		}
		if !oauth.VerifyPKCE(r.PostForm.Get("code_verifier"), challenge) {
			writeTokenError(w, string(oauth.ErrInvalidGrant), "PKCE verification failed")
			return
		}
		p.writeTokens(w, true)

	case "refresh_token":
		p.refreshCalls.Add(1)
		p.mu.Lock()
		known := p.refreshTokens[r.PostForm.Get("refresh_token")]
		p.mu.Unlock()
		if !known {
			writeTokenError(w, string(oauth.ErrInvalidGrant), "unknown refresh token")
			return
		}
		// The refresh token is not rotated
		p.writeTokens(w, false)

	default:
		writeTokenError(w, string(oauth.ErrUnsupportedGrantType), "")
	}
}

func (p *FakeProvider) writeTokens(w http.ResponseWriter, withRefresh bool) {
	n := p.counter.Add(1)
	resp := map[string]any{
		"access_token": fmt.Sprintf("access-%d", n),
		"token_type":   "Bearer",
		"scope":        "read",
	}
	if p.ExpiresIn > 0 {
		resp["expires_in"] = p.ExpiresIn
	}
	if withRefresh {
		rt := fmt.Sprintf("refresh-%d", n)
		p.mu.Lock()
		p.refreshTokens[rt] = true
		p.mu.Unlock()
		resp["refresh_token"] = rt
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeTokenError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
