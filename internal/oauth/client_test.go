package oauth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/dgellow/kvoauth/internal/oauth"
	"github.com/dgellow/kvoauth/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const redirectURL = "http://app.example.com/callback"

func newClient(t *testing.T) (*oauth.CodeGrantClient, *testutil.FakeProvider) {
	t.Helper()
	p := testutil.NewFakeProvider(t)
	return oauth.NewCodeGrantClient(p.Config(redirectURL, "read", "write")), p
}

func TestAuthorizationURI(t *testing.T) {
	c, _ := newClient(t)

	t.Run("includes state and S256 challenge", func(t *testing.T) {
		auth, err := c.AuthorizationURI(oauth.AuthorizationRequest{State: "state-1"})
		require.NoError(t, err)

		q := auth.URI.Query()
		assert.Equal(t, "state-1", q.Get("state"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, redirectURL, q.Get("redirect_uri"))
		assert.Equal(t, "read write", q.Get("scope"))
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.Equal(t, oauth.S256Challenge(auth.CodeVerifier), q.Get("code_challenge"))
	})

	t.Run("fresh verifier per request", func(t *testing.T) {
		a, err := c.AuthorizationURI(oauth.AuthorizationRequest{State: "a"})
		require.NoError(t, err)
		b, err := c.AuthorizationURI(oauth.AuthorizationRequest{State: "b"})
		require.NoError(t, err)
		assert.NotEqual(t, a.CodeVerifier, b.CodeVerifier)
	})

	t.Run("scopes override configuration", func(t *testing.T) {
		auth, err := c.AuthorizationURI(oauth.AuthorizationRequest{State: "s", Scopes: []string{"openid", "email"}})
		require.NoError(t, err)
		assert.Equal(t, "openid email", auth.URI.Query().Get("scope"))
	})

	t.Run("state required", func(t *testing.T) {
		_, err := c.AuthorizationURI(oauth.AuthorizationRequest{})
		assert.Error(t, err)
	})
}

func TestToken(t *testing.T) {
	ctx := context.Background()

	t.Run("exchanges code with verifier", func(t *testing.T) {
		c, p := newClient(t)
		auth, err := c.AuthorizationURI(oauth.AuthorizationRequest{State: "st"})
		require.NoError(t, err)

		tokens, err := c.Token(ctx, p.CallbackURL(t, auth.URI, redirectURL), oauth.TokenRequest{
			State:        "st",
			CodeVerifier: auth.CodeVerifier,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, tokens.AccessToken)
		assert.NotEmpty(t, tokens.RefreshToken)
		assert.Equal(t, "Bearer", tokens.TokenType)
		assert.Equal(t, int64(3600), tokens.ExpiresIn)
		assert.Equal(t, "read", tokens.Scope)
		assert.WithinDuration(t, time.Now().Add(time.Hour), tokens.Expiry, time.Minute)
	})

	t.Run("wrong verifier is a protocol error", func(t *testing.T) {
		c, p := newClient(t)
		auth, err := c.AuthorizationURI(oauth.AuthorizationRequest{State: "st"})
		require.NoError(t, err)

		_, err = c.Token(ctx, p.CallbackURL(t, auth.URI, redirectURL), oauth.TokenRequest{
			State:        "st",
			CodeVerifier: oauth2.GenerateVerifier(),
		})
		var perr *oauth.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, oauth.ErrInvalidGrant, perr.Code)
		assert.Contains(t, perr.Description, "PKCE")
	})

	t.Run("state mismatch never reaches the provider", func(t *testing.T) {
		c, p := newClient(t)
		auth, err := c.AuthorizationURI(oauth.AuthorizationRequest{State: "expected"})
		require.NoError(t, err)
		cb := p.CallbackURL(t, auth.URI, redirectURL)

		_, err = c.Token(ctx, cb, oauth.TokenRequest{State: "other", CodeVerifier: auth.CodeVerifier})
		var perr *oauth.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, oauth.ErrStateMismatch, perr.Code)
		assert.Zero(t, p.TokenCalls())
	})

	t.Run("error redirect", func(t *testing.T) {
		c, _ := newClient(t)
		cb, err := url.Parse(redirectURL + "?error=access_denied&error_description=user+said+no&error_uri=https%3A%2F%2Fidp%2Fhelp&state=st")
		require.NoError(t, err)

		_, err = c.Token(ctx, cb, oauth.TokenRequest{State: "st"})
		var perr *oauth.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, oauth.ErrAccessDenied, perr.Code)
		assert.Equal(t, "user said no", perr.Description)
		assert.Equal(t, "https://idp/help", perr.URI)
	})

	t.Run("missing code", func(t *testing.T) {
		c, _ := newClient(t)
		cb, err := url.Parse(redirectURL + "?state=st")
		require.NoError(t, err)

		_, err = c.Token(ctx, cb, oauth.TokenRequest{State: "st"})
		var perr *oauth.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, oauth.ErrMissingCode, perr.Code)
	})

	t.Run("token endpoint error code", func(t *testing.T) {
		c, p := newClient(t)
		p.FailWith = "invalid_client"
		auth, err := c.AuthorizationURI(oauth.AuthorizationRequest{State: "st"})
		require.NoError(t, err)

		_, err = c.Token(ctx, p.CallbackURL(t, auth.URI, redirectURL), oauth.TokenRequest{State: "st", CodeVerifier: auth.CodeVerifier})
		var perr *oauth.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, oauth.ErrInvalidClient, perr.Code)
	})

	t.Run("malformed token response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
		}))
		defer srv.Close()

		c := oauth.NewCodeGrantClient(&oauth2.Config{
			ClientID: "id",
			Endpoint: oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
		})
		cb, err := url.Parse(redirectURL + "?code=c&state=st")
		require.NoError(t, err)

		_, err = c.Token(ctx, cb, oauth.TokenRequest{State: "st", CodeVerifier: "v"})
		var perr *oauth.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, oauth.ErrInvalidTokenResponse, perr.Code)
	})

	t.Run("status without error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c := oauth.NewCodeGrantClient(&oauth2.Config{
			ClientID: "id",
			Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
		})
		cb, err := url.Parse(redirectURL + "?code=c&state=st")
		require.NoError(t, err)

		_, err = c.Token(ctx, cb, oauth.TokenRequest{State: "st", CodeVerifier: "v"})
		var perr *oauth.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, oauth.ErrInvalidTokenResponse, perr.Code)
		assert.Contains(t, perr.Description, "502")
	})

	t.Run("network failure is not a protocol error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		tokenURL := srv.URL
		srv.Close()

		c := oauth.NewCodeGrantClient(&oauth2.Config{
			ClientID: "id",
			Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		})
		cb, err := url.Parse(redirectURL + "?code=c&state=st")
		require.NoError(t, err)

		_, err = c.Token(ctx, cb, oauth.TokenRequest{State: "st", CodeVerifier: "v"})
		require.Error(t, err)
		var perr *oauth.ProtocolError
		assert.False(t, errors.As(err, &perr))
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	c, p := newClient(t)

	auth, err := c.AuthorizationURI(oauth.AuthorizationRequest{State: "st"})
	require.NoError(t, err)
	tokens, err := c.Token(ctx, p.CallbackURL(t, auth.URI, redirectURL), oauth.TokenRequest{State: "st", CodeVerifier: auth.CodeVerifier})
	require.NoError(t, err)

	t.Run("keeps refresh token when not rotated", func(t *testing.T) {
		refreshed, err := c.Refresh(ctx, tokens.RefreshToken)
		require.NoError(t, err)
		assert.NotEqual(t, tokens.AccessToken, refreshed.AccessToken)
		assert.Equal(t, tokens.RefreshToken, refreshed.RefreshToken)
		assert.Equal(t, int64(1), p.RefreshCalls())
	})

	t.Run("unknown refresh token", func(t *testing.T) {
		_, err := c.Refresh(ctx, "bogus")
		var perr *oauth.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, oauth.ErrInvalidGrant, perr.Code)
	})

	t.Run("empty refresh token", func(t *testing.T) {
		_, err := c.Refresh(ctx, "")
		assert.Error(t, err)
	})
}

func TestTokensExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&oauth.Tokens{}).Expired(now))
	assert.False(t, (&oauth.Tokens{Expiry: now.Add(time.Hour)}).Expired(now))
	assert.True(t, (&oauth.Tokens{Expiry: now.Add(5 * time.Second)}).Expired(now))
	assert.True(t, (&oauth.Tokens{Expiry: now.Add(-time.Second)}).Expired(now))
}

func TestProtocolErrorMessage(t *testing.T) {
	assert.Equal(t, "oauth: invalid_grant: code expired", oauth.NewProtocolError(oauth.ErrInvalidGrant, "code expired").Error())
	assert.Equal(t, "oauth: access_denied", (&oauth.ProtocolError{Code: oauth.ErrAccessDenied}).Error())
}
