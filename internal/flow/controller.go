// Package flow drives the authorization code flow: sign-in, callback,
// sign-out and session lookup. Every operation takes a plain
// *http.Request and returns a Response, leaving routing and status
// mapping to the caller.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/kvoauth/internal/cookie"
	"github.com/dgellow/kvoauth/internal/crypto"
	"github.com/dgellow/kvoauth/internal/log"
	"github.com/dgellow/kvoauth/internal/oauth"
	"github.com/dgellow/kvoauth/internal/session"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrMissingCookie is returned when a callback arrives without the
	// OAuth cookie, or a token lookup without the site cookie
	ErrMissingCookie = errors.New("missing session cookie")

	// ErrNoTokens is returned by Tokens for sessions created without tokens
	ErrNoTokens = errors.New("session has no tokens")

	// ErrTokenExpired is returned by Tokens when the access token has
	// expired and there is no refresh token to renew it
	ErrTokenExpired = errors.New("access token expired")
)

// Config configures a Controller
type Config struct {
	Sessions *session.Store

	// SiteSessionTTL defaults to session.DefaultSiteSessionTTL
	SiteSessionTTL time.Duration

	// SiteCookie holds deployment-wide site cookie overrides (domain,
	// name). Per-call options are applied on top.
	SiteCookie *cookie.Options

	// AllowedRedirectOrigins lists extra origins a success_url may name
	AllowedRedirectOrigins []string

	Now func() time.Time
}

// Controller runs the flow. It is safe for concurrent use.
type Controller struct {
	sessions   *session.Store
	siteTTL    time.Duration
	siteCookie *cookie.Options
	responder  *RedirectResponder
	refresh    singleflight.Group
	now        func() time.Time
}

// NewController creates a Controller
func NewController(cfg Config) *Controller {
	c := &Controller{
		sessions:   cfg.Sessions,
		siteTTL:    cfg.SiteSessionTTL,
		siteCookie: cfg.SiteCookie,
		responder:  NewRedirectResponder(cfg.AllowedRedirectOrigins...),
		now:        cfg.Now,
	}
	if c.siteTTL <= 0 {
		c.siteTTL = session.DefaultSiteSessionTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Responder returns the redirect responder used by the controller
func (c *Controller) Responder() *RedirectResponder {
	return c.responder
}

// SignInOptions adjusts a single sign-in
type SignInOptions struct {
	// URLParams are added to the authorization URI. Parameters the OAuth
	// client already set are never replaced.
	URLParams url.Values
	// Scopes replaces the client's configured scopes
	Scopes []string
	// Cookie overrides OAuth cookie attributes
	Cookie *cookie.Options
}

// CallbackOptions adjusts a single callback
type CallbackOptions struct {
	// OAuthCookie must match the SignInOptions.Cookie used at sign-in
	OAuthCookie *cookie.Options
	// Cookie overrides site cookie attributes
	Cookie *cookie.Options
	// SessionTTL overrides the controller's site session TTL
	SessionTTL time.Duration
	// SessionData builds the application payload stored with the site
	// session. An error aborts the callback before the session exists.
	SessionData func(ctx context.Context, tokens *oauth.Tokens) (any, error)
}

// CallbackResult is a completed callback
type CallbackResult struct {
	Response  *Response
	SessionID string
	Tokens    *oauth.Tokens
}

// SessionOptions locates the site cookie for sign-out and lookups
type SessionOptions struct {
	Cookie *cookie.Options
}

func (o *SessionOptions) cookieOptions() *cookie.Options {
	if o == nil {
		return nil
	}
	return o.Cookie
}

// SignIn starts a flow: it records the state and PKCE verifier in a fresh
// OAuth session, sets the OAuth cookie and redirects to the provider
func (c *Controller) SignIn(r *http.Request, client oauth.Client, opts *SignInOptions) (*Response, error) {
	if opts == nil {
		opts = &SignInOptions{}
	}
	ctx := r.Context()

	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}

	auth, err := client.AuthorizationURI(oauth.AuthorizationRequest{State: state, Scopes: opts.Scopes})
	if err != nil {
		return nil, fmt.Errorf("building authorization URI: %w", err)
	}
	authURI := appendParams(auth.URI, opts.URLParams)

	successURL := c.responder.ResolveSuccessURL(r)

	id, err := c.sessions.CreateOAuthSession(ctx, state, auth.CodeVerifier, successURL)
	if err != nil {
		return nil, err
	}

	secure := cookie.IsSecureOrigin(r)
	resp := c.responder.Redirect(authURI.String())
	resp.SetCookie(cookie.Build(cookie.OAuthSession, id, secure, c.sessions.OAuthSessionTTL(), opts.Cookie))

	log.LogInfoWithFields("flow", "Sign-in started", map[string]any{
		"session":     log.Fingerprint(id),
		"success_url": successURL,
		"secure":      secure,
	})
	return resp, nil
}

// HandleCallback completes a flow. The OAuth session is consumed before
// the code exchange, so a failed exchange cannot be retried with the same
// cookie; the user has to sign in again. On error no cookie is set, callers
// expire the dead OAuth cookie with ClearOAuthCookie.
func (c *Controller) HandleCallback(r *http.Request, client oauth.Client, opts *CallbackOptions) (*CallbackResult, error) {
	if opts == nil {
		opts = &CallbackOptions{}
	}
	ctx := r.Context()

	oauthID := cookie.ReadSessionID(r, cookie.OAuthSession, opts.OAuthCookie)
	if oauthID == "" {
		return nil, ErrMissingCookie
	}

	pending, err := c.sessions.ConsumeOAuthSession(ctx, oauthID)
	if err != nil {
		return nil, err
	}

	tokens, err := client.Token(ctx, requestURL(r), oauth.TokenRequest{
		State:        pending.State,
		CodeVerifier: pending.CodeVerifier,
	})
	if err != nil {
		log.LogWarnWithFields("flow", "Token exchange failed", map[string]any{
			"session": log.Fingerprint(oauthID),
			"error":   err.Error(),
		})
		return nil, err
	}

	site := &session.SiteSession{Tokens: tokens}
	if opts.SessionData != nil {
		v, err := opts.SessionData(ctx, tokens)
		if err != nil {
			return nil, fmt.Errorf("building session data: %w", err)
		}
		if site.Data, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("encoding session data: %w", err)
		}
	}

	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = c.siteTTL
	}
	siteID, err := c.sessions.CreateSiteSession(ctx, site, ttl)
	if err != nil {
		return nil, err
	}

	secure := cookie.IsSecureOrigin(r)
	resp := c.responder.Redirect(pending.SuccessURL)
	resp.SetCookie(cookie.Build(cookie.SiteSession, siteID, secure, ttl, c.siteCookie.Merge(opts.Cookie)))
	resp.SetCookie(cookie.BuildDelete(cookie.OAuthSession, secure, opts.OAuthCookie))

	log.LogInfoWithFields("flow", "Sign-in completed", map[string]any{
		"session": log.Fingerprint(siteID),
		"ttl":     ttl.String(),
	})
	return &CallbackResult{Response: resp, SessionID: siteID, Tokens: tokens}, nil
}

// ClearOAuthCookie returns an expired OAuth cookie for a failed callback,
// or nil if the request carried none
func (c *Controller) ClearOAuthCookie(r *http.Request, opts *CallbackOptions) *http.Cookie {
	var cookieOpts *cookie.Options
	if opts != nil {
		cookieOpts = opts.OAuthCookie
	}
	if cookie.ReadSessionID(r, cookie.OAuthSession, cookieOpts) == "" {
		return nil
	}
	return cookie.BuildDelete(cookie.OAuthSession, cookie.IsSecureOrigin(r), cookieOpts)
}

// SignOut deletes the site session and expires its cookie. Without a site
// cookie it only redirects.
func (c *Controller) SignOut(r *http.Request, opts *SessionOptions) (*Response, error) {
	resp := c.responder.Redirect(c.responder.ResolveSuccessURL(r))

	cookieOpts := c.siteCookie.Merge(opts.cookieOptions())
	id := cookie.ReadSessionID(r, cookie.SiteSession, cookieOpts)
	if id == "" {
		return resp, nil
	}

	if err := c.sessions.DeleteSiteSession(r.Context(), id); err != nil {
		return nil, err
	}
	resp.SetCookie(cookie.BuildDelete(cookie.SiteSession, cookie.IsSecureOrigin(r), cookieOpts))

	log.LogInfoWithFields("flow", "Signed out", map[string]any{
		"session": log.Fingerprint(id),
	})
	return resp, nil
}

// GetSessionID returns the site session identifier if the request carries
// one that is still live, else ""
func (c *Controller) GetSessionID(r *http.Request, opts *SessionOptions) (string, error) {
	id, sess, err := c.lookup(r, opts)
	if err != nil || sess == nil {
		return "", err
	}
	return id, nil
}

// GetSessionData decodes the application payload of the live site session
// into v. It reports false when not signed in.
func (c *Controller) GetSessionData(r *http.Request, v any, opts *SessionOptions) (bool, error) {
	_, sess, err := c.lookup(r, opts)
	if err != nil || sess == nil {
		return false, err
	}
	if err := sess.DecodeData(v); err != nil {
		return false, err
	}
	return true, nil
}

// Tokens returns the site session's tokens, refreshing them first when the
// access token has expired. Concurrent refreshes of one session share a
// single token endpoint call, which is detached from the cancellation of
// whichever request started it. A session signed out during the refresh
// stays signed out and Tokens returns session.ErrSessionNotFound.
func (c *Controller) Tokens(r *http.Request, client oauth.Client, opts *SessionOptions) (*oauth.Tokens, error) {
	ctx := r.Context()

	id := cookie.ReadSessionID(r, cookie.SiteSession, c.siteCookie.Merge(opts.cookieOptions()))
	if id == "" {
		return nil, ErrMissingCookie
	}
	sess, err := c.sessions.GetSiteSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}
	if sess.Tokens == nil {
		return nil, ErrNoTokens
	}
	if !sess.Tokens.Expired(c.now()) {
		return sess.Tokens, nil
	}

	v, err, shared := c.refresh.Do(id, func() (any, error) {
		return c.refreshSession(context.WithoutCancel(ctx), id, client)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.LogTraceWithFields("flow", "Joined in-flight token refresh", map[string]any{
			"session": log.Fingerprint(id),
		})
	}
	return v.(*oauth.Tokens), nil
}

func (c *Controller) refreshSession(ctx context.Context, id string, client oauth.Client) (*oauth.Tokens, error) {
	// Another instance may have refreshed while this one waited
	sess, err := c.sessions.GetSiteSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}
	if sess.Tokens == nil {
		return nil, ErrNoTokens
	}
	if !sess.Tokens.Expired(c.now()) {
		return sess.Tokens, nil
	}
	if !sess.Tokens.CanRefresh() {
		return nil, ErrTokenExpired
	}

	tokens, err := client.Refresh(ctx, sess.Tokens.RefreshToken)
	if err != nil {
		log.LogWarnWithFields("flow", "Token refresh failed", map[string]any{
			"session": log.Fingerprint(id),
			"error":   err.Error(),
		})
		return nil, err
	}

	sess.Tokens = tokens
	if err := c.sessions.UpdateSiteSession(ctx, id, sess); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			log.LogInfoWithFields("flow", "Session ended during token refresh", map[string]any{
				"session": log.Fingerprint(id),
			})
		}
		return nil, err
	}

	log.LogDebugWithFields("flow", "Tokens refreshed", map[string]any{
		"session": log.Fingerprint(id),
	})
	return tokens, nil
}

func (c *Controller) lookup(r *http.Request, opts *SessionOptions) (string, *session.SiteSession, error) {
	id := cookie.ReadSessionID(r, cookie.SiteSession, c.siteCookie.Merge(opts.cookieOptions()))
	if id == "" {
		return "", nil, nil
	}
	sess, err := c.sessions.GetSiteSession(r.Context(), id)
	if err != nil {
		return "", nil, err
	}
	return id, sess, nil
}

// appendParams adds extra to a copy of u, skipping keys u already has
func appendParams(u *url.URL, extra url.Values) *url.URL {
	out := *u
	if len(extra) == 0 {
		return &out
	}
	q := out.Query()
	for k, vs := range extra {
		if q.Has(k) {
			log.LogDebugWithFields("flow", "Ignoring extra authorization parameter", map[string]any{
				"param": k,
			})
			continue
		}
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	out.RawQuery = q.Encode()
	return &out
}
