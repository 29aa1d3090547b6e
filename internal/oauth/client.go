// Package oauth is the authorization code grant client used by the sign-in
// flow: it builds PKCE authorization URIs, exchanges callback codes and
// refreshes tokens over golang.org/x/oauth2.
package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// AuthorizationRequest carries the per-attempt inputs to the authorization URI
type AuthorizationRequest struct {
	State string
	// Scopes replaces the configured scopes when non-empty
	Scopes []string
}

// AuthorizationURI is where the browser is sent, plus the PKCE verifier
// that must be presented at the token endpoint
type AuthorizationURI struct {
	URI          *url.URL
	CodeVerifier string
}

// TokenRequest carries what sign-in persisted for the callback
type TokenRequest struct {
	State        string
	CodeVerifier string
}

// Client is the authorization code grant client
type Client interface {
	AuthorizationURI(req AuthorizationRequest) (*AuthorizationURI, error)
	Token(ctx context.Context, callbackURL *url.URL, req TokenRequest) (*Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
}

// CodeGrantClient implements Client on an oauth2.Config
type CodeGrantClient struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// Ensure CodeGrantClient implements Client
var _ Client = (*CodeGrantClient)(nil)

// ClientOption configures a CodeGrantClient
type ClientOption func(*CodeGrantClient)

// WithHTTPClient sets the client used for token endpoint calls
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *CodeGrantClient) {
		cl.httpClient = c
	}
}

// NewCodeGrantClient wraps cfg. Token endpoint calls time out after 30s
// unless a custom HTTP client is supplied.
func NewCodeGrantClient(cfg *oauth2.Config, opts ...ClientOption) *CodeGrantClient {
	c := &CodeGrantClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the underlying oauth2 configuration
func (c *CodeGrantClient) Config() *oauth2.Config {
	return c.config
}

// AuthorizationURI builds the authorization URL with an S256 code challenge
// derived from a fresh verifier
func (c *CodeGrantClient) AuthorizationURI(req AuthorizationRequest) (*AuthorizationURI, error) {
	if req.State == "" {
		return nil, errors.New("state is required")
	}

	verifier := oauth2.GenerateVerifier()
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if len(req.Scopes) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("scope", strings.Join(req.Scopes, " ")))
	}

	u, err := url.Parse(c.config.AuthCodeURL(req.State, opts...))
	if err != nil {
		return nil, fmt.Errorf("invalid authorization URL: %w", err)
	}

	return &AuthorizationURI{URI: u, CodeVerifier: verifier}, nil
}

// Token validates the callback URL against the expected state and exchanges
// its code. Error redirects, state mismatches and token endpoint rejections
// come back as *ProtocolError; transport failures are returned wrapped.
func (c *CodeGrantClient) Token(ctx context.Context, callbackURL *url.URL, req TokenRequest) (*Tokens, error) {
	q := callbackURL.Query()

	if code := q.Get("error"); code != "" {
		return nil, &ProtocolError{
			Code:        ErrorCode(code),
			Description: q.Get("error_description"),
			URI:         q.Get("error_uri"),
		}
	}

	if req.State == "" || subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(req.State)) != 1 {
		return nil, NewProtocolError(ErrStateMismatch, "callback state does not match the authorization request")
	}

	code := q.Get("code")
	if code == "" {
		return nil, NewProtocolError(ErrMissingCode, "callback is missing the authorization code")
	}

	tok, err := c.config.Exchange(c.context(ctx), code, oauth2.VerifierOption(req.CodeVerifier))
	if err != nil {
		return nil, mapTokenError(err)
	}
	return tokensFromOAuth2(tok), nil
}

// Refresh trades a refresh token for new tokens. The provider may omit a
// new refresh token, in which case the old one is kept.
func (c *CodeGrantClient) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	tok, err := c.config.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, mapTokenError(err)
	}
	return tokensFromOAuth2(tok), nil
}

func (c *CodeGrantClient) context(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func mapTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			return &ProtocolError{
				Code:        ErrorCode(re.ErrorCode),
				Description: re.ErrorDescription,
				URI:         re.ErrorURI,
			}
		}
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return NewProtocolError(ErrInvalidTokenResponse, fmt.Sprintf("token endpoint returned status %d", status))
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("token request failed: %w", err)
	}

	return NewProtocolError(ErrInvalidTokenResponse, err.Error())
}
