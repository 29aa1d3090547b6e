// Package provider turns a provider description into an OAuth client.
// Well-known providers only need credentials; generic OIDC providers are
// resolved through discovery.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgellow/kvoauth/internal/config"
	"github.com/dgellow/kvoauth/internal/envutil"
	"github.com/dgellow/kvoauth/internal/log"
	"github.com/dgellow/kvoauth/internal/oauth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/oauth2/github"
)

// Config describes one OAuth provider
type Config struct {
	Kind         config.ProviderKind
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// Scopes defaults per kind when empty
	Scopes []string

	// Domain is the tenant host for okta and auth0 ("dev-123.okta.com")
	Domain string
	// Issuer is the OIDC issuer used for discovery
	Issuer string
	// AuthorizationURL and TokenURL configure custom providers
	AuthorizationURL string
	TokenURL         string

	// HTTPClient is used for discovery and token requests
	HTTPClient *http.Client
}

// FromConfig converts the resolved file configuration
func FromConfig(p config.ProviderConfig) Config {
	return Config{
		Kind:             p.Kind,
		ClientID:         p.ClientID,
		ClientSecret:     string(p.ClientSecret),
		RedirectURI:      p.RedirectURI,
		Scopes:           p.Scopes,
		Domain:           p.Domain,
		Issuer:           p.Issuer,
		AuthorizationURL: p.AuthorizationURL,
		TokenURL:         p.TokenURL,
	}
}

var defaultScopes = map[config.ProviderKind][]string{
	config.ProviderGitHub:  {"read:user", "user:email"},
	config.ProviderGoogle:  {"openid", "email", "profile"},
	config.ProviderGitLab:  {"read_user"},
	config.ProviderDiscord: {"identify", "email"},
	config.ProviderOkta:    {"openid", "email", "profile", "offline_access"},
	config.ProviderAuth0:   {"openid", "email", "profile", "offline_access"},
	config.ProviderOIDC:    {"openid", "email", "profile"},
}

// withDefaults fills credentials from <KIND>_CLIENT_ID and
// <KIND>_CLIENT_SECRET and scopes from the per-kind defaults
func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = envutil.Prefixed(string(c.Kind), "CLIENT_ID")
	}
	if c.ClientSecret == "" {
		c.ClientSecret = envutil.Prefixed(string(c.Kind), "CLIENT_SECRET")
	}
	if len(c.Scopes) == 0 {
		c.Scopes = defaultScopes[c.Kind]
	}
	return c
}

func envName(kind config.ProviderKind, name string) string {
	return strings.ToUpper(strings.ReplaceAll(string(kind), "-", "_")) + "_" + name
}

// Validate reports the first missing value after env defaults apply
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Kind == "" {
		return &config.MissingConfigError{Name: "provider.kind"}
	}
	if c.ClientID == "" {
		return &config.MissingConfigError{Name: envName(c.Kind, "CLIENT_ID")}
	}
	if c.ClientSecret == "" {
		return &config.MissingConfigError{Name: envName(c.Kind, "CLIENT_SECRET")}
	}
	if c.RedirectURI == "" {
		return &config.MissingConfigError{Name: "provider.redirectUri"}
	}

	switch c.Kind {
	case config.ProviderOkta, config.ProviderAuth0:
		if c.Domain == "" {
			return &config.MissingConfigError{Name: "provider.domain"}
		}
	case config.ProviderOIDC:
		if c.Issuer == "" {
			return &config.MissingConfigError{Name: "provider.issuer"}
		}
	case config.ProviderCustom:
		if c.AuthorizationURL == "" {
			return &config.MissingConfigError{Name: "provider.authorizationUrl"}
		}
		if c.TokenURL == "" {
			return &config.MissingConfigError{Name: "provider.tokenUrl"}
		}
	}
	return nil
}

// Endpoint resolves the authorization and token endpoints. Only oidc
// performs network I/O.
func (c Config) Endpoint(ctx context.Context) (oauth2.Endpoint, error) {
	switch c.Kind {
	case config.ProviderGitHub:
		return github.Endpoint, nil
	case config.ProviderGoogle:
		return endpoints.Google, nil
	case config.ProviderGitLab:
		return endpoints.GitLab, nil
	case config.ProviderDiscord:
		return endpoints.Discord, nil
	case config.ProviderOkta:
		base := "https://" + strings.TrimSuffix(c.Domain, "/") + "/oauth2/default/v1"
		return oauth2.Endpoint{AuthURL: base + "/authorize", TokenURL: base + "/token"}, nil
	case config.ProviderAuth0:
		base := "https://" + strings.TrimSuffix(c.Domain, "/")
		return oauth2.Endpoint{AuthURL: base + "/authorize", TokenURL: base + "/oauth/token"}, nil
	case config.ProviderOIDC:
		return Discover(ctx, c.Issuer, c.HTTPClient)
	case config.ProviderCustom:
		return oauth2.Endpoint{AuthURL: c.AuthorizationURL, TokenURL: c.TokenURL}, nil
	default:
		return oauth2.Endpoint{}, fmt.Errorf("unknown provider kind: %s", c.Kind)
	}
}

// OAuth2Config validates c and builds the oauth2 configuration
func (c Config) OAuth2Config(ctx context.Context) (*oauth2.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c = c.withDefaults()

	endpoint, err := c.Endpoint(ctx)
	if err != nil {
		return nil, err
	}

	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint:     endpoint,
	}, nil
}

// NewClient builds the authorization code client for c
func NewClient(ctx context.Context, c Config) (*oauth.CodeGrantClient, error) {
	cfg, err := c.OAuth2Config(ctx)
	if err != nil {
		return nil, err
	}

	var opts []oauth.ClientOption
	if c.HTTPClient != nil {
		opts = append(opts, oauth.WithHTTPClient(c.HTTPClient))
	}

	log.LogInfoWithFields("provider", "OAuth provider configured", map[string]any{
		"kind":     string(c.Kind),
		"authURL":  cfg.Endpoint.AuthURL,
		"tokenURL": cfg.Endpoint.TokenURL,
		"scopes":   cfg.Scopes,
	})
	return oauth.NewCodeGrantClient(cfg, opts...), nil
}
