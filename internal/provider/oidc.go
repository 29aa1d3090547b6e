package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// discoveryClaims are the endpoints read from the discovery document
type discoveryClaims struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported"`
}

// Discover fetches the issuer's discovery document. go-oidc checks that
// the document names the same issuer; the endpoints must also be HTTPS
// unless the issuer itself is plain HTTP.
func Discover(ctx context.Context, issuer string, client *http.Client) (oauth2.Endpoint, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	var claims discoveryClaims
	if err := p.Claims(&claims); err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("failed to read discovery document: %w", err)
	}
	if err := checkEndpoints(issuer, claims); err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("invalid discovery document: %w", err)
	}

	return p.Endpoint(), nil
}

func checkEndpoints(issuer string, claims discoveryClaims) error {
	iss, err := url.Parse(issuer)
	if err != nil {
		return err
	}
	for name, raw := range map[string]string{
		"authorization_endpoint": claims.AuthorizationEndpoint,
		"token_endpoint":         claims.TokenEndpoint,
	} {
		if raw == "" {
			return fmt.Errorf("%s is missing", name)
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if u.Scheme != "https" && !(u.Scheme == "http" && iss.Scheme == "http") {
			return fmt.Errorf("%s must use https", name)
		}
	}
	if len(claims.CodeChallengeMethods) > 0 && !slices.Contains(claims.CodeChallengeMethods, "S256") {
		return fmt.Errorf("provider does not support S256 PKCE")
	}
	return nil
}
