// Package cookie maps session identifiers to and from cookies.
//
// Origin security is decided from the request URL alone. Forwarding
// headers such as X-Forwarded-Proto are client-controlled and are never
// consulted; deployments behind a TLS-terminating proxy configure their
// public base URL instead.
package cookie

import (
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/kvoauth/internal/log"
)

// Base names of the session cookies
const (
	OAuthSession = "oauth-session"
	SiteSession  = "site-session"
)

const (
	hostPrefix   = "__Host-"
	securePrefix = "__Secure-"
)

// Options overrides cookie attributes. Zero fields keep the defaults.
type Options struct {
	Name   string
	Domain string
	Path   string
	// MaxAge replaces the session TTL as the cookie lifetime
	MaxAge time.Duration
}

// Merge returns o with every non-zero field of override applied on top.
// Either side may be nil.
func (o *Options) Merge(override *Options) *Options {
	if o == nil {
		return override
	}
	if override == nil {
		return o
	}
	merged := *o
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Domain != "" {
		merged.Domain = override.Domain
	}
	if override.Path != "" {
		merged.Path = override.Path
	}
	if override.MaxAge > 0 {
		merged.MaxAge = override.MaxAge
	}
	return &merged
}

// Name returns base with the __Host- prefix on secure origins
func Name(base string, secure bool) string {
	if secure {
		return hostPrefix + base
	}
	return base
}

// IsSecureOrigin reports whether r arrived over HTTPS
func IsSecureOrigin(r *http.Request) bool {
	if r.URL != nil && r.URL.Scheme != "" {
		return strings.EqualFold(r.URL.Scheme, "https")
	}
	return r.TLS != nil
}

// resolveName applies the naming rule and overrides. Browsers reject
// __Host- cookies that carry a Domain or a Path other than "/", so those
// fall back to __Secure-.
func resolveName(base string, secure bool, opts *Options) string {
	if opts != nil && opts.Name != "" {
		return opts.Name
	}
	name := Name(base, secure)
	if secure && opts != nil && (opts.Domain != "" || (opts.Path != "" && opts.Path != "/")) {
		name = securePrefix + base
	}
	return name
}

// ReadSessionID returns the identifier carried by the origin-appropriate
// cookie, or "" if the request has none
func ReadSessionID(r *http.Request, base string, opts *Options) string {
	c, err := r.Cookie(resolveName(base, IsSecureOrigin(r), opts))
	if err != nil {
		return ""
	}
	return c.Value
}

// Build returns the Set-Cookie for value. ttl is the backing session's
// lifetime; Options.MaxAge, when set, wins over it.
func Build(base, value string, secure bool, ttl time.Duration, opts *Options) *http.Cookie {
	c := &http.Cookie{
		Name:     resolveName(base, secure, opts),
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl.Seconds())
	}
	applyOverrides(c, opts)
	if opts != nil && opts.MaxAge > 0 {
		c.MaxAge = int(opts.MaxAge.Seconds())
	}

	log.LogTraceWithFields("cookie", "Session cookie built", map[string]any{
		"name":   c.Name,
		"maxAge": c.MaxAge,
		"secure": secure,
	})
	return c
}

// BuildDelete returns a Set-Cookie that expires the cookie written by
// Build with the same base, origin and overrides
func BuildDelete(base string, secure bool, opts *Options) *http.Cookie {
	c := &http.Cookie{
		Name:     resolveName(base, secure, opts),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
	applyOverrides(c, opts)

	log.LogTraceWithFields("cookie", "Session cookie cleared", map[string]any{
		"name": c.Name,
	})
	return c
}

func applyOverrides(c *http.Cookie, opts *Options) {
	if opts == nil {
		return
	}
	if opts.Domain != "" {
		c.Domain = opts.Domain
	}
	if opts.Path != "" {
		c.Path = opts.Path
	}
}
