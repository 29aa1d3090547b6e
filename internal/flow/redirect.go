package flow

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/dgellow/kvoauth/internal/cookie"
	"github.com/dgellow/kvoauth/internal/log"
)

// SuccessURLParam is the query parameter naming where to land after
// sign-in or sign-out
const SuccessURLParam = "success_url"

// RedirectResponder builds redirects and decides where a completed flow
// lands. Only same-origin targets, relative paths and the configured
// extra origins are ever honoured.
type RedirectResponder struct {
	allowedOrigins []string
}

// NewRedirectResponder allows success URLs on the request's own origin
// plus any of allowedOrigins ("https://app.example.com")
func NewRedirectResponder(allowedOrigins ...string) *RedirectResponder {
	normalized := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if u, err := url.Parse(o); err == nil && u.Scheme != "" && u.Host != "" {
			normalized = append(normalized, originOf(u))
		}
	}
	return &RedirectResponder{allowedOrigins: normalized}
}

// Redirect returns a 302 to location
func (rr *RedirectResponder) Redirect(location string) *Response {
	h := make(http.Header)
	h.Set("Location", location)
	h.Set("Cache-Control", "no-store")
	return &Response{StatusCode: http.StatusFound, Header: h}
}

// ResolveSuccessURL picks the post-flow destination for r: the
// success_url query parameter, else a same-origin Referer, else "/".
//
// success_url is narrower than an arbitrary URL. It must be an absolute
// path starting with "/", or an http(s) URL on the request's origin or on
// one of the allowed origins. Anything else, including a cross-origin URL
// that is not allowed and a path-relative reference such as "dashboard",
// is dropped and resolution continues with the Referer.
func (rr *RedirectResponder) ResolveSuccessURL(r *http.Request) string {
	origin := requestOrigin(r)

	if target := r.URL.Query().Get(SuccessURLParam); target != "" {
		if rr.acceptable(target, origin, true) {
			return target
		}
		log.LogWarnWithFields("flow", "Ignoring disallowed success_url", map[string]any{
			"success_url": target,
		})
	}

	if ref := r.Referer(); ref != "" && rr.acceptable(ref, origin, false) {
		return ref
	}

	return "/"
}

// acceptable reports whether target may be redirected to. Relative
// references are only accepted from the query parameter; a Referer is
// always absolute.
func (rr *RedirectResponder) acceptable(target, origin string, allowRelative bool) bool {
	// Browsers treat backslashes as slashes, so "/\evil.com" is
	// protocol-relative
	if strings.ContainsAny(target, "\\\r\n\t") {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}

	if u.Scheme == "" && u.Host == "" {
		return allowRelative && strings.HasPrefix(u.Path, "/") && !strings.HasPrefix(target, "//")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	o := originOf(u)
	if o == origin {
		return true
	}
	// Referers from other allowed origins are still foreign: only an
	// explicit success_url may leave the current origin
	return allowRelative && slices.Contains(rr.allowedOrigins, o)
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// requestOrigin is the scheme://host the request was addressed to
func requestOrigin(r *http.Request) string {
	return originOf(requestURL(r))
}

// requestURL reconstructs the absolute URL of r
func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	if cookie.IsSecureOrigin(r) {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	if u.Host == "" {
		u.Host = r.Host
	}
	return &u
}
