package flow

import (
	"net/http"
)

// Response is a framework-neutral HTTP response: a status and headers.
// Flow responses never carry a body.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Location returns the redirect target
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// SetCookie appends a Set-Cookie header
func (r *Response) SetCookie(c *http.Cookie) {
	if v := c.String(); v != "" {
		r.Header.Add("Set-Cookie", v)
	}
}

// Cookies parses the Set-Cookie headers back into cookies
func (r *Response) Cookies() []*http.Cookie {
	return (&http.Response{Header: r.Header}).Cookies()
}

// Cookie returns the Set-Cookie with the given name, or nil
func (r *Response) Cookie(name string) *http.Cookie {
	for _, c := range r.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Write copies the response onto w
func (r *Response) Write(w http.ResponseWriter) {
	h := w.Header()
	for k, vs := range r.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	w.WriteHeader(r.StatusCode)
}
