package server

import (
	"errors"
	"net/http"

	"github.com/dgellow/kvoauth/internal/flow"
	jsonwriter "github.com/dgellow/kvoauth/internal/json"
	"github.com/dgellow/kvoauth/internal/log"
	"github.com/dgellow/kvoauth/internal/oauth"
	"github.com/dgellow/kvoauth/internal/session"
)

// AuthHandlers exposes the flow controller as HTTP routes
type AuthHandlers struct {
	controller *flow.Controller
	client     oauth.Client
	callback   *flow.CallbackOptions
}

// NewAuthHandlers creates the route handlers. callback may carry a
// SessionData hook and cookie overrides; nil uses the defaults.
func NewAuthHandlers(controller *flow.Controller, client oauth.Client, callback *flow.CallbackOptions) *AuthHandlers {
	return &AuthHandlers{
		controller: controller,
		client:     client,
		callback:   callback,
	}
}

// SignInHandler starts the authorization code flow
func (h *AuthHandlers) SignInHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := h.controller.SignIn(r, h.client, nil)
	if err != nil {
		writeFlowError(w, r, "signin", err)
		return
	}
	resp.Write(w)
}

// CallbackHandler completes the flow at the provider's redirect. A failed
// callback still expires the OAuth cookie, its session is single use.
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.controller.HandleCallback(r, h.client, h.callback)
	if err != nil {
		if c := h.controller.ClearOAuthCookie(r, h.callback); c != nil {
			http.SetCookie(w, c)
		}
		writeFlowError(w, r, "callback", err)
		return
	}
	result.Response.Write(w)
}

// SignOutHandler ends the site session
func (h *AuthHandlers) SignOutHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := h.controller.SignOut(r, h.sessionOptions())
	if err != nil {
		writeFlowError(w, r, "signout", err)
		return
	}
	resp.Write(w)
}

// SessionResponse is the body of GET /session
type SessionResponse struct {
	SignedIn bool `json:"signedIn"`
}

// SessionHandler reports whether the request carries a live site session
func (h *AuthHandlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := h.controller.GetSessionID(r, h.sessionOptions())
	if err != nil {
		writeFlowError(w, r, "session", err)
		return
	}
	_ = jsonwriter.Write(w, SessionResponse{SignedIn: id != ""})
}

func (h *AuthHandlers) sessionOptions() *flow.SessionOptions {
	if h.callback == nil || h.callback.Cookie == nil {
		return nil
	}
	return &flow.SessionOptions{Cookie: h.callback.Cookie}
}

// writeFlowError maps flow failures to status codes: the client's fault is
// 400, an unreachable store 503, anything else 500
func writeFlowError(w http.ResponseWriter, r *http.Request, route string, err error) {
	fields := map[string]any{
		"route":      route,
		"request_id": RequestID(r.Context()),
		"error":      err.Error(),
	}

	var perr *oauth.ProtocolError
	var serr *session.StorageError
	switch {
	case errors.Is(err, flow.ErrMissingCookie):
		log.LogDebugWithFields("server", "Request without session cookie", fields)
		jsonwriter.WriteBadRequest(w, "Missing session cookie. Start the sign-in again.")
	case errors.Is(err, session.ErrSessionNotFound):
		log.LogDebugWithFields("server", "Unknown or expired OAuth session", fields)
		jsonwriter.WriteBadRequest(w, "Sign-in expired or already completed. Start the sign-in again.")
	case errors.As(err, &perr):
		log.LogWarnWithFields("server", "OAuth protocol error", fields)
		jsonwriter.WriteOAuthError(w, string(perr.Code), perr.Description)
	case errors.As(err, &serr):
		log.LogErrorWithFields("server", "Session storage unavailable", fields)
		jsonwriter.WriteServiceUnavailable(w, "Session storage is unavailable")
	default:
		log.LogErrorWithFields("server", "Request failed", fields)
		jsonwriter.WriteInternalServerError(w, "Internal Server Error")
	}
}
