package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsonwriter "github.com/dgellow/kvoauth/internal/json"
	"github.com/dgellow/kvoauth/internal/log"
)

// HTTPServer manages the HTTP server lifecycle
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer creates a new HTTP server with the given handler and address
func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// HealthChecker reports whether a dependency is usable
type HealthChecker func(ctx context.Context) error

// HealthHandler handles health check requests
type HealthHandler struct {
	check HealthChecker
}

// NewHealthHandler creates a new health handler. check may be nil.
func NewHealthHandler(check HealthChecker) *HealthHandler {
	return &HealthHandler{check: check}
}

// ServeHTTP implements http.Handler for health checks
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.check(ctx); err != nil {
			log.LogWarnWithFields("http", "Health check failed", map[string]any{
				"error": err.Error(),
			})
			_ = jsonwriter.WriteResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	_ = jsonwriter.Write(w, map[string]string{"status": "ok"})
}

// RouterConfig holds what NewRouter mounts
type RouterConfig struct {
	Auth           *AuthHandlers
	Health         http.Handler
	AllowedOrigins []string
}

// NewRouter mounts the auth routes and the health endpoint. Everything
// else is a JSON 404.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /signin", cfg.Auth.SignInHandler)
	mux.HandleFunc("GET /callback", cfg.Auth.CallbackHandler)
	mux.HandleFunc("GET /signout", cfg.Auth.SignOutHandler)
	mux.HandleFunc("POST /signout", cfg.Auth.SignOutHandler)
	mux.Handle("/session", ChainMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			jsonwriter.WriteMethodNotAllowed(w, "Use GET")
			return
		}
		cfg.Auth.SessionHandler(w, r)
	}), NewCORSMiddleware(cfg.AllowedOrigins)))

	health := cfg.Health
	if health == nil {
		health = NewHealthHandler(nil)
	}
	mux.Handle("GET /health", health)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		jsonwriter.WriteNotFound(w, "Not Found")
	})

	return mux
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	log.LogInfoWithFields("http", "HTTP server starting", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	log.LogInfoWithFields("http", "HTTP server stopping", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.LogInfoWithFields("http", "HTTP server stopped", map[string]any{
		"addr": h.server.Addr,
	})
	return nil
}
