package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dgellow/kvoauth/internal/config"
	"github.com/dgellow/kvoauth/internal/cookie"
	"github.com/dgellow/kvoauth/internal/crypto"
	"github.com/dgellow/kvoauth/internal/flow"
	"github.com/dgellow/kvoauth/internal/log"
	"github.com/dgellow/kvoauth/internal/oauth"
	"github.com/dgellow/kvoauth/internal/provider"
	"github.com/dgellow/kvoauth/internal/server"
	"github.com/dgellow/kvoauth/internal/session"
	"github.com/dgellow/kvoauth/internal/storage"
)

// KVOAuth is the assembled application: one store, one provider client and
// the HTTP server in front of them
type KVOAuth struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	store      storage.Store
	sweeper    *storage.Sweeper

	closeOnce sync.Once
	closeErr  error
}

// pinger is implemented by backends that can report connectivity
type pinger interface {
	Ping(ctx context.Context) error
}

// NewKVOAuth builds the application from cfg. The store is opened here
// and released by Close.
func NewKVOAuth(ctx context.Context, cfg config.Config) (*KVOAuth, error) {
	log.LogInfoWithFields("kvoauth", "Building application", map[string]any{
		"addr":     cfg.Server.Addr,
		"baseURL":  cfg.Server.BaseURL,
		"provider": string(cfg.Provider.Kind),
		"storage":  string(cfg.Storage.Kind),
	})

	var baseURL *url.URL
	if cfg.Server.BaseURL != "" {
		u, err := url.Parse(cfg.Server.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		baseURL = u
	}

	client, err := provider.NewClient(ctx, provider.FromConfig(cfg.Provider))
	if err != nil {
		return nil, fmt.Errorf("failed to setup provider: %w", err)
	}

	store, err := setupStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	sessions, err := setupSessions(store, cfg.Sessions)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to setup sessions: %w", err)
	}

	controller := flow.NewController(flow.Config{
		Sessions:               sessions,
		SiteSessionTTL:         cfg.Sessions.SiteSessionTTL,
		SiteCookie:             siteCookieOptions(cfg.Cookie),
		AllowedRedirectOrigins: cfg.Server.AllowedRedirectOrigins,
	})

	handler := buildHTTPHandler(cfg, controller, client, healthCheck(store), baseURL)

	var sweeper *storage.Sweeper
	if cfg.Storage.Kind != config.StorageRedis {
		sweeper = storage.NewSweeper(store, cfg.Storage.CleanupInterval, session.OAuthNamespace, session.SiteNamespace)
	}

	return &KVOAuth{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		store:      store,
		sweeper:    sweeper,
	}, nil
}

// Handler returns the fully wrapped HTTP handler
func (k *KVOAuth) Handler() http.Handler {
	return k.handler
}

// Run serves until SIGINT, SIGTERM or a server error, then shuts down
func (k *KVOAuth) Run() error {
	log.LogInfoWithFields("kvoauth", "Starting application", map[string]any{
		"addr": k.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if k.sweeper != nil {
		k.sweeper.Start(ctx)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := k.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	var runErr error
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("kvoauth", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		runErr = err
		log.LogErrorWithFields("kvoauth", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("kvoauth", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := k.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("kvoauth", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		if runErr == nil {
			runErr = err
		}
	}

	if err := k.Close(); err != nil && runErr == nil {
		runErr = err
	}

	log.LogInfoWithFields("kvoauth", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return runErr
}

// Close stops the sweeper and closes the store. Safe to call more than once.
func (k *KVOAuth) Close() error {
	k.closeOnce.Do(func() {
		if k.sweeper != nil {
			k.sweeper.Stop()
		}
		k.closeErr = k.store.Close()
	})
	return k.closeErr
}

// setupStorage opens the configured backend
func setupStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Kind {
	case config.StorageRedis:
		if cfg.Redis == nil {
			return nil, &config.MissingConfigError{Name: "storage.redis"}
		}
		rc := storage.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  string(cfg.Redis.Password),
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}
		if s := cfg.Redis.Sentinel; s != nil {
			rc.Sentinel = &storage.SentinelConfig{
				MasterName:    s.MasterName,
				SentinelAddrs: s.Addrs,
			}
		}
		log.LogInfoWithFields("storage", "Using Redis storage", map[string]any{
			"addr":      rc.Addr,
			"sentinel":  rc.Sentinel != nil,
			"keyPrefix": rc.KeyPrefix,
		})
		return storage.NewRedisStore(ctx, rc)

	case config.StorageSQLite:
		if cfg.SQLite == nil {
			return nil, &config.MissingConfigError{Name: "storage.sqlite.path"}
		}
		log.LogInfoWithFields("storage", "Using SQLite storage", map[string]any{
			"path": cfg.SQLite.Path,
		})
		return storage.NewSQLiteStore(ctx, cfg.SQLite.Path)

	case config.StorageFirestore:
		if cfg.Firestore == nil {
			return nil, &config.MissingConfigError{Name: "storage.firestore.project"}
		}
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":    cfg.Firestore.Project,
			"database":   cfg.Firestore.Database,
			"collection": cfg.Firestore.Collection,
		})
		return storage.NewFirestoreStore(ctx, storage.FirestoreConfig{
			ProjectID:  cfg.Firestore.Project,
			Database:   cfg.Firestore.Database,
			Collection: cfg.Firestore.Collection,
		})

	case config.StorageMemory, "":
		log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
		return storage.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}

func setupSessions(store storage.Store, cfg config.SessionsConfig) (*session.Store, error) {
	var opts []session.Option
	if cfg.OAuthSessionTTL > 0 {
		opts = append(opts, session.WithOAuthSessionTTL(cfg.OAuthSessionTTL))
	}
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptorFromBase64(string(cfg.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		opts = append(opts, session.WithEncryptor(enc))
		log.LogDebug("site session payloads are encrypted at rest")
	}
	return session.NewStore(store, opts...), nil
}

func siteCookieOptions(cfg config.CookieConfig) *cookie.Options {
	if cfg.Domain == "" && cfg.SiteName == "" {
		return nil
	}
	return &cookie.Options{Name: cfg.SiteName, Domain: cfg.Domain}
}

func healthCheck(store storage.Store) server.HealthChecker {
	if p, ok := store.(pinger); ok {
		return p.Ping
	}
	return nil
}

// buildHTTPHandler mounts the routes and wraps them in the shared middleware
func buildHTTPHandler(
	cfg config.Config,
	controller *flow.Controller,
	client oauth.Client,
	health server.HealthChecker,
	baseURL *url.URL,
) http.Handler {
	router := server.NewRouter(server.RouterConfig{
		Auth:           server.NewAuthHandlers(controller, client, nil),
		Health:         server.NewHealthHandler(health),
		AllowedOrigins: cfg.Server.AllowedRedirectOrigins,
	})

	// Listed innermost first. The base URL rewrite must happen before any
	// cookie decision; the logger sits outside recovery so panics are
	// logged with their request id and a 500 status.
	return server.ChainMiddleware(router,
		server.NewBaseURLMiddleware(baseURL),
		server.NewSecurityHeadersMiddleware(),
		server.NewRecoverMiddleware("http"),
		server.NewLoggerMiddleware("http"),
	)
}
