package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgellow/kvoauth/internal/config"
	"github.com/dgellow/kvoauth/internal/storage"
	"github.com/dgellow/kvoauth/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	fake := testutil.NewFakeProvider(t)
	return config.Config{
		Version: config.Version,
		Server: config.ServerConfig{
			Addr:    "127.0.0.1:0",
			BaseURL: "https://auth.example.com",
		},
		Provider: config.ProviderConfig{
			Kind:             config.ProviderCustom,
			ClientID:         testutil.FakeClientID,
			ClientSecret:     config.Secret(testutil.FakeClientSecret),
			RedirectURI:      "https://auth.example.com/callback",
			AuthorizationURL: fake.Server.URL + "/authorize",
			TokenURL:         fake.Server.URL + "/token",
		},
		Storage: config.StorageConfig{Kind: config.StorageMemory, CleanupInterval: time.Minute},
		Sessions: config.SessionsConfig{
			OAuthSessionTTL: 10 * time.Minute,
			SiteSessionTTL:  24 * time.Hour,
		},
	}
}

func TestNewKVOAuth_Routes(t *testing.T) {
	app, err := NewKVOAuth(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		app.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	})

	t.Run("signin behind TLS terminating proxy", func(t *testing.T) {
		w := httptest.NewRecorder()
		app.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://10.0.0.7:8080/signin", nil))

		require.Equal(t, http.StatusFound, w.Code)
		loc, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "/authorize", loc.Path)
		assert.Equal(t, "https://auth.example.com/callback", loc.Query().Get("redirect_uri"))

		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, "__Host-oauth-session", cookies[0].Name)
		assert.True(t, cookies[0].Secure)
	})

	t.Run("unknown route", func(t *testing.T) {
		w := httptest.NewRecorder()
		app.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestNewKVOAuth_SiteCookieName(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cookie = config.CookieConfig{SiteName: "app-session"}
	app, err := NewKVOAuth(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	r := httptest.NewRequest(http.MethodGet, "/session", nil)
	r.AddCookie(&http.Cookie{Name: "app-session", Value: "unknown"})
	w := httptest.NewRecorder()
	app.Handler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"signedIn":false}`, w.Body.String())
}

func TestNewKVOAuth_Errors(t *testing.T) {
	t.Run("bad encryption key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Sessions.EncryptionKey = config.Secret("c2hvcnQ=")
		_, err := NewKVOAuth(context.Background(), cfg)
		assert.ErrorContains(t, err, "failed to setup sessions")
	})

	t.Run("provider misconfigured", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Provider.TokenURL = ""
		_, err := NewKVOAuth(context.Background(), cfg)
		var missing *config.MissingConfigError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "provider.tokenUrl", missing.Name)
	})

	t.Run("unknown storage", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Kind = "etcd"
		_, err := NewKVOAuth(context.Background(), cfg)
		assert.ErrorContains(t, err, "unknown storage kind")
	})

	t.Run("redis section missing", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Kind = config.StorageRedis
		_, err := NewKVOAuth(context.Background(), cfg)
		var missing *config.MissingConfigError
		assert.ErrorAs(t, err, &missing)
	})
}

func TestSetupStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite", func(t *testing.T) {
		store, err := setupStorage(ctx, config.StorageConfig{
			Kind:   config.StorageSQLite,
			SQLite: &config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "sessions.db")},
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		require.NotNil(t, healthCheck(store))
		assert.NoError(t, healthCheck(store)(ctx))
		assert.IsType(t, &storage.SQLiteStore{}, store)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := setupStorage(ctx, config.StorageConfig{
			Kind:  config.StorageRedis,
			Redis: &config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:"},
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		check := healthCheck(store)
		require.NotNil(t, check)
		assert.NoError(t, check(ctx))

		mr.Close()
		assert.Error(t, check(ctx))
	})

	t.Run("memory has no health check", func(t *testing.T) {
		store, err := setupStorage(ctx, config.StorageConfig{})
		require.NoError(t, err)
		assert.Nil(t, healthCheck(store))
	})
}

func TestKVOAuth_CloseOnce(t *testing.T) {
	kv := &testutil.MockStore{}
	kv.On("Close").Return(nil).Once()

	app := &KVOAuth{store: kv, sweeper: storage.NewSweeper(kv, time.Hour)}
	assert.NoError(t, app.Close())
	assert.NoError(t, app.Close())
	kv.AssertNumberOfCalls(t, "Close", 1)
}

func TestNewKVOAuth_RedisSkipsSweeper(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{
		Kind:  config.StorageRedis,
		Redis: &config.RedisConfig{Addr: mr.Addr()},
	}

	app, err := NewKVOAuth(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	assert.Nil(t, app.sweeper)

	w := httptest.NewRecorder()
	app.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
