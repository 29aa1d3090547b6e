package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/dgellow/kvoauth/internal/flow"
	jsonwriter "github.com/dgellow/kvoauth/internal/json"
	"github.com/dgellow/kvoauth/internal/oauth"
	"github.com/dgellow/kvoauth/internal/session"
	"github.com/dgellow/kvoauth/internal/storage"
	"github.com/dgellow/kvoauth/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, kv storage.Store, client oauth.Client) http.Handler {
	t.Helper()
	sessions := session.NewStore(kv)
	controller := flow.NewController(flow.Config{Sessions: sessions})
	return NewRouter(RouterConfig{Auth: NewAuthHandlers(controller, client, nil)})
}

func decodeError(t *testing.T, body io.Reader) jsonwriter.ErrorResponse {
	t.Helper()
	var resp jsonwriter.ErrorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp
}

func TestAuthRoutes_EndToEnd(t *testing.T) {
	provider := testutil.NewFakeProvider(t)

	var handler http.Handler
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(app.Close)

	client := oauth.NewCodeGrantClient(provider.Config(app.URL+"/callback", "read"))
	handler = ChainMiddleware(newTestRouter(t, storage.NewMemoryStore(), client), NewLoggerMiddleware("test"))

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	browser := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	signedIn := func() bool {
		resp, err := browser.Get(app.URL + "/session")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body SessionResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body.SignedIn
	}

	assert.False(t, signedIn())

	// Sign in
	resp, err := browser.Get(app.URL + "/signin?success_url=/dashboard")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	authURI, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	callback := provider.CallbackURL(t, authURI, app.URL+"/callback")

	// Provider redirects back
	resp, err = browser.Get(callback.String())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))
	assert.Equal(t, int64(1), provider.TokenCalls())
	assert.True(t, signedIn())

	// Replaying the callback fails: the OAuth cookie is gone
	resp, err = browser.Get(callback.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Sign out
	resp, err = browser.Get(app.URL + "/signout")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	assert.False(t, signedIn())
}

func TestCallbackErrors(t *testing.T) {
	provider := testutil.NewFakeProvider(t)
	client := oauth.NewCodeGrantClient(provider.Config("http://x.com/callback"))

	t.Run("missing cookie", func(t *testing.T) {
		router := newTestRouter(t, storage.NewMemoryStore(), client)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://x.com/callback?code=c&state=s", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "bad_request", decodeError(t, w.Body).Error)
		assert.Empty(t, w.Result().Cookies())
	})

	t.Run("unknown session", func(t *testing.T) {
		router := newTestRouter(t, storage.NewMemoryStore(), client)
		r := httptest.NewRequest(http.MethodGet, "http://x.com/callback?code=c&state=s", nil)
		r.AddCookie(&http.Cookie{Name: "oauth-session", Value: "stale"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, "oauth-session", cookies[0].Name)
		assert.Negative(t, cookies[0].MaxAge)
	})

	t.Run("provider error redirect", func(t *testing.T) {
		router := newTestRouter(t, storage.NewMemoryStore(), client)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://x.com/signin", nil))
		require.Equal(t, http.StatusFound, w.Code)
		oauthCookie := w.Result().Cookies()[0]

		r := httptest.NewRequest(http.MethodGet, "http://x.com/callback?error=access_denied&error_description=User+declined", nil)
		r.AddCookie(&http.Cookie{Name: oauthCookie.Name, Value: oauthCookie.Value})
		w = httptest.NewRecorder()
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeError(t, w.Body)
		assert.Equal(t, "access_denied", resp.Error)
		assert.Equal(t, "User declined", resp.Message)
		assert.Zero(t, provider.TokenCalls())

		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, oauthCookie.Name, cookies[0].Name)
		assert.Empty(t, cookies[0].Value)
		assert.Negative(t, cookies[0].MaxAge)
	})

	t.Run("store unavailable", func(t *testing.T) {
		kv := &testutil.MockStore{}
		kv.On("GetDelete", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
		router := newTestRouter(t, kv, client)

		r := httptest.NewRequest(http.MethodGet, "http://x.com/callback?code=c&state=s", nil)
		r.AddCookie(&http.Cookie{Name: "oauth-session", Value: "abc"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "service_unavailable", decodeError(t, w.Body).Error)
		kv.AssertExpectations(t)
	})
}

func TestSignInErrors(t *testing.T) {
	t.Run("client failure is internal", func(t *testing.T) {
		client := &testutil.MockOAuthClient{}
		client.On("AuthorizationURI", mock.Anything).Return(nil, errors.New("boom"))
		router := newTestRouter(t, storage.NewMemoryStore(), client)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://x.com/signin", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "internal_server_error", decodeError(t, w.Body).Error)
	})

	t.Run("store failure is unavailable", func(t *testing.T) {
		kv := &testutil.MockStore{}
		kv.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("read only replica"))
		provider := testutil.NewFakeProvider(t)
		router := newTestRouter(t, kv, oauth.NewCodeGrantClient(provider.Config("http://x.com/callback")))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://x.com/signin", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Empty(t, w.Result().Cookies())
	})
}

func TestSignOutWithoutCookie(t *testing.T) {
	kv := &testutil.MockStore{}
	router := newTestRouter(t, kv, &testutil.MockOAuthClient{})

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, "http://x.com/signout", nil))

		assert.Equal(t, http.StatusFound, w.Code, method)
		assert.Equal(t, "/", w.Header().Get("Location"))
		assert.Empty(t, w.Result().Cookies())
	}
	kv.AssertExpectations(t)
}

func TestRouterFallbacks(t *testing.T) {
	router := newTestRouter(t, storage.NewMemoryStore(), &testutil.MockOAuthClient{})

	t.Run("unknown route", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not_found", decodeError(t, w.Body).Error)
	})

	t.Run("session requires get", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/session", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})
}
