package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsales/fieldsync/internal/config"
	"github.com/fieldsales/fieldsync/internal/events"
	"github.com/fieldsales/fieldsync/internal/models"
	"github.com/fieldsales/fieldsync/internal/store"
	"github.com/fieldsales/fieldsync/internal/transport"
)

func testCoordinator(t *testing.T, baseURL string) *Coordinator {
	t.Helper()

	logger := events.NewTestLogger(events.ErrorLevel, "text", &bytes.Buffer{})

	st, err := store.Open(filepath.Join(t.TempDir(), "auth.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	client := transport.NewClient(&config.APIConfig{
		BaseURL:        baseURL,
		RequestTimeout: 5 * time.Second,
		UserAgent:      "fieldsync-test",
	}, logger)

	return NewCoordinator(client, st, logger)
}

func tokenResponse(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_at":    time.Now().Add(time.Hour),
		"user":          map[string]string{"id": "u1", "email": "rep@example.com"},
	})
}

func TestLoginCachesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/auth/login", r.URL.Path)
		tokenResponse(w, "access-1", "refresh-1")
	}))
	defer srv.Close()

	c := testCoordinator(t, srv.URL)
	require.NoError(t, c.Login(context.Background(), "rep@example.com", "secret"))

	assert.Equal(t, "access-1", c.AccessToken())
	require.NotNil(t, c.Session())
	assert.Equal(t, "rep@example.com", c.Session().User.Email)
	assert.Equal(t, "access-1", c.client.Token())
}

func TestLoadRestoresSession(t *testing.T) {
	c := testCoordinator(t, "http://unused")

	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken:  "cached-access",
		RefreshToken: "cached-refresh",
		User:         models.User{ID: "u1", Email: "rep@example.com"},
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	// A second coordinator over the same store simulates a restart.
	logger := events.NewTestLogger(events.ErrorLevel, "text", &bytes.Buffer{})
	client := transport.NewClient(&config.APIConfig{
		BaseURL:        "http://unused",
		RequestTimeout: time.Second,
	}, logger)
	restarted := NewCoordinator(client, c.store, logger)

	require.NoError(t, restarted.Load())
	assert.Equal(t, "cached-access", restarted.AccessToken())
	assert.Equal(t, "cached-access", client.Token())
}

func TestLoadWithoutCachedSession(t *testing.T) {
	c := testCoordinator(t, "http://unused")
	require.NoError(t, c.Load())
	assert.Empty(t, c.AccessToken())
}

// TestRefreshSingleFlight fires many concurrent refreshes and asserts a
// single network call serves all of them.
func TestRefreshSingleFlight(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/auth/refresh", r.URL.Path)
		atomic.AddInt32(&calls, 1)
		time.Sleep(100 * time.Millisecond)
		tokenResponse(w, "access-2", "refresh-2")
	}))
	defer srv.Close()

	c := testCoordinator(t, srv.URL)
	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		User:         models.User{ID: "u1", Email: "rep@example.com"},
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Refresh(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, "access-2", c.AccessToken())
	assert.Equal(t, "rep@example.com", c.Session().User.Email)
}

func TestRefreshAfterSettleCallsAgain(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			tokenResponse(w, "access-2", "refresh-2")
			return
		}
		tokenResponse(w, "access-3", "refresh-3")
	}))
	defer srv.Close()

	c := testCoordinator(t, srv.URL)
	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, c.Refresh(context.Background()))

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "access-3", c.AccessToken())
}

func TestRefreshFailureSharedByAllWaiters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"refresh token revoked"}`))
	}))
	defer srv.Close()

	c := testCoordinator(t, srv.URL)
	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	const workers = 5
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Refresh(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, models.IsUnauthorized(err))
	}

	// The old credential stays in place; the caller decides what to do.
	assert.Equal(t, "access-1", c.AccessToken())
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	c := testCoordinator(t, "http://unused")
	assert.ErrorIs(t, c.Refresh(context.Background()), models.ErrNoRefreshToken)

	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken: "access-only",
		ExpiresAt:   time.Now().Add(time.Minute),
	}))
	assert.ErrorIs(t, c.Refresh(context.Background()), models.ErrNoRefreshToken)
}

func TestRefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenResponse(w, "access-2", "")
	}))
	defer srv.Close()

	c := testCoordinator(t, srv.URL)
	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, "refresh-1", c.Session().RefreshToken)
}

func TestClearWipesEverywhere(t *testing.T) {
	c := testCoordinator(t, "http://unused")
	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	require.NoError(t, c.Clear())

	assert.Empty(t, c.AccessToken())
	assert.Nil(t, c.Session())
	assert.Empty(t, c.client.Token())

	_, err := c.store.LoadSession()
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestClearDuringRefreshDiscardsResult logs out while a refresh is in
// flight and asserts the settled refresh does not resurrect the wiped
// credential.
func TestClearDuringRefreshDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		tokenResponse(w, "access-2", "refresh-2")
	}))
	defer srv.Close()

	c := testCoordinator(t, srv.URL)
	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()

	<-started
	require.NoError(t, c.Clear())
	close(release)

	assert.ErrorIs(t, <-done, models.ErrNotAuthenticated)
	assert.Empty(t, c.AccessToken())
	assert.Nil(t, c.Session())
	assert.Empty(t, c.client.Token())

	_, err := c.store.LoadSession()
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestLoginDuringRefreshIsNotClobbered re-authenticates while a refresh
// is in flight; the stale refresh result must not overwrite the newer
// credential.
func TestLoginDuringRefreshIsNotClobbered(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		tokenResponse(w, "stale-access", "stale-refresh")
	}))
	defer srv.Close()

	c := testCoordinator(t, srv.URL)
	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()

	<-started
	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
	close(release)

	assert.NoError(t, <-done)
	assert.Equal(t, "fresh-access", c.AccessToken())
	assert.Equal(t, "fresh-refresh", c.Session().RefreshToken)
	assert.Equal(t, "fresh-access", c.client.Token())

	stored, err := c.store.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", stored.AccessToken)
}

func TestEnsureFreshRefreshesNearExpiry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		tokenResponse(w, "access-2", "refresh-2")
	}))
	defer srv.Close()

	c := testCoordinator(t, srv.URL)
	require.NoError(t, c.CacheCredential(&models.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(30 * time.Second),
	}))

	require.NoError(t, c.EnsureFresh(context.Background(), time.Minute))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "access-2", c.AccessToken())

	// Well inside the validity window, no network call happens.
	require.NoError(t, c.EnsureFresh(context.Background(), time.Minute))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEnsureFreshWithoutSession(t *testing.T) {
	c := testCoordinator(t, "http://unused")
	assert.ErrorIs(t, c.EnsureFresh(context.Background(), time.Minute), models.ErrNotAuthenticated)
}
