package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsales/fieldsync/internal/config"
	"github.com/fieldsales/fieldsync/internal/events"
	"github.com/fieldsales/fieldsync/internal/models"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger := events.NewTestLogger(events.ErrorLevel, "text", &bytes.Buffer{})
	return NewClient(&config.APIConfig{
		BaseURL:        baseURL,
		RequestTimeout: 5 * time.Second,
		UserAgent:      "fieldsync-test",
	}, logger)
}

func TestDoJSONSuccess(t *testing.T) {
	var gotAuth, gotAgent, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.String()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"srv-1","version":1}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	c.SetToken("token-1")

	var out struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	err := c.DoJSON(context.Background(), http.MethodPost, "/api/v1/customers",
		map[string]string{"name": "Acme"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "srv-1", out.ID)
	assert.Equal(t, 1, out.Version)
	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "fieldsync-test", gotAgent)
	assert.JSONEq(t, `{"name":"Acme"}`, gotBody)
}

func TestDoJSONNoAuthHeaderWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	require.NoError(t, c.DoJSON(context.Background(), http.MethodGet, "/api/v1/ping", nil, nil))
}

func TestDoJSONUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"token expired"}`))
	}))
	defer srv.Close()

	err := testClient(t, srv.URL).DoJSON(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, models.IsUnauthorized(err))

	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "token expired", apiErr.Message)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestDoJSONVersionConflictCarriesServerSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{
            "code": "VERSION_CONFLICT",
            "message": "stale version",
            "server": {"id": "srv-1", "version": 4, "name": "renamed upstream"}
        }`))
	}))
	defer srv.Close()

	err := testClient(t, srv.URL).DoJSON(context.Background(), http.MethodPut, "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, models.IsVersionConflict(err))
	assert.False(t, models.IsTransient(err))

	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.JSONEq(t, `{"id":"srv-1","version":4,"name":"renamed upstream"}`, string(apiErr.Server))
}

func TestDoJSONCodeInferredFromStatus(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, models.ErrCodeUnauthorized},
		{http.StatusConflict, models.ErrCodeVersionConflict},
		{http.StatusNotFound, models.ErrCodeNotFound},
		{http.StatusTooManyRequests, models.ErrCodeRateLimit},
		{http.StatusBadGateway, models.ErrCodeServerError},
		{http.StatusUnprocessableEntity, models.ErrCodeValidation},
	}

	for _, tc := range cases {
		status := tc.status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Bodies without a code field still classify.
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"boom"}`))
		}))

		err := testClient(t, srv.URL).DoJSON(context.Background(), http.MethodGet, "/x", nil, nil)
		srv.Close()

		var apiErr *models.APIError
		require.ErrorAs(t, err, &apiErr, "status %d", tc.status)
		assert.Equal(t, tc.code, apiErr.Code, "status %d", tc.status)
	}
}

func TestDoJSONServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := testClient(t, srv.URL).DoJSON(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
	assert.False(t, models.IsUnauthorized(err))
}

func TestDoJSONNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream proxy error"))
	}))
	defer srv.Close()

	err := testClient(t, srv.URL).DoJSON(context.Background(), http.MethodGet, "/x", nil, nil)

	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, models.ErrCodeServerError, apiErr.Code)
	assert.Equal(t, "upstream proxy error", apiErr.Message)
}

func TestDoJSONContextCancellation(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := testClient(t, srv.URL).DoJSON(ctx, http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	// A cancelled or timed-out call classifies as transient so the queue
	// processor retries it.
	assert.True(t, models.IsTransient(err))
}

func TestDoJSONBadResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	var out map[string]interface{}
	err := testClient(t, srv.URL).DoJSON(context.Background(), http.MethodGet, "/x", nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse response")
}

func TestTokenIsConcurrencySafe(t *testing.T) {
	c := testClient(t, "http://unused")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			c.SetToken("t")
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		_ = c.Token()
	}
	<-done

	assert.Equal(t, "t", c.Token())
}

func TestDoJSONAcceptsEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var out json.RawMessage
	require.NoError(t, testClient(t, srv.URL).DoJSON(context.Background(), http.MethodDelete, "/x", nil, &out))
	assert.Empty(t, out)
}
