// Package auth owns the cached credential and the access-token refresh
// flow. Refresh is single-flight: concurrent callers that hit an
// unauthorized response rendezvous on one in-flight refresh instead of
// racing each other and invalidating each other's new tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fieldsales/fieldsync/internal/events"
	"github.com/fieldsales/fieldsync/internal/models"
	"github.com/fieldsales/fieldsync/internal/store"
	"github.com/fieldsales/fieldsync/internal/transport"
)

// Coordinator manages the single cached credential.
type Coordinator struct {
	client *transport.Client
	store  *store.Store
	logger *events.Logger

	mu       sync.Mutex
	session  *models.Session
	inflight *refreshCall

	// epoch counts credential hand-overs (login, logout). A refresh that
	// settles after the credential changed hands must not install its
	// result over the newer state.
	epoch uint64
}

// refreshCall is the shared handle all concurrent refresh callers await.
type refreshCall struct {
	done chan struct{}
	err  error
}

// NewCoordinator creates the coordinator. Call Load to pick up a
// credential cached by a previous run.
func NewCoordinator(client *transport.Client, st *store.Store, logger *events.Logger) *Coordinator {
	return &Coordinator{
		client: client,
		store:  st,
		logger: logger.WithField("service", "auth"),
	}
}

// Load restores the cached credential from the durable store, so a
// client restarted while offline keeps its identity.
func (c *Coordinator) Load() error {
	sess, err := c.store.LoadSession()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cached session: %w", err)
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.client.SetToken(sess.AccessToken)

	c.logger.WithField("user", sess.User.Email).Debug("Restored cached session")
	return nil
}

// loginResponse is the token issuance shape shared by login and refresh.
type loginResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresAt    time.Time   `json:"expires_at"`
	User         models.User `json:"user"`
}

// Login exchanges credentials for a session and caches it.
func (c *Coordinator) Login(ctx context.Context, email, password string) error {
	c.logger.WithField("email", email).Info("Logging in")

	var resp loginResponse
	err := c.client.DoJSON(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}

	if resp.AccessToken == "" {
		return fmt.Errorf("invalid login response: missing access token")
	}

	sess := &models.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         resp.User,
		ExpiresAt:    resp.ExpiresAt,
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = time.Now().Add(24 * time.Hour)
	}

	if err := c.CacheCredential(sess); err != nil {
		c.logger.WithError(err).Warn("Failed to persist session")
	}

	c.logger.Info("Login successful")
	return nil
}

// CacheCredential overwrites the cached credential: in memory for
// synchronous header attachment, and in the durable store so it survives
// a restart while offline.
func (c *Coordinator) CacheCredential(sess *models.Session) error {
	c.mu.Lock()
	c.session = sess
	c.epoch++
	c.mu.Unlock()

	c.client.SetToken(sess.AccessToken)

	return c.store.SaveSession(sess)
}

// AccessToken returns the current access token, or empty when there is
// no cached credential.
func (c *Coordinator) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// Session returns the cached credential, or nil.
func (c *Coordinator) Session() *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Refresh exchanges the refresh token for a new token pair. Concurrent
// callers coalesce onto one network call and all observe its outcome; the
// in-flight handle is cleared only after the call settles. A failed
// refresh is reported once and never retried internally; the caller
// decides what happens next (typically a forced logout).
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()

	if c.inflight != nil {
		call := c.inflight
		c.mu.Unlock()

		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.session == nil || c.session.RefreshToken == "" {
		c.mu.Unlock()
		return models.ErrNoRefreshToken
	}

	call := &refreshCall{done: make(chan struct{})}
	c.inflight = call
	refreshToken := c.session.RefreshToken
	epoch := c.epoch
	c.mu.Unlock()

	call.err = c.doRefresh(ctx, refreshToken, epoch)
	close(call.done)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()

	return call.err
}

func (c *Coordinator) doRefresh(ctx context.Context, refreshToken string, epoch uint64) error {
	c.logger.Debug("Refreshing access token")

	var resp loginResponse
	err := c.client.DoJSON(ctx, http.MethodPost, "/api/v1/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	}, &resp)
	if err != nil {
		c.logger.WithError(err).Warn("Token refresh failed")
		return fmt.Errorf("refresh request: %w", err)
	}

	if resp.AccessToken == "" {
		return fmt.Errorf("invalid refresh response: missing access token")
	}

	c.mu.Lock()
	if c.epoch != epoch {
		// The credential changed hands while the refresh was in flight.
		// Installing the result would resurrect a logged-out session or
		// clobber a fresh login, so it is discarded.
		cleared := c.session == nil
		c.mu.Unlock()
		c.logger.Debug("Discarding refresh that settled after the credential changed")
		if cleared {
			return models.ErrNotAuthenticated
		}
		return nil
	}
	sess := &models.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
	}
	if c.session != nil {
		sess.User = c.session.User
		if sess.RefreshToken == "" {
			sess.RefreshToken = c.session.RefreshToken
		}
	}
	c.session = sess
	c.mu.Unlock()

	c.client.SetToken(sess.AccessToken)

	if err := c.store.SaveSession(sess); err != nil {
		c.logger.WithError(err).Warn("Failed to persist refreshed session")
	}

	c.logger.Debug("Access token refreshed")
	return nil
}

// EnsureFresh proactively refreshes when the token expires within the
// window. A refresh failure is tolerated; the existing token is kept.
func (c *Coordinator) EnsureFresh(ctx context.Context, window time.Duration) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return models.ErrNotAuthenticated
	}

	if sess.ExpiresSoon(window) {
		if err := c.Refresh(ctx); err != nil {
			c.logger.WithError(err).Warn("Proactive refresh failed")
		}
	}

	return nil
}

// Clear wipes the cached credential everywhere: memory, transport header
// attachment, and the durable store. The coordinator never navigates or
// forces a logout flow itself.
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	c.session = nil
	c.epoch++
	c.mu.Unlock()

	c.client.SetToken("")

	return c.store.ClearSession()
}
