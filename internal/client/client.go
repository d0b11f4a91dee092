// Package client wires the sync engine together for embedders: the CLI
// here, or any UI that consumes the orchestrator surface.
package client

import (
	"context"

	"github.com/fieldsales/fieldsync/internal/config"
	"github.com/fieldsales/fieldsync/internal/events"
	"github.com/fieldsales/fieldsync/internal/netmon"
	"github.com/fieldsales/fieldsync/internal/remote"
	"github.com/fieldsales/fieldsync/internal/services/auth"
	"github.com/fieldsales/fieldsync/internal/services/records"
	syncsvc "github.com/fieldsales/fieldsync/internal/services/sync"
	"github.com/fieldsales/fieldsync/internal/store"
	"github.com/fieldsales/fieldsync/internal/transport"
)

// Client provides the high-level API for the sync engine.
type Client struct {
	Auth    *auth.Coordinator
	Records *records.Service
	Sync    *syncsvc.Orchestrator
	Monitor *netmon.Monitor
	Store   *store.Store

	config  *config.Config
	logger  *events.Logger
	watcher *netmon.Watcher
}

// New constructs the engine from configuration.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	httpClient := transport.NewClient(&cfg.API, logger)

	st, err := store.Open(cfg.Storage.DBFile, logger)
	if err != nil {
		return nil, err
	}

	coordinator := auth.NewCoordinator(httpClient, st, logger)
	if err := coordinator.Load(); err != nil {
		logger.WithError(err).Warn("Failed to restore cached session")
	}

	// Without a presence endpoint connectivity is assumed until a caller
	// says otherwise; with one, the watcher proves it first.
	var watcher *netmon.Watcher
	monitor := netmon.NewMonitor(cfg.API.PresenceURL == "", logger)
	if cfg.API.PresenceURL != "" {
		watcher = netmon.NewWatcher(cfg.API.PresenceURL, monitor, logger)
	}

	authority := remote.NewHTTPAuthority(httpClient, logger)
	processor := syncsvc.NewProcessor(st, authority, coordinator, &cfg.Sync, logger)
	orchestrator := syncsvc.NewOrchestrator(monitor, processor, st, cfg.Sync.PollInterval, logger)

	return &Client{
		Auth:    coordinator,
		Records: records.NewService(st, logger),
		Sync:    orchestrator,
		Monitor: monitor,
		Store:   st,
		config:  cfg,
		logger:  logger,
		watcher: watcher,
	}, nil
}

// Start launches the presence watcher and the orchestrator loops.
func (c *Client) Start(ctx context.Context) {
	if c.watcher != nil {
		c.watcher.Start(ctx)
	}
	c.Sync.Start(ctx)
}

// Stop tears the background work down in reverse order.
func (c *Client) Stop() {
	c.Sync.Stop()
	if c.watcher != nil {
		c.watcher.Stop()
	}
}

// Logout clears the cached credential. Queued work stays in the store.
func (c *Client) Logout() error {
	return c.Auth.Clear()
}

// Close releases the store handle.
func (c *Client) Close() error {
	return c.Store.Close()
}
