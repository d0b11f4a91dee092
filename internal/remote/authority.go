// Package remote models the server-side system of record. The engine only
// ever creates, updates or deletes entities against it; all other server
// business logic is out of scope.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fieldsales/fieldsync/internal/events"
	"github.com/fieldsales/fieldsync/internal/models"
	"github.com/fieldsales/fieldsync/internal/transport"
)

// Result is the authority's acknowledgement of a mutation: the assigned
// identifier, the new optimistic-concurrency version, and the persisted
// snapshot (which for quotes carries server-computed line items).
type Result struct {
	ID      string          `json:"id"`
	Version int             `json:"version"`
	Entity  json.RawMessage `json:"-"`
}

// Authority is the remote system of record.
type Authority interface {
	// Create persists a new entity and assigns its server identifier.
	Create(ctx context.Context, kind models.EntityKind, payload json.RawMessage) (*Result, error)

	// Update applies an entity update; the payload carries the expected
	// version. A version mismatch returns an error satisfying
	// models.IsVersionConflict with the server's current snapshot.
	Update(ctx context.Context, kind models.EntityKind, payload json.RawMessage) (*Result, error)

	// Delete removes an entity by server identifier.
	Delete(ctx context.Context, kind models.EntityKind, id string) error
}

// HTTPAuthority talks to the remote authority over the shared transport.
type HTTPAuthority struct {
	client *transport.Client
	logger *events.Logger
}

// NewHTTPAuthority creates the production authority client.
func NewHTTPAuthority(client *transport.Client, logger *events.Logger) *HTTPAuthority {
	return &HTTPAuthority{
		client: client,
		logger: logger.WithField("component", "remote"),
	}
}

func collectionPath(kind models.EntityKind) (string, error) {
	switch kind {
	case models.EntityCustomer:
		return "/api/v1/customers", nil
	case models.EntityMeasurement:
		return "/api/v1/measurements", nil
	case models.EntityQuote:
		return "/api/v1/quotes", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

func parseResult(raw json.RawMessage) (*Result, error) {
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse authority response: %w", err)
	}
	if res.ID == "" {
		return nil, fmt.Errorf("authority response missing id")
	}
	res.Entity = raw
	return &res, nil
}

// Create implements Authority.
func (a *HTTPAuthority) Create(ctx context.Context, kind models.EntityKind, payload json.RawMessage) (*Result, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := a.client.DoJSON(ctx, http.MethodPost, path, payload, &raw); err != nil {
		return nil, err
	}

	res, err := parseResult(raw)
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(map[string]interface{}{
		"entity": kind,
		"id":     res.ID,
	}).Debug("Created entity")

	return res, nil
}

// Update implements Authority.
func (a *HTTPAuthority) Update(ctx context.Context, kind models.EntityKind, payload json.RawMessage) (*Result, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}

	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil {
		return nil, fmt.Errorf("parse update payload: %w", err)
	}
	if ref.ID == "" {
		return nil, fmt.Errorf("update payload missing id")
	}

	var raw json.RawMessage
	if err := a.client.DoJSON(ctx, http.MethodPut, path+"/"+ref.ID, payload, &raw); err != nil {
		return nil, err
	}

	return parseResult(raw)
}

// Delete implements Authority.
func (a *HTTPAuthority) Delete(ctx context.Context, kind models.EntityKind, id string) error {
	path, err := collectionPath(kind)
	if err != nil {
		return err
	}

	return a.client.DoJSON(ctx, http.MethodDelete, path+"/"+id, nil, nil)
}
