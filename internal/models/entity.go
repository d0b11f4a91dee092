package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntityKind identifies a syncable entity collection.
type EntityKind string

const (
	EntityCustomer    EntityKind = "customer"
	EntityMeasurement EntityKind = "measurement"
	EntityQuote       EntityKind = "quote"
)

// Valid reports whether the kind is one the engine knows how to sync.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityCustomer, EntityMeasurement, EntityQuote:
		return true
	}
	return false
}

// NewLocalID generates a client-side identifier used as the provisional
// entity ID until the server assigns one. The timestamp keeps IDs roughly
// sortable; the UUID fragment makes collisions across devices unlikely.
func NewLocalID() string {
	return fmt.Sprintf("local_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Customer is the local snapshot of a customer record.
type Customer struct {
	ID       string     `json:"id"`
	LocalID  string     `json:"local_id"`
	Version  int        `json:"version"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`

	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	Notes   string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Measurement is a countertop measurement taken on site.
type Measurement struct {
	ID       string     `json:"id"`
	LocalID  string     `json:"local_id"`
	Version  int        `json:"version"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`

	CustomerID  string `json:"customer_id"`
	Room        string `json:"room"`
	LengthMM    int    `json:"length_mm"`
	DepthMM     int    `json:"depth_mm"`
	SinkModel   string `json:"sink_model,omitempty"`
	EdgeProfile string `json:"edge_profile,omitempty"`
	Notes       string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuoteStatus tracks a quote through its lifecycle.
type QuoteStatus string

const (
	QuoteDraft    QuoteStatus = "draft"
	QuoteSent     QuoteStatus = "sent"
	QuoteAccepted QuoteStatus = "accepted"
	QuoteDeclined QuoteStatus = "declined"
)

// Quote is a priced offer for a measured job.
type Quote struct {
	ID       string     `json:"id"`
	LocalID  string     `json:"local_id"`
	Version  int        `json:"version"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`

	CustomerID    string          `json:"customer_id"`
	MeasurementID string          `json:"measurement_id,omitempty"`
	Status        QuoteStatus     `json:"status"`
	Currency      string          `json:"currency"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	Total         decimal.Decimal `json:"total"`

	// Lines are persisted with the quote. Line totals are computed by
	// the server and written back after a successful create.
	Lines []QuoteLineItem `json:"lines,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuoteLineItem is a single priced line on a quote.
type QuoteLineItem struct {
	ID          string          `json:"id"`
	QuoteID     string          `json:"quote_id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}
