// Package records is the local write path: every mutation writes the
// entity snapshot and its pending-sync item in one store transaction, so
// the queue can never reference work that was not durably saved.
package records

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fieldsales/fieldsync/internal/events"
	"github.com/fieldsales/fieldsync/internal/models"
	"github.com/fieldsales/fieldsync/internal/store"
)

// Service performs offline-first entity mutations.
type Service struct {
	store  *store.Store
	logger *events.Logger

	now func() time.Time
}

// NewService creates a records service.
func NewService(st *store.Store, logger *events.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.WithField("service", "records"),
		now:    time.Now,
	}
}

// saveAndEnqueue writes the snapshot and queues the mutation atomically.
func (s *Service) saveAndEnqueue(kind models.EntityKind, op models.OpType, rec *store.Record) error {
	return s.store.InTx(func(tx *store.Tx) error {
		if err := tx.PutRecord(kind, rec); err != nil {
			return err
		}

		_, err := tx.EnqueuePending(&models.PendingSyncItem{
			Type:      op,
			Entity:    kind,
			Data:      rec.Data,
			CreatedAt: s.now(),
		})
		return err
	})
}

// deleteAndEnqueue removes the snapshot and queues the delete atomically.
// The local record disappears immediately; the server copy goes when the
// queue drains.
func (s *Service) deleteAndEnqueue(kind models.EntityKind, rec *store.Record) error {
	payload, err := json.Marshal(map[string]string{
		"id":       rec.ID,
		"local_id": rec.LocalID,
	})
	if err != nil {
		return fmt.Errorf("marshal delete payload: %w", err)
	}

	return s.store.InTx(func(tx *store.Tx) error {
		if err := tx.DeleteRecord(kind, rec.LocalID); err != nil {
			return err
		}

		_, err := tx.EnqueuePending(&models.PendingSyncItem{
			Type:      models.OpDelete,
			Entity:    kind,
			Data:      payload,
			CreatedAt: s.now(),
		})
		return err
	})
}

// Customers

// CreateCustomer saves a new customer locally and queues its sync. The
// client-generated local ID doubles as the provisional entity ID until
// the server assigns one.
func (s *Service) CreateCustomer(c *models.Customer) error {
	now := s.now()
	c.LocalID = models.NewLocalID()
	c.ID = c.LocalID
	c.Version = 0
	c.SyncedAt = nil
	c.CreatedAt = now
	c.UpdatedAt = now

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal customer: %w", err)
	}

	rec := &store.Record{LocalID: c.LocalID, ID: c.ID, Data: data}
	return s.saveAndEnqueue(models.EntityCustomer, models.OpCreate, rec)
}

// UpdateCustomer saves an edit locally and queues its sync.
func (s *Service) UpdateCustomer(c *models.Customer) error {
	c.UpdatedAt = s.now()

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal customer: %w", err)
	}

	rec := &store.Record{
		LocalID:  c.LocalID,
		ID:       c.ID,
		Version:  c.Version,
		SyncedAt: c.SyncedAt,
		Data:     data,
	}
	return s.saveAndEnqueue(models.EntityCustomer, models.OpUpdate, rec)
}

// DeleteCustomer removes a customer locally and queues the delete.
func (s *Service) DeleteCustomer(key string) error {
	rec, err := s.store.GetRecord(models.EntityCustomer, key)
	if err != nil {
		return err
	}
	return s.deleteAndEnqueue(models.EntityCustomer, rec)
}

// Customer fetches one customer by local or server identifier.
func (s *Service) Customer(key string) (*models.Customer, error) {
	rec, err := s.store.GetRecord(models.EntityCustomer, key)
	if err != nil {
		return nil, err
	}

	var c models.Customer
	if err := json.Unmarshal(rec.Data, &c); err != nil {
		return nil, fmt.Errorf("parse customer: %w", err)
	}
	return &c, nil
}

// Customers lists every local customer snapshot.
func (s *Service) Customers() ([]*models.Customer, error) {
	recs, err := s.store.ListRecords(models.EntityCustomer)
	if err != nil {
		return nil, err
	}

	customers := make([]*models.Customer, 0, len(recs))
	for _, rec := range recs {
		var c models.Customer
		if err := json.Unmarshal(rec.Data, &c); err != nil {
			return nil, fmt.Errorf("parse customer %s: %w", rec.LocalID, err)
		}
		customers = append(customers, &c)
	}
	return customers, nil
}

// Measurements

// CreateMeasurement saves a new measurement locally and queues its sync.
func (s *Service) CreateMeasurement(m *models.Measurement) error {
	if m.CustomerID == "" {
		return fmt.Errorf("measurement requires a customer")
	}

	now := s.now()
	m.LocalID = models.NewLocalID()
	m.ID = m.LocalID
	m.Version = 0
	m.SyncedAt = nil
	m.CreatedAt = now
	m.UpdatedAt = now

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal measurement: %w", err)
	}

	rec := &store.Record{LocalID: m.LocalID, ID: m.ID, ParentID: m.CustomerID, Data: data}
	return s.saveAndEnqueue(models.EntityMeasurement, models.OpCreate, rec)
}

// UpdateMeasurement saves an edit locally and queues its sync.
func (s *Service) UpdateMeasurement(m *models.Measurement) error {
	m.UpdatedAt = s.now()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal measurement: %w", err)
	}

	rec := &store.Record{
		LocalID:  m.LocalID,
		ID:       m.ID,
		ParentID: m.CustomerID,
		Version:  m.Version,
		SyncedAt: m.SyncedAt,
		Data:     data,
	}
	return s.saveAndEnqueue(models.EntityMeasurement, models.OpUpdate, rec)
}

// MeasurementsFor lists a customer's measurements.
func (s *Service) MeasurementsFor(customerID string) ([]*models.Measurement, error) {
	recs, err := s.store.RecordsByParent(models.EntityMeasurement, customerID)
	if err != nil {
		return nil, err
	}

	measurements := make([]*models.Measurement, 0, len(recs))
	for _, rec := range recs {
		var m models.Measurement
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			return nil, fmt.Errorf("parse measurement %s: %w", rec.LocalID, err)
		}
		measurements = append(measurements, &m)
	}
	return measurements, nil
}

// Quotes

// CreateQuote saves a new quote locally and queues its sync. Totals are
// computed provisionally from the lines; the server recomputes
// authoritative line totals, which are written back after the create
// syncs.
func (s *Service) CreateQuote(q *models.Quote) error {
	if q.CustomerID == "" {
		return fmt.Errorf("quote requires a customer")
	}

	now := s.now()
	q.LocalID = models.NewLocalID()
	q.ID = q.LocalID
	q.Version = 0
	q.SyncedAt = nil
	q.CreatedAt = now
	q.UpdatedAt = now
	if q.Status == "" {
		q.Status = models.QuoteDraft
	}

	subtotal := decimal.Zero
	for i := range q.Lines {
		line := &q.Lines[i]
		line.QuoteID = q.ID
		line.LineTotal = line.Quantity.Mul(line.UnitPrice)
		subtotal = subtotal.Add(line.LineTotal)
	}
	q.Subtotal = subtotal
	q.Total = subtotal.Add(subtotal.Mul(q.TaxRate)).Round(2)

	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}

	rec := &store.Record{LocalID: q.LocalID, ID: q.ID, ParentID: q.CustomerID, Data: data}
	return s.saveAndEnqueue(models.EntityQuote, models.OpCreate, rec)
}

// UpdateQuote saves an edit locally and queues its sync.
func (s *Service) UpdateQuote(q *models.Quote) error {
	q.UpdatedAt = s.now()

	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}

	rec := &store.Record{
		LocalID:  q.LocalID,
		ID:       q.ID,
		ParentID: q.CustomerID,
		Version:  q.Version,
		SyncedAt: q.SyncedAt,
		Data:     data,
	}
	return s.saveAndEnqueue(models.EntityQuote, models.OpUpdate, rec)
}

// QuotesFor lists a customer's quotes.
func (s *Service) QuotesFor(customerID string) ([]*models.Quote, error) {
	recs, err := s.store.RecordsByParent(models.EntityQuote, customerID)
	if err != nil {
		return nil, err
	}

	quotes := make([]*models.Quote, 0, len(recs))
	for _, rec := range recs {
		var q models.Quote
		if err := json.Unmarshal(rec.Data, &q); err != nil {
			return nil, fmt.Errorf("parse quote %s: %w", rec.LocalID, err)
		}
		quotes = append(quotes, &q)
	}
	return quotes, nil
}
