// Package repository implements the invoice record store and its
// concurrency control layer. Every state or version change is one guarded
// UPDATE whose WHERE clause carries the expectation; there is no
// SELECT-then-decide-then-UPDATE path anywhere in this package.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/invora/internal/clock"
	"github.com/smallbiznis/invora/internal/invoice/domain"
	"github.com/smallbiznis/invora/pkg/db"
	"github.com/smallbiznis/invora/pkg/decimalwire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type repo struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	mu        sync.Mutex
	lastStamp time.Time
}

// stamp returns the timestamp for a mutation. updated_at must strictly
// increase per accepted mutation, which the clock alone cannot guarantee
// when two mutations land within one tick; advance past the previous
// stamp by the smallest step the timestamp columns resolve.
func (r *repo) stamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now().UTC()
	if !now.After(r.lastStamp) {
		now = r.lastStamp.Add(time.Microsecond)
	}
	r.lastStamp = now
	return now
}

// Provide builds the gorm-backed repository.
func Provide(conn *gorm.DB, log *zap.Logger, clk clock.Clock) domain.Repository {
	return &repo{
		db:    conn,
		log:   log.Named("invoice.repository"),
		clock: clk,
	}
}

func (r *repo) Create(ctx context.Context, inv *domain.Invoice) error {
	if inv.ID == "" {
		return domain.ErrMissingID
	}
	if inv.ProcessingState == "" {
		inv.ProcessingState = domain.StatePending
	}
	if !inv.ProcessingState.Known() {
		return &domain.InvalidInputError{Field: "processing_state", Reason: "unknown state"}
	}
	if inv.Status == "" {
		inv.Status = domain.StatusUploaded
	}

	now := r.stamp()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	inv.LineItems = domain.NormalizeLineNumbers(inv.LineItems)
	for i := range inv.LineItems {
		inv.LineItems[i].InvoiceID = inv.ID
	}

	err := r.db.WithContext(ctx).Create(inv).Error
	if db.IsDuplicateKeyErr(err) {
		return &domain.ConflictError{Op: "create", InvoiceID: inv.ID}
	}
	return err
}

func (r *repo) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := r.db.WithContext(ctx).First(&inv, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var items []domain.LineItem
	err = r.db.WithContext(ctx).
		Where("invoice_id = ?", id).
		Order("line_number ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		// Read-repair: the normalized child table is authoritative once
		// populated; the legacy embedded column is consulted only when it
		// holds nothing for this invoice.
		items = r.legacyLineItems(inv)
	}
	inv.LineItems = items
	return &inv, nil
}

func (r *repo) List(ctx context.Context, filter domain.ListFilter) ([]domain.Invoice, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.Invoice{})

	if filter.ProcessingState != nil {
		stmt = stmt.Where("processing_state = ?", *filter.ProcessingState)
	}
	if filter.Status != nil {
		stmt = stmt.Where("status = ?", *filter.Status)
	}
	if filter.VendorName != nil {
		stmt = stmt.Where("vendor_name = ?", *filter.VendorName)
	}
	if filter.InvoiceNumber != nil {
		stmt = stmt.Where("invoice_number = ?", *filter.InvoiceNumber)
	}
	if filter.CreatedFrom != nil {
		stmt = stmt.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		stmt = stmt.Where("created_at <= ?", *filter.CreatedTo)
	}

	stmt = stmt.Order("created_at DESC")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		stmt = stmt.Offset(filter.Offset)
	}

	var invoices []domain.Invoice
	if err := stmt.Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Cascade is declared on the schema; delete children explicitly as
		// well so sqlite test databases behave the same as postgres.
		if err := tx.Where("invoice_id = ?", id).Delete(&domain.LineItem{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&domain.Invoice{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// ClaimForExtraction is the sole mutual-exclusion mechanism for concurrent
// extraction attempts: one conditional UPDATE, no lock table. Exactly one
// of N racing callers sees an affected row.
func (r *repo) ClaimForExtraction(ctx context.Context, id string) (bool, error) {
	now := r.stamp()
	result := r.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND processing_state IN ?", id,
			[]domain.ProcessingState{domain.StatePending, domain.StateFailed}).
		Updates(map[string]any{
			"processing_state": domain.StateProcessing,
			"status":           domain.StatusProcessing,
			"updated_at":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, r.guardFailure(r.db.WithContext(ctx), "claim", id)
	}
	return true, nil
}

func (r *repo) SetExtractionResult(ctx context.Context, id string, patch domain.Patch, expected domain.ProcessingState) (bool, error) {
	changes, err := patch.Changes()
	if err != nil {
		return false, err
	}
	if !expected.Known() {
		return false, &domain.InvalidInputError{Field: "expected_processing_state", Reason: "unknown state"}
	}

	columns := changes.Columns
	columns["processing_state"] = domain.StateExtracted
	columns["status"] = domain.StatusNeedsReview
	columns["updated_at"] = r.stamp()

	applied := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.Invoice{}).
			Where("id = ? AND processing_state = ?", id, expected).
			Updates(columns)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return r.guardFailure(tx, "set extraction result", id)
		}
		if err := r.replaceLineItems(tx, id, changes); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *repo) TransitionState(ctx context.Context, id string, from []domain.ProcessingState, to domain.ProcessingState, errorOnInvalid bool) (bool, error) {
	if len(from) == 0 {
		return false, &domain.InvalidInputError{Field: "from_states", Reason: "at least one state required"}
	}
	for _, state := range from {
		if !domain.CanTransition(state, to) {
			return false, &domain.InvalidInputError{
				Field:  "to_state",
				Reason: string(state) + " -> " + string(to) + " is not a state machine edge",
			}
		}
	}

	now := r.stamp()
	result := r.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND processing_state IN ?", id, from).
		Updates(map[string]any{
			"processing_state": to,
			"status":           displayStatus(to),
			"updated_at":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		err := r.guardFailure(r.db.WithContext(ctx), "transition", id)
		if errors.Is(err, domain.ErrNotFound) {
			return false, err
		}
		if errorOnInvalid {
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				return false, &domain.InvalidTransitionError{
					InvoiceID: id,
					From:      from,
					To:        to,
					Current:   conflict.CurrentState,
				}
			}
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// UpdateWithReviewVersion advances review_version by exactly one in the
// same statement that applies the patch. A stale expectation mutates
// nothing, line items included.
func (r *repo) UpdateWithReviewVersion(ctx context.Context, id string, patch domain.Patch, expected int64) (bool, error) {
	if expected < 0 {
		return false, &domain.InvalidInputError{Field: "expected_review_version", Reason: "must be non-negative"}
	}
	changes, err := patch.Changes()
	if err != nil {
		return false, err
	}

	columns := changes.Columns
	columns["review_version"] = expected + 1
	columns["updated_at"] = r.stamp()
	// processing_state can never ride along on this path; the tagged patch
	// cannot express it and the guard below does not touch it.

	applied := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.Invoice{}).
			Where("id = ? AND review_version = ?", id, expected).
			Updates(columns)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return r.guardFailure(tx, "review update", id)
		}
		if err := r.replaceLineItems(tx, id, changes); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// replaceLineItems deletes and reinserts the child collection as a unit.
// Runs inside the guarded update's transaction, so a guard miss rolls the
// whole thing back.
func (r *repo) replaceLineItems(tx *gorm.DB, id string, changes domain.ChangeSet) error {
	if !changes.ReplaceLineItems {
		return nil
	}
	if err := tx.Where("invoice_id = ?", id).Delete(&domain.LineItem{}).Error; err != nil {
		return err
	}
	if len(changes.LineItems) == 0 {
		return nil
	}
	items := make([]domain.LineItem, len(changes.LineItems))
	copy(items, changes.LineItems)
	for i := range items {
		items[i].InvoiceID = id
	}
	return tx.Create(&items).Error
}

// guardFailure distinguishes a missing row from a lost race and returns
// the typed error, with current state and version so the caller can act.
// The probe runs on the handle the caller passes in: inside a transaction
// that must be the tx, so the probe shares the transaction's connection
// instead of waiting on the pool for a second one.
func (r *repo) guardFailure(conn *gorm.DB, op, id string) error {
	var current domain.Invoice
	err := conn.
		Select("id", "processing_state", "review_version").
		First(&current, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	return &domain.ConflictError{
		Op:             op,
		InvoiceID:      id,
		CurrentState:   current.ProcessingState,
		CurrentVersion: current.ReviewVersion,
	}
}

func displayStatus(state domain.ProcessingState) string {
	switch state {
	case domain.StateProcessing:
		return domain.StatusProcessing
	case domain.StateExtracted:
		return domain.StatusNeedsReview
	case domain.StateValidated:
		return domain.StatusValidated
	case domain.StateFailed:
		return domain.StatusFailed
	default:
		return domain.StatusUploaded
	}
}

// legacyLine mirrors the shape of the embedded line_items_json column.
// Decimal fields stay untyped so one malformed legacy value degrades to
// nil instead of failing the whole record load.
type legacyLine struct {
	LineNumber  int      `json:"line_number"`
	Description *string  `json:"description"`
	Quantity    any      `json:"quantity"`
	UnitPrice   any      `json:"unit_price"`
	Amount      any      `json:"amount"`
	GSTAmount   any      `json:"gst_amount"`
	PSTAmount   any      `json:"pst_amount"`
	QSTAmount   any      `json:"qst_amount"`
	TaxAmount   any      `json:"tax_amount"`
	Confidence  *float64 `json:"confidence"`
}

func (r *repo) legacyLineItems(inv domain.Invoice) []domain.LineItem {
	if len(inv.LineItemsJSON) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(inv.LineItemsJSON))
	dec.UseNumber()
	var legacy []legacyLine
	if err := dec.Decode(&legacy); err != nil {
		r.log.Warn("unreadable legacy line items column",
			zap.String("invoice_id", inv.ID), zap.Error(err))
		return nil
	}

	items := make([]domain.LineItem, 0, len(legacy))
	for _, line := range legacy {
		items = append(items, domain.LineItem{
			InvoiceID:   inv.ID,
			LineNumber:  line.LineNumber,
			Description: line.Description,
			Quantity:    decimalwire.ToNull(decimalwire.FromWire(line.Quantity)),
			UnitPrice:   decimalwire.ToNull(decimalwire.FromWire(line.UnitPrice)),
			Amount:      decimalwire.ToNull(decimalwire.FromWire(line.Amount)),
			GSTAmount:   decimalwire.ToNull(decimalwire.FromWire(line.GSTAmount)),
			PSTAmount:   decimalwire.ToNull(decimalwire.FromWire(line.PSTAmount)),
			QSTAmount:   decimalwire.ToNull(decimalwire.FromWire(line.QSTAmount)),
			TaxAmount:   decimalwire.ToNull(decimalwire.FromWire(line.TaxAmount)),
			Confidence:  line.Confidence,
		})
	}
	return domain.NormalizeLineNumbers(items)
}
