package domain

import (
	"context"
	"time"
)

// ListFilter narrows List results.
type ListFilter struct {
	ProcessingState *ProcessingState
	Status          *string
	VendorName      *string
	InvoiceNumber   *string
	CreatedFrom     *time.Time
	CreatedTo       *time.Time
	Limit           int
	Offset          int
}

// Repository is the record store plus the concurrency control layer over
// the invoice table and its child line-item table. Every mutating method
// is a single guarded statement; there is no read-then-write path for
// processing_state or review_version anywhere behind this interface.
type Repository interface {
	// Create persists a new invoice. The id is caller-assigned and
	// required; created_at is set exactly once here.
	Create(ctx context.Context, inv *Invoice) error

	// Get returns the invoice or nil when the id does not exist. Line
	// items come from the child table; the legacy JSON column is consulted
	// only when the child table holds no rows for this invoice.
	Get(ctx context.Context, id string) (*Invoice, error)

	List(ctx context.Context, filter ListFilter) ([]Invoice, error)

	// Delete removes the invoice and, by cascade, its line items.
	Delete(ctx context.Context, id string) error

	// ClaimForExtraction atomically moves PENDING or FAILED to PROCESSING.
	// Under N concurrent callers exactly one observes true; the rest get
	// false and must surface a conflict without retrying automatically.
	ClaimForExtraction(ctx context.Context, id string) (bool, error)

	// SetExtractionResult applies the patch and moves to EXTRACTED in one
	// statement, guarded on processing_state == expected.
	SetExtractionResult(ctx context.Context, id string, patch Patch, expected ProcessingState) (bool, error)

	// TransitionState moves along a state-machine edge, guarded on the
	// current state being one of from. On a guard miss it returns false,
	// or a typed conflict when errorOnInvalid is set.
	TransitionState(ctx context.Context, id string, from []ProcessingState, to ProcessingState, errorOnInvalid bool) (bool, error)

	// UpdateWithReviewVersion applies the patch guarded on review_version
	// == expected, advancing the version by exactly one in the same
	// statement. A guard miss mutates nothing, including line items.
	UpdateWithReviewVersion(ctx context.Context, id string, patch Patch, expected int64) (bool, error)
}
