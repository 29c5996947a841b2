// Package domain contains persistence models and contracts for ingested
// invoice documents.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ProcessingState governs which mutations are legal on an invoice.
type ProcessingState string

const (
	StatePending    ProcessingState = "PENDING"
	StateProcessing ProcessingState = "PROCESSING"
	StateExtracted  ProcessingState = "EXTRACTED"
	StateValidated  ProcessingState = "VALIDATED"
	StateFailed     ProcessingState = "FAILED"
)

// transitions is the full edge set of the lifecycle state machine.
// EXTRACTED -> VALIDATED is the only review completion edge; VALIDATED is
// terminal for this layer.
var transitions = map[ProcessingState][]ProcessingState{
	StatePending:    {StateProcessing},
	StateProcessing: {StateExtracted, StateFailed},
	StateExtracted:  {StateValidated},
	StateFailed:     {StateProcessing},
	StateValidated:  {},
}

// Known reports whether s is a recognized lifecycle state.
func (s ProcessingState) Known() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to ProcessingState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Display status values, updated as side effects of lifecycle changes.
// Unlike ProcessingState they are not concurrency-guarded.
const (
	StatusUploaded    = "uploaded"
	StatusProcessing  = "processing"
	StatusNeedsReview = "needs_review"
	StatusValidated   = "validated"
	StatusFailed      = "failed"
)

// Invoice is one row per ingested document. Monetary columns are exact
// base-10 decimals; nil means "no value", never zero.
type Invoice struct {
	ID              string          `gorm:"primaryKey;type:text"`
	ProcessingState ProcessingState `gorm:"type:text;not null;default:'PENDING';index"`
	ReviewVersion   int64           `gorm:"not null;default:0"`
	Status          string          `gorm:"type:text;not null;default:'uploaded'"`

	VendorName       *string    `gorm:"type:text"`
	VendorTaxID      *string    `gorm:"type:text"`
	InvoiceNumber    *string    `gorm:"type:text;index"`
	PurchaseOrder    *string    `gorm:"type:text"`
	PaymentReference *string    `gorm:"type:text"`
	InvoiceDate      *time.Time `gorm:""`
	DueDate          *time.Time `gorm:""`
	Currency         *string    `gorm:"type:text"`

	Subtotal       decimal.NullDecimal `gorm:"type:numeric"`
	TaxAmount      decimal.NullDecimal `gorm:"type:numeric"`
	TotalAmount    decimal.NullDecimal `gorm:"type:numeric"`
	ShippingAmount decimal.NullDecimal `gorm:"type:numeric"`
	HandlingAmount decimal.NullDecimal `gorm:"type:numeric"`
	DiscountAmount decimal.NullDecimal `gorm:"type:numeric"`
	GSTAmount      decimal.NullDecimal `gorm:"type:numeric"`
	PSTAmount      decimal.NullDecimal `gorm:"type:numeric"`
	QSTAmount      decimal.NullDecimal `gorm:"type:numeric"`

	// TaxBreakdown maps tax-type name to a wire-encoded decimal amount.
	TaxBreakdown datatypes.JSONMap `gorm:"type:jsonb"`
	// FieldConfidence maps field name to an extraction confidence in [0,1].
	FieldConfidence datatypes.JSONMap `gorm:"type:jsonb"`
	// LineItemsJSON is the legacy embedded line-item column, consulted on
	// read only when the child table is empty for this invoice.
	LineItemsJSON datatypes.JSON `gorm:"column:line_items_json"`

	Notes        *string `gorm:"type:text"`
	RawText      *string `gorm:"type:text"`
	SourceFileID *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	LineItems []LineItem `gorm:"foreignKey:InvoiceID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// LineItem is a child of Invoice, unique per (invoice_id, line_number).
// Line items are created, replaced, and deleted only as a unit when the
// parent's collection is replaced; there is no per-element merge.
type LineItem struct {
	InvoiceID   string              `gorm:"primaryKey;type:text"`
	LineNumber  int                 `gorm:"primaryKey"`
	Description *string             `gorm:"type:text"`
	Quantity    decimal.NullDecimal `gorm:"type:numeric"`
	UnitPrice   decimal.NullDecimal `gorm:"type:numeric"`
	Amount      decimal.NullDecimal `gorm:"type:numeric"`
	GSTAmount   decimal.NullDecimal `gorm:"type:numeric"`
	PSTAmount   decimal.NullDecimal `gorm:"type:numeric"`
	QSTAmount   decimal.NullDecimal `gorm:"type:numeric"`
	TaxAmount   decimal.NullDecimal `gorm:"type:numeric"`
	Confidence  *float64            `gorm:""`
}

// TableName sets the database table name.
func (LineItem) TableName() string { return "invoice_line_items" }
