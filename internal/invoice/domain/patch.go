package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invora/pkg/decimalwire"
	"gorm.io/datatypes"
)

// FieldState classifies one patch field. Every field of an incoming patch
// is in exactly one state, and the three have different effects:
//
//	FieldUnset: stored value untouched.
//	FieldClear: stored value set to empty/null (allow-listed fields only).
//	FieldSet:   stored value replaced in full, unless the submitted value
//	            is empty, which is also treated as untouched so a caller
//	            round-tripping a partial view cannot silently wipe data.
type FieldState uint8

const (
	FieldUnset FieldState = iota
	FieldClear
	FieldSet
)

// Field is the tagged representation of one patchable field.
type Field[T any] struct {
	state FieldState
	value T
}

// SetField returns a field carrying a replacement value.
func SetField[T any](v T) Field[T] {
	return Field[T]{state: FieldSet, value: v}
}

// ClearField returns an explicit clear-directive.
func ClearField[T any]() Field[T] {
	return Field[T]{state: FieldClear}
}

// State returns the field's classification.
func (f Field[T]) State() FieldState { return f.state }

// Get returns the submitted value and whether the field carries one.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.state == FieldSet
}

// UnmarshalJSON maps a missing key to FieldUnset (this method is never
// invoked for absent keys), JSON null to FieldClear, and anything else to
// FieldSet.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = Field[T]{state: FieldClear}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Field[T]{state: FieldSet, value: v}
	return nil
}

// Patch is a partial update to an invoice. Identifier, timestamp, version,
// and processing-state columns are deliberately not expressible here: state
// changes go through the state machine and review_version is computed by
// the guarded update, never taken from a caller.
type Patch struct {
	VendorName       Field[string]    `json:"vendor_name"`
	VendorTaxID      Field[string]    `json:"vendor_tax_id"`
	InvoiceNumber    Field[string]    `json:"invoice_number"`
	PurchaseOrder    Field[string]    `json:"purchase_order"`
	PaymentReference Field[string]    `json:"payment_reference"`
	InvoiceDate      Field[time.Time] `json:"invoice_date"`
	DueDate          Field[time.Time] `json:"due_date"`
	Currency         Field[string]    `json:"currency"`

	Subtotal       Field[decimal.Decimal] `json:"subtotal"`
	TaxAmount      Field[decimal.Decimal] `json:"tax_amount"`
	TotalAmount    Field[decimal.Decimal] `json:"total_amount"`
	ShippingAmount Field[decimal.Decimal] `json:"shipping_amount"`
	HandlingAmount Field[decimal.Decimal] `json:"handling_amount"`
	DiscountAmount Field[decimal.Decimal] `json:"discount_amount"`
	GSTAmount      Field[decimal.Decimal] `json:"gst_amount"`
	PSTAmount      Field[decimal.Decimal] `json:"pst_amount"`
	QSTAmount      Field[decimal.Decimal] `json:"qst_amount"`

	TaxBreakdown    Field[map[string]decimal.Decimal] `json:"tax_breakdown"`
	FieldConfidence Field[map[string]float64]         `json:"field_confidence"`
	Notes           Field[string]                     `json:"notes"`
	RawText         Field[string]                     `json:"raw_text"`
	Status          Field[string]                     `json:"status"`
	SourceFileID    Field[string]                     `json:"source_file_id"`

	LineItems Field[[]LineItem] `json:"line_items"`
}

// ChangeSet is the computed effect of a patch: the SET clause contents of a
// single guarded UPDATE, plus the unit replacement of the child collection.
type ChangeSet struct {
	Columns map[string]any

	// ReplaceLineItems marks a full delete-and-reinsert of the child
	// collection; LineItems is the replacement set (empty on clear).
	ReplaceLineItems bool
	LineItems        []LineItem
}

// Empty reports whether applying the patch would change nothing.
func (c ChangeSet) Empty() bool {
	return len(c.Columns) == 0 && !c.ReplaceLineItems
}

// Changes classifies every field of the patch and builds the column map.
// Clearing a field outside the allow-list is invalid input, detected here
// before any statement is issued; it is never a silent no-op.
func (p Patch) Changes() (ChangeSet, error) {
	cs := ChangeSet{Columns: map[string]any{}}

	if err := textColumn(&cs, "vendor_name", p.VendorName, false); err != nil {
		return ChangeSet{}, err
	}
	if err := textColumn(&cs, "vendor_tax_id", p.VendorTaxID, false); err != nil {
		return ChangeSet{}, err
	}
	if err := textColumn(&cs, "invoice_number", p.InvoiceNumber, false); err != nil {
		return ChangeSet{}, err
	}
	if err := textColumn(&cs, "purchase_order", p.PurchaseOrder, true); err != nil {
		return ChangeSet{}, err
	}
	if err := textColumn(&cs, "payment_reference", p.PaymentReference, true); err != nil {
		return ChangeSet{}, err
	}
	if err := textColumn(&cs, "currency", p.Currency, false); err != nil {
		return ChangeSet{}, err
	}
	if err := textColumn(&cs, "notes", p.Notes, true); err != nil {
		return ChangeSet{}, err
	}
	if err := textColumn(&cs, "raw_text", p.RawText, false); err != nil {
		return ChangeSet{}, err
	}
	if err := textColumn(&cs, "status", p.Status, false); err != nil {
		return ChangeSet{}, err
	}
	if err := textColumn(&cs, "source_file_id", p.SourceFileID, false); err != nil {
		return ChangeSet{}, err
	}

	if err := timeColumn(&cs, "invoice_date", p.InvoiceDate); err != nil {
		return ChangeSet{}, err
	}
	if err := timeColumn(&cs, "due_date", p.DueDate); err != nil {
		return ChangeSet{}, err
	}

	if err := decimalColumn(&cs, "subtotal", p.Subtotal); err != nil {
		return ChangeSet{}, err
	}
	if err := decimalColumn(&cs, "tax_amount", p.TaxAmount); err != nil {
		return ChangeSet{}, err
	}
	if err := decimalColumn(&cs, "total_amount", p.TotalAmount); err != nil {
		return ChangeSet{}, err
	}
	if err := decimalColumn(&cs, "shipping_amount", p.ShippingAmount); err != nil {
		return ChangeSet{}, err
	}
	if err := decimalColumn(&cs, "handling_amount", p.HandlingAmount); err != nil {
		return ChangeSet{}, err
	}
	if err := decimalColumn(&cs, "discount_amount", p.DiscountAmount); err != nil {
		return ChangeSet{}, err
	}
	if err := decimalColumn(&cs, "gst_amount", p.GSTAmount); err != nil {
		return ChangeSet{}, err
	}
	if err := decimalColumn(&cs, "pst_amount", p.PSTAmount); err != nil {
		return ChangeSet{}, err
	}
	if err := decimalColumn(&cs, "qst_amount", p.QSTAmount); err != nil {
		return ChangeSet{}, err
	}

	switch p.TaxBreakdown.State() {
	case FieldClear:
		cs.Columns["tax_breakdown"] = nil
	case FieldSet:
		if breakdown, _ := p.TaxBreakdown.Get(); len(breakdown) > 0 {
			m := datatypes.JSONMap{}
			for taxType, amount := range breakdown {
				a := amount
				m[taxType] = *decimalwire.ToWire(&a)
			}
			cs.Columns["tax_breakdown"] = m
		}
	}

	switch p.FieldConfidence.State() {
	case FieldClear:
		return ChangeSet{}, &InvalidInputError{Field: "field_confidence", Reason: "field is not clearable"}
	case FieldSet:
		if scores, _ := p.FieldConfidence.Get(); len(scores) > 0 {
			m := datatypes.JSONMap{}
			for field, score := range scores {
				m[field] = score
			}
			cs.Columns["field_confidence"] = m
		}
	}

	switch p.LineItems.State() {
	case FieldClear:
		cs.ReplaceLineItems = true
		cs.LineItems = nil
		// Null the legacy column too, so the read-repair fallback cannot
		// resurrect a collection the caller explicitly cleared.
		cs.Columns["line_items_json"] = nil
	case FieldSet:
		// An empty replacement set without a clear-directive preserves the
		// stored collection.
		if items, _ := p.LineItems.Get(); len(items) > 0 {
			cs.ReplaceLineItems = true
			cs.LineItems = NormalizeLineNumbers(items)
			cs.Columns["line_items_json"] = nil
		}
	}

	return cs, nil
}

// NormalizeLineNumbers takes line numbers from the replacement set and
// assigns sequential numbers, in submission order, to items that omit one.
func NormalizeLineNumbers(items []LineItem) []LineItem {
	used := make(map[int]bool, len(items))
	for _, item := range items {
		if item.LineNumber > 0 {
			used[item.LineNumber] = true
		}
	}
	out := make([]LineItem, len(items))
	next := 1
	for i, item := range items {
		if item.LineNumber <= 0 {
			for used[next] {
				next++
			}
			item.LineNumber = next
			used[next] = true
		}
		out[i] = item
	}
	return out
}

func textColumn(cs *ChangeSet, column string, f Field[string], clearable bool) error {
	switch f.State() {
	case FieldClear:
		if !clearable {
			return &InvalidInputError{Field: column, Reason: "field is not clearable"}
		}
		cs.Columns[column] = nil
	case FieldSet:
		if v, _ := f.Get(); v != "" {
			cs.Columns[column] = v
		}
	}
	return nil
}

func timeColumn(cs *ChangeSet, column string, f Field[time.Time]) error {
	switch f.State() {
	case FieldClear:
		return &InvalidInputError{Field: column, Reason: "field is not clearable"}
	case FieldSet:
		if v, _ := f.Get(); !v.IsZero() {
			cs.Columns[column] = v.UTC()
		}
	}
	return nil
}

func decimalColumn(cs *ChangeSet, column string, f Field[decimal.Decimal]) error {
	switch f.State() {
	case FieldClear:
		return &InvalidInputError{Field: column, Reason: "field is not clearable"}
	case FieldSet:
		v, _ := f.Get()
		cs.Columns[column] = *decimalwire.ToWire(&v)
	}
	return nil
}
