// Package export serializes invoices for downstream systems. Monetary
// values are emitted as wire-encoded decimal strings, never floats.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/smallbiznis/invora/internal/invoice/domain"
	"github.com/smallbiznis/invora/pkg/decimalwire"
)

// Formats accepted by Encode.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ErrUnsupportedFormat is returned for formats other than json and csv.
var ErrUnsupportedFormat = fmt.Errorf("unsupported export format")

// Encode serializes the invoice in the requested format and returns the
// payload plus its content type.
func Encode(inv *domain.Invoice, format string) ([]byte, string, error) {
	switch format {
	case FormatJSON, "":
		data, err := EncodeJSON(inv)
		return data, "application/json", err
	case FormatCSV:
		data, err := EncodeCSV(inv)
		return data, "text/csv", err
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

type jsonLineItem struct {
	LineNumber  int      `json:"line_number"`
	Description *string  `json:"description,omitempty"`
	Quantity    *string  `json:"quantity,omitempty"`
	UnitPrice   *string  `json:"unit_price,omitempty"`
	Amount      *string  `json:"amount,omitempty"`
	GSTAmount   *string  `json:"gst_amount,omitempty"`
	PSTAmount   *string  `json:"pst_amount,omitempty"`
	QSTAmount   *string  `json:"qst_amount,omitempty"`
	TaxAmount   *string  `json:"tax_amount,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

type jsonInvoice struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	VendorName       *string           `json:"vendor_name,omitempty"`
	VendorTaxID      *string           `json:"vendor_tax_id,omitempty"`
	InvoiceNumber    *string           `json:"invoice_number,omitempty"`
	PurchaseOrder    *string           `json:"purchase_order,omitempty"`
	PaymentReference *string           `json:"payment_reference,omitempty"`
	InvoiceDate      *string           `json:"invoice_date,omitempty"`
	DueDate          *string           `json:"due_date,omitempty"`
	Currency         *string           `json:"currency,omitempty"`
	Subtotal         *string           `json:"subtotal,omitempty"`
	TaxAmount        *string           `json:"tax_amount,omitempty"`
	TotalAmount      *string           `json:"total_amount,omitempty"`
	ShippingAmount   *string           `json:"shipping_amount,omitempty"`
	HandlingAmount   *string           `json:"handling_amount,omitempty"`
	DiscountAmount   *string           `json:"discount_amount,omitempty"`
	GSTAmount        *string           `json:"gst_amount,omitempty"`
	PSTAmount        *string           `json:"pst_amount,omitempty"`
	QSTAmount        *string           `json:"qst_amount,omitempty"`
	TaxBreakdown     map[string]string `json:"tax_breakdown,omitempty"`
	Notes            *string           `json:"notes,omitempty"`
	LineItems        []jsonLineItem    `json:"line_items"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
}

// EncodeJSON emits the invoice as a JSON document.
func EncodeJSON(inv *domain.Invoice) ([]byte, error) {
	out := jsonInvoice{
		ID:               inv.ID,
		Status:           inv.Status,
		VendorName:       inv.VendorName,
		VendorTaxID:      inv.VendorTaxID,
		InvoiceNumber:    inv.InvoiceNumber,
		PurchaseOrder:    inv.PurchaseOrder,
		PaymentReference: inv.PaymentReference,
		InvoiceDate:      dateString(inv.InvoiceDate),
		DueDate:          dateString(inv.DueDate),
		Currency:         inv.Currency,
		Subtotal:         decimalwire.NullToWire(inv.Subtotal),
		TaxAmount:        decimalwire.NullToWire(inv.TaxAmount),
		TotalAmount:      decimalwire.NullToWire(inv.TotalAmount),
		ShippingAmount:   decimalwire.NullToWire(inv.ShippingAmount),
		HandlingAmount:   decimalwire.NullToWire(inv.HandlingAmount),
		DiscountAmount:   decimalwire.NullToWire(inv.DiscountAmount),
		GSTAmount:        decimalwire.NullToWire(inv.GSTAmount),
		PSTAmount:        decimalwire.NullToWire(inv.PSTAmount),
		QSTAmount:        decimalwire.NullToWire(inv.QSTAmount),
		TaxBreakdown:     breakdownStrings(inv),
		Notes:            inv.Notes,
		LineItems:        make([]jsonLineItem, 0, len(inv.LineItems)),
		CreatedAt:        inv.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        inv.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, li := range inv.LineItems {
		out.LineItems = append(out.LineItems, jsonLineItem{
			LineNumber:  li.LineNumber,
			Description: li.Description,
			Quantity:    decimalwire.NullToWire(li.Quantity),
			UnitPrice:   decimalwire.NullToWire(li.UnitPrice),
			Amount:      decimalwire.NullToWire(li.Amount),
			GSTAmount:   decimalwire.NullToWire(li.GSTAmount),
			PSTAmount:   decimalwire.NullToWire(li.PSTAmount),
			QSTAmount:   decimalwire.NullToWire(li.QSTAmount),
			TaxAmount:   decimalwire.NullToWire(li.TaxAmount),
			Confidence:  li.Confidence,
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

var csvHeader = []string{
	"invoice_id", "vendor_name", "invoice_number", "invoice_date", "currency",
	"line_number", "description", "quantity", "unit_price", "amount",
	"gst_amount", "pst_amount", "qst_amount", "tax_amount",
	"subtotal", "invoice_tax_amount", "total_amount",
}

// EncodeCSV emits one row per line item, repeating invoice-level columns.
// An invoice without line items still produces a single row.
func EncodeCSV(inv *domain.Invoice) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}

	head := []string{
		inv.ID,
		deref(inv.VendorName),
		deref(inv.InvoiceNumber),
		deref(dateString(inv.InvoiceDate)),
		deref(inv.Currency),
	}
	tail := []string{
		deref(decimalwire.NullToWire(inv.Subtotal)),
		deref(decimalwire.NullToWire(inv.TaxAmount)),
		deref(decimalwire.NullToWire(inv.TotalAmount)),
	}

	if len(inv.LineItems) == 0 {
		row := append(append(append([]string{}, head...),
			"", "", "", "", "", "", "", "", ""), tail...)
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	for _, li := range inv.LineItems {
		row := append(append(append([]string{}, head...),
			strconv.Itoa(li.LineNumber),
			deref(li.Description),
			deref(decimalwire.NullToWire(li.Quantity)),
			deref(decimalwire.NullToWire(li.UnitPrice)),
			deref(decimalwire.NullToWire(li.Amount)),
			deref(decimalwire.NullToWire(li.GSTAmount)),
			deref(decimalwire.NullToWire(li.PSTAmount)),
			deref(decimalwire.NullToWire(li.QSTAmount)),
			deref(decimalwire.NullToWire(li.TaxAmount)),
		), tail...)
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// breakdownStrings normalizes the stored JSON map, whose values may be wire
// strings or numbers depending on the writer, back to wire strings.
func breakdownStrings(inv *domain.Invoice) map[string]string {
	if len(inv.TaxBreakdown) == 0 {
		return nil
	}
	keys := make([]string, 0, len(inv.TaxBreakdown))
	for k := range inv.TaxBreakdown {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if d := decimalwire.FromWire(inv.TaxBreakdown[k]); d != nil {
			out[k] = *decimalwire.ToWire(d)
		}
	}
	return out
}

func dateString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format("2006-01-02")
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
