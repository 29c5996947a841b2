package server

import (
	"time"

	invoicedomain "github.com/smallbiznis/invora/internal/invoice/domain"
	"github.com/smallbiznis/invora/pkg/decimalwire"
)

// invoiceView is the API representation of an invoice. Monetary values are
// wire-encoded decimal strings; floats never appear on this surface.
type invoiceView struct {
	ID              string `json:"id"`
	ProcessingState string `json:"processing_state"`
	ReviewVersion   int64  `json:"review_version"`
	Status          string `json:"status"`

	VendorName       *string `json:"vendor_name,omitempty"`
	VendorTaxID      *string `json:"vendor_tax_id,omitempty"`
	InvoiceNumber    *string `json:"invoice_number,omitempty"`
	PurchaseOrder    *string `json:"purchase_order,omitempty"`
	PaymentReference *string `json:"payment_reference,omitempty"`
	InvoiceDate      *string `json:"invoice_date,omitempty"`
	DueDate          *string `json:"due_date,omitempty"`
	Currency         *string `json:"currency,omitempty"`

	Subtotal       *string `json:"subtotal,omitempty"`
	TaxAmount      *string `json:"tax_amount,omitempty"`
	TotalAmount    *string `json:"total_amount,omitempty"`
	ShippingAmount *string `json:"shipping_amount,omitempty"`
	HandlingAmount *string `json:"handling_amount,omitempty"`
	DiscountAmount *string `json:"discount_amount,omitempty"`
	GSTAmount      *string `json:"gst_amount,omitempty"`
	PSTAmount      *string `json:"pst_amount,omitempty"`
	QSTAmount      *string `json:"qst_amount,omitempty"`

	TaxBreakdown    map[string]string  `json:"tax_breakdown,omitempty"`
	FieldConfidence map[string]float64 `json:"field_confidence,omitempty"`
	Notes           *string            `json:"notes,omitempty"`
	SourceFileID    *string            `json:"source_file_id,omitempty"`

	LineItems []lineItemView `json:"line_items"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type lineItemView struct {
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

func toInvoiceView(inv *invoicedomain.Invoice) invoiceView {
	view := invoiceView{
		ID:              inv.ID,
		ProcessingState: string(inv.ProcessingState),
		ReviewVersion:   inv.ReviewVersion,
		Status:          inv.Status,

		VendorName:       inv.VendorName,
		VendorTaxID:      inv.VendorTaxID,
		InvoiceNumber:    inv.InvoiceNumber,
		PurchaseOrder:    inv.PurchaseOrder,
		PaymentReference: inv.PaymentReference,
		InvoiceDate:      dateView(inv.InvoiceDate),
		DueDate:          dateView(inv.DueDate),
		Currency:         inv.Currency,

		Subtotal:       decimalwire.NullToWire(inv.Subtotal),
		TaxAmount:      decimalwire.NullToWire(inv.TaxAmount),
		TotalAmount:    decimalwire.NullToWire(inv.TotalAmount),
		ShippingAmount: decimalwire.NullToWire(inv.ShippingAmount),
		HandlingAmount: decimalwire.NullToWire(inv.HandlingAmount),
		DiscountAmount: decimalwire.NullToWire(inv.DiscountAmount),
		GSTAmount:      decimalwire.NullToWire(inv.GSTAmount),
		PSTAmount:      decimalwire.NullToWire(inv.PSTAmount),
		QSTAmount:      decimalwire.NullToWire(inv.QSTAmount),

		Notes:        inv.Notes,
		SourceFileID: inv.SourceFileID,

		LineItems: make([]lineItemView, 0, len(inv.LineItems)),

		CreatedAt: inv.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: inv.UpdatedAt.UTC().Format(time.RFC3339),
	}

	if len(inv.TaxBreakdown) > 0 {
		view.TaxBreakdown = make(map[string]string, len(inv.TaxBreakdown))
		for taxType, raw := range inv.TaxBreakdown {
			if d := decimalwire.FromWire(raw); d != nil {
				view.TaxBreakdown[taxType] = *decimalwire.ToWire(d)
			}
		}
	}
	if len(inv.FieldConfidence) > 0 {
		view.FieldConfidence = make(map[string]float64, len(inv.FieldConfidence))
		for field, raw := range inv.FieldConfidence {
			if score, ok := raw.(float64); ok {
				view.FieldConfidence[field] = score
			}
		}
	}

	for _, li := range inv.LineItems {
		view.LineItems = append(view.LineItems, lineItemView{
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
	return view
}

func dateView(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format("2006-01-02")
	return &s
}
