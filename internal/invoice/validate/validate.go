// Package validate holds the read-only aggregation checks comparing
// invoice-level totals against sums derived from line items. A failing
// check surfaces a warning; it never gates a write.
package validate

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invora/internal/invoice/domain"
	"github.com/smallbiznis/invora/pkg/decimalwire"
)

// DefaultTolerance absorbs rounding differences of up to one cent.
var DefaultTolerance = decimal.New(1, -2)

// Validator runs aggregation checks with a fixed absolute tolerance.
type Validator struct {
	tolerance decimal.Decimal
}

// New returns a validator with the given absolute tolerance. A zero or
// negative tolerance falls back to DefaultTolerance.
func New(tolerance decimal.Decimal) *Validator {
	if tolerance.Sign() <= 0 {
		tolerance = DefaultTolerance
	}
	return &Validator{tolerance: tolerance}
}

// Validate compares the invoice's totals against its line items. A nil
// value on either side of a comparison means there is nothing to validate,
// not a failure.
func (v *Validator) Validate(inv *domain.Invoice) domain.ValidationReport {
	report := domain.ValidationReport{AllValid: true, Errors: []string{}}

	for _, check := range []domain.CheckResult{
		v.checkSubtotal(inv),
		v.checkTaxType(inv, "gst_amount", decimalwire.FromNull(inv.GSTAmount), lineGST),
		v.checkTaxType(inv, "pst_amount", decimalwire.FromNull(inv.PSTAmount), linePST),
		v.checkTaxType(inv, "qst_amount", decimalwire.FromNull(inv.QSTAmount), lineQST),
		v.checkTaxAmount(inv),
		v.checkTotal(inv),
	} {
		report.Checks = append(report.Checks, check)
		if !check.Valid {
			report.AllValid = false
			report.Errors = append(report.Errors, check.Message)
		}
	}
	return report
}

func (v *Validator) checkSubtotal(inv *domain.Invoice) domain.CheckResult {
	subtotal := decimalwire.FromNull(inv.Subtotal)
	sum, hasAny := sumLines(inv.LineItems, func(li domain.LineItem) *decimal.Decimal {
		return decimalwire.FromNull(li.Amount)
	})
	if subtotal == nil || !hasAny {
		return skipped("subtotal")
	}
	return v.compare("subtotal", *subtotal, sum,
		"subtotal does not match the sum of line item amounts")
}

func (v *Validator) checkTaxType(inv *domain.Invoice, name string, invoiceAmount *decimal.Decimal, lineAmount func(domain.LineItem) *decimal.Decimal) domain.CheckResult {
	sum, hasAny := sumLines(inv.LineItems, lineAmount)
	if invoiceAmount == nil || !hasAny {
		return skipped(name)
	}
	return v.compare(name, *invoiceAmount, sum,
		fmt.Sprintf("%s does not match the sum of line item %s values", name, name))
}

// checkTaxAmount accepts either basis: the sum of line tax_amount values,
// or the sum of the per-type components. When both are computable and
// disagree, passing either one passes the check.
func (v *Validator) checkTaxAmount(inv *domain.Invoice) domain.CheckResult {
	taxAmount := decimalwire.FromNull(inv.TaxAmount)
	if taxAmount == nil {
		return skipped("tax_amount")
	}

	direct, hasDirect := sumLines(inv.LineItems, func(li domain.LineItem) *decimal.Decimal {
		return decimalwire.FromNull(li.TaxAmount)
	})
	components, hasComponents := sumLines(inv.LineItems, lineTaxComponents)
	if !hasDirect && !hasComponents {
		return skipped("tax_amount")
	}

	if hasDirect && v.withinTolerance(*taxAmount, direct) {
		return domain.CheckResult{Name: "tax_amount", Valid: true}
	}
	if hasComponents && v.withinTolerance(*taxAmount, components) {
		return domain.CheckResult{Name: "tax_amount", Valid: true}
	}

	basis := direct
	if !hasDirect {
		basis = components
	}
	diff := taxAmount.Sub(basis).Abs()
	return domain.CheckResult{
		Name:       "tax_amount",
		Valid:      false,
		Message:    "tax_amount matches neither the line tax sum nor the gst+pst+qst sum",
		Difference: decimalwire.ToWire(&diff),
	}
}

func (v *Validator) checkTotal(inv *domain.Invoice) domain.CheckResult {
	total := decimalwire.FromNull(inv.TotalAmount)
	subtotal := decimalwire.FromNull(inv.Subtotal)
	if total == nil || subtotal == nil {
		return skipped("total_amount")
	}

	expected := subtotal.
		Add(orZero(inv.TaxAmount)).
		Add(orZero(inv.ShippingAmount)).
		Add(orZero(inv.HandlingAmount)).
		Sub(orZero(inv.DiscountAmount))
	return v.compare("total_amount", *total, expected,
		"total_amount does not equal subtotal + tax + shipping + handling - discount")
}

func (v *Validator) compare(name string, got, want decimal.Decimal, message string) domain.CheckResult {
	if v.withinTolerance(got, want) {
		return domain.CheckResult{Name: name, Valid: true}
	}
	diff := got.Sub(want).Abs()
	return domain.CheckResult{
		Name:       name,
		Valid:      false,
		Message:    message,
		Difference: decimalwire.ToWire(&diff),
	}
}

func (v *Validator) withinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().Cmp(v.tolerance) <= 0
}

func sumLines(items []domain.LineItem, pick func(domain.LineItem) *decimal.Decimal) (decimal.Decimal, bool) {
	sum := decimal.Zero
	hasAny := false
	for _, item := range items {
		if amount := pick(item); amount != nil {
			sum = sum.Add(*amount)
			hasAny = true
		}
	}
	return sum, hasAny
}

func lineGST(li domain.LineItem) *decimal.Decimal { return decimalwire.FromNull(li.GSTAmount) }
func linePST(li domain.LineItem) *decimal.Decimal { return decimalwire.FromNull(li.PSTAmount) }
func lineQST(li domain.LineItem) *decimal.Decimal { return decimalwire.FromNull(li.QSTAmount) }

func lineTaxComponents(li domain.LineItem) *decimal.Decimal {
	var sum decimal.Decimal
	hasAny := false
	for _, component := range []*decimal.Decimal{
		decimalwire.FromNull(li.GSTAmount),
		decimalwire.FromNull(li.PSTAmount),
		decimalwire.FromNull(li.QSTAmount),
	} {
		if component != nil {
			sum = sum.Add(*component)
			hasAny = true
		}
	}
	if !hasAny {
		return nil
	}
	return &sum
}

func orZero(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}

func skipped(name string) domain.CheckResult {
	return domain.CheckResult{Name: name, Valid: true, Skipped: true, Message: "nothing to validate"}
}
