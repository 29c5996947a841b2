package domain

import "context"

// IngestRequest uploads a document and registers it for extraction.
type IngestRequest struct {
	FileName string
	Content  []byte
}

// ReviewRequest applies human corrections to an extracted invoice.
type ReviewRequest struct {
	InvoiceID             string
	ExpectedReviewVersion int64
	Patch                 Patch
	// Approve completes the review, moving EXTRACTED -> VALIDATED.
	Approve bool
}

// ReviewResult returns the updated invoice plus validation warnings.
// Warnings never block the write.
type ReviewResult struct {
	Invoice    *Invoice
	Validation ValidationReport
}

// CheckResult is one aggregation comparison.
type CheckResult struct {
	Name    string  `json:"name"`
	Valid   bool    `json:"valid"`
	Skipped bool    `json:"skipped,omitempty"`
	Message string  `json:"message,omitempty"`
	// Difference is the wire-encoded absolute difference when the check
	// failed.
	Difference *string `json:"difference,omitempty"`
}

// ValidationReport is the read-only consistency report over invoice totals
// and line items.
type ValidationReport struct {
	AllValid bool          `json:"all_valid"`
	Errors   []string      `json:"errors"`
	Checks   []CheckResult `json:"checks"`
}

// Service orchestrates the document lifecycle around the record store.
type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (*Invoice, error)
	// Process claims the invoice for extraction and runs the providers.
	// A lost claim race surfaces as ErrConflict.
	Process(ctx context.Context, id string) (*Invoice, error)
	Get(ctx context.Context, id string) (*Invoice, error)
	List(ctx context.Context, filter ListFilter) ([]Invoice, error)
	Delete(ctx context.Context, id string) error
	SubmitReview(ctx context.Context, req ReviewRequest) (*ReviewResult, error)
	// Reprocess retries a FAILED invoice along the retry edge.
	Reprocess(ctx context.Context, id string) (*Invoice, error)
	Validate(ctx context.Context, id string) (ValidationReport, error)
	// Export serializes a VALIDATED invoice; format is "json" or "csv".
	Export(ctx context.Context, id, format string) ([]byte, string, error)
}
