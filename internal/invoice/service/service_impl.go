// Package service orchestrates the document lifecycle: ingest, extraction,
// review, validation, and export. All concurrency decisions live in the
// repository's guarded updates; this layer sequences providers around them
// and never retries a lost race on its own.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invora/internal/config"
	"github.com/smallbiznis/invora/internal/export"
	"github.com/smallbiznis/invora/internal/invoice/domain"
	"github.com/smallbiznis/invora/internal/invoice/validate"
	"github.com/smallbiznis/invora/internal/observability/metrics"
	"github.com/smallbiznis/invora/internal/providers/corrector"
	"github.com/smallbiznis/invora/internal/providers/filestore"
	"github.com/smallbiznis/invora/internal/providers/recognizer"
	"github.com/smallbiznis/invora/pkg/decimalwire"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Repo       domain.Repository
	Log        *zap.Logger
	GenID      *snowflake.Node
	Recognizer recognizer.Provider
	Corrector  corrector.Provider
	Files      filestore.Store
	Validator  *validate.Validator
	Metrics    *metrics.Metrics `optional:"true"`
	Config     config.Config
}

type Service struct {
	repo       domain.Repository
	log        *zap.Logger
	genID      *snowflake.Node
	recognizer recognizer.Provider
	corrector  corrector.Provider
	files      filestore.Store
	validator  *validate.Validator
	metrics    *metrics.Metrics
	threshold  float64
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		repo:       p.Repo,
		log:        p.Log.Named("invoice.service"),
		genID:      p.GenID,
		recognizer: p.Recognizer,
		corrector:  p.Corrector,
		files:      p.Files,
		validator:  p.Validator,
		metrics:    p.Metrics,
		threshold:  p.Config.CorrectorThreshold,
	}
}

func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (*domain.Invoice, error) {
	if len(req.Content) == 0 {
		return nil, &domain.InvalidInputError{Field: "content", Reason: "document is empty"}
	}
	if req.FileName == "" {
		return nil, &domain.InvalidInputError{Field: "file_name", Reason: "file name is required"}
	}

	fileID, err := s.files.Upload(ctx, req.Content, req.FileName)
	if err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	inv := &domain.Invoice{
		ID:           s.genID.Generate().String(),
		SourceFileID: &fileID,
	}
	if err := s.repo.Create(ctx, inv); err != nil {
		return nil, err
	}

	s.log.Info("invoice ingested",
		zap.String("invoice_id", inv.ID),
		zap.String("file_id", fileID),
		zap.Int("size", len(req.Content)),
	)
	return inv, nil
}

// Process claims the invoice and runs the extraction pipeline. The claim is
// the only mutual exclusion: a second caller loses the guarded update and
// gets the conflict straight back.
func (s *Service) Process(ctx context.Context, id string) (*domain.Invoice, error) {
	claimed, err := s.repo.ClaimForExtraction(ctx, id)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			s.metrics.IncClaimConflict(ctx)
			s.log.Warn("extraction claim lost",
				zap.String("invoice_id", id),
				zap.String("current_state", string(conflict.CurrentState)),
			)
		}
		return nil, err
	}
	if !claimed {
		return nil, &domain.ConflictError{Op: "claim", InvoiceID: id}
	}
	s.metrics.IncClaim(ctx)

	return s.runExtraction(ctx, id)
}

// Reprocess retries a FAILED invoice. The precheck is a courtesy for a
// clear error message; the claim's guard is what actually decides.
func (s *Service) Reprocess(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrNotFound
	}
	if inv.ProcessingState != domain.StateFailed {
		return nil, &domain.ConflictError{
			Op:             "reprocess",
			InvoiceID:      id,
			CurrentState:   inv.ProcessingState,
			CurrentVersion: inv.ReviewVersion,
		}
	}

	claimed, err := s.repo.ClaimForExtraction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, &domain.ConflictError{Op: "reprocess", InvoiceID: id}
	}
	s.metrics.IncClaim(ctx)

	return s.runExtraction(ctx, id)
}

// runExtraction executes providers for an invoice already in PROCESSING.
// Provider failures land the invoice in FAILED so the retry edge stays
// available; the guard miss on that fallback transition is ignored because
// the invoice may have been mutated meanwhile.
func (s *Service) runExtraction(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrNotFound
	}
	if inv.SourceFileID == nil {
		s.failExtraction(ctx, id, "filestore", fmt.Errorf("no source document"))
		return nil, &domain.InvalidInputError{Field: "source_file_id", Reason: "invoice has no source document"}
	}

	document, err := s.files.Download(ctx, *inv.SourceFileID)
	if err != nil {
		s.failExtraction(ctx, id, "filestore", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	result, err := s.recognizer.Extract(ctx, document, *inv.SourceFileID)
	if err != nil {
		s.failExtraction(ctx, id, "recognizer", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	fields := s.applyCorrections(ctx, result)

	patch := buildPatch(fields, result, s.log.With(zap.String("invoice_id", id)))
	applied, err := s.repo.SetExtractionResult(ctx, id, patch, domain.StateProcessing)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, &domain.ConflictError{Op: "set extraction result", InvoiceID: id}
	}
	s.metrics.IncStateTransition(ctx, string(domain.StateProcessing), string(domain.StateExtracted))

	return s.repo.Get(ctx, id)
}

// applyCorrections sends low-confidence fields through the correction
// provider. Correction is best-effort: a failing or unparsable corrector
// leaves the recognized values in place.
func (s *Service) applyCorrections(ctx context.Context, result *recognizer.Result) map[string]recognizer.FieldValue {
	fields := make(map[string]recognizer.FieldValue, len(result.Fields))
	for name, fv := range result.Fields {
		fields[name] = fv
	}

	var low []string
	extraction := make(map[string]string, len(fields))
	for name, fv := range fields {
		extraction[name] = fv.Value
		if fv.Confidence < s.threshold {
			low = append(low, name)
		}
	}
	if len(low) == 0 {
		return fields
	}

	corrections, err := s.corrector.Correct(ctx, corrector.Request{
		LowConfidenceFields: low,
		Extraction:          extraction,
		RawText:             result.RawText,
	})
	if err != nil {
		s.metrics.IncProviderFailure(ctx, "corrector")
		s.log.Warn("correction failed, keeping recognized values", zap.Error(err))
		return fields
	}

	for name, value := range corrections {
		if value == "" {
			continue
		}
		// A corrected value supersedes the recognized one and is trusted
		// enough to skip a second correction round.
		fields[name] = recognizer.FieldValue{Value: value, Confidence: s.threshold}
	}
	return fields
}

func (s *Service) failExtraction(ctx context.Context, id, provider string, cause error) {
	s.metrics.IncProviderFailure(ctx, provider)
	s.log.Error("extraction failed",
		zap.String("invoice_id", id),
		zap.String("provider", provider),
		zap.Error(cause),
	)
	moved, err := s.repo.TransitionState(ctx, id,
		[]domain.ProcessingState{domain.StateProcessing}, domain.StateFailed, false)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.Warn("could not mark invoice failed", zap.String("invoice_id", id), zap.Error(err))
	}
	if moved {
		s.metrics.IncStateTransition(ctx, string(domain.StateProcessing), string(domain.StateFailed))
	}
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrNotFound
	}
	return inv, nil
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]domain.Invoice, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("invoice deleted", zap.String("invoice_id", id))
	return nil
}

// SubmitReview applies a reviewer's patch guarded on the expected review
// version, then reports (never enforces) validation. Approval moves the
// invoice to VALIDATED in a second guarded statement.
func (s *Service) SubmitReview(ctx context.Context, req domain.ReviewRequest) (*domain.ReviewResult, error) {
	applied, err := s.repo.UpdateWithReviewVersion(ctx, req.InvoiceID, req.Patch, req.ExpectedReviewVersion)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			s.metrics.IncVersionConflict(ctx)
			s.log.Warn("stale review rejected",
				zap.String("invoice_id", req.InvoiceID),
				zap.Int64("expected_version", req.ExpectedReviewVersion),
				zap.Int64("current_version", conflict.CurrentVersion),
			)
		}
		return nil, err
	}
	if !applied {
		return nil, &domain.ConflictError{Op: "review update", InvoiceID: req.InvoiceID}
	}

	if req.Approve {
		moved, err := s.repo.TransitionState(ctx, req.InvoiceID,
			[]domain.ProcessingState{domain.StateExtracted}, domain.StateValidated, true)
		if err != nil {
			return nil, err
		}
		if moved {
			s.metrics.IncStateTransition(ctx, string(domain.StateExtracted), string(domain.StateValidated))
		}
	}

	inv, err := s.repo.Get(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrNotFound
	}

	report := s.validator.Validate(inv)
	s.recordValidation(ctx, report)
	return &domain.ReviewResult{Invoice: inv, Validation: report}, nil
}

func (s *Service) Validate(ctx context.Context, id string) (domain.ValidationReport, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.ValidationReport{}, err
	}
	if inv == nil {
		return domain.ValidationReport{}, domain.ErrNotFound
	}
	report := s.validator.Validate(inv)
	s.recordValidation(ctx, report)
	return report, nil
}

// Export serializes a VALIDATED invoice. Exporting earlier in the lifecycle
// is a conflict, not a validation error: the data may still change.
func (s *Service) Export(ctx context.Context, id, format string) ([]byte, string, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if inv == nil {
		return nil, "", domain.ErrNotFound
	}
	if inv.ProcessingState != domain.StateValidated {
		return nil, "", &domain.ConflictError{
			Op:             "export",
			InvoiceID:      id,
			CurrentState:   inv.ProcessingState,
			CurrentVersion: inv.ReviewVersion,
		}
	}

	data, contentType, err := export.Encode(inv, format)
	if err != nil {
		if errors.Is(err, export.ErrUnsupportedFormat) {
			return nil, "", &domain.InvalidInputError{Field: "format", Reason: err.Error()}
		}
		return nil, "", err
	}
	return data, contentType, nil
}

func (s *Service) recordValidation(ctx context.Context, report domain.ValidationReport) {
	for _, check := range report.Checks {
		if !check.Valid && !check.Skipped {
			s.metrics.IncValidationFailure(ctx, check.Name)
		}
	}
}

// buildPatch normalizes untrusted provider output into a tagged patch.
// Unparsable decimals and dates degrade to unset fields; extraction never
// fails on one bad value.
func buildPatch(fields map[string]recognizer.FieldValue, result *recognizer.Result, log *zap.Logger) domain.Patch {
	var patch domain.Patch

	text := func(name string, dst *domain.Field[string]) {
		if fv, ok := fields[name]; ok && fv.Value != "" {
			*dst = domain.SetField(fv.Value)
		}
	}
	text("vendor_name", &patch.VendorName)
	text("vendor_tax_id", &patch.VendorTaxID)
	text("invoice_number", &patch.InvoiceNumber)
	text("purchase_order", &patch.PurchaseOrder)
	text("payment_reference", &patch.PaymentReference)
	text("currency", &patch.Currency)
	text("notes", &patch.Notes)

	date := func(name string, dst *domain.Field[time.Time]) {
		fv, ok := fields[name]
		if !ok || fv.Value == "" {
			return
		}
		t, err := parseDate(fv.Value)
		if err != nil {
			log.Warn("unparsable date from provider",
				zap.String("field", name), zap.String("value", fv.Value))
			return
		}
		*dst = domain.SetField(t)
	}
	date("invoice_date", &patch.InvoiceDate)
	date("due_date", &patch.DueDate)

	amount := func(name string, dst *domain.Field[decimal.Decimal]) {
		fv, ok := fields[name]
		if !ok || fv.Value == "" {
			return
		}
		d := decimalwire.FromWire(fv.Value)
		if d == nil {
			log.Warn("unparsable amount from provider",
				zap.String("field", name), zap.String("value", fv.Value))
			return
		}
		*dst = domain.SetField(*d)
	}
	amount("subtotal", &patch.Subtotal)
	amount("tax_amount", &patch.TaxAmount)
	amount("total_amount", &patch.TotalAmount)
	amount("shipping_amount", &patch.ShippingAmount)
	amount("handling_amount", &patch.HandlingAmount)
	amount("discount_amount", &patch.DiscountAmount)
	amount("gst_amount", &patch.GSTAmount)
	amount("pst_amount", &patch.PSTAmount)
	amount("qst_amount", &patch.QSTAmount)

	confidence := make(map[string]float64, len(fields))
	for name, fv := range fields {
		confidence[name] = fv.Confidence
	}
	if len(confidence) > 0 {
		patch.FieldConfidence = domain.SetField(confidence)
	}
	if result.RawText != "" {
		patch.RawText = domain.SetField(result.RawText)
	}

	return patch
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "01/02/2006", "2006/01/02"}

func parseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}
