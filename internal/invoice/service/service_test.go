package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invora/internal/clock"
	"github.com/smallbiznis/invora/internal/config"
	"github.com/smallbiznis/invora/internal/invoice/domain"
	"github.com/smallbiznis/invora/internal/invoice/repository"
	"github.com/smallbiznis/invora/internal/invoice/validate"
	"github.com/smallbiznis/invora/internal/providers/corrector"
	"github.com/smallbiznis/invora/internal/providers/recognizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mock objects
type mockRecognizer struct {
	mock.Mock
}

func (m *mockRecognizer) Extract(ctx context.Context, document []byte, fileName string) (*recognizer.Result, error) {
	args := m.Called(ctx, document, fileName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*recognizer.Result), args.Error(1)
}

type mockCorrector struct {
	mock.Mock
}

func (m *mockCorrector) Correct(ctx context.Context, req corrector.Request) (map[string]string, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

type mockFilestore struct {
	mock.Mock
}

func (m *mockFilestore) Upload(ctx context.Context, data []byte, name string) (string, error) {
	args := m.Called(ctx, data, name)
	return args.String(0), args.Error(1)
}

func (m *mockFilestore) Download(ctx context.Context, id string) ([]byte, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type testEnv struct {
	svc        domain.Service
	repo       domain.Repository
	db         *gorm.DB
	recognizer *mockRecognizer
	corrector  *mockCorrector
	files      *mockFilestore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Invoice{}, &domain.LineItem{}))

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := repository.Provide(db, zap.NewNop(), clk)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	rec := &mockRecognizer{}
	cor := &mockCorrector{}
	files := &mockFilestore{}

	svc := NewService(ServiceParam{
		Repo:       repo,
		Log:        zap.NewNop(),
		GenID:      node,
		Recognizer: rec,
		Corrector:  cor,
		Files:      files,
		Validator:  validate.New(decimal.New(1, -2)),
		Config:     config.Config{CorrectorThreshold: 0.7},
	})

	return &testEnv{svc: svc, repo: repo, db: db, recognizer: rec, corrector: cor, files: files}
}

func (e *testEnv) seed(t *testing.T, id string, state domain.ProcessingState, mut func(*domain.Invoice)) {
	t.Helper()
	fileID := "doc-" + id
	inv := &domain.Invoice{ID: id, SourceFileID: &fileID}
	if mut != nil {
		mut(inv)
	}
	require.NoError(t, e.repo.Create(context.Background(), inv))
	if state != domain.StatePending {
		require.NoError(t, e.db.Model(&domain.Invoice{}).Where("id = ?", id).
			Update("processing_state", state).Error)
	}
}

func TestIngest_CreatesPendingInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.files.On("Upload", mock.Anything, []byte("pdf bytes"), "invoice.pdf").
		Return("stored-file-id", nil)

	inv, err := env.svc.Ingest(ctx, domain.IngestRequest{FileName: "invoice.pdf", Content: []byte("pdf bytes")})
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, domain.StatePending, inv.ProcessingState)
	assert.Equal(t, domain.StatusUploaded, inv.Status)
	require.NotNil(t, inv.SourceFileID)
	assert.Equal(t, "stored-file-id", *inv.SourceFileID)

	env.files.AssertExpectations(t)
}

func TestIngest_RejectsEmptyDocument(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Ingest(context.Background(), domain.IngestRequest{FileName: "x.pdf"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestProcess_ExtractsAndStoresNormalizedFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "inv-1", domain.StatePending, nil)

	env.files.On("Download", mock.Anything, "doc-inv-1").Return([]byte("doc"), nil)
	env.recognizer.On("Extract", mock.Anything, []byte("doc"), "doc-inv-1").
		Return(&recognizer.Result{
			Fields: map[string]recognizer.FieldValue{
				"vendor_name":  {Value: "ACME Corp", Confidence: 0.95},
				"subtotal":     {Value: "100.50", Confidence: 0.9},
				"total_amount": {Value: "105.00", Confidence: 0.92},
				"invoice_date": {Value: "2026-02-15", Confidence: 0.88},
			},
			RawText: "ACME Corp invoice",
		}, nil)

	inv, err := env.svc.Process(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateExtracted, inv.ProcessingState)
	assert.Equal(t, domain.StatusNeedsReview, inv.Status)
	require.NotNil(t, inv.VendorName)
	assert.Equal(t, "ACME Corp", *inv.VendorName)
	require.True(t, inv.Subtotal.Valid)
	assert.True(t, inv.Subtotal.Decimal.Equal(decimal.RequireFromString("100.50")))
	require.NotNil(t, inv.InvoiceDate)
	assert.Equal(t, "2026-02-15", inv.InvoiceDate.UTC().Format("2006-01-02"))

	// Every field keeps its confidence, no corrector round needed.
	env.corrector.AssertNotCalled(t, "Correct", mock.Anything, mock.Anything)
}

func TestProcess_LowConfidenceFieldsGoThroughCorrector(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "inv-1", domain.StatePending, nil)

	env.files.On("Download", mock.Anything, "doc-inv-1").Return([]byte("doc"), nil)
	env.recognizer.On("Extract", mock.Anything, mock.Anything, mock.Anything).
		Return(&recognizer.Result{
			Fields: map[string]recognizer.FieldValue{
				"vendor_name": {Value: "ACM3 С0rp", Confidence: 0.4},
				"subtotal":    {Value: "100.50", Confidence: 0.9},
			},
		}, nil)
	env.corrector.On("Correct", mock.Anything, mock.MatchedBy(func(req corrector.Request) bool {
		return len(req.LowConfidenceFields) == 1 && req.LowConfidenceFields[0] == "vendor_name"
	})).Return(map[string]string{"vendor_name": "ACME Corp"}, nil)

	inv, err := env.svc.Process(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, inv.VendorName)
	assert.Equal(t, "ACME Corp", *inv.VendorName)

	env.corrector.AssertExpectations(t)
}

func TestProcess_CorrectorFailureKeepsRecognizedValues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "inv-1", domain.StatePending, nil)

	env.files.On("Download", mock.Anything, mock.Anything).Return([]byte("doc"), nil)
	env.recognizer.On("Extract", mock.Anything, mock.Anything, mock.Anything).
		Return(&recognizer.Result{
			Fields: map[string]recognizer.FieldValue{
				"vendor_name": {Value: "Fuzzy Vendor", Confidence: 0.3},
			},
		}, nil)
	env.corrector.On("Correct", mock.Anything, mock.Anything).
		Return(nil, errors.New("model overloaded"))

	inv, err := env.svc.Process(ctx, "inv-1")
	require.NoError(t, err, "correction is best-effort")
	assert.Equal(t, domain.StateExtracted, inv.ProcessingState)
	require.NotNil(t, inv.VendorName)
	assert.Equal(t, "Fuzzy Vendor", *inv.VendorName)
}

func TestProcess_RecognizerFailureLandsInFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "inv-1", domain.StatePending, nil)

	env.files.On("Download", mock.Anything, mock.Anything).Return([]byte("doc"), nil)
	env.recognizer.On("Extract", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("503 from upstream"))

	_, err := env.svc.Process(ctx, "inv-1")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	inv, getErr := env.repo.Get(ctx, "inv-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.StateFailed, inv.ProcessingState)
	assert.Equal(t, domain.StatusFailed, inv.Status)
}

func TestProcess_AlreadyProcessingConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "inv-1", domain.StateProcessing, nil)

	_, err := env.svc.Process(context.Background(), "inv-1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestProcess_MissingInvoiceNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Process(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReprocess_OnlyFromFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "inv-1", domain.StateFailed, nil)
	env.seed(t, "inv-2", domain.StateExtracted, nil)

	env.files.On("Download", mock.Anything, "doc-inv-1").Return([]byte("doc"), nil)
	env.recognizer.On("Extract", mock.Anything, mock.Anything, mock.Anything).
		Return(&recognizer.Result{Fields: map[string]recognizer.FieldValue{
			"vendor_name": {Value: "ACME", Confidence: 0.9},
		}}, nil)

	inv, err := env.svc.Reprocess(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateExtracted, inv.ProcessingState)

	_, err = env.svc.Reprocess(ctx, "inv-2")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSubmitReview_AppliesPatchAndReportsValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "inv-1", domain.StateExtracted, func(inv *domain.Invoice) {
		inv.Subtotal = nullDec("100")
		inv.LineItems = []domain.LineItem{
			{Description: ptr("widget"), Amount: nullDec("90")},
		}
	})

	result, err := env.svc.SubmitReview(ctx, domain.ReviewRequest{
		InvoiceID:             "inv-1",
		ExpectedReviewVersion: 0,
		Patch:                 domain.Patch{Notes: domain.SetField("subtotal looks off")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Invoice.ReviewVersion)
	assert.Equal(t, domain.StateExtracted, result.Invoice.ProcessingState)

	// Subtotal 100 vs line sum 90: the warning is reported, the write stands.
	assert.False(t, result.Validation.AllValid)
	assert.NotEmpty(t, result.Validation.Errors)
}

func TestSubmitReview_StaleVersionRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "inv-1", domain.StateExtracted, nil)

	_, err := env.svc.SubmitReview(ctx, domain.ReviewRequest{
		InvoiceID:             "inv-1",
		ExpectedReviewVersion: 0,
		Patch:                 domain.Patch{Notes: domain.SetField("first")},
	})
	require.NoError(t, err)

	_, err = env.svc.SubmitReview(ctx, domain.ReviewRequest{
		InvoiceID:             "inv-1",
		ExpectedReviewVersion: 0,
		Patch:                 domain.Patch{Notes: domain.SetField("stale")},
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSubmitReview_ApproveMovesToValidated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "inv-1", domain.StateExtracted, nil)

	result, err := env.svc.SubmitReview(ctx, domain.ReviewRequest{
		InvoiceID:             "inv-1",
		ExpectedReviewVersion: 0,
		Approve:               true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateValidated, result.Invoice.ProcessingState)
	assert.Equal(t, domain.StatusValidated, result.Invoice.Status)
}

func TestSubmitReview_ApproveOutsideExtractedConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "inv-1", domain.StatePending, nil)

	_, err := env.svc.SubmitReview(context.Background(), domain.ReviewRequest{
		InvoiceID:             "inv-1",
		ExpectedReviewVersion: 0,
		Approve:               true,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestValidate_ReportsChecks(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "inv-1", domain.StateExtracted, func(inv *domain.Invoice) {
		inv.Subtotal = nullDec("100")
		inv.TaxAmount = nullDec("5")
		inv.TotalAmount = nullDec("105")
		inv.LineItems = []domain.LineItem{
			{Description: ptr("widget"), Amount: nullDec("100"), TaxAmount: nullDec("5")},
		}
	})

	report, err := env.svc.Validate(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.True(t, report.AllValid)
	assert.NotEmpty(t, report.Checks)
}

func TestExport_RequiresValidatedState(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "inv-1", domain.StateExtracted, nil)

	_, _, err := env.svc.Export(context.Background(), "inv-1", "json")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestExport_JSONAndCSV(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "inv-1", domain.StateValidated, func(inv *domain.Invoice) {
		vendor := "ACME"
		inv.VendorName = &vendor
		inv.TotalAmount = nullDec("105.00")
		inv.LineItems = []domain.LineItem{
			{Description: ptr("widget"), Amount: nullDec("100")},
		}
	})
	ctx := context.Background()

	data, contentType, err := env.svc.Export(ctx, "inv-1", "json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Contains(t, string(data), `"total_amount": "105"`)

	data, contentType, err = env.svc.Export(ctx, "inv-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", contentType)
	assert.Contains(t, string(data), "ACME")

	_, _, err = env.svc.Export(ctx, "inv-1", "xml")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func ptr(s string) *string { return &s }

func nullDec(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}
