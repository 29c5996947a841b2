package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invora/internal/clock"
	"github.com/smallbiznis/invora/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (domain.Repository, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&domain.Invoice{}, &domain.LineItem{}))

	// sqlite serializes writers; a single pooled connection keeps racing
	// goroutines from tripping over SQLITE_BUSY instead of the guard.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return Provide(db, zap.NewNop(), clk), clk, db
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCreate_RequiresID(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	err := repo.Create(context.Background(), &domain.Invoice{})
	assert.ErrorIs(t, err, domain.ErrMissingID)
}

func TestCreate_DefaultsAndWriteOnceCreatedAt(t *testing.T) {
	repo, clk, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, domain.StatePending, inv.ProcessingState)
	assert.Equal(t, domain.StatusUploaded, inv.Status)
	assert.Equal(t, int64(0), inv.ReviewVersion)
	createdAt := inv.CreatedAt

	clk.Advance(time.Hour)
	ok, err := repo.ClaimForExtraction(ctx, "inv-1")
	require.NoError(t, err)
	require.True(t, ok)

	inv, err = repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.WithinDuration(t, createdAt, inv.CreatedAt, 0, "created_at must never change after create")
	assert.True(t, inv.UpdatedAt.After(createdAt))
}

func TestUpdatedAt_StrictlyIncreasesWithinOneClockTick(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	// The clock is frozen for the whole test; every accepted mutation must
	// still carry a strictly later updated_at than the one before it.
	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))
	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	first := inv.UpdatedAt

	ok, err := repo.ClaimForExtraction(ctx, "inv-1")
	require.NoError(t, err)
	require.True(t, ok)

	inv, err = repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	require.True(t, inv.UpdatedAt.After(first), "claim in the same tick must advance updated_at")
	second := inv.UpdatedAt

	applied, err := repo.SetExtractionResult(ctx, "inv-1", domain.Patch{}, domain.StateProcessing)
	require.NoError(t, err)
	require.True(t, applied)

	inv, err = repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, inv.UpdatedAt.After(second))
	assert.True(t, inv.UpdatedAt.After(inv.CreatedAt))
}

func TestCreate_DuplicateIDConflicts(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))
	err := repo.Create(ctx, &domain.Invoice{ID: "inv-1"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestGet_MissingReturnsNil(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	inv, err := repo.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, inv)
}

func TestClaimForExtraction_ExactlyOneWinner(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := repo.ClaimForExtraction(ctx, "inv-1")
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent claimant may win")

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessing, inv.ProcessingState)
	assert.Equal(t, domain.StatusProcessing, inv.Status)
}

func TestClaimForExtraction_FromFailed(t *testing.T) {
	repo, _, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))
	require.NoError(t, db.Model(&domain.Invoice{}).Where("id = ?", "inv-1").
		Update("processing_state", domain.StateFailed).Error)

	ok, err := repo.ClaimForExtraction(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimForExtraction_WrongStateConflicts(t *testing.T) {
	repo, _, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))
	require.NoError(t, db.Model(&domain.Invoice{}).Where("id = ?", "inv-1").
		Update("processing_state", domain.StateValidated).Error)

	ok, err := repo.ClaimForExtraction(ctx, "inv-1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrConflict)

	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.StateValidated, conflict.CurrentState)
}

func TestClaimForExtraction_MissingRowNotFound(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	ok, err := repo.ClaimForExtraction(context.Background(), "nope")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetExtractionResult_AppliesPatchAndAdvances(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))
	ok, err := repo.ClaimForExtraction(ctx, "inv-1")
	require.NoError(t, err)
	require.True(t, ok)

	patch := domain.Patch{
		VendorName: domain.SetField("ACME Corp"),
		Subtotal:   domain.SetField(dec("100.50")),
		LineItems: domain.SetField([]domain.LineItem{
			{Description: strPtr("widget"), Amount: nullDec("100.50")},
		}),
	}
	applied, err := repo.SetExtractionResult(ctx, "inv-1", patch, domain.StateProcessing)
	require.NoError(t, err)
	assert.True(t, applied)

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateExtracted, inv.ProcessingState)
	assert.Equal(t, domain.StatusNeedsReview, inv.Status)
	require.NotNil(t, inv.VendorName)
	assert.Equal(t, "ACME Corp", *inv.VendorName)
	require.True(t, inv.Subtotal.Valid)
	assert.True(t, inv.Subtotal.Decimal.Equal(dec("100.50")))
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, 1, inv.LineItems[0].LineNumber)
}

func TestSetExtractionResult_GuardMissRollsBackLineItems(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{
		ID: "inv-1",
		LineItems: []domain.LineItem{
			{Description: strPtr("original"), Amount: nullDec("10")},
		},
	}))

	// Still PENDING, so a guard expecting PROCESSING must miss.
	patch := domain.Patch{
		LineItems: domain.SetField([]domain.LineItem{
			{Description: strPtr("replacement"), Amount: nullDec("99")},
		}),
	}
	applied, err := repo.SetExtractionResult(ctx, "inv-1", patch, domain.StateProcessing)
	assert.False(t, applied)
	assert.ErrorIs(t, err, domain.ErrConflict)

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, "original", *inv.LineItems[0].Description)
}

func TestTransitionState_RejectsNonEdges(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))

	// PENDING -> VALIDATED is not an edge of the state machine.
	ok, err := repo.TransitionState(ctx, "inv-1",
		[]domain.ProcessingState{domain.StatePending}, domain.StateValidated, false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	inv, _ := repo.Get(ctx, "inv-1")
	assert.Equal(t, domain.StatePending, inv.ProcessingState)
}

func TestTransitionState_GuardMissSilentOrTyped(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))

	// Row is PENDING; a PROCESSING -> FAILED transition misses the guard.
	ok, err := repo.TransitionState(ctx, "inv-1",
		[]domain.ProcessingState{domain.StateProcessing}, domain.StateFailed, false)
	assert.False(t, ok)
	assert.NoError(t, err)

	ok, err = repo.TransitionState(ctx, "inv-1",
		[]domain.ProcessingState{domain.StateProcessing}, domain.StateFailed, true)
	assert.False(t, ok)
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatePending, invalid.Current)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestTransitionState_MissingRowNotFound(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	ok, err := repo.TransitionState(context.Background(), "nope",
		[]domain.ProcessingState{domain.StatePending}, domain.StateProcessing, false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateWithReviewVersion_AdvancesByOne(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))

	patch := domain.Patch{Notes: domain.SetField("checked totals")}
	applied, err := repo.UpdateWithReviewVersion(ctx, "inv-1", patch, 0)
	require.NoError(t, err)
	assert.True(t, applied)

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inv.ReviewVersion)
	require.NotNil(t, inv.Notes)
	assert.Equal(t, "checked totals", *inv.Notes)
}

func TestUpdateWithReviewVersion_StaleLoserMutatesNothing(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{
		ID: "inv-1",
		LineItems: []domain.LineItem{
			{Description: strPtr("original"), Amount: nullDec("10")},
		},
	}))

	first := domain.Patch{Notes: domain.SetField("first reviewer")}
	applied, err := repo.UpdateWithReviewVersion(ctx, "inv-1", first, 0)
	require.NoError(t, err)
	require.True(t, applied)

	// Second reviewer still holds version 0 and also replaces line items;
	// nothing of theirs may land.
	second := domain.Patch{
		Notes: domain.SetField("second reviewer"),
		LineItems: domain.SetField([]domain.LineItem{
			{Description: strPtr("stale replacement"), Amount: nullDec("999")},
		}),
	}
	applied, err = repo.UpdateWithReviewVersion(ctx, "inv-1", second, 0)
	assert.False(t, applied)
	assert.ErrorIs(t, err, domain.ErrConflict)

	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.CurrentVersion)

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inv.ReviewVersion)
	assert.Equal(t, "first reviewer", *inv.Notes)
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, "original", *inv.LineItems[0].Description)
}

func TestUpdateWithReviewVersion_ConcurrentReviewersOneWins(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))

	const reviewers = 6
	var wg sync.WaitGroup
	results := make(chan bool, reviewers)
	for i := 0; i < reviewers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			patch := domain.Patch{Notes: domain.SetField(fmt.Sprintf("reviewer %d", i))}
			ok, _ := repo.UpdateWithReviewVersion(ctx, "inv-1", patch, 0)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inv.ReviewVersion)
}

func TestUpdateWithReviewVersion_ClearDirectives(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	notes := "remove me"
	require.NoError(t, repo.Create(ctx, &domain.Invoice{
		ID:    "inv-1",
		Notes: &notes,
		LineItems: []domain.LineItem{
			{Description: strPtr("line"), Amount: nullDec("5")},
		},
	}))

	patch := domain.Patch{
		Notes:     domain.ClearField[string](),
		LineItems: domain.ClearField[[]domain.LineItem](),
	}
	applied, err := repo.UpdateWithReviewVersion(ctx, "inv-1", patch, 0)
	require.NoError(t, err)
	assert.True(t, applied)

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Nil(t, inv.Notes)
	assert.Empty(t, inv.LineItems)
}

func TestUpdateWithReviewVersion_RejectsClearOutsideAllowList(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))

	patch := domain.Patch{VendorName: domain.ClearField[string]()}
	applied, err := repo.UpdateWithReviewVersion(ctx, "inv-1", patch, 0)
	assert.False(t, applied)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	inv, _ := repo.Get(ctx, "inv-1")
	assert.Equal(t, int64(0), inv.ReviewVersion, "rejected patch must not burn a version")
}

func TestUpdateWithReviewVersion_NegativeExpectedRejected(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	applied, err := repo.UpdateWithReviewVersion(context.Background(), "inv-1", domain.Patch{}, -1)
	assert.False(t, applied)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestGet_ReadRepairFromLegacyColumn(t *testing.T) {
	repo, _, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))
	legacy := `[{"line_number":2,"description":"legacy item","quantity":"2","unit_price":1.25,"amount":"2.50"}]`
	require.NoError(t, db.Model(&domain.Invoice{}).Where("id = ?", "inv-1").
		Update("line_items_json", datatypes.JSON(legacy)).Error)

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, 2, inv.LineItems[0].LineNumber)
	assert.Equal(t, "legacy item", *inv.LineItems[0].Description)
	require.True(t, inv.LineItems[0].Amount.Valid)
	assert.True(t, inv.LineItems[0].Amount.Decimal.Equal(dec("2.50")))
	// Float-typed legacy values parse through the same path.
	require.True(t, inv.LineItems[0].UnitPrice.Valid)
	assert.True(t, inv.LineItems[0].UnitPrice.Decimal.Equal(dec("1.25")))
}

func TestGet_ChildTableShadowsLegacyColumn(t *testing.T) {
	repo, _, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{
		ID: "inv-1",
		LineItems: []domain.LineItem{
			{Description: strPtr("authoritative"), Amount: nullDec("7")},
		},
	}))
	legacy := `[{"line_number":1,"description":"stale legacy","amount":"999"}]`
	require.NoError(t, db.Model(&domain.Invoice{}).Where("id = ?", "inv-1").
		Update("line_items_json", datatypes.JSON(legacy)).Error)

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, "authoritative", *inv.LineItems[0].Description)
}

func TestGet_UnreadableLegacyColumnDegradesToEmpty(t *testing.T) {
	repo, _, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))
	require.NoError(t, db.Model(&domain.Invoice{}).Where("id = ?", "inv-1").
		Update("line_items_json", datatypes.JSON(`{"not":"an array"`)).Error)

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Empty(t, inv.LineItems)
}

func TestReplaceLineItems_NullsLegacyColumn(t *testing.T) {
	repo, _, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1"}))
	legacy := `[{"line_number":1,"description":"legacy","amount":"1"}]`
	require.NoError(t, db.Model(&domain.Invoice{}).Where("id = ?", "inv-1").
		Update("line_items_json", datatypes.JSON(legacy)).Error)

	patch := domain.Patch{LineItems: domain.ClearField[[]domain.LineItem]()}
	applied, err := repo.UpdateWithReviewVersion(ctx, "inv-1", patch, 0)
	require.NoError(t, err)
	require.True(t, applied)

	// The legacy column must not resurrect the cleared collection.
	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Empty(t, inv.LineItems)
}

func TestDelete_RemovesInvoiceAndChildren(t *testing.T) {
	repo, _, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Invoice{
		ID: "inv-1",
		LineItems: []domain.LineItem{
			{Description: strPtr("line"), Amount: nullDec("5")},
		},
	}))

	require.NoError(t, repo.Delete(ctx, "inv-1"))

	inv, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Nil(t, inv)

	var count int64
	require.NoError(t, db.Model(&domain.LineItem{}).Where("invoice_id = ?", "inv-1").Count(&count).Error)
	assert.Zero(t, count)

	assert.ErrorIs(t, repo.Delete(ctx, "inv-1"), domain.ErrNotFound)
}

func TestList_Filters(t *testing.T) {
	repo, clk, db := newTestRepo(t)
	ctx := context.Background()

	vendor := "ACME"
	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-1", VendorName: &vendor}))
	clk.Advance(time.Minute)
	require.NoError(t, repo.Create(ctx, &domain.Invoice{ID: "inv-2"}))
	require.NoError(t, db.Model(&domain.Invoice{}).Where("id = ?", "inv-2").
		Update("processing_state", domain.StateExtracted).Error)

	all, err := repo.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "inv-2", all[0].ID, "newest first")

	state := domain.StateExtracted
	filtered, err := repo.List(ctx, domain.ListFilter{ProcessingState: &state})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "inv-2", filtered[0].ID)

	byVendor, err := repo.List(ctx, domain.ListFilter{VendorName: &vendor})
	require.NoError(t, err)
	require.Len(t, byVendor, 1)
	assert.Equal(t, "inv-1", byVendor[0].ID)

	paged, err := repo.List(ctx, domain.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "inv-1", paged[0].ID)
}

func strPtr(s string) *string { return &s }

func nullDec(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: dec(s), Valid: true}
}
