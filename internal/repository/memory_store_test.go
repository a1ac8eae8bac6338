package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"invoicegate/internal/models"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/pagination"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestMemoryTokenRepo_IncrementIfBelowCeilingConcurrent(t *testing.T) {
	store := NewMemoryStore(time.UTC)
	ctx := context.Background()
	token := &models.APIToken{TenantID: 1, TokenHash: "h1", IsActive: true, MaxRequestsPerDay: intPtr(25)}
	require.NoError(t, store.Tokens().Create(ctx, token))

	now := time.Now()
	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Tokens().IncrementIfBelowCeiling(ctx, token.ID, "2026-05-15", "10.0.0.1", now)
			if err == nil && ok {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), admitted)
	got, err := store.Tokens().FindByID(ctx, 1, token.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, got.RequestCountToday)
	assert.Equal(t, "10.0.0.1", got.LastUsedIP)
}

func TestMemoryTokenRepo_DayRollover(t *testing.T) {
	store := NewMemoryStore(time.UTC)
	ctx := context.Background()
	token := &models.APIToken{TenantID: 1, TokenHash: "h1", IsActive: true, RequestCountToday: 9, RequestCountDate: "2026-05-14"}
	require.NoError(t, store.Tokens().Create(ctx, token))

	ok, err := store.Tokens().IncrementIfBelowCeiling(ctx, token.ID, "2026-05-15", "10.0.0.1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Tokens().FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RequestCountToday)
	assert.Equal(t, "2026-05-15", got.RequestCountDate)

	require.NoError(t, store.Tokens().ResetDailyIfStale(ctx, token.ID, "2026-05-16"))
	got, _ = store.Tokens().FindByHash(ctx, "h1")
	assert.Equal(t, 0, got.RequestCountToday)
	assert.Equal(t, "2026-05-16", got.RequestCountDate)
}

func TestMemoryTokenRepo_TenantScopedLookup(t *testing.T) {
	store := NewMemoryStore(time.UTC)
	ctx := context.Background()
	token := &models.APIToken{TenantID: 7, TokenHash: "h7", IsActive: true}
	require.NoError(t, store.Tokens().Create(ctx, token))

	_, err := store.Tokens().FindByID(ctx, 8, token.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	assert.ErrorIs(t, store.Tokens().Create(ctx, &models.APIToken{TenantID: 7, TokenHash: "h7"}), errors.ErrConflict)

	require.NoError(t, store.Tokens().Deactivate(ctx, token.ID))
	require.NoError(t, store.Tokens().Deactivate(ctx, token.ID))
	got, _ := store.Tokens().FindByID(ctx, 7, token.ID)
	assert.False(t, got.IsActive)
}

func TestMemorySubscriptionRepo_RecordDocumentConcurrent(t *testing.T) {
	store := NewMemoryStore(time.UTC)
	ctx := context.Background()
	sub := &models.Subscription{TenantID: 1, PlanName: "basic", Status: models.SubscriptionStatusActive}
	require.NoError(t, store.Subscriptions().Create(ctx, sub))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Subscriptions().RecordDocument(ctx, sub.ID, decimal.RequireFromString("12.50"))
		}()
	}
	wg.Wait()

	got, err := store.Subscriptions().FindByID(ctx, 1, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.TotalDocumentsCreated)
	assert.True(t, decimal.NewFromInt(500).Equal(got.TotalSalesAmount))
}

func TestMemorySubscriptionRepo_ConsumeIfWithinLimits(t *testing.T) {
	store := NewMemoryStore(time.UTC)
	ctx := context.Background()
	maxDocs := int64(5)
	maxSales := decimal.NewFromInt(300)
	sub := &models.Subscription{TenantID: 1, Status: models.SubscriptionStatusActive, MaxTotalDocuments: &maxDocs, MaxTotalSalesAmount: &maxSales}
	require.NoError(t, store.Subscriptions().Create(ctx, sub))

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Subscriptions().ConsumeIfWithinLimits(ctx, sub.ID, decimal.NewFromInt(10))
			if err == nil && ok {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), admitted)

	require.NoError(t, store.Subscriptions().UpdateFields(ctx, sub.ID, (&models.Subscription{}).ResetCounters()))
	ok, err := store.Subscriptions().ConsumeIfWithinLimits(ctx, sub.ID, decimal.NewFromInt(301))
	require.NoError(t, err)
	assert.False(t, ok, "sales ceiling")
	ok, err = store.Subscriptions().ConsumeIfWithinLimits(ctx, sub.ID, decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemorySubscriptionRepo_UpdateIfStatusConcurrent(t *testing.T) {
	store := NewMemoryStore(time.UTC)
	ctx := context.Background()
	sub := &models.Subscription{TenantID: 1, Status: models.SubscriptionStatusSuspended}
	require.NoError(t, store.Subscriptions().Create(ctx, sub))

	// 一半尝试激活，一半尝试取消，都以 suspended 为前提
	var won int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		target := models.SubscriptionStatusActive
		if i%2 == 1 {
			target = models.SubscriptionStatusCancelled
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Subscriptions().UpdateIfStatus(ctx, sub.ID, models.SubscriptionStatusSuspended, models.Changes{"status": target})
			if err == nil && ok {
				atomic.AddInt64(&won, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), won)

	got, err := store.Subscriptions().FindByID(ctx, 1, sub.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.SubscriptionStatusSuspended, got.Status)

	ok, err := store.Subscriptions().UpdateIfStatus(ctx, sub.ID, models.SubscriptionStatusSuspended, models.Changes{"status": models.SubscriptionStatusActive})
	require.NoError(t, err)
	assert.False(t, ok)
	after, _ := store.Subscriptions().FindByID(ctx, 1, sub.ID)
	assert.Equal(t, got.Status, after.Status)
}

func TestMemorySubscriptionRepo_FindActiveAndExpire(t *testing.T) {
	store := NewMemoryStore(time.UTC)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)

	_, err := store.Subscriptions().FindActive(ctx, 1, now)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	older := &models.Subscription{TenantID: 1, PlanName: "old", Status: models.SubscriptionStatusActive}
	newer := &models.Subscription{TenantID: 1, PlanName: "new", Status: models.SubscriptionStatusActive}
	lapsed := &models.Subscription{TenantID: 1, PlanName: "lapsed", Status: models.SubscriptionStatusActive, EndsAt: &past}
	for _, s := range []*models.Subscription{older, newer, lapsed} {
		require.NoError(t, store.Subscriptions().Create(ctx, s))
	}

	active, err := store.Subscriptions().FindActive(ctx, 1, now)
	require.NoError(t, err)
	assert.Equal(t, "new", active.PlanName)

	n, err := store.Subscriptions().ExpireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Subscriptions().CancelActive(ctx, 1, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	subs, total, err := store.Subscriptions().ListByTenant(ctx, 1, &pagination.PageParams{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, models.SubscriptionStatusExpired, subs[0].Status)
}

func TestMemoryDocumentCounter(t *testing.T) {
	counter := NewMemoryDocumentCounter(time.UTC)
	ctx := context.Background()
	may := time.Date(2026, 5, 31, 23, 0, 0, 0, time.UTC)

	require.NoError(t, counter.RecordDocument(ctx, 1, may))
	require.NoError(t, counter.RecordDocument(ctx, 1, may))
	require.NoError(t, counter.RecordDocument(ctx, 1, may.Add(2*time.Hour)))

	n, _ := counter.CountDocuments(ctx, 1, MonthOf(may))
	assert.Equal(t, int64(2), n)
	n, _ = counter.CountDocuments(ctx, 2, MonthOf(may))
	assert.Equal(t, int64(0), n)
}

func TestMemoryStore_DocumentMonthFollowsLocation(t *testing.T) {
	lima := time.FixedZone("PET", -5*3600)
	store := NewMemoryStore(lima)
	ctx := context.Background()

	// UTC 已是6月1日，利马仍是5月31日
	require.NoError(t, store.DocumentLedger().RecordDocument(ctx, 1, time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)))

	n, err := store.Documents().CountDocuments(ctx, 1, YearMonth{Year: 2026, Month: time.May})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, _ = store.Documents().CountDocuments(ctx, 1, YearMonth{Year: 2026, Month: time.June})
	assert.Equal(t, int64(0), n)

	utc := NewMemoryStore(nil)
	require.NoError(t, utc.DocumentLedger().RecordDocument(ctx, 1, time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)))
	n, _ = utc.Documents().CountDocuments(ctx, 1, YearMonth{Year: 2026, Month: time.June})
	assert.Equal(t, int64(1), n)
}

func TestYearMonthRange(t *testing.T) {
	start, end := YearMonth{Year: 2026, Month: time.December}.Range(time.UTC)
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)
	assert.Equal(t, "2026-12", YearMonth{Year: 2026, Month: time.December}.String())
}
