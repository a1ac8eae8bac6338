package services

import (
	"context"
	"testing"
	"time"

	"invoicegate/internal/models"
	"invoicegate/internal/repository"
	"invoicegate/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionService_CreateDefaults(t *testing.T) {
	f := newQuotaFixture(t, false)
	endsAt := f.now.AddDate(0, 1, 0)

	sub := f.subscribe(t, CreateSubscriptionInput{EndsAt: &endsAt, Price: decimal.RequireFromString("59.90")})
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, models.PlanTypeMonthly, sub.PlanType)
	assert.Equal(t, "PEN", sub.Currency)
	require.NotNil(t, sub.StartsAt)
	assert.True(t, sub.StartsAt.Equal(f.now))
	require.NotNil(t, sub.NextPaymentAt)
	assert.True(t, sub.NextPaymentAt.Equal(endsAt))

	lifetime := f.subscribe(t, CreateSubscriptionInput{PlanType: models.PlanTypeLifetime})
	assert.Nil(t, lifetime.NextPaymentAt)
}

func TestSubscriptionService_CreateValidation(t *testing.T) {
	f := newQuotaFixture(t, false)
	ctx := context.Background()
	before := f.now.Add(-time.Hour)

	_, err := f.subs.Create(ctx, f.tenant.ID, CreateSubscriptionInput{PlanName: "x", StartsAt: &f.now, EndsAt: &before})
	assert.Equal(t, errors.KindInvalidParam, errors.KindOf(err))

	_, err = f.subs.Create(ctx, f.tenant.ID, CreateSubscriptionInput{PlanName: "x", Price: decimal.NewFromInt(-1)})
	assert.Equal(t, errors.KindInvalidParam, errors.KindOf(err))

	_, err = f.subs.Create(ctx, f.tenant.ID+100, CreateSubscriptionInput{PlanName: "x"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSubscriptionService_CancelPrevious(t *testing.T) {
	f := newQuotaFixture(t, false)
	ctx := context.Background()

	first := f.subscribe(t, CreateSubscriptionInput{PlanName: "Plan Basico"})
	second := f.subscribe(t, CreateSubscriptionInput{PlanName: "Plan Pro", CancelPrevious: true})

	old, err := f.subs.Get(ctx, f.tenant.ID, first.ID)
	require.NoError(t, err)
	assert.True(t, old.IsCancelled())
	assert.NotNil(t, old.CancelledAt)

	active, err := f.subs.Active(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestSubscriptionService_Transitions(t *testing.T) {
	f := newQuotaFixture(t, false)
	ctx := context.Background()
	sub := f.subscribe(t, CreateSubscriptionInput{})

	got, err := f.subs.Suspend(ctx, f.tenant.ID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusSuspended, got.Status)

	has, err := f.subs.HasActive(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.False(t, has)

	got, err = f.subs.Activate(ctx, f.tenant.ID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)

	// 已是 active 时激活不报错
	_, err = f.subs.Activate(ctx, f.tenant.ID, sub.ID)
	require.NoError(t, err)

	got, err = f.subs.Renew(ctx, f.tenant.ID, sub.ID, 3)
	require.NoError(t, err)
	require.NotNil(t, got.EndsAt)
	assert.True(t, got.EndsAt.Equal(f.now.AddDate(0, 3, 0)))
	assert.True(t, got.NextPaymentAt.Equal(*got.EndsAt))

	got, err = f.subs.Renew(ctx, f.tenant.ID, sub.ID, 1)
	require.NoError(t, err)
	assert.True(t, got.EndsAt.Equal(f.now.AddDate(0, 4, 0)), "renewal extends from the previous end")

	_, err = f.subs.Renew(ctx, f.tenant.ID, sub.ID, 13)
	assert.Equal(t, errors.KindInvalidParam, errors.KindOf(err))

	got, err = f.subs.Cancel(ctx, f.tenant.ID, sub.ID)
	require.NoError(t, err)
	assert.True(t, got.IsCancelled())

	_, err = f.subs.Cancel(ctx, f.tenant.ID, sub.ID)
	require.NoError(t, err)

	_, err = f.subs.Activate(ctx, f.tenant.ID, sub.ID)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
	_, err = f.subs.Renew(ctx, f.tenant.ID, sub.ID, 1)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
	_, err = f.subs.Suspend(ctx, f.tenant.ID, sub.ID)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
}

// staleSubscriptions 让 FindByID 返回过期的快照，模拟读取后被并发修改
type staleSubscriptions struct {
	repository.SubscriptionRepository
	stale *models.Subscription
}

func (r staleSubscriptions) FindByID(_ context.Context, _, _ uint) (*models.Subscription, error) {
	s := *r.stale
	return &s, nil
}

type staleStore struct {
	repository.Store
	subs repository.SubscriptionRepository
}

func (s staleStore) Subscriptions() repository.SubscriptionRepository { return s.subs }

func TestSubscriptionService_TransitionLosesToConcurrentChange(t *testing.T) {
	f := newQuotaFixture(t, false)
	ctx := context.Background()
	sub := f.subscribe(t, CreateSubscriptionInput{})

	suspended, err := f.subs.Suspend(ctx, f.tenant.ID, sub.ID)
	require.NoError(t, err)
	snapshot := *suspended

	// 读到 suspended 之后，另一个请求把订阅取消了
	_, err = f.subs.Cancel(ctx, f.tenant.ID, sub.ID)
	require.NoError(t, err)

	racing := NewSubscriptionService(staleStore{
		Store: f.store,
		subs:  staleSubscriptions{SubscriptionRepository: f.store.Subscriptions(), stale: &snapshot},
	})
	racing.clock = func() time.Time { return f.now }

	_, err = racing.Activate(ctx, f.tenant.ID, sub.ID)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))

	got, err := f.store.Subscriptions().FindByID(ctx, f.tenant.ID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelled, got.Status)
	assert.True(t, got.IsCancelled())
}

func TestSubscriptionService_TenantScope(t *testing.T) {
	f := newQuotaFixture(t, false)
	ctx := context.Background()
	sub := f.subscribe(t, CreateSubscriptionInput{})

	_, err := f.subs.Get(ctx, f.tenant.ID+1, sub.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = f.subs.Cancel(ctx, f.tenant.ID+1, sub.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSubscriptionService_UpdateAndView(t *testing.T) {
	f := newQuotaFixture(t, false)
	ctx := context.Background()
	sub := f.subscribe(t, CreateSubscriptionInput{})

	planName := "Plan Empresarial"
	maxDocs := int64(1000)
	maxDocsPtr := &maxDocs
	features := []string{"api_access"}
	got, err := f.subs.Update(ctx, f.tenant.ID, sub.ID, SubscriptionUpdate{
		PlanName:          &planName,
		MaxTotalDocuments: &maxDocsPtr,
		Features:          &features,
	})
	require.NoError(t, err)
	assert.Equal(t, planName, got.PlanName)
	require.NotNil(t, got.MaxTotalDocuments)
	assert.Equal(t, int64(1000), *got.MaxTotalDocuments)
	assert.True(t, got.HasFeature("api_access"))
	assert.False(t, got.HasFeature("pdf_generation"))

	view := f.subs.View(got)
	assert.True(t, view.IsActive)
	assert.Nil(t, view.DaysRemaining)
	require.NotNil(t, view.RemainingDocuments)
	assert.Equal(t, int64(1000), *view.RemainingDocuments)
	assert.Nil(t, view.RemainingSalesAmount)
}

func TestSubscriptionService_ExpireDue(t *testing.T) {
	f := newQuotaFixture(t, false)
	ctx := context.Background()
	past := f.now.Add(-time.Hour)
	future := f.now.Add(time.Hour)
	lapsed := f.subscribe(t, CreateSubscriptionInput{StartsAt: &past, EndsAt: &f.now})
	f.subscribe(t, CreateSubscriptionInput{EndsAt: &future})

	// 时钟拨到结束时间之后
	f.subs.clock = func() time.Time { return f.now.Add(time.Minute) }
	n, err := f.subs.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.subs.Get(ctx, f.tenant.ID, lapsed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, got.Status)
}
