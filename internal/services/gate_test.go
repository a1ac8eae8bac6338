package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"invoicegate/internal/models"
	"invoicegate/internal/repository"
	"invoicegate/pkg/config"
	"invoicegate/pkg/counter"
	"invoicegate/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testGateConfig = config.GateConfig{
	TokenDigestKey:  "test-digest-key",
	TokenPrefix:     "igk_",
	Timezone:        "UTC",
	AllowQueryToken: true,
}

type gateFixture struct {
	store  *repository.MemoryStore
	tokens *TokenService
	gate   *Gate
	tenant *models.Tenant
	now    time.Time
}

func newGateFixture(t *testing.T, cfg config.GateConfig) *gateFixture {
	t.Helper()
	store := repository.NewMemoryStore(time.UTC)
	tokens := NewTokenService(store, cfg)
	gate := NewGate(store, tokens, counter.NewMemoryCounter("test", time.Minute), cfg)

	now := time.Date(2026, 5, 15, 10, 30, 0, 0, time.UTC)
	gate.clock = func() time.Time { return now }

	tenant := &models.Tenant{Name: "Comercial Andina SAC", RUC: "20123456789", Status: models.TenantStatusActive}
	require.NoError(t, store.Tenants().Create(context.Background(), tenant))

	return &gateFixture{store: store, tokens: tokens, gate: gate, tenant: tenant, now: now}
}

func (f *gateFixture) mint(t *testing.T, opts MintOptions) *MintedToken {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "ERP"
	}
	minted, err := f.tokens.Mint(context.Background(), f.tenant.ID, opts)
	require.NoError(t, err)
	return minted
}

func (f *gateFixture) call(secret, ip string) (*GateResult, error) {
	return f.gate.Authenticate(context.Background(), GateRequest{
		Authorization: "Bearer " + secret,
		ClientIP:      ip,
	})
}

func TestExtractSecretPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		req        GateRequest
		allowQuery bool
		want       string
	}{
		{"bearer wins", GateRequest{Authorization: "Bearer aaa", APIKey: "bbb", QueryToken: "ccc"}, true, "aaa"},
		{"lowercase scheme", GateRequest{Authorization: "bearer aaa"}, true, "aaa"},
		{"basic ignored", GateRequest{Authorization: "Basic Zm9vOmJhcg==", APIKey: "bbb"}, true, "bbb"},
		{"header before query", GateRequest{APIKey: "bbb", QueryToken: "ccc"}, true, "bbb"},
		{"query", GateRequest{QueryToken: "ccc"}, true, "ccc"},
		{"query disabled", GateRequest{QueryToken: "ccc"}, false, ""},
		{"nothing", GateRequest{}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSecret(tt.req, tt.allowQuery))
		})
	}
}

func TestGate_SuccessRecordsExactlyOneUse(t *testing.T) {
	f := newGateFixture(t, testGateConfig)
	minted := f.mint(t, MintOptions{Abilities: []string{"invoices.create"}})

	result, err := f.call(minted.Secret, "203.0.113.9")
	require.NoError(t, err)
	require.NotNil(t, result.Principal)
	assert.Equal(t, f.tenant.ID, result.Principal.TenantID())
	assert.Equal(t, f.tenant.ID, result.Principal.Tenant.ID)
	assert.True(t, result.Principal.HasAbility("invoices.create"))
	assert.False(t, result.Principal.HasAbility("invoices.void"))

	stored, err := f.store.Tokens().FindByID(context.Background(), f.tenant.ID, minted.Token.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RequestCountToday)
	assert.Equal(t, "2026-05-15", stored.RequestCountDate)
	assert.Equal(t, "203.0.113.9", stored.LastUsedIP)
	require.NotNil(t, stored.LastUsedAt)
}

func TestGate_Rejections(t *testing.T) {
	f := newGateFixture(t, testGateConfig)
	ctx := context.Background()

	_, err := f.gate.Authenticate(ctx, GateRequest{ClientIP: "10.0.0.1"})
	assert.Equal(t, errors.KindCredentialMissing, errors.KindOf(err))

	_, err = f.call("igk_doesnotexist", "10.0.0.1")
	assert.Equal(t, errors.KindCredentialInvalid, errors.KindOf(err))

	// 停用的令牌，其他字段全部合法
	revoked := f.mint(t, MintOptions{})
	require.NoError(t, f.tokens.Revoke(ctx, f.tenant.ID, revoked.Token.ID))
	_, err = f.call(revoked.Secret, "10.0.0.1")
	assert.Equal(t, errors.KindCredentialInvalid, errors.KindOf(err))

	past := f.now.Add(-time.Minute)
	expired := f.mint(t, MintOptions{ExpiresAt: &past})
	_, invalidErr := f.call(expired.Secret, "10.0.0.1")
	assert.Equal(t, errors.KindCredentialInvalid, errors.KindOf(invalidErr))
	assert.Equal(t, err.Error(), invalidErr.Error(), "inactive and expired are indistinguishable")

	restricted := f.mint(t, MintOptions{AllowedIPs: []string{"10.0.0.0/24"}})
	_, err = f.call(restricted.Secret, "10.0.1.5")
	assert.Equal(t, errors.KindIPNotAllowed, errors.KindOf(err))
	_, err = f.call(restricted.Secret, "10.0.0.5")
	assert.NoError(t, err)
}

func TestGate_InactiveTokenNeverRecordsUse(t *testing.T) {
	f := newGateFixture(t, testGateConfig)
	ctx := context.Background()
	minted := f.mint(t, MintOptions{})
	require.NoError(t, f.tokens.Revoke(ctx, f.tenant.ID, minted.Token.ID))

	for i := 0; i < 3; i++ {
		_, err := f.call(minted.Secret, "10.0.0.1")
		require.ErrorIs(t, err, errors.ErrCredentialInvalid)
	}
	stored, _ := f.store.Tokens().FindByID(ctx, f.tenant.ID, minted.Token.ID)
	assert.Equal(t, 0, stored.RequestCountToday)
}

func TestGate_DailyCeilingScenario(t *testing.T) {
	f := newGateFixture(t, testGateConfig)
	ceiling := 2
	minted := f.mint(t, MintOptions{MaxRequestsPerDay: &ceiling})

	first, err := f.call(minted.Secret, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.DailyCount)

	second, err := f.call(minted.Secret, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 2, second.DailyCount)

	third, err := f.call(minted.Secret, "10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, errors.KindRateLimitExceeded, errors.KindOf(err))
	require.NotNil(t, third)
	assert.Equal(t, 2, third.DailyCount)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "day", appErr.Details["window"])
}

func TestGate_DayRollover(t *testing.T) {
	f := newGateFixture(t, testGateConfig)
	ctx := context.Background()
	ceiling := 3
	minted := f.mint(t, MintOptions{MaxRequestsPerDay: &ceiling})

	// 昨天已用满
	for i := 0; i < ceiling; i++ {
		_, err := f.store.Tokens().IncrementIfBelowCeiling(ctx, minted.Token.ID, "2026-05-14", "10.0.0.1", f.now.Add(-24*time.Hour))
		require.NoError(t, err)
	}
	stored, _ := f.store.Tokens().FindByID(ctx, f.tenant.ID, minted.Token.ID)
	require.Equal(t, ceiling, stored.RequestCountToday)

	result, err := f.call(minted.Secret, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.DailyCount)

	stored, _ = f.store.Tokens().FindByID(ctx, f.tenant.ID, minted.Token.ID)
	assert.Equal(t, 1, stored.RequestCountToday)
	assert.Equal(t, "2026-05-15", stored.RequestCountDate)
}

func TestGate_DailyCeilingUnderConcurrency(t *testing.T) {
	f := newGateFixture(t, testGateConfig)
	ceiling := 10
	minted := f.mint(t, MintOptions{MaxRequestsPerDay: &ceiling})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		limited  int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.call(minted.Secret, "10.0.0.1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else if errors.Is(err, errors.ErrRateLimited) {
				limited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, ceiling, admitted)
	assert.Equal(t, 40, limited)
	stored, _ := f.store.Tokens().FindByID(context.Background(), f.tenant.ID, minted.Token.ID)
	assert.Equal(t, ceiling, stored.RequestCountToday)
}

func TestGate_MinuteCeiling(t *testing.T) {
	f := newGateFixture(t, testGateConfig)
	perMinute := 2
	minted := f.mint(t, MintOptions{MaxRequestsPerMinute: &perMinute})

	for i := 0; i < perMinute; i++ {
		result, err := f.call(minted.Secret, "10.0.0.1")
		require.NoError(t, err)
		require.NotNil(t, result.Minute)
		assert.Equal(t, int64(perMinute-i-1), result.Minute.Remaining())
	}

	result, err := f.call(minted.Secret, "10.0.0.1")
	assert.Equal(t, errors.KindRateLimitExceeded, errors.KindOf(err))
	require.NotNil(t, result)
	assert.False(t, result.Minute.Allowed)

	// 被分钟上限拒绝的请求不计入日计数
	stored, _ := f.store.Tokens().FindByID(context.Background(), f.tenant.ID, minted.Token.ID)
	assert.Equal(t, perMinute, stored.RequestCountToday)

	// 下一分钟恢复
	f.gate.clock = func() time.Time { return f.now.Add(time.Minute) }
	_, err = f.call(minted.Secret, "10.0.0.1")
	assert.NoError(t, err)
}

func TestGate_TenantGate(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive tenant", func(t *testing.T) {
		f := newGateFixture(t, testGateConfig)
		minted := f.mint(t, MintOptions{})
		require.NoError(t, f.store.Tenants().UpdateStatus(ctx, f.tenant.ID, models.TenantStatusInactive))

		_, err := f.call(minted.Secret, "10.0.0.1")
		assert.Equal(t, errors.KindTenantDisabled, errors.KindOf(err))

		// 租户检查失败时不记录使用
		stored, _ := f.store.Tokens().FindByID(ctx, f.tenant.ID, minted.Token.ID)
		assert.Equal(t, 0, stored.RequestCountToday)
	})

	t.Run("subscription required", func(t *testing.T) {
		cfg := testGateConfig
		cfg.RequireSubscription = true
		f := newGateFixture(t, cfg)
		minted := f.mint(t, MintOptions{})

		_, err := f.call(minted.Secret, "10.0.0.1")
		assert.Equal(t, errors.KindTenantDisabled, errors.KindOf(err))

		sub := &models.Subscription{TenantID: f.tenant.ID, PlanName: "basic", Status: models.SubscriptionStatusActive}
		require.NoError(t, f.store.Subscriptions().Create(ctx, sub))
		_, err = f.call(minted.Secret, "10.0.0.1")
		assert.NoError(t, err)
	})

	t.Run("subscription not required", func(t *testing.T) {
		f := newGateFixture(t, testGateConfig)
		minted := f.mint(t, MintOptions{})
		_, err := f.call(minted.Secret, "10.0.0.1")
		assert.NoError(t, err)
	})
}
