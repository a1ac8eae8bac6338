package services

import (
	"context"
	"time"

	"invoicegate/internal/models"
	"invoicegate/internal/repository"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/logger"
	"invoicegate/pkg/metrics"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// 额度拒绝原因
const (
	QuotaReasonTenantDisabled = "tenant_disabled"
	QuotaReasonNoSubscription = "no_subscription"
	QuotaReasonMonthlyLimit   = "monthly_document_limit"
	QuotaReasonDocumentLimit  = "total_document_limit"
	QuotaReasonSalesLimit     = "total_sales_limit"
)

// QuotaDecision 额度判定结果
type QuotaDecision struct {
	Allowed          bool                 `json:"allowed"`
	Reason           string               `json:"reason,omitempty"`
	Subscription     *models.Subscription `json:"-"`
	MonthlyDocuments *int64               `json:"monthly_documents,omitempty"`
}

// Limits 返回给调用方的额度明细，无订阅时为nil
func (d *QuotaDecision) Limits() map[string]interface{} {
	if d.Subscription == nil {
		return nil
	}
	sub := d.Subscription
	limits := map[string]interface{}{
		"max_documents_per_month": sub.MaxDocumentsPerMonth,
		"max_total_documents":     sub.MaxTotalDocuments,
		"total_documents_created": sub.TotalDocumentsCreated,
		"remaining_documents":     sub.RemainingDocuments(),
		"max_total_sales_amount":  sub.MaxTotalSalesAmount,
		"total_sales_amount":      sub.TotalSalesAmount,
		"remaining_sales_amount":  sub.RemainingSalesAmount(),
		"currency":                sub.Currency,
	}
	if d.MonthlyDocuments != nil {
		limits["documents_this_month"] = *d.MonthlyDocuments
	}
	return limits
}

// QuotaService 单据额度判定与记账
type QuotaService struct {
	store               repository.Store
	requireSubscription bool
	loc                 *time.Location
	clock               func() time.Time
}

// NewQuotaService 创建额度服务
func NewQuotaService(store repository.Store, requireSubscription bool, loc *time.Location) *QuotaService {
	if loc == nil {
		loc = time.UTC
	}
	return &QuotaService{
		store:               store,
		requireSubscription: requireSubscription,
		loc:                 loc,
		clock:               time.Now,
	}
}

// CanCreateDocument 判断租户能否再开一张单据，amount 为空时不检查销售额上限
func (q *QuotaService) CanCreateDocument(ctx context.Context, tenantID uint, amount *decimal.Decimal) (*QuotaDecision, error) {
	decision, err := q.evaluate(ctx, tenantID, amount)
	if err != nil {
		return nil, err
	}
	q.observe(decision)
	return decision, nil
}

func (q *QuotaService) evaluate(ctx context.Context, tenantID uint, amount *decimal.Decimal) (*QuotaDecision, error) {
	tenant, err := q.store.Tenants().FindByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive() {
		return &QuotaDecision{Reason: QuotaReasonTenantDisabled}, nil
	}

	now := q.clock()
	sub, err := q.store.Subscriptions().FindActive(ctx, tenantID, now)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		if q.requireSubscription {
			return &QuotaDecision{Reason: QuotaReasonNoSubscription}, nil
		}
		return &QuotaDecision{Allowed: true}, nil
	}

	decision := &QuotaDecision{Subscription: sub}

	if sub.MaxDocumentsPerMonth != nil {
		count, err := q.store.Documents().CountDocuments(ctx, tenantID, repository.MonthOf(now.In(q.loc)))
		if err != nil {
			return nil, err
		}
		decision.MonthlyDocuments = &count
		if count >= int64(*sub.MaxDocumentsPerMonth) {
			decision.Reason = QuotaReasonMonthlyLimit
			return decision, nil
		}
	}

	if sub.MaxTotalDocuments != nil && sub.TotalDocumentsCreated >= *sub.MaxTotalDocuments {
		decision.Reason = QuotaReasonDocumentLimit
		return decision, nil
	}

	if amount != nil && sub.MaxTotalSalesAmount != nil && sub.TotalSalesAmount.Add(*amount).GreaterThan(*sub.MaxTotalSalesAmount) {
		decision.Reason = QuotaReasonSalesLimit
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

// RecordDocumentCreation 无条件记账：单据数加一，amount 大于0时累加销售额
// 没有有效订阅时什么也不做
func (q *QuotaService) RecordDocumentCreation(ctx context.Context, tenantID uint, amount decimal.Decimal) error {
	now := q.clock()
	sub, err := q.store.Subscriptions().FindActive(ctx, tenantID, now)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := q.store.Subscriptions().RecordDocument(ctx, sub.ID, amount); err != nil {
		return err
	}
	return q.recordLedger(ctx, tenantID, now)
}

// ConsumeDocumentQuota 判定并记账，累计上限的检查与累加是同一个原子操作
func (q *QuotaService) ConsumeDocumentQuota(ctx context.Context, tenantID uint, amount decimal.Decimal) (*QuotaDecision, error) {
	decision, err := q.evaluate(ctx, tenantID, &amount)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		q.observe(decision)
		return decision, quotaError(decision)
	}

	now := q.clock()
	if decision.Subscription != nil {
		ok, err := q.store.Subscriptions().ConsumeIfWithinLimits(ctx, decision.Subscription.ID, amount)
		if err != nil {
			return nil, err
		}
		if !ok {
			// 并发请求先用完了额度，重新读取最新计数用于返回
			if fresh, err := q.store.Subscriptions().FindByID(ctx, tenantID, decision.Subscription.ID); err == nil {
				decision.Subscription = fresh
			}
			decision.Allowed = false
			decision.Reason = exhaustedReason(decision.Subscription, amount)
			q.observe(decision)
			return decision, quotaError(decision)
		}
		if fresh, err := q.store.Subscriptions().FindByID(ctx, tenantID, decision.Subscription.ID); err == nil {
			decision.Subscription = fresh
		}
	}

	if err := q.recordLedger(ctx, tenantID, now); err != nil {
		return nil, err
	}
	q.observe(decision)
	return decision, nil
}

func (q *QuotaService) recordLedger(ctx context.Context, tenantID uint, at time.Time) error {
	if recorder, ok := q.store.Documents().(repository.DocumentRecorder); ok {
		return recorder.RecordDocument(ctx, tenantID, at)
	}
	return nil
}

func (q *QuotaService) observe(decision *QuotaDecision) {
	outcome := "allowed"
	if !decision.Allowed {
		outcome = decision.Reason
	}
	metrics.QuotaDecisions.WithLabelValues(outcome).Inc()

	if !decision.Allowed {
		fields := logrus.Fields{"reason": decision.Reason}
		if decision.Subscription != nil {
			fields["tenant_id"] = decision.Subscription.TenantID
			fields["subscription_id"] = decision.Subscription.ID
		}
		logger.GetLogger().WithFields(fields).Info("单据额度不足")
	}
}

func exhaustedReason(sub *models.Subscription, amount decimal.Decimal) string {
	if sub.MaxTotalDocuments != nil && sub.TotalDocumentsCreated >= *sub.MaxTotalDocuments {
		return QuotaReasonDocumentLimit
	}
	return QuotaReasonSalesLimit
}

// quotaError 把拒绝结果转为带额度明细的业务错误
func quotaError(decision *QuotaDecision) error {
	kind := errors.KindQuotaExceeded
	message := "订阅额度已用尽，请升级套餐或联系管理员"
	switch decision.Reason {
	case QuotaReasonTenantDisabled:
		kind = errors.KindTenantDisabled
		message = "租户已停用"
	case QuotaReasonNoSubscription:
		message = "没有有效订阅"
	}

	details := map[string]interface{}{"reason": decision.Reason}
	if limits := decision.Limits(); limits != nil {
		details["subscription_limits"] = limits
	}
	return errors.New(kind, message).WithDetails(details)
}
