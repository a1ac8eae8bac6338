package services

import (
	"context"
	"time"

	"invoicegate/internal/models"
	"invoicegate/internal/repository"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/logger"
	"invoicegate/pkg/metrics"
	"invoicegate/pkg/pagination"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// CreateSubscriptionInput 创建订阅参数
type CreateSubscriptionInput struct {
	PlanName             string
	PlanType             string
	Price                decimal.Decimal
	Currency             string
	Status               string
	StartsAt             *time.Time
	EndsAt               *time.Time
	TrialEndsAt          *time.Time
	MaxDocumentsPerMonth *int
	MaxTotalDocuments    *int64
	MaxTotalSalesAmount  *decimal.Decimal
	MaxUsers             *int
	MaxBranches          *int
	Features             []string
	PaymentMethod        string
	PaymentReference     string
	Metadata             datatypes.JSON
	Notes                string
	CancelPrevious       bool // 先取消租户现有的 active 订阅
}

// SubscriptionUpdate 部分更新套餐与额度，状态只能通过转换接口修改
type SubscriptionUpdate struct {
	PlanName             *string
	PlanType             *string
	Price                *decimal.Decimal
	EndsAt               **time.Time
	MaxDocumentsPerMonth **int
	MaxTotalDocuments    **int64
	MaxTotalSalesAmount  **decimal.Decimal
	MaxUsers             **int
	MaxBranches          **int
	Features             *[]string
	Notes                *string
}

// SubscriptionView 订阅及其派生状态
type SubscriptionView struct {
	*models.Subscription
	IsActive             bool             `json:"is_active"`
	IsOnTrial            bool             `json:"is_on_trial"`
	DaysRemaining        *int             `json:"days_remaining"`
	RemainingDocuments   *int64           `json:"remaining_documents"`
	RemainingSalesAmount *decimal.Decimal `json:"remaining_sales_amount"`
}

// SubscriptionService 订阅生命周期管理
type SubscriptionService struct {
	store repository.Store
	clock func() time.Time
}

// NewSubscriptionService 创建订阅服务
func NewSubscriptionService(store repository.Store) *SubscriptionService {
	return &SubscriptionService{store: store, clock: time.Now}
}

// View 计算派生字段
func (s *SubscriptionService) View(sub *models.Subscription) *SubscriptionView {
	now := s.clock()
	return &SubscriptionView{
		Subscription:         sub,
		IsActive:             sub.IsActive(now),
		IsOnTrial:            sub.IsOnTrial(now),
		DaysRemaining:        sub.DaysRemaining(now),
		RemainingDocuments:   sub.RemainingDocuments(),
		RemainingSalesAmount: sub.RemainingSalesAmount(),
	}
}

// Create 创建订阅
func (s *SubscriptionService) Create(ctx context.Context, tenantID uint, in CreateSubscriptionInput) (*models.Subscription, error) {
	sub, err := s.build(tenantID, in)
	if err != nil {
		return nil, err
	}
	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		return s.insert(ctx, tx, sub, in.CancelPrevious)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// build 校验参数并填充默认值
func (s *SubscriptionService) build(tenantID uint, in CreateSubscriptionInput) (*models.Subscription, error) {
	if in.EndsAt != nil && in.StartsAt != nil && !in.EndsAt.After(*in.StartsAt) {
		return nil, errors.New(errors.KindInvalidParam, "结束时间必须晚于开始时间")
	}
	if in.Price.IsNegative() {
		return nil, errors.New(errors.KindInvalidParam, "价格不能为负数")
	}

	sub := &models.Subscription{
		TenantID:             tenantID,
		PlanName:             in.PlanName,
		PlanType:             defaultString(in.PlanType, models.PlanTypeMonthly),
		Price:                in.Price,
		Currency:             defaultString(in.Currency, "PEN"),
		Status:               defaultString(in.Status, models.SubscriptionStatusActive),
		StartsAt:             in.StartsAt,
		EndsAt:               in.EndsAt,
		TrialEndsAt:          in.TrialEndsAt,
		MaxDocumentsPerMonth: in.MaxDocumentsPerMonth,
		MaxTotalDocuments:    in.MaxTotalDocuments,
		MaxTotalSalesAmount:  in.MaxTotalSalesAmount,
		MaxUsers:             in.MaxUsers,
		MaxBranches:          in.MaxBranches,
		Features:             datatypes.NewJSONSlice(in.Features),
		TotalSalesAmount:     decimal.Zero,
		PaymentMethod:        in.PaymentMethod,
		PaymentReference:     in.PaymentReference,
		Metadata:             in.Metadata,
		Notes:                in.Notes,
	}
	if sub.StartsAt == nil {
		startsAt := s.clock()
		sub.StartsAt = &startsAt
	}
	if sub.PlanType != models.PlanTypeLifetime && sub.EndsAt != nil {
		nextPayment := *sub.EndsAt
		sub.NextPaymentAt = &nextPayment
	}
	return sub, nil
}

// insert 在调用方的事务内写入订阅
func (s *SubscriptionService) insert(ctx context.Context, tx repository.Store, sub *models.Subscription, cancelPrevious bool) error {
	if _, err := tx.Tenants().FindByID(ctx, sub.TenantID); err != nil {
		return err
	}
	if cancelPrevious {
		cancelled, err := tx.Subscriptions().CancelActive(ctx, sub.TenantID, s.clock())
		if err != nil {
			return err
		}
		if cancelled > 0 {
			logger.GetLogger().WithFields(logrus.Fields{
				"tenant_id": sub.TenantID,
				"count":     cancelled,
			}).Info("取消租户原有订阅")
		}
	}
	if err := tx.Subscriptions().Create(ctx, sub); err != nil {
		return err
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id":       sub.TenantID,
		"subscription_id": sub.ID,
		"plan_name":       sub.PlanName,
		"status":          sub.Status,
	}).Info("创建订阅")
	return nil
}

// Get 查看订阅
func (s *SubscriptionService) Get(ctx context.Context, tenantID, id uint) (*models.Subscription, error) {
	return s.store.Subscriptions().FindByID(ctx, tenantID, id)
}

// List 租户订阅列表
func (s *SubscriptionService) List(ctx context.Context, tenantID uint, page *pagination.PageParams) ([]models.Subscription, int64, error) {
	return s.store.Subscriptions().ListByTenant(ctx, tenantID, page)
}

// Active 租户当前有效订阅
func (s *SubscriptionService) Active(ctx context.Context, tenantID uint) (*models.Subscription, error) {
	return s.store.Subscriptions().FindActive(ctx, tenantID, s.clock())
}

// HasActive 租户是否持有有效订阅
func (s *SubscriptionService) HasActive(ctx context.Context, tenantID uint) (bool, error) {
	_, err := s.Active(ctx, tenantID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Update 部分更新
func (s *SubscriptionService) Update(ctx context.Context, tenantID, id uint, update SubscriptionUpdate) (*models.Subscription, error) {
	if _, err := s.store.Subscriptions().FindByID(ctx, tenantID, id); err != nil {
		return nil, err
	}

	changes := models.Changes{}
	if update.PlanName != nil {
		changes["plan_name"] = *update.PlanName
	}
	if update.PlanType != nil {
		changes["plan_type"] = *update.PlanType
	}
	if update.Price != nil {
		changes["price"] = *update.Price
	}
	if update.EndsAt != nil {
		changes["ends_at"] = *update.EndsAt
	}
	if update.MaxDocumentsPerMonth != nil {
		changes["max_documents_per_month"] = *update.MaxDocumentsPerMonth
	}
	if update.MaxTotalDocuments != nil {
		changes["max_total_documents"] = *update.MaxTotalDocuments
	}
	if update.MaxTotalSalesAmount != nil {
		changes["max_total_sales_amount"] = *update.MaxTotalSalesAmount
	}
	if update.MaxUsers != nil {
		changes["max_users"] = *update.MaxUsers
	}
	if update.MaxBranches != nil {
		changes["max_branches"] = *update.MaxBranches
	}
	if update.Features != nil {
		changes["features"] = datatypes.NewJSONSlice(*update.Features)
	}
	if update.Notes != nil {
		changes["notes"] = *update.Notes
	}

	if len(changes) == 0 {
		return s.store.Subscriptions().FindByID(ctx, tenantID, id)
	}
	if err := s.store.Subscriptions().UpdateFields(ctx, id, changes); err != nil {
		return nil, err
	}
	return s.store.Subscriptions().FindByID(ctx, tenantID, id)
}

// ========== 状态转换 ==========

// Activate 激活
func (s *SubscriptionService) Activate(ctx context.Context, tenantID, id uint) (*models.Subscription, error) {
	return s.transition(ctx, tenantID, id, "activate", func(sub *models.Subscription, now time.Time) (models.Changes, error) {
		return sub.Activate(now)
	})
}

// Suspend 暂停
func (s *SubscriptionService) Suspend(ctx context.Context, tenantID, id uint) (*models.Subscription, error) {
	return s.transition(ctx, tenantID, id, "suspend", func(sub *models.Subscription, _ time.Time) (models.Changes, error) {
		return sub.Suspend()
	})
}

// Cancel 取消
func (s *SubscriptionService) Cancel(ctx context.Context, tenantID, id uint) (*models.Subscription, error) {
	return s.transition(ctx, tenantID, id, "cancel", func(sub *models.Subscription, now time.Time) (models.Changes, error) {
		return sub.Cancel(now)
	})
}

// Renew 续期
func (s *SubscriptionService) Renew(ctx context.Context, tenantID, id uint, months int) (*models.Subscription, error) {
	if months < 1 || months > 12 {
		return nil, errors.New(errors.KindInvalidParam, "续期月数必须在1到12之间")
	}
	return s.transition(ctx, tenantID, id, "renew", func(sub *models.Subscription, now time.Time) (models.Changes, error) {
		return sub.Renew(months, now)
	})
}

// ResetCounters 清零累计计数
func (s *SubscriptionService) ResetCounters(ctx context.Context, tenantID, id uint) (*models.Subscription, error) {
	return s.transition(ctx, tenantID, id, "reset_counters", func(sub *models.Subscription, _ time.Time) (models.Changes, error) {
		return sub.ResetCounters(), nil
	})
}

func (s *SubscriptionService) transition(ctx context.Context, tenantID, id uint, op string, apply func(*models.Subscription, time.Time) (models.Changes, error)) (*models.Subscription, error) {
	sub, err := s.store.Subscriptions().FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	from := sub.Status

	changes, err := apply(sub, s.clock())
	if err != nil {
		var transitionErr *models.TransitionError
		if errors.As(err, &transitionErr) {
			return nil, errors.Wrap(errors.KindConflict, err, transitionErr.Error())
		}
		return nil, errors.Wrap(errors.KindInvalidParam, err, err.Error())
	}

	if len(changes) == 0 {
		return sub, nil
	}
	// 以读到的状态为条件写入，并发转换只有一个能成功
	ok, err := s.store.Subscriptions().UpdateIfStatus(ctx, id, from, changes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.KindConflict, "订阅状态已被并发修改，请重试")
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id":       tenantID,
		"subscription_id": id,
		"op":              op,
		"from":            from,
		"to":              sub.Status,
	}).Info("订阅状态变更")

	return s.store.Subscriptions().FindByID(ctx, tenantID, id)
}

// ExpireDue 将到期订阅标记为 expired，由定时任务调用
func (s *SubscriptionService) ExpireDue(ctx context.Context) (int64, error) {
	n, err := s.store.Subscriptions().ExpireDue(ctx, s.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SubscriptionsExpired.Add(float64(n))
		logger.GetLogger().WithField("count", n).Info("订阅到期处理完成")
	}
	return n, nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
