package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// 订阅状态
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusInactive  = "inactive"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusSuspended = "suspended"
)

// 计费周期
const (
	PlanTypeMonthly  = "monthly"
	PlanTypeYearly   = "yearly"
	PlanTypeLifetime = "lifetime"
)

// 默认套餐包含的功能
var DefaultFeatures = []string{"api_access", "pdf_generation", "xml_generation", "sunat_integration"}

// Subscription 租户订阅（套餐与额度）
type Subscription struct {
	BaseModel
	TenantID              uint                        `json:"tenant_id" gorm:"not null;index:idx_subscription_tenant_status"`
	PlanName              string                      `json:"plan_name" gorm:"not null;size:100;index"`
	PlanType              string                      `json:"plan_type" gorm:"not null;size:20;default:'monthly'"`
	Price                 decimal.Decimal             `json:"price" gorm:"type:numeric(10,2);not null;default:0"`
	Currency              string                      `json:"currency" gorm:"size:3;default:'PEN'"`
	Status                string                      `json:"status" gorm:"not null;size:20;default:'inactive';index:idx_subscription_tenant_status;index:idx_subscription_status_ends"`
	StartsAt              *time.Time                  `json:"starts_at"`
	EndsAt                *time.Time                  `json:"ends_at" gorm:"index:idx_subscription_status_ends"`
	TrialEndsAt           *time.Time                  `json:"trial_ends_at"`
	CancelledAt           *time.Time                  `json:"cancelled_at"`
	MaxDocumentsPerMonth  *int                        `json:"max_documents_per_month"`
	MaxTotalDocuments     *int64                      `json:"max_total_documents"`
	TotalDocumentsCreated int64                       `json:"total_documents_created" gorm:"not null;default:0"`
	MaxTotalSalesAmount   *decimal.Decimal            `json:"max_total_sales_amount" gorm:"type:numeric(15,2)"`
	TotalSalesAmount      decimal.Decimal             `json:"total_sales_amount" gorm:"type:numeric(15,2);not null;default:0"`
	MaxUsers              *int                        `json:"max_users"`
	MaxBranches           *int                        `json:"max_branches"`
	Features              datatypes.JSONSlice[string] `json:"features"`
	PaymentMethod         string                      `json:"payment_method" gorm:"size:50"`
	PaymentReference      string                      `json:"payment_reference" gorm:"size:255"`
	LastPaymentAt         *time.Time                  `json:"last_payment_at"`
	NextPaymentAt         *time.Time                  `json:"next_payment_at"`
	Metadata              datatypes.JSON              `json:"metadata,omitempty"`
	Notes                 string                      `json:"notes" gorm:"type:text"`
}

// TableName 表名
func (s *Subscription) TableName() string {
	return "subscriptions"
}

// Changes 状态转换涉及的列，持久化时只更新这些列，避免覆盖并发累加的计数器
type Changes map[string]interface{}

// TransitionError 当前状态不允许的转换
type TransitionError struct {
	From string
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("订阅状态 %s 不允许执行 %s", e.From, e.Op)
}

// ========== 状态查询 ==========

// IsActive 状态为 active 且未到期
func (s *Subscription) IsActive(now time.Time) bool {
	if s.Status != SubscriptionStatusActive {
		return false
	}
	return s.EndsAt == nil || s.EndsAt.After(now)
}

// IsOnTrial 试用期未结束
func (s *Subscription) IsOnTrial(now time.Time) bool {
	return s.TrialEndsAt != nil && s.TrialEndsAt.After(now)
}

// IsExpired 结束时间已过
func (s *Subscription) IsExpired(now time.Time) bool {
	return s.EndsAt != nil && !s.EndsAt.After(now)
}

// IsCancelled 已取消
func (s *Subscription) IsCancelled() bool {
	return s.Status == SubscriptionStatusCancelled || s.CancelledAt != nil
}

// DaysRemaining 剩余整天数，无结束时间返回nil
func (s *Subscription) DaysRemaining(now time.Time) *int {
	if s.EndsAt == nil {
		return nil
	}
	days := int(s.EndsAt.Sub(now).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return &days
}

// RemainingDocuments 剩余可开单据数，无上限返回nil
func (s *Subscription) RemainingDocuments() *int64 {
	if s.MaxTotalDocuments == nil {
		return nil
	}
	remaining := *s.MaxTotalDocuments - s.TotalDocumentsCreated
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// RemainingSalesAmount 剩余可开票金额，无上限返回nil
func (s *Subscription) RemainingSalesAmount() *decimal.Decimal {
	if s.MaxTotalSalesAmount == nil {
		return nil
	}
	remaining := s.MaxTotalSalesAmount.Sub(s.TotalSalesAmount)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return &remaining
}

// HasFeature 套餐是否包含功能
func (s *Subscription) HasFeature(feature string) bool {
	for _, f := range s.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// ========== 状态转换 ==========

// Activate inactive/suspended/expired -> active，已是 active 时不做改动
func (s *Subscription) Activate(now time.Time) (Changes, error) {
	switch s.Status {
	case SubscriptionStatusActive:
		return Changes{}, nil
	case SubscriptionStatusInactive, SubscriptionStatusSuspended, SubscriptionStatusExpired:
	default:
		return nil, &TransitionError{From: s.Status, Op: "activate"}
	}

	changes := Changes{"status": SubscriptionStatusActive}
	s.Status = SubscriptionStatusActive
	if s.StartsAt == nil {
		startsAt := now
		s.StartsAt = &startsAt
		changes["starts_at"] = startsAt
	}
	return changes, nil
}

// Suspend active/inactive -> suspended
func (s *Subscription) Suspend() (Changes, error) {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusInactive:
	default:
		return nil, &TransitionError{From: s.Status, Op: "suspend"}
	}
	s.Status = SubscriptionStatusSuspended
	return Changes{"status": SubscriptionStatusSuspended}, nil
}

// Cancel 任意状态 -> cancelled，已取消时不做改动
func (s *Subscription) Cancel(now time.Time) (Changes, error) {
	if s.Status == SubscriptionStatusCancelled {
		return Changes{}, nil
	}
	cancelledAt := now
	s.Status = SubscriptionStatusCancelled
	s.CancelledAt = &cancelledAt
	return Changes{"status": SubscriptionStatusCancelled, "cancelled_at": cancelledAt}, nil
}

// Renew 续期 months 个月（1-12），从原结束时间或当前时间起算
func (s *Subscription) Renew(months int, now time.Time) (Changes, error) {
	if months < 1 || months > 12 {
		return nil, fmt.Errorf("续期月数必须在1到12之间: %d", months)
	}
	if s.Status == SubscriptionStatusCancelled {
		return nil, &TransitionError{From: s.Status, Op: "renew"}
	}

	base := now
	if s.EndsAt != nil {
		base = *s.EndsAt
	}
	endsAt := base.AddDate(0, months, 0)
	paidAt := now

	s.Status = SubscriptionStatusActive
	s.EndsAt = &endsAt
	s.NextPaymentAt = &endsAt
	s.LastPaymentAt = &paidAt

	return Changes{
		"status":          SubscriptionStatusActive,
		"ends_at":         endsAt,
		"next_payment_at": endsAt,
		"last_payment_at": paidAt,
	}, nil
}

// Expire 已到期的 active 订阅 -> expired
func (s *Subscription) Expire(now time.Time) (Changes, error) {
	if s.Status != SubscriptionStatusActive || !s.IsExpired(now) {
		return nil, &TransitionError{From: s.Status, Op: "expire"}
	}
	s.Status = SubscriptionStatusExpired
	return Changes{"status": SubscriptionStatusExpired}, nil
}

// ResetCounters 清零累计单据数与销售额
func (s *Subscription) ResetCounters() Changes {
	s.TotalDocumentsCreated = 0
	s.TotalSalesAmount = decimal.Zero
	return Changes{"total_documents_created": 0, "total_sales_amount": decimal.Zero}
}
