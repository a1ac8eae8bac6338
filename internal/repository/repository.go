package repository

import (
	"context"
	"fmt"
	"time"

	"invoicegate/internal/models"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/pagination"

	"github.com/shopspring/decimal"
)

// TenantRepository 租户存储
type TenantRepository interface {
	Create(ctx context.Context, tenant *models.Tenant) error
	FindByID(ctx context.Context, id uint) (*models.Tenant, error)
	FindByRUC(ctx context.Context, ruc string) (*models.Tenant, error)
	List(ctx context.Context, page *pagination.PageParams) ([]models.Tenant, int64, error)
	UpdateStatus(ctx context.Context, id uint, status string) error
}

// TokenRepository API令牌存储
type TokenRepository interface {
	Create(ctx context.Context, token *models.APIToken) error
	FindByHash(ctx context.Context, hash string) (*models.APIToken, error)
	FindByID(ctx context.Context, tenantID, id uint) (*models.APIToken, error)
	ListByTenant(ctx context.Context, tenantID uint, page *pagination.PageParams) ([]models.APIToken, int64, error)
	Update(ctx context.Context, id uint, fields map[string]interface{}) error
	Deactivate(ctx context.Context, id uint) error

	// ResetDailyIfStale 计数日期不是 today 时把日计数清零并改写日期
	ResetDailyIfStale(ctx context.Context, id uint, today string) error
	// IncrementIfBelowCeiling 日计数未达上限时加一（跨日先归零），同时记录最后使用时间与IP
	// 返回 false 表示已达上限，计数不变
	IncrementIfBelowCeiling(ctx context.Context, id uint, today, ip string, now time.Time) (bool, error)
}

// SubscriptionRepository 订阅存储
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	FindByID(ctx context.Context, tenantID, id uint) (*models.Subscription, error)
	// FindActive 最近创建的 active 且未到期订阅
	FindActive(ctx context.Context, tenantID uint, now time.Time) (*models.Subscription, error)
	ListByTenant(ctx context.Context, tenantID uint, page *pagination.PageParams) ([]models.Subscription, int64, error)
	UpdateFields(ctx context.Context, id uint, changes models.Changes) error
	// UpdateIfStatus 仅当当前状态仍为 status 时写入，返回 false 表示状态已被修改
	UpdateIfStatus(ctx context.Context, id uint, status string, changes models.Changes) (bool, error)
	// CancelActive 取消租户下所有 active 订阅，返回影响行数
	CancelActive(ctx context.Context, tenantID uint, now time.Time) (int64, error)

	// RecordDocument 无条件累加单据数，amount 大于0时累加销售额
	RecordDocument(ctx context.Context, id uint, amount decimal.Decimal) error
	// ConsumeIfWithinLimits 在累计单据与销售额上限内时累加，返回 false 表示超限
	ConsumeIfWithinLimits(ctx context.Context, id uint, amount decimal.Decimal) (bool, error)
	// ExpireDue 把已到期的 active 订阅标记为 expired
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// DocumentCounter 统计租户某月已开具的单据数
type DocumentCounter interface {
	CountDocuments(ctx context.Context, tenantID uint, month YearMonth) (int64, error)
}

// DocumentRecorder 可选能力：记录一张单据，供内存存储模拟业务表
type DocumentRecorder interface {
	RecordDocument(ctx context.Context, tenantID uint, at time.Time) error
}

// Store 聚合各仓储并提供事务
type Store interface {
	Tenants() TenantRepository
	Tokens() TokenRepository
	Subscriptions() SubscriptionRepository
	Documents() DocumentCounter
	// WithTx 在同一事务中执行 fn，fn 返回错误时回滚
	WithTx(ctx context.Context, fn func(Store) error) error
}

// YearMonth 自然月
type YearMonth struct {
	Year  int
	Month time.Month
}

// MonthOf 返回 t 所在的自然月
func MonthOf(t time.Time) YearMonth {
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// Range 返回该月在 loc 时区的 [start, end)
func (ym YearMonth) Range(loc *time.Location) (time.Time, time.Time) {
	start := time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

func notFound(what string) error {
	return errors.New(errors.KindNotFound, what+"不存在")
}
