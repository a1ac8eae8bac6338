package repository

import (
	"context"
	"time"

	"invoicegate/internal/models"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/pagination"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type gormSubscriptionRepo struct {
	db *gorm.DB
}

func (r *gormSubscriptionRepo) Create(ctx context.Context, sub *models.Subscription) error {
	return translate(r.db.WithContext(ctx).Create(sub).Error, "订阅")
}

func (r *gormSubscriptionRepo) FindByID(ctx context.Context, tenantID, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&sub).Error
	if err != nil {
		return nil, translate(err, "订阅")
	}
	return &sub, nil
}

func (r *gormSubscriptionRepo) FindActive(ctx context.Context, tenantID uint, now time.Time) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, models.SubscriptionStatusActive).
		Where("ends_at IS NULL OR ends_at > ?", now).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, translate(err, "有效订阅")
	}
	return &sub, nil
}

func (r *gormSubscriptionRepo) ListByTenant(ctx context.Context, tenantID uint, page *pagination.PageParams) ([]models.Subscription, int64, error) {
	var subs []models.Subscription
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("tenant_id = ?", tenantID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Internal(err)
	}
	if err := query.Scopes(page.Scope()).Order("created_at DESC, id DESC").Find(&subs).Error; err != nil {
		return nil, 0, errors.Internal(err)
	}
	return subs, total, nil
}

func (r *gormSubscriptionRepo) UpdateFields(ctx context.Context, id uint, changes models.Changes) error {
	if len(changes) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Updates(map[string]interface{}(changes))
	if result.Error != nil {
		return errors.Internal(result.Error)
	}
	if result.RowsAffected == 0 {
		return notFound("订阅")
	}
	return nil
}

func (r *gormSubscriptionRepo) UpdateIfStatus(ctx context.Context, id uint, status string, changes models.Changes) (bool, error) {
	if len(changes) == 0 {
		return true, nil
	}
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND status = ?", id, status).
		Updates(map[string]interface{}(changes))
	if result.Error != nil {
		return false, errors.Internal(result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *gormSubscriptionRepo) CancelActive(ctx context.Context, tenantID uint, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("tenant_id = ? AND status = ?", tenantID, models.SubscriptionStatusActive).
		Updates(map[string]interface{}{
			"status":       models.SubscriptionStatusCancelled,
			"cancelled_at": now,
		})
	if result.Error != nil {
		return 0, errors.Internal(result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormSubscriptionRepo) RecordDocument(ctx context.Context, id uint, amount decimal.Decimal) error {
	fields := map[string]interface{}{
		"total_documents_created": gorm.Expr("total_documents_created + 1"),
	}
	if amount.IsPositive() {
		fields["total_sales_amount"] = gorm.Expr("total_sales_amount + ?", amount)
	}

	result := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return errors.Internal(result.Error)
	}
	if result.RowsAffected == 0 {
		return notFound("订阅")
	}
	return nil
}

// ConsumeIfWithinLimits 条件更新，上限判断与累加在同一语句中完成
func (r *gormSubscriptionRepo) ConsumeIfWithinLimits(ctx context.Context, id uint, amount decimal.Decimal) (bool, error) {
	if amount.IsNegative() {
		amount = decimal.Zero
	}

	result := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Where("max_total_documents IS NULL OR total_documents_created < max_total_documents").
		Where("max_total_sales_amount IS NULL OR total_sales_amount + ? <= max_total_sales_amount", amount).
		Updates(map[string]interface{}{
			"total_documents_created": gorm.Expr("total_documents_created + 1"),
			"total_sales_amount":      gorm.Expr("total_sales_amount + ?", amount),
		})
	if result.Error != nil {
		return false, errors.Internal(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *gormSubscriptionRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("status = ? AND ends_at IS NOT NULL AND ends_at <= ?", models.SubscriptionStatusActive, now).
		Update("status", models.SubscriptionStatusExpired)
	if result.Error != nil {
		return 0, errors.Internal(result.Error)
	}
	return result.RowsAffected, nil
}
