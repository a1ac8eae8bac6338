package repository

import (
	"context"
	"time"

	"invoicegate/internal/models"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/pagination"

	"gorm.io/gorm"
)

type gormTokenRepo struct {
	db *gorm.DB
}

func (r *gormTokenRepo) Create(ctx context.Context, token *models.APIToken) error {
	return translate(r.db.WithContext(ctx).Create(token).Error, "令牌")
}

func (r *gormTokenRepo) FindByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	var token models.APIToken
	if err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&token).Error; err != nil {
		return nil, translate(err, "令牌")
	}
	return &token, nil
}

func (r *gormTokenRepo) FindByID(ctx context.Context, tenantID, id uint) (*models.APIToken, error) {
	var token models.APIToken
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&token).Error
	if err != nil {
		return nil, translate(err, "令牌")
	}
	return &token, nil
}

func (r *gormTokenRepo) ListByTenant(ctx context.Context, tenantID uint, page *pagination.PageParams) ([]models.APIToken, int64, error) {
	var tokens []models.APIToken
	var total int64

	query := r.db.WithContext(ctx).Model(&models.APIToken{}).Where("tenant_id = ?", tenantID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Internal(err)
	}
	if err := query.Scopes(page.Scope()).Order("created_at DESC").Find(&tokens).Error; err != nil {
		return nil, 0, errors.Internal(err)
	}
	return tokens, total, nil
}

func (r *gormTokenRepo) Update(ctx context.Context, id uint, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.APIToken{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return errors.Internal(result.Error)
	}
	if result.RowsAffected == 0 {
		return notFound("令牌")
	}
	return nil
}

// Deactivate 软吊销，重复调用无副作用
func (r *gormTokenRepo) Deactivate(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Model(&models.APIToken{}).
		Where("id = ?", id).
		Update("is_active", false).Error
	if err != nil {
		return errors.Internal(err)
	}
	return nil
}

func (r *gormTokenRepo) ResetDailyIfStale(ctx context.Context, id uint, today string) error {
	err := r.db.WithContext(ctx).Model(&models.APIToken{}).
		Where("id = ? AND (request_count_date IS NULL OR request_count_date <> ?)", id, today).
		Updates(map[string]interface{}{
			"request_count_today": 0,
			"request_count_date":  today,
		}).Error
	if err != nil {
		return errors.Internal(err)
	}
	return nil
}

// IncrementIfBelowCeiling 单条 UPDATE 完成检查、跨日归零与累加
func (r *gormTokenRepo) IncrementIfBelowCeiling(ctx context.Context, id uint, today, ip string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.APIToken{}).
		Where("id = ?", id).
		Where("max_requests_per_day IS NULL OR (CASE WHEN request_count_date = ? THEN request_count_today ELSE 0 END) < max_requests_per_day", today).
		Updates(map[string]interface{}{
			"request_count_today": gorm.Expr("CASE WHEN request_count_date = ? THEN request_count_today + 1 ELSE 1 END", today),
			"request_count_date":  today,
			"last_used_at":        now,
			"last_used_ip":        ip,
		})
	if result.Error != nil {
		return false, errors.Internal(result.Error)
	}
	return result.RowsAffected == 1, nil
}
