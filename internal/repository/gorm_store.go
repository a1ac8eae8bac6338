package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"time"

	"invoicegate/internal/models"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/pagination"

	"gorm.io/gorm"
)

// GormStore 基于 gorm/PostgreSQL 的存储
type GormStore struct {
	db            *gorm.DB
	tenants       *gormTenantRepo
	tokens        *gormTokenRepo
	subscriptions *gormSubscriptionRepo
	documents     DocumentCounter
}

// NewGormStore 创建存储，documentTables 为按月统计单据的业务表
func NewGormStore(db *gorm.DB, documents DocumentCounter) *GormStore {
	return &GormStore{
		db:            db,
		tenants:       &gormTenantRepo{db: db},
		tokens:        &gormTokenRepo{db: db},
		subscriptions: &gormSubscriptionRepo{db: db},
		documents:     documents,
	}
}

func (s *GormStore) Tenants() TenantRepository             { return s.tenants }
func (s *GormStore) Tokens() TokenRepository               { return s.tokens }
func (s *GormStore) Subscriptions() SubscriptionRepository { return s.subscriptions }
func (s *GormStore) Documents() DocumentCounter            { return s.documents }

// WithTx 事务执行
func (s *GormStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGormStore(tx, s.documents))
	})
}

// translate 把 gorm 错误转成业务错误
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(what)
	}
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Wrap(errors.KindConflict, err, what+"已存在")
	}
	return errors.Internal(err)
}

// ========== 租户 ==========

type gormTenantRepo struct {
	db *gorm.DB
}

func (r *gormTenantRepo) Create(ctx context.Context, tenant *models.Tenant) error {
	return translate(r.db.WithContext(ctx).Create(tenant).Error, "租户")
}

func (r *gormTenantRepo) FindByID(ctx context.Context, id uint) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := r.db.WithContext(ctx).First(&tenant, id).Error; err != nil {
		return nil, translate(err, "租户")
	}
	return &tenant, nil
}

func (r *gormTenantRepo) FindByRUC(ctx context.Context, ruc string) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := r.db.WithContext(ctx).Where("ruc = ?", ruc).First(&tenant).Error; err != nil {
		return nil, translate(err, "租户")
	}
	return &tenant, nil
}

func (r *gormTenantRepo) List(ctx context.Context, page *pagination.PageParams) ([]models.Tenant, int64, error) {
	var tenants []models.Tenant
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Tenant{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Internal(err)
	}
	if err := query.Scopes(page.Scope()).Order("id ASC").Find(&tenants).Error; err != nil {
		return nil, 0, errors.Internal(err)
	}
	return tenants, total, nil
}

func (r *gormTenantRepo) UpdateStatus(ctx context.Context, id uint, status string) error {
	result := r.db.WithContext(ctx).Model(&models.Tenant{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return errors.Internal(result.Error)
	}
	if result.RowsAffected == 0 {
		return notFound("租户")
	}
	return nil
}

// ========== 单据统计 ==========

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// GormDocumentCounter 按 tenant_id 与 issued_at 统计业务表中的单据
type GormDocumentCounter struct {
	db     *gorm.DB
	tables []string
	loc    *time.Location
}

// NewGormDocumentCounter 创建单据统计器，表名只允许小写标识符
func NewGormDocumentCounter(db *gorm.DB, tables []string, loc *time.Location) (*GormDocumentCounter, error) {
	for _, table := range tables {
		if !tableNamePattern.MatchString(table) {
			return nil, fmt.Errorf("非法的单据表名: %q", table)
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &GormDocumentCounter{db: db, tables: tables, loc: loc}, nil
}

// CountDocuments 汇总各业务表该月单据数
func (c *GormDocumentCounter) CountDocuments(ctx context.Context, tenantID uint, month YearMonth) (int64, error) {
	start, end := month.Range(c.loc)

	var total int64
	for _, table := range c.tables {
		var n int64
		err := c.db.WithContext(ctx).Table(table).
			Where("tenant_id = ? AND issued_at >= ? AND issued_at < ?", tenantID, start, end).
			Count(&n).Error
		if err != nil {
			return 0, errors.Internal(fmt.Errorf("统计 %s 失败: %w", table, err))
		}
		total += n
	}
	return total, nil
}
