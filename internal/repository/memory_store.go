package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"invoicegate/internal/models"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/pagination"
)

// MemoryStore 进程内存储，用于本地开发与测试
// 每行有独立的互斥锁，不同行的计数互不阻塞
type MemoryStore struct {
	tenants       *memoryTenantRepo
	tokens        *memoryTokenRepo
	subscriptions *memorySubscriptionRepo
	documents     *MemoryDocumentCounter
	clock         func() time.Time

	// 事务只保证串行执行，不回滚
	txMu sync.Mutex
}

// NewMemoryStore 创建内存存储，loc 决定单据按哪个时区归入月份，nil 表示UTC
func NewMemoryStore(loc *time.Location) *MemoryStore {
	if loc == nil {
		loc = time.UTC
	}
	clock := time.Now
	return &MemoryStore{
		tenants:       &memoryTenantRepo{rows: map[uint]*models.Tenant{}, clock: clock},
		tokens:        &memoryTokenRepo{rows: map[uint]*memoryToken{}, byHash: map[string]uint{}, clock: clock},
		subscriptions: &memorySubscriptionRepo{rows: map[uint]*memorySubscription{}, clock: clock},
		documents:     NewMemoryDocumentCounter(loc),
		clock:         clock,
	}
}

func (s *MemoryStore) Tenants() TenantRepository             { return s.tenants }
func (s *MemoryStore) Tokens() TokenRepository               { return s.tokens }
func (s *MemoryStore) Subscriptions() SubscriptionRepository { return s.subscriptions }
func (s *MemoryStore) Documents() DocumentCounter            { return s.documents }

// DocumentLedger 返回可写入的单据统计器
func (s *MemoryStore) DocumentLedger() *MemoryDocumentCounter { return s.documents }

func (s *MemoryStore) WithTx(_ context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}

// ========== 租户 ==========

type memoryTenantRepo struct {
	mu     sync.RWMutex
	rows   map[uint]*models.Tenant
	nextID uint
	clock  func() time.Time
}

func (r *memoryTenantRepo) Create(_ context.Context, tenant *models.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rows {
		if existing.RUC == tenant.RUC {
			return errors.New(errors.KindConflict, "租户已存在")
		}
	}
	r.nextID++
	now := r.clock()
	tenant.ID = r.nextID
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	if tenant.Status == "" {
		tenant.Status = models.TenantStatusActive
	}
	row := *tenant
	r.rows[row.ID] = &row
	return nil
}

func (r *memoryTenantRepo) FindByID(_ context.Context, id uint) (*models.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, notFound("租户")
	}
	tenant := *row
	return &tenant, nil
}

func (r *memoryTenantRepo) FindByRUC(_ context.Context, ruc string) (*models.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, row := range r.rows {
		if row.RUC == ruc {
			tenant := *row
			return &tenant, nil
		}
	}
	return nil, notFound("租户")
}

func (r *memoryTenantRepo) List(_ context.Context, page *pagination.PageParams) ([]models.Tenant, int64, error) {
	r.mu.RLock()
	all := make([]models.Tenant, 0, len(r.rows))
	for _, row := range r.rows {
		all = append(all, *row)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return pagination.Slice(all, page), int64(len(all)), nil
}

func (r *memoryTenantRepo) UpdateStatus(_ context.Context, id uint, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return notFound("租户")
	}
	row.Status = status
	row.UpdatedAt = r.clock()
	return nil
}

// ========== 单据统计 ==========

// MemoryDocumentCounter 内存中的月度单据计数
type MemoryDocumentCounter struct {
	mu     sync.Mutex
	counts map[uint]map[YearMonth]int64
	loc    *time.Location
}

// NewMemoryDocumentCounter 创建内存单据计数
func NewMemoryDocumentCounter(loc *time.Location) *MemoryDocumentCounter {
	if loc == nil {
		loc = time.UTC
	}
	return &MemoryDocumentCounter{counts: map[uint]map[YearMonth]int64{}, loc: loc}
}

func (c *MemoryDocumentCounter) CountDocuments(_ context.Context, tenantID uint, month YearMonth) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tenantID][month], nil
}

func (c *MemoryDocumentCounter) RecordDocument(_ context.Context, tenantID uint, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	months, ok := c.counts[tenantID]
	if !ok {
		months = map[YearMonth]int64{}
		c.counts[tenantID] = months
	}
	months[MonthOf(at.In(c.loc))]++
	return nil
}
