package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"invoicegate/internal/models"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/pagination"

	"github.com/shopspring/decimal"
)

type memorySubscription struct {
	mu  sync.Mutex
	row models.Subscription
}

type memorySubscriptionRepo struct {
	mu     sync.RWMutex
	rows   map[uint]*memorySubscription
	nextID uint
	clock  func() time.Time
}

func cloneSubscription(s models.Subscription) *models.Subscription {
	s.Features = append(s.Features[:0:0], s.Features...)
	return &s
}

func (r *memorySubscriptionRepo) get(id uint) (*memorySubscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[id]
	return row, ok
}

// snapshot 返回某租户全部订阅的副本，按创建顺序倒序
func (r *memorySubscriptionRepo) snapshot(tenantID uint) []models.Subscription {
	r.mu.RLock()
	rows := make([]*memorySubscription, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	var out []models.Subscription
	for _, row := range rows {
		row.mu.Lock()
		if row.row.TenantID == tenantID {
			out = append(out, *cloneSubscription(row.row))
		}
		row.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (r *memorySubscriptionRepo) Create(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := r.clock()
	sub.ID = r.nextID
	sub.CreatedAt, sub.UpdatedAt = now, now
	if sub.Status == "" {
		sub.Status = models.SubscriptionStatusInactive
	}
	r.rows[sub.ID] = &memorySubscription{row: *cloneSubscription(*sub)}
	return nil
}

func (r *memorySubscriptionRepo) FindByID(_ context.Context, tenantID, id uint) (*models.Subscription, error) {
	row, ok := r.get(id)
	if !ok {
		return nil, notFound("订阅")
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.row.TenantID != tenantID {
		return nil, notFound("订阅")
	}
	return cloneSubscription(row.row), nil
}

func (r *memorySubscriptionRepo) FindActive(_ context.Context, tenantID uint, now time.Time) (*models.Subscription, error) {
	for _, sub := range r.snapshot(tenantID) {
		if sub.IsActive(now) {
			s := sub
			return &s, nil
		}
	}
	return nil, notFound("有效订阅")
}

func (r *memorySubscriptionRepo) ListByTenant(_ context.Context, tenantID uint, page *pagination.PageParams) ([]models.Subscription, int64, error) {
	all := r.snapshot(tenantID)
	return pagination.Slice(all, page), int64(len(all)), nil
}

func (r *memorySubscriptionRepo) UpdateFields(_ context.Context, id uint, changes models.Changes) error {
	row, ok := r.get(id)
	if !ok {
		return notFound("订阅")
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	if err := applySubscriptionChanges(&row.row, changes); err != nil {
		return err
	}
	row.row.UpdatedAt = r.clock()
	return nil
}

func (r *memorySubscriptionRepo) UpdateIfStatus(_ context.Context, id uint, status string, changes models.Changes) (bool, error) {
	row, ok := r.get(id)
	if !ok {
		return false, nil
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	if row.row.Status != status {
		return false, nil
	}
	if len(changes) == 0 {
		return true, nil
	}
	if err := applySubscriptionChanges(&row.row, changes); err != nil {
		return false, err
	}
	row.row.UpdatedAt = r.clock()
	return true, nil
}

func (r *memorySubscriptionRepo) CancelActive(_ context.Context, tenantID uint, now time.Time) (int64, error) {
	r.mu.RLock()
	rows := make([]*memorySubscription, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	var affected int64
	for _, row := range rows {
		row.mu.Lock()
		if row.row.TenantID == tenantID && row.row.Status == models.SubscriptionStatusActive {
			cancelledAt := now
			row.row.Status = models.SubscriptionStatusCancelled
			row.row.CancelledAt = &cancelledAt
			row.row.UpdatedAt = now
			affected++
		}
		row.mu.Unlock()
	}
	return affected, nil
}

func (r *memorySubscriptionRepo) RecordDocument(_ context.Context, id uint, amount decimal.Decimal) error {
	row, ok := r.get(id)
	if !ok {
		return notFound("订阅")
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	row.row.TotalDocumentsCreated++
	if amount.IsPositive() {
		row.row.TotalSalesAmount = row.row.TotalSalesAmount.Add(amount)
	}
	return nil
}

func (r *memorySubscriptionRepo) ConsumeIfWithinLimits(_ context.Context, id uint, amount decimal.Decimal) (bool, error) {
	row, ok := r.get(id)
	if !ok {
		return false, notFound("订阅")
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	s := &row.row
	if s.MaxTotalDocuments != nil && s.TotalDocumentsCreated >= *s.MaxTotalDocuments {
		return false, nil
	}
	if s.MaxTotalSalesAmount != nil && s.TotalSalesAmount.Add(amount).GreaterThan(*s.MaxTotalSalesAmount) {
		return false, nil
	}
	s.TotalDocumentsCreated++
	s.TotalSalesAmount = s.TotalSalesAmount.Add(amount)
	return true, nil
}

func (r *memorySubscriptionRepo) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	r.mu.RLock()
	rows := make([]*memorySubscription, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	var affected int64
	for _, row := range rows {
		row.mu.Lock()
		if _, err := row.row.Expire(now); err == nil {
			row.row.UpdatedAt = now
			affected++
		}
		row.mu.Unlock()
	}
	return affected, nil
}

// applySubscriptionChanges 按列名回写，与 gorm Updates 的列语义一致
func applySubscriptionChanges(s *models.Subscription, changes models.Changes) error {
	for column, value := range changes {
		switch column {
		case "status":
			s.Status = value.(string)
		case "starts_at":
			s.StartsAt = toTimePtr(value)
		case "ends_at":
			s.EndsAt = toTimePtr(value)
		case "trial_ends_at":
			s.TrialEndsAt = toTimePtr(value)
		case "cancelled_at":
			s.CancelledAt = toTimePtr(value)
		case "last_payment_at":
			s.LastPaymentAt = toTimePtr(value)
		case "next_payment_at":
			s.NextPaymentAt = toTimePtr(value)
		case "plan_name":
			s.PlanName = value.(string)
		case "plan_type":
			s.PlanType = value.(string)
		case "price":
			s.Price = value.(decimal.Decimal)
		case "currency":
			s.Currency = value.(string)
		case "max_documents_per_month":
			s.MaxDocumentsPerMonth = toIntPtr(value)
		case "max_total_documents":
			s.MaxTotalDocuments = toInt64Ptr(value)
		case "max_total_sales_amount":
			s.MaxTotalSalesAmount = toDecimalPtr(value)
		case "max_users":
			s.MaxUsers = toIntPtr(value)
		case "max_branches":
			s.MaxBranches = toIntPtr(value)
		case "total_documents_created":
			s.TotalDocumentsCreated = int64(value.(int))
		case "total_sales_amount":
			s.TotalSalesAmount = value.(decimal.Decimal)
		case "features":
			s.Features = toStringSlice(value)
		case "payment_method":
			s.PaymentMethod = value.(string)
		case "payment_reference":
			s.PaymentReference = value.(string)
		case "notes":
			s.Notes = value.(string)
		default:
			return errors.New(errors.KindInvalidParam, "不支持更新的字段: "+column)
		}
	}
	return nil
}

func toInt64Ptr(v interface{}) *int64 {
	switch n := v.(type) {
	case int64:
		return &n
	case *int64:
		return n
	}
	return nil
}

func toDecimalPtr(v interface{}) *decimal.Decimal {
	switch d := v.(type) {
	case decimal.Decimal:
		return &d
	case *decimal.Decimal:
		return d
	}
	return nil
}
