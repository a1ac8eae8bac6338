package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"invoicegate/internal/models"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/pagination"

	"gorm.io/datatypes"
)

type memoryToken struct {
	mu  sync.Mutex
	row models.APIToken
}

type memoryTokenRepo struct {
	mu     sync.RWMutex
	rows   map[uint]*memoryToken
	byHash map[string]uint
	nextID uint
	clock  func() time.Time
}

func cloneToken(t models.APIToken) *models.APIToken {
	t.Abilities = append(t.Abilities[:0:0], t.Abilities...)
	t.AllowedIPs = append(t.AllowedIPs[:0:0], t.AllowedIPs...)
	return &t
}

func (r *memoryTokenRepo) get(id uint) (*memoryToken, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[id]
	return row, ok
}

func (r *memoryTokenRepo) Create(_ context.Context, token *models.APIToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHash[token.TokenHash]; exists {
		return errors.New(errors.KindConflict, "令牌已存在")
	}
	r.nextID++
	now := r.clock()
	token.ID = r.nextID
	token.CreatedAt, token.UpdatedAt = now, now

	r.rows[token.ID] = &memoryToken{row: *cloneToken(*token)}
	r.byHash[token.TokenHash] = token.ID
	return nil
}

func (r *memoryTokenRepo) FindByHash(_ context.Context, hash string) (*models.APIToken, error) {
	r.mu.RLock()
	id, ok := r.byHash[hash]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound("令牌")
	}

	row, ok := r.get(id)
	if !ok {
		return nil, notFound("令牌")
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return cloneToken(row.row), nil
}

func (r *memoryTokenRepo) FindByID(_ context.Context, tenantID, id uint) (*models.APIToken, error) {
	row, ok := r.get(id)
	if !ok {
		return nil, notFound("令牌")
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.row.TenantID != tenantID {
		return nil, notFound("令牌")
	}
	return cloneToken(row.row), nil
}

func (r *memoryTokenRepo) ListByTenant(_ context.Context, tenantID uint, page *pagination.PageParams) ([]models.APIToken, int64, error) {
	r.mu.RLock()
	rows := make([]*memoryToken, 0)
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	var matched []models.APIToken
	for _, row := range rows {
		row.mu.Lock()
		if row.row.TenantID == tenantID {
			matched = append(matched, *cloneToken(row.row))
		}
		row.mu.Unlock()
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	return pagination.Slice(matched, page), int64(len(matched)), nil
}

func (r *memoryTokenRepo) Update(_ context.Context, id uint, fields map[string]interface{}) error {
	row, ok := r.get(id)
	if !ok {
		return notFound("令牌")
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	t := &row.row
	for column, value := range fields {
		switch column {
		case "name":
			t.Name = value.(string)
		case "abilities":
			t.Abilities = toStringSlice(value)
		case "allowed_ips":
			t.AllowedIPs = toStringSlice(value)
		case "is_active":
			t.IsActive = value.(bool)
		case "expires_at":
			t.ExpiresAt = toTimePtr(value)
		case "max_requests_per_minute":
			t.MaxRequestsPerMinute = toIntPtr(value)
		case "max_requests_per_day":
			t.MaxRequestsPerDay = toIntPtr(value)
		case "notes":
			t.Notes = value.(string)
		default:
			return errors.New(errors.KindInvalidParam, "不支持更新的字段: "+column)
		}
	}
	t.UpdatedAt = r.clock()
	return nil
}

func (r *memoryTokenRepo) Deactivate(_ context.Context, id uint) error {
	row, ok := r.get(id)
	if !ok {
		return nil
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	row.row.IsActive = false
	row.row.UpdatedAt = r.clock()
	return nil
}

func (r *memoryTokenRepo) ResetDailyIfStale(_ context.Context, id uint, today string) error {
	row, ok := r.get(id)
	if !ok {
		return notFound("令牌")
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.row.RequestCountDate != today {
		row.row.RequestCountToday = 0
		row.row.RequestCountDate = today
	}
	return nil
}

func (r *memoryTokenRepo) IncrementIfBelowCeiling(_ context.Context, id uint, today, ip string, now time.Time) (bool, error) {
	row, ok := r.get(id)
	if !ok {
		return false, notFound("令牌")
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	t := &row.row
	count := t.CountToday(today)
	if t.MaxRequestsPerDay != nil && count >= *t.MaxRequestsPerDay {
		return false, nil
	}
	t.RequestCountToday = count + 1
	t.RequestCountDate = today
	usedAt := now
	t.LastUsedAt = &usedAt
	t.LastUsedIP = ip
	t.UpdatedAt = now
	return true, nil
}

func toStringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case datatypes.JSONSlice[string]:
		return append([]string(nil), s...)
	case nil:
		return nil
	}
	return nil
}

func toTimePtr(v interface{}) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}

func toIntPtr(v interface{}) *int {
	switch n := v.(type) {
	case int:
		return &n
	case *int:
		if n == nil {
			return nil
		}
		v := *n
		return &v
	}
	return nil
}
