package models

import (
	"time"

	"gorm.io/datatypes"
)

// 令牌权限
const (
	AbilityAll            = "*"               // 通配
	AbilityTokensManage   = "tokens.manage"   // 签发、修改、吊销本租户令牌
	AbilityInvoicesCreate = "invoices.create" // 登记单据、占用额度
)

// APIToken 租户API令牌，明文只在签发时返回一次，库中只保存摘要
type APIToken struct {
	BaseModel
	TenantID             uint                        `json:"tenant_id" gorm:"not null;index:idx_api_token_tenant_active"`
	Name                 string                      `json:"name" gorm:"not null;size:255"`
	TokenHash            string                      `json:"-" gorm:"size:64;not null;uniqueIndex"`
	TokenPrefix          string                      `json:"token_prefix" gorm:"size:16"`
	Abilities            datatypes.JSONSlice[string] `json:"abilities"`
	AllowedIPs           datatypes.JSONSlice[string] `json:"allowed_ips" gorm:"column:allowed_ips"`
	IsActive             bool                        `json:"is_active" gorm:"not null;default:true;index:idx_api_token_tenant_active"`
	ExpiresAt            *time.Time                  `json:"expires_at" gorm:"index"`
	LastUsedAt           *time.Time                  `json:"last_used_at"`
	LastUsedIP           string                      `json:"last_used_ip" gorm:"column:last_used_ip;size:45"`
	MaxRequestsPerMinute *int                        `json:"max_requests_per_minute"`
	MaxRequestsPerDay    *int                        `json:"max_requests_per_day"`
	RequestCountToday    int                         `json:"request_count_today" gorm:"not null;default:0"`
	RequestCountDate     string                      `json:"request_count_date" gorm:"size:10"` // YYYY-MM-DD，网关时区
	Metadata             datatypes.JSON              `json:"metadata,omitempty"`
	Notes                string                      `json:"notes" gorm:"type:text"`
}

// TableName 表名
func (t *APIToken) TableName() string {
	return "tenant_api_tokens"
}

// IsExpired 是否已过期
func (t *APIToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// IsValid 启用且未过期
func (t *APIToken) IsValid(now time.Time) bool {
	return t.IsActive && !t.IsExpired(now)
}

// HasAbility 是否拥有指定权限，"*" 表示全部
func (t *APIToken) HasAbility(ability string) bool {
	for _, a := range t.Abilities {
		if a == AbilityAll || a == ability {
			return true
		}
	}
	return false
}

// CountToday 返回 today 的请求计数，计数日期不是今天时视为0
func (t *APIToken) CountToday(today string) int {
	if t.RequestCountDate != today {
		return 0
	}
	return t.RequestCountToday
}
