package models

// Tenant 租户（开票企业）
type Tenant struct {
	BaseModel
	Name      string `json:"name" gorm:"not null;size:255"`                 // 企业法定名称
	TradeName string `json:"trade_name" gorm:"size:255"`                    // 商业名称
	RUC       string `json:"ruc" gorm:"column:ruc;unique;not null;size:11"` // 纳税人识别号
	Email     string `json:"email" gorm:"size:255"`
	Status    string `json:"status" gorm:"default:'active';size:20;index"`
}

// TableName 表名
func (t *Tenant) TableName() string {
	return "tenants"
}

// 租户状态常量
const (
	TenantStatusActive   = "active"
	TenantStatusInactive = "inactive"
)

// IsActive 租户是否启用
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}
