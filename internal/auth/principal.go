package auth

import (
	"context"

	"invoicegate/internal/models"

	"github.com/gin-gonic/gin"
)

// Principal 请求主体，只有 Human 与 TenantCredential 两种
type Principal interface {
	// TenantID 主体所属租户，平台运营人员可能为0
	TenantID() uint
	// HasAbility 是否拥有指定权限
	HasAbility(ability string) bool
	// Describe 用于 /me 与审计日志
	Describe() map[string]interface{}

	principal()
}

// Human 运营人员，由JWT认证
type Human struct {
	UserID     uint
	Username   string
	Tenant     uint
	Privileged bool // 平台管理员，可访问所有租户
}

func (h *Human) TenantID() uint { return h.Tenant }

// HasAbility 令牌权限只约束租户凭据，运营人员由角色控制
func (h *Human) HasAbility(string) bool { return true }

func (h *Human) Describe() map[string]interface{} {
	return map[string]interface{}{
		"type":       "user",
		"user_id":    h.UserID,
		"username":   h.Username,
		"tenant_id":  h.Tenant,
		"privileged": h.Privileged,
	}
}

func (h *Human) principal() {}

// TenantCredential 通过API令牌认证的租户
type TenantCredential struct {
	Token    *models.APIToken
	Tenant   *models.Tenant
	ClientIP string
}

func (t *TenantCredential) TenantID() uint { return t.Token.TenantID }

func (t *TenantCredential) HasAbility(ability string) bool {
	return t.Token.HasAbility(ability)
}

func (t *TenantCredential) Describe() map[string]interface{} {
	desc := map[string]interface{}{
		"type":         "api_token",
		"token_id":     t.Token.ID,
		"token_name":   t.Token.Name,
		"token_prefix": t.Token.TokenPrefix,
		"abilities":    t.Token.Abilities,
		"tenant_id":    t.Token.TenantID,
	}
	if t.Tenant != nil {
		desc["tenant"] = map[string]interface{}{
			"id":     t.Tenant.ID,
			"name":   t.Tenant.Name,
			"ruc":    t.Tenant.RUC,
			"status": t.Tenant.Status,
		}
	}
	return desc
}

func (t *TenantCredential) principal() {}

// IsPrivileged 只有平台管理员是特权主体
func IsPrivileged(p Principal) bool {
	h, ok := p.(*Human)
	return ok && h.Privileged
}

// ========== 请求上下文 ==========

const ginKey = "principal"

type ctxKey struct{}

// Attach 把主体挂到请求上，gin上下文与 request context 同时可取
func Attach(c *gin.Context, p Principal) {
	c.Set(ginKey, p)
	c.Set("tenant_id", p.TenantID())
	c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), p))
}

// FromGin 取出当前请求主体
func FromGin(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(ginKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// WithPrincipal 写入 context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext 从 context 读取
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
