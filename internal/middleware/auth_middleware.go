package middleware

import (
	"strconv"

	"invoicegate/internal/auth"
	"invoicegate/internal/services"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/jwt"
	"invoicegate/pkg/response"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 认证与租户隔离中间件
type AuthMiddleware struct {
	gate       *services.Gate
	jwtManager *jwt.JWTManager
}

// NewAuthMiddleware jwtManager 为 nil 时只接受租户API令牌
func NewAuthMiddleware(gate *services.Gate, jwtManager *jwt.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{
		gate:       gate,
		jwtManager: jwtManager,
	}
}

// RequireLogin 运营人员JWT或租户API令牌，任一通过即可
func (m *AuthMiddleware) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := services.BearerToken(c.GetHeader("Authorization"))
		if m.jwtManager != nil && jwt.LooksLikeJWT(bearer) {
			m.loginOperator(c, bearer)
			return
		}
		m.loginCredential(c)
	}
}

// RequireCredential 只接受租户API令牌
func (m *AuthMiddleware) RequireCredential() gin.HandlerFunc {
	return m.loginCredential
}

func (m *AuthMiddleware) loginOperator(c *gin.Context, tokenString string) {
	claims, err := m.jwtManager.VerifyToken(tokenString)
	if err != nil {
		response.AbortWithError(c, errors.New(errors.KindCredentialInvalid, "Token无效或已过期"))
		return
	}

	auth.Attach(c, &auth.Human{
		UserID:     claims.UserID,
		Username:   claims.Username,
		Tenant:     claims.TenantID,
		Privileged: claims.IsPlatformAdmin,
	})
	c.Set("user_id", claims.UserID)
	c.Set("claims", claims)
	c.Next()
}

func (m *AuthMiddleware) loginCredential(c *gin.Context) {
	result, err := m.gate.Authenticate(c.Request.Context(), services.GateRequest{
		Authorization: c.GetHeader("Authorization"),
		APIKey:        c.GetHeader("X-API-Key"),
		QueryToken:    c.Query("api_token"),
		ClientIP:      c.ClientIP(),
	})
	writeRateLimitHeaders(c, result)
	if err != nil {
		var appErr *errors.AppError
		if errors.As(err, &appErr) && appErr.Kind == errors.KindRateLimitExceeded {
			if retry, ok := appErr.Details["retry_after"].(int64); ok {
				c.Header("Retry-After", strconv.FormatInt(retry, 10))
			}
		}
		response.AbortWithError(c, err)
		return
	}

	auth.Attach(c, result.Principal)
	c.Set("token_id", result.Principal.Token.ID)
	c.Next()
}

// writeRateLimitHeaders 分钟窗口使用标准头，日额度使用 Daily 头
func writeRateLimitHeaders(c *gin.Context, result *services.GateResult) {
	if result == nil {
		return
	}
	if result.Minute != nil {
		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Minute.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Minute.Remaining(), 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Minute.ResetAt.Unix(), 10))
	}
	if result.DailyLimit != nil {
		remaining := *result.DailyLimit - result.DailyCount
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Daily-Limit", strconv.Itoa(*result.DailyLimit))
		c.Header("X-RateLimit-Daily-Remaining", strconv.Itoa(remaining))
	}
}

// RequirePrivileged 要求平台管理员
func (m *AuthMiddleware) RequirePrivileged() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := auth.FromGin(c)
		if !ok {
			response.AbortWithError(c, errors.New(errors.KindCredentialMissing, "请先登录"))
			return
		}
		if !auth.IsPrivileged(p) {
			response.AbortWithError(c, errors.New(errors.KindAccessDenied, "需要平台管理员权限"))
			return
		}
		c.Next()
	}
}

// RequireTenantAccess 校验路径中的租户ID，平台管理员可访问任意租户
func (m *AuthMiddleware) RequireTenantAccess(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := auth.FromGin(c)
		if !ok {
			response.AbortWithError(c, errors.New(errors.KindCredentialMissing, "请先登录"))
			return
		}

		tenantID, err := strconv.ParseUint(c.Param(param), 10, 32)
		if err != nil {
			response.AbortWithError(c, errors.New(errors.KindInvalidParam, "租户ID格式错误"))
			return
		}
		if err := services.EnsureAccess(p, uint(tenantID)); err != nil {
			response.AbortWithError(c, err)
			return
		}

		c.Set("target_tenant_id", uint(tenantID))
		c.Next()
	}
}

// RequireAbility 要求令牌拥有指定权限，运营人员不受限
func (m *AuthMiddleware) RequireAbility(ability string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := auth.FromGin(c)
		if !ok {
			response.AbortWithError(c, errors.New(errors.KindCredentialMissing, "请先登录"))
			return
		}
		if !p.HasAbility(ability) {
			response.AbortWithError(c, errors.New(errors.KindAccessDenied, "令牌缺少权限："+ability))
			return
		}
		c.Next()
	}
}
