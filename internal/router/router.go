package router

import (
	"invoicegate/internal/handlers"
	"invoicegate/internal/middleware"
	"invoicegate/internal/models"
	"invoicegate/internal/services"
	"invoicegate/pkg/config"
	"invoicegate/pkg/jwt"
	"invoicegate/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Deps 路由依赖的服务
type Deps struct {
	Config        *config.Config
	Gate          *services.Gate
	JWT           *jwt.JWTManager
	Tenants       *services.TenantService
	Tokens        *services.TokenService
	Subscriptions *services.SubscriptionService
	Quota         *services.QuotaService
	Throttle      *middleware.IPThrottle
	HealthChecks  map[string]handlers.HealthCheck
}

// SetupRouter 设置路由
func SetupRouter(deps Deps) *gin.Engine {
	handlers.RegisterValidators()

	router := gin.New()

	// 未配置可信代理时不解析 X-Forwarded-For，ClientIP 只取连接的对端地址
	var proxies []string
	if len(deps.Config.Server.TrustedProxies) > 0 {
		proxies = deps.Config.Server.TrustedProxies
	}
	if err := router.SetTrustedProxies(proxies); err != nil {
		logger.GetLogger().Errorf("可信代理配置无效，忽略转发头: %v", err)
		_ = router.SetTrustedProxies(nil)
	}

	// 中间件
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog())
	router.Use(middleware.Metrics())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.SetupCORS(deps.Config.CORS))
	router.Use(deps.Throttle.Middleware())

	registerRoutes(router, deps)
	return router
}

// 注册所有路由
func registerRoutes(router *gin.Engine, deps Deps) {
	auth := middleware.NewAuthMiddleware(deps.Gate, deps.JWT)

	systemHandler := handlers.NewSystemHandler(deps.HealthChecks)
	router.GET("/metrics", systemHandler.Metrics())

	// API路由组
	api := router.Group("/api/v1")
	{
		// 健康检查接口
		api.GET("/health", systemHandler.Health)
		api.GET("/ping", systemHandler.Ping)
		api.GET("/metrics", systemHandler.Metrics())

		authHandler := handlers.NewAuthHandler()
		api.GET("/me", auth.RequireLogin(), authHandler.Me)

		tenantHandler := handlers.NewTenantHandler(deps.Tenants)
		api.POST("/tenants", auth.RequireLogin(), auth.RequirePrivileged(), tenantHandler.Create)
		api.GET("/tenants", auth.RequireLogin(), auth.RequirePrivileged(), tenantHandler.GetAll)

		// 以下路由都按路径中的租户ID做隔离
		tenant := api.Group("/tenants/:tenant_id", auth.RequireLogin(), auth.RequireTenantAccess("tenant_id"))
		{
			tenant.GET("", tenantHandler.GetByID)
			tenant.POST("/activate", auth.RequirePrivileged(), tenantHandler.Activate)
			tenant.POST("/deactivate", auth.RequirePrivileged(), tenantHandler.Deactivate)

			tokenHandler := handlers.NewTokenHandler(deps.Tokens)
			// 令牌管理需要 tokens.manage，避免受限令牌签出更宽的令牌
			tokens := tenant.Group("/tokens", auth.RequireAbility(models.AbilityTokensManage))
			{
				tokens.GET("", tokenHandler.List)
				tokens.POST("", tokenHandler.Create)
				tokens.GET("/:token_id", tokenHandler.Get)
				tokens.PATCH("/:token_id", tokenHandler.Update)
				tokens.DELETE("/:token_id", tokenHandler.Revoke)
				tokens.POST("/:token_id/regenerate", tokenHandler.Regenerate)
			}

			subscriptionHandler := handlers.NewSubscriptionHandler(deps.Subscriptions)
			subs := tenant.Group("/subscriptions")
			{
				subs.GET("", subscriptionHandler.List)
				subs.GET("/active", subscriptionHandler.Active)
				subs.GET("/:subscription_id", subscriptionHandler.Get)

				// 套餐与额度只能由平台管理员调整
				subs.POST("", auth.RequirePrivileged(), subscriptionHandler.Create)
				subs.PATCH("/:subscription_id", auth.RequirePrivileged(), subscriptionHandler.Update)
				subs.POST("/:subscription_id/activate", auth.RequirePrivileged(), subscriptionHandler.Activate)
				subs.POST("/:subscription_id/cancel", auth.RequirePrivileged(), subscriptionHandler.Cancel)
				subs.POST("/:subscription_id/suspend", auth.RequirePrivileged(), subscriptionHandler.Suspend)
				subs.POST("/:subscription_id/renew", auth.RequirePrivileged(), subscriptionHandler.Renew)
				subs.POST("/:subscription_id/reset-counters", auth.RequirePrivileged(), subscriptionHandler.ResetCounters)
			}

			usageHandler := handlers.NewUsageHandler(deps.Quota)
			usage := tenant.Group("/usage")
			{
				usage.POST("/check", usageHandler.Check)
				usage.POST("/documents", auth.RequireAbility(models.AbilityInvoicesCreate), usageHandler.RecordDocument)
			}
		}
	}
}
