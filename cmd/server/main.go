package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"invoicegate/internal/database"
	"invoicegate/internal/handlers"
	"invoicegate/internal/middleware"
	"invoicegate/internal/repository"
	"invoicegate/internal/router"
	"invoicegate/internal/services"
	"invoicegate/pkg/config"
	"invoicegate/pkg/counter"
	"invoicegate/pkg/jwt"
	"invoicegate/pkg/logger"

	"github.com/gin-gonic/gin"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger := logger.GetLogger()
	appLogger.Info("Starting invoice gate...")

	loc := cfg.Gate.Location()
	checks := map[string]handlers.HealthCheck{}

	// 存储：PostgreSQL 或单实例内存存储
	var store repository.Store
	switch cfg.Storage.Driver {
	case "memory":
		appLogger.Warn("使用内存存储，重启后数据丢失")
		store = repository.NewMemoryStore(loc)
	default:
		if err := database.Initialize(cfg); err != nil {
			appLogger.Fatalf("Failed to initialize database: %v", err)
		}
		defer func() {
			if err := database.Close(); err != nil {
				appLogger.Error("Failed to close database:", err)
			}
		}()

		if err := database.Migrate(); err != nil {
			appLogger.Fatalf("Failed to migrate database: %v", err)
		}

		documents, err := repository.NewGormDocumentCounter(database.GetDB(), cfg.Storage.DocumentTables, loc)
		if err != nil {
			appLogger.Fatalf("Failed to configure document counter: %v", err)
		}
		store = repository.NewGormStore(database.GetDB(), documents)
		checks["database"] = func(ctx context.Context) error {
			sqlDB, err := database.GetDB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}

	// 分钟计数器：多实例部署使用Redis共享
	var minute counter.WindowCounter
	var sweepers []services.CounterSweeper
	switch cfg.RateLimit.MinuteBackend {
	case "redis":
		redisCounter, err := database.NewMinuteCounter(context.Background(), cfg)
		if err != nil {
			appLogger.Fatalf("Failed to initialize minute counter: %v", err)
		}
		defer func() {
			if err := database.CloseRedis(); err != nil {
				appLogger.Error("Failed to close Redis:", err)
			}
		}()
		minute = redisCounter
		checks["redis"] = redisCounter.Ping
	default:
		memoryCounter := counter.NewMemoryCounter(cfg.Redis.Prefix, time.Minute)
		minute = memoryCounter
		sweepers = append(sweepers, memoryCounter)
	}

	// 业务服务
	tokens := services.NewTokenService(store, cfg.Gate)
	subscriptions := services.NewSubscriptionService(store)
	tenants := services.NewTenantService(store, tokens, subscriptions)
	quota := services.NewQuotaService(store, cfg.Gate.RequireSubscription, loc)
	gate := services.NewGate(store, tokens, minute, cfg.Gate)
	jwtManager := jwt.GetJWTManager()
	if cfg.JWT.UsesDefaultSecret() {
		// release 模式在 LoadConfig 中已拒绝
		appLogger.Warn("JWT_SECRET_KEY 使用默认值，任何人都能签发管理员JWT，仅限本地开发")
	}

	throttle := middleware.NewIPThrottle(cfg.RateLimit.IPRate, cfg.RateLimit.IPBurst)
	if throttle != nil {
		sweepers = append(sweepers, throttle)
	}

	if cfg.Server.SeedDemo {
		if err := seedData(context.Background(), store, tenants, jwtManager); err != nil {
			appLogger.Fatalf("Failed to initialize seed data: %v", err)
		}
	}

	// 订阅到期与计数窗口清理
	scheduler := services.NewExpiryScheduler(subscriptions, cfg.Scheduler.SubscriptionExpiryCron, sweepers...)
	if err := scheduler.Start(); err != nil {
		appLogger.Errorf("Failed to start expiry scheduler: %v", err)
		// 不影响主服务启动
	}
	defer scheduler.Stop()

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	r := router.SetupRouter(router.Deps{
		Config:        cfg,
		Gate:          gate,
		JWT:           jwtManager,
		Tenants:       tenants,
		Tokens:        tokens,
		Subscriptions: subscriptions,
		Quota:         quota,
		Throttle:      throttle,
		HealthChecks:  checks,
	})

	// 启动服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	appLogger.Infof("Server started on port %s", cfg.Server.Port)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown:", err)
	}
	appLogger.Info("Server exited")
}
