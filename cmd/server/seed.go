package main

import (
	"context"
	"fmt"

	"invoicegate/internal/repository"
	"invoicegate/internal/services"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/jwt"
	"invoicegate/pkg/logger"
)

const (
	demoTenantName = "Empresa Demo S.A.C."
	demoTenantRUC  = "20000000001"
)

// seedData 创建演示租户，并输出平台管理员JWT，只用于本地开发
func seedData(ctx context.Context, store repository.Store, tenants *services.TenantService, jwtManager *jwt.JWTManager) error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting seed data initialization...")

	if _, err := store.Tenants().FindByRUC(ctx, demoTenantRUC); err == nil {
		appLogger.Info("演示租户已存在，跳过创建")
	} else if errors.Is(err, errors.ErrNotFound) {
		result, err := tenants.Onboard(ctx, services.CreateTenantInput{
			Name:  demoTenantName,
			RUC:   demoTenantRUC,
			Email: "demo@example.com",
		})
		if err != nil {
			return fmt.Errorf("创建演示租户失败: %v", err)
		}
		appLogger.Infof("演示租户 ID=%d，默认令牌: %s", result.Tenant.ID, result.Token.Secret)
	} else {
		return err
	}

	adminToken, err := jwtManager.GenerateToken(1, 0, "admin", true)
	if err != nil {
		return fmt.Errorf("生成管理员Token失败: %v", err)
	}
	appLogger.Infof("平台管理员JWT（有效期 %s）: %s", jwtManager.GetTokenDuration(), adminToken)

	appLogger.Info("Seed data initialization completed successfully")
	return nil
}
