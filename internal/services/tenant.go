package services

import (
	"context"
	"unicode/utf8"

	"invoicegate/internal/models"
	"invoicegate/internal/repository"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/logger"
	"invoicegate/pkg/pagination"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// defaultTokenNamePrefix 开户时签发的默认令牌名称前缀
const defaultTokenNamePrefix = "Token Principal - "

// CreateTenantInput 开户参数
type CreateTenantInput struct {
	Name      string
	TradeName string
	RUC       string
	Email     string
}

// OnboardResult 开户结果，默认令牌明文只在这里返回一次
type OnboardResult struct {
	Tenant       *models.Tenant       `json:"tenant"`
	Token        *MintedToken         `json:"token"`
	Subscription *models.Subscription `json:"subscription"`
}

// TenantService 租户开户与启停
type TenantService struct {
	store         repository.Store
	tokens        *TokenService
	subscriptions *SubscriptionService
}

func NewTenantService(store repository.Store, tokens *TokenService, subscriptions *SubscriptionService) *TenantService {
	return &TenantService{
		store:         store,
		tokens:        tokens,
		subscriptions: subscriptions,
	}
}

// Onboard 创建租户，同时签发默认令牌并开通永久订阅，三步在同一事务内
func (s *TenantService) Onboard(ctx context.Context, in CreateTenantInput) (*OnboardResult, error) {
	if err := s.ValidateCreateParams(in.Name, in.RUC); err != nil {
		return nil, err
	}

	result := &OnboardResult{}
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		if _, err := tx.Tenants().FindByRUC(ctx, in.RUC); err == nil {
			return errors.New(errors.KindConflict, "RUC已被其他租户使用")
		} else if !errors.Is(err, errors.ErrNotFound) {
			return err
		}

		tenant := &models.Tenant{
			Name:      in.Name,
			TradeName: in.TradeName,
			RUC:       in.RUC,
			Email:     in.Email,
			Status:    models.TenantStatusActive,
		}
		if err := tx.Tenants().Create(ctx, tenant); err != nil {
			return err
		}
		result.Tenant = tenant

		minted, err := s.tokens.mint(ctx, tx, tenant.ID, MintOptions{
			Name:      defaultTokenNamePrefix + tenant.Name,
			Abilities: []string{models.AbilityAll},
		})
		if err != nil {
			return err
		}
		result.Token = minted

		sub, err := s.subscriptions.build(tenant.ID, CreateSubscriptionInput{
			PlanName: "Plan Ilimitado",
			PlanType: models.PlanTypeLifetime,
			Price:    decimal.Zero,
			Features: models.DefaultFeatures,
		})
		if err != nil {
			return err
		}
		if err := s.subscriptions.insert(ctx, tx, sub, false); err != nil {
			return err
		}
		result.Subscription = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id":       result.Tenant.ID,
		"ruc":             result.Tenant.RUC,
		"token_prefix":    result.Token.Token.TokenPrefix,
		"subscription_id": result.Subscription.ID,
	}).Info("租户开户完成")
	return result, nil
}

// GetByID 根据ID获取租户
func (s *TenantService) GetByID(ctx context.Context, id uint) (*models.Tenant, error) {
	return s.store.Tenants().FindByID(ctx, id)
}

// List 租户列表
func (s *TenantService) List(ctx context.Context, page *pagination.PageParams) ([]models.Tenant, int64, error) {
	return s.store.Tenants().List(ctx, page)
}

// Activate 激活租户
func (s *TenantService) Activate(ctx context.Context, id uint) (*models.Tenant, error) {
	return s.setStatus(ctx, id, models.TenantStatusActive)
}

// Deactivate 停用租户，其令牌随即无法通过网关
func (s *TenantService) Deactivate(ctx context.Context, id uint) (*models.Tenant, error) {
	return s.setStatus(ctx, id, models.TenantStatusInactive)
}

func (s *TenantService) setStatus(ctx context.Context, id uint, status string) (*models.Tenant, error) {
	if !s.IsValidStatus(status) {
		return nil, errors.New(errors.KindInvalidParam, "无效的租户状态: "+status)
	}
	tenant, err := s.store.Tenants().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenant.Status == status {
		return tenant, nil
	}
	if err := s.store.Tenants().UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id": id,
		"from":      tenant.Status,
		"to":        status,
	}).Info("租户状态变更")
	tenant.Status = status
	return tenant, nil
}

// IsValidStatus 检查租户状态是否有效
func (s *TenantService) IsValidStatus(status string) bool {
	switch status {
	case models.TenantStatusActive, models.TenantStatusInactive:
		return true
	default:
		return false
	}
}

// ========== 验证相关方法 ==========

// ValidateName 按字符数而不是字节数计算长度
func (s *TenantService) ValidateName(name string) bool {
	runeCount := utf8.RuneCountInString(name)
	return runeCount >= 2 && runeCount <= 255
}

// ValidateRUC RUC 固定11位数字
func (s *TenantService) ValidateRUC(ruc string) bool {
	if len(ruc) != 11 {
		return false
	}
	for _, r := range ruc {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidateCreateParams 校验开户参数
func (s *TenantService) ValidateCreateParams(name, ruc string) error {
	if !s.ValidateName(name) {
		return errors.New(errors.KindInvalidParam, "租户名称长度必须在2-255个字符之间")
	}
	if !s.ValidateRUC(ruc) {
		return errors.New(errors.KindInvalidParam, "RUC必须是11位数字")
	}
	return nil
}
