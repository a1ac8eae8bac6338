package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"invoicegate/internal/models"
	"invoicegate/internal/repository"
	"invoicegate/pkg/config"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/logger"
	"invoicegate/pkg/pagination"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const (
	// 明文令牌的随机字节数（256位）
	tokenEntropyBytes = 32
	// 展示用前缀长度（含固定前缀）
	displayPrefixLen  = 12
	regeneratedSuffix = " (regenerated)"
)

// MintOptions 签发令牌参数
type MintOptions struct {
	Name                 string
	Abilities            []string
	AllowedIPs           []string
	ExpiresAt            *time.Time
	MaxRequestsPerMinute *int
	MaxRequestsPerDay    *int
	Notes                string
}

// TokenUpdate 部分更新，nil 字段不修改
type TokenUpdate struct {
	Name                 *string
	Abilities            *[]string
	AllowedIPs           *[]string
	IsActive             *bool
	ExpiresAt            **time.Time
	MaxRequestsPerMinute **int
	MaxRequestsPerDay    **int
	Notes                *string
}

// MintedToken 签发结果，Secret 只在此处出现一次
type MintedToken struct {
	Token  *models.APIToken `json:"token"`
	Secret string           `json:"secret"`
}

// TokenService 租户API令牌的签发、查找与吊销
type TokenService struct {
	store     repository.Store
	digestKey []byte
	prefix    string
}

// NewTokenService 创建令牌服务
func NewTokenService(store repository.Store, cfg config.GateConfig) *TokenService {
	prefix := cfg.TokenPrefix
	if prefix == "" {
		prefix = "igk_"
	}
	return &TokenService{
		store:     store,
		digestKey: []byte(cfg.TokenDigestKey),
		prefix:    prefix,
	}
}

// Digest 计算明文令牌的摘要，确定且不可逆
func (s *TokenService) Digest(secret string) string {
	mac := hmac.New(sha256.New, s.digestKey)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *TokenService) generateSecret() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成随机令牌失败: %w", err)
	}
	return s.prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Mint 为租户签发新令牌
func (s *TokenService) Mint(ctx context.Context, tenantID uint, opts MintOptions) (*MintedToken, error) {
	return s.mint(ctx, s.store, tenantID, opts)
}

func (s *TokenService) mint(ctx context.Context, store repository.Store, tenantID uint, opts MintOptions) (*MintedToken, error) {
	secret, err := s.generateSecret()
	if err != nil {
		return nil, errors.Internal(err)
	}

	abilities := opts.Abilities
	if len(abilities) == 0 {
		abilities = []string{models.AbilityAll}
	}
	allowedIPs := opts.AllowedIPs
	if allowedIPs == nil {
		allowedIPs = []string{}
	}

	token := &models.APIToken{
		TenantID:             tenantID,
		Name:                 opts.Name,
		TokenHash:            s.Digest(secret),
		TokenPrefix:          secret[:displayPrefixLen],
		Abilities:            datatypes.NewJSONSlice(abilities),
		AllowedIPs:           datatypes.NewJSONSlice(allowedIPs),
		IsActive:             true,
		ExpiresAt:            opts.ExpiresAt,
		MaxRequestsPerMinute: opts.MaxRequestsPerMinute,
		MaxRequestsPerDay:    opts.MaxRequestsPerDay,
		Notes:                opts.Notes,
	}
	if err := store.Tokens().Create(ctx, token); err != nil {
		return nil, err
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"token_id":     token.ID,
		"token_prefix": token.TokenPrefix,
		"abilities":    abilities,
	}).Info("签发API令牌")

	return &MintedToken{Token: token, Secret: secret}, nil
}

// Lookup 按摘要查找令牌，不校验状态
func (s *TokenService) Lookup(ctx context.Context, secret string) (*models.APIToken, error) {
	if secret == "" {
		return nil, errors.ErrNotFound
	}
	digest := s.Digest(secret)
	token, err := s.store.Tokens().FindByHash(ctx, digest)
	if err != nil {
		return nil, err
	}
	// 数据库已按等值查找，这里再做一次常量时间比较
	if subtle.ConstantTimeCompare([]byte(token.TokenHash), []byte(digest)) != 1 {
		return nil, errors.ErrNotFound
	}
	return token, nil
}

// Get 查看令牌详情
func (s *TokenService) Get(ctx context.Context, tenantID, id uint) (*models.APIToken, error) {
	return s.store.Tokens().FindByID(ctx, tenantID, id)
}

// List 列出租户的令牌
func (s *TokenService) List(ctx context.Context, tenantID uint, page *pagination.PageParams) ([]models.APIToken, int64, error) {
	return s.store.Tokens().ListByTenant(ctx, tenantID, page)
}

// Update 部分更新令牌设置
func (s *TokenService) Update(ctx context.Context, tenantID, id uint, update TokenUpdate) (*models.APIToken, error) {
	if _, err := s.store.Tokens().FindByID(ctx, tenantID, id); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if update.Name != nil {
		fields["name"] = *update.Name
	}
	if update.Abilities != nil {
		abilities := *update.Abilities
		if len(abilities) == 0 {
			abilities = []string{models.AbilityAll}
		}
		fields["abilities"] = datatypes.NewJSONSlice(abilities)
	}
	if update.AllowedIPs != nil {
		fields["allowed_ips"] = datatypes.NewJSONSlice(*update.AllowedIPs)
	}
	if update.IsActive != nil {
		fields["is_active"] = *update.IsActive
	}
	if update.ExpiresAt != nil {
		fields["expires_at"] = *update.ExpiresAt
	}
	if update.MaxRequestsPerMinute != nil {
		fields["max_requests_per_minute"] = *update.MaxRequestsPerMinute
	}
	if update.MaxRequestsPerDay != nil {
		fields["max_requests_per_day"] = *update.MaxRequestsPerDay
	}
	if update.Notes != nil {
		fields["notes"] = *update.Notes
	}

	if len(fields) == 0 {
		return s.store.Tokens().FindByID(ctx, tenantID, id)
	}
	if err := s.store.Tokens().Update(ctx, id, fields); err != nil {
		return nil, err
	}
	return s.store.Tokens().FindByID(ctx, tenantID, id)
}

// Revoke 软吊销，重复调用无副作用
func (s *TokenService) Revoke(ctx context.Context, tenantID, id uint) error {
	token, err := s.store.Tokens().FindByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := s.store.Tokens().Deactivate(ctx, token.ID); err != nil {
		return err
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"token_id":     token.ID,
		"token_prefix": token.TokenPrefix,
	}).Info("吊销API令牌")
	return nil
}

// Regenerate 用相同设置签发新令牌并吊销旧令牌，两步在同一事务内
func (s *TokenService) Regenerate(ctx context.Context, tenantID, id uint) (*MintedToken, error) {
	var minted *MintedToken
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		old, err := tx.Tokens().FindByID(ctx, tenantID, id)
		if err != nil {
			return err
		}

		minted, err = s.mint(ctx, tx, tenantID, MintOptions{
			Name:                 strings.TrimSuffix(old.Name, regeneratedSuffix) + regeneratedSuffix,
			Abilities:            old.Abilities,
			AllowedIPs:           old.AllowedIPs,
			ExpiresAt:            old.ExpiresAt,
			MaxRequestsPerMinute: old.MaxRequestsPerMinute,
			MaxRequestsPerDay:    old.MaxRequestsPerDay,
			Notes:                old.Notes,
		})
		if err != nil {
			return err
		}
		return tx.Tokens().Deactivate(ctx, old.ID)
	})
	if err != nil {
		return nil, err
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"old_token_id": id,
		"token_id":     minted.Token.ID,
	}).Info("重新生成API令牌")
	return minted, nil
}
