package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"invoicegate/internal/auth"
	"invoicegate/internal/models"
	"invoicegate/internal/repository"
	"invoicegate/pkg/config"
	"invoicegate/pkg/counter"
	"invoicegate/pkg/errors"
	"invoicegate/pkg/ipmatch"
	"invoicegate/pkg/logger"
	"invoicegate/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// 网关判定结果标签
const (
	OutcomeAdmitted          = "admitted"
	outcomeCredentialMissing = "credential_missing"
	outcomeCredentialInvalid = "credential_invalid"
	outcomeIPNotAllowed      = "ip_not_allowed"
	outcomeDailyLimit        = "daily_limit"
	outcomeMinuteLimit       = "minute_limit"
	outcomeTenantDisabled    = "tenant_disabled"
	outcomeError             = "error"
)

// GateRequest 从HTTP请求中取出的认证相关字段
type GateRequest struct {
	Authorization string // Authorization 头原值
	APIKey        string // X-API-Key 头
	QueryToken    string // ?api_token=
	ClientIP      string
}

// GateResult 网关放行结果，限流拒绝时也会带上计数信息用于响应头
type GateResult struct {
	Principal  *auth.TenantCredential
	Minute     *counter.Result
	DailyLimit *int
	DailyCount int
}

// Gate 认证网关，按固定顺序逐项检查，任何一步失败立即返回
type Gate struct {
	tokens              *TokenService
	store               repository.Store
	minute              counter.WindowCounter
	requireSubscription bool
	allowQueryToken     bool
	loc                 *time.Location
	clock               func() time.Time
}

// NewGate 创建认证网关，minute 为 nil 时每分钟上限不生效
func NewGate(store repository.Store, tokens *TokenService, minute counter.WindowCounter, cfg config.GateConfig) *Gate {
	return &Gate{
		tokens:              tokens,
		store:               store,
		minute:              minute,
		requireSubscription: cfg.RequireSubscription,
		allowQueryToken:     cfg.AllowQueryToken,
		loc:                 cfg.Location(),
		clock:               time.Now,
	}
}

// ExtractSecret 按 Bearer、X-API-Key、查询参数的顺序取第一个非空值
func ExtractSecret(req GateRequest, allowQuery bool) string {
	if bearer := BearerToken(req.Authorization); bearer != "" {
		return bearer
	}
	if key := strings.TrimSpace(req.APIKey); key != "" {
		return key
	}
	if allowQuery {
		return strings.TrimSpace(req.QueryToken)
	}
	return ""
}

// BearerToken 解析 "Bearer <token>"，大小写不敏感
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Today 网关时区下的日期，日计数器以此切日
func (g *Gate) Today(now time.Time) string {
	return now.In(g.loc).Format("2006-01-02")
}

// Authenticate 执行完整的准入流程，成功时已记录一次使用
func (g *Gate) Authenticate(ctx context.Context, req GateRequest) (*GateResult, error) {
	start := time.Now()
	result, outcome, err := g.authenticate(ctx, req)
	metrics.GateDuration.Observe(time.Since(start).Seconds())
	metrics.GateDecisions.WithLabelValues(outcome).Inc()

	fields := logrus.Fields{
		"outcome":   outcome,
		"client_ip": req.ClientIP,
	}
	if result != nil && result.Principal != nil {
		fields["tenant_id"] = result.Principal.Token.TenantID
		fields["token_id"] = result.Principal.Token.ID
		fields["token_prefix"] = result.Principal.Token.TokenPrefix
	}
	switch {
	case outcome == outcomeError:
		logger.GetLogger().WithFields(fields).WithError(err).Error("网关处理失败")
	case err != nil:
		logger.GetLogger().WithFields(fields).Info("网关拒绝请求")
	default:
		logger.GetLogger().WithFields(fields).Debug("网关放行")
	}
	return result, err
}

func (g *Gate) authenticate(ctx context.Context, req GateRequest) (*GateResult, string, error) {
	// 1-2. 提取令牌
	secret := ExtractSecret(req, g.allowQueryToken)
	if secret == "" {
		return nil, outcomeCredentialMissing, errors.New(errors.KindCredentialMissing, "")
	}

	// 3. 查找令牌，不存在与失效返回相同的错误
	token, err := g.tokens.Lookup(ctx, secret)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, outcomeCredentialInvalid, errors.New(errors.KindCredentialInvalid, "")
		}
		return nil, outcomeError, errors.Internal(err)
	}

	// 4. 启用且未过期
	now := g.clock()
	if !token.IsValid(now) {
		return nil, outcomeCredentialInvalid, errors.New(errors.KindCredentialInvalid, "")
	}

	result := &GateResult{
		Principal:  &auth.TenantCredential{Token: token, ClientIP: req.ClientIP},
		DailyLimit: token.MaxRequestsPerDay,
	}

	// 5. IP白名单
	if !ipmatch.Allowed(req.ClientIP, token.AllowedIPs) {
		return nil, outcomeIPNotAllowed, errors.New(errors.KindIPNotAllowed, "")
	}

	// 6. 日上限与每分钟上限
	today := g.Today(now)
	if token.RequestCountDate != today {
		if err := g.store.Tokens().ResetDailyIfStale(ctx, token.ID, today); err != nil {
			return nil, outcomeError, errors.Internal(err)
		}
	}
	result.DailyCount = token.CountToday(today)
	if token.MaxRequestsPerDay != nil && result.DailyCount >= *token.MaxRequestsPerDay {
		return result, outcomeDailyLimit, dailyLimitError(token, now, g.loc)
	}
	if g.minute != nil && token.MaxRequestsPerMinute != nil && *token.MaxRequestsPerMinute > 0 {
		minute, err := g.minute.Take(ctx, fmt.Sprintf("token:%d", token.ID), int64(*token.MaxRequestsPerMinute), now)
		if err != nil {
			return nil, outcomeError, errors.Internal(err)
		}
		result.Minute = &minute
		if !minute.Allowed {
			return result, outcomeMinuteLimit, errors.New(errors.KindRateLimitExceeded, "每分钟请求次数超出限制").
				WithDetails(map[string]interface{}{
					"limit":       minute.Limit,
					"window":      "minute",
					"retry_after": retryAfter(now, minute.ResetAt),
				})
		}
	}

	// 7. 租户状态与订阅
	tenant, err := g.store.Tenants().FindByID(ctx, token.TenantID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, outcomeTenantDisabled, errors.New(errors.KindTenantDisabled, "")
		}
		return nil, outcomeError, errors.Internal(err)
	}
	if !tenant.IsActive() {
		return nil, outcomeTenantDisabled, errors.New(errors.KindTenantDisabled, "租户已停用")
	}
	if g.requireSubscription {
		if _, err := g.store.Subscriptions().FindActive(ctx, tenant.ID, now); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return nil, outcomeTenantDisabled, errors.New(errors.KindTenantDisabled, "租户没有有效订阅")
			}
			return nil, outcomeError, errors.Internal(err)
		}
	}
	result.Principal.Tenant = tenant

	// 8. 记录使用，检查与累加在同一条语句内完成
	ok, err := g.store.Tokens().IncrementIfBelowCeiling(ctx, token.ID, today, req.ClientIP, now)
	if err != nil {
		return nil, outcomeError, errors.Internal(err)
	}
	if !ok {
		if token.MaxRequestsPerDay == nil {
			return nil, outcomeError, errors.Internal(fmt.Errorf("令牌 %d 记录使用失败", token.ID))
		}
		// 并发请求先占满了当日额度
		return result, outcomeDailyLimit, dailyLimitError(token, now, g.loc)
	}

	token.RequestCountToday = result.DailyCount + 1
	token.RequestCountDate = today
	token.LastUsedAt = &now
	token.LastUsedIP = req.ClientIP
	result.DailyCount = token.RequestCountToday

	return result, OutcomeAdmitted, nil
}

func dailyLimitError(token *models.APIToken, now time.Time, loc *time.Location) error {
	local := now.In(loc)
	tomorrow := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return errors.New(errors.KindRateLimitExceeded, "当日请求次数超出限制").
		WithDetails(map[string]interface{}{
			"limit":       *token.MaxRequestsPerDay,
			"window":      "day",
			"retry_after": retryAfter(now, tomorrow),
		})
}

// retryAfter 距窗口结束的整秒数，至少为1
func retryAfter(now, resetAt time.Time) int64 {
	secs := int64(resetAt.Sub(now).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}
