package handlers

import (
	"time"

	"invoicegate/internal/services"
	"invoicegate/pkg/ipmatch"
	"invoicegate/pkg/pagination"
	"invoicegate/pkg/response"

	"github.com/gin-gonic/gin"
)

// CreateTokenRequest 签发令牌请求
type CreateTokenRequest struct {
	Name                 string     `json:"name" binding:"required,max=255"`
	Abilities            []string   `json:"abilities" binding:"omitempty,dive,required,max=100"`
	AllowedIPs           []string   `json:"allowed_ips" binding:"omitempty,dive,cidr_or_ip"`
	ExpiresAt            *time.Time `json:"expires_at"`
	MaxRequestsPerMinute *int       `json:"max_requests_per_minute" binding:"omitempty,min=1"`
	MaxRequestsPerDay    *int       `json:"max_requests_per_day" binding:"omitempty,min=1"`
	Notes                string     `json:"notes" binding:"max=1000"`
}

// UpdateTokenRequest 部分更新，可空字段传 null 表示清除
type UpdateTokenRequest struct {
	Name                 *string             `json:"name" binding:"omitempty,min=1,max=255"`
	Abilities            *[]string           `json:"abilities"`
	AllowedIPs           *[]string           `json:"allowed_ips"`
	IsActive             *bool               `json:"is_active"`
	ExpiresAt            nullable[time.Time] `json:"expires_at"`
	MaxRequestsPerMinute nullable[int]       `json:"max_requests_per_minute"`
	MaxRequestsPerDay    nullable[int]       `json:"max_requests_per_day"`
	Notes                *string             `json:"notes" binding:"omitempty,max=1000"`
}

type TokenHandler struct {
	service *services.TokenService
}

func NewTokenHandler(service *services.TokenService) *TokenHandler {
	return &TokenHandler{service: service}
}

// List 租户令牌列表
func (h *TokenHandler) List(c *gin.Context) {
	page := pagination.ParsePageParams(c)
	tokens, total, err := h.service.List(c.Request.Context(), targetTenant(c), page)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.SuccessWithPage(c, tokens, pagination.NewPageInfo(page.Page, page.PageSize, total))
}

// Create 签发令牌，明文只在本次响应中返回
func (h *TokenHandler) Create(c *gin.Context) {
	var req CreateTokenRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		response.BadRequest(c, "过期时间必须晚于当前时间")
		return
	}

	minted, err := h.service.Mint(c.Request.Context(), targetTenant(c), services.MintOptions{
		Name:                 req.Name,
		Abilities:            req.Abilities,
		AllowedIPs:           req.AllowedIPs,
		ExpiresAt:            req.ExpiresAt,
		MaxRequestsPerMinute: req.MaxRequestsPerMinute,
		MaxRequestsPerDay:    req.MaxRequestsPerDay,
		Notes:                req.Notes,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Created(c, "令牌已签发，请妥善保存，明文不会再次显示", minted)
}

// Get 令牌详情
func (h *TokenHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "token_id")
	if !ok {
		return
	}
	token, err := h.service.Get(c.Request.Context(), targetTenant(c), id)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, token)
}

// Update 修改令牌设置
func (h *TokenHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "token_id")
	if !ok {
		return
	}
	var req UpdateTokenRequest
	if !bindJSON(c, &req) {
		return
	}
	if msg := req.validate(time.Now()); msg != "" {
		response.BadRequest(c, msg)
		return
	}

	token, err := h.service.Update(c.Request.Context(), targetTenant(c), id, services.TokenUpdate{
		Name:                 req.Name,
		Abilities:            req.Abilities,
		AllowedIPs:           req.AllowedIPs,
		IsActive:             req.IsActive,
		ExpiresAt:            req.ExpiresAt.ptr(),
		MaxRequestsPerMinute: req.MaxRequestsPerMinute.ptr(),
		MaxRequestsPerDay:    req.MaxRequestsPerDay.ptr(),
		Notes:                req.Notes,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, token)
}

// validate nullable 字段不走 binding 标签，在这里手动校验
func (r *UpdateTokenRequest) validate(now time.Time) string {
	if r.AllowedIPs != nil {
		for _, entry := range *r.AllowedIPs {
			if !ipmatch.ValidEntry(entry) {
				return "无效的IP或CIDR: " + entry
			}
		}
	}
	if r.ExpiresAt.Value != nil && !r.ExpiresAt.Value.After(now) {
		return "过期时间必须晚于当前时间"
	}
	if v := r.MaxRequestsPerMinute.Value; v != nil && *v < 1 {
		return "每分钟请求上限必须大于0"
	}
	if v := r.MaxRequestsPerDay.Value; v != nil && *v < 1 {
		return "每日请求上限必须大于0"
	}
	return ""
}

// Revoke 吊销令牌
func (h *TokenHandler) Revoke(c *gin.Context) {
	id, ok := paramID(c, "token_id")
	if !ok {
		return
	}
	if err := h.service.Revoke(c.Request.Context(), targetTenant(c), id); err != nil {
		response.AppError(c, err)
		return
	}
	response.SuccessWithMessage(c, "令牌已吊销", nil)
}

// Regenerate 轮换令牌
func (h *TokenHandler) Regenerate(c *gin.Context) {
	id, ok := paramID(c, "token_id")
	if !ok {
		return
	}
	minted, err := h.service.Regenerate(c.Request.Context(), targetTenant(c), id)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Created(c, "令牌已轮换，旧令牌已吊销", minted)
}
