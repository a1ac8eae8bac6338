package handlers

import (
	"invoicegate/internal/services"
	"invoicegate/pkg/pagination"
	"invoicegate/pkg/response"

	"github.com/gin-gonic/gin"
)

// CreateTenantRequest 开户请求
type CreateTenantRequest struct {
	Name      string `json:"name" binding:"required,min=2,max=255"`
	TradeName string `json:"trade_name" binding:"max=255"`
	RUC       string `json:"ruc" binding:"required,len=11,numeric"`
	Email     string `json:"email" binding:"omitempty,email"`
}

type TenantHandler struct {
	service *services.TenantService
}

func NewTenantHandler(service *services.TenantService) *TenantHandler {
	return &TenantHandler{
		service: service,
	}
}

// Create 开户：租户、默认令牌、永久订阅
func (h *TenantHandler) Create(c *gin.Context) {
	var req CreateTenantRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.Onboard(c.Request.Context(), services.CreateTenantInput{
		Name:      req.Name,
		TradeName: req.TradeName,
		RUC:       req.RUC,
		Email:     req.Email,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Created(c, "租户已创建，默认令牌明文不会再次显示", result)
}

// GetAll 租户列表（平台管理员）
func (h *TenantHandler) GetAll(c *gin.Context) {
	page := pagination.ParsePageParams(c)
	tenants, total, err := h.service.List(c.Request.Context(), page)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.SuccessWithPage(c, tenants, pagination.NewPageInfo(page.Page, page.PageSize, total))
}

// GetByID 获取租户
func (h *TenantHandler) GetByID(c *gin.Context) {
	tenant, err := h.service.GetByID(c.Request.Context(), targetTenant(c))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, tenant)
}

// Activate 启用租户
func (h *TenantHandler) Activate(c *gin.Context) {
	tenant, err := h.service.Activate(c.Request.Context(), targetTenant(c))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, tenant)
}

// Deactivate 停用租户，其令牌随即被网关拒绝
func (h *TenantHandler) Deactivate(c *gin.Context) {
	tenant, err := h.service.Deactivate(c.Request.Context(), targetTenant(c))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, tenant)
}
