package handlers

import (
	"context"
	"encoding/json"
	"time"

	"invoicegate/internal/models"
	"invoicegate/internal/services"
	"invoicegate/pkg/pagination"
	"invoicegate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// CreateSubscriptionRequest 开通订阅请求
type CreateSubscriptionRequest struct {
	PlanName             string           `json:"plan_name" binding:"required,max=100"`
	PlanType             string           `json:"plan_type" binding:"omitempty,oneof=monthly yearly lifetime"`
	Price                decimal.Decimal  `json:"price"`
	Currency             string           `json:"currency" binding:"omitempty,len=3"`
	Status               string           `json:"status" binding:"omitempty,oneof=active inactive suspended"`
	StartsAt             *time.Time       `json:"starts_at"`
	EndsAt               *time.Time       `json:"ends_at"`
	TrialEndsAt          *time.Time       `json:"trial_ends_at"`
	MaxDocumentsPerMonth *int             `json:"max_documents_per_month" binding:"omitempty,min=0"`
	MaxTotalDocuments    *int64           `json:"max_total_documents" binding:"omitempty,min=0"`
	MaxTotalSalesAmount  *decimal.Decimal `json:"max_total_sales_amount"`
	MaxUsers             *int             `json:"max_users" binding:"omitempty,min=0"`
	MaxBranches          *int             `json:"max_branches" binding:"omitempty,min=0"`
	Features             []string         `json:"features"`
	PaymentMethod        string           `json:"payment_method" binding:"max=50"`
	PaymentReference     string           `json:"payment_reference" binding:"max=255"`
	Metadata             json.RawMessage  `json:"metadata"`
	Notes                string           `json:"notes"`
	CancelPrevious       bool             `json:"cancel_previous"`
}

// UpdateSubscriptionRequest 部分更新套餐与额度
type UpdateSubscriptionRequest struct {
	PlanName             *string                   `json:"plan_name" binding:"omitempty,min=1,max=100"`
	PlanType             *string                   `json:"plan_type" binding:"omitempty,oneof=monthly yearly lifetime"`
	Price                *decimal.Decimal          `json:"price"`
	EndsAt               nullable[time.Time]       `json:"ends_at"`
	MaxDocumentsPerMonth nullable[int]             `json:"max_documents_per_month"`
	MaxTotalDocuments    nullable[int64]           `json:"max_total_documents"`
	MaxTotalSalesAmount  nullable[decimal.Decimal] `json:"max_total_sales_amount"`
	MaxUsers             nullable[int]             `json:"max_users"`
	MaxBranches          nullable[int]             `json:"max_branches"`
	Features             *[]string                 `json:"features"`
	Notes                *string                   `json:"notes"`
}

// RenewRequest 续期请求
type RenewRequest struct {
	Months int `json:"months" binding:"required,min=1,max=12"`
}

type SubscriptionHandler struct {
	service *services.SubscriptionService
}

func NewSubscriptionHandler(service *services.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{service: service}
}

func (h *SubscriptionHandler) views(subs []models.Subscription) []*services.SubscriptionView {
	out := make([]*services.SubscriptionView, 0, len(subs))
	for i := range subs {
		out = append(out, h.service.View(&subs[i]))
	}
	return out
}

// List 订阅历史
func (h *SubscriptionHandler) List(c *gin.Context) {
	page := pagination.ParsePageParams(c)
	subs, total, err := h.service.List(c.Request.Context(), targetTenant(c), page)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.SuccessWithPage(c, h.views(subs), pagination.NewPageInfo(page.Page, page.PageSize, total))
}

// Active 当前有效订阅
func (h *SubscriptionHandler) Active(c *gin.Context) {
	sub, err := h.service.Active(c.Request.Context(), targetTenant(c))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, h.service.View(sub))
}

// Get 订阅详情
func (h *SubscriptionHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "subscription_id")
	if !ok {
		return
	}
	sub, err := h.service.Get(c.Request.Context(), targetTenant(c), id)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, h.service.View(sub))
}

// Create 开通订阅
func (h *SubscriptionHandler) Create(c *gin.Context) {
	var req CreateSubscriptionRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.MaxTotalSalesAmount != nil && req.MaxTotalSalesAmount.IsNegative() {
		response.BadRequest(c, "销售额上限不能为负数")
		return
	}

	var metadata datatypes.JSON
	if len(req.Metadata) > 0 {
		metadata = datatypes.JSON(req.Metadata)
	}

	sub, err := h.service.Create(c.Request.Context(), targetTenant(c), services.CreateSubscriptionInput{
		PlanName:             req.PlanName,
		PlanType:             req.PlanType,
		Price:                req.Price,
		Currency:             req.Currency,
		Status:               req.Status,
		StartsAt:             req.StartsAt,
		EndsAt:               req.EndsAt,
		TrialEndsAt:          req.TrialEndsAt,
		MaxDocumentsPerMonth: req.MaxDocumentsPerMonth,
		MaxTotalDocuments:    req.MaxTotalDocuments,
		MaxTotalSalesAmount:  req.MaxTotalSalesAmount,
		MaxUsers:             req.MaxUsers,
		MaxBranches:          req.MaxBranches,
		Features:             req.Features,
		PaymentMethod:        req.PaymentMethod,
		PaymentReference:     req.PaymentReference,
		Metadata:             metadata,
		Notes:                req.Notes,
		CancelPrevious:       req.CancelPrevious,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Created(c, "订阅已创建", h.service.View(sub))
}

// Update 修改套餐与额度
func (h *SubscriptionHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "subscription_id")
	if !ok {
		return
	}
	var req UpdateSubscriptionRequest
	if !bindJSON(c, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		response.BadRequest(c, msg)
		return
	}

	sub, err := h.service.Update(c.Request.Context(), targetTenant(c), id, services.SubscriptionUpdate{
		PlanName:             req.PlanName,
		PlanType:             req.PlanType,
		Price:                req.Price,
		EndsAt:               req.EndsAt.ptr(),
		MaxDocumentsPerMonth: req.MaxDocumentsPerMonth.ptr(),
		MaxTotalDocuments:    req.MaxTotalDocuments.ptr(),
		MaxTotalSalesAmount:  req.MaxTotalSalesAmount.ptr(),
		MaxUsers:             req.MaxUsers.ptr(),
		MaxBranches:          req.MaxBranches.ptr(),
		Features:             req.Features,
		Notes:                req.Notes,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, h.service.View(sub))
}

func (r *UpdateSubscriptionRequest) validate() string {
	if r.Price != nil && r.Price.IsNegative() {
		return "价格不能为负数"
	}
	if v := r.MaxTotalSalesAmount.Value; v != nil && v.IsNegative() {
		return "销售额上限不能为负数"
	}
	if v := r.MaxTotalDocuments.Value; v != nil && *v < 0 {
		return "单据总数上限不能为负数"
	}
	for _, v := range []*int{r.MaxDocumentsPerMonth.Value, r.MaxUsers.Value, r.MaxBranches.Value} {
		if v != nil && *v < 0 {
			return "上限不能为负数"
		}
	}
	return ""
}

// Activate 激活订阅
func (h *SubscriptionHandler) Activate(c *gin.Context) {
	h.transition(c, h.service.Activate)
}

// Cancel 取消订阅
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	h.transition(c, h.service.Cancel)
}

// Suspend 暂停订阅
func (h *SubscriptionHandler) Suspend(c *gin.Context) {
	h.transition(c, h.service.Suspend)
}

// ResetCounters 清零累计额度
func (h *SubscriptionHandler) ResetCounters(c *gin.Context) {
	h.transition(c, h.service.ResetCounters)
}

// Renew 续期若干个月
func (h *SubscriptionHandler) Renew(c *gin.Context) {
	var req RenewRequest
	if !bindJSON(c, &req) {
		return
	}
	h.transition(c, func(ctx context.Context, tenantID, id uint) (*models.Subscription, error) {
		return h.service.Renew(ctx, tenantID, id, req.Months)
	})
}

func (h *SubscriptionHandler) transition(c *gin.Context, op func(ctx context.Context, tenantID, id uint) (*models.Subscription, error)) {
	id, ok := paramID(c, "subscription_id")
	if !ok {
		return
	}
	sub, err := op(c.Request.Context(), targetTenant(c), id)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, h.service.View(sub))
}
