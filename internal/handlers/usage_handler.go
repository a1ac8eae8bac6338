package handlers

import (
	"invoicegate/internal/services"
	"invoicegate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// UsageCheckRequest 额度预检，amount 为本次单据金额
type UsageCheckRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// RecordDocumentRequest 登记一张单据
type RecordDocumentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type UsageHandler struct {
	quota *services.QuotaService
}

func NewUsageHandler(quota *services.QuotaService) *UsageHandler {
	return &UsageHandler{quota: quota}
}

// Check 判断能否再开一张单据，不占用额度
func (h *UsageHandler) Check(c *gin.Context) {
	var req UsageCheckRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		response.BadRequest(c, "金额不能为负数")
		return
	}

	decision, err := h.quota.CanCreateDocument(c.Request.Context(), targetTenant(c), req.Amount)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, gin.H{
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
		"limits":  decision.Limits(),
	})
}

// RecordDocument 占用一张单据额度，超限时返回403
func (h *UsageHandler) RecordDocument(c *gin.Context) {
	var req RecordDocumentRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Amount.IsNegative() {
		response.BadRequest(c, "金额不能为负数")
		return
	}

	decision, err := h.quota.ConsumeDocumentQuota(c.Request.Context(), targetTenant(c), req.Amount)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Created(c, "已登记", gin.H{
		"allowed": decision.Allowed,
		"limits":  decision.Limits(),
	})
}
