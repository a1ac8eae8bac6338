package handlers

import (
	"context"
	"net/http"
	"time"

	"invoicegate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck 依赖探测，返回 nil 表示可用
type HealthCheck func(ctx context.Context) error

// SystemHandler 健康检查与指标
type SystemHandler struct {
	checks  map[string]HealthCheck
	started time.Time
}

// NewSystemHandler 创建系统处理器
func NewSystemHandler(checks map[string]HealthCheck) *SystemHandler {
	return &SystemHandler{checks: checks, started: time.Now()}
}

// Health 逐个探测依赖，任一失败返回503
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	body := gin.H{
		"status":       status,
		"dependencies": deps,
		"uptime":       time.Since(h.started).Round(time.Second).String(),
	}
	if status != "ok" {
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	response.Success(c, body)
}

// Ping 存活探测
func (h *SystemHandler) Ping(c *gin.Context) {
	response.Success(c, gin.H{"message": "pong"})
}

// Metrics Prometheus 指标
func (h *SystemHandler) Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
