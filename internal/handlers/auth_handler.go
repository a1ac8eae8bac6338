package handlers

import (
	"invoicegate/internal/auth"
	"invoicegate/pkg/response"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct{}

func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

// Me 当前请求的主体：运营人员或租户API令牌
func (h *AuthHandler) Me(c *gin.Context) {
	p, ok := auth.FromGin(c)
	if !ok {
		response.Unauthorized(c, "请先登录")
		return
	}
	response.Success(c, p.Describe())
}
