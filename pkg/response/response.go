package response

import (
	"net/http"

	"invoicegate/pkg/errors"
	"invoicegate/pkg/logger"
	"invoicegate/pkg/pagination"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Response 统一返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse 网关及业务错误返回格式
type ErrorResponse struct {
	Code    int                    `json:"code"`
	Kind    errors.Kind            `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ========== 基础返回方法 ==========

// Success 成功返回
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    errors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 成功返回（自定义消息）
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    errors.CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// Created 创建成功返回
func Created(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    http.StatusCreated,
		Message: message,
		Data:    data,
	})
}

// SuccessWithPage 分页成功返回
func SuccessWithPage(c *gin.Context, data interface{}, pageInfo *pagination.PageInfo) {
	c.JSON(http.StatusOK, gin.H{
		"code":      errors.CodeSuccess,
		"message":   "success",
		"data":      data,
		"page_info": pageInfo,
	})
}

// Error 通用错误返回，HTTP状态与业务码一致
func Error(c *gin.Context, code int, message string) {
	c.JSON(code, Response{
		Code:    code,
		Message: message,
	})
}

// AppError 按错误类型返回，内部错误只记日志不外泄
func AppError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		appErr = errors.Internal(err)
	}

	if appErr.Kind == errors.KindInternal {
		logger.GetLogger().WithFields(logrus.Fields{
			"path":       c.FullPath(),
			"request_id": c.GetString("request_id"),
		}).WithError(err).Error("请求处理失败")
	}

	status := appErr.Status()
	c.JSON(status, ErrorResponse{
		Code:    status,
		Kind:    appErr.Kind,
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

// AbortWithError 返回错误并终止后续处理
func AbortWithError(c *gin.Context, err error) {
	AppError(c, err)
	c.Abort()
}

// ========== HTTP错误快捷方法 ==========

func BadRequest(c *gin.Context, message string) {
	AppError(c, errors.New(errors.KindInvalidParam, message))
}

func Unauthorized(c *gin.Context, message string) {
	AppError(c, errors.New(errors.KindCredentialMissing, message))
}

func Forbidden(c *gin.Context, message string) {
	AppError(c, errors.New(errors.KindAccessDenied, message))
}

func NotFound(c *gin.Context, message string) {
	AppError(c, errors.New(errors.KindNotFound, message))
}

func ServerError(c *gin.Context, message string) {
	AppError(c, errors.New(errors.KindInternal, message))
}
