package middleware

import (
	"fmt"
	"runtime/debug"

	"invoicegate/pkg/errors"
	"invoicegate/pkg/logger"
	"invoicegate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理中间件，捕获panic并返回统一的内部错误
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.GetLogger().WithFields(logrus.Fields{
					"request_id": c.GetString("request_id"),
					"path":       c.Request.URL.Path,
					"stack":      string(debug.Stack()),
				}).Errorf("Panic recovered: %v", r)
				response.AbortWithError(c, errors.Internal(fmt.Errorf("panic: %v", r)))
			}
		}()

		c.Next()
	}
}
