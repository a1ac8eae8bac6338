package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"invoicegate/pkg/errors"
	"invoicegate/pkg/ipmatch"
	"invoicegate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// RegisterValidators 注册自定义校验规则，路由初始化时调用
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("cidr_or_ip", func(fl validator.FieldLevel) bool {
			return ipmatch.ValidEntry(fl.Field().String())
		})
	})
}

// bindJSON 绑定请求体，失败时直接返回400
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.AppError(c, errors.New(errors.KindInvalidParam, validationMessage(err)))
		return false
	}
	return true
}

// validationMessage 把校验错误整理成 "字段: 规则" 列表
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return "请求参数错误: " + err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), rule))
	}
	return "请求参数错误: " + strings.Join(parts, "; ")
}

// paramID 解析路径中的ID参数
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "ID格式错误")
		return 0, false
	}
	return uint(id), true
}

// targetTenant 由 RequireTenantAccess 写入的租户ID
func targetTenant(c *gin.Context) uint {
	return c.GetUint("target_tenant_id")
}

// nullable 区分字段缺省与显式 null，用于 PATCH
type nullable[T any] struct {
	Set   bool
	Value *T
}

func (n *nullable[T]) UnmarshalJSON(data []byte) error {
	n.Set = true
	if string(data) == "null" {
		n.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.Value = &v
	return nil
}

// ptr 只有字段出现时才返回非nil
func (n nullable[T]) ptr() **T {
	if !n.Set {
		return nil
	}
	v := n.Value
	return &v
}
