package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ========== 错误码常量定义 ==========

// CodeSuccess 成功码
const (
	CodeSuccess = 200
)

// HTTP层错误码 (400-599)
const (
	CodeInvalidParam    = 400
	CodeUnauthorized    = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeConflict        = 409
	CodeTooManyRequests = 429
	CodeServerError     = 500
)

// ========== 网关错误类型 ==========

// Kind 对外稳定的机器可读错误类型
type Kind string

const (
	KindCredentialMissing Kind = "credential_missing"
	KindCredentialInvalid Kind = "credential_invalid"
	KindIPNotAllowed      Kind = "ip_not_allowed"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindTenantDisabled    Kind = "tenant_disabled"
	KindAccessDenied      Kind = "access_denied"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindNotFound          Kind = "not_found"
	KindInvalidParam      Kind = "invalid_param"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal_error"
)

// 各类型对应的HTTP状态与默认提示
var kindMeta = map[Kind]struct {
	status  int
	message string
}{
	KindCredentialMissing: {http.StatusUnauthorized, "未提供认证令牌"},
	KindCredentialInvalid: {http.StatusUnauthorized, "令牌无效"},
	KindIPNotAllowed:      {http.StatusForbidden, "IP未被授权"},
	KindRateLimitExceeded: {http.StatusTooManyRequests, "请求次数超出限制"},
	KindTenantDisabled:    {http.StatusForbidden, "租户已停用或没有有效订阅"},
	KindAccessDenied:      {http.StatusForbidden, "无权访问该租户的资源"},
	KindQuotaExceeded:     {http.StatusForbidden, "订阅额度已用尽"},
	KindNotFound:          {http.StatusNotFound, "资源不存在"},
	KindInvalidParam:      {http.StatusBadRequest, "参数错误"},
	KindConflict:          {http.StatusConflict, "状态冲突"},
	KindInternal:          {http.StatusInternalServerError, "服务器内部错误"},
}

// Status 返回类型对应的HTTP状态码
func (k Kind) Status() int {
	if meta, ok := kindMeta[k]; ok {
		return meta.status
	}
	return http.StatusInternalServerError
}

// DefaultMessage 返回类型的默认提示
func (k Kind) DefaultMessage() string {
	if meta, ok := kindMeta[k]; ok {
		return meta.message
	}
	return kindMeta[KindInternal].message
}

// AppError 带类型的业务错误，Err 只用于日志，不返回给调用方
type AppError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Status 返回HTTP状态码
func (e *AppError) Status() int {
	return e.Kind.Status()
}

// Is 按类型比较，便于 errors.Is(err, ErrRateLimited) 这样的判断
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New 创建指定类型的错误，message 为空时使用默认提示
func New(kind Kind, message string) *AppError {
	if message == "" {
		message = kind.DefaultMessage()
	}
	return &AppError{Kind: kind, Message: message}
}

// Wrap 包装底层错误
func Wrap(kind Kind, err error, message string) *AppError {
	appErr := New(kind, message)
	appErr.Err = err
	return appErr
}

// WithDetails 附加返回给调用方的补充信息
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// Internal 持久化等内部错误
func Internal(err error) *AppError {
	return Wrap(KindInternal, err, "")
}

// 哨兵错误，仅用于 errors.Is 比较
var (
	ErrCredentialMissing = New(KindCredentialMissing, "")
	ErrCredentialInvalid = New(KindCredentialInvalid, "")
	ErrIPNotAllowed      = New(KindIPNotAllowed, "")
	ErrRateLimited       = New(KindRateLimitExceeded, "")
	ErrTenantDisabled    = New(KindTenantDisabled, "")
	ErrAccessDenied      = New(KindAccessDenied, "")
	ErrQuotaExceeded     = New(KindQuotaExceeded, "")
	ErrNotFound          = New(KindNotFound, "")
	ErrConflict          = New(KindConflict, "")
	ErrInvalidTransition = New(KindConflict, "当前状态不允许该操作")
)

// KindOf 取出错误类型，非 AppError 视为内部错误
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// As 是标准库 errors.As 的转发，避免调用方同时引入两个 errors 包
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is 是标准库 errors.Is 的转发
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
