package services

import (
	"invoicegate/internal/auth"
	"invoicegate/pkg/errors"
)

// CanAccess 平台管理员可访问任意租户，其他主体只能访问自己的租户
func CanAccess(p auth.Principal, tenantID uint) bool {
	if p == nil {
		return false
	}
	if auth.IsPrivileged(p) {
		return true
	}
	return p.TenantID() != 0 && p.TenantID() == tenantID
}

// EnsureAccess 无权访问时返回 access_denied
func EnsureAccess(p auth.Principal, tenantID uint) error {
	if !CanAccess(p, tenantID) {
		return errors.New(errors.KindAccessDenied, "")
	}
	return nil
}
