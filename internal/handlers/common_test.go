package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullable(t *testing.T) {
	var req UpdateTokenRequest
	require.NoError(t, json.Unmarshal([]byte(`{"max_requests_per_day": null, "max_requests_per_minute": 30}`), &req))

	// 显式 null：字段出现，值为空
	cleared := req.MaxRequestsPerDay.ptr()
	require.NotNil(t, cleared)
	assert.Nil(t, *cleared)

	set := req.MaxRequestsPerMinute.ptr()
	require.NotNil(t, set)
	require.NotNil(t, *set)
	assert.Equal(t, 30, **set)

	// 缺省：不修改
	assert.Nil(t, req.ExpiresAt.ptr())
}

func TestUpdateTokenRequestValidate(t *testing.T) {
	now := time.Date(2026, 5, 15, 10, 0, 0, 0, time.UTC)

	var req UpdateTokenRequest
	require.NoError(t, json.Unmarshal([]byte(`{"allowed_ips": ["10.0.0.0/8", "2001:db8::/32"]}`), &req))
	assert.Empty(t, req.validate(now))

	require.NoError(t, json.Unmarshal([]byte(`{"allowed_ips": ["not-an-ip"]}`), &req))
	assert.Contains(t, req.validate(now), "not-an-ip")

	req = UpdateTokenRequest{}
	require.NoError(t, json.Unmarshal([]byte(`{"expires_at": "2026-05-14T00:00:00Z"}`), &req))
	assert.NotEmpty(t, req.validate(now))
}

func TestValidationMessage(t *testing.T) {
	RegisterValidators()

	err := binding.Validator.ValidateStruct(&CreateTokenRequest{Name: "ERP", AllowedIPs: []string{"300.1.1.1"}})
	require.Error(t, err)
	assert.Contains(t, validationMessage(err), "cidr_or_ip")

	err = binding.Validator.ValidateStruct(&CreateTenantRequest{Name: "Empresa", RUC: "2060123456"})
	require.Error(t, err)
	assert.Contains(t, validationMessage(err), "RUC: len=11")

	assert.NoError(t, binding.Validator.ValidateStruct(&CreateTenantRequest{Name: "Empresa", RUC: "20601234567"}))
}
