package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"invoicegate/internal/auth"
	"invoicegate/internal/models"
	"invoicegate/internal/repository"
	"invoicegate/internal/services"
	"invoicegate/pkg/config"
	"invoicegate/pkg/counter"
	"invoicegate/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authFixture struct {
	router *gin.Engine
	jwt    *jwt.JWTManager
	tokens *services.TokenService
	tenant *models.Tenant
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.GateConfig{TokenDigestKey: "k", TokenPrefix: "igk_", Timezone: "UTC", AllowQueryToken: true}
	store := repository.NewMemoryStore(time.UTC)
	tokens := services.NewTokenService(store, cfg)
	gate := services.NewGate(store, tokens, counter.NewMemoryCounter("t", time.Minute), cfg)
	manager := jwt.NewJWTManager("secret", "invoicegate", time.Hour)

	tenant := &models.Tenant{Name: "Tenant", RUC: "20100000001", Status: models.TenantStatusActive}
	require.NoError(t, store.Tenants().Create(context.Background(), tenant))

	m := NewAuthMiddleware(gate, manager)
	r := gin.New()
	r.Use(RequestID(), ErrorHandler())
	whoami := func(c *gin.Context) {
		p, _ := auth.FromGin(c)
		c.JSON(http.StatusOK, p.Describe())
	}
	r.GET("/me", m.RequireLogin(), whoami)
	r.GET("/tenants/:tenant_id/things", m.RequireLogin(), m.RequireTenantAccess("tenant_id"), whoami)
	r.GET("/admin", m.RequireLogin(), m.RequirePrivileged(), whoami)
	r.POST("/invoices", m.RequireCredential(), m.RequireAbility("invoices.create"), whoami)

	return &authFixture{router: r, jwt: manager, tokens: tokens, tenant: tenant}
}

func (f *authFixture) do(method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	req.RemoteAddr = "192.0.2.10:5555"
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRequireLogin_Credential(t *testing.T) {
	f := newAuthFixture(t)
	perDay := 5
	minted, err := f.tokens.Mint(context.Background(), f.tenant.ID, services.MintOptions{Name: "ERP", MaxRequestsPerDay: &perDay})
	require.NoError(t, err)

	w := f.do("GET", "/me", http.Header{"X-Api-Key": []string{minted.Secret}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api_token", decode(t, w)["type"])
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Daily-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Daily-Remaining"))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = f.do("GET", "/me?api_token="+minted.Secret, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireLogin_Rejections(t *testing.T) {
	f := newAuthFixture(t)

	w := f.do("GET", "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "credential_missing", decode(t, w)["kind"])

	w = f.do("GET", "/me", bearer("igk_unknown"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "credential_invalid", decode(t, w)["kind"])

	// JWT 形态但签名错误
	w = f.do("GET", "/me", bearer("aaa.bbb.ccc"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "credential_invalid", decode(t, w)["kind"])
}

func TestRequireLogin_DailyLimitHeaders(t *testing.T) {
	f := newAuthFixture(t)
	perDay := 1
	minted, err := f.tokens.Mint(context.Background(), f.tenant.ID, services.MintOptions{Name: "ERP", MaxRequestsPerDay: &perDay})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, f.do("GET", "/me", bearer(minted.Secret)).Code)

	w := f.do("GET", "/me", bearer(minted.Secret))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limit_exceeded", decode(t, w)["kind"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Daily-Remaining"))
}

func TestRequireTenantAccess(t *testing.T) {
	f := newAuthFixture(t)
	minted, err := f.tokens.Mint(context.Background(), f.tenant.ID, services.MintOptions{Name: "ERP"})
	require.NoError(t, err)

	ownPath := fmt.Sprintf("/tenants/%d/things", f.tenant.ID)
	otherPath := fmt.Sprintf("/tenants/%d/things", f.tenant.ID+1)

	own := f.do("GET", ownPath, bearer(minted.Secret))
	assert.Equal(t, http.StatusOK, own.Code)

	other := f.do("GET", otherPath, bearer(minted.Secret))
	assert.Equal(t, http.StatusForbidden, other.Code)
	assert.Equal(t, "access_denied", decode(t, other)["kind"])

	bad := f.do("GET", "/tenants/abc/things", bearer(minted.Secret))
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	admin, err := f.jwt.GenerateToken(1, 0, "root", true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do("GET", otherPath, bearer(admin)).Code)

	operator, err := f.jwt.GenerateToken(2, f.tenant.ID, "ops", false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do("GET", ownPath, bearer(operator)).Code)
	assert.Equal(t, http.StatusForbidden, f.do("GET", otherPath, bearer(operator)).Code)
}

func TestRequirePrivileged(t *testing.T) {
	f := newAuthFixture(t)
	minted, err := f.tokens.Mint(context.Background(), f.tenant.ID, services.MintOptions{Name: "ERP"})
	require.NoError(t, err)
	admin, _ := f.jwt.GenerateToken(1, 0, "root", true)

	assert.Equal(t, http.StatusForbidden, f.do("GET", "/admin", bearer(minted.Secret)).Code)
	w := f.do("GET", "/admin", bearer(admin))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user", decode(t, w)["type"])
}

func TestRequireAbility(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	viewer, err := f.tokens.Mint(ctx, f.tenant.ID, services.MintOptions{Name: "viewer", Abilities: []string{"invoices.view"}})
	require.NoError(t, err)
	writer, err := f.tokens.Mint(ctx, f.tenant.ID, services.MintOptions{Name: "writer", Abilities: []string{"invoices.create"}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, f.do("POST", "/invoices", bearer(viewer.Secret)).Code)
	assert.Equal(t, http.StatusOK, f.do("POST", "/invoices", bearer(writer.Secret)).Code)

	// 该路由只接受API令牌
	admin, _ := f.jwt.GenerateToken(1, 0, "root", true)
	assert.Equal(t, http.StatusUnauthorized, f.do("POST", "/invoices", bearer(admin)).Code)
}

func TestIPThrottle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	throttle := NewIPThrottle(1, 2)
	r := gin.New()
	r.Use(throttle.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "198.51.100.1:1000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	assert.Equal(t, 1, throttle.Sweep(time.Now().Add(time.Hour)))
	assert.Nil(t, NewIPThrottle(0, 10))
}
