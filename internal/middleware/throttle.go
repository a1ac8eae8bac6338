package middleware

import (
	"strconv"
	"sync"
	"time"

	"invoicegate/pkg/errors"
	"invoicegate/pkg/response"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// visitorTTL 超过该时间未出现的IP会被清理
const visitorTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPThrottle 网关前的单IP令牌桶，挡住未认证的暴力请求
type IPThrottle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

// NewIPThrottle rps<=0 时返回 nil，表示不限流
func NewIPThrottle(rps float64, burst int) *IPThrottle {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &IPThrottle{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (t *IPThrottle) limiter(ip string, now time.Time) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Sweep 清理长时间未出现的IP，返回清理数量
func (t *IPThrottle) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for ip, v := range t.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(t.visitors, ip)
			removed++
		}
	}
	return removed
}

// Middleware 超出速率返回429
func (t *IPThrottle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if t == nil {
			c.Next()
			return
		}
		now := time.Now()
		reservation := t.limiter(c.ClientIP(), now).ReserveN(now, 1)
		if !reservation.OK() {
			response.AbortWithError(c, errors.New(errors.KindRateLimitExceeded, "请求过于频繁"))
			return
		}
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			retry := int64(delay/time.Second) + 1
			c.Header("Retry-After", strconv.FormatInt(retry, 10))
			response.AbortWithError(c, errors.New(errors.KindRateLimitExceeded, "请求过于频繁").
				WithDetails(map[string]interface{}{"retry_after": retry, "window": "ip"}))
			return
		}
		c.Next()
	}
}
