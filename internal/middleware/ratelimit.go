package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/leonaiuv/ai-chat-app/internal/config"
	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/internal/observability"
	"github.com/leonaiuv/ai-chat-app/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimiter 按客户端 IP 的令牌桶限流
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	metrics *observability.RelayMetrics

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	now        func() time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig, metrics *observability.RelayMetrics) *RateLimiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:      rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:      burst,
		metrics:    metrics,
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Allow 检查 key 是否还有令牌，顺带清理长时间未使用的限流器
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	now := r.now()
	limiter, ok := r.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = limiter
	}
	r.lastAccess[key] = now

	for k, t := range r.lastAccess {
		if now.Sub(t) > limiterIdleTTL {
			delete(r.limiters, k)
			delete(r.lastAccess, k)
		}
	}
	r.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Middleware 超出配额返回 429 {error}
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow(c.ClientIP()) {
			logger.WithFields(logrus.Fields{
				"request_id": GetRequestID(c),
				"client_ip":  c.ClientIP(),
			}).Warn("rate limit exceeded")
			r.metrics.RecordRequest(observability.StatusRateLimited)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, model.ErrorResponse{Error: "请求过于频繁，请稍后再试"})
			return
		}
		c.Next()
	}
}
