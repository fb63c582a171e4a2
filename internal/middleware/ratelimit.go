package middleware

import (
	"net/http"
	"strconv"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/CryptoLens/lensgate/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// RateLimitMiddleware 按 (principal, tier, route) 执行固定窗口限流。
// 必须挂在 AuthMiddleware 之后。
func RateLimitMiddleware(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok {
			// AuthMiddleware 理应已拦截；保险起见
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		res, err := limiter.Check(c.Request.Context(), principal, c.FullPath())
		if err != nil {
			// 计数后端故障时放行：限流是保护措施，不应成为单点
			c.Next()
			return
		}

		setRateHeaders(c, principal.Tier, res)

		if !res.Allowed {
			retryAfter := int(res.RetryAfter.Seconds())
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			appErr := apperrors.NewRateLimited("rate limit exceeded for tier "+string(principal.Tier), retryAfter)
			c.JSON(appErr.HTTPStatus, appErr)
			c.Abort()
			return
		}

		c.Next()
	}
}

func setRateHeaders(c *gin.Context, tier model.Tier, res *ratelimit.Result) {
	if res.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Used", strconv.Itoa(res.Used))
	}
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	c.Header("X-RateLimit-Tier", string(tier))
}
