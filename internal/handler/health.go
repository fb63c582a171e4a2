package handler

import (
	"net/http"
	"time"

	"github.com/CryptoLens/lensgate/internal/breaker"
	"github.com/CryptoLens/lensgate/internal/client"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	factory  *client.Factory
	breakers *breaker.Registry
	started  time.Time
}

func NewHealthHandler(factory *client.Factory, breakers *breaker.Registry) *HealthHandler {
	return &HealthHandler{factory: factory, breakers: breakers, started: time.Now()}
}

// Liveness 只回答进程活着没有
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Readiness reports per-service breaker state so operators can see at
// a glance which downstreams the gateway is currently shielding.
func (h *HealthHandler) Readiness(c *gin.Context) {
	services := make(map[string]gin.H, len(model.AllServices))
	degraded := false
	for _, name := range model.AllServices {
		state := h.breakers.Get(name).State()
		if state != breaker.StateClosed {
			degraded = true
		}
		services[name] = gin.H{
			"breaker":              string(state),
			"estimated_latency_ms": h.factory.Client(name).EstimatedLatency().Milliseconds(),
		}
	}

	status := "ok"
	code := http.StatusOK
	if degraded {
		status = "degraded"
		// 降级仍可服务，不改状态码
	}
	c.JSON(code, gin.H{
		"status":   status,
		"services": services,
	})
}
