package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/metrics"
)

// Result 单次配额检查的结论，供中间件转换成响应头
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Used       int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Counter is the windowed counter backend. Incr must be a single atomic
// increment-and-read; a lost update under concurrency is a correctness
// bug, not a rounding error.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
}

// Limiter enforces fixed-window quotas per (principal, tier, route).
// It is advisory only; it never touches the network path itself.
type Limiter struct {
	cfg     *config.Config
	counter Counter
}

func New(cfg *config.Config, counter Counter) *Limiter {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	return &Limiter{cfg: cfg, counter: counter}
}

// Check consumes one unit of the caller's quota for the route.
func (l *Limiter) Check(ctx context.Context, principal *model.Principal, route string) (*Result, error) {
	limit := l.cfg.LimitFor(string(principal.Tier))
	window := limit.Window()

	if limit.Requests <= 0 { // unlimited tier
		return &Result{Allowed: true, Limit: 0, Remaining: -1, ResetAt: time.Now().Add(window)}, nil
	}

	key := fmt.Sprintf("rl:%s:%s:%s", principal.ID, principal.Tier, route)
	count, resetAt, err := l.counter.Incr(ctx, key, window)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Limit:     limit.Requests,
		Used:      count,
		Remaining: limit.Requests - count,
		ResetAt:   resetAt,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if count > limit.Requests {
		res.Allowed = false
		res.RetryAfter = time.Until(resetAt)
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
		metrics.RateLimitRejects.WithLabelValues(string(principal.Tier)).Inc()
		return res, nil
	}
	res.Allowed = true
	return res, nil
}

// MemoryCounter 进程内固定窗口计数器
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	count       int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{buckets: make(map[string]*bucket)}
}

func (m *MemoryCounter) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		b = &bucket{windowStart: now}
		m.buckets[key] = b
	}
	b.count++
	return b.count, b.windowStart.Add(window), nil
}
