package repository

import (
	"context"
	"sync"
	"time"

	"github.com/CryptoLens/lensgate/internal/pkg/logger"
)

// CleanupTask 删除早于给定时长的数据。
type CleanupTask func(ctx context.Context, olderThan time.Duration) error

// Retention 按配置的保留天数周期性清理历史数据。
// 与 worker pool 相同的生命周期：Start 启动后台 goroutine，Stop 等待其退出。
type Retention struct {
	maxAge   time.Duration
	interval time.Duration
	tasks    []CleanupTask

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRetention(days int, tasks ...CleanupTask) *Retention {
	if days <= 0 {
		days = 30
	}
	return &Retention{
		maxAge:   time.Duration(days) * 24 * time.Hour,
		interval: time.Hour,
		tasks:    tasks,
	}
}

// Start runs one sweep immediately, then one per interval until Stop.
func (r *Retention) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweep(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
	logger.Info("retention sweeper started", "max_age", r.maxAge.String())
}

func (r *Retention) sweep(ctx context.Context) {
	for _, task := range r.tasks {
		if err := task(ctx, r.maxAge); err != nil {
			logger.Warn("retention sweep failed", "error", err)
		}
	}
}

func (r *Retention) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}
