package repository

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetentionSweepsPeriodically(t *testing.T) {
	var sweeps int32
	var gotAge int64
	r := NewRetention(7, func(ctx context.Context, olderThan time.Duration) error {
		atomic.AddInt32(&sweeps, 1)
		atomic.StoreInt64(&gotAge, int64(olderThan))
		return nil
	})
	r.interval = 20 * time.Millisecond

	r.Start()
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&sweeps) < 2 {
		select {
		case <-deadline:
			t.Fatalf("sweeps = %d, want >= 2", atomic.LoadInt32(&sweeps))
		case <-time.After(5 * time.Millisecond):
		}
	}
	r.Stop()

	if got := time.Duration(atomic.LoadInt64(&gotAge)); got != 7*24*time.Hour {
		t.Fatalf("olderThan = %v, want %v", got, 7*24*time.Hour)
	}

	after := atomic.LoadInt32(&sweeps)
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&sweeps) != after {
		t.Fatalf("sweeper kept running after Stop")
	}
}

func TestRetentionRunsAllTasks(t *testing.T) {
	var history, terminal int32
	r := NewRetention(0, // 0 falls back to the 30-day default
		func(ctx context.Context, olderThan time.Duration) error {
			atomic.AddInt32(&history, 1)
			return nil
		},
		func(ctx context.Context, olderThan time.Duration) error {
			atomic.AddInt32(&terminal, 1)
			return nil
		})
	if r.maxAge != 30*24*time.Hour {
		t.Fatalf("maxAge = %v, want 30d default", r.maxAge)
	}

	r.sweep(context.Background())
	if atomic.LoadInt32(&history) != 1 || atomic.LoadInt32(&terminal) != 1 {
		t.Fatalf("tasks ran history=%d terminal=%d, want 1/1", history, terminal)
	}
}
