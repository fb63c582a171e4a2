package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/logger"
	"github.com/CryptoLens/lensgate/internal/pkg/metrics"
)

// Runner executes the same fan-out as the immediate path. Implemented
// by the orchestration engine; the indirection keeps this package free
// of engine internals.
type Runner interface {
	RunFanOut(ctx context.Context, req model.AnalysisRequest, correlationID, principalID string, onStage func(stage string, sr *model.ServiceResult, progress int)) (*model.AnalysisResult, error)
}

// Pool 固定大小的后台工作池，从任务队列取 queued 任务并执行。
type Pool struct {
	store  Store
	runner Runner
	cfg    config.WorkerConfig

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// per-job cancel functions for cooperative cancellation
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewPool(cfg config.WorkerConfig, store Store, runner Runner) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:   store,
		runner:  runner,
		cfg:     cfg,
		queue:   make(chan string, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start requeues orphaned jobs and launches the workers.
func (p *Pool) Start() {
	if pending, err := p.store.Pending(context.Background()); err == nil {
		for _, job := range pending {
			p.push(job.AnalysisID)
		}
	}
	for i := 0; i < p.cfg.PoolSize; i++ {
		p.wg.Add(1)
		go p.run()
	}
	logger.Info("worker pool started", "size", p.cfg.PoolSize)
}

// Stop signals the workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Enqueue hands a freshly created job to the pool.
func (p *Pool) Enqueue(job *model.AnalysisJob) {
	p.push(job.AnalysisID)
}

func (p *Pool) push(analysisID string) {
	select {
	case p.queue <- analysisID:
		metrics.JobQueueDepth.Set(float64(len(p.queue)))
	default:
		// 队列打满：任务仍在 store 里是 queued 状态，重启时会被捞回
		logger.Warn("job queue full, deferring to requeue", "analysis_id", analysisID)
	}
}

// Cancel marks the job cancelled and signals its worker. Best effort:
// already-dispatched downstream requests may still complete server-side,
// their results are discarded by the store's transition guards.
func (p *Pool) Cancel(ctx context.Context, analysisID string) error {
	if err := p.store.Transition(ctx, analysisID, model.JobCancelled); err != nil {
		return err
	}
	p.mu.Lock()
	if cancel, ok := p.cancels[analysisID]; ok {
		cancel()
	}
	p.mu.Unlock()
	metrics.JobsTotal.WithLabelValues(string(model.JobCancelled)).Inc()
	return nil
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case analysisID := <-p.queue:
			metrics.JobQueueDepth.Set(float64(len(p.queue)))
			p.process(analysisID)
		}
	}
}

func (p *Pool) process(analysisID string) {
	job, err := p.store.Get(p.ctx, analysisID)
	if err != nil {
		logger.Warn("dequeued unknown job", "analysis_id", analysisID)
		return
	}
	if job.Status != model.JobQueued {
		return // cancelled while waiting, or duplicate enqueue
	}
	if err := p.store.Transition(p.ctx, analysisID, model.JobProcessing); err != nil {
		return
	}

	jobCtx, cancelJob := context.WithCancel(p.ctx)
	p.mu.Lock()
	p.cancels[analysisID] = cancelJob
	p.mu.Unlock()
	defer func() {
		cancelJob()
		p.mu.Lock()
		delete(p.cancels, analysisID)
		p.mu.Unlock()
	}()

	backoff := time.Duration(p.cfg.RetryBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for {
		attempt, err := p.store.IncrementAttempts(jobCtx, analysisID)
		if err != nil {
			return
		}

		result, runErr := p.runner.RunFanOut(jobCtx, job.Request, analysisID, job.PrincipalID, func(stage string, sr *model.ServiceResult, progress int) {
			sp := &model.StageProgress{Progress: 100}
			if sr != nil {
				sp.Status = sr.Status
			}
			_ = p.store.UpdateStage(jobCtx, analysisID, stage, sp, progress)
		})
		if runErr == nil {
			if err := p.store.Complete(jobCtx, analysisID, result); err == nil {
				metrics.JobsTotal.WithLabelValues(string(model.JobCompleted)).Inc()
			}
			return
		}
		lastErr = runErr

		if jobCtx.Err() != nil {
			// cancelled mid-flight; the store already holds the terminal state
			return
		}

		// 只有零成功（系统性失败）才重试；部分成功在 RunFanOut 内
		// 已经作为带 warnings 的结果返回，不会走到这里。
		if attempt > p.cfg.MaxRetries {
			break
		}
		logger.Warn("systemic job failure, retrying", "analysis_id", analysisID, "attempt", attempt, "error", runErr)
		select {
		case <-jobCtx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if err := p.store.Fail(p.ctx, analysisID, lastErr.Error()); err == nil {
		metrics.JobsTotal.WithLabelValues(string(model.JobFailed)).Inc()
	}
}
