package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/CryptoLens/lensgate/internal/breaker"
	"github.com/CryptoLens/lensgate/internal/cache"
	"github.com/CryptoLens/lensgate/internal/client"
	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/jobs"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/CryptoLens/lensgate/internal/pkg/logger"
	"github.com/CryptoLens/lensgate/internal/pkg/metrics"
	"github.com/google/uuid"
)

// Enqueuer hands freshly created jobs to the worker pool.
type Enqueuer interface {
	Enqueue(job *model.AnalysisJob)
}

// HistoryRecorder persists finished analyses for the history/popular
// endpoints. Recording failures are logged, never surfaced.
type HistoryRecorder interface {
	Record(ctx context.Context, principalID string, result *model.AnalysisResult) error
}

// Outcome 一次编排的结果：立即返回的结果或排队确认，二者互斥
type Outcome struct {
	Result *model.AnalysisResult
	Queued *model.QueuedResponse
}

// Engine decides immediate vs queued execution, fans calls out to the
// downstream analysis services and aggregates partial results.
type Engine struct {
	cfg      *config.Config
	cache    *cache.Layer
	factory  *client.Factory
	breakers *breaker.Registry
	store    jobs.Store
	queue    Enqueuer
	history  HistoryRecorder

	maxConcurrency int
	latencyBudget  time.Duration
}

func NewEngine(cfg *config.Config, cacheLayer *cache.Layer, factory *client.Factory, breakers *breaker.Registry, store jobs.Store) *Engine {
	e := &Engine{
		cfg:            cfg,
		cache:          cacheLayer,
		factory:        factory,
		breakers:       breakers,
		store:          store,
		maxConcurrency: cfg.Orchestrator.MaxConcurrency,
		latencyBudget:  time.Duration(cfg.Orchestrator.ImmediateLatencyBudget) * time.Millisecond,
	}
	if e.maxConcurrency <= 0 {
		e.maxConcurrency = len(model.AllServices)
	}
	if e.latencyBudget <= 0 {
		e.latencyBudget = 6 * time.Second
	}
	return e
}

// SetQueue wires the worker pool; done post-construction because the
// pool itself needs the engine as its Runner.
func (e *Engine) SetQueue(queue Enqueuer) {
	e.queue = queue
}

func (e *Engine) SetHistory(history HistoryRecorder) {
	e.history = history
}

// ValidateRequest 在任何网络调用之前拒绝畸形请求
func ValidateRequest(req model.AnalysisRequest) *apperrors.AppError {
	if strings.TrimSpace(req.ProjectID) == "" {
		return apperrors.NewInvalidRequest("project_id is required")
	}
	if !req.AnalysisType.Valid() {
		return apperrors.NewInvalidRequest("unknown analysis_type: " + string(req.AnalysisType))
	}
	if req.TokenAddress != "" && !validTokenAddress(req.TokenAddress) {
		return apperrors.NewInvalidRequest("token_address is not a valid hex address")
	}
	return nil
}

func validTokenAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return false
	}
	for _, r := range addr[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// Orchestrate is the single entry point for POST /analyze.
func (e *Engine) Orchestrate(ctx context.Context, req model.AnalysisRequest, principal *model.Principal) (*Outcome, error) {
	if appErr := ValidateRequest(req); appErr != nil {
		return nil, appErr
	}
	if req.AnalysisType == model.AnalysisFull && !principal.CanRequestFull() {
		return nil, apperrors.NewForbidden("full analysis requires pro tier or the analysis:full permission")
	}

	fingerprint := Fingerprint(req)

	// 1. 缓存命中直接返回，不碰下游也不碰熔断器
	if cached, ok := e.cache.Get(ctx, fingerprint); ok {
		out := *cached
		out.Cached = true
		metrics.AnalysesTotal.WithLabelValues(string(req.AnalysisType), "cached").Inc()
		return &Outcome{Result: &out}, nil
	}

	required := model.RequiredServices(req.AnalysisType)

	// 2. 立即 or 排队
	if e.canProcessImmediately(ctx, fingerprint, required) {
		result, err := e.RunFanOut(ctx, req, uuid.New().String(), principal.ID, nil)
		if err != nil {
			metrics.AnalysesTotal.WithLabelValues(string(req.AnalysisType), "failed").Inc()
			return nil, err
		}
		metrics.AnalysesTotal.WithLabelValues(string(req.AnalysisType), "immediate").Inc()
		return &Outcome{Result: result}, nil
	}

	return e.enqueue(ctx, req, principal, fingerprint, required)
}

// canProcessImmediately: 没有同指纹的非终态任务，且按各服务延迟 EWMA
// 估算的并发扇出耗时在预算之内。
func (e *Engine) canProcessImmediately(ctx context.Context, fingerprint string, required []string) bool {
	if e.queue == nil {
		return true // no pool wired, nothing to queue into
	}
	if existing, _ := e.store.ActiveByFingerprint(ctx, fingerprint); existing != nil {
		return false
	}
	return e.estimateFanOut(required) <= e.latencyBudget
}

// estimateFanOut 并发扇出的期望耗时：受 maxConcurrency 限制的
// 批次数 × 批内最大 EWMA 延迟的近似（保守取最大延迟 × 批次数）。
func (e *Engine) estimateFanOut(required []string) time.Duration {
	var max time.Duration
	for _, name := range required {
		if est := e.factory.Client(name).EstimatedLatency(); est > max {
			max = est
		}
	}
	batches := (len(required) + e.maxConcurrency - 1) / e.maxConcurrency
	if batches < 1 {
		batches = 1
	}
	return max * time.Duration(batches)
}

func (e *Engine) enqueue(ctx context.Context, req model.AnalysisRequest, principal *model.Principal, fingerprint string, required []string) (*Outcome, error) {
	job := &model.AnalysisJob{
		AnalysisID:  uuid.New().String(),
		Fingerprint: fingerprint,
		PrincipalID: principal.ID,
		Request:     req,
		Status:      model.JobQueued,
		CreatedAt:   time.Now(),
	}
	current, attached, err := e.store.CreateOrAttach(ctx, job)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	if !attached {
		e.queue.Enqueue(current)
		metrics.AnalysesTotal.WithLabelValues(string(req.AnalysisType), "queued").Inc()
	}

	estimate := e.estimateFanOut(required) + time.Second
	return &Outcome{Queued: &model.QueuedResponse{
		AnalysisID:          current.AnalysisID,
		Status:              string(model.JobQueued),
		EstimatedCompletion: time.Now().Add(estimate),
		Message:             "analysis queued; poll /v1/analyze/" + current.AnalysisID + "/status",
	}}, nil
}

// Status returns the job view for GET /analyze/:id/status.
func (e *Engine) Status(ctx context.Context, analysisID string) (*model.AnalysisJob, error) {
	return e.store.Get(ctx, analysisID)
}

// RunFanOut dispatches one call per required service concurrently,
// joins every outcome (success, error, timeout) and aggregates. One
// slow or broken service never blocks or fails the others; only a
// total wipeout fails the request.
func (e *Engine) RunFanOut(ctx context.Context, req model.AnalysisRequest, correlationID, principalID string, onStage func(stage string, sr *model.ServiceResult, progress int)) (*model.AnalysisResult, error) {
	required := model.RequiredServices(req.AnalysisType)
	results := make(map[string]*model.ServiceResult, len(required))

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		settled int
	)
	sem := make(chan struct{}, e.maxConcurrency)

	for _, name := range required {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			sr := e.callService(ctx, name, req)

			mu.Lock()
			results[name] = sr
			settled++
			progress := settled * 100 / len(required)
			mu.Unlock()

			if onStage != nil {
				onStage(name, sr, progress)
			}
		}(name)
	}
	wg.Wait()

	result, err := e.aggregate(req, required, results, correlationID)
	if err != nil {
		return nil, err
	}

	e.cache.Put(ctx, Fingerprint(req), result)
	if e.history != nil {
		if recErr := e.history.Record(ctx, principalID, result); recErr != nil {
			logger.Warn("history record failed", "error", recErr)
		}
	}
	return result, nil
}

// callService runs one downstream call under its own timeout, independent
// of the sibling calls. The breaker goes in as the attempt recorder so
// every retry counts toward its failure window, not just the joined
// outcome.
func (e *Engine) callService(parent context.Context, name string, req model.AnalysisRequest) *model.ServiceResult {
	c := e.factory.Client(name)
	ctx, cancel := context.WithTimeout(parent, c.Timeout())
	defer cancel()

	sr, _ := c.Analyze(ctx, req, e.breakers.Get(name))
	return sr
}
