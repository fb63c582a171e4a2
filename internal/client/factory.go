package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/CryptoLens/lensgate/internal/pkg/logger"
	"github.com/CryptoLens/lensgate/internal/pkg/metrics"
	"golang.org/x/time/rate"
)

// ServiceClient 单个下游分析服务的已配置客户端。
// 这是唯一知道下游具体地址的组件，编排层只用逻辑服务名。
type ServiceClient struct {
	Name    string
	baseURL string
	http    *http.Client
	timeout time.Duration

	maxAttempts int
	backoffBase time.Duration
	limiter     *rate.Limiter // outbound throttle, nil = unlimited

	// latency EWMA feeding the immediate-vs-queued estimator
	mu         sync.Mutex
	avgLatency time.Duration
}

// analyzeResponse is the downstream wire contract.
type analyzeResponse struct {
	Status         string                 `json:"status"`
	Data           map[string]interface{} `json:"data"`
	Score          float64                `json:"score"`
	Confidence     float64                `json:"confidence"`
	ResponseTimeMs int64                  `json:"response_time_ms"`
	Error          string                 `json:"error,omitempty"`
}

// Factory builds and caches one client per logical service name.
type Factory struct {
	mu      sync.Mutex
	cfg     *config.Config
	clients map[string]*ServiceClient
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg:     cfg,
		clients: make(map[string]*ServiceClient),
	}
}

func (f *Factory) Client(name string) *ServiceClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[name]; ok {
		return c
	}

	svcCfg := f.cfg.ServiceFor(name)
	c := newServiceClient(name, svcCfg)
	f.clients[name] = c
	return c
}

func newServiceClient(name string, svcCfg config.ServiceConfig) *ServiceClient {
	timeout := svcCfg.Timeout()
	c := &ServiceClient{
		Name:    name,
		baseURL: strings.TrimRight(svcCfg.BaseURL, "/"),
		timeout: timeout,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
		},
		maxAttempts: svcCfg.MaxAttempts,
		backoffBase: time.Duration(svcCfg.BackoffBaseMs) * time.Millisecond,
		avgLatency:  timeout / 2, // seed until real samples arrive
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 1
	}
	if c.backoffBase <= 0 {
		c.backoffBase = 100 * time.Millisecond
	}
	if svcCfg.MaxQPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(svcCfg.MaxQPS), int(svcCfg.MaxQPS)+1)
	}
	return c
}

// Timeout exposes the per-call timeout for fan-out deadline wiring.
func (c *ServiceClient) Timeout() time.Duration {
	return c.timeout
}

// EstimatedLatency returns the EWMA of observed call latency.
func (c *ServiceClient) EstimatedLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avgLatency
}

func (c *ServiceClient) observe(d time.Duration) {
	c.mu.Lock()
	// EWMA α=0.3：偏向近期样本，避免单次抖动支配估算
	c.avgLatency = time.Duration(0.7*float64(c.avgLatency) + 0.3*float64(d))
	c.mu.Unlock()
	metrics.ServiceLatency.WithLabelValues(c.Name).Observe(d.Seconds())
}

// Recorder sees every network attempt individually. The circuit breaker
// implements it so retries advance its failure window one by one instead
// of collapsing into a single outcome.
type Recorder interface {
	Allow() bool
	Record(success bool)
}

// Analyze calls the service's analyze endpoint. The call is a GET and
// therefore idempotent, so it retries within the configured budget with
// exponential backoff. Each attempt asks rec for admission and reports
// its own outcome; a nil rec disables breaker accounting.
func (c *ServiceClient) Analyze(ctx context.Context, req model.AnalysisRequest, rec Recorder) (*model.ServiceResult, error) {
	q := url.Values{}
	q.Set("project_id", req.ProjectID)
	if req.TokenAddress != "" {
		q.Set("token_address", strings.ToLower(req.TokenAddress))
	}
	if req.ChainID != 0 {
		q.Set("chain_id", strconv.FormatInt(req.ChainID, 10))
	}
	for k, v := range req.Options {
		q.Set("opt_"+k, v)
	}
	endpoint := fmt.Sprintf("%s/analyze?%s", c.baseURL, q.Encode())

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return c.failure(start, model.StatusTimeout, ctx.Err()), ctx.Err()
			case <-time.After(backoff):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return c.failure(start, model.StatusTimeout, err), err
			}
		}

		if rec != nil && !rec.Allow() {
			metrics.ServiceFailures.WithLabelValues(c.Name, "circuit_open").Inc()
			err := apperrors.NewServiceUnavailable("circuit open for " + c.Name)
			return c.failure(start, model.StatusError, err), err
		}

		res, err := c.doAnalyze(ctx, endpoint)
		if rec != nil {
			rec.Record(err == nil)
		}
		if err == nil {
			c.observe(time.Since(start))
			return res, nil
		}
		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// 超时不重试：预算已经花掉了
			break
		}
		logger.Debug("downstream attempt failed", "service", c.Name, "attempt", attempt+1, "error", err)
	}

	elapsed := time.Since(start)
	c.observe(elapsed)
	status := model.StatusError
	reason := "error"
	if errors.Is(lastErr, context.DeadlineExceeded) {
		status = model.StatusTimeout
		reason = "timeout"
	}
	metrics.ServiceFailures.WithLabelValues(c.Name, reason).Inc()
	return c.failure(start, status, lastErr), lastErr
}

func (c *ServiceClient) doAnalyze(ctx context.Context, endpoint string) (*model.ServiceResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", c.Name, resp.StatusCode)
	}

	var wire analyzeResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid response from %s: %w", c.Name, err)
	}
	if wire.Status != "success" {
		return nil, fmt.Errorf("%s reported %s: %s", c.Name, wire.Status, wire.Error)
	}

	rt := wire.ResponseTimeMs
	if rt == 0 {
		rt = time.Since(start).Milliseconds()
	}
	return &model.ServiceResult{
		ServiceName:    c.Name,
		Status:         model.StatusSuccess,
		Data:           wire.Data,
		Score:          wire.Score,
		Confidence:     wire.Confidence,
		ResponseTimeMs: rt,
	}, nil
}

func (c *ServiceClient) failure(start time.Time, status model.ResultStatus, err error) *model.ServiceResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &model.ServiceResult{
		ServiceName:    c.Name,
		Status:         status,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Error:          msg,
	}
}

// Health probes the service's health endpoint.
func (c *ServiceClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s health returned %d", c.Name, resp.StatusCode)
	}
	return nil
}
