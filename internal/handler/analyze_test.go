package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CryptoLens/lensgate/internal/breaker"
	"github.com/CryptoLens/lensgate/internal/cache"
	"github.com/CryptoLens/lensgate/internal/client"
	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/jobs"
	"github.com/CryptoLens/lensgate/internal/middleware"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/orchestrator"
	"github.com/CryptoLens/lensgate/internal/repository"
	"github.com/gin-gonic/gin"
)

type testGateway struct {
	router  *gin.Engine
	engine  *orchestrator.Engine
	store   *jobs.MemoryStore
	pool    *jobs.Pool
	history *repository.MemoryHistoryRepo
}

// newTestGateway wires the full request path minus auth: a stub
// principal is injected directly so tests control the tier.
func newTestGateway(t *testing.T, principal *model.Principal, downstream http.HandlerFunc) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if downstream == nil {
		downstream = func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"status":"success","data":{},"score":80,"confidence":0.9,"response_time_ms":10}`)
		}
	}
	services := make(map[string]config.ServiceConfig, len(model.AllServices))
	for _, name := range model.AllServices {
		srv := httptest.NewServer(downstream)
		t.Cleanup(srv.Close)
		services[name] = config.ServiceConfig{BaseURL: srv.URL, TimeoutMs: 2000, Weight: 1.0, MaxAttempts: 1}
	}

	cfg := &config.Config{
		Services:     services,
		Cache:        config.CacheConfig{BaseTTLSeconds: 900, MinTTLSeconds: 60, MinConfidence: 0.25},
		Orchestrator: config.OrchestratorConfig{MaxConcurrency: 4, ImmediateLatencyBudget: 6000},
		Worker:       config.WorkerConfig{PoolSize: 1, QueueSize: 8},
	}

	store := jobs.NewMemoryStore()
	breakers := breaker.NewRegistry()
	engine := orchestrator.NewEngine(cfg, cache.NewLayer(cfg.Cache, cache.NewMemoryStore()), client.NewFactory(cfg), breakers, store)
	history := repository.NewMemoryHistoryRepo()
	engine.SetHistory(history)

	pool := jobs.NewPool(cfg.Worker, store, engine)
	engine.SetQueue(pool)

	h := NewAnalysisHandler(engine, pool, history)

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	router.Use(func(c *gin.Context) {
		if principal != nil {
			c.Set(middleware.ContextPrincipalKey, principal)
		}
	})
	v1 := router.Group("/v1")
	{
		v1.POST("/analyze", h.PlaceAnalysis)
		v1.GET("/analyze/:id/status", h.Status)
		v1.DELETE("/analyze/:id", h.Cancel)
		v1.GET("/analyze/history", h.History)
		v1.GET("/analyze/popular", h.Popular)
	}

	return &testGateway{router: router, engine: engine, store: store, pool: pool, history: history}
}

func postAnalyze(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPlaceAnalysisImmediate(t *testing.T) {
	gw := newTestGateway(t, &model.Principal{ID: "acct-1", Tier: model.TierPro}, nil)

	rec := postAnalyze(gw.router, `{"project_id":"uniswap","analysis_type":"full","chain_id":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var res model.AnalysisResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if res.ProjectID != "uniswap" || len(res.Services) != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.OverallScore != 80 {
		t.Fatalf("score = %v, want 80", res.OverallScore)
	}

	// 同请求第二次命中缓存
	rec = postAnalyze(gw.router, `{"project_id":"uniswap","analysis_type":"full","chain_id":1}`)
	var cached model.AnalysisResult
	json.Unmarshal(rec.Body.Bytes(), &cached)
	if !cached.Cached {
		t.Fatalf("expected cached result")
	}
}

func TestPlaceAnalysisValidation(t *testing.T) {
	gw := newTestGateway(t, &model.Principal{ID: "acct-1", Tier: model.TierPro}, nil)

	cases := []struct {
		body string
		want int
	}{
		{`{"analysis_type":"full"}`, http.StatusBadRequest},             // missing project_id
		{`{"project_id":"x"}`, http.StatusBadRequest},                   // missing analysis_type
		{`{"project_id":"x","analysis_type":"bogus"}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := postAnalyze(gw.router, tc.body)
		if rec.Code != tc.want {
			t.Errorf("body %q: status = %d, want %d", tc.body, rec.Code, tc.want)
		}
	}
}

func TestPlaceAnalysisForbiddenForFreeTier(t *testing.T) {
	gw := newTestGateway(t, &model.Principal{ID: "u-free", Tier: model.TierFree}, nil)

	rec := postAnalyze(gw.router, `{"project_id":"uniswap","analysis_type":"full"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (%s)", rec.Code, rec.Body.String())
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "FORBIDDEN" {
		t.Fatalf("code = %v, want FORBIDDEN", body["code"])
	}

	// 单维度分析不受限
	rec = postAnalyze(gw.router, `{"project_id":"uniswap","analysis_type":"onchain"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("scoped analysis status = %d, want 200", rec.Code)
	}
}

func TestPlaceAnalysisQueuedWhenDuplicateActive(t *testing.T) {
	gw := newTestGateway(t, &model.Principal{ID: "acct-1", Tier: model.TierPro}, nil)

	req := model.AnalysisRequest{ProjectID: "uniswap", AnalysisType: model.AnalysisFull, ChainID: 1}
	gw.store.CreateOrAttach(context.Background(), &model.AnalysisJob{
		AnalysisID:  "existing-1",
		Fingerprint: orchestrator.Fingerprint(req),
		Status:      model.JobQueued,
		CreatedAt:   time.Now(),
	})

	rec := postAnalyze(gw.router, `{"project_id":"uniswap","analysis_type":"full","chain_id":1}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}

	var queued model.QueuedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &queued); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if queued.AnalysisID != "existing-1" {
		t.Fatalf("analysis_id = %s, want existing-1", queued.AnalysisID)
	}
	if queued.Status != "queued" {
		t.Fatalf("status = %s, want queued", queued.Status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	gw := newTestGateway(t, &model.Principal{ID: "acct-1", Tier: model.TierPro}, nil)

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analyze/missing/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	gw.store.CreateOrAttach(context.Background(), &model.AnalysisJob{
		AnalysisID: "a-1", Fingerprint: "fp", Status: model.JobQueued, CreatedAt: time.Now(),
	})
	rec = httptest.NewRecorder()
	gw.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analyze/a-1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var job model.AnalysisJob
	json.Unmarshal(rec.Body.Bytes(), &job)
	if job.AnalysisID != "a-1" || job.Status != model.JobQueued {
		t.Fatalf("unexpected job view: %+v", job)
	}
}

func TestCancelEndpoint(t *testing.T) {
	gw := newTestGateway(t, &model.Principal{ID: "acct-1", Tier: model.TierPro}, nil)
	gw.store.CreateOrAttach(context.Background(), &model.AnalysisJob{
		AnalysisID: "a-1", Fingerprint: "fp", Status: model.JobQueued, CreatedAt: time.Now(),
	})

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/analyze/a-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}

	job, _ := gw.store.Get(context.Background(), "a-1")
	if job.Status != model.JobCancelled {
		t.Fatalf("job status = %s, want cancelled", job.Status)
	}

	// 已终态的任务不能再取消
	rec = httptest.NewRecorder()
	gw.router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/analyze/a-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second cancel status = %d, want 400", rec.Code)
	}
}

func TestHistoryScopedToPrincipal(t *testing.T) {
	gw := newTestGateway(t, &model.Principal{ID: "acct-1", Tier: model.TierPro}, nil)

	ctx := context.Background()
	gw.history.Record(ctx, "acct-1", &model.AnalysisResult{ProjectID: "uniswap", AnalysisType: model.AnalysisFull, OverallScore: 80})
	gw.history.Record(ctx, "someone-else", &model.AnalysisResult{ProjectID: "aave", AnalysisType: model.AnalysisFull, OverallScore: 60})

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analyze/history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Records []*model.AnalysisRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(body.Records) != 1 || body.Records[0].ProjectID != "uniswap" {
		t.Fatalf("history not scoped: %+v", body.Records)
	}
}

func TestPopularEndpoint(t *testing.T) {
	gw := newTestGateway(t, &model.Principal{ID: "acct-1", Tier: model.TierPro}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		gw.history.Record(ctx, "acct-1", &model.AnalysisResult{ProjectID: "uniswap", AnalysisType: model.AnalysisFull, OverallScore: 80})
	}
	gw.history.Record(ctx, "acct-1", &model.AnalysisResult{ProjectID: "aave", AnalysisType: model.AnalysisFull, OverallScore: 70})

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analyze/popular", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Projects []*model.ProjectPopularity `json:"projects"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(body.Projects) != 2 || body.Projects[0].ProjectID != "uniswap" {
		t.Fatalf("unexpected popularity order: %+v", body.Projects)
	}
}

func TestPlaceAnalysisWithoutPrincipal(t *testing.T) {
	gw := newTestGateway(t, nil, nil)

	rec := postAnalyze(gw.router, `{"project_id":"uniswap","analysis_type":"onchain"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
