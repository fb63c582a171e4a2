package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/model"
)

func clientFor(t *testing.T, handler http.HandlerFunc, svcCfg config.ServiceConfig) *ServiceClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	svcCfg.BaseURL = srv.URL
	return newServiceClient("onchain", svcCfg)
}

func TestAnalyzeSuccess(t *testing.T) {
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("token_address") != "0xabc1" {
			t.Errorf("token_address = %q", r.URL.Query().Get("token_address"))
		}
		if r.URL.Query().Get("opt_depth") != "deep" {
			t.Errorf("opt_depth = %q", r.URL.Query().Get("opt_depth"))
		}
		fmt.Fprint(w, `{"status":"success","data":{"holders":1234},"score":82.5,"confidence":0.93,"response_time_ms":45}`)
	}, config.ServiceConfig{TimeoutMs: 1000, MaxAttempts: 1})

	sr, err := c.Analyze(context.Background(), model.AnalysisRequest{
		ProjectID:    "uniswap",
		AnalysisType: model.AnalysisOnchain,
		TokenAddress: "0xABC1",
		Options:      map[string]string{"depth": "deep"},
	}, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if sr.Status != model.StatusSuccess || sr.Score != 82.5 || sr.Confidence != 0.93 {
		t.Fatalf("unexpected result: %+v", sr)
	}
	if sr.Data["holders"] != float64(1234) {
		t.Fatalf("data lost: %+v", sr.Data)
	}
}

func TestAnalyzeRetriesTransientFailure(t *testing.T) {
	var calls int32
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "flake", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"status":"success","score":70,"confidence":0.8}`)
	}, config.ServiceConfig{TimeoutMs: 1000, MaxAttempts: 2, BackoffBaseMs: 5})

	sr, err := c.Analyze(context.Background(), model.AnalysisRequest{ProjectID: "x", AnalysisType: model.AnalysisOnchain}, nil)
	if err != nil {
		t.Fatalf("analyze should recover on retry: %v", err)
	}
	if sr.Status != model.StatusSuccess {
		t.Fatalf("status = %s", sr.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestAnalyzeExhaustedRetries(t *testing.T) {
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}, config.ServiceConfig{TimeoutMs: 1000, MaxAttempts: 2, BackoffBaseMs: 5})

	sr, err := c.Analyze(context.Background(), model.AnalysisRequest{ProjectID: "x", AnalysisType: model.AnalysisOnchain}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if sr == nil || sr.Status != model.StatusError {
		t.Fatalf("failure must still yield a service result: %+v", sr)
	}
	if sr.Error == "" {
		t.Fatalf("missing error message")
	}
}

func TestAnalyzeDownstreamReportedError(t *testing.T) {
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"error","error":"no data for token"}`)
	}, config.ServiceConfig{TimeoutMs: 1000, MaxAttempts: 1})

	sr, err := c.Analyze(context.Background(), model.AnalysisRequest{ProjectID: "x", AnalysisType: model.AnalysisOnchain}, nil)
	if err == nil {
		t.Fatalf("wire-level error status must surface as error")
	}
	if sr.Status != model.StatusError {
		t.Fatalf("status = %s, want error", sr.Status)
	}
}

func TestAnalyzeTimeout(t *testing.T) {
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{"status":"success"}`)
	}, config.ServiceConfig{TimeoutMs: 50, MaxAttempts: 3, BackoffBaseMs: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sr, err := c.Analyze(ctx, model.AnalysisRequest{ProjectID: "x", AnalysisType: model.AnalysisOnchain}, nil)
	if err == nil {
		t.Fatalf("expected timeout")
	}
	if sr.Status != model.StatusTimeout {
		t.Fatalf("status = %s, want timeout", sr.Status)
	}
}

func TestEstimatedLatencyMovesTowardObservations(t *testing.T) {
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","score":50,"confidence":0.5}`)
	}, config.ServiceConfig{TimeoutMs: 4000, MaxAttempts: 1})

	seed := c.EstimatedLatency() // timeout/2 before any samples
	for i := 0; i < 5; i++ {
		if _, err := c.Analyze(context.Background(), model.AnalysisRequest{ProjectID: "x", AnalysisType: model.AnalysisOnchain}, nil); err != nil {
			t.Fatalf("analyze: %v", err)
		}
	}
	if c.EstimatedLatency() >= seed {
		t.Fatalf("EWMA should drop toward fast real samples (seed %v, now %v)", seed, c.EstimatedLatency())
	}
}

type countingRecorder struct {
	allowed  int
	recorded []bool
	deny     bool
}

func (r *countingRecorder) Allow() bool {
	r.allowed++
	return !r.deny
}

func (r *countingRecorder) Record(success bool) {
	r.recorded = append(r.recorded, success)
}

func TestAnalyzeRecordsEveryAttempt(t *testing.T) {
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}, config.ServiceConfig{TimeoutMs: 1000, MaxAttempts: 3, BackoffBaseMs: 5})

	rec := &countingRecorder{}
	if _, err := c.Analyze(context.Background(), model.AnalysisRequest{ProjectID: "x", AnalysisType: model.AnalysisOnchain}, rec); err == nil {
		t.Fatalf("expected error")
	}
	if rec.allowed != 3 {
		t.Fatalf("Allow calls = %d, want 3 (one per attempt)", rec.allowed)
	}
	if len(rec.recorded) != 3 {
		t.Fatalf("Record calls = %d, want 3 (one per attempt)", len(rec.recorded))
	}
	for i, ok := range rec.recorded {
		if ok {
			t.Fatalf("attempt %d recorded as success", i+1)
		}
	}
}

func TestAnalyzeRecorderSeesRecoveredAttempt(t *testing.T) {
	var calls int32
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "flake", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"status":"success","score":70,"confidence":0.8}`)
	}, config.ServiceConfig{TimeoutMs: 1000, MaxAttempts: 2, BackoffBaseMs: 5})

	rec := &countingRecorder{}
	if _, err := c.Analyze(context.Background(), model.AnalysisRequest{ProjectID: "x", AnalysisType: model.AnalysisOnchain}, rec); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	want := []bool{false, true}
	if len(rec.recorded) != len(want) {
		t.Fatalf("Record calls = %d, want %d", len(rec.recorded), len(want))
	}
	for i := range want {
		if rec.recorded[i] != want[i] {
			t.Fatalf("recorded = %v, want %v", rec.recorded, want)
		}
	}
}

func TestAnalyzeDeniedRecorderSkipsNetwork(t *testing.T) {
	var calls int32
	c := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}, config.ServiceConfig{TimeoutMs: 1000, MaxAttempts: 3, BackoffBaseMs: 5})

	rec := &countingRecorder{deny: true}
	sr, err := c.Analyze(context.Background(), model.AnalysisRequest{ProjectID: "x", AnalysisType: model.AnalysisOnchain}, rec)
	if err == nil {
		t.Fatalf("denied call must error")
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("denied call reached the network %d times", got)
	}
	if len(rec.recorded) != 0 {
		t.Fatalf("denied attempt must not be recorded, got %v", rec.recorded)
	}
	if sr == nil || sr.Status != model.StatusError {
		t.Fatalf("denied call must still yield a service result: %+v", sr)
	}
}

func TestFactoryCachesClients(t *testing.T) {
	f := NewFactory(&config.Config{})
	if f.Client("onchain") != f.Client("onchain") {
		t.Fatalf("factory must reuse clients per service")
	}
	if f.Client("onchain") == f.Client("team") {
		t.Fatalf("distinct services must get distinct clients")
	}
}
