package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CryptoLens/lensgate/internal/auth"
	"github.com/CryptoLens/lensgate/internal/breaker"
	"github.com/CryptoLens/lensgate/internal/cache"
	"github.com/CryptoLens/lensgate/internal/client"
	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/handler"
	"github.com/CryptoLens/lensgate/internal/jobs"
	"github.com/CryptoLens/lensgate/internal/middleware"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/orchestrator"
	"github.com/CryptoLens/lensgate/internal/pkg/logger"
	"github.com/CryptoLens/lensgate/internal/ratelimit"
	"github.com/CryptoLens/lensgate/internal/repository"
	"github.com/CryptoLens/lensgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Server.LogLevel)

	// 2. Initialize Persistence
	// Rate limit counters + result cache (Redis > Memory)
	var (
		counter    ratelimit.Counter
		cacheStore cache.Store
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			counter = ratelimit.NewRedisCounter(redisClient.Client)
			cacheStore = cache.NewRedisStore(redisClient.Client)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back to memory", "error", err)
		}
	}
	if counter == nil {
		counter = ratelimit.NewMemoryCounter()
	}
	if cacheStore == nil {
		cacheStore = cache.NewMemoryStore()
	}

	// Job store / history / audit persistence (Postgres > Memory or File)
	var (
		jobStore    jobs.Store
		historyRepo repository.HistoryRepo
		auditRepo   service.AuditRepo
		retention   *repository.Retention
	)
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("✅ Connected to PostgreSQL")
			pgJobs := jobs.NewPostgresStore(db)
			pgHistory := repository.NewPostgresHistoryRepo(db)
			jobStore = pgJobs
			historyRepo = pgHistory
			auditRepo = repository.NewPostgresAuditRepo(db)
			retention = repository.NewRetention(cfg.Database.HistoryRetentionDay, pgHistory.Cleanup, pgJobs.CleanupTerminal)
		} else {
			logger.Error("⚠️ Failed to connect to DB, using in-memory stores", "error", err)
		}
	}
	if jobStore == nil {
		jobStore = jobs.NewMemoryStore()
	}
	if historyRepo == nil {
		historyRepo = repository.NewMemoryHistoryRepo()
	}

	auditSvc, err := service.NewAuditService("./logs", auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	// 3. Initialize Core Services
	resolver := auth.NewResolver(cfg)
	limiter := ratelimit.New(cfg, counter)

	breakers := breaker.NewRegistry()
	for _, name := range model.AllServices {
		breakers.Register(name, breaker.SettingsFrom(cfg.ServiceFor(name)))
	}

	factory := client.NewFactory(cfg)
	cacheLayer := cache.NewLayer(cfg.Cache, cacheStore)

	engine := orchestrator.NewEngine(cfg, cacheLayer, factory, breakers, jobStore)
	engine.SetHistory(historyRepo)

	pool := jobs.NewPool(cfg.Worker, jobStore, engine)
	engine.SetQueue(pool)
	pool.Start()

	if retention != nil {
		retention.Start()
	}

	// 4. Initialize Handlers
	analysisHandler := handler.NewAnalysisHandler(engine, pool, historyRepo)
	streamHandler := handler.NewStreamHandler(engine)
	auditHandler := handler.NewAuditHandler(auditSvc)
	healthHandler := handler.NewHealthHandler(factory, breakers)

	// 5. Setup Router
	r := gin.Default()

	// Global Middleware
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.AuditMiddleware(auditSvc))

	// Health Check
	r.GET("/health", healthHandler.Liveness)
	r.GET("/health/ready", healthHandler.Readiness)

	// Metrics Endpoint
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// API V1 Routes
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(resolver))
	v1.Use(middleware.RateLimitMiddleware(limiter))
	{
		v1.POST("/analyze", analysisHandler.PlaceAnalysis)
		v1.GET("/analyze/:id/status", analysisHandler.Status)
		v1.GET("/analyze/:id/stream", streamHandler.Stream)
		v1.DELETE("/analyze/:id", analysisHandler.Cancel)
		v1.GET("/analyze/history", analysisHandler.History)
		v1.GET("/analyze/popular", analysisHandler.Popular)
	}

	// Admin Routes
	admin := r.Group("/v1/admin")
	admin.Use(middleware.AuthMiddleware(resolver))
	admin.Use(middleware.AdminMiddleware())
	{
		admin.GET("/audit", auditHandler.List)
	}

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 LensGate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool.Stop()
	if retention != nil {
		retention.Stop()
	}
	auditSvc.Close()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("Server exiting")
}
