package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/app"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/config"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/health"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracestore"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracing"
)

func main() {
	// Root context for background services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.String("retrieval_backend", cfg.Retrieval.Backend),
		zap.Bool("trace_store", cfg.TraceStore.Enabled),
		zap.Bool("auth", cfg.Auth.Enabled),
		zap.Bool("policy", cfg.Policy.Enabled))

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Health and metrics come up first so probes answer while the rest of
	// the stack is still connecting.
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	healthServer := health.StartHealthServer(hm, getEnvOrDefaultInt("HEALTH_PORT", 8081), logger)

	metricsPort := getEnvOrDefaultInt("METRICS_PORT", 2112)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + strconv.Itoa(metricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", metricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build agent stack", zap.Error(err))
	}
	defer stack.Close()

	_ = hm.RegisterChecker(health.NewLLMServiceHealthChecker(cfg.LLM.BaseURL, cfg.LLM.APIKey, logger))
	backend := stack.Backend
	_ = hm.RegisterChecker(health.NewDependencyChecker("retrieval_"+backend.Name(), true, func(ctx context.Context) error {
		_, err := backend.Count(ctx)
		return err
	}, nil))
	if stack.Cache != nil {
		cache := stack.Cache.Client()
		_ = hm.RegisterChecker(health.NewDependencyChecker("embedding_cache", false, func(ctx context.Context) error {
			return cache.Ping(ctx).Err()
		}, nil))
	}

	// Trace store
	var traceStore httpapi.TraceStore
	if cfg.TraceStore.Enabled {
		store, err := tracestore.Open(cfg.TraceStore.Config, logger)
		if err != nil {
			logger.Fatal("Failed to open trace store", zap.Error(err))
		}
		migrateCtx, migrateCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := store.Migrate(migrateCtx); err != nil {
			migrateCancel()
			logger.Fatal("Failed to migrate trace store", zap.Error(err))
		}
		migrateCancel()
		store.Start()
		defer store.Close()
		_ = hm.RegisterChecker(health.NewDependencyChecker("trace_store", false, store.Ping, nil))
		traceStore = store
	}

	streams := streaming.NewManager(cfg.Streaming.Capacity, cfg.Streaming.Retention, logger)
	stopSweep := make(chan struct{})
	go streams.Run(cfg.Streaming.SweepInterval, stopSweep)

	// Policy engine
	var engine policy.Engine
	opa, err := policy.NewOPAEngine(cfg.Policy, logger)
	if err != nil {
		logger.Fatal("Failed to initialize policy engine", zap.Error(err))
	}
	if opa.IsEnabled() {
		engine = opa
		logger.Info("Policy engine initialized", zap.String("mode", string(opa.Mode())), zap.String("version", opa.Version()))
	}

	// Hot reload of prompt overrides, prices and .rego files
	var watchDirs []string
	if cfg.Prompts.Path != "" && cfg.Prompts.Watch {
		watchDirs = append(watchDirs, filepath.Dir(cfg.Prompts.Path))
	}
	if cfg.LLM.PricingPath != "" {
		watchDirs = append(watchDirs, filepath.Dir(cfg.LLM.PricingPath))
	}
	if cfg.Policy.Path != "" && engine != nil {
		watchDirs = append(watchDirs, cfg.Policy.Path)
	}
	if len(watchDirs) > 0 {
		cfgMgr, err := config.NewManager(logger, watchDirs...)
		if err != nil {
			logger.Warn("Config manager init failed", zap.Error(err))
		} else {
			if cfg.Prompts.Path != "" && cfg.Prompts.Watch {
				config.WatchPrompts(cfgMgr, cfg.Prompts.Path, stack.Prompts, logger)
			}
			if path := cfg.LLM.PricingPath; path != "" {
				name := filepath.Base(path)
				cfgMgr.RegisterValidator(name, func(data []byte) error {
					_, err := pricing.Parse(bytes.NewReader(data))
					return err
				})
				cfgMgr.RegisterHandler(name, func(ev config.ChangeEvent) error {
					if ev.Action == "delete" || ev.Action == "rename" {
						return nil
					}
					if err := stack.Pricing.Reload(ev.Data); err != nil {
						return err
					}
					logger.Info("Pricing configuration reloaded", zap.String("file", ev.File), zap.String("action", ev.Action))
					return nil
				})
			}
			if engine != nil {
				cfgMgr.RegisterPolicyHandler(func() error {
					logger.Info("Reloading policy engine due to .rego file change")
					return opa.LoadPolicies()
				})
			}
			cfgMgr.EnablePolling(cfg.Prompts.PollInterval)
			if err := cfgMgr.Start(ctx); err != nil {
				logger.Warn("Config manager start failed", zap.Error(err))
			} else {
				defer cfgMgr.Stop()
			}
		}
	}

	// Authentication
	var jwtManager *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Hour)
	}
	apiKeys, err := auth.NewAPIKeys(cfg.Auth.APIKeys)
	if err != nil {
		logger.Fatal("Invalid API key configuration", zap.Error(err))
	}
	authMiddleware := auth.NewMiddleware(jwtManager, apiKeys, !cfg.Auth.Enabled, logger)
	logger.Info("Auth middleware initialized",
		zap.Bool("enabled", cfg.Auth.Enabled),
		zap.Int("api_keys", len(cfg.Auth.APIKeys)))

	var limiter *httpapi.RateLimiter
	if cfg.RateLimit.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		defer rdb.Close()
		limiter = httpapi.NewRateLimiter(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(rdb, false))
	}

	agentHandler := httpapi.NewAgentHandler(stack.Orchestrator, stack.Evaluator, traceStore, stack.Prompts, engine, streams,
		httpapi.AgentHandlerConfig{
			Environment: cfg.Environment,
			Models:      stack.Models,
			MaxRetries:  cfg.Agent.MaxRetries,
			TurnTimeout: cfg.Agent.TurnTimeout,
		}, logger)

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Agent:     agentHandler,
		Streaming: httpapi.NewStreamingHandler(streams, logger),
		Auth:      authMiddleware,
		RateLimit: limiter,
		Logger:    logger,
	})

	// gRPC exposes the standard health service for orchestrators that
	// probe over gRPC.
	grpcPort := getEnvOrDefaultInt("GRPC_PORT", 50061)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}
	grpcServer := grpc.NewServer()
	grpcHealth := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, grpcHealth)
	health.BindGRPC(hm, grpcHealth)
	reflection.Register(grpcServer)
	go func() {
		logger.Info("gRPC health service listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	if err := hm.Start(ctx); err != nil {
		logger.Warn("Health manager start failed", zap.Error(err))
	}

	port := getEnvOrDefaultInt("PORT", 8080)
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and turn execution hold the connection open
		IdleTimeout:  300 * time.Second,
	}
	go func() {
		logger.Info("Agent API listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Agent API server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down agent service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Agent API shutdown failed", zap.Error(err))
	}
	grpcServer.GracefulStop()
	close(stopSweep)
	_ = hm.Stop()
	_ = healthServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
