// Package main provides the entry point for the Shadowscan server.
// Shadowscan correlates activity across connected SaaS platforms to surface
// unsanctioned automation and assess its risk.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/shadowscan/internal/api"
	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/connector"
	"github.com/lvonguyen/shadowscan/internal/credentials"
	"github.com/lvonguyen/shadowscan/internal/ingest"
	"github.com/lvonguyen/shadowscan/internal/observability"
	"github.com/lvonguyen/shadowscan/internal/orchestrator"
	"github.com/lvonguyen/shadowscan/internal/quota"
	"github.com/lvonguyen/shadowscan/internal/sigrepo"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Shadowscan %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Telemetry.ServiceVersion == "dev" || cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = Version
	}

	telemetry, err := observability.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger()
	logger.Info("starting shadowscan",
		zap.String("version", Version),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Redis backs credential storage, quota counters, and API rate limits.
	// Without it everything falls back to in-process state.
	redisClient := connectRedis(ctx, cfg.Redis, logger)

	var credStore credentials.Store
	if redisClient != nil {
		credStore = credentials.NewRedisStore(redisClient)
	} else {
		credStore = credentials.NewMemoryStore()
	}

	key, err := credentials.ParseKey(os.Getenv(cfg.Credentials.EncryptionKeyEnv))
	if err != nil {
		logger.Fatal("invalid encryption key",
			zap.String("env", cfg.Credentials.EncryptionKeyEnv),
			zap.Error(err))
	}
	creds, err := credentials.NewManager(key, cfg.Credentials.KeyID, credStore, nil, logger)
	if err != nil {
		logger.Fatal("failed to initialize credential manager", zap.Error(err))
	}

	quotaOpts := []quota.Option{}
	if redisClient != nil {
		quotaOpts = append(quotaOpts, quota.WithRedis(redisClient))
	}
	tracker := quota.NewTracker(cfg.Quota.DailyCeilings, cfg.Quota.TrendSamples, logger, quotaOpts...)

	if repo := cfg.Detection.AIProvider.SignaturesRepo; repo != "" {
		path, err := syncSignatures(ctx, cfg.Detection.AIProvider, logger)
		if err != nil {
			logger.Fatal("signature repository sync failed",
				zap.String("remote", repo),
				zap.Error(err))
		}
		cfg.Detection.AIProvider.SignaturesPath = path
	}

	orchOpts := []orchestrator.Option{orchestrator.WithTracer(telemetry.Tracer())}
	if telemetry.Metrics() != nil {
		orchOpts = append(orchOpts, orchestrator.WithMetrics(telemetry.Metrics()))
	}
	orch, err := orchestrator.New(cfg, nil, creds, tracker, logger, orchOpts...)
	if err != nil {
		logger.Fatal("failed to initialize orchestrator", zap.Error(err))
	}

	// Buffer connectors hold pushed activity until the next analysis window.
	// Deployments with direct API access swap in live connectors here.
	buffers := make(map[connector.Platform]*connector.ReplayConnector)
	for _, p := range connector.Platforms() {
		buf := connector.NewReplayConnector(p)
		buffers[p] = buf
		orch.RegisterConnector(buf)
	}

	var limiter *api.Limiter
	if redisClient != nil {
		limiter = api.NewLimiter(redisClient, api.LimitConfig{IncludeHeaders: true}, logger)
	}
	apiServer := api.NewServer(orch, limiter, logger, Version)
	if telemetry.Metrics() != nil {
		apiServer.WithMetrics(telemetry.Metrics())
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	if cfg.Ingest.Enabled {
		receiver := ingest.NewReceiver(cfg.Ingest, func(_ context.Context, records []connector.RawRecord) error {
			for _, rec := range records {
				if buf, ok := buffers[rec.Platform]; ok {
					buf.Load(rec)
				}
			}
			return nil
		}, logger)
		go func() {
			if err := receiver.Start(ctx); err != nil && err != http.ErrServerClosed {
				logger.Error("webhook receiver error", zap.Error(err))
			}
		}()
	}

	telemetry.StartSystemMetricsCollector(ctx)

	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// syncSignatures clones or fast-forwards the signature repository and
// returns the table path inside the checkout.
func syncSignatures(ctx context.Context, cfg config.AIProviderConfig, logger *zap.Logger) (string, error) {
	syncer, err := sigrepo.NewSyncer(sigrepo.Config{
		RemoteURL: cfg.SignaturesRepo,
		Branch:    cfg.SignaturesBranch,
		LocalPath: filepath.Join(os.TempDir(), "shadowscan-signatures"),
		TablePath: cfg.SignaturesFile,
	}, logger)
	if err != nil {
		return "", err
	}
	if _, err := syncer.Sync(ctx); err != nil {
		return "", err
	}
	return syncer.TableFile()
}

// connectRedis returns nil when Redis is unreachable; the server still runs
// with in-process state.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: os.Getenv(cfg.PasswordEnv),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-process state",
			zap.String("addr", cfg.Addr),
			zap.Error(err))
		client.Close()
		return nil
	}
	return client
}
