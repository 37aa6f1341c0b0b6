// Package main provides the entry point for the PhishGuard server, a URL
// phishing and malware analysis service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/analyzer"
	"github.com/lvonguyen/phishguard/internal/api"
	"github.com/lvonguyen/phishguard/internal/config"
	"github.com/lvonguyen/phishguard/internal/engine"
	"github.com/lvonguyen/phishguard/internal/feed"
	"github.com/lvonguyen/phishguard/internal/logging"
	"github.com/lvonguyen/phishguard/internal/scorer"
	"github.com/lvonguyen/phishguard/internal/verdict"
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
		fmt.Printf("PhishGuard %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting phishguard",
		zap.String("version", Version),
		zap.String("config", *configPath),
		zap.String("cache_backend", cfg.Cache.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Verdict store, selected by backend. Redis doubles as the rate limit
	// counter when available.
	var (
		store       verdict.Store
		redisClient *redis.Client
	)
	switch cfg.Cache.Backend {
	case "", "memory":
		store = verdict.NewMemoryStore()
	case "redis":
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password(),
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		store, err = verdict.NewRedisStore(ctx, redisClient)
		if err != nil {
			logger.Fatal("connecting to redis", zap.Error(err))
		}
	case "sqlite":
		store, err = verdict.NewSQLiteStore(cfg.Cache.SQLite.Path)
		if err != nil {
			logger.Fatal("opening sqlite store", zap.Error(err))
		}
	default:
		logger.Fatal("unknown cache backend", zap.String("backend", cfg.Cache.Backend))
	}
	defer store.Close()

	// Threat feeds.
	feedStore := feed.NewMemoryStore()
	ingestor := feed.NewIngestor(cfg.Feeds.Ingestor, feedStore, logger)
	for name, srcCfg := range cfg.Feeds.Sources {
		if !srcCfg.Enabled {
			continue
		}
		var src feed.Source
		switch name {
		case "openphish":
			src = feed.NewOpenPhishSource(srcCfg)
		case "phishtank":
			src = feed.NewPhishTankSource(srcCfg)
		case "urlhaus":
			src = feed.NewURLHausSource(srcCfg)
		default:
			logger.Warn("unknown feed source in config", zap.String("source", name))
			continue
		}
		ingestor.Register(src, srcCfg.Interval)
	}
	ingestor.Start(ctx)
	defer ingestor.Stop()

	// Analysis pipeline.
	sc := scorer.New(cfg.Scorer, logger)
	eng := engine.New(cfg.Engine, buildAnalyzers(cfg, feedStore, logger), sc, logger)
	cache := verdict.NewCache(cfg.Cache.Verdict, store, eng, logger)
	cache.StartSweeper(ctx)
	defer cache.StopSweeper()

	// HTTP surface.
	var limiter *api.RateLimiter
	if cfg.RateLimit.Enabled {
		var counter api.Counter
		if redisClient != nil {
			counter = api.NewRedisCounter(redisClient)
		} else {
			counter = api.NewMemoryCounter()
		}
		limiter = api.NewRateLimiter(counter, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BulkCost, logger)
	}
	srv := api.NewServer(cache, feedStore, ingestor, limiter, logger, Version)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

// buildAnalyzers assembles the analyzer set, skipping any the config
// disables.
func buildAnalyzers(cfg *config.Config, feedStore feed.Store, logger *zap.Logger) []analyzer.Analyzer {
	var analyzers []analyzer.Analyzer
	a := cfg.Analyzers

	if !a.Feeds.Disabled {
		analyzers = append(analyzers, analyzer.NewFeedsAnalyzer(a.Feeds.FeedsConfig, feedStore, logger))
	}
	if !a.Heuristics.Disabled {
		analyzers = append(analyzers, analyzer.NewHeuristicsAnalyzer(a.Heuristics.HeuristicsConfig))
	}
	if !a.DNS.Disabled {
		analyzers = append(analyzers, analyzer.NewDNSAnalyzer(a.DNS.DNSConfig, logger))
	}
	if !a.Registration.Disabled {
		analyzers = append(analyzers, analyzer.NewRegistrationAnalyzer(a.Registration.RegistrationConfig, logger))
	}
	if !a.TLS.Disabled {
		analyzers = append(analyzers, analyzer.NewTLSAnalyzer(a.TLS.TLSConfig, logger))
	}
	if !a.Content.Disabled {
		analyzers = append(analyzers, analyzer.NewContentAnalyzer(a.Content.ContentConfig, logger))
	}
	if !a.Impersonation.Disabled {
		analyzers = append(analyzers, analyzer.NewImpersonationAnalyzer(a.Impersonation.ImpersonationConfig))
	}

	names := make([]string, len(analyzers))
	for i, an := range analyzers {
		names[i] = an.Name()
	}
	logger.Info("analyzers enabled", zap.Strings("analyzers", names))
	return analyzers
}
