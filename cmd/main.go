package main

import (
	"context"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/walletscope/wallet-reporter/api"
	"github.com/walletscope/wallet-reporter/cache"
	"github.com/walletscope/wallet-reporter/client/etherscan"
	"github.com/walletscope/wallet-reporter/config"
	"github.com/walletscope/wallet-reporter/lib/ratelimit"
	"github.com/walletscope/wallet-reporter/reporter"
	"github.com/walletscope/wallet-reporter/store"
)

func init() {
	// always use UTC
	time.Local = time.UTC
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Parse()
	if err != nil {
		stdlog.Fatal(err)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:           cfg.SentryDSN,
			EnableTracing: false,
		}); err != nil {
			stdlog.Fatal(err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := store.Open(store.Config{
		URL:          cfg.Postgres.URL,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
	})
	if err != nil {
		stdlog.Fatal(err)
	}
	defer db.Close()

	jobs, err := store.NewJobs(db)
	if err != nil {
		stdlog.Fatal(err)
	}

	durable, err := cache.NewPostgres(db)
	if err != nil {
		stdlog.Fatal(err)
	}

	var volatile cache.Volatile
	if cfg.Redis.URL != "" {
		redis, err := cache.NewRedis(cfg.Redis.URL)
		if err != nil {
			stdlog.Fatal(err)
		}
		defer redis.Close()
		volatile = redis
		logger.Info("Using redis volatile cache tier")
	} else {
		volatile = cache.NewMemory(cfg.Cache.MemoryEntries)
		logger.Info("Using in-process volatile cache tier", "entries", cfg.Cache.MemoryEntries)
	}

	tiered := cache.NewTiered(logger, volatile, durable, cache.Config{
		TTL:           cfg.Cache.TTL,
		HeightTTL:     cfg.Cache.HeightTTL,
		FinalityDepth: cfg.Cache.FinalityDepth,
	})

	limiter := ratelimit.New(cfg.Etherscan.RateLimit, cfg.Etherscan.RateBurst)

	client, err := etherscan.NewClient(logger, etherscan.Config{
		APIKey:         cfg.Etherscan.APIKey,
		URL:            cfg.Etherscan.URL,
		PageSize:       cfg.Etherscan.PageSize,
		RetryMax:       cfg.Etherscan.RetryMax,
		RequestTimeout: cfg.Etherscan.RequestTimeout,
	}, limiter, tiered)
	if err != nil {
		stdlog.Fatal(err)
	}
	defer client.Close()

	engine := reporter.New(logger, client, jobs, reporter.Config{
		SegmentSize:      cfg.Report.SegmentSize,
		Workers:          cfg.Report.Workers,
		JobTimeout:       cfg.Report.JobTimeout,
		Retention:        cfg.Report.Retention,
		SweepInterval:    cfg.Report.SweepInterval,
		ReportsDir:       cfg.Report.Dir,
		DirectMaxRecords: cfg.Report.DirectMaxRecords,
	})
	reporter.RegisterMetrics(engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := engine.Recover(ctx); err != nil {
		stdlog.Fatal(err)
	}

	server := api.NewServer(logger, engine, tiered, cfg.Port)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(gctx)
	})
	group.Go(func() error {
		return engine.RunJanitor(gctx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Error("Shutting down on error", "error", err)
	} else {
		logger.Info("Shutting down")
	}
	engine.Shutdown()
}
