// Kestrel - fraud decisions with an auditable transaction log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/txlog"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("kestrel exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	_, logCloser, err := observability.InitLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"scorer", cfg.Scoring.Type,
		"txlog", cfg.TxLog.Enabled,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	metrics := observability.NewMetrics()

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	if busImpl != nil {
		defer busImpl.Close()
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	// Initialize Scorer
	scorer, err := scoring.New(cfg.Scoring, busImpl)
	if err != nil {
		return fmt.Errorf("init scorer: %w", err)
	}
	slog.Info("scorer initialized", "type", scorer.Name())

	if cfg.Scoring.Serve && busImpl != nil {
		if scorer.Name() == "bus" {
			return errors.New("scoring.serve requires a local scorer")
		}
		sub, err := scoring.Serve(ctx, busImpl, scorer)
		if err != nil {
			return fmt.Errorf("serve scoring requests: %w", err)
		}
		defer sub.Unsubscribe()
		slog.Info("answering scoring requests", "topic", sub.Topic())
	}

	opts := pipeline.Options{Bus: busImpl, Metrics: metrics}

	// Initialize Repository
	var writer *txlog.Writer
	if cfg.TxLog.Enabled {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("init repository: %w", err)
		}
		defer repo.Close()
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)

		writer = txlog.NewWriter(repo, cacheImpl, metrics, cfg.TxLog)
		opts.Log = writer

		if cfg.Velocity.Enabled {
			opts.Velocity = velocity.NewService(repo, cacheImpl, cfg.Velocity)
			slog.Info("velocity service initialized", "window", cfg.Velocity.Window)
		}
	} else {
		slog.Warn("transaction log disabled, decisions will not be recorded")
	}

	p := pipeline.New(scorer, opts)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled && busImpl != nil {
		asyncWorker = worker.NewWorker(busImpl, p, metrics)
		if err := asyncWorker.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		slog.Info("async worker started")
	}

	srv := api.NewServer(cfg.Server, api.Dependencies{
		Pipeline: p,
		Log:      writer,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Metrics:  metrics,
		Version:  Version,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("kestrel is ready",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
		)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		// Stop async worker first
		if asyncWorker != nil {
			if err := asyncWorker.Stop(); err != nil {
				slog.Error("failed to stop async worker", "error", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	printBanner(cfg, Version, scorer.Name())

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version, scorer string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |     Fraud decisions, logged for review    |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Scorer:   %s\n", scorer)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /predict                - Score a transaction")
	fmt.Println("    POST /predict/async          - Submit for asynchronous scoring")
	fmt.Println("    GET  /transactions           - Recent logged transactions")
	fmt.Println("    GET  /flagged                - Flagged transactions")
	fmt.Println("    POST /flagged/{id}/review    - Mark a flag reviewed")
	fmt.Println("    GET  /statistics             - Fraud statistics")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println("    GET  /metrics                - Prometheus metrics")
	fmt.Println()
}
