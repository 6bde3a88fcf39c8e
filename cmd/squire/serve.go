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

	sqhttp "github.com/Strob0t/squire/internal/adapter/http"
	"github.com/Strob0t/squire/internal/adapter/mcp"
	"github.com/Strob0t/squire/internal/adapter/natskv"
	sqotel "github.com/Strob0t/squire/internal/adapter/otel"
	"github.com/Strob0t/squire/internal/adapter/postgres"
	"github.com/Strob0t/squire/internal/adapter/ristretto"
	"github.com/Strob0t/squire/internal/adapter/tiered"
	"github.com/Strob0t/squire/internal/adapter/ws"
	"github.com/Strob0t/squire/internal/config"
	"github.com/Strob0t/squire/internal/middleware"
	"github.com/Strob0t/squire/internal/port/cache"
	"github.com/Strob0t/squire/internal/port/messagequeue"
	"github.com/Strob0t/squire/internal/service"
)

const shutdownTimeout = 10 * time.Second

// runServe runs the HTTP API, the status stream, the watch loop and, when
// configured, the MCP endpoint until the process is signalled.
func runServe(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	noWatch := fs.Bool("no-watch", false, "do not run the watch loop in this process")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// --- Telemetry ---
	promReader, metricsHandler, err := sqotel.NewPrometheusReader()
	if err != nil {
		return err
	}
	shutdownOTEL, err := sqotel.Setup(ctx, cfg.OTEL, promReader)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()

	// --- Services ---
	// The hub needs the task service for snapshots and the task service
	// publishes through the hub, so the snapshot func closes over a.
	var a *app
	hub := ws.NewHub(func(ctx context.Context) (any, error) {
		return a.tasks.Snapshot(ctx)
	}, cfg.Stream)

	a, err = newApp(ctx, cfg, appOptions{hub: hub, strict: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.pool != nil {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
	}

	metrics, err := sqotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	a.tasks.SetMetrics(metrics)
	gauges, err := metrics.RegisterTaskGauges(a.tasks.Stats)
	if err != nil {
		return fmt.Errorf("otel gauges: %w", err)
	}
	defer func() { _ = gauges.Unregister() }()

	// --- Caches ---
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()

	var l2 cache.Cache
	if a.queue != nil && cfg.Cache.L2Bucket != "" {
		kv, err := natskv.Open(ctx, a.queue.JetStream(), cfg.Cache.L2Bucket, cfg.Health.CacheTTL)
		if err != nil {
			slog.Warn("shared health cache unavailable", "error", err)
		} else {
			l2 = kv
		}
	}
	health := service.NewHealthService(a.store, a.backends, tiered.New(l1, l2, cfg.Health.CacheTTL), cfg.Health.CacheTTL)
	health.SetExecPool(a.cli)

	reconciler := service.NewReconciler(a.tasks, cfg.Watch.Interval, cfg.Watch.AutoStart)

	// --- HTTP ---
	handlers := &sqhttp.Handlers{
		Tasks:  a.tasks,
		Events: a.events,
		Health: health,
	}
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	router := sqhttp.NewRouter(handlers, sqhttp.RouterOptions{
		CORSOrigin:  cfg.Server.CORSOrigin,
		ServiceName: serviceName(cfg),
		Stream:      hub.HandleWS,
		Metrics:     metricsHandler,
		Idempotency: l1,
		RateLimit:   limiter,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if !*noWatch && a.queue != nil {
		cancel, err := subscribeNudges(ctx, a.queue, reconciler)
		if err != nil {
			return err
		}
		defer cancel()
	}

	var mcpSrv *mcp.Server
	if cfg.MCP.Addr != "" {
		mcpSrv = mcp.NewServer(mcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    "squire",
			Version: config.Version,
		}, mcp.ServerDeps{Tasks: a.tasks})
		if err := mcpSrv.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", addr, "version", config.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if !*noWatch {
		g.Go(func() error { return reconciler.Run(gctx) })
	}
	if mcpSrv != nil {
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return mcpSrv.Stop(sctx)
		})
	}

	g.Go(func() error {
		reloadOnHangup(gctx, a)
		return nil
	})
	g.Go(func() error {
		limiter.Sweep(gctx, time.Minute, 10*time.Minute)
		return nil
	})

	err = g.Wait()
	a.tasks.Wait()
	return err
}

// runWatch runs the reconciliation loop, or a single cycle with -once.
func runWatch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	once := fs.Bool("once", false, "run a single cycle and exit")
	autoStart := fs.Bool("auto-start", cfg.Watch.AutoStart, "start pending tasks while capacity allows")
	interval := fs.Duration("interval", cfg.Watch.Interval, "time between cycles")
	if err := fs.Parse(args); err != nil {
		return err
	}

	shutdownOTEL, err := sqotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	if metrics, err := sqotel.NewMetrics(); err == nil {
		a.tasks.SetMetrics(metrics)
	}

	reconciler := service.NewReconciler(a.tasks, *interval, *autoStart)
	if *once {
		sum, err := reconciler.RunOnce(ctx)
		a.tasks.Wait()
		if err != nil {
			return err
		}
		return printValue(os.Stdout, sum, false)
	}

	if a.queue != nil {
		cancel, err := subscribeNudges(ctx, a.queue, reconciler)
		if err != nil {
			return err
		}
		defer cancel()
	}
	go reloadOnHangup(ctx, a)

	err = reconciler.Run(ctx)
	a.tasks.Wait()
	return err
}

// subscribeNudges wakes the watch loop whenever any process creates a task.
func subscribeNudges(ctx context.Context, q messagequeue.Queue, r *service.Reconciler) (func(), error) {
	cancel, err := q.Subscribe(ctx, messagequeue.SubjectTaskCreated, func(_ context.Context, _ string, _ []byte) error {
		r.Nudge()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectTaskCreated, err)
	}
	return cancel, nil
}

// reloadOnHangup re-reads worker credentials from the environment on SIGHUP.
func reloadOnHangup(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.vault.Reload(); err != nil {
				slog.Error("credential reload failed", "error", err)
				continue
			}
			slog.Info("credentials reloaded", "count", len(a.vault.Keys()))
		}
	}
}

func serviceName(cfg *config.Config) string {
	if cfg.OTEL.Endpoint == "" {
		return ""
	}
	return cfg.OTEL.ServiceName
}
