package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/squire/internal/adapter/filestore"
	sqnats "github.com/Strob0t/squire/internal/adapter/nats"
	"github.com/Strob0t/squire/internal/adapter/postgres"
	"github.com/Strob0t/squire/internal/adapter/shell"
	"github.com/Strob0t/squire/internal/config"
	"github.com/Strob0t/squire/internal/domain/resource"
	"github.com/Strob0t/squire/internal/execpool"
	"github.com/Strob0t/squire/internal/lock"
	"github.com/Strob0t/squire/internal/port/broadcast"
	"github.com/Strob0t/squire/internal/port/eventstore"
	"github.com/Strob0t/squire/internal/port/messagequeue"
	"github.com/Strob0t/squire/internal/port/workerbackend"
	"github.com/Strob0t/squire/internal/resilience"
	"github.com/Strob0t/squire/internal/secrets"
	"github.com/Strob0t/squire/internal/service"
)

// app is the wired set of services every command works with.
type app struct {
	cfg       *config.Config
	store     *filestore.Store
	backends  *workerbackend.Shared
	cli       *execpool.Pool // bounds docker/kubectl invocations
	vault     *secrets.Vault
	queue     *sqnats.Queue // nil when NATS is not configured
	pool      *pgxpool.Pool // nil when Postgres is not configured
	events    *service.EventPublisher
	admission *service.AdmissionService
	tasks     *service.TaskService

	closers []func()
}

// appOptions selects the optional parts of the wiring.
type appOptions struct {
	hub broadcast.Broadcaster

	// strict turns an unreachable NATS or Postgres into an error instead of
	// a warning.
	strict bool
}

// newApp wires the store, backend, optional infrastructure and services.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	vault, err := secrets.NewVault(secrets.EnvLoader(cfg.Backend.Credentials...))
	if err != nil {
		return nil, err
	}
	a.vault = vault

	locks := lock.NewManager(lock.Options{
		Timeout:      cfg.Lock.Timeout,
		StaleTimeout: cfg.Lock.StaleTimeout,
		Retry: lock.RetryPolicy{
			MinInterval: cfg.Lock.RetryMin,
			MaxInterval: cfg.Lock.RetryMax,
		},
	})
	a.store = filestore.New(cfg.Store.Dir, locks)
	a.cli = execpool.New(cfg.Backend.MaxParallelCLI)
	a.backends = newBackends(cfg.Backend, a.cli, vault.Get)

	var queue messagequeue.Queue
	if cfg.NATS.URL != "" {
		q, err := sqnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			if opts.strict {
				a.Close()
				return nil, fmt.Errorf("nats: %w", err)
			}
			slog.Warn("nats unavailable, events stay local", "error", err)
		} else {
			a.queue, queue = q, q
			a.closers = append(a.closers, func() { _ = q.Drain() })
		}
	}

	var history eventstore.Store
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			if opts.strict {
				a.Close()
				return nil, fmt.Errorf("postgres: %w", err)
			}
			slog.Warn("postgres unavailable, task history disabled", "error", err)
		} else {
			a.pool = pool
			history = postgres.NewEventStore(pool)
			a.closers = append(a.closers, pool.Close)
		}
	}

	a.events = service.NewEventPublisher(opts.hub, queue, history)
	a.admission = service.NewAdmissionService(a.store, cfg.Admission, a.events)
	a.tasks = service.NewTaskService(a.store, a.backends, a.admission, a.events)
	a.tasks.SetBreaker(resilience.NewBreaker("worker-backend", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	a.tasks.SetRedactor(vault.RedactString)
	return a, nil
}

// Close releases infrastructure connections in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newBackends returns the process-wide backend holder. The variant is
// resolved on first use so commands that never touch a worker do not need
// a container runtime.
func newBackends(cfg config.Backend, pool *execpool.Pool, getenv func(string) string) *workerbackend.Shared {
	return workerbackend.NewShared(func() (workerbackend.Backend, error) {
		name, err := workerbackend.Resolve(cfg.Type, os.Getenv)
		if err != nil {
			return nil, err
		}
		binary := cfg.Binary
		if binary == "" && name == workerbackend.Docker {
			explicit := cfg.Type
			if explicit == "" {
				explicit = os.Getenv(workerbackend.EnvBackend)
			}
			binary = workerbackend.DefaultBinary(explicit)
		}
		b, err := workerbackend.New(name, workerbackend.Config{
			Binary:      binary,
			Image:       cfg.Image,
			Namespace:   cfg.Namespace,
			Context:     cfg.Context,
			Secret:      cfg.Secret,
			Credentials: cfg.Credentials,
			Limits: resource.Limits{
				MemoryMB:    cfg.MemoryMB,
				CPUs:        cfg.CPUs,
				PidsLimit:   cfg.PidsLimit,
				NetworkMode: cfg.NetworkMode,
			},
			StopTimeout: cfg.StopTimeout,
			LogTail:     cfg.LogTail,
			Runner:      shell.NewExecRunner(pool),
			Getenv:      getenv,
		})
		if err != nil {
			return nil, err
		}
		slog.Debug("worker backend ready", "backend", b.Name(), "binary", binary)
		return b, nil
	})
}
