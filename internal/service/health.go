package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/execpool"
	"github.com/Strob0t/squire/internal/port/cache"
	"github.com/Strob0t/squire/internal/port/taskstore"
	"github.com/Strob0t/squire/internal/port/workerbackend"
)

// Health levels, worst last.
const (
	HealthOK        = "ok"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

const healthCacheKey = "health:report"

// CheckResult is the outcome of one health probe.
type CheckResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport combines the store and backend probes.
type HealthReport struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Backend   string                 `json:"backend,omitempty"`
	Workers   int                    `json:"workers"`
	CLI       *execpool.Stats        `json:"cli,omitempty"` // runtime CLI slots, read live
	Timestamp time.Time              `json:"timestamp"`
}

// Pinger is implemented by stores that can verify their backing medium.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService produces cached composite health reports. The store being
// unreadable makes the service unhealthy; an unreachable backend only
// degrades it.
type HealthService struct {
	store    taskstore.Store
	backends *workerbackend.Shared
	pool     *execpool.Pool
	cache    cache.Cache
	ttl      time.Duration
	group    singleflight.Group
	now      func() time.Time
}

// NewHealthService creates a HealthService. c may be nil to disable caching.
func NewHealthService(store taskstore.Store, backends *workerbackend.Shared, c cache.Cache, ttl time.Duration) *HealthService {
	return &HealthService{store: store, backends: backends, cache: c, ttl: ttl, now: time.Now}
}

// SetExecPool adds the runtime CLI pool usage to every report.
func (h *HealthService) SetExecPool(p *execpool.Pool) {
	h.pool = p
}

// Check returns the current report, served from cache when fresh. Concurrent
// callers share a single probe. Pool usage is never cached.
func (h *HealthService) Check(ctx context.Context) HealthReport {
	rep := h.cached(ctx)
	if h.pool != nil {
		st := h.pool.Stats()
		rep.CLI = &st
	}
	return rep
}

func (h *HealthService) cached(ctx context.Context) HealthReport {
	if h.cache != nil && h.ttl > 0 {
		rep, ok, err := cache.GetJSON[HealthReport](ctx, h.cache, healthCacheKey)
		if err != nil {
			slog.Debug("health cache read failed", "error", err)
		}
		if ok {
			return rep
		}
	}

	v, _, _ := h.group.Do(healthCacheKey, func() (any, error) {
		rep := h.probe(context.WithoutCancel(ctx))
		if h.cache != nil && h.ttl > 0 {
			if err := cache.SetJSON(ctx, h.cache, healthCacheKey, rep, h.ttl); err != nil {
				slog.Debug("health cache write failed", "error", err)
			}
		}
		return rep, nil
	})
	return v.(HealthReport)
}

func (h *HealthService) probe(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rep := HealthReport{
		Status:    HealthOK,
		Checks:    make(map[string]CheckResult, 2),
		Timestamp: h.now().UTC(),
	}

	rep.Checks["store"] = timed(func() error {
		if p, ok := h.store.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
		_, err := h.store.List(ctx, task.ListFilter{Limit: 1})
		return err
	})

	rep.Checks["backend"] = timed(func() error {
		b, err := h.backends.Get()
		if err != nil {
			return err
		}
		rep.Backend = b.Name()
		workers, err := b.List(ctx)
		rep.Workers = len(workers)
		return err
	})

	switch {
	case rep.Checks["store"].Status != HealthOK:
		rep.Status = HealthUnhealthy
	case rep.Checks["backend"].Status != HealthOK:
		rep.Status = HealthDegraded
	}
	if rep.Status != HealthOK {
		slog.Warn("health check not ok", "status", rep.Status,
			"store", rep.Checks["store"].Error, "backend", rep.Checks["backend"].Error)
	}
	return rep
}

func timed(fn func() error) CheckResult {
	start := time.Now()
	err := fn()
	res := CheckResult{Status: HealthOK, Latency: time.Since(start).Round(time.Microsecond).String()}
	if err != nil {
		res.Status = HealthUnhealthy
		res.Error = err.Error()
	}
	return res
}
