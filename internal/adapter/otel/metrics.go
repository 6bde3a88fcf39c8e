package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/squire/internal/domain/task"
)

const meterName = "squire"

// Metrics holds all squire metric instruments.
type Metrics struct {
	TasksDispatched   metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	DispatchDuration  metric.Float64Histogram
	ReconcileDuration metric.Float64Histogram

	meter metric.Meter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates all metric instruments on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.TasksDispatched, err = meter.Int64Counter("squire.tasks.dispatched",
		metric.WithDescription("Number of tasks handed to a worker backend"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("squire.tasks.completed",
		metric.WithDescription("Number of tasks whose worker exited with code 0"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("squire.tasks.failed",
		metric.WithDescription("Number of tasks recorded as failed"))
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("squire.dispatch.duration_seconds",
		metric.WithDescription("Time spent starting a worker"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.ReconcileDuration, err = meter.Float64Histogram("squire.reconcile.duration_seconds",
		metric.WithDescription("Duration of one reconciliation cycle"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// StatsFunc returns the current task counts.
type StatsFunc func(ctx context.Context) (task.Stats, error)

// RegisterTaskGauges exposes the running/pending/total task counts and the
// per-status breakdown as observable gauges. The returned registration must be
// unregistered on shutdown.
func (m *Metrics) RegisterTaskGauges(stats StatsFunc) (metric.Registration, error) {
	running, err := m.meter.Int64ObservableGauge("squire.tasks.running",
		metric.WithDescription("Tasks currently running"))
	if err != nil {
		return nil, err
	}
	pending, err := m.meter.Int64ObservableGauge("squire.tasks.pending",
		metric.WithDescription("Tasks waiting to start"))
	if err != nil {
		return nil, err
	}
	total, err := m.meter.Int64ObservableGauge("squire.tasks.total",
		metric.WithDescription("Tasks in the store"))
	if err != nil {
		return nil, err
	}
	byStatus, err := m.meter.Int64ObservableGauge("squire.tasks.by_status",
		metric.WithDescription("Tasks by status"))
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s, err := stats(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(running, int64(s.Running))
		o.ObserveInt64(pending, int64(s.Pending))
		o.ObserveInt64(total, int64(s.Total))
		for _, st := range task.Statuses {
			o.ObserveInt64(byStatus, int64(countFor(s, st)),
				metric.WithAttributes(attribute.String("status", string(st))))
		}
		return nil
	}, running, pending, total, byStatus)
}

func countFor(s task.Stats, st task.Status) int {
	switch st {
	case task.StatusPending:
		return s.Pending
	case task.StatusRunning:
		return s.Running
	case task.StatusCompleted:
		return s.Completed
	case task.StatusFailed:
		return s.Failed
	}
	return 0
}
