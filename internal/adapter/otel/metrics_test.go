package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Strob0t/squire/internal/config"
	"github.com/Strob0t/squire/internal/domain/task"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestTaskGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWithMeter(mp.Meter(meterName))
	if err != nil {
		t.Fatalf("NewMetricsWithMeter: %v", err)
	}

	reg, err := m.RegisterTaskGauges(func(context.Context) (task.Stats, error) {
		return task.Stats{Pending: 2, Running: 3, Completed: 4, Total: 9}, nil
	})
	if err != nil {
		t.Fatalf("RegisterTaskGauges: %v", err)
	}
	defer func() { _ = reg.Unregister() }()

	got := collect(t, reader)
	want := map[string]int64{
		"squire.tasks.running": 3,
		"squire.tasks.pending": 2,
		"squire.tasks.total":   9,
	}
	for name, v := range want {
		g, ok := got[name].(metricdata.Gauge[int64])
		if !ok {
			t.Fatalf("%s: expected int64 gauge, got %T", name, got[name])
		}
		if len(g.DataPoints) != 1 || g.DataPoints[0].Value != v {
			t.Errorf("%s = %+v, want %d", name, g.DataPoints, v)
		}
	}

	byStatus, ok := got["squire.tasks.by_status"].(metricdata.Gauge[int64])
	if !ok || len(byStatus.DataPoints) != len(task.Statuses) {
		t.Fatalf("by_status = %+v", got["squire.tasks.by_status"])
	}
	perStatus := map[string]int64{}
	for _, dp := range byStatus.DataPoints {
		v, _ := dp.Attributes.Value("status")
		perStatus[v.AsString()] = dp.Value
	}
	wantStatus := map[string]int64{"pending": 2, "running": 3, "completed": 4, "failed": 0}
	for st, v := range wantStatus {
		if perStatus[st] != v {
			t.Errorf("by_status[%s] = %d, want %d", st, perStatus[st], v)
		}
	}
}

func TestTaskGaugesStatsError(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWithMeter(mp.Meter(meterName))
	if err != nil {
		t.Fatalf("NewMetricsWithMeter: %v", err)
	}
	if _, err := m.RegisterTaskGauges(func(context.Context) (task.Stats, error) {
		return task.Stats{}, errors.New("store unreadable")
	}); err != nil {
		t.Fatalf("RegisterTaskGauges: %v", err)
	}

	got := collect(t, reader)
	if g, ok := got["squire.tasks.running"].(metricdata.Gauge[int64]); ok && len(g.DataPoints) > 0 {
		t.Errorf("expected no data points on stats error, got %+v", g.DataPoints)
	}
}

func TestCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWithMeter(mp.Meter(meterName))
	if err != nil {
		t.Fatalf("NewMetricsWithMeter: %v", err)
	}
	ctx := context.Background()
	m.TasksDispatched.Add(ctx, 2)
	m.TasksFailed.Add(ctx, 1)

	got := collect(t, reader)
	sum, ok := got["squire.tasks.dispatched"].(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Errorf("dispatched = %+v", got["squire.tasks.dispatched"])
	}
}

func TestPrometheusReader(t *testing.T) {
	reader, handler, err := NewPrometheusReader()
	if err != nil {
		t.Fatalf("NewPrometheusReader: %v", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	m, err := NewMetricsWithMeter(mp.Meter(meterName))
	if err != nil {
		t.Fatalf("NewMetricsWithMeter: %v", err)
	}
	if _, err := m.RegisterTaskGauges(func(context.Context) (task.Stats, error) {
		return task.Stats{Running: 1, Failed: 2, Total: 3}, nil
	}); err != nil {
		t.Fatalf("RegisterTaskGauges: %v", err)
	}
	m.TasksDispatched.Add(context.Background(), 5)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# HELP squire_tasks_running Tasks currently running\n",
		"squire_tasks_running 1\n",
		"squire_tasks_total 3\n",
		`squire_tasks_by_status{status="failed"} 2`,
		"squire_tasks_dispatched_total 5\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "otel_scope_name") || strings.Contains(body, "target_info") {
		t.Errorf("scope and target info should be omitted:\n%s", body)
	}
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.OTEL{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupLocalReaderWithoutEndpoint(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	shutdown, err := Setup(context.Background(), config.OTEL{ServiceName: "squire"}, reader)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.TasksFailed.Add(context.Background(), 1)

	got := collect(t, reader)
	if _, ok := got["squire.tasks.failed"].(metricdata.Sum[int64]); !ok {
		t.Errorf("global meter provider should feed the extra reader, got %v", got)
	}
}
