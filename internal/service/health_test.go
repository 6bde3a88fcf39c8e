package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/squire/internal/adapter/filestore"
	"github.com/Strob0t/squire/internal/execpool"
	"github.com/Strob0t/squire/internal/lock"
)

// mapCache is an in-memory cache.Cache without expiry.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func TestHealthOK(t *testing.T) {
	f := newFixture(t)
	f.startAndWait(t, f.create(t, "acme/api").ID)

	rep := NewHealthService(f.store, f.backends, nil, 0).Check(context.Background())
	if rep.Status != HealthOK {
		t.Fatalf("status = %s, checks = %+v", rep.Status, rep.Checks)
	}
	if rep.Backend != "fake" || rep.Workers != 1 {
		t.Errorf("backend = %q workers = %d", rep.Backend, rep.Workers)
	}
	for _, name := range []string{"store", "backend"} {
		if rep.Checks[name].Status != HealthOK {
			t.Errorf("check %s = %+v", name, rep.Checks[name])
		}
	}
}

func TestHealthDegradedWhenBackendFails(t *testing.T) {
	f := newFixture(t)
	f.backend.listErr = errBoom

	rep := NewHealthService(f.store, f.backends, nil, 0).Check(context.Background())
	if rep.Status != HealthDegraded {
		t.Fatalf("status = %s, want degraded", rep.Status)
	}
	if rep.Checks["backend"].Error != errBoom.Error() {
		t.Errorf("backend error = %q", rep.Checks["backend"].Error)
	}
}

func TestHealthUnhealthyWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	broken := filestore.New(filepath.Join(blocker, "tasks"), lock.NewManager(lock.Options{}))

	rep := NewHealthService(broken, f.backends, nil, 0).Check(context.Background())
	if rep.Status != HealthUnhealthy {
		t.Fatalf("status = %s, want unhealthy", rep.Status)
	}
	if rep.Checks["store"].Error == "" {
		t.Error("expected a store error")
	}
}

func TestHealthReportIsCached(t *testing.T) {
	f := newFixture(t)
	h := NewHealthService(f.store, f.backends, &mapCache{}, time.Minute)

	if rep := h.Check(context.Background()); rep.Status != HealthOK {
		t.Fatalf("first status = %s", rep.Status)
	}

	f.backend.mu.Lock()
	f.backend.listErr = errBoom
	f.backend.mu.Unlock()

	if rep := h.Check(context.Background()); rep.Status != HealthOK {
		t.Fatalf("expected cached ok report, got %s", rep.Status)
	}
}

func TestHealthReportsLiveCLIPool(t *testing.T) {
	f := newFixture(t)
	h := NewHealthService(f.store, f.backends, &mapCache{}, time.Minute)
	if rep := h.Check(context.Background()); rep.CLI != nil {
		t.Fatalf("no pool configured, got %+v", rep.CLI)
	}

	pool := execpool.New(3)
	h.SetExecPool(pool)
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(context.Background(), func() error {
			<-release
			return nil
		})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for pool.Stats().InFlight != 1 {
		if time.Now().After(deadline) {
			t.Fatal("pool slot never taken")
		}
		time.Sleep(time.Millisecond)
	}

	// The rest of the report comes from cache, pool usage does not.
	rep := h.Check(context.Background())
	close(release)
	<-done
	if rep.CLI == nil || rep.CLI.Limit != 3 || rep.CLI.InFlight != 1 {
		t.Fatalf("cli = %+v, want limit 3 with 1 in flight", rep.CLI)
	}
	if rep := h.Check(context.Background()); rep.CLI.InFlight != 0 {
		t.Errorf("after release inFlight = %d", rep.CLI.InFlight)
	}
}
