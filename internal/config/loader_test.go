package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Admission.MaxConcurrent != 5 {
		t.Errorf("expected max_concurrent 5, got %d", cfg.Admission.MaxConcurrent)
	}
	if cfg.Watch.Interval != 10*time.Second {
		t.Errorf("expected watch interval 10s, got %v", cfg.Watch.Interval)
	}
	if cfg.Stream.SnapshotInterval != 2*time.Second {
		t.Errorf("expected snapshot interval 2s, got %v", cfg.Stream.SnapshotInterval)
	}
	if cfg.Stream.KeepaliveInterval != 15*time.Second {
		t.Errorf("expected keepalive 15s, got %v", cfg.Stream.KeepaliveInterval)
	}
	if !strings.HasSuffix(cfg.Store.Dir, filepath.Join(".squire", "tasks")) {
		t.Errorf("expected store dir under .squire/tasks, got %s", cfg.Store.Dir)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
store:
  dir: "/var/lib/squire/tasks"
backend:
  type: "kubernetes"
  namespace: "agents"
  credentials: ["GITHUB_TOKEN"]
admission:
  max_concurrent: 12
  max_per_repo: 2
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Store.Dir != "/var/lib/squire/tasks" {
		t.Errorf("expected store dir override, got %s", cfg.Store.Dir)
	}
	if cfg.Backend.Type != "kubernetes" || cfg.Backend.Namespace != "agents" {
		t.Errorf("expected kubernetes/agents, got %s/%s", cfg.Backend.Type, cfg.Backend.Namespace)
	}
	if len(cfg.Backend.Credentials) != 1 || cfg.Backend.Credentials[0] != "GITHUB_TOKEN" {
		t.Errorf("expected credentials [GITHUB_TOKEN], got %v", cfg.Backend.Credentials)
	}
	if cfg.Admission.MaxConcurrent != 12 || cfg.Admission.MaxPerRepo != 2 {
		t.Errorf("expected admission 12/2, got %d/%d", cfg.Admission.MaxConcurrent, cfg.Admission.MaxPerRepo)
	}
	// Unchanged fields keep defaults
	if cfg.Lock.StaleTimeout != 30*time.Second {
		t.Errorf("expected default stale timeout, got %v", cfg.Lock.StaleTimeout)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("server: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("SQUIRE_PORT", "7070")
	t.Setenv("SQUIRE_TASKS_DIR", "/tmp/squire-tasks")
	t.Setenv("SQUIRE_MAX_CONCURRENT", "3")
	t.Setenv("SQUIRE_LOCK_TIMEOUT", "2s")
	t.Setenv("SQUIRE_CREDENTIALS", "A_TOKEN, B_TOKEN ,")
	t.Setenv("SQUIRE_AUTO_START", "true")
	t.Setenv("SQUIRE_WORKER_CPUS", "1.5")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Store.Dir != "/tmp/squire-tasks" {
		t.Errorf("expected tasks dir override, got %s", cfg.Store.Dir)
	}
	if cfg.Admission.MaxConcurrent != 3 {
		t.Errorf("expected max_concurrent 3, got %d", cfg.Admission.MaxConcurrent)
	}
	if cfg.Lock.Timeout != 2*time.Second {
		t.Errorf("expected lock timeout 2s, got %v", cfg.Lock.Timeout)
	}
	if len(cfg.Backend.Credentials) != 2 || cfg.Backend.Credentials[1] != "B_TOKEN" {
		t.Errorf("expected [A_TOKEN B_TOKEN], got %v", cfg.Backend.Credentials)
	}
	if !cfg.Watch.AutoStart {
		t.Error("expected auto_start true")
	}
	if cfg.Backend.CPUs != 1.5 {
		t.Errorf("expected cpus 1.5, got %v", cfg.Backend.CPUs)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
}

func TestEnvInvalidValuesIgnored(t *testing.T) {
	cfg := Defaults()
	t.Setenv("SQUIRE_MAX_CONCURRENT", "lots")
	t.Setenv("SQUIRE_LOCK_TIMEOUT", "soon")

	loadEnv(&cfg)

	if cfg.Admission.MaxConcurrent != 5 {
		t.Errorf("expected default max_concurrent, got %d", cfg.Admission.MaxConcurrent)
	}
	if cfg.Lock.Timeout != 10*time.Second {
		t.Errorf("expected default lock timeout, got %v", cfg.Lock.Timeout)
	}
}

func TestEnvDoesNotSetBackendType(t *testing.T) {
	cfg := Defaults()
	t.Setenv("SQUIRE_BACKEND", "kubernetes")

	loadEnv(&cfg)

	if cfg.Backend.Type != "" {
		t.Errorf("backend type must stay empty for detection, got %q", cfg.Backend.Type)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty store dir",
			modify: func(c *Config) { c.Store.Dir = "" },
			errMsg: "store.dir is required",
		},
		{
			name:   "zero lock timeout",
			modify: func(c *Config) { c.Lock.Timeout = 0 },
			errMsg: "lock.timeout must be > 0",
		},
		{
			name:   "zero stale timeout",
			modify: func(c *Config) { c.Lock.StaleTimeout = 0 },
			errMsg: "lock.stale_timeout must be > 0",
		},
		{
			name:   "empty image",
			modify: func(c *Config) { c.Backend.Image = "" },
			errMsg: "backend.image is required",
		},
		{
			name:   "zero max concurrent",
			modify: func(c *Config) { c.Admission.MaxConcurrent = 0 },
			errMsg: "admission.max_concurrent must be >= 1",
		},
		{
			name:   "negative per repo",
			modify: func(c *Config) { c.Admission.MaxPerRepo = -1 },
			errMsg: "admission.max_per_repo must be >= 0",
		},
		{
			name:   "zero poll interval",
			modify: func(c *Config) { c.Admission.PollInterval = 0 },
			errMsg: "admission.poll_interval must be > 0",
		},
		{
			name:   "zero watch interval",
			modify: func(c *Config) { c.Watch.Interval = 0 },
			errMsg: "watch.interval must be > 0",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestParseFlags(t *testing.T) {
	flags, err := ParseFlags([]string{"--tasks-dir", "/srv/tasks", "--log-level", "debug", "list", "-status", "running"})
	if err != nil {
		t.Fatal(err)
	}

	if flags.TasksDir == nil || *flags.TasksDir != "/srv/tasks" {
		t.Errorf("expected tasks dir /srv/tasks, got %v", flags.TasksDir)
	}
	if flags.LogLevel == nil || *flags.LogLevel != "debug" {
		t.Errorf("expected log-level debug, got %v", flags.LogLevel)
	}
	// Unset flags remain nil
	if flags.Backend != nil {
		t.Errorf("expected nil backend, got %v", *flags.Backend)
	}
	if flags.ConfigPath != nil {
		t.Errorf("expected nil ConfigPath, got %v", *flags.ConfigPath)
	}
	want := []string{"list", "-status", "running"}
	if strings.Join(flags.Args, " ") != strings.Join(want, " ") {
		t.Errorf("expected args %v, got %v", want, flags.Args)
	}
}

func TestParseFlagsShorthand(t *testing.T) {
	flags, err := ParseFlags([]string{"-p", "7070", "-c", "custom.yaml", "serve"})
	if err != nil {
		t.Fatal(err)
	}

	if flags.Port == nil || *flags.Port != "7070" {
		t.Errorf("expected port 7070, got %v", flags.Port)
	}
	if flags.ConfigPath == nil || *flags.ConfigPath != "custom.yaml" {
		t.Errorf("expected config custom.yaml, got %v", flags.ConfigPath)
	}
}

func TestParseFlagsInvalid(t *testing.T) {
	_, err := ParseFlags([]string{"--unknown-flag"})
	if err == nil {
		t.Error("expected error for unknown flag, got nil")
	}
}

func TestApplyCLINilFlags(t *testing.T) {
	cfg := Defaults()
	original := cfg

	applyCLI(&cfg, CLIFlags{})

	if cfg.Server.Port != original.Server.Port {
		t.Errorf("port changed from %s to %s", original.Server.Port, cfg.Server.Port)
	}
	if cfg.Backend.Type != original.Backend.Type {
		t.Errorf("backend changed from %q to %q", original.Backend.Type, cfg.Backend.Type)
	}
}

func TestCLIOverridesEnv(t *testing.T) {
	t.Setenv("SQUIRE_TASKS_DIR", "/from/env")
	t.Setenv("SQUIRE_MAX_CONCURRENT", "9")
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "absent.yaml"))

	flags, err := ParseFlags([]string{"--tasks-dir", "/from/cli", "--max-concurrent", "2", "--backend", "k8s"})
	if err != nil {
		t.Fatal(err)
	}

	cfg, _, err := LoadWithCLI(flags)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Store.Dir != "/from/cli" {
		t.Errorf("expected CLI tasks dir to override ENV, got %s", cfg.Store.Dir)
	}
	if cfg.Admission.MaxConcurrent != 2 {
		t.Errorf("expected CLI max-concurrent 2, got %d", cfg.Admission.MaxConcurrent)
	}
	if cfg.Backend.Type != "k8s" {
		t.Errorf("expected backend k8s, got %q", cfg.Backend.Type)
	}
}

func TestLoadWithCLICustomConfig(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "custom.yaml")
	content := `
server:
  port: "5555"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	flags, err := ParseFlags([]string{"--config", yamlPath})
	if err != nil {
		t.Fatal(err)
	}

	cfg, resolvedPath, err := LoadWithCLI(flags)
	if err != nil {
		t.Fatal(err)
	}

	if resolvedPath != yamlPath {
		t.Errorf("expected resolved path %s, got %s", yamlPath, resolvedPath)
	}
	if cfg.Server.Port != "5555" {
		t.Errorf("expected port 5555 from custom YAML, got %s", cfg.Server.Port)
	}
}
