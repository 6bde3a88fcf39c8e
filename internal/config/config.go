// Package config provides hierarchical configuration loading for squire.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Version is the build version, set with -ldflags "-X .../config.Version=...".
var Version = "dev"

// Config holds all runtime configuration for squire.
type Config struct {
	Server    Server    `yaml:"server"`
	Store     Store     `yaml:"store"`
	Lock      Lock      `yaml:"lock"`
	Backend   Backend   `yaml:"backend"`
	Admission Admission `yaml:"admission"`
	Watch     Watch     `yaml:"watch"`
	Stream    Stream    `yaml:"stream"`
	Health    Health    `yaml:"health"`
	Cache     Cache     `yaml:"cache"`
	Postgres  Postgres  `yaml:"postgres"`
	NATS      NATS      `yaml:"nats"`
	OTEL      OTEL      `yaml:"otel"`
	MCP       MCP       `yaml:"mcp"`
	Logging   Logging   `yaml:"logging"`
	Breaker   Breaker   `yaml:"breaker"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string  `yaml:"port"`
	CORSOrigin string  `yaml:"cors_origin"`
	RateLimit  float64 `yaml:"rate_limit"` // mutating API calls per second per client; 0 = off
	RateBurst  int     `yaml:"rate_burst"`
}

// Store holds task store configuration.
type Store struct {
	Dir string `yaml:"dir"` // one JSON file per task lives here
}

// Lock holds per-task-file lock configuration.
type Lock struct {
	Timeout      time.Duration `yaml:"timeout"`       // total acquisition budget
	StaleTimeout time.Duration `yaml:"stale_timeout"` // age after which a lock is reclaimed
	RetryMin     time.Duration `yaml:"retry_min"`
	RetryMax     time.Duration `yaml:"retry_max"`
}

// Backend holds worker backend configuration shared by the docker and
// kubernetes variants.
type Backend struct {
	Type           string        `yaml:"type"`             // "docker" | "kubernetes"; empty = detect
	Binary         string        `yaml:"binary"`           // CLI binary override ("podman", "/usr/local/bin/kubectl")
	Image          string        `yaml:"image"`            // worker image
	Namespace      string        `yaml:"namespace"`        // kubernetes only
	Context        string        `yaml:"context"`          // kubernetes only (kubectl --context)
	Secret         string        `yaml:"secret"`           // kubernetes only: secret mounted via envFrom
	Credentials    []string      `yaml:"credentials"`      // host env vars forwarded into the worker
	MemoryMB       int           `yaml:"memory_mb"`        // per-worker memory limit
	CPUs           float64       `yaml:"cpus"`             // per-worker CPU limit
	PidsLimit      int           `yaml:"pids_limit"`       // docker only
	NetworkMode    string        `yaml:"network_mode"`     // docker only
	MaxParallelCLI int           `yaml:"max_parallel_cli"` // concurrent docker/kubectl invocations
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	LogTail        int           `yaml:"log_tail"` // lines returned by Logs; 0 = all
}

// Admission holds concurrency ceiling configuration.
type Admission struct {
	MaxConcurrent int           `yaml:"max_concurrent"` // global ceiling
	MaxPerRepo    int           `yaml:"max_per_repo"`   // 0 = no per-repo ceiling
	PollInterval  time.Duration `yaml:"poll_interval"`  // WaitForSlot cadence
	WaitTimeout   time.Duration `yaml:"wait_timeout"`   // WaitForSlot bound
	DispatchGrace time.Duration `yaml:"dispatch_grace"` // running-without-handle tolerance
}

// Watch holds reconciliation loop configuration.
type Watch struct {
	Interval  time.Duration `yaml:"interval"`
	AutoStart bool          `yaml:"auto_start"`
}

// Stream holds dashboard status stream configuration.
type Stream struct {
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// Health holds health check configuration.
type Health struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Cache holds health-report cache configuration.
type Cache struct {
	L1MaxSizeMB int64  `yaml:"l1_max_size_mb"`
	L2Bucket    string `yaml:"l2_bucket"` // NATS KV bucket; used only when NATS is configured
}

// Postgres holds the optional task history database configuration.
// An empty DSN disables the history store.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds the optional NATS JetStream configuration.
// An empty URL disables event publishing.
type NATS struct {
	URL string `yaml:"url"`
}

// OTEL holds OpenTelemetry exporter configuration.
// An empty endpoint keeps the no-op global providers.
type OTEL struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// MCP holds the optional MCP server configuration.
type MCP struct {
	Addr string `yaml:"addr"` // empty = disabled
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration for backend starts.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
			RateLimit:  5,
			RateBurst:  20,
		},
		Store: Store{
			Dir: defaultStoreDir(),
		},
		Lock: Lock{
			Timeout:      10 * time.Second,
			StaleTimeout: 30 * time.Second,
			RetryMin:     50 * time.Millisecond,
			RetryMax:     time.Second,
		},
		Backend: Backend{
			Image: "ghcr.io/strob0t/squire-worker:latest",
			Credentials: []string{
				"GITHUB_TOKEN",
				"GH_TOKEN",
				"ANTHROPIC_API_KEY",
				"CLAUDE_CODE_OAUTH_TOKEN",
			},
			Namespace:      "default",
			MemoryMB:       4096,
			CPUs:           2,
			PidsLimit:      512,
			MaxParallelCLI: 4,
			StopTimeout:    10 * time.Second,
			LogTail:        1000,
		},
		Admission: Admission{
			MaxConcurrent: 5,
			PollInterval:  5 * time.Second,
			WaitTimeout:   30 * time.Minute,
			DispatchGrace: time.Minute,
		},
		Watch: Watch{
			Interval: 10 * time.Second,
		},
		Stream: Stream{
			SnapshotInterval:  2 * time.Second,
			KeepaliveInterval: 15 * time.Second,
		},
		Health: Health{
			CacheTTL: 5 * time.Second,
		},
		Cache: Cache{
			L1MaxSizeMB: 8,
			L2Bucket:    "SQUIRE_HEALTH",
		},
		Postgres: Postgres{
			MaxConns:        5,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		OTEL: OTEL{
			ServiceName: "squire",
		},
		Logging: Logging{
			Level:   "info",
			Service: "squire",
		},
		Breaker: Breaker{
			MaxFailures: 3,
			Timeout:     time.Minute,
		},
	}
}

// defaultStoreDir returns ~/.squire/tasks, or a relative fallback when the
// home directory cannot be resolved.
func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".squire", "tasks")
	}
	return filepath.Join(home, ".squire", "tasks")
}
