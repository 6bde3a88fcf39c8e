package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "squire.yaml"

// EnvConfigFile overrides DefaultConfigFile when set.
const EnvConfigFile = "SQUIRE_CONFIG"

// EnvTasksDir overrides the task store root directory.
const EnvTasksDir = "SQUIRE_TASKS_DIR"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv(EnvConfigFile); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator supplied
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
// SQUIRE_BACKEND is deliberately absent: backend selection reads it itself so
// that an explicit type from YAML or flags wins over the environment.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SQUIRE_PORT")
	setString(&cfg.Server.CORSOrigin, "SQUIRE_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimit, "SQUIRE_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "SQUIRE_RATE_BURST")

	setString(&cfg.Store.Dir, EnvTasksDir)

	setDuration(&cfg.Lock.Timeout, "SQUIRE_LOCK_TIMEOUT")
	setDuration(&cfg.Lock.StaleTimeout, "SQUIRE_LOCK_STALE_TIMEOUT")
	setDuration(&cfg.Lock.RetryMin, "SQUIRE_LOCK_RETRY_MIN")
	setDuration(&cfg.Lock.RetryMax, "SQUIRE_LOCK_RETRY_MAX")

	// Backend
	setString(&cfg.Backend.Binary, "SQUIRE_BACKEND_BINARY")
	setString(&cfg.Backend.Image, "SQUIRE_WORKER_IMAGE")
	setString(&cfg.Backend.Namespace, "SQUIRE_K8S_NAMESPACE")
	setString(&cfg.Backend.Context, "SQUIRE_K8S_CONTEXT")
	setString(&cfg.Backend.Secret, "SQUIRE_K8S_SECRET")
	setStrings(&cfg.Backend.Credentials, "SQUIRE_CREDENTIALS")
	setInt(&cfg.Backend.MemoryMB, "SQUIRE_WORKER_MEMORY_MB")
	setFloat64(&cfg.Backend.CPUs, "SQUIRE_WORKER_CPUS")
	setInt(&cfg.Backend.PidsLimit, "SQUIRE_WORKER_PIDS_LIMIT")
	setString(&cfg.Backend.NetworkMode, "SQUIRE_WORKER_NETWORK")
	setInt(&cfg.Backend.MaxParallelCLI, "SQUIRE_BACKEND_MAX_PARALLEL")
	setDuration(&cfg.Backend.StopTimeout, "SQUIRE_WORKER_STOP_TIMEOUT")
	setInt(&cfg.Backend.LogTail, "SQUIRE_WORKER_LOG_TAIL")

	// Admission
	setInt(&cfg.Admission.MaxConcurrent, "SQUIRE_MAX_CONCURRENT")
	setInt(&cfg.Admission.MaxPerRepo, "SQUIRE_MAX_PER_REPO")
	setDuration(&cfg.Admission.PollInterval, "SQUIRE_ADMISSION_POLL_INTERVAL")
	setDuration(&cfg.Admission.WaitTimeout, "SQUIRE_ADMISSION_WAIT_TIMEOUT")
	setDuration(&cfg.Admission.DispatchGrace, "SQUIRE_DISPATCH_GRACE")

	// Watch
	setDuration(&cfg.Watch.Interval, "SQUIRE_WATCH_INTERVAL")
	setBool(&cfg.Watch.AutoStart, "SQUIRE_AUTO_START")

	setDuration(&cfg.Stream.SnapshotInterval, "SQUIRE_STREAM_INTERVAL")
	setDuration(&cfg.Stream.KeepaliveInterval, "SQUIRE_STREAM_KEEPALIVE")
	setDuration(&cfg.Health.CacheTTL, "SQUIRE_HEALTH_CACHE_TTL")
	setInt64(&cfg.Cache.L1MaxSizeMB, "SQUIRE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "SQUIRE_CACHE_L2_BUCKET")

	// Optional infrastructure
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SQUIRE_PG_MAX_CONNS")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "SQUIRE_OTEL_INSECURE")
	setString(&cfg.MCP.Addr, "SQUIRE_MCP_ADDR")

	setString(&cfg.Logging.Level, "SQUIRE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SQUIRE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SQUIRE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "SQUIRE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SQUIRE_BREAKER_TIMEOUT")
}

// validate checks that required fields are set and values are usable.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must be >= 0")
	}
	if cfg.Store.Dir == "" {
		return errors.New("store.dir is required")
	}
	if cfg.Lock.Timeout <= 0 {
		return errors.New("lock.timeout must be > 0")
	}
	if cfg.Lock.StaleTimeout <= 0 {
		return errors.New("lock.stale_timeout must be > 0")
	}
	if cfg.Backend.Image == "" {
		return errors.New("backend.image is required")
	}
	if cfg.Admission.MaxConcurrent < 1 {
		return errors.New("admission.max_concurrent must be >= 1")
	}
	if cfg.Admission.MaxPerRepo < 0 {
		return errors.New("admission.max_per_repo must be >= 0")
	}
	if cfg.Admission.PollInterval <= 0 {
		return errors.New("admission.poll_interval must be > 0")
	}
	if cfg.Watch.Interval <= 0 {
		return errors.New("watch.interval must be > 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setStrings parses a comma-separated list.
func setStrings(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
