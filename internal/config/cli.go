package config

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// CLIFlags holds global command-line overrides. A nil field means the flag
// was not given and the lower layers decide.
type CLIFlags struct {
	ConfigPath    *string
	TasksDir      *string
	Backend       *string
	LogLevel      *string
	Port          *string
	MaxConcurrent *int

	// Args holds the remaining positional arguments (subcommand and its flags).
	Args []string
}

// ParseFlags parses global flags that precede the subcommand.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("squire", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "shorthand for --config")
	tasksDir := fs.String("tasks-dir", "", "task store root directory")
	backend := fs.String("backend", "", "worker backend (docker|podman|kubernetes|k8s)")
	logLevel := fs.String("log-level", "", "log level (debug|info|warn|error)")
	port := fs.String("port", "", "HTTP port for serve")
	fs.StringVar(port, "p", "", "shorthand for --port")
	maxConcurrent := fs.Int("max-concurrent", 0, "global concurrency ceiling")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	var out CLIFlags
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			out.ConfigPath = configPath
		case "tasks-dir":
			out.TasksDir = tasksDir
		case "backend":
			out.Backend = backend
		case "log-level":
			out.LogLevel = logLevel
		case "port", "p":
			out.Port = port
		case "max-concurrent":
			out.MaxConcurrent = maxConcurrent
		}
	})
	out.Args = fs.Args()
	return out, nil
}

// LoadWithCLI loads configuration with the full hierarchy
// defaults < YAML < ENV < CLI and returns the resolved YAML path.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if v := os.Getenv(EnvConfigFile); v != "" {
		path = v
	}
	if flags.ConfigPath != nil {
		path = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

// applyCLI overlays the non-nil CLI flags onto cfg.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.TasksDir != nil {
		cfg.Store.Dir = *flags.TasksDir
	}
	if flags.Backend != nil {
		cfg.Backend.Type = *flags.Backend
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.MaxConcurrent != nil {
		cfg.Admission.MaxConcurrent = *flags.MaxConcurrent
	}
}
