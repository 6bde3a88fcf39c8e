// Command squire dispatches coding-agent tasks to container workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Strob0t/squire/internal/config"
	"github.com/Strob0t/squire/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// command is one subcommand. It receives the arguments after its name.
type command func(ctx context.Context, cfg *config.Config, args []string) error

var commands = map[string]command{
	"serve":    runServe,
	"watch":    runWatch,
	"create":   runCreate,
	"list":     runList,
	"get":      runGet,
	"start":    runStart,
	"stop":     runStop,
	"logs":     runLogs,
	"delete":   runDelete,
	"capacity": runCapacity,
	"workers":  runWorkers,
	"migrate":  runMigrate,
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		printUsage(os.Stderr)
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if len(flags.Args) == 0 {
		printUsage(os.Stderr)
		return errors.New("missing command")
	}

	name, rest := flags.Args[0], flags.Args[1:]
	switch name {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return nil
	case "version":
		fmt.Println(config.Version)
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", name)
	}

	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Long-running commands log to stdout; CLI commands keep stdout for output.
	out := io.Writer(os.Stderr)
	if name == "serve" || name == "watch" {
		out = os.Stdout
	}
	l, closer := logger.NewWithWriter(cfg.Logging, out)
	defer closer.Close()
	slog.SetDefault(l)

	slog.Debug("config loaded",
		"path", cfgPath,
		"tasks_dir", cfg.Store.Dir,
		"backend", cfg.Backend.Type,
		"max_concurrent", cfg.Admission.MaxConcurrent,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cmd(ctx, cfg, rest)
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: squire [global flags] <command> [options]

Commands:
  serve                     Run the HTTP API, status stream and watch loop
  watch                     Reconcile running tasks with their workers
  create                    Create a task (-repo owner/name -prompt text)
  list                      List tasks
  get <id>                  Show one task
  start <id>                Start a task in a container worker
  stop <id>                 Stop a task's worker
  logs <id>                 Print a task's worker output
  delete <id>               Delete a task record
  capacity                  Show the concurrency ceiling and running count
  workers                   List the workers the backend knows about
  migrate [up|down|version] Manage the task history schema
  version                   Print the squire version

Global flags:
  -c, --config PATH         YAML config file (default squire.yaml)
  --tasks-dir DIR           Task store directory
  --backend TYPE            docker | podman | kubernetes | k8s
  --log-level LEVEL         debug | info | warn | error
  -p, --port PORT           HTTP port for serve
  --max-concurrent N        Global concurrency ceiling

Examples:
  squire create -repo acme/api -prompt "fix the flaky test" -start
  squire list -status running
  squire start -force a1b2c3d4
  squire watch -auto-start -interval 30s
`)
}
