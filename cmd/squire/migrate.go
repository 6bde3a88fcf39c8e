package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/Strob0t/squire/internal/adapter/postgres"
	"github.com/Strob0t/squire/internal/config"
)

// runMigrate manages the task history schema: up (default), down [steps],
// version.
func runMigrate(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("migrate: postgres.dsn (DATABASE_URL) is not set")
	}

	action := "up"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}

	switch action {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	case "down":
		steps := 1
		if fs.NArg() > 1 {
			n, err := strconv.Atoi(fs.Arg(1))
			if err != nil || n < 1 {
				return fmt.Errorf("migrate down: invalid step count %q", fs.Arg(1))
			}
			steps = n
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("migrate: unknown action %q (up|down|version)", action)
	}

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d\n", v)
	return nil
}
