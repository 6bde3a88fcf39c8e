package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/Strob0t/squire/internal/config"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/service"
)

// parseWithID parses flags given before or after a single positional task ID.
func parseWithID(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() == 0 {
		return "", fmt.Errorf("%s: task id is required", fs.Name())
	}
	id := fs.Arg(0)
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("%s: unexpected arguments %v", fs.Name(), fs.Args())
	}
	return id, nil
}

// withApp runs fn with a wired app and waits for background dispatches
// before returning, so a start issued from the CLI reaches the backend.
func withApp(ctx context.Context, cfg *config.Config, fn func(a *app) error) error {
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	err = fn(a)
	a.tasks.Wait()
	return err
}

// emit prints v as JSON when asked for or when stdout is not a terminal,
// otherwise through table.
func emit(asJSON bool, v any, table func() error) error {
	if asJSON || !stdoutIsTerminal() {
		return printValue(os.Stdout, v, false)
	}
	return table()
}

func runCreate(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository as owner/name (required)")
	prompt := fs.String("prompt", "", "instructions for the coding agent (required)")
	branch := fs.String("branch", "", "work branch (default squire/<id>)")
	base := fs.String("base", "", "base branch (default: repository default)")
	start := fs.Bool("start", false, "start the task right away")
	force := fs.Bool("force", false, "with -start, skip the concurrency ceiling")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withApp(ctx, cfg, func(a *app) error {
		t, err := a.tasks.Create(ctx, task.CreateRequest{
			Repo:       *repo,
			Prompt:     *prompt,
			Branch:     *branch,
			BaseBranch: *base,
		})
		if err != nil {
			return err
		}
		if *start {
			if t, err = a.tasks.Start(ctx, t.ID, service.StartOptions{Force: *force}); err != nil {
				return fmt.Errorf("task created but not started: %w", err)
			}
		}
		return emit(*asJSON, t, func() error { return printTask(os.Stdout, t) })
	})
}

func runList(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "only tasks with this status")
	repo := fs.String("repo", "", "only tasks for this repository")
	limit := fs.Int("limit", 0, "maximum number of tasks")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	f := task.ListFilter{Status: task.Status(*status), Repo: *repo, Limit: *limit}
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("unknown status %q", *status)
	}

	return withApp(ctx, cfg, func(a *app) error {
		tasks, err := a.tasks.List(ctx, f)
		if err != nil {
			return err
		}
		if tasks == nil {
			tasks = []task.Task{}
		}
		return emit(*asJSON, tasks, func() error { return printTaskTable(os.Stdout, tasks) })
	})
}

func runGet(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	return withApp(ctx, cfg, func(a *app) error {
		t, err := a.tasks.Get(ctx, id)
		if err != nil {
			return err
		}
		return emit(*asJSON, t, func() error { return printTask(os.Stdout, t) })
	})
}

func runStart(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	force := fs.Bool("force", false, "skip the concurrency ceiling")
	wait := fs.Bool("wait", false, "wait for a free slot instead of failing at capacity")
	image := fs.String("image", "", "worker image override")
	asJSON := fs.Bool("json", false, "print JSON")
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}

	return withApp(ctx, cfg, func(a *app) error {
		opts := service.StartOptions{Force: *force, Image: *image}
		start := a.tasks.Start
		if *wait && !*force {
			start = a.tasks.StartWhenAdmitted
		}
		t, err := start(ctx, id, opts)
		if err != nil {
			var capErr *service.CapacityError
			if errors.As(err, &capErr) {
				return fmt.Errorf("%w (use -wait or -force)", err)
			}
			return err
		}
		return emit(*asJSON, t, func() error { return printTask(os.Stdout, t) })
	})
}

func runStop(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	return withApp(ctx, cfg, func(a *app) error {
		t, err := a.tasks.Stop(ctx, id)
		if err != nil {
			return err
		}
		return emit(*asJSON, t, func() error { return printTask(os.Stdout, t) })
	})
}

func runLogs(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	return withApp(ctx, cfg, func(a *app) error {
		out, err := a.tasks.Logs(ctx, id)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(os.Stdout, out)
		return err
	})
}

func runDelete(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	id, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	return withApp(ctx, cfg, func(a *app) error {
		deleted, err := a.tasks.Delete(ctx, id)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("task %s not found", id)
		}
		fmt.Fprintf(os.Stderr, "Task %s deleted\n", id)
		return nil
	})
}

func runCapacity(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("capacity", flag.ContinueOnError)
	repo := fs.String("repo", "", "also apply the per-repository ceiling for this repository")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(ctx, cfg, func(a *app) error {
		var (
			d   service.Decision
			err error
		)
		if *repo != "" {
			d, err = a.admission.CanStartRepo(ctx, *repo)
		} else {
			d, err = a.admission.CanStart(ctx, 0)
		}
		if err != nil {
			return err
		}
		return emit(*asJSON, d, func() error {
			fmt.Printf("Running: %d/%d\n", d.Running, d.Max)
			if d.Repo != "" && d.RepoMax > 0 {
				fmt.Printf("Repo %s: %d/%d\n", d.Repo, d.RepoRunning, d.RepoMax)
			}
			if d.Allowed {
				fmt.Println("A task can start now.")
			} else {
				fmt.Printf("At capacity (%s).\n", d.Reason)
			}
			return nil
		})
	})
}

func runWorkers(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("workers", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(ctx, cfg, func(a *app) error {
		workers, err := a.tasks.Workers(ctx)
		if err != nil {
			return err
		}
		return emit(*asJSON, workers, func() error { return printWorkerTable(os.Stdout, workers) })
	})
}
