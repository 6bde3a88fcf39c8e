package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/port/workerbackend"
)

// stdoutIsTerminal reports whether stdout is interactive. Piped output
// defaults to JSON.
func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec // G115: file descriptors fit in int
}

// printValue writes v as indented JSON, or compact JSON when compact is set.
func printValue(w io.Writer, v any, compact bool) error {
	enc := json.NewEncoder(w)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func printTaskTable(w io.Writer, tasks []task.Task) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "No tasks found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tREPO\tBRANCH\tCREATED\tERROR")
	for i := range tasks {
		t := &tasks[i]
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Repo, t.Branch, age(t.CreatedAt), truncate(t.Error, 40))
	}
	return tw.Flush()
}

func printTask(w io.Writer, t *task.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ID:\t%s\n", t.ID)
	_, _ = fmt.Fprintf(tw, "Status:\t%s\n", t.Status)
	_, _ = fmt.Fprintf(tw, "Repo:\t%s\n", t.Repo)
	_, _ = fmt.Fprintf(tw, "Branch:\t%s (from %s)\n", t.Branch, orDash(t.BaseBranch))
	_, _ = fmt.Fprintf(tw, "Worker:\t%s\n", orDash(t.ContainerID))
	if t.Backend != "" {
		_, _ = fmt.Fprintf(tw, "Backend:\t%s\n", t.Backend)
	}
	if t.Attempts > 0 {
		_, _ = fmt.Fprintf(tw, "Attempts:\t%d\n", t.Attempts)
	}
	_, _ = fmt.Fprintf(tw, "Created:\t%s\n", t.CreatedAt.Local().Format(time.DateTime))
	if t.StartedAt != nil {
		_, _ = fmt.Fprintf(tw, "Started:\t%s\n", t.StartedAt.Local().Format(time.DateTime))
	}
	if t.CompletedAt != nil {
		_, _ = fmt.Fprintf(tw, "Completed:\t%s\n", t.CompletedAt.Local().Format(time.DateTime))
	}
	if t.PRURL != "" {
		_, _ = fmt.Fprintf(tw, "PR:\t%s (merged: %t)\n", t.PRURL, t.PRMerged)
	}
	if t.Error != "" {
		_, _ = fmt.Fprintf(tw, "Error:\t%s\n", t.Error)
	}
	_, _ = fmt.Fprintf(tw, "Prompt:\t%s\n", t.Prompt)
	return tw.Flush()
}

func printWorkerTable(w io.Writer, workers []workerbackend.TaskInfo) error {
	if len(workers) == 0 {
		_, err := fmt.Fprintln(w, "No workers found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "HANDLE\tTASK\tSTATE\tEXIT\tBACKEND")
	for i := range workers {
		wk := &workers[i]
		exit := "-"
		if wk.ExitCode != nil {
			exit = fmt.Sprint(*wk.ExitCode)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", wk.Handle, orDash(wk.TaskID), wk.State, exit, wk.Backend)
	}
	return tw.Flush()
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return d.String() + " ago"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Local().Format(time.DateOnly)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
