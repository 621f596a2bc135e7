package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"billingengine/internal/db"
	"billingengine/internal/scheduler"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List maintenance tasks and their recent runs",
		Args:  cobra.NoArgs,
		RunE:  runTasks,
	}
	cmd.Flags().Int("history", 5, "runs to show per task (0 lists task names only)")
	return cmd
}

// HistoryReader returns recent job runs. Implemented by
// db.JobHistoryRepository.
type HistoryReader interface {
	Recent(ctx context.Context, jobType string, limit int) ([]db.JobRun, error)
}

func runTasks(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("history")
	if limit <= 0 {
		return printTasks(cmd.Context(), cmd.OutOrStdout(), nil, 0)
	}

	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	pool, err := openPool(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	return printTasks(cmd.Context(), cmd.OutOrStdout(), db.NewJobHistoryRepository(pool), limit)
}

// printTasks writes one block per task. history may be nil.
func printTasks(ctx context.Context, w io.Writer, history HistoryReader, limit int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, task := range scheduler.AllTasks {
		_, _ = fmt.Fprintf(tw, "%s\n", task)
		if history == nil {
			continue
		}
		runs, err := history.Recent(ctx, string(task), limit)
		if err != nil {
			return fmt.Errorf("reading history for %s: %w", task, err)
		}
		if len(runs) == 0 {
			_, _ = fmt.Fprintf(tw, "  (never run)\n")
		}
		for _, run := range runs {
			_, _ = fmt.Fprintf(tw, "  %s\t%s\t%d items\t%s\t%s\n",
				run.StartedAt.UTC().Format(time.RFC3339),
				run.Status,
				run.Items,
				runDuration(run),
				errText(run.Error),
			)
		}
	}
	return tw.Flush()
}

func runDuration(run db.JobRun) string {
	if run.FinishedAt == nil {
		return "-"
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func errText(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
