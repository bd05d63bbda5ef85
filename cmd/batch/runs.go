package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trendsnap_service/internal/app/bootstrap"
	"trendsnap_service/internal/app/model"
)

type runStore interface {
	RecentRuns(ctx context.Context, limit int) ([]model.IngestRun, error)
}

func newRunsCmd(st *cliState) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent ingest runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd.Context(), func(app *bootstrap.App) error {
				return listRuns(cmd.Context(), app.Store, limit, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	return cmd
}

func listRuns(ctx context.Context, store runStore, limit int, out io.Writer) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be positive: %d", limit)
	}
	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tCAPTURED AT\tSTATUS\tDURATION\tERRORS")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		summary := ""
		if r.ErrorSummary != nil {
			summary = *r.ErrorSummary
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.CapturedAt.UTC().Format("2006-01-02T15:04Z"), r.Status, duration, summary)
	}
	return w.Flush()
}
