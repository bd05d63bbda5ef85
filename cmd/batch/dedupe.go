package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"trendsnap_service/internal/app/bootstrap"
	"trendsnap_service/internal/app/model"
	"trendsnap_service/internal/app/repository"
)

type dedupeStore interface {
	FindDuplicateSnapshots(ctx context.Context) ([]model.DuplicateSnapshot, error)
	DeleteSnapshots(ctx context.Context, ids []int64) (int64, error)
}

func newDedupeCmd(st *cliState) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Find snapshot rows sharing (captured_at, woeid, term_id) and optionally delete them",
		Long: `dedupe lists snapshot rows where the same term appears more than once in a
single capture for a place. The row with the lowest position is kept.

Without --apply nothing is deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd.Context(), func(app *bootstrap.App) error {
				return runDedupe(cmd.Context(), app.Store, apply, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "delete the duplicate rows")
	return cmd
}

func runDedupe(ctx context.Context, store dedupeStore, apply bool, out io.Writer) error {
	rows, err := store.FindDuplicateSnapshots(ctx)
	if err != nil {
		return err
	}
	ids := repository.DuplicatesToDelete(rows)
	if len(ids) == 0 {
		fmt.Fprintln(out, "No duplicates found.")
		return nil
	}

	fmt.Fprintf(out, "Found %d duplicate rows in %d snapshot rows:\n", len(ids), len(rows))
	for _, r := range rows {
		fmt.Fprintf(out, "  %s woeid=%d term=%d position=%d id=%d %q\n",
			r.CapturedAt.Format("2006-01-02T15:04Z"), r.WOEID, r.TermID, r.Position, r.SnapshotID, r.RawName)
	}

	if !apply {
		fmt.Fprintln(out, "Dry run. Re-run with --apply to delete.")
		return nil
	}
	deleted, err := store.DeleteSnapshots(ctx, ids)
	if err != nil {
		return fmt.Errorf("deleted %d rows before failing: %w", deleted, err)
	}
	fmt.Fprintf(out, "Deleted %d rows.\n", deleted)
	return nil
}
