package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"trendsnap_service/internal/app/bootstrap"
	"trendsnap_service/internal/app/ingest"
)

// errRunFailed は取り込みが failed で終わったことを表します。終了コードは 1 です。
var errRunFailed = errors.New("ingest run failed")

type ingester interface {
	Run(ctx context.Context, credential string) *ingest.Result
}

func newIngestCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingest for all active places and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := st.cfg.RequireCredential(); err != nil {
				return err
			}
			return st.withApp(cmd.Context(), func(app *bootstrap.App) error {
				return runIngest(cmd.Context(), app.Orchestrator, st.cfg.Upstream.BearerToken, cmd.OutOrStdout())
			})
		},
	}
}

func runIngest(ctx context.Context, ing ingester, credential string, out io.Writer) error {
	result := ing.Run(ctx, credential)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if result.Failed() {
		return errRunFailed
	}
	return nil
}
