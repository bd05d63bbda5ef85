package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"trendsnap_service/internal/app/bootstrap"
	"trendsnap_service/internal/app/config"
	"trendsnap_service/internal/app/logging"
)

// opener は依存関係を組み立てます。テストでは差し替えます。
type opener func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*bootstrap.App, error)

// cliState はサブコマンド間で共有する状態です。
type cliState struct {
	cfgFile string
	verbose bool
	cfg     config.Config
	logger  *slog.Logger
	open    opener
}

func newRootCmd(open opener) *cobra.Command {
	st := &cliState{open: open}

	root := &cobra.Command{
		Use:   "trendsnap-batch",
		Short: "Trend snapshot ingestion and maintenance",
		Long: `trendsnap-batch runs the hourly trend ingestion and maintenance tasks.

Example usage:
  trendsnap-batch ingest              # Fetch and store trends for all active places
  trendsnap-batch dedupe              # Report duplicate snapshot rows
  trendsnap-batch dedupe --apply      # Delete duplicates, keeping the best position
  trendsnap-batch seed-places         # Upsert the default places
  trendsnap-batch runs --limit 5      # Show recent ingest runs`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(st.cfgFile)
			if err != nil {
				return err
			}
			if st.verbose {
				cfg.Log.Level = "debug"
			}
			st.cfg = cfg
			st.logger = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cmd.ErrOrStderr()})
			return nil
		},
	}

	root.PersistentFlags().StringVar(&st.cfgFile, "config", "", "config file (default is ./configs/config.yaml or ./config.yaml)")
	root.PersistentFlags().BoolVarP(&st.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newIngestCmd(st),
		newDedupeCmd(st),
		newSeedPlacesCmd(st),
		newRunsCmd(st),
	)
	return root
}

// withApp は依存関係を開いて fn を実行し、終わったら閉じます。
func (st *cliState) withApp(ctx context.Context, fn func(app *bootstrap.App) error) error {
	app, err := st.open(ctx, st.cfg, st.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			st.logger.Warn("failed to close resources", "error", err)
		}
	}()
	return fn(app)
}
