package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/observability"
	"github.com/xkilldash9x/helix-cli/internal/orchestrator"
	"github.com/xkilldash9x/helix-cli/internal/service"
)

// builder is the part of the orchestrator the commands drive.
type builder interface {
	Update(ctx context.Context, opts orchestrator.Options) error
	RestartLive(ctx context.Context) error
}

// newBuilder creates the production components. Replaced in tests.
var newBuilder = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (builder, func(), error) {
	components, err := service.NewComponentFactory().Create(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize build components: %w", err)
	}
	return components.Orchestrator, components.Shutdown, nil
}

func newUpdateCmd() *cobra.Command {
	var (
		opts         orchestrator.Options
		versionsFrom string
	)

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Build a new version of the graph and promote it to live",
		Long: `Builds the graph in the dev environment and promotes it to live.

With --download every source is probed and the sources whose version changed are
downloaded again. Without it the versions of the live build are carried forward
(or those of another configuration's live build, with --versions-from) and the
cached files are parsed again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}

			if versionsFrom != "" {
				if opts.Download {
					logger.Warn("--versions-from has no effect together with --download")
				} else {
					alt, err := loadConfig(viper.New(), versionsFrom)
					if err != nil {
						return fmt.Errorf("failed to load --versions-from configuration: %w", err)
					}
					opts.VersionsFrom = alt
				}
			}
			if opts.Force && !opts.Download {
				logger.Warn("--force has no effect without --download")
			}

			b, shutdown, err := newBuilder(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer shutdown()

			if err := b.Update(ctx, opts); err != nil {
				return fmt.Errorf("update failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Update complete; the new build is live.")
			return nil
		},
	}

	updateCmd.Flags().BoolVar(&opts.Download, "download", false, "probe the sources and download the ones that changed")
	updateCmd.Flags().BoolVar(&opts.Force, "force", false, "download every source even if its version did not change")
	updateCmd.Flags().BoolVar(&opts.CreateEmbeddings, "create-embeddings", false, "carry over or compute vector embeddings")
	updateCmd.Flags().StringVar(&versionsFrom, "versions-from", "", "configuration file whose live build supplies the versions")
	return updateCmd
}

func newRestartLiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart-live",
		Short: "Restart the live environment on the build it is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			b, shutdown, err := newBuilder(ctx, cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer shutdown()

			if err := b.RestartLive(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Live environment restarted.")
			return nil
		},
	}
}
