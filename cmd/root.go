// Package cmd defines and implements the CLI commands for the slide-ingest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/slide-ingest/internal/app"
	"github.com/JakeFAU/slide-ingest/internal/config"
	"github.com/JakeFAU/slide-ingest/internal/ingest"
	"github.com/JakeFAU/slide-ingest/internal/server"
	"github.com/JakeFAU/slide-ingest/internal/watermark"
)

// version is stamped at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	server.App
	Close()
	Store() watermark.Store
	SyncOnce(ctx context.Context) (ingest.Result, error)
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.NewApp(ctx, cfg)
}

// rootState is shared by the root command and its subcommands.
type rootState struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	cfg     config.Config
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	st := &rootState{v: config.New()}

	cmd := &cobra.Command{
		Use:   "slide-ingest",
		Short: "Incrementally ingests TCGA whole-slide images into Girder.",
		Long: `slide-ingest walks an Apache directory listing of .svs slides, keeps a
per-root watermark of the newest modification time it has delivered, and
registers every newer slide in Girder as a folder/item pair with its
barcode fields attached as metadata.`,
		SilenceUsage: true,

		// Config is loaded here so flags bound to viper by subcommands
		// take precedence over the file and the environment.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadWith(st.v, st.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if st.verbose {
				cfg.Logging.Level = "debug"
			}
			if cfg.Telemetry.Version == "" {
				cfg.Telemetry.Version = version
			}
			st.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&st.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().BoolVarP(&st.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newSyncCmd(st))
	cmd.AddCommand(newServeCmd(st))
	cmd.AddCommand(newWatermarksCmd(st))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the build version",
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

// buildApp constructs the application for cfg and logs initialization failures.
func buildApp(ctx context.Context, cfg config.Config) (App, error) {
	appInstance, err := newApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	if appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger, lerr := zap.NewProduction()
		if lerr != nil {
			fmt.Fprintf(os.Stderr, "command execution failed: %v\n", err)
			os.Exit(1)
		}
		logger.Fatal("Command execution failed", zap.Error(err))
	}
}
