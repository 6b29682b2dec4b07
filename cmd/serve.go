package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/slide-ingest/internal/server"
)

// newServeCmd creates the 'serve' subcommand: the control API plus a
// periodic sync of ingest.root_url every ingest.interval.
func newServeCmd(st *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the ingest service",
		Long: `Serves /healthz, /metrics and the /v1 control API, and syncs the
configured root on a fixed interval until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := st.cfg
			if cfg.Ingest.RootURL != "" {
				if err := cfg.ValidateForSync(); err != nil {
					return err
				}
			}
			appInstance, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer appInstance.Close()
			return server.New(appInstance).Run(cmd.Context())
		},
	}
	cmd.Flags().Int("listen-port", 0, "HTTP port for the control API")
	cmd.Flags().Duration("interval", 0, "time between scheduled syncs; 0 disables scheduling")
	_ = st.v.BindPFlag("server.port", cmd.Flags().Lookup("listen-port"))
	_ = st.v.BindPFlag("ingest.interval", cmd.Flags().Lookup("interval"))
	return cmd
}
