package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newWatermarksCmd creates the 'watermarks' subcommand, which prints the
// stored mark of every root.
func newWatermarksCmd(st *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "watermarks",
		Short: "Prints stored watermarks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := st.cfg
			// Reading marks never touches the destination.
			cfg.Ingest.DryRun = true
			appInstance, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer appInstance.Close()

			marks, err := appInstance.Store().Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load watermarks: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROOT\tWATERMARK")
			for _, root := range marks.Roots() {
				mark := marks[root]
				shown := mark.UTC().Format(time.RFC3339)
				if mark.IsZero() {
					shown = "(empty listing)"
				}
				fmt.Fprintf(w, "%s\t%s\n", root, shown)
			}
			return w.Flush()
		},
	}
}
