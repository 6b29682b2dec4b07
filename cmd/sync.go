package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/slide-ingest/internal/metrics"
)

// syncFlags maps command-line flags onto config keys.
var syncFlags = map[string]string{
	"host":           "girder.host",
	"port":           "girder.port",
	"scheme":         "girder.scheme",
	"api-root":       "girder.api_root",
	"username":       "girder.username",
	"password":       "girder.password",
	"api-key":        "girder.api_key",
	"parent-type":    "ingest.parent_type",
	"parent-id":      "ingest.parent_id",
	"root-url":       "ingest.root_url",
	"dry-run":        "ingest.dry_run",
	"skip-malformed": "ingest.skip_malformed",
	"prefix":         "barcode.prefix",
	"stamps":         "watermark.file.path",
	"backend":        "watermark.backend",
}

// newSyncCmd creates and configures the 'sync' subcommand.
// It runs one incremental pass and exits non-zero if the run aborted.
func newSyncCmd(st *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Runs one incremental sync",
		Long: `Walks the listing root, delivers every slide modified after the stored
watermark, and advances the watermark only if every delivery succeeded.
A failed run leaves the watermark untouched, so rerunning is always safe.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, st)
		},
	}

	f := cmd.Flags()
	f.String("host", "", "Girder host")
	f.Int("port", 0, "Girder port")
	f.String("scheme", "", "Girder scheme (http or https)")
	f.String("api-root", "", "Girder API root path")
	f.String("username", "", "Girder username")
	f.String("password", "", "Girder password")
	f.String("api-key", "", "Girder API key (preferred over username/password)")
	f.String("parent-type", "", "destination parent type (collection, folder or user)")
	f.String("parent-id", "", "destination parent id")
	f.String("root-url", "", "listing root URL to crawl")
	f.Bool("dry-run", false, "crawl and parse without writing to Girder")
	f.Bool("skip-malformed", false, "skip unparsable filenames instead of aborting")
	f.String("prefix", "", "expected barcode prefix")
	f.String("stamps", "", "watermark file path for the file backend")
	f.String("backend", "", "watermark backend (file, postgres, sqlite, gcs, memory)")
	for flag, key := range syncFlags {
		_ = st.v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func runSync(cmd *cobra.Command, st *rootState) error {
	cfg := st.cfg
	if err := cfg.ValidateForSync(); err != nil {
		return err
	}

	appInstance, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer appInstance.Close()
	logger := appInstance.Logger()

	res, syncErr := appInstance.SyncOnce(cmd.Context())

	if err := metrics.Push(cmd.Context(), cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		logger.Warn("Failed to push metrics", zap.Error(err))
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(out)); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if syncErr != nil {
		return syncErr
	}
	logger.Info("Sync command finished.", zap.Int("ingested", res.Ingested))
	return nil
}
