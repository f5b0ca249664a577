// Command twdata keeps the local Taiwan end-of-day store complete: it lists
// gaps, backfills them through the source failover chains and maintains the
// entity universe.
//
// Usage:
//
//	twdata --config config/twdata.yaml backfill --entities 2330,2317 --dry-run
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"twdata/internal/config"
	"twdata/internal/util"
)

var (
	cfgFile string

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	rootCmd = &cobra.Command{
		Use:   "twdata",
		Short: "Taiwan end-of-day data reconciliation and backfill",
		Long: `twdata detects missing daily bars, institutional flows and weekly
shareholding distribution in the local store, fetches them from the
configured sources in rank order and reconciles the results.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $TWDATA_CONFIG or config/twdata.yaml)")

	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(gapsCmd)
	rootCmd.AddCommand(syncEntitiesCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func initConfig() error {
	path := cfgFile
	if path == "" {
		path = os.Getenv("TWDATA_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("config/twdata.yaml"); err == nil {
			path = "config/twdata.yaml"
		}
	}

	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return err
	}

	// stdout carries the JSON reports.
	logger, logCloser = util.NewLogger(util.LogOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Output:     os.Stderr,
	})
	util.SetDefault(logger)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
