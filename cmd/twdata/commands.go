package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"twdata/internal/backfill"
	"twdata/internal/gather"
	"twdata/internal/gather/tw"
)

var (
	reqEntities     []string
	reqLookbackDays int
	reqKinds        []string
	dryRun          bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Detect and fill gaps across all configured sources",
	Long: `Run one backfill pass. Reference entities are filled first and the
trading calendar is refreshed from them; every other entity follows on a
bounded worker pool. The JSON summary is printed to stdout and the command
exits non-zero when the run failed.

Example:
  twdata backfill
  twdata backfill --entities 2330,6488 --kinds price,flow --lookback-days 90
  twdata backfill --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest()
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.orch.Backfill(cmd.Context(), req)
		if s != nil {
			if perr := printJSON(cmd, s); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		if s.Failed {
			return fmt.Errorf("backfill %s failed with %d error(s)", s.RunID, len(s.Errors))
		}
		return nil
	},
}

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "List outstanding gaps without fetching or writing",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest()
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.orch.Gaps(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var syncEntitiesCmd = &cobra.Command{
	Use:   "sync-entities",
	Short: "Refresh entity metadata from the exchange listing pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.orch.SyncEntities(cmd.Context(), tw.NewListing(cfg, logger), dryRun)
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete entities outside the common-stock universe with all their rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.orch.Cleanup(cmd.Context(), dryRun)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"removed": removed, "dry_run": dryRun})
	},
}

func init() {
	for _, c := range []*cobra.Command{backfillCmd, gapsCmd} {
		c.Flags().StringSliceVar(&reqEntities, "entities", nil,
			"entity codes to process (default: every entity passing the inclusion rule)")
		c.Flags().IntVar(&reqLookbackDays, "lookback-days", 0,
			"gap detection lookback in calendar days (default: gaps.lookback_days)")
		c.Flags().StringSliceVar(&reqKinds, "kinds", nil,
			"data kinds: price, flow, distribution (default: backfill.kinds)")
	}
	backfillCmd.Flags().BoolVar(&dryRun, "dry-run", false, "roll back every write")
	syncEntitiesCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without writing")
	cleanupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list entities without deleting")
}

func buildRequest() (backfill.Request, error) {
	req := backfill.Request{
		Entities:     reqEntities,
		LookbackDays: reqLookbackDays,
		DryRun:       dryRun,
	}
	if len(reqKinds) > 0 {
		kinds, err := gather.ParseKinds(reqKinds)
		if err != nil {
			return req, err
		}
		req.Kinds = kinds
	}
	return req, nil
}
