package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/warp/cable-ledger/api"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Build the results ledger from PMS and SSCM",
	Long: `Joins the open PMS tasks with the SSCM requisitions and writes the results
ledger. Without --force only units not yet in the ledger are added and
recorded consumption is kept. With --force the ledger is rebuilt and every
recorded consumption is discarded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		scheduler := api.NewSyncScheduler(a.cache, a.journal, 0, logger)
		id, report, err := scheduler.Run(cmd.Context(), api.TriggerManual, initForce)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (run %s)\n", report.Message(), id)
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Read every ledger and print a summary",
	Long: `Reads PMS, SSCM and the results ledger the way the server does, writing
missing parquet copies of the workbooks on the way. Useful to check a new
export before the server picks it up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.cache.Get(cmd.Context(), true)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "PMS tasks:     %d (%d open)\n", snap.History.Len(), snap.PMS.Len())
		fmt.Fprintf(out, "SSCM lines:    %d\n", snap.SSCM.Len())
		fmt.Fprintf(out, "Results units: %d\n", snap.Results.Len())
		if snap.DuplicateUnits > 0 {
			fmt.Fprintf(out, "Repeated unit rows dropped: %d (removed from the files on the next save)\n", snap.DuplicateUnits)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", configPath, data)
		fmt.Fprintf(cmd.OutOrStdout(), "# data dir: %s\n# journal:  %s\n", cfg.DataDir(), cfg.JournalPath())
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "rebuild the ledger, discarding recorded consumption")
}
