package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mapgen/internal/jobstore"
	"github.com/sells-group/mapgen/internal/snapshot"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted generation status of a run",
	Long:  "Reads a run straight from the store and prints its snapshot. Without --run, lists the persisted runs. Jobs another process is still running are shown as they were last persisted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		if st == nil {
			return eris.New("status: the memory store keeps nothing between processes")
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		runID, _ := cmd.Flags().GetString("run")
		asJSON, _ := cmd.Flags().GetBool("json")

		if runID == "" {
			ids, err := st.ListRunIDs(ctx)
			if err != nil {
				return eris.Wrap(err, "status: list runs")
			}
			if wantJSON(out, asJSON) {
				return writeJSON(out, ids)
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		}

		rs, err := st.LoadRun(ctx, runID)
		if err != nil {
			return eris.Wrapf(err, "status: load run %s", runID)
		}
		if rs == nil {
			return eris.Errorf("status: run %s not found", runID)
		}
		snap := snapshot.Build(jobstore.ViewOf(rs))

		if wantJSON(out, asJSON) {
			return writeJSON(out, snap)
		}
		renderSnapshot(out, snap, isTerminal(out))
		return nil
	},
}

func init() {
	statusCmd.Flags().String("run", "", "run id")
	statusCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(statusCmd)
}
