package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/pkg/mapgen"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll a running server until a run's questions are terminal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		server, _ := cmd.Flags().GetString("server")
		runID, _ := cmd.Flags().GetString("run")
		only, _ := cmd.Flags().GetStringSlice("question")
		interval, _ := cmd.Flags().GetDuration("interval")
		asJSON, _ := cmd.Flags().GetBool("json")
		if server == "" {
			server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}

		client := mapgen.NewClient(server)
		snap, err := client.Watch(ctx, runID, only, interval, func(s *model.GenerationSnapshot) {
			fmt.Fprintln(cmd.ErrOrStderr(), progressLine(s))
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if wantJSON(out, asJSON) {
			return writeJSON(out, snap)
		}
		renderSnapshot(out, snap, isTerminal(out))

		decision, err := client.Promotion(ctx, runID)
		if err != nil {
			return err
		}
		renderDecision(out, decision)
		return nil
	},
}

func init() {
	watchCmd.Flags().String("server", "", "server base URL (default http://localhost:<server.port>)")
	watchCmd.Flags().String("run", "", "run id")
	watchCmd.Flags().StringSlice("question", nil, "only wait for these question ids")
	watchCmd.Flags().Duration("interval", 0, "poll interval (default: server advertised)")
	watchCmd.Flags().Bool("json", false, "print the final snapshot as JSON")
	_ = watchCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(watchCmd)
}
