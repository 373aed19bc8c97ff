package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mapgen/internal/jobstore"
	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/registry"
	"github.com/sells-group/mapgen/internal/scheduler"
	"github.com/sells-group/mapgen/pkg/mapgen"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate and validate mappings in-process",
	Long:  "Registers the questions from a fixture file, generates mappings for all of them (or the selected ones), polls until every selected question is terminal, and prints the result.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path, _ := cmd.Flags().GetString("questions")
		runID, _ := cmd.Flags().GetString("run")
		only, _ := cmd.Flags().GetStringSlice("question")
		replace, _ := cmd.Flags().GetBool("replace")
		k, _ := cmd.Flags().GetInt("k")
		strategy, _ := cmd.Flags().GetString("strategy")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		interval, _ := cmd.Flags().GetDuration("interval")
		asJSON, _ := cmd.Flags().GetBool("json")

		set, err := registry.LoadQuestionsFromFile(path)
		if err != nil {
			return err
		}
		if runID == "" {
			runID = set.RunID
		}
		if runID == "" {
			return eris.New("generate: --run is required when the fixture has no run_id")
		}

		env, err := initEnv(ctx, "generate")
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSecs)*time.Second)
			defer cancel()
			env.Close(closeCtx)
		}()

		opts := scheduler.Options{K: k, Strategy: strategy, MaxAttempts: maxAttempts}
		snap, err := runGeneration(ctx, env, runID, set.Questions, only, replace, opts, interval, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if wantJSON(out, asJSON) {
			if err := writeJSON(out, snap); err != nil {
				return eris.Wrap(err, "generate: write snapshot")
			}
		} else {
			renderSnapshot(out, snap, isTerminal(out))
			decision, err := env.Gate.Evaluate(runID)
			if err != nil {
				return err
			}
			renderDecision(out, decision)
		}

		total, calls := env.Costs.Total()
		zap.L().Info("generate complete",
			zap.String("run_id", runID),
			zap.Int("provider_calls", calls),
			zap.Float64("cost_usd", total),
		)
		return nil
	},
}

// runGeneration registers the questions, admits jobs for the selected ones
// (all when only is empty), and polls the aggregator until they are terminal.
// Questions that already have a job in flight are left to it. replace lets
// the fixture drop or edit questions that already have jobs.
func runGeneration(ctx context.Context, env *genEnv, runID string, questions []model.Question, only []string, replace bool, opts scheduler.Options, interval time.Duration, progress io.Writer) (*model.GenerationSnapshot, error) {
	register := env.Jobs.RegisterRun
	if replace {
		register = env.Jobs.ReplaceRun
	}
	if err := register(ctx, runID, questions); err != nil {
		if errors.Is(err, jobstore.ErrConflict) && !replace {
			return nil, eris.Wrap(err, "generate: fixture differs from the persisted run (use --replace)")
		}
		return nil, err
	}

	if len(only) == 0 {
		res, err := env.Scheduler.GenerateAll(ctx, runID, opts)
		if err != nil {
			return nil, err
		}
		for _, s := range res.Skipped {
			zap.L().Info("generate: question skipped",
				zap.String("question_id", s.QuestionID),
				zap.String("reason", s.Reason),
			)
		}
		zap.L().Info("generate: jobs admitted", zap.String("run_id", runID), zap.Int("accepted", len(res.Accepted)))
	} else {
		for _, qid := range only {
			jobID, err := env.Scheduler.GenerateOne(ctx, runID, qid, opts)
			switch {
			case errors.Is(err, jobstore.ErrConflict):
				zap.L().Info("generate: question already in flight", zap.String("question_id", qid))
			case err != nil:
				return nil, err
			default:
				zap.L().Debug("generate: job admitted", zap.String("question_id", qid), zap.String("job_id", jobID))
			}
		}
	}

	fetch := func(context.Context) (*model.GenerationSnapshot, error) {
		return env.Aggregator.Snapshot(runID)
	}
	return mapgen.Poll(ctx, fetch, interval, only, func(s *model.GenerationSnapshot) {
		fmt.Fprintln(progress, progressLine(s))
	})
}

func init() {
	generateCmd.Flags().String("questions", "", "question fixture file (.json, .yaml)")
	generateCmd.Flags().String("run", "", "run id (default from fixture run_id)")
	generateCmd.Flags().StringSlice("question", nil, "only generate for these question ids")
	generateCmd.Flags().Bool("replace", false, "allow dropping or editing questions that already have jobs")
	generateCmd.Flags().Int("k", 0, "candidates per attempt (default from config)")
	generateCmd.Flags().String("strategy", "", "generation strategy (default from config)")
	generateCmd.Flags().Int("max-attempts", 0, "attempt budget per question (default from config)")
	generateCmd.Flags().Duration("interval", 250*time.Millisecond, "poll interval")
	generateCmd.Flags().Bool("json", false, "print the final snapshot as JSON")
	_ = generateCmd.MarkFlagRequired("questions")
	rootCmd.AddCommand(generateCmd)
}
