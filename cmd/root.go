package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mapgen/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "mapgen",
	Short: "Mapping generation and validation pipeline",
	Long:  "Generates candidate text mappings for benchmark questions with an LLM, validates them with a second pass, retries on failure, and stages the winners for promotion.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
