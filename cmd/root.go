package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "scrapegen",
	Short: "Synthesize and validate scraper code for venue and event pages",
	Long:  "Generates extractor code with an LLM, checks it statically, runs it in a sandbox, scores the output and iterates on feedback until the result is acceptable.",
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
