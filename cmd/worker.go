package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/jobs"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run synthesis jobs from the Temporal task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Jobs.Backend != "temporal" {
			return eris.New("worker requires jobs.backend=temporal; the memory backend runs inside serve")
		}

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		w := jobs.NewWorker(c, env.Runner, jobsConfig())
		if err := w.Start(); err != nil {
			return eris.Wrap(err, "start worker")
		}
		zap.L().Info("worker started",
			zap.String("task_queue", cfg.Jobs.TaskQueue),
			zap.Int("concurrency", cfg.Jobs.Concurrency),
		)

		<-ctx.Done()
		zap.L().Info("stopping worker")
		w.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
