package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/jobs"
	"github.com/sells-group/scrapegen/internal/model"
)

var statusCancel bool

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session and its job state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]

		env, err := initEnv(ctx, "status")
		if err != nil {
			return err
		}
		defer env.Close()

		qh, err := openRemoteQueue(env)
		if err != nil {
			return err
		}
		defer qh.Close()

		if statusCancel {
			if err := qh.Queue.Cancel(ctx, id); err != nil {
				return eris.Wrap(err, "cancel job")
			}
			zap.L().Info("job cancelled", zap.String("session_id", id))
		}

		sess, err := env.Store.GetSession(ctx, id)
		if err != nil {
			return eris.Wrap(err, "load session")
		}
		job, err := qh.Queue.Status(ctx, id)
		if err != nil {
			return eris.Wrap(err, "job status")
		}
		return printJSON(cmd.OutOrStdout(), struct {
			Session *model.Session  `json:"session"`
			Job     *jobs.JobStatus `json:"job"`
		}{sess, job})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusCancel, "cancel", false, "cancel the job before reporting")
	rootCmd.AddCommand(statusCmd)
}
