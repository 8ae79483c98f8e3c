package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/synth"
)

var (
	enqueueURL           string
	enqueueKind          string
	enqueueTimezone      string
	enqueueMaxIterations int
	enqueueSessionID     string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Create a session and schedule it on the job queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if enqueueSessionID == "" && enqueueURL == "" {
			return eris.New("--url or --session is required")
		}

		env, err := initEnv(ctx, "enqueue")
		if err != nil {
			return err
		}
		defer env.Close()

		qh, err := openRemoteQueue(env)
		if err != nil {
			return err
		}
		defer qh.Close()

		var sess *model.Session
		if enqueueSessionID != "" {
			sess, err = env.Store.GetSession(ctx, enqueueSessionID)
			if err != nil {
				return eris.Wrap(err, "load session")
			}
			if sess.Status.Terminal() {
				return eris.Errorf("session %s is %s", sess.ID, sess.Status)
			}
		} else {
			sess, err = env.Orch.CreateSession(ctx, synth.NewSessionRequest{
				TargetURL:     enqueueURL,
				TaskKind:      model.TaskKind(enqueueKind),
				Timezone:      enqueueTimezone,
				MaxIterations: enqueueMaxIterations,
			})
			if err != nil {
				return err
			}
		}

		res, err := qh.Queue.Enqueue(ctx, payloadFor(sess))
		if err != nil {
			return eris.Wrap(err, "enqueue session")
		}
		return printJSON(cmd.OutOrStdout(), enqueueResponse{Session: sess, Job: res})
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueURL, "url", "", "target page URL")
	enqueueCmd.Flags().StringVar(&enqueueKind, "kind", string(model.TaskVenueProfile), "task kind: VENUE_PROFILE or EVENT_LISTING")
	enqueueCmd.Flags().StringVar(&enqueueTimezone, "timezone", "UTC", "IANA timezone of the venue")
	enqueueCmd.Flags().IntVar(&enqueueMaxIterations, "max-iterations", 0, "iteration budget (default from config)")
	enqueueCmd.Flags().StringVar(&enqueueSessionID, "session", "", "re-enqueue an existing session")
	rootCmd.AddCommand(enqueueCmd)
}
