package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/synth"
)

var (
	runURL           string
	runKind          string
	runTimezone      string
	runMaxIterations int
	runSessionID     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Synthesize an extractor for one URL in this process",
	Long:  "Creates a session and runs it to completion without a queue. Pass --session to resume a stored session instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runSessionID == "" && runURL == "" {
			return eris.New("--url or --session is required")
		}

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		id := runSessionID
		if id == "" {
			sess, err := env.Orch.CreateSession(ctx, synth.NewSessionRequest{
				TargetURL:     runURL,
				TaskKind:      model.TaskKind(runKind),
				Timezone:      runTimezone,
				MaxIterations: runMaxIterations,
			})
			if err != nil {
				return err
			}
			id = sess.ID
		}

		log := zap.L().With(zap.String("session_id", id))
		sess, err := env.Orch.Run(ctx, id, synth.WithProgress(func(p model.Progress) {
			log.Info("progress",
				zap.String("stage", string(p.Stage)),
				zap.Int("iteration", p.Iteration),
				zap.Int("max_iterations", p.MaxIterations),
			)
		}))
		if err != nil {
			return eris.Wrap(err, "run session")
		}

		if err := printJSON(cmd.OutOrStdout(), sess); err != nil {
			return err
		}
		if sess.Status != model.SessionSuccess {
			msg := ""
			if sess.ErrorMessage != nil {
				msg = *sess.ErrorMessage
			}
			return fmt.Errorf("session %s failed: %s", sess.ID, msg)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runURL, "url", "", "target page URL")
	runCmd.Flags().StringVar(&runKind, "kind", string(model.TaskVenueProfile), "task kind: VENUE_PROFILE or EVENT_LISTING")
	runCmd.Flags().StringVar(&runTimezone, "timezone", "UTC", "IANA timezone of the venue")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "iteration budget (default from config)")
	runCmd.Flags().StringVar(&runSessionID, "session", "", "resume an existing session")
	rootCmd.AddCommand(runCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
