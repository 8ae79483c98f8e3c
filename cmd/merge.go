package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/scrapegen/internal/model"
)

var (
	mergeSessionID string
	mergeURL       string
	mergeKind      string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge extracted data across attempts or across sessions for a target",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if (mergeSessionID == "") == (mergeURL == "") {
			return eris.New("exactly one of --session or --url is required")
		}

		env, err := initEnv(ctx, "merge")
		if err != nil {
			return err
		}
		defer env.Close()

		if mergeSessionID != "" {
			if _, err := env.Store.GetSession(ctx, mergeSessionID); err != nil {
				return eris.Wrap(err, "load session")
			}
			res, err := env.Merger.MergeAttempts(ctx, mergeSessionID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}

		kind := model.TaskKind(mergeKind)
		if !kind.Valid() {
			return eris.Errorf("unknown task kind %q", mergeKind)
		}
		res, ids, err := env.Merger.MergeTarget(ctx, mergeURL, kind)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"sessions": ids, "merged": res})
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeSessionID, "session", "", "merge the successful attempts of one session")
	mergeCmd.Flags().StringVar(&mergeURL, "url", "", "merge every successful session for this target URL")
	mergeCmd.Flags().StringVar(&mergeKind, "kind", string(model.TaskVenueProfile), "task kind used with --url")
	rootCmd.AddCommand(mergeCmd)
}
