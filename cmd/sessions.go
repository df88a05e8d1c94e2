package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-pipeline/internal/export"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/progress"
	"github.com/sells-group/lead-pipeline/internal/store"
)

var (
	sessionTopic    string
	sessionExpand   bool
	sessionKeywords []string
	sessionStatus   string
	sessionLimit    int
	sessionFile     string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Create, list and inspect sessions",
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session with its discovery queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionTopic == "" {
			return eris.New("--topic is required")
		}
		ctx := cmd.Context()

		var (
			sess    *model.Session
			queries []model.SessionQuery
		)
		if expandFlag(cmd, sessionExpand) {
			env, err := initEnv(ctx, "run")
			if err != nil {
				return err
			}
			defer env.Close()
			if sess, queries, err = env.Pipeline.CreateSession(ctx, sessionTopic, true); err != nil {
				return err
			}
			if queries, err = addKeywords(ctx, env.Store, sess.ID, queries); err != nil {
				return err
			}
		} else {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			if sess, err = st.CreateSession(ctx, sessionTopic); err != nil {
				return eris.Wrap(err, "create session")
			}
			if queries, err = addKeywords(ctx, st, sess.ID, []model.SessionQuery{}, append([]string{sessionTopic}, sessionKeywords...)...); err != nil {
				return err
			}
		}

		return printJSON(cmd.OutOrStdout(), map[string]any{"session": sess, "queries": queries})
	},
}

// addKeywords queues keywords after the queries already created, defaulting
// to the --keywords flag.
func addKeywords(ctx context.Context, st store.Store, sessionID string, queries []model.SessionQuery, keywords ...string) ([]model.SessionQuery, error) {
	if len(keywords) == 0 {
		keywords = sessionKeywords
	}
	if len(keywords) == 0 {
		return queries, nil
	}
	added, err := st.AddQueries(ctx, sessionID, keywords)
	if err != nil {
		return nil, eris.Wrap(err, "add queries")
	}
	return append(queries, added...), nil
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sessions, err := st.ListSessions(ctx, store.SessionFilter{
			Status: model.SessionStatus(sessionStatus),
			Limit:  sessionLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list sessions")
		}
		return writeSessionTable(cmd.OutOrStdout(), sessions)
	},
}

func writeSessionTable(out io.Writer, sessions []model.Session) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOPIC\tSTATUS\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Topic, s.Status, s.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

// sessionReport is the detail view of one session.
type sessionReport struct {
	Session  *model.Session           `json:"session"`
	Summary  model.SessionSummary     `json:"summary"`
	Pending  int                      `json:"pending_queries"`
	Usage    []model.StageUsage       `json:"usage"`
	Progress []progress.StageProgress `json:"progress,omitempty"`
}

func loadReport(ctx context.Context, st store.Store, id string) (*sessionReport, error) {
	sess, err := st.GetSession(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "get session")
	}
	summary, err := st.SummarizeSession(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "summarize session")
	}
	pending, err := st.PendingQueries(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "pending queries")
	}
	usage, err := st.UsageBySession(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "session usage")
	}
	return &sessionReport{Session: sess, Summary: summary, Pending: len(pending), Usage: usage}, nil
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's record counts and model usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := loadReport(ctx, st, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var sessionsImportCmd = &cobra.Command{
	Use:   "import <session-id>",
	Short: "Add seed companies from an .xlsx or .csv file to a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionFile == "" {
			return eris.New("--file is required")
		}
		seeds, err := export.ReadSeeds(sessionFile)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// Importing makes no model calls, so the pipeline runs without a searcher.
		p := pipeline.New(cfg, st, nil, nil)
		res, err := p.ImportSeeds(ctx, args[0], seeds)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

// expandFlag returns the --expand flag when set and pipeline.expand_queries
// otherwise.
func expandFlag(cmd *cobra.Command, value bool) bool {
	if cmd.Flags().Changed("expand") {
		return value
	}
	return cfg.Pipeline.ExpandQueries
}

func init() {
	sessionsCreateCmd.Flags().StringVar(&sessionTopic, "topic", "", "research topic")
	sessionsCreateCmd.Flags().BoolVar(&sessionExpand, "expand", false, "ask the model for related keywords (default pipeline.expand_queries)")
	sessionsCreateCmd.Flags().StringSliceVar(&sessionKeywords, "keywords", nil, "extra discovery keywords")
	sessionsListCmd.Flags().StringVar(&sessionStatus, "status", "", "filter by status (pending, running, completed, failed)")
	sessionsListCmd.Flags().IntVar(&sessionLimit, "limit", 20, "maximum sessions to list")
	sessionsImportCmd.Flags().StringVar(&sessionFile, "file", "", "seed spreadsheet (.xlsx or .csv)")

	sessionsCmd.AddCommand(sessionsCreateCmd, sessionsListCmd, sessionsShowCmd, sessionsImportCmd)
	rootCmd.AddCommand(sessionsCmd)
}
