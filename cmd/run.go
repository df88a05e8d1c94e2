package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
)

var (
	runSession string
	runTopic   string
	runExpand  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every stage of a session",
	Long: `Runs discovery, website and contact resolution with their retries, the
merge pass, enrichment, tagging and finalization for one session. Re-running
a session resumes where it stopped.`,
	Example: `  # Create a session for a topic and run it
  leads run --topic "cnc machining"

  # Resume an existing session
  leads run --session 6f1c...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (runSession == "") == (runTopic == "") {
			return eris.New("exactly one of --session or --topic is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		sessionID := runSession
		if runTopic != "" {
			sess, queries, err := env.Pipeline.CreateSession(ctx, runTopic, expandFlag(cmd, runExpand))
			if err != nil {
				return err
			}
			sessionID = sess.ID
			zap.L().Info("session created", zap.String("session_id", sess.ID), zap.Int("queries", len(queries)))
		}

		res, err := env.Pipeline.RunSession(ctx, sessionID)
		if err != nil {
			return eris.Wrapf(err, "run session %s", sessionID)
		}

		usage := env.Search.Usage()
		zap.L().Info("model usage",
			zap.Int("calls", usage.Calls),
			zap.Int("cached_calls", usage.CachedCalls),
			zap.Float64("cost_usd", usage.CostUSD),
		)
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var stageCmd = &cobra.Command{
	Use:   "stage <stage>",
	Short: "Run a single stage of a session",
	Long: `Runs one stage for the records of a session that are ready for it.
Stages: discovery, website, website_retry, contact, contact_retry, merge,
enrichment, tags, finalize.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, ok := model.ParseStage(args[0])
		if !ok {
			return eris.Errorf("unknown stage %q", args[0])
		}
		if runSession == "" {
			return eris.New("--session is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.RunStage(ctx, runSession, stage)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "", "session ID to run")
	runCmd.Flags().StringVar(&runTopic, "topic", "", "create a session for this topic and run it")
	runCmd.Flags().BoolVar(&runExpand, "expand", false, "expand the topic into related queries (default pipeline.expand_queries)")
	stageCmd.Flags().StringVar(&runSession, "session", "", "session ID")
	rootCmd.AddCommand(runCmd, stageCmd)
}
