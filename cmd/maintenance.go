package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/dedup"
	"github.com/sells-group/lead-pipeline/internal/export"
	"github.com/sells-group/lead-pipeline/internal/store"
)

var (
	dedupSession  string
	exportSession string
	exportFormat  string
	exportOutput  string
	exportLimit   int
)

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Merge duplicate records of a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dedupSession == "" {
			return eris.New("--session is required")
		}
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := dedup.Pass(ctx, st, dedupSession)
		if err != nil {
			return eris.Wrap(err, "merge pass")
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export published companies as XLSX or CSV",
	Example: `  leads export --output leads.xlsx
  leads export --session 6f1c... --format csv > leads.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveFormat(exportFormat, exportOutput)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		companies, err := st.ListPublished(ctx, store.PublishedFilter{SessionID: exportSession, Limit: exportLimit})
		if err != nil {
			return eris.Wrap(err, "list published companies")
		}

		var w io.Writer = cmd.OutOrStdout()
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		if err := export.Write(w, format, companies); err != nil {
			return err
		}
		zap.L().Info("export complete", zap.Int("companies", len(companies)), zap.String("format", string(format)))
		return nil
	},
}

// resolveFormat prefers the --format flag and falls back to the output
// file's extension.
func resolveFormat(flag, output string) (export.Format, error) {
	if flag != "" {
		return export.ParseFormat(flag)
	}
	if output != "" && output != "-" {
		return export.ParseFormat(filepath.Ext(output))
	}
	return export.FormatCSV, nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(masked(*cfg))
		if err != nil {
			return eris.Wrap(err, "encode config")
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// masked returns a copy of c safe to print.
func masked(c config.Config) config.Config {
	c.Perplexity.Key = mask(c.Perplexity.Key)
	c.Anthropic.Key = mask(c.Anthropic.Key)
	c.Store.DatabaseURL = maskURL(c.Store.DatabaseURL)
	c.Redis.URL = maskURL(c.Redis.URL)
	return c
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

// maskURL hides the password of a connection URL.
func maskURL(s string) string {
	scheme := strings.Index(s, "://")
	at := strings.LastIndex(s, "@")
	if scheme < 0 || at < scheme {
		return s
	}
	creds := s[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		creds = creds[:colon] + ":****"
	}
	return s[:scheme+3] + creds + s[at:]
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Database maintenance",
}

var storeMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Ping(ctx); err != nil {
			return eris.Wrap(err, "ping store")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s store migrated\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	dedupCmd.Flags().StringVar(&dedupSession, "session", "", "session ID")
	exportCmd.Flags().StringVar(&exportSession, "session", "", "only companies published by this session")
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "xlsx or csv (default from --output extension, else csv)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 100000, "maximum companies to export")

	configCmd.AddCommand(configShowCmd)
	storeCmd.AddCommand(storeMigrateCmd)
	rootCmd.AddCommand(dedupCmd, exportCmd, configCmd, storeCmd)
}
