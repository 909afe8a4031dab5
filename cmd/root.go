// Package cmd implements the dossier command line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dossier-rag/dossier/internal/app"
	"github.com/dossier-rag/dossier/internal/config"
	"github.com/dossier-rag/dossier/internal/log"
)

var (
	flagVerbose  bool
	flagJSONLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "dossier",
	Short: "Dossier indexes personal documents and answers questions about one person at a time",
	Long: `Dossier is a retrieval backend for personal document collections such as
CVs and cover letters. It extracts text, chunks it with per-person isolation
tags, embeds the chunks into PostgreSQL/pgvector and serves person-scoped
semantic and keyword search over them.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit logs as JSON")
}

func newLogger() log.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: flagJSONLogs})
}

// initApp loads configuration and brings the full application up. The
// returned cleanup must be called before exit.
func initApp(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	a, err := app.New(ctx, cfg, newLogger())
	if err != nil {
		return nil, nil, err
	}
	return a, a.Close, nil
}
