package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/config"
)

var (
	cfg        config.Config
	catalogDir string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Realtime standardized-patient session engine",
	Long: `server drives realtime voice sessions in which a remote speech model plays
a standardized patient (or translator, family member, clinician) for a
clinical learner.

Personas and scenarios are YAML documents read from CATALOG_DIR or a
Supabase Storage bucket.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		if catalogDir != "" {
			cfg.CatalogDir = catalogDir
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		slog.SetDefault(newLogger(cfg.LogLevel))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&catalogDir, "catalog", "", "catalog directory (overrides CATALOG_DIR)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(personasCmd)
	rootCmd.AddCommand(scenariosCmd)
	rootCmd.AddCommand(composeCmd)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
