// Package cli implements the pipevm command line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/pipevm/pipevm/pkg/logger"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pipevm",
		Short:         "Run declarative pipelines",
		Long:          "pipevm interprets pipeline definitions: ordered steps, loops, conditions, and nested pipeline composition with safety limits.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogger(cmd)
		},
	}

	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")

	root.AddCommand(
		RunCmd(),
		ValidateCmd(),
	)

	return root
}

func setupLogger(cmd *cobra.Command) error {
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	jsonLogs, err := cmd.Flags().GetBool("log-json")
	if err != nil {
		return err
	}
	cfg := logger.DefaultConfig()
	cfg.Level = logger.LogLevel(level)
	cfg.JSON = jsonLogs
	log := logger.NewLogger(cfg)
	cmd.SetContext(logger.ContextWith(cmd.Context(), log))
	return nil
}
