package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipevm/pipevm/engine/pipeline"
)

func ValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pipeline-file>",
		Short: "Validate a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := cmd.Flags().GetStringSlice("types")
			if err != nil {
				return err
			}
			// Without --types validation is structural only, since the
			// executor set is host-defined.
			var known pipeline.KnownTypes
			if len(types) > 0 {
				set := make(pipeline.KnownTypeSet, len(types))
				for _, t := range types {
					set[t] = struct{}{}
				}
				known = set
			}
			cfg, err := pipeline.Load(args[0], known)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %q is valid (%d top-level steps)\n",
				cfg.Name, len(cfg.Steps))
			return nil
		},
	}
	cmd.Flags().StringSlice("types", nil, "Executor step types to validate against (skips type checks when empty)")
	return cmd
}
