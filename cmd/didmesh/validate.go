package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sufield/didmesh/internal/config"
)

func newValidateCommand() *cobra.Command {
	var printCfg bool
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Check a configuration file (with DIDMESH_* overrides applied)",
		Example: `  didmesh validate didmesh.yaml
  didmesh validate didmesh.yaml --print

  # Use in CI/CD pipelines
  didmesh validate config/production.yaml && deploy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: valid\n", args[0])
			if !printCfg {
				return nil
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s", data)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printCfg, "print", false, "print the effective configuration")
	return cmd
}
