package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sufield/didmesh/internal/config"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "didmesh %s (commit: %s, built: %s)\n", version, commit, date)
			if !verbose {
				return
			}
			fmt.Fprintf(out, "\nGo:                  %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(out, "Default listen addr: %s\n", config.DefaultListenAddr)
			fmt.Fprintf(out, "Minimum TLS version: %s\n", config.DefaultMinTLSVersion)
			fmt.Fprintf(out, "Client auth:         required (mTLS)\n")
			fmt.Fprintf(out, "Renewal threshold:   25%% of validity remaining\n")
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show build and TLS defaults")
	return cmd
}
