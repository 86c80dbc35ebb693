// Package main is the entry point for the polis-governance binary.
// It serves the governance admin API and validates rules files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-governance
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-governance",
		Short: "Service governance for Polis",
		Long: `Rate limiting, circuit breaking, bulkheads, retries and QPS flow control
driven by servicecomb.* governance rules.

Example:
  polis-governance serve --config governance.yaml --rules rules.yaml
  polis-governance validate rules.yaml`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(), newValidateCmd())
	return rootCmd
}
