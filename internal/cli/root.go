// Package cli implements the Manager command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "effect",
	Short: "Effect — decentralized task marketplace Manager",
	Long: `Effect runs a Manager node in the task marketplace network.
Providers post tasks, workers connect over WebSocket to execute them,
and completed work accrues payments settled through zero-knowledge proofs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
