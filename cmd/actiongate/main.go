// ActionGate: a guarded execution pipeline for tool actions.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "actiongate",
	Short: "ActionGate executes tool actions behind masking, policy and approval.",
	Long: `ActionGate validates action descriptors, masks sensitive data, routes each
action by category, gates risky calls behind human approval and executes
them against HTTP tool endpoints with bounded retries.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, detectCmd, maskCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
