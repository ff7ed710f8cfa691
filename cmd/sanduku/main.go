// Sanduku — Session Lifecycle & Isolation Engine for sandboxed coding workspaces.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — Session lifecycle and isolation engine for sandboxed coding workspaces.",
	Long: `Sanduku manages sandbox-backed coding sessions. Every session couples one
user and project to an isolated execution unit plus a persistent volume, with
a persisted state machine governing each lifecycle transition. A supervisory
sweep reconciles stored state against the sandbox driver, enforces idle and
retention policy, and recovers sessions stuck mid-transition.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, sessionsCmd, auditCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
