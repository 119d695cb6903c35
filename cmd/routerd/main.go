// routerd runs the ticket routing and escalation engine.
//
// Usage:
//
//	routerd serve     start the HTTP API, SLA timers and backlog drain
//	routerd migrate   apply the embedded Postgres migrations and exit
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "routerd",
	Short: "Ticket routing, tiered escalation and SLA tracking",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
