// Package main is the entry point for the stager CLI.
//
// Usage:
//
//	stager serve -c stager.yaml                  # Run the stager
//	stager wait --url http://127.0.0.1:8000 \
//	    --host feature-x.stager:8000              # Block until an instance is ready
//	stager validate -c stager.yaml               # Validate configuration
//	stager version                               # Show version info
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "stager",
	Short: "On-demand staging instances behind one host",
	Long: `Stager runs a staging instance per sub-domain, on demand.

The first request for feature-x.stager:8000 starts the configured init
command with STAGER_PORT and STAGER_NAME set, shows a loading page while it
boots, and proxies to it once it answers. Idle instances are stopped.

Quick start:
  1. Write a stager_script.sh that starts your app on $STAGER_PORT
  2. Run: stager serve
  3. Open http://feature-x.stager:8000 in your browser

Example config:
  listen: 127.0.0.1:8000
  domain_suffix: .stager:8000
  base_port: 4200
  init_command: ["bash", "stager_script.sh"]
  idle_time: 5m`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// newLogger creates a JSON logger for CLI use.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this stager binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "stager %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
