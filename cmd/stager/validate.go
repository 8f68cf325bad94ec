package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-stager/stager/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a stager configuration file without starting the server.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  stager validate -c stager.yaml
  stager validate --config /etc/stager/stager.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	first, last := cfg.Ports()
	holdFor := "disabled"
	if cfg.HoldFor.Duration() > 0 {
		holdFor = cfg.HoldFor.Duration().String()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Listen:        %s\n", cfg.Listen)
	fmt.Fprintf(out, "  Domain suffix: %s\n", cfg.DomainSuffix)
	fmt.Fprintf(out, "  Ports:         %d-%d (%d instances)\n", first, last, cfg.MaxInstances)
	fmt.Fprintf(out, "  Init command:  %s\n", strings.Join(cfg.InitCommand, " "))
	fmt.Fprintf(out, "  Idle time:     %s\n", cfg.IdleTime.Duration())
	fmt.Fprintf(out, "  Hold for:      %s\n", holdFor)

	return nil
}
