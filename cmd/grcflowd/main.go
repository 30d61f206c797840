// Package main is the entry point of grcflowd, the GRC workflow service.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/grcflow/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

func main() {
	observability.Version = version
	observability.Commit = commit

	rootCmd := &cobra.Command{
		Use:           "grcflowd",
		Short:         "GRC workflow orchestration service",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to configuration file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newTypesCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("GRCFLOW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
