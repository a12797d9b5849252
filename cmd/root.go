package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when toolgate is called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Aggregate tool servers behind one endpoint",
	Long: `toolgate runs many independent tool servers behind a single protocol
endpoint. Each backend is isolated in its own managed container (or
spawned locally via npx/uvx), its credentials are encrypted at rest and
materialized only while the backend runs, and its tools are exposed
under collision-free namespaced names.`,
	SilenceUsage: true,
}

// SetVersion injects the build version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the injected build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "toolgate version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
