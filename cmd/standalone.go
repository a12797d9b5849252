package cmd

import (
	"context"
	"fmt"

	"toolgate/internal/app"
	"toolgate/internal/config"

	"github.com/spf13/cobra"
)

var standaloneConfigPath string

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Serve the gateway over standard I/O",
	Long: `Runs the gateway on the standard-I/O transport for local single-client
use: one peer, line-delimited JSON-RPC on stdin/stdout, no session-token
header. Log output goes to stderr only, stdout belongs to the protocol.`,
	Args: cobra.NoArgs,
	RunE: runStandalone,
}

func runStandalone(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	application, err := app.NewApplication(ctx, &app.Config{
		ConfigPath: standaloneConfigPath,
		Transport:  config.TransportStdio,
		NoWatch:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(standaloneCmd)

	standaloneCmd.Flags().StringVar(&standaloneConfigPath, "config-path", "", "Custom configuration directory path")
}
