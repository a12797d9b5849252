package cmd

import (
	"context"
	"fmt"

	"toolgate/internal/app"

	"github.com/spf13/cobra"
)

var (
	serveDebug      bool
	serveConfigPath string
	serveNoWatch    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the toolgate gateway server",
	Long: `Starts the gateway: reconciles previously running backend instances,
builds the aggregated tool catalog, and serves it over the streamable
HTTP transport until terminated.

Backend definitions live as YAML files in the servers/ subdirectory of
the configuration directory and are hot-reloaded on change unless
--no-watch is given.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	application, err := app.NewApplication(ctx, &app.Config{
		Debug:      serveDebug,
		ConfigPath: serveConfigPath,
		NoWatch:    serveNoWatch,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Custom configuration directory path")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable hot reload of server definitions")
}
