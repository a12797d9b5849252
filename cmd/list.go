package cmd

import (
	"context"
	"fmt"
	"os"

	"toolgate/internal/cli"
	"toolgate/internal/config"

	"github.com/spf13/cobra"
)

var (
	listEndpoint string
	listQuiet    bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the aggregated tool catalog of a running gateway",
	Long: `Connects to a running toolgate server and prints its merged tool
catalog. The endpoint defaults to the locally configured gateway
address.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint := listEndpoint
	if endpoint == "" {
		gatewayCfg, err := config.LoadConfig("")
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		endpoint = fmt.Sprintf("http://%s:%d/mcp", gatewayCfg.Host, gatewayCfg.Port)
	}

	client := cli.NewGatewayClient(endpoint, listQuiet)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		fmt.Println("No tools available.")
		return nil
	}

	cli.RenderToolTable(os.Stdout, tools)
	return nil
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listEndpoint, "endpoint", "", "Gateway endpoint URL (default: local configuration)")
	listCmd.Flags().BoolVar(&listQuiet, "quiet", false, "Suppress the progress spinner")
}
