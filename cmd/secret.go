package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"toolgate/internal/config"
	"toolgate/internal/secrets"

	"github.com/spf13/cobra"
)

var secretConfigPath string

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted backend credentials",
	Long: `Stores, lists and removes the credential material backends reference
through their secret slots. Values are encrypted at rest and only
materialized as cleartext files while the owning backend runs.`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a secret, reading the value from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecretStore()
		if err != nil {
			return err
		}

		value, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading value from stdin: %w", err)
		}
		value = []byte(strings.TrimRight(string(value), "\n"))
		if len(value) == 0 {
			return fmt.Errorf("refusing to store an empty secret")
		}

		if _, err := store.Store(args[0], value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored secret %s\n", args[0])
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecretStore()
		if err != nil {
			return err
		}

		names, err := store.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored.")
			return nil
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var secretRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecretStore()
		if err != nil {
			return err
		}

		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed secret %s\n", args[0])
		return nil
	},
}

func openSecretStore() (*secrets.Store, error) {
	gatewayCfg, err := config.LoadConfig(secretConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return secrets.NewStore(gatewayCfg.DataDir)
}

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretSetCmd, secretListCmd, secretRemoveCmd)

	secretCmd.PersistentFlags().StringVar(&secretConfigPath, "config-path", "", "Custom configuration directory path")
}
