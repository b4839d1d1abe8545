package cmd

import (
	"fmt"
	"os"

	"vuln-lifecycle-tracker/config"

	"github.com/spf13/cobra"
)

var (
	configInitPath  string
	configInitForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configInitPath); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configInitPath)
		}

		if err := config.GenerateDefaultConfig(configInitPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Wrote default configuration to %s\n", configInitPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().StringVar(&configInitPath, "path", ".vuln-tracker.yaml", "Where to write the configuration")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
}
