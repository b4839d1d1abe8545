package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Slack notification helpers",
}

var notifyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test message to the configured Slack webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sn, err := a.newSlack()
		if err != nil {
			return fmt.Errorf("cannot send test message: %w", err)
		}
		if err := sn.TestConnection(); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✅ Test message sent to %s\n", a.cfg.Notification.SlackChannel)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(notifyCmd)
	notifyCmd.AddCommand(notifyTestCmd)
}
