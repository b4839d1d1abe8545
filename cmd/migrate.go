package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration management",
	Long:  `Manage database migrations. Migrations are embedded in the binary and applied on open.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run all pending migrations",
	Long:  `Apply all pending database migrations to bring the schema up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.db.RunMigrations(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "All migrations completed successfully!")
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  `Display the current status of all migrations - which are applied and which are pending.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		migrations, err := a.db.GetMigrationStatus()
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}

		// Print status table
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "Version\tDescription\tStatus")
		fmt.Fprintln(w, "-------\t-----------\t------")

		for _, migration := range migrations {
			status := "Pending"
			if migration.Applied {
				status = "Applied"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", migration.Version, migration.Description, status)
		}

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
