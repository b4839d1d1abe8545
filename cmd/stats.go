package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"vuln-lifecycle-tracker/models"
	"vuln-lifecycle-tracker/pipeline"

	"github.com/spf13/cobra"
)

var (
	statsLimit  int
	statsDate   string
	statsNotify bool
	statsOutput string
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Recompute the daily totals of a scan date",
	Long: `Aggregate rebuilds the severity totals of one scan date from the canonical inventory.
Imports do this automatically; use it after manual data fixes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scanDate, err := resolveScanDate(statsDate, time.Now())
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		total, err := pipeline.NewAggregator(a.db, a.logger).Aggregate(cmd.Context(), scanDate)
		if err != nil {
			return err
		}
		return printDailyTotals(cmd.OutOrStdout(), []*models.DailyTotal{total}, statsOutput)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show inventory and daily total statistics",
}

var statsTotalsCmd = &cobra.Command{
	Use:   "totals",
	Short: "List the most recent daily totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		totals, err := a.db.ListDailyTotals(cmd.Context(), statsLimit)
		if err != nil {
			return err
		}
		return printDailyTotals(cmd.OutOrStdout(), totals, statsOutput)
	},
}

var statsChangesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Compare a scan date with the previous one",
	RunE: func(cmd *cobra.Command, args []string) error {
		scanDate, err := resolveScanDate(statsDate, time.Now())
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		aggregator := pipeline.NewAggregator(a.db, a.logger)
		summary, err := aggregator.ChangeSummary(cmd.Context(), scanDate)
		if err != nil {
			return err
		}
		if statsNotify {
			sendChangeSummary(cmd.Context(), a, aggregator, scanDate)
		}
		return printChangeSummary(cmd.OutOrStdout(), summary, statsOutput)
	},
}

var statsInventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Count canonical findings per lifecycle state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.db.CountByState(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "State\tFindings")
		fmt.Fprintln(w, "-----\t--------")
		for _, state := range []models.LifecycleState{models.StateActive, models.StateReopened, models.StateGracePeriod, models.StateResolved} {
			fmt.Fprintf(w, "%s\t%d\n", state, counts[state])
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(statsCmd)
	statsCmd.AddCommand(statsTotalsCmd, statsChangesCmd, statsInventoryCmd)

	aggregateCmd.Flags().StringVar(&statsDate, "date", "", "Scan date (YYYY-MM-DD, default today UTC)")
	aggregateCmd.Flags().StringVarP(&statsOutput, "output", "o", "table", "Output format (table, json, yaml)")

	statsTotalsCmd.Flags().IntVarP(&statsLimit, "limit", "n", 30, "Number of scan dates to show")
	statsTotalsCmd.Flags().StringVarP(&statsOutput, "output", "o", "table", "Output format (table, json, yaml)")

	statsChangesCmd.Flags().StringVar(&statsDate, "date", "", "Scan date (YYYY-MM-DD, default today UTC)")
	statsChangesCmd.Flags().BoolVar(&statsNotify, "notify", false, "Also send the summary to Slack")
	statsChangesCmd.Flags().StringVarP(&statsOutput, "output", "o", "table", "Output format (table, json, yaml)")
}

func printDailyTotals(w io.Writer, totals []*models.DailyTotal, format string) error {
	switch format {
	case "json":
		return writeJSON(w, totals)
	case "yaml":
		return writeYAML(w, totals)
	case "table":
	default:
		return validateOutputFormat(format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Scan date\tCritical\tHigh\tMedium\tLow\tInfo\tActive\tResolved\tReopened\tCritical VPR\tHigh VPR\t")
	for _, t := range totals {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.2f\t%.2f\t\n",
			t.ScanDate, t.CriticalCount, t.HighCount, t.MediumCount, t.LowCount, t.InfoCount,
			t.ActiveCount, t.ResolvedCount, t.ReopenedCount, t.CriticalVPR, t.HighVPR)
	}
	return tw.Flush()
}

func printChangeSummary(w io.Writer, summary *models.ChangeSummary, format string) error {
	switch format {
	case "json":
		return writeJSON(w, summary)
	case "yaml":
		return writeYAML(w, summary)
	case "table":
	default:
		return validateOutputFormat(format)
	}

	previous := summary.PreviousScanDate
	if previous == "" {
		previous = "none"
	}
	fmt.Fprintf(w, "📊 Changes for %s (previous scan: %s)\n\n", summary.ScanDate, previous)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Severity\tCurrent\tPrevious\tDelta\tVPR\tVPR delta")
	for _, d := range summary.Severities {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%+d\t%.2f\t%+.2f\n",
			d.Severity, d.Current, d.Previous, d.CountDelta, d.CurrentVPR, d.VPRDelta)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nNew CVEs (%d): %s\n", len(summary.NewCVEs), cveList(summary.NewCVEs))
	fmt.Fprintf(w, "Resolved CVEs (%d): %s\n", len(summary.ResolvedCVEs), cveList(summary.ResolvedCVEs))
	return nil
}

func cveList(changes []models.CVEChange) string {
	if len(changes) == 0 {
		return "-"
	}
	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		ids = append(ids, c.CVE)
	}
	return strings.Join(ids, ", ")
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
