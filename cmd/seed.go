package cmd

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"vuln-lifecycle-tracker/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	seedDays   int
	seedHosts  int
	seedCVEs   int
	seedRandom int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load synthetic scans for local testing",
	Long: `Seed generates a series of daily synthetic scans and imports them through the full
pipeline, so the inventory holds resolved and reopened findings and the daily totals
have history. Use it against a scratch database only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedDays <= 0 || seedHosts <= 0 || seedCVEs <= 0 {
			return fmt.Errorf("--days, --hosts and --cves must be positive")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p := a.newPipeline(nil)
		start := time.Now().UTC().AddDate(0, 0, -(seedDays - 1))
		scans := generateScans(seedDays, seedHosts, seedCVEs, seedRandom, start)

		fmt.Fprintf(cmd.OutOrStdout(), "Seeding %d scans (%d hosts, %d CVEs)...\n", len(scans), seedHosts, seedCVEs)
		for _, scan := range scans {
			batch := &models.ImportBatch{
				Filename: fmt.Sprintf("seed-%s.csv", scan.date),
				Vendor:   "seed",
				ScanDate: scan.date,
				RowCount: len(scan.records),
			}
			if err := p.StartImport(cmd.Context(), batch); err != nil {
				return err
			}

			result, err := p.RunImport(cmd.Context(), scan.records, batch.ID, scan.date)
			if err != nil {
				return fmt.Errorf("failed to import seed scan %s: %w", scan.date, err)
			}
			a.logger.Debug("seed scan imported", zap.String("scan_date", scan.date), zap.Any("result", result))
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d inserted, %d updated, %d reopened, %d resolved\n",
				scan.date, result.Inserted, result.Updated, result.Reopened, result.Resolved)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "✅ Seed data created successfully!")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().IntVar(&seedDays, "days", 7, "Number of daily scans")
	seedCmd.Flags().IntVar(&seedHosts, "hosts", 10, "Number of scanned hosts")
	seedCmd.Flags().IntVar(&seedCVEs, "cves", 30, "Size of the CVE pool")
	seedCmd.Flags().Int64Var(&seedRandom, "seed", 1, "Random seed")
}

type seedScan struct {
	date    string
	records []models.CanonicalRecord
}

type seedFinding struct {
	host int
	cve  int
}

var seedSeverities = []models.Severity{
	models.SeverityCritical,
	models.SeverityHigh,
	models.SeverityHigh,
	models.SeverityMedium,
	models.SeverityMedium,
	models.SeverityLow,
	models.SeverityInfo,
}

// generateScans builds deterministic daily scans. Every day about a tenth of the open
// findings are fixed, a few fixed ones come back, and a few new ones appear.
func generateScans(days, hosts, cves int, seed int64, start time.Time) []seedScan {
	rng := rand.New(rand.NewSource(seed))

	open := make(map[seedFinding]bool)
	var fixed []seedFinding
	for h := 0; h < hosts; h++ {
		for c := 0; c < cves; c++ {
			if rng.Intn(4) == 0 {
				open[seedFinding{h, c}] = true
			}
		}
	}

	scans := make([]seedScan, 0, days)
	for d := 0; d < days; d++ {
		if d > 0 {
			var stillFixed []seedFinding
			for _, f := range fixed {
				if rng.Intn(5) == 0 {
					open[f] = true
				} else {
					stillFixed = append(stillFixed, f)
				}
			}
			fixed = stillFixed

			for _, f := range sortedFindings(open) {
				if rng.Intn(10) == 0 {
					delete(open, f)
					fixed = append(fixed, f)
				}
			}
			for i := 0; i < hosts/2+1; i++ {
				open[seedFinding{rng.Intn(hosts), rng.Intn(cves)}] = true
			}
		}

		scan := seedScan{date: start.AddDate(0, 0, d).Format(dateLayout)}
		for h := 0; h < hosts; h++ {
			for c := 0; c < cves; c++ {
				if open[seedFinding{h, c}] {
					scan.records = append(scan.records, seedRecord(h, c))
				}
			}
		}
		scans = append(scans, scan)
	}
	return scans
}

// sortedFindings orders the open set so the RNG draws do not depend on map iteration
func sortedFindings(open map[seedFinding]bool) []seedFinding {
	findings := make([]seedFinding, 0, len(open))
	for f := range open {
		findings = append(findings, f)
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].host != findings[j].host {
			return findings[i].host < findings[j].host
		}
		return findings[i].cve < findings[j].cve
	})
	return findings
}

func seedRecord(host, cve int) models.CanonicalRecord {
	sev := seedSeverities[cve%len(seedSeverities)]
	return models.CanonicalRecord{
		Hostname:    fmt.Sprintf("host-%02d.example.internal", host),
		IPAddress:   fmt.Sprintf("10.0.%d.%d", host/250, host%250+1),
		CVE:         fmt.Sprintf("CVE-2024-%04d", 1000+cve),
		PluginID:    fmt.Sprintf("%d", 150000+cve),
		PluginName:  fmt.Sprintf("Synthetic plugin %d", cve),
		Description: fmt.Sprintf("Synthetic %s finding %d", sev, cve),
		Severity:    sev,
		VPRScore:    float64(10-cve%10) - 0.5,
		Vendor:      "seed",
		Port:        "443",
		Protocol:    "tcp",
	}
}
