package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"vuln-lifecycle-tracker/models"
	"vuln-lifecycle-tracker/normalizer"
	"vuln-lifecycle-tracker/pipeline"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

var (
	importFilePath     string
	importVendor       string
	importScanDate     string
	importStaged       bool
	importRemoveSource bool
	importNotifyChange bool
	importOutput       string
)

// importCmd represents the import command
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a vulnerability scanner CSV export",
	Long: `Import normalizes a scanner CSV export, stages the records and reconciles them
against the canonical inventory. Findings missing from the export are resolved,
returning findings are reopened, and the daily totals for the scan date are refreshed.

Examples:
  # Import today's export
  vuln-tracker import --file export.csv --vendor tenable

  # Import an older scan and send the change summary to Slack
  vuln-tracker import --file export.csv --scan-date 2025-03-01 --notify-changes

  # Reconcile in the background and delete the export afterwards
  vuln-tracker import --file export.csv --staged --remove-source`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVarP(&importFilePath, "file", "f", "", "CSV export to import")
	importCmd.Flags().StringVar(&importVendor, "vendor", "", "Scanner vendor recorded on every finding")
	importCmd.Flags().StringVar(&importScanDate, "scan-date", "", "Scan date (YYYY-MM-DD, default today UTC)")
	importCmd.Flags().BoolVar(&importStaged, "staged", false, "Reconcile in the background after staging (automatic above pipeline.staged_threshold records)")
	importCmd.Flags().BoolVar(&importRemoveSource, "remove-source", false, "Delete the export once the import succeeds")
	importCmd.Flags().BoolVar(&importNotifyChange, "notify-changes", false, "Send the scan-over-scan change summary to Slack")
	importCmd.Flags().StringVarP(&importOutput, "output", "o", "table", "Output format (table, json, yaml)")
	_ = importCmd.MarkFlagRequired("file")
}

func runImport(cmd *cobra.Command, args []string) error {
	scanDate, err := resolveScanDate(importScanDate, time.Now())
	if err != nil {
		return err
	}
	if err := validateOutputFormat(importOutput); err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	capture := newSessionCapture()
	p := a.newPipeline(nil, capture)

	opts := importOptions{
		Vendor:        importVendor,
		ScanDate:      scanDate,
		Staged:        importStaged,
		RemoveSource:  importRemoveSource || a.cfg.Pipeline.RemoveSource,
		NotifyChanges: importNotifyChange,
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "🔍 Importing %s (scan date %s)...\n", importFilePath, scanDate)
	outcome, err := importFile(cmd.Context(), a, p, capture, importFilePath, opts)
	if err != nil {
		return err
	}

	return printOutcome(cmd.OutOrStdout(), outcome, importOutput)
}

// importOptions control a single file import
type importOptions struct {
	Vendor        string
	ScanDate      string
	Staged        bool
	RemoveSource  bool
	NotifyChanges bool
}

// importOutcome is what an import reports once reconciliation finished
type importOutcome struct {
	Batch               *models.ImportBatch   `json:"batch"`
	Mode                string                `json:"mode"`
	Records             int                   `json:"records"`
	NormalizationErrors int                   `json:"normalization_errors"`
	Stats               *pipeline.ImportStats `json:"stats"`
}

// importFile runs one CSV export through normalization and the pipeline. Staged imports
// are waited for, so the outcome is complete either way.
func importFile(ctx context.Context, a *app, p *pipeline.Pipeline, capture *sessionCapture, path string, opts importOptions) (*importOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat export: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	parsed, err := normalizer.ReadCSV(f, normalizer.CanonicalNormalizer{Vendor: opts.Vendor})
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read export %s: %w", path, err)
	}

	for _, rowErr := range parsed.Errors {
		a.logger.Warn("skipping export row",
			zap.String("file", path),
			zap.Int("row", rowErr.Row),
			zap.String("reason", rowErr.Reason),
			zap.Error(rowErr.Err))
	}

	batch := &models.ImportBatch{
		Filename: filepath.Base(path),
		Vendor:   opts.Vendor,
		ScanDate: opts.ScanDate,
		RowCount: parsed.Rows,
		FileSize: info.Size(),
	}
	if err := p.StartImport(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to record import: %w", err)
	}

	outcome := &importOutcome{
		Batch:               batch,
		Mode:                "sync",
		Records:             len(parsed.Records),
		NormalizationErrors: len(parsed.Errors),
	}

	threshold := a.cfg.Pipeline.StagedThreshold
	if opts.Staged || (threshold > 0 && len(parsed.Records) > threshold) {
		outcome.Mode = "staged"
		staged, err := p.RunStagedImport(ctx, parsed.Records, batch.ID, opts.ScanDate, batch.ID)
		if err != nil {
			return nil, err
		}
		a.logger.Info("records staged, reconciling in background",
			zap.String("import_id", staged.ImportID),
			zap.Int("staged", staged.InsertedToStaging))
		p.Wait()
	} else if _, err := p.RunImport(ctx, parsed.Records, batch.ID, opts.ScanDate); err != nil {
		capture.outcome(batch.ID)
		return nil, err
	}

	stats, err := capture.outcome(batch.ID)
	if err != nil {
		return nil, err
	}
	outcome.Stats = stats

	if opts.RemoveSource {
		if err := os.Remove(path); err != nil {
			a.logger.Warn("failed to remove imported export", zap.String("file", path), zap.Error(err))
		} else {
			a.logger.Info("removed imported export", zap.String("file", path))
		}
	}

	if opts.NotifyChanges {
		sendChangeSummary(ctx, a, p.Aggregator(), opts.ScanDate)
	}

	return outcome, nil
}

// sendChangeSummary posts the change summary of a scan date to Slack. Failures are logged only.
func sendChangeSummary(ctx context.Context, a *app, aggregator *pipeline.Aggregator, scanDate string) {
	slack := a.slack()
	if slack == nil {
		a.logger.Warn("change summary requested but Slack notifications are disabled")
		return
	}

	summary, err := aggregator.ChangeSummary(ctx, scanDate)
	if err != nil {
		a.logger.Warn("failed to build change summary", zap.String("scan_date", scanDate), zap.Error(err))
		return
	}
	if err := slack.SendChangeSummary(summary, a.cfg.Notification.MaxCVEsShown); err != nil {
		a.logger.Warn("failed to send change summary", zap.String("scan_date", scanDate), zap.Error(err))
	}
}

func resolveScanDate(raw string, now time.Time) (string, error) {
	if raw == "" {
		return now.UTC().Format(dateLayout), nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return "", fmt.Errorf("invalid scan date %q: expected YYYY-MM-DD", raw)
	}
	return t.Format(dateLayout), nil
}

func validateOutputFormat(format string) error {
	switch format {
	case "table", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unsupported output format %q (supported: table, json, yaml)", format)
}

// printOutcome renders an import outcome in the requested format
func printOutcome(w io.Writer, outcome *importOutcome, format string) error {
	switch format {
	case "json":
		return writeJSON(w, outcome)
	case "yaml":
		return writeYAML(w, outcome)
	}

	stats := outcome.Stats
	if stats == nil {
		stats = &pipeline.ImportStats{}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Import:\t%s\n", outcome.Batch.ID)
	fmt.Fprintf(tw, "File:\t%s (%d rows, %d records, %d skipped)\n",
		outcome.Batch.Filename, outcome.Batch.RowCount, outcome.Records, outcome.NormalizationErrors)
	fmt.Fprintf(tw, "Scan date:\t%s\n", outcome.Batch.ScanDate)
	fmt.Fprintf(tw, "Mode:\t%s\n", outcome.Mode)
	fmt.Fprintln(tw, "\t")
	fmt.Fprintf(tw, "Inserted:\t%d\n", stats.Inserted)
	fmt.Fprintf(tw, "Updated:\t%d\n", stats.Updated)
	fmt.Fprintf(tw, "Reopened:\t%d\n", stats.Reopened)
	fmt.Fprintf(tw, "Resolved:\t%d\n", stats.Resolved)
	fmt.Fprintf(tw, "Errors:\t%d\n", stats.Errors)
	fmt.Fprintf(tw, "Processed:\t%d\n", stats.TotalProcessed)
	fmt.Fprintf(tw, "Duration:\t%s\n", time.Duration(stats.DurationMs)*time.Millisecond)
	if err := tw.Flush(); err != nil {
		return err
	}

	if stats.Errors > 0 {
		fmt.Fprintf(w, "\n⚠️  %d records could not be reconciled\n", stats.Errors)
	} else {
		fmt.Fprintln(w, "\n✅ Import completed")
	}
	return nil
}

// writeYAML renders v through its JSON field names so both formats share one schema
func writeYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// sessionCapture records the terminal callback of each import session
type sessionCapture struct {
	mu    sync.Mutex
	stats map[string]*pipeline.ImportStats
	errs  map[string]error
}

func newSessionCapture() *sessionCapture {
	return &sessionCapture{
		stats: make(map[string]*pipeline.ImportStats),
		errs:  make(map[string]error),
	}
}

func (c *sessionCapture) NotifyProgress(string, int, string, map[string]any) {}

func (c *sessionCapture) NotifyComplete(sessionID string, _ string, stats *pipeline.ImportStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[sessionID] = stats
}

func (c *sessionCapture) NotifyError(sessionID string, message string, detail error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if detail == nil {
		c.errs[sessionID] = errors.New(message)
		return
	}
	c.errs[sessionID] = fmt.Errorf("%s: %w", message, detail)
}

// outcome returns and forgets the result of a finished session
func (c *sessionCapture) outcome(sessionID string) (*pipeline.ImportStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer delete(c.stats, sessionID)
	defer delete(c.errs, sessionID)

	if err, ok := c.errs[sessionID]; ok {
		return nil, err
	}
	if stats, ok := c.stats[sessionID]; ok {
		return stats, nil
	}
	return nil, fmt.Errorf("import %s finished without reporting a result", sessionID)
}

// scanDateFromName extracts a leading YYYY-MM-DD from an export file name
func scanDateFromName(name string) (string, bool) {
	base := filepath.Base(name)
	if len(base) < len(dateLayout) {
		return "", false
	}
	candidate := base[:len(dateLayout)]
	if _, err := time.Parse(dateLayout, candidate); err != nil {
		return "", false
	}
	if rest := base[len(dateLayout):]; rest != "" && !strings.ContainsAny(rest[:1], "_-. ") {
		return "", false
	}
	return candidate, true
}
