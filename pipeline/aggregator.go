package pipeline

import (
	"context"
	"fmt"
	"math"

	"vuln-lifecycle-tracker/db"
	"vuln-lifecycle-tracker/models"

	"go.uber.org/zap"
)

// Aggregator derives daily severity totals and change summaries from the canonical inventory
type Aggregator struct {
	db     *db.Database
	logger *zap.Logger
}

// NewAggregator creates a daily aggregator
func NewAggregator(database *db.Database, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{db: database, logger: logger}
}

// Aggregate recomputes and upserts the DailyTotal of a scan date. It only reads the
// canonical inventory, so repeated runs over unchanged data store identical values.
func (a *Aggregator) Aggregate(ctx context.Context, scanDate string) (*models.DailyTotal, error) {
	totals, err := a.db.ComputeSeverityTotals(ctx, scanDate)
	if err != nil {
		return nil, err
	}

	daily := &models.DailyTotal{ScanDate: scanDate}
	for _, t := range totals {
		sev := models.ParseSeverity(string(t.Severity))
		daily.SetSeverity(sev, daily.Count(sev)+t.Count, round2(daily.VPR(sev)+t.VPR))
	}

	if daily.ResolvedCount, err = a.db.CountResolvedOn(ctx, scanDate); err != nil {
		return nil, err
	}
	if daily.ReopenedCount, err = a.db.CountReopenedOn(ctx, scanDate); err != nil {
		return nil, err
	}

	if err := a.db.UpsertDailyTotal(ctx, daily); err != nil {
		return nil, err
	}

	a.logger.Info("daily totals updated",
		zap.String("scan_date", scanDate),
		zap.Int("active", daily.ActiveCount),
		zap.Int("resolved", daily.ResolvedCount),
		zap.Int("reopened", daily.ReopenedCount))

	return a.db.GetDailyTotal(ctx, scanDate)
}

// ChangeSummary compares the DailyTotal of a scan date with the most recent earlier one
func (a *Aggregator) ChangeSummary(ctx context.Context, scanDate string) (*models.ChangeSummary, error) {
	current, err := a.db.GetDailyTotal(ctx, scanDate)
	if err != nil {
		return nil, err
	}

	previous, err := a.db.GetPreviousDailyTotal(ctx, scanDate)
	if err != nil {
		return nil, err
	}
	if previous == nil {
		previous = &models.DailyTotal{}
	}

	summary := &models.ChangeSummary{
		ScanDate:         scanDate,
		PreviousScanDate: previous.ScanDate,
		Severities:       make([]models.SeverityDelta, 0, len(models.Severities)),
		ResolvedCVEs:     []models.CVEChange{},
	}

	for _, sev := range models.Severities {
		summary.Severities = append(summary.Severities, models.SeverityDelta{
			Severity:    sev,
			Current:     current.Count(sev),
			Previous:    previous.Count(sev),
			CountDelta:  current.Count(sev) - previous.Count(sev),
			CurrentVPR:  current.VPR(sev),
			PreviousVPR: previous.VPR(sev),
			VPRDelta:    round2(current.VPR(sev) - previous.VPR(sev)),
		})
	}

	if summary.NewCVEs, err = a.db.NewCVEsOn(ctx, scanDate); err != nil {
		return nil, fmt.Errorf("failed to collect new CVEs: %w", err)
	}

	if previous.ScanDate != "" {
		if summary.ResolvedCVEs, err = a.db.ResolvedCVEsBetween(ctx, previous.ScanDate, scanDate); err != nil {
			return nil, fmt.Errorf("failed to collect resolved CVEs: %w", err)
		}
	}

	return summary, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
