package pipeline

import (
	"context"
	"testing"

	"vuln-lifecycle-tracker/db"
	"vuln-lifecycle-tracker/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAggregate_Deterministic(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	_, err := p.RunImport(ctx, threeRowScan(), "import-1", day1)
	require.NoError(t, err)

	agg := NewAggregator(database, zap.NewNop())
	first, err := agg.Aggregate(ctx, day1)
	require.NoError(t, err)
	second, err := agg.Aggregate(ctx, day1)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	totals, err := database.ListDailyTotals(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, totals, 1)
}

func TestAggregate_DeduplicatesNearDuplicatesPerHost(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	// same CVE reported by two plugins on one host counts once, at the higher VPR
	records := []models.CanonicalRecord{
		finding("host-a", "CVE-2024-1000", "2000", models.SeverityHigh, 7.0),
		finding("host-a", "CVE-2024-1000", "2001", models.SeverityHigh, 8.4),
		finding("host-b", "CVE-2024-1000", "2000", models.SeverityHigh, 7.0),
	}
	_, err := p.RunImport(ctx, records, "import-1", day1)
	require.NoError(t, err)

	total, err := database.GetDailyTotal(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, 2, total.HighCount)
	assert.InDelta(t, 15.4, total.HighVPR, 0.001)
	assert.Equal(t, 2, total.ActiveCount)
}

func TestAggregate_EmptyDate(t *testing.T) {
	database := setupTestDB(t)
	agg := NewAggregator(database, nil)

	total, err := agg.Aggregate(context.Background(), "2020-01-01")
	require.NoError(t, err)
	assert.Equal(t, "2020-01-01", total.ScanDate)
	assert.Zero(t, total.ActiveCount)
	assert.Zero(t, total.ResolvedCount)
}

func TestChangeSummary_NewAndResolvedCVEs(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	a := finding("host-a", "CVE-2024-0001", "1001", models.SeverityCritical, 9.0)
	b := finding("host-b", "CVE-2024-0002", "1002", models.SeverityMedium, 5.0)
	c := finding("host-c", "CVE-2024-0003", "1003", models.SeverityHigh, 7.5)
	c2 := finding("host-d", "CVE-2024-0003", "1003", models.SeverityHigh, 7.5)

	_, err := p.RunImport(ctx, []models.CanonicalRecord{a, b}, "import-1", day1)
	require.NoError(t, err)
	_, err = p.RunImport(ctx, []models.CanonicalRecord{b, c, c2}, "import-2", day2)
	require.NoError(t, err)

	summary, err := p.Aggregator().ChangeSummary(ctx, day2)
	require.NoError(t, err)

	assert.Equal(t, day2, summary.ScanDate)
	assert.Equal(t, day1, summary.PreviousScanDate)

	require.Len(t, summary.NewCVEs, 1)
	assert.Equal(t, "CVE-2024-0003", summary.NewCVEs[0].CVE)
	assert.Equal(t, models.SeverityHigh, summary.NewCVEs[0].Severity)
	assert.Equal(t, 2, summary.NewCVEs[0].HostCount)
	assert.InDelta(t, 15.0, summary.NewCVEs[0].TotalVPR, 0.001)

	require.Len(t, summary.ResolvedCVEs, 1)
	assert.Equal(t, "CVE-2024-0001", summary.ResolvedCVEs[0].CVE)
	assert.Equal(t, models.SeverityCritical, summary.ResolvedCVEs[0].Severity)
	assert.Equal(t, 1, summary.ResolvedCVEs[0].HostCount)

	require.Len(t, summary.Severities, len(models.Severities))
	critical := summary.Severities[0]
	assert.Equal(t, models.SeverityCritical, critical.Severity)
	assert.Equal(t, 1, critical.Previous)
	assert.Equal(t, 0, critical.Current)
	assert.Equal(t, -1, critical.CountDelta)
	assert.InDelta(t, -9.0, critical.VPRDelta, 0.001)
}

func TestChangeSummary_ResolvedCVEsReportedOnce(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	a := finding("host-a", "CVE-2024-0001", "1001", models.SeverityCritical, 9.0)
	b := finding("host-b", "CVE-2024-0002", "1002", models.SeverityMedium, 5.0)

	_, err := p.RunImport(ctx, []models.CanonicalRecord{a, b}, "import-1", day1)
	require.NoError(t, err)
	_, err = p.RunImport(ctx, []models.CanonicalRecord{b}, "import-2", day2)
	require.NoError(t, err)
	_, err = p.RunImport(ctx, []models.CanonicalRecord{b}, "import-3", day3)
	require.NoError(t, err)

	summary, err := p.Aggregator().ChangeSummary(ctx, day2)
	require.NoError(t, err)
	require.Len(t, summary.ResolvedCVEs, 1)
	assert.Equal(t, "CVE-2024-0001", summary.ResolvedCVEs[0].CVE)

	// resolved on day2, so it is not resolved again on day3
	summary, err = p.Aggregator().ChangeSummary(ctx, day3)
	require.NoError(t, err)
	assert.Equal(t, day2, summary.PreviousScanDate)
	assert.Empty(t, summary.ResolvedCVEs)
	assert.Empty(t, summary.NewCVEs)
}

func TestChangeSummary_FirstScanHasNoPrevious(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	_, err := p.RunImport(ctx, threeRowScan(), "import-1", day1)
	require.NoError(t, err)

	summary, err := p.Aggregator().ChangeSummary(ctx, day1)
	require.NoError(t, err)
	assert.Empty(t, summary.PreviousScanDate)
	assert.Len(t, summary.NewCVEs, 3)
	assert.Empty(t, summary.ResolvedCVEs)
}

func TestChangeSummary_UnknownDate(t *testing.T) {
	database := setupTestDB(t)
	agg := NewAggregator(database, nil)

	_, err := agg.ChangeSummary(context.Background(), "2020-01-01")
	assert.ErrorIs(t, err, db.ErrNotFound)
}
