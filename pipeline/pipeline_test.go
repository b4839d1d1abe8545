package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"vuln-lifecycle-tracker/db"
	"vuln-lifecycle-tracker/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	day1 = "2024-03-01"
	day2 = "2024-03-02"
	day3 = "2024-03-03"
)

func setupTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, _ := setupTestDBWithPath(t)
	return database
}

func setupTestDBWithPath(t *testing.T) (*db.Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	database, err := db.NewDatabase("sqlite3", path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database, path
}

// execSQL runs statements on a second connection to the test database file
func execSQL(t *testing.T, path string, statements ...string) {
	t.Helper()
	conn, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer conn.Close()
	for _, stmt := range statements {
		_, err := conn.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func queryStrings(t *testing.T, path, query string) []string {
	t.Helper()
	conn, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer conn.Close()

	rows, err := conn.Query(query)
	require.NoError(t, err)
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		values = append(values, v)
	}
	require.NoError(t, rows.Err())
	return values
}

const rejectSnapshotTrigger = `
	CREATE TRIGGER reject_snapshot BEFORE INSERT ON vulnerability_snapshots
	WHEN NEW.cve = 'CVE-2024-0002'
	BEGIN SELECT RAISE(ABORT, 'snapshot rejected'); END`

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchYield = 0
	cfg.RetryInitialInterval = 1
	return cfg
}

type recordingNotifier struct {
	mu        sync.Mutex
	progress  []int
	completed []*ImportStats
	errors    []string
}

func (n *recordingNotifier) NotifyProgress(_ string, percent int, _ string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, percent)
}

func (n *recordingNotifier) NotifyComplete(_ string, _ string, stats *ImportStats) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, stats)
}

func (n *recordingNotifier) NotifyError(_ string, message string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, message)
}

func finding(host, cve, plugin string, sev models.Severity, vpr float64) models.CanonicalRecord {
	return models.CanonicalRecord{
		Hostname:   host,
		IPAddress:  "10.0.0.1",
		CVE:        cve,
		PluginID:   plugin,
		PluginName: "plugin " + plugin,
		Severity:   sev,
		VPRScore:   vpr,
		Vendor:     "tenable",
	}
}

// threeRowScan is three raw rows where the second carries two CVEs
func threeRowScan() []models.CanonicalRecord {
	multi := `{"host":"web-01","cve":"CVE-2024-0002, CVE-2024-0003"}`
	a := finding("web-01", "CVE-2024-0002", "1002", models.SeverityHigh, 7.1)
	b := finding("web-01", "CVE-2024-0003", "1002", models.SeverityHigh, 7.1)
	a.RawRow, b.RawRow = multi, multi
	return []models.CanonicalRecord{
		finding("web-01", "CVE-2024-0001", "1001", models.SeverityCritical, 9.5),
		a,
		b,
		finding("db-01", "", "1003", models.SeverityMedium, 5.0),
	}
}

func vulnerabilitiesByHost(t *testing.T, database *db.Database, host string) []*models.Vulnerability {
	t.Helper()
	vulns, err := database.ListVulnerabilities(context.Background(), db.VulnerabilityFilter{Hostname: host})
	require.NoError(t, err)
	return vulns
}

func TestRunImport_MultiCVERowExpandsToFourFindings(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	result, err := p.RunImport(ctx, threeRowScan(), "import-1", day1)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Inserted)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 4, result.TotalProcessed)
	assert.Equal(t, 0, result.Errors)

	counts, err := database.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[models.StateActive])

	snapshots, err := database.CountSnapshots(ctx, "import-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snapshots)

	staging, err := database.CountStaging(ctx, "import-1")
	require.NoError(t, err)
	assert.Zero(t, staging)

	total, err := database.GetDailyTotal(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, 4, total.ActiveCount)
	assert.Equal(t, 1, total.CriticalCount)
	assert.Equal(t, 2, total.HighCount)
	assert.Equal(t, 1, total.MediumCount)
	assert.InDelta(t, 14.2, total.HighVPR, 0.001)
}

func TestRunImport_IdempotentReimport(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	_, err := p.RunImport(ctx, threeRowScan(), "import-1", day1)
	require.NoError(t, err)

	result, err := p.RunImport(ctx, threeRowScan(), "import-2", day1)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 4, result.Updated)
	assert.Equal(t, 0, result.Resolved)

	vulns, err := database.ListVulnerabilities(ctx, db.VulnerabilityFilter{})
	require.NoError(t, err)
	require.Len(t, vulns, 4)
	for _, v := range vulns {
		assert.Equal(t, models.StateActive, v.LifecycleState)
		assert.Equal(t, day1, v.ScanDate)
		assert.Equal(t, day1, v.LastSeen)
		assert.Equal(t, "import-2", v.LastImportID)
	}
}

func TestRunImport_ResolvesFindingsAbsentFromNextScan(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	hostA := finding("host-a", "CVE-2024-1000", "2000", models.SeverityHigh, 8.0)
	hostB := finding("host-b", "CVE-2024-2000", "3000", models.SeverityLow, 2.0)

	_, err := p.RunImport(ctx, []models.CanonicalRecord{hostA, hostB}, "import-1", day1)
	require.NoError(t, err)

	result, err := p.RunImport(ctx, []models.CanonicalRecord{hostB}, "import-2", day2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Resolved)
	assert.Equal(t, 1, result.Updated)

	vulns := vulnerabilitiesByHost(t, database, "host-a")
	require.Len(t, vulns, 1)
	assert.Equal(t, models.StateResolved, vulns[0].LifecycleState)
	assert.Equal(t, day2, vulns[0].ResolvedDate)
	assert.Equal(t, models.ResolutionNotPresentInScan, vulns[0].ResolutionReason)

	total, err := database.GetDailyTotal(ctx, day2)
	require.NoError(t, err)
	assert.Equal(t, 1, total.ActiveCount)
	assert.Equal(t, 0, total.HighCount)
	assert.Equal(t, 1, total.LowCount)
	assert.Equal(t, 1, total.ResolvedCount)
}

func TestRunImport_ReopensResolvedFinding(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	hostA := finding("host-a", "CVE-2024-1000", "2000", models.SeverityHigh, 8.0)
	hostB := finding("host-b", "CVE-2024-2000", "3000", models.SeverityLow, 2.0)

	_, err := p.RunImport(ctx, []models.CanonicalRecord{hostA, hostB}, "import-1", day1)
	require.NoError(t, err)
	_, err = p.RunImport(ctx, []models.CanonicalRecord{hostB}, "import-2", day2)
	require.NoError(t, err)

	result, err := p.RunImport(ctx, []models.CanonicalRecord{hostA, hostB}, "import-3", day3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reopened)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Inserted)

	vulns := vulnerabilitiesByHost(t, database, "host-a")
	require.Len(t, vulns, 1)
	assert.Equal(t, models.StateReopened, vulns[0].LifecycleState)
	assert.Empty(t, vulns[0].ResolvedDate)
	assert.Empty(t, vulns[0].ResolutionReason)
	assert.Equal(t, day1, vulns[0].FirstSeen)

	total, err := database.GetDailyTotal(ctx, day3)
	require.NoError(t, err)
	assert.Equal(t, 2, total.ActiveCount)
	assert.Equal(t, 1, total.ReopenedCount)

	// seen again: a reopened finding settles back to active
	_, err = p.RunImport(ctx, []models.CanonicalRecord{hostA, hostB}, "import-4", "2024-03-04")
	require.NoError(t, err)
	vulns = vulnerabilitiesByHost(t, database, "host-a")
	assert.Equal(t, models.StateActive, vulns[0].LifecycleState)
}

func TestRunImport_ReimportKeepsReopenedLabel(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	hostA := finding("host-a", "CVE-2024-1000", "2000", models.SeverityHigh, 8.0)
	hostB := finding("host-b", "CVE-2024-2000", "3000", models.SeverityLow, 2.0)
	scan3 := []models.CanonicalRecord{hostA, hostB}

	_, err := p.RunImport(ctx, []models.CanonicalRecord{hostA, hostB}, "import-1", day1)
	require.NoError(t, err)
	_, err = p.RunImport(ctx, []models.CanonicalRecord{hostB}, "import-2", day2)
	require.NoError(t, err)
	_, err = p.RunImport(ctx, scan3, "import-3", day3)
	require.NoError(t, err)

	before, err := database.GetDailyTotal(ctx, day3)
	require.NoError(t, err)
	require.Equal(t, 1, before.ReopenedCount)

	// the same day3 export uploaded again
	result, err := p.RunImport(ctx, scan3, "import-3b", day3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reopened)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Resolved)

	vulns := vulnerabilitiesByHost(t, database, "host-a")
	require.Len(t, vulns, 1)
	assert.Equal(t, models.StateReopened, vulns[0].LifecycleState)
	assert.Equal(t, day3, vulns[0].ReopenedDate)

	after, err := database.GetDailyTotal(ctx, day3)
	require.NoError(t, err)
	assert.Equal(t, before.ReopenedCount, after.ReopenedCount)
	assert.Equal(t, before.ActiveCount, after.ActiveCount)

	// a later scan date settles it back to active
	_, err = p.RunImport(ctx, scan3, "import-4", "2024-03-04")
	require.NoError(t, err)
	vulns = vulnerabilitiesByHost(t, database, "host-a")
	assert.Equal(t, models.StateActive, vulns[0].LifecycleState)
}

func TestRunImport_DuplicateObservationReopensOnce(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	hostA := finding("host-a", "CVE-2024-1000", "2000", models.SeverityHigh, 8.0)
	hostB := finding("host-b", "CVE-2024-2000", "3000", models.SeverityLow, 2.0)

	_, err := p.RunImport(ctx, []models.CanonicalRecord{hostA}, "import-1", day1)
	require.NoError(t, err)
	_, err = p.RunImport(ctx, []models.CanonicalRecord{hostB}, "import-2", day2)
	require.NoError(t, err)

	result, err := p.RunImport(ctx, []models.CanonicalRecord{hostA, hostA}, "import-3", day3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reopened)
	assert.Equal(t, 1, result.Updated)

	vulns := vulnerabilitiesByHost(t, database, "host-a")
	require.Len(t, vulns, 1)
	assert.Equal(t, models.StateReopened, vulns[0].LifecycleState)

	total, err := database.GetDailyTotal(ctx, day3)
	require.NoError(t, err)
	assert.Equal(t, result.Reopened, total.ReopenedCount)
}

func TestRunImport_LegacyKeyMatchesChangedIP(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	rec := finding("host-a", "CVE-2024-1000", "2000", models.SeverityHigh, 8.0)
	_, err := p.RunImport(ctx, []models.CanonicalRecord{rec}, "import-1", day1)
	require.NoError(t, err)

	rec.IPAddress = "10.0.0.99"
	result, err := p.RunImport(ctx, []models.CanonicalRecord{rec}, "import-2", day2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Inserted)

	vulns := vulnerabilitiesByHost(t, database, "host-a")
	require.Len(t, vulns, 1)
	assert.Equal(t, "10.0.0.99", vulns[0].IPAddress)
	assert.Equal(t, models.StateActive, vulns[0].LifecycleState)
}

func TestRunImport_LegacyKeyDoesNotMergeWithinOneImport(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	first := finding("host-a", "CVE-2024-1000", "2000", models.SeverityHigh, 8.0)
	second := first
	second.IPAddress = "10.0.0.2"

	result, err := p.RunImport(ctx, []models.CanonicalRecord{first, second}, "import-1", day1)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Len(t, vulnerabilitiesByHost(t, database, "host-a"), 2)
}

func TestRunImport_SkipsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	records := []models.CanonicalRecord{
		finding("host-a", "CVE-2024-1000", "2000", models.SeverityHigh, 8.0),
		{CVE: "CVE-2024-9999"},
		{Hostname: "host-c"},
	}

	result, err := p.RunImport(ctx, records, "import-1", day1)
	require.NoError(t, err)
	assert.Equal(t, 2, result.StagingErrors)
	assert.Equal(t, 1, result.Inserted)
}

func TestRunImport_SequentialBatchesReportProgress(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	notifier := &recordingNotifier{}
	cfg := testConfig()
	cfg.BatchSize = 2
	p := New(database, zap.NewNop(), notifier, nil, cfg)

	var records []models.CanonicalRecord
	for _, host := range []string{"h1", "h2", "h3", "h4", "h5"} {
		records = append(records, finding(host, "CVE-2024-1000", "2000", models.SeverityMedium, 4.0))
	}

	result, err := p.RunImport(ctx, records, "import-1", day1)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, 5, result.Inserted)

	require.NotEmpty(t, notifier.progress)
	assert.Equal(t, ProgressStagingStart, notifier.progress[0])
	assert.Equal(t, ProgressAggregatedDone, notifier.progress[len(notifier.progress)-1])
	assert.IsNonDecreasing(t, notifier.progress)
	assert.Contains(t, notifier.progress, ProgressBatchesDone)

	require.Len(t, notifier.completed, 1)
	assert.Equal(t, 5, notifier.completed[0].Inserted)
	assert.Empty(t, notifier.errors)
}

func TestRunImport_RecordsProcessingTime(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	p := New(database, zap.NewNop(), nil, nil, testConfig())

	batch := &models.ImportBatch{Filename: "scan.csv", Vendor: "tenable", ScanDate: day1, RowCount: 3}
	require.NoError(t, p.StartImport(ctx, batch))
	require.NotEmpty(t, batch.ID)

	_, err := p.RunImport(ctx, threeRowScan(), batch.ID, day1)
	require.NoError(t, err)

	stored, err := database.GetImportBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "scan.csv", stored.Filename)
	assert.GreaterOrEqual(t, stored.ProcessingTimeMs, int64(0))
}

func TestStartImport_RequiresScanDate(t *testing.T) {
	p := New(setupTestDB(t), nil, nil, nil, testConfig())
	err := p.StartImport(context.Background(), &models.ImportBatch{Filename: "scan.csv"})
	assert.Error(t, err)
}

func TestRunStagedImport_ContinuesInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	database := setupTestDB(t)
	notifier := &recordingNotifier{}
	p := New(database, zap.NewNop(), notifier, nil, testConfig())

	staged, err := p.RunStagedImport(ctx, threeRowScan(), "import-1", day1, "session-1")
	require.NoError(t, err)
	assert.Equal(t, 4, staged.InsertedToStaging)
	assert.Equal(t, 0, staged.StagingErrors)

	// the request that started the import going away must not abort it
	cancel()
	p.Wait()

	require.Len(t, notifier.completed, 1)
	assert.Equal(t, 4, notifier.completed[0].Inserted)
	assert.Empty(t, notifier.errors)

	staging, err := database.CountStaging(context.Background(), "import-1")
	require.NoError(t, err)
	assert.Zero(t, staging)
}

func TestRunImport_NotifiesErrorOnTransactionFailure(t *testing.T) {
	database := setupTestDB(t)
	notifier := &recordingNotifier{}
	p := New(database, zap.NewNop(), notifier, nil, testConfig())
	require.NoError(t, database.Close())

	_, err := p.RunImport(context.Background(), threeRowScan(), "import-1", day1)
	require.Error(t, err)

	var txErr *TransactionError
	assert.True(t, errors.As(err, &txErr))
	assert.Equal(t, "staging", txErr.Phase)
	require.Len(t, notifier.errors, 1)
	assert.Contains(t, notifier.errors[0], "staging failed")
	assert.Empty(t, notifier.completed)
}

func TestReconcile_AbsorbsPerRecordPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	database, path := setupTestDBWithPath(t)
	execSQL(t, path, rejectSnapshotTrigger)

	_, err := NewStagingLoader(database, zap.NewNop(), nil, nil).Load(ctx, "import-1", "import-1", threeRowScan())
	require.NoError(t, err)

	metrics := NewMetrics(prometheus.NewRegistry())
	result, err := NewReconciler(database, zap.NewNop(), nil, metrics, testConfig()).
		Reconcile(ctx, "import-1", day1, "import-1")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Inserted)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 4, result.TotalProcessed)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.records.WithLabelValues("error")))
	assert.Zero(t, testutil.ToFloat64(metrics.batchRetries))

	unprocessed, err := database.CountUnprocessedStaging(ctx, "import-1")
	require.NoError(t, err)
	assert.Zero(t, unprocessed)

	failures := queryStrings(t, path,
		"SELECT processing_error FROM vulnerability_staging WHERE processing_error IS NOT NULL")
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "snapshot rejected")

	snapshots, err := database.CountSnapshots(ctx, "import-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snapshots)

	cves := queryStrings(t, path, "SELECT cve FROM vulnerabilities_current WHERE cve <> '' ORDER BY cve")
	assert.Equal(t, []string{"CVE-2024-0001", "CVE-2024-0003"}, cves)
}

func TestRunImport_RetriesFailedBatchTransaction(t *testing.T) {
	ctx := context.Background()
	database, path := setupTestDBWithPath(t)
	execSQL(t, path, rejectSnapshotTrigger, `
		CREATE TRIGGER block_failure_mark BEFORE UPDATE OF processing_error ON vulnerability_staging
		WHEN NEW.processing_error IS NOT NULL
		BEGIN SELECT RAISE(ABORT, 'staging row locked'); END`)

	notifier := &recordingNotifier{}
	metrics := NewMetrics(prometheus.NewRegistry())
	p := New(database, zap.NewNop(), notifier, metrics, testConfig())

	_, err := p.RunImport(ctx, threeRowScan(), "import-1", day1)
	require.Error(t, err)

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "batch", txErr.Phase)
	assert.Equal(t, 1, txErr.Batch)

	assert.Equal(t, float64(DefaultMaxBatchRetries), testutil.ToFloat64(metrics.batchRetries))
	assert.Zero(t, testutil.ToFloat64(metrics.batches))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.imports.WithLabelValues("failed")))

	// every attempt rolled back; the staging rows stay for inspection
	unprocessed, err := database.CountUnprocessedStaging(ctx, "import-1")
	require.NoError(t, err)
	assert.Equal(t, 4, unprocessed)

	counts, err := database.CountByState(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	require.Len(t, notifier.errors, 1)
	assert.Contains(t, notifier.errors[0], "reconciliation failed")
}

func TestRunImport_LookupFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	database, path := setupTestDBWithPath(t)
	execSQL(t, path, "ALTER TABLE vulnerabilities_current RENAME COLUMN last_import_id TO last_import_ref")

	metrics := NewMetrics(prometheus.NewRegistry())
	p := New(database, zap.NewNop(), nil, metrics, testConfig())

	_, err := p.RunImport(ctx, threeRowScan(), "import-1", day1)
	require.Error(t, err)

	var lookupErr *LookupError
	assert.True(t, errors.As(err, &lookupErr))
	var txErr *TransactionError
	assert.False(t, errors.As(err, &txErr))
	assert.Zero(t, testutil.ToFloat64(metrics.batchRetries))

	unprocessed, err := database.CountUnprocessedStaging(ctx, "import-1")
	require.NoError(t, err)
	assert.Equal(t, 4, unprocessed)
}

func TestNextState(t *testing.T) {
	tests := []struct {
		name     string
		existing models.Vulnerability
		want     recordOutcome
	}{
		{"resolved comes back", models.Vulnerability{LifecycleState: models.StateResolved}, outcomeReopened},
		{"grace period reconfirmed", models.Vulnerability{LifecycleState: models.StateGracePeriod}, outcomeUpdated},
		{"reopened by an earlier upload of the same date", models.Vulnerability{LifecycleState: models.StateGracePeriod, ReopenedDate: day3}, outcomeReopened},
		{"reopened on an earlier date", models.Vulnerability{LifecycleState: models.StateGracePeriod, ReopenedDate: day2}, outcomeUpdated},
		{"already reopened by this import", models.Vulnerability{LifecycleState: models.StateReopened, ReopenedDate: day3}, outcomeUpdated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextState(&tt.existing, day3))
		})
	}
}

func TestRunImport_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	p := New(setupTestDB(t), zap.NewNop(), nil, metrics, testConfig())

	_, err := p.RunImport(context.Background(), threeRowScan(), "import-1", day1)
	require.NoError(t, err)
	_, err = p.RunImport(context.Background(), threeRowScan(), "import-2", day1)
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.imports.WithLabelValues("success")))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.records.WithLabelValues("inserted")))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.records.WithLabelValues("updated")))
	assert.Equal(t, float64(8), testutil.ToFloat64(metrics.stagedRecords))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.batches))
}

func TestMulti_SkipsNilNotifiers(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	n := Multi(a, nil, b)

	n.NotifyProgress("s", 42, "halfway", nil)
	n.NotifyComplete("s", "done", &ImportStats{Inserted: 1})
	n.NotifyError("s", "boom", errors.New("cause"))

	for _, r := range []*recordingNotifier{a, b} {
		assert.Equal(t, []int{42}, r.progress)
		assert.Len(t, r.completed, 1)
		assert.Equal(t, []string{"boom"}, r.errors)
	}
}

func TestScale(t *testing.T) {
	assert.Equal(t, 60, scale(60, 95, 0, 10))
	assert.Equal(t, 95, scale(60, 95, 10, 10))
	assert.Equal(t, 77, scale(60, 95, 5, 10))
	assert.Equal(t, 95, scale(60, 95, 0, 0))
	assert.Equal(t, 95, scale(60, 95, 12, 10))
}
