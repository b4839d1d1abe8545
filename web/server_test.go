package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"vuln-lifecycle-tracker/db"
	"vuln-lifecycle-tracker/models"
	"vuln-lifecycle-tracker/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	day1 = "2025-03-01"
	day2 = "2025-03-02"
)

// setupTestServer creates a server over a temporary store holding two scans
func setupTestServer(t *testing.T) (*Server, *db.Database) {
	t.Helper()

	database, err := db.NewDatabase("sqlite3", filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	reg := prometheus.NewRegistry()
	p := pipeline.New(database, zap.NewNop(), nil, pipeline.NewMetrics(reg), pipeline.Config{BatchSize: 100})

	first := []models.CanonicalRecord{
		record("web-01", "CVE-2025-0001", models.SeverityCritical, 9.5),
		record("web-01", "CVE-2025-0002", models.SeverityHigh, 7.0),
		record("db-01", "CVE-2025-0003", models.SeverityMedium, 5.5),
	}
	for _, scan := range []struct {
		id, date string
		records  []models.CanonicalRecord
	}{
		{"import-1", day1, first},
		{"import-2", day2, []models.CanonicalRecord{first[0], first[2]}},
	} {
		batch := &models.ImportBatch{ID: scan.id, Filename: scan.id + ".csv", Vendor: "tenable", ScanDate: scan.date}
		require.NoError(t, p.StartImport(context.Background(), batch))
		_, err := p.RunImport(context.Background(), scan.records, scan.id, scan.date)
		require.NoError(t, err)
	}

	return NewServer(database, p.Aggregator(), reg, zap.NewNop(), "0"), database
}

func record(host, cve string, sev models.Severity, vpr float64) models.CanonicalRecord {
	return models.CanonicalRecord{
		Hostname:   host,
		IPAddress:  "10.0.0.1",
		CVE:        cve,
		PluginID:   "p-" + cve,
		PluginName: "plugin " + cve,
		Severity:   sev,
		VPRScore:   vpr,
		Vendor:     "tenable",
	}
}

func get(t *testing.T, server *Server, target string) (int, []byte) {
	t.Helper()
	resp, err := server.app.Test(httptest.NewRequest(http.MethodGet, target, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealthCheck(t *testing.T) {
	server, _ := setupTestServer(t)

	status, body := get(t, server, "/api/v1/health")
	assert.Equal(t, http.StatusOK, status)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.NotEmpty(t, payload["timestamp"])
}

func TestStats(t *testing.T) {
	server, _ := setupTestServer(t)

	status, body := get(t, server, "/api/v1/stats")
	require.Equal(t, http.StatusOK, status)

	var payload struct {
		Total   int            `json:"total"`
		ByState map[string]int `json:"by_state"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, 3, payload.Total)
	assert.Equal(t, 2, payload.ByState["active"])
	assert.Equal(t, 1, payload.ByState["resolved"])
	assert.Equal(t, 0, payload.ByState["grace_period"])
}

func TestDailyTotals(t *testing.T) {
	server, _ := setupTestServer(t)

	status, body := get(t, server, "/api/v1/daily-totals")
	require.Equal(t, http.StatusOK, status)

	var totals []models.DailyTotal
	require.NoError(t, json.Unmarshal(body, &totals))
	require.Len(t, totals, 2)

	status, body = get(t, server, "/api/v1/daily-totals/"+day2)
	require.Equal(t, http.StatusOK, status)

	var total models.DailyTotal
	require.NoError(t, json.Unmarshal(body, &total))
	assert.Equal(t, day2, total.ScanDate)
	assert.Equal(t, 1, total.CriticalCount)
	assert.Equal(t, 0, total.HighCount)
	assert.Equal(t, 1, total.MediumCount)
	assert.Equal(t, 2, total.ActiveCount)
	assert.Equal(t, 1, total.ResolvedCount)
}

func TestDailyTotal_Errors(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"unknown date", "/api/v1/daily-totals/2024-01-01", http.StatusNotFound},
		{"malformed date", "/api/v1/daily-totals/yesterday", http.StatusBadRequest},
		{"malformed changes date", "/api/v1/daily-totals/03-02-2025/changes", http.StatusBadRequest},
		{"unknown changes date", "/api/v1/daily-totals/2024-01-01/changes", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := get(t, server, tt.target)
			assert.Equal(t, tt.status, status)
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestChangeSummary(t *testing.T) {
	server, _ := setupTestServer(t)

	status, body := get(t, server, "/api/v1/daily-totals/"+day2+"/changes")
	require.Equal(t, http.StatusOK, status)

	var summary models.ChangeSummary
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, day1, summary.PreviousScanDate)
	assert.Empty(t, summary.NewCVEs)
	require.Len(t, summary.ResolvedCVEs, 1)
	assert.Equal(t, "CVE-2025-0002", summary.ResolvedCVEs[0].CVE)
}

func TestImports(t *testing.T) {
	server, _ := setupTestServer(t)

	status, body := get(t, server, "/api/v1/imports?limit=1")
	require.Equal(t, http.StatusOK, status)

	var batches []models.ImportBatch
	require.NoError(t, json.Unmarshal(body, &batches))
	assert.Len(t, batches, 1)

	status, body = get(t, server, "/api/v1/imports/import-1")
	require.Equal(t, http.StatusOK, status)

	var batch models.ImportBatch
	require.NoError(t, json.Unmarshal(body, &batch))
	assert.Equal(t, "import-1.csv", batch.Filename)
	assert.Equal(t, day1, batch.ScanDate)

	status, _ = get(t, server, "/api/v1/imports/missing")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestVulnerabilities(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{"all", "", http.StatusOK, 3},
		{"by state", "?state=resolved", http.StatusOK, 1},
		{"by host", "?host=web-01", http.StatusOK, 2},
		{"by host and state", "?host=web-01&state=active", http.StatusOK, 1},
		{"with limit", "?limit=2", http.StatusOK, 2},
		{"invalid state", "?state=fixed", http.StatusBadRequest, 0},
		{"invalid date", "?date=tomorrow", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := get(t, server, "/api/v1/vulnerabilities"+tt.query)
			require.Equal(t, tt.status, status)
			if tt.status != http.StatusOK {
				return
			}

			var vulns []models.Vulnerability
			require.NoError(t, json.Unmarshal(body, &vulns))
			assert.Len(t, vulns, tt.count)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	status, body := get(t, server, "/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `vuln_tracker_imports_total{status="success"} 2`)
	assert.Contains(t, string(body), "vuln_tracker_staged_records_total 5")
}

func TestMetricsEndpoint_DisabledWithoutGatherer(t *testing.T) {
	_, database := setupTestServer(t)
	server := NewServer(database, pipeline.NewAggregator(database, nil), nil, nil, "0")

	status, _ := get(t, server, "/metrics")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, clampLimit(0))
	assert.Equal(t, defaultListLimit, clampLimit(-5))
	assert.Equal(t, 10, clampLimit(10))
	assert.Equal(t, maxListLimit, clampLimit(maxListLimit+1))
}
