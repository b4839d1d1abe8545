package db

import (
	"context"
	"errors"
	"fmt"

	"vuln-lifecycle-tracker/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// openStatesSQL lists the lifecycle states counted as present in a scan
const openStatesSQL = `('active', 'reopened')`

const severityRankSQL = `CASE %s
		WHEN 'critical' THEN 1
		WHEN 'high' THEN 2
		WHEN 'medium' THEN 3
		WHEN 'low' THEN 4
		ELSE 5
	END`

var rankedSeverities = map[int]models.Severity{
	1: models.SeverityCritical,
	2: models.SeverityHigh,
	3: models.SeverityMedium,
	4: models.SeverityLow,
	5: models.SeverityInfo,
}

// SeverityTotal is the deduplicated count and VPR sum of one severity bucket
type SeverityTotal struct {
	Severity models.Severity
	Count    int
	VPR      float64
}

// ComputeSeverityTotals groups open findings of a scan date by (severity, host, identity)
// keeping the highest VPR per group, then sums per severity
func (db *Database) ComputeSeverityTotals(ctx context.Context, scanDate string) ([]SeverityTotal, error) {
	rows, err := db.conn.QueryContext(ctx, `
		WITH deduped AS (
			SELECT severity,
			       COALESCE(NULLIF(hostname, ''), ip_address, '') AS host,
			       COALESCE(NULLIF(cve, ''), NULLIF(plugin_id, ''),
			                substr(COALESCE(description, ''), 1, 100)) AS identity_key,
			       MAX(vpr_score) AS max_vpr
			FROM vulnerabilities_current
			WHERE scan_date = ? AND lifecycle_state IN `+openStatesSQL+`
			GROUP BY severity, host, identity_key
		)
		SELECT severity, COUNT(*), ROUND(COALESCE(SUM(max_vpr), 0), 2)
		FROM deduped
		GROUP BY severity
		ORDER BY severity
	`, scanDate)
	if err != nil {
		return nil, fmt.Errorf("failed to compute severity totals: %w", err)
	}
	defer rows.Close()

	var totals []SeverityTotal
	for rows.Next() {
		var (
			t        SeverityTotal
			severity string
		)
		if err := rows.Scan(&severity, &t.Count, &t.VPR); err != nil {
			return nil, fmt.Errorf("failed to scan severity total: %w", err)
		}
		t.Severity = models.Severity(severity)
		totals = append(totals, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating severity totals: %w", err)
	}

	return totals, nil
}

// CountResolvedOn returns the number of distinct findings resolved on a scan date
func (db *Database) CountResolvedOn(ctx context.Context, scanDate string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT id) FROM vulnerabilities_current
		WHERE resolved_date = ? AND lifecycle_state = ?
	`, scanDate, string(models.StateResolved)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count resolved findings: %w", err)
	}
	return count, nil
}

// CountReopenedOn returns the number of findings reopened by the scan of a date
func (db *Database) CountReopenedOn(ctx context.Context, scanDate string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM vulnerabilities_current
		WHERE scan_date = ? AND lifecycle_state = ?
	`, scanDate, string(models.StateReopened)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reopened findings: %w", err)
	}
	return count, nil
}

// UpsertDailyTotal writes the single daily total row of a scan date
func (db *Database) UpsertDailyTotal(ctx context.Context, total *models.DailyTotal) error {
	err := db.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "scan_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"critical_count", "critical_total_vpr",
			"high_count", "high_total_vpr",
			"medium_count", "medium_total_vpr",
			"low_count", "low_total_vpr",
			"info_count", "info_total_vpr",
			"active_count", "resolved_count", "reopened_count",
		}),
	}).Create(total).Error
	if err != nil {
		return fmt.Errorf("failed to upsert daily total: %w", err)
	}
	return nil
}

// GetDailyTotal returns the daily total of a scan date
func (db *Database) GetDailyTotal(ctx context.Context, scanDate string) (*models.DailyTotal, error) {
	total := &models.DailyTotal{}
	err := db.orm.WithContext(ctx).Where("scan_date = ?", scanDate).First(total).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("daily total for %s: %w", scanDate, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get daily total: %w", err)
	}
	return total, nil
}

// GetPreviousDailyTotal returns the most recent daily total strictly before a scan date,
// or nil when there is none
func (db *Database) GetPreviousDailyTotal(ctx context.Context, scanDate string) (*models.DailyTotal, error) {
	var totals []models.DailyTotal
	err := db.orm.WithContext(ctx).
		Where("scan_date < ?", scanDate).
		Order("scan_date DESC").
		Limit(1).
		Find(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get previous daily total: %w", err)
	}
	if len(totals) == 0 {
		return nil, nil
	}
	return &totals[0], nil
}

// ListDailyTotals returns the most recent daily totals, newest first
func (db *Database) ListDailyTotals(ctx context.Context, limit int) ([]*models.DailyTotal, error) {
	var totals []*models.DailyTotal
	err := db.orm.WithContext(ctx).Order("scan_date DESC").Limit(limit).Find(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list daily totals: %w", err)
	}
	return totals, nil
}

// NewCVEsOn lists CVEs open on a scan date that no snapshot before that date contains
func (db *Database) NewCVEsOn(ctx context.Context, scanDate string) ([]models.CVEChange, error) {
	query := `
		SELECT v.cve,
		       MIN(` + fmt.Sprintf(severityRankSQL, "v.severity") + `) AS sev_rank,
		       COUNT(DISTINCT COALESCE(NULLIF(v.hostname, ''), v.ip_address)) AS host_count,
		       ROUND(COALESCE(SUM(v.vpr_score), 0), 2) AS total_vpr
		FROM vulnerabilities_current v
		WHERE v.scan_date = ?
		  AND v.lifecycle_state IN ` + openStatesSQL + `
		  AND COALESCE(v.cve, '') <> ''
		  AND NOT EXISTS (
		      SELECT 1 FROM vulnerability_snapshots s
		      WHERE s.cve = v.cve AND s.scan_date < ?
		  )
		GROUP BY v.cve
		ORDER BY sev_rank, total_vpr DESC, v.cve
	`
	return db.queryCVEChanges(ctx, query, scanDate, scanDate)
}

// ResolvedCVEsBetween lists CVEs observed in the snapshots of previousDate that are no
// longer open on scanDate
func (db *Database) ResolvedCVEsBetween(ctx context.Context, previousDate, scanDate string) ([]models.CVEChange, error) {
	query := `
		WITH prior AS (
			SELECT cve,
			       COALESCE(NULLIF(hostname, ''), ip_address) AS host,
			       legacy_key,
			       MIN(` + fmt.Sprintf(severityRankSQL, "severity") + `) AS sev_rank,
			       MAX(vpr_score) AS vpr
			FROM vulnerability_snapshots
			WHERE scan_date = ? AND COALESCE(cve, '') <> ''
			GROUP BY cve, host, legacy_key
		)
		SELECT p.cve, MIN(p.sev_rank) AS sev_rank, COUNT(DISTINCT p.host) AS host_count,
		       ROUND(COALESCE(SUM(p.vpr), 0), 2) AS total_vpr
		FROM prior p
		WHERE NOT EXISTS (
		    SELECT 1 FROM vulnerabilities_current v
		    WHERE v.cve = p.cve AND v.scan_date = ? AND v.lifecycle_state IN ` + openStatesSQL + `
		)
		GROUP BY p.cve
		ORDER BY sev_rank, total_vpr DESC, p.cve
	`
	return db.queryCVEChanges(ctx, query, previousDate, scanDate)
}

func (db *Database) queryCVEChanges(ctx context.Context, query string, args ...interface{}) ([]models.CVEChange, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cve changes: %w", err)
	}
	defer rows.Close()

	changes := []models.CVEChange{}
	for rows.Next() {
		var (
			c    models.CVEChange
			rank int
		)
		if err := rows.Scan(&c.CVE, &rank, &c.HostCount, &c.TotalVPR); err != nil {
			return nil, fmt.Errorf("failed to scan cve change: %w", err)
		}
		c.Severity = rankedSeverities[rank]
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cve changes: %w", err)
	}

	return changes, nil
}
