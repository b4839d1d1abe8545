package db

import (
	"context"
	"fmt"

	"vuln-lifecycle-tracker/models"
)

// MarkActiveAsGracePeriod presumes every open finding stale until the running scan
// reconfirms it
func (db *Database) MarkActiveAsGracePeriod(ctx context.Context) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE vulnerabilities_current
		SET lifecycle_state = ?, updated_at = ?
		WHERE lifecycle_state IN (?, ?)
	`, string(models.StateGracePeriod), nowUTC(),
		string(models.StateActive), string(models.StateReopened))
	if err != nil {
		return 0, fmt.Errorf("failed to mark findings as grace period: %w", err)
	}
	return result.RowsAffected()
}

// ResolveGracePeriod resolves every finding the scan did not reconfirm
func (db *Database) ResolveGracePeriod(ctx context.Context, scanDate, reason string) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE vulnerabilities_current
		SET lifecycle_state = ?, resolved_date = ?, resolution_reason = ?, updated_at = ?
		WHERE lifecycle_state = ?
	`, string(models.StateResolved), scanDate, reason, nowUTC(), string(models.StateGracePeriod))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve grace period findings: %w", err)
	}
	return result.RowsAffected()
}

// VulnerabilityFilter narrows inventory listings
type VulnerabilityFilter struct {
	State    models.LifecycleState
	ScanDate string
	Hostname string
	Limit    int
}

// ListVulnerabilities returns canonical findings matching the filter
func (db *Database) ListVulnerabilities(ctx context.Context, filter VulnerabilityFilter) ([]*models.Vulnerability, error) {
	q := db.orm.WithContext(ctx).Model(&models.Vulnerability{})
	if filter.State != "" {
		q = q.Where("lifecycle_state = ?", string(filter.State))
	}
	if filter.ScanDate != "" {
		q = q.Where("scan_date = ?", filter.ScanDate)
	}
	if filter.Hostname != "" {
		q = q.Where("hostname = ?", filter.Hostname)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var vulns []*models.Vulnerability
	if err := q.Order("id").Find(&vulns).Error; err != nil {
		return nil, fmt.Errorf("failed to list vulnerabilities: %w", err)
	}
	return vulns, nil
}

// CountByState returns the number of canonical findings per lifecycle state
func (db *Database) CountByState(ctx context.Context) (map[models.LifecycleState]int, error) {
	var rows []struct {
		LifecycleState string
		Count          int
	}
	err := db.orm.WithContext(ctx).Model(&models.Vulnerability{}).
		Select("lifecycle_state, COUNT(*) AS count").
		Group("lifecycle_state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count vulnerabilities by state: %w", err)
	}

	counts := make(map[models.LifecycleState]int, len(rows))
	for _, r := range rows {
		counts[models.LifecycleState(r.LifecycleState)] = r.Count
	}
	return counts, nil
}

// CountSnapshots returns the number of snapshot rows written by an import
func (db *Database) CountSnapshots(ctx context.Context, importID string) (int64, error) {
	var count int64
	err := db.orm.WithContext(ctx).Model(&models.Snapshot{}).
		Where("import_id = ?", importID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}
