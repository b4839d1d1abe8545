package db

import (
	"context"
	"database/sql"
	"fmt"

	"vuln-lifecycle-tracker/models"

	"go.uber.org/zap"
)

const stagingColumns = `hostname, ip_address, cve, plugin_id, plugin_name, description, severity,
	vpr_score, cvss_score, vendor, vendor_reference, vulnerability_date, port, protocol, solution,
	first_seen, last_seen, enhanced_key, legacy_key, confidence_score, dedup_tier, raw_row`

// StagingInsertResult reports the outcome of a bulk staging write
type StagingInsertResult struct {
	Inserted int
	Failed   int
}

// InsertStagingRecords bulk-writes staging rows for one import inside a single transaction.
// A failing row is counted and skipped; a failing begin/commit returns an error and
// leaves nothing committed.
func (db *Database) InsertStagingRecords(ctx context.Context, importID string, records []models.StagingRecord) (StagingInsertResult, error) {
	var result StagingInsertResult

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin staging transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vulnerability_staging (import_id, `+stagingColumns+`, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`)
	if err != nil {
		return result, fmt.Errorf("failed to prepare staging insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i].Record
		_, err := stmt.ExecContext(ctx, importID,
			rec.Hostname, rec.IPAddress, rec.CVE, rec.PluginID, rec.PluginName, rec.Description,
			string(rec.Severity), rec.VPRScore, rec.CVSSScore, rec.Vendor, rec.VendorReference,
			rec.VulnerabilityDate, rec.Port, rec.Protocol, rec.Solution, rec.FirstSeen, rec.LastSeen,
			nullString(records[i].EnhancedKey), records[i].LegacyKey,
			records[i].ConfidenceScore, records[i].DedupTier, rec.RawRow)
		if err != nil {
			db.logger.Warn("failed to stage record",
				zap.String("import_id", importID), zap.Int("index", i), zap.Error(err))
			result.Failed++
			continue
		}
		result.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return StagingInsertResult{}, fmt.Errorf("failed to commit staging transaction: %w", err)
	}

	return result, nil
}

// CountStaging returns the number of staging rows for an import
func (db *Database) CountStaging(ctx context.Context, importID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vulnerability_staging WHERE import_id = ?`, importID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count staging rows: %w", err)
	}
	return count, nil
}

// CountUnprocessedStaging returns the number of staging rows still awaiting reconciliation
func (db *Database) CountUnprocessedStaging(ctx context.Context, importID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vulnerability_staging WHERE import_id = ? AND processed = 0`,
		importID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unprocessed staging rows: %w", err)
	}
	return count, nil
}

// DeleteStaging removes every staging row of an import
func (db *Database) DeleteStaging(ctx context.Context, importID string) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM vulnerability_staging WHERE import_id = ?`, importID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete staging rows: %w", err)
	}
	return result.RowsAffected()
}

func scanStagingRecord(rows *sql.Rows) (models.StagingRecord, error) {
	var (
		sr       models.StagingRecord
		rec      = &sr.Record
		severity string
		enhanced sql.NullString
		raw      sql.NullString
		nullable [14]sql.NullString
	)
	err := rows.Scan(&sr.ID, &sr.ImportID,
		&nullable[0], &nullable[1], &nullable[2], &nullable[3], &nullable[4], &nullable[5],
		&severity, &rec.VPRScore, &rec.CVSSScore,
		&nullable[6], &nullable[7], &nullable[8], &nullable[9], &nullable[10], &nullable[11],
		&nullable[12], &nullable[13],
		&enhanced, &sr.LegacyKey, &sr.ConfidenceScore, &sr.DedupTier, &raw)
	if err != nil {
		return sr, err
	}

	rec.Hostname = nullable[0].String
	rec.IPAddress = nullable[1].String
	rec.CVE = nullable[2].String
	rec.PluginID = nullable[3].String
	rec.PluginName = nullable[4].String
	rec.Description = nullable[5].String
	rec.Severity = models.Severity(severity)
	rec.Vendor = nullable[6].String
	rec.VendorReference = nullable[7].String
	rec.VulnerabilityDate = nullable[8].String
	rec.Port = nullable[9].String
	rec.Protocol = nullable[10].String
	rec.Solution = nullable[11].String
	rec.FirstSeen = nullable[12].String
	rec.LastSeen = nullable[13].String
	rec.RawRow = raw.String
	sr.EnhancedKey = enhanced.String
	return sr, nil
}
