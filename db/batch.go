package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vuln-lifecycle-tracker/models"
)

// BatchTx is one reconciliation batch transaction. Every statement issued through it runs
// on the transaction's connection; callers must not touch the Database while it is open.
type BatchTx struct {
	tx *sql.Tx
}

// BeginBatch opens a reconciliation batch transaction
func (db *Database) BeginBatch(ctx context.Context) (*BatchTx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	return &BatchTx{tx: tx}, nil
}

// Commit commits the batch
func (b *BatchTx) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch transaction: %w", err)
	}
	return nil
}

// Rollback discards the batch; calling it after Commit is a no-op
func (b *BatchTx) Rollback() error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// FetchUnprocessed loads the next page of unprocessed staging rows in insertion order
func (b *BatchTx) FetchUnprocessed(ctx context.Context, importID string, limit int) ([]models.StagingRecord, error) {
	rows, err := b.tx.QueryContext(ctx, `
		SELECT id, import_id, `+stagingColumns+`
		FROM vulnerability_staging
		WHERE import_id = ? AND processed = 0
		ORDER BY id
		LIMIT ?
	`, importID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging rows: %w", err)
	}
	defer rows.Close()

	var records []models.StagingRecord
	for rows.Next() {
		rec, err := scanStagingRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staging row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staging rows: %w", err)
	}

	return records, nil
}

// Savepoint opens a named savepoint inside the batch
func (b *BatchTx) Savepoint(ctx context.Context, name string) error {
	_, err := b.tx.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

// RollbackTo undoes everything since the named savepoint and releases it
func (b *BatchTx) RollbackTo(ctx context.Context, name string) error {
	if _, err := b.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return err
	}
	return b.Release(ctx, name)
}

// Release keeps the work done since the named savepoint
func (b *BatchTx) Release(ctx context.Context, name string) error {
	_, err := b.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// InsertSnapshot appends one observation to the snapshot audit trail
func (b *BatchTx) InsertSnapshot(ctx context.Context, snap *models.Snapshot) error {
	result, err := b.tx.ExecContext(ctx, `
		INSERT INTO vulnerability_snapshots (import_id, scan_date, hostname, ip_address, cve,
		                                     plugin_id, plugin_name, description, severity, vpr_score,
		                                     enhanced_key, legacy_key, confidence_score, dedup_tier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.ImportID, snap.ScanDate, snap.Hostname, snap.IPAddress, snap.CVE,
		snap.PluginID, snap.PluginName, snap.Description, string(snap.Severity), snap.VPRScore,
		nullString(snap.EnhancedKey), snap.LegacyKey, snap.ConfidenceScore, snap.DedupTier)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if snap.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get snapshot ID: %w", err)
	}
	return nil
}

const vulnerabilityColumns = `id, enhanced_key, legacy_key, hostname, ip_address, cve, plugin_id,
	plugin_name, description, severity, vpr_score, cvss_score, vendor, vendor_reference, port,
	protocol, solution, lifecycle_state, resolved_date, resolution_reason, reopened_date,
	confidence_score, dedup_tier, scan_date, first_seen, last_seen, last_import_id`

// FindByEnhancedKey returns the finding holding the enhanced key, or nil
func (b *BatchTx) FindByEnhancedKey(ctx context.Context, enhancedKey string) (*models.Vulnerability, error) {
	if enhancedKey == "" {
		return nil, nil
	}
	row := b.tx.QueryRowContext(ctx, `
		SELECT `+vulnerabilityColumns+`
		FROM vulnerabilities_current
		WHERE enhanced_key = ?
	`, enhancedKey)
	return scanVulnerability(row)
}

// FindByLegacyKey returns the most recently seen finding with the legacy key that has not
// already been matched by the given import, or nil
func (b *BatchTx) FindByLegacyKey(ctx context.Context, legacyKey, importID string) (*models.Vulnerability, error) {
	row := b.tx.QueryRowContext(ctx, `
		SELECT `+vulnerabilityColumns+`
		FROM vulnerabilities_current
		WHERE legacy_key = ? AND (last_import_id IS NULL OR last_import_id <> ?)
		ORDER BY last_seen DESC, id ASC
		LIMIT 1
	`, legacyKey, importID)
	return scanVulnerability(row)
}

// UpdateVulnerability overwrites the mutable fields of an existing finding.
// first_seen is never touched.
func (b *BatchTx) UpdateVulnerability(ctx context.Context, v *models.Vulnerability) error {
	_, err := b.tx.ExecContext(ctx, `
		UPDATE vulnerabilities_current
		SET enhanced_key = ?, legacy_key = ?, hostname = ?, ip_address = ?, cve = ?, plugin_id = ?,
		    plugin_name = ?, description = ?, severity = ?, vpr_score = ?, cvss_score = ?,
		    vendor = ?, vendor_reference = ?, port = ?, protocol = ?, solution = ?,
		    lifecycle_state = ?, resolved_date = ?, resolution_reason = ?, reopened_date = ?,
		    confidence_score = ?, dedup_tier = ?, scan_date = ?, last_seen = ?,
		    last_import_id = ?, updated_at = ?
		WHERE id = ?
	`, nullString(v.EnhancedKey), v.LegacyKey, v.Hostname, v.IPAddress, v.CVE, v.PluginID,
		v.PluginName, v.Description, string(v.Severity), v.VPRScore, v.CVSSScore,
		v.Vendor, v.VendorReference, v.Port, v.Protocol, v.Solution,
		string(v.LifecycleState), nullString(v.ResolvedDate), nullString(v.ResolutionReason),
		nullString(v.ReopenedDate), v.ConfidenceScore, v.DedupTier, v.ScanDate, v.LastSeen,
		nullString(v.LastImportID), nowUTC(), v.ID)
	if err != nil {
		return fmt.Errorf("failed to update vulnerability %d: %w", v.ID, err)
	}
	return nil
}

// InsertVulnerability adds a new finding to the canonical inventory
func (b *BatchTx) InsertVulnerability(ctx context.Context, v *models.Vulnerability) error {
	now := nowUTC()
	result, err := b.tx.ExecContext(ctx, `
		INSERT INTO vulnerabilities_current (enhanced_key, legacy_key, hostname, ip_address, cve,
		    plugin_id, plugin_name, description, severity, vpr_score, cvss_score, vendor,
		    vendor_reference, port, protocol, solution, lifecycle_state, confidence_score,
		    dedup_tier, scan_date, first_seen, last_seen, last_import_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullString(v.EnhancedKey), v.LegacyKey, v.Hostname, v.IPAddress, v.CVE,
		v.PluginID, v.PluginName, v.Description, string(v.Severity), v.VPRScore, v.CVSSScore, v.Vendor,
		v.VendorReference, v.Port, v.Protocol, v.Solution, string(v.LifecycleState), v.ConfidenceScore,
		v.DedupTier, v.ScanDate, v.FirstSeen, v.LastSeen, nullString(v.LastImportID), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert vulnerability: %w", err)
	}

	if v.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get vulnerability ID: %w", err)
	}
	return nil
}

// MarkStagingProcessed flags a staging row as reconciled by the given batch
func (b *BatchTx) MarkStagingProcessed(ctx context.Context, stagingID int64, batchID int) error {
	_, err := b.tx.ExecContext(ctx, `
		UPDATE vulnerability_staging SET processed = 1, batch_id = ?, processing_error = NULL
		WHERE id = ?
	`, batchID, stagingID)
	if err != nil {
		return fmt.Errorf("failed to mark staging row %d processed: %w", stagingID, err)
	}
	return nil
}

// MarkStagingFailed flags a staging row as consumed with the error that prevented reconciliation
func (b *BatchTx) MarkStagingFailed(ctx context.Context, stagingID int64, batchID int, reason string) error {
	_, err := b.tx.ExecContext(ctx, `
		UPDATE vulnerability_staging SET processed = 1, batch_id = ?, processing_error = ?
		WHERE id = ?
	`, batchID, reason, stagingID)
	if err != nil {
		return fmt.Errorf("failed to mark staging row %d failed: %w", stagingID, err)
	}
	return nil
}

func scanVulnerability(row *sql.Row) (*models.Vulnerability, error) {
	var (
		v                                           models.Vulnerability
		severity, state                             string
		enhanced, resolvedDate, reason, lastImport  sql.NullString
		reopenedDate                                sql.NullString
		host, ip, cve, pluginID, pluginName, desc   sql.NullString
		vendor, vendorRef, port, protocol, solution sql.NullString
	)
	err := row.Scan(&v.ID, &enhanced, &v.LegacyKey, &host, &ip, &cve, &pluginID,
		&pluginName, &desc, &severity, &v.VPRScore, &v.CVSSScore, &vendor, &vendorRef, &port,
		&protocol, &solution, &state, &resolvedDate, &reason, &reopenedDate, &v.ConfidenceScore,
		&v.DedupTier, &v.ScanDate, &v.FirstSeen, &v.LastSeen, &lastImport)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan vulnerability: %w", err)
	}

	v.EnhancedKey = enhanced.String
	v.Hostname = host.String
	v.IPAddress = ip.String
	v.CVE = cve.String
	v.PluginID = pluginID.String
	v.PluginName = pluginName.String
	v.Description = desc.String
	v.Severity = models.Severity(severity)
	v.Vendor = vendor.String
	v.VendorReference = vendorRef.String
	v.Port = port.String
	v.Protocol = protocol.String
	v.Solution = solution.String
	v.LifecycleState = models.LifecycleState(state)
	v.ResolvedDate = resolvedDate.String
	v.ReopenedDate = reopenedDate.String
	v.ResolutionReason = reason.String
	v.LastImportID = lastImport.String
	return &v, nil
}
