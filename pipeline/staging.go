package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"vuln-lifecycle-tracker/db"
	"vuln-lifecycle-tracker/dedup"
	"vuln-lifecycle-tracker/models"

	"go.uber.org/zap"
)

// StagingLoader writes the normalized records of one import into the staging area
type StagingLoader struct {
	db       *db.Database
	logger   *zap.Logger
	notifier Notifier
	metrics  *Metrics
}

// NewStagingLoader creates a staging loader
func NewStagingLoader(database *db.Database, logger *zap.Logger, notifier Notifier, metrics *Metrics) *StagingLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &StagingLoader{db: database, logger: logger, notifier: notifier, metrics: metrics}
}

// Load keys every record and bulk-writes the valid ones in a single transaction.
// Invalid records are skipped and counted; a transaction failure stages nothing.
func (l *StagingLoader) Load(ctx context.Context, importID, sessionID string, records []models.CanonicalRecord) (*models.StagingResult, error) {
	result := &models.StagingResult{ImportID: importID}

	l.notifier.NotifyProgress(sessionID, ProgressStagingStart, "loading records into staging", map[string]any{
		"import_id": importID,
		"records":   len(records),
	})

	staged := make([]models.StagingRecord, 0, len(records))
	for i, rec := range records {
		prepared, err := prepareRecord(rec)
		if err != nil {
			nerr := &NormalizationError{Row: i, Reason: "invalid canonical record", Err: err}
			l.logger.Warn("skipping record", zap.String("import_id", importID), zap.Error(nerr))
			result.StagingErrors++
			continue
		}

		keys := dedup.Generate(prepared)
		staged = append(staged, models.StagingRecord{
			ImportID:        importID,
			Record:          prepared,
			EnhancedKey:     keys.EnhancedKey,
			LegacyKey:       keys.LegacyKey,
			ConfidenceScore: keys.Confidence,
			DedupTier:       keys.Tier,
		})
	}

	inserted, err := l.db.InsertStagingRecords(ctx, importID, staged)
	if err != nil {
		return nil, &TransactionError{Phase: "staging", Err: err}
	}

	result.InsertedToStaging = inserted.Inserted
	result.StagingErrors += inserted.Failed
	l.metrics.staged(inserted.Inserted)

	l.logger.Info("staging load complete",
		zap.String("import_id", importID),
		zap.Int("inserted", result.InsertedToStaging),
		zap.Int("errors", result.StagingErrors))

	l.notifier.NotifyProgress(sessionID, ProgressStagingDone,
		fmt.Sprintf("staged %d records (%d errors)", result.InsertedToStaging, result.StagingErrors),
		map[string]any{
			"import_id":      importID,
			"inserted":       result.InsertedToStaging,
			"staging_errors": result.StagingErrors,
		})

	return result, nil
}

// prepareRecord validates a record and normalizes the fields stored verbatim
func prepareRecord(rec models.CanonicalRecord) (models.CanonicalRecord, error) {
	if err := rec.Validate(); err != nil {
		return rec, err
	}

	rec.Hostname = strings.TrimSpace(rec.Hostname)
	rec.IPAddress = strings.TrimSpace(rec.IPAddress)
	rec.CVE = strings.ToUpper(strings.TrimSpace(rec.CVE))
	rec.PluginID = strings.TrimSpace(rec.PluginID)
	rec.Severity = models.ParseSeverity(string(rec.Severity))

	if rec.RawRow == "" {
		raw, err := json.Marshal(rec)
		if err != nil {
			return rec, fmt.Errorf("failed to encode raw row: %w", err)
		}
		rec.RawRow = string(raw)
	}
	return rec, nil
}
