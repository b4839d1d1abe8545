package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vuln-lifecycle-tracker/db"
	"vuln-lifecycle-tracker/models"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const recordSavepoint = "reconcile_record"

type recordOutcome int

const (
	outcomeInserted recordOutcome = iota
	outcomeUpdated
	outcomeReopened
)

func (o recordOutcome) String() string {
	switch o {
	case outcomeInserted:
		return "inserted"
	case outcomeUpdated:
		return "updated"
	default:
		return "reopened"
	}
}

// batchOutcome tallies one committed batch
type batchOutcome struct {
	fetched  int
	inserted int
	updated  int
	reopened int
	errors   int
}

// Reconciler drives the finding lifecycle for one import
type Reconciler struct {
	db       *db.Database
	logger   *zap.Logger
	notifier Notifier
	metrics  *Metrics
	cfg      Config
}

// NewReconciler creates a lifecycle reconciler
func NewReconciler(database *db.Database, logger *zap.Logger, notifier Notifier, metrics *Metrics, cfg Config) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Reconciler{db: database, logger: logger, notifier: notifier, metrics: metrics, cfg: cfg.withDefaults()}
}

// Reconcile runs the pre-pass, the sequential batch loop and the finalize pass for an import.
// On failure the partial result is returned along with the error.
func (r *Reconciler) Reconcile(ctx context.Context, importID, scanDate, sessionID string) (*models.ImportResult, error) {
	result := &models.ImportResult{ImportID: importID, ScanDate: scanDate}

	total, err := r.db.CountUnprocessedStaging(ctx, importID)
	if err != nil {
		return result, err
	}

	graced, err := r.db.MarkActiveAsGracePeriod(ctx)
	if err != nil {
		return result, err
	}
	r.logger.Debug("open findings moved to grace period",
		zap.String("import_id", importID), zap.Int64("count", graced))

	for batchID := 1; ; batchID++ {
		out, err := r.runBatchWithRetry(ctx, importID, scanDate, batchID)
		if err != nil {
			return result, err
		}
		if out.fetched == 0 {
			break
		}

		result.Batches++
		result.Inserted += out.inserted
		result.Updated += out.updated
		result.Reopened += out.reopened
		result.Errors += out.errors
		result.TotalProcessed += out.fetched
		r.metrics.batchCommitted()

		r.notifier.NotifyProgress(sessionID,
			scale(ProgressStagingDone, ProgressBatchesDone, result.TotalProcessed, total),
			fmt.Sprintf("reconciled batch %d (%d/%d records)", batchID, result.TotalProcessed, total),
			map[string]any{
				"import_id": importID,
				"batch":     batchID,
				"processed": result.TotalProcessed,
				"total":     total,
				"errors":    result.Errors,
			})

		if err := r.yield(ctx); err != nil {
			return result, err
		}
	}

	resolved, err := r.db.ResolveGracePeriod(ctx, scanDate, models.ResolutionNotPresentInScan)
	if err != nil {
		return result, err
	}
	result.Resolved = int(resolved)

	r.logger.Info("reconciliation complete",
		zap.String("import_id", importID),
		zap.String("scan_date", scanDate),
		zap.Int("batches", result.Batches),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("reopened", result.Reopened),
		zap.Int("resolved", result.Resolved),
		zap.Int("errors", result.Errors))

	return result, nil
}

func (r *Reconciler) yield(ctx context.Context) error {
	if r.cfg.BatchYield <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.cfg.BatchYield):
		return nil
	}
}

// runBatchWithRetry retries transaction failures with exponential backoff.
// Lookup failures are not retried.
func (r *Reconciler) runBatchWithRetry(ctx context.Context, importID, scanDate string, batchID int) (batchOutcome, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryInitialInterval
	bo.MaxElapsedTime = 0

	var out batchOutcome
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		out, err = r.runBatch(ctx, importID, scanDate, batchID)
		if err == nil {
			return nil
		}
		var txErr *TransactionError
		if errors.As(err, &txErr) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.cfg.MaxBatchRetries)), ctx),
		func(err error, wait time.Duration) {
			r.metrics.batchRetried()
			r.logger.Warn("retrying batch",
				zap.String("import_id", importID),
				zap.Int("batch", batchID),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		})
	return out, err
}

// runBatch reconciles one page of staging rows inside one transaction
func (r *Reconciler) runBatch(ctx context.Context, importID, scanDate string, batchID int) (batchOutcome, error) {
	var out batchOutcome

	tx, err := r.db.BeginBatch(ctx)
	if err != nil {
		return out, &TransactionError{Phase: "batch", Batch: batchID, Err: err}
	}
	defer tx.Rollback()

	records, err := tx.FetchUnprocessed(ctx, importID, r.cfg.BatchSize)
	if err != nil {
		return out, &TransactionError{Phase: "batch", Batch: batchID, Err: err}
	}
	out.fetched = len(records)

	for i := range records {
		rec := &records[i]

		outcome, err := r.reconcileRecord(ctx, tx, rec, importID, scanDate, batchID)
		if err != nil {
			var persistErr *PersistenceError
			if !errors.As(err, &persistErr) {
				return out, err
			}

			r.logger.Warn("failed to reconcile record",
				zap.String("import_id", importID),
				zap.Int("batch", batchID),
				zap.Int64("staging_id", rec.ID),
				zap.Error(err))
			out.errors++
			r.metrics.recordOutcome("error")

			if err := tx.MarkStagingFailed(ctx, rec.ID, batchID, err.Error()); err != nil {
				return out, &TransactionError{Phase: "batch", Batch: batchID, Err: err}
			}
			continue
		}

		switch outcome {
		case outcomeInserted:
			out.inserted++
		case outcomeUpdated:
			out.updated++
		case outcomeReopened:
			out.reopened++
		}
		r.metrics.recordOutcome(outcome.String())
	}

	if err := tx.Commit(); err != nil {
		return out, &TransactionError{Phase: "batch", Batch: batchID, Err: err}
	}
	return out, nil
}

// reconcileRecord applies one staging row inside its own savepoint so a failing row
// leaves no partial writes behind
func (r *Reconciler) reconcileRecord(ctx context.Context, tx *db.BatchTx, rec *models.StagingRecord, importID, scanDate string, batchID int) (recordOutcome, error) {
	if err := tx.Savepoint(ctx, recordSavepoint); err != nil {
		return 0, &TransactionError{Phase: "batch", Batch: batchID, Err: err}
	}

	outcome, err := r.applyRecord(ctx, tx, rec, importID, scanDate, batchID)
	if err != nil {
		if rbErr := tx.RollbackTo(ctx, recordSavepoint); rbErr != nil {
			return 0, &TransactionError{Phase: "batch", Batch: batchID, Err: rbErr}
		}
		return 0, err
	}

	if err := tx.Release(ctx, recordSavepoint); err != nil {
		return 0, &TransactionError{Phase: "batch", Batch: batchID, Err: err}
	}
	return outcome, nil
}

func (r *Reconciler) applyRecord(ctx context.Context, tx *db.BatchTx, rec *models.StagingRecord, importID, scanDate string, batchID int) (recordOutcome, error) {
	c := rec.Record

	snap := &models.Snapshot{
		ImportID:        importID,
		ScanDate:        scanDate,
		Hostname:        c.Hostname,
		IPAddress:       c.IPAddress,
		CVE:             c.CVE,
		PluginID:        c.PluginID,
		PluginName:      c.PluginName,
		Description:     c.Description,
		Severity:        c.Severity,
		VPRScore:        c.VPRScore,
		EnhancedKey:     rec.EnhancedKey,
		LegacyKey:       rec.LegacyKey,
		ConfidenceScore: rec.ConfidenceScore,
		DedupTier:       rec.DedupTier,
	}
	if err := tx.InsertSnapshot(ctx, snap); err != nil {
		return 0, &PersistenceError{StagingID: rec.ID, Op: "snapshot", Err: err}
	}

	existing, err := tx.FindByEnhancedKey(ctx, rec.EnhancedKey)
	if err != nil {
		return 0, &LookupError{Key: rec.EnhancedKey, Err: err}
	}
	if existing == nil {
		existing, err = tx.FindByLegacyKey(ctx, rec.LegacyKey, importID)
		if err != nil {
			return 0, &LookupError{Key: rec.LegacyKey, Err: err}
		}
	}

	var outcome recordOutcome
	if existing == nil {
		v := &models.Vulnerability{
			LifecycleState: models.StateActive,
			FirstSeen:      firstNonEmpty(c.FirstSeen, scanDate),
		}
		applyObservation(v, rec, importID, scanDate)
		if err := tx.InsertVulnerability(ctx, v); err != nil {
			return 0, &PersistenceError{StagingID: rec.ID, Op: "insert", Err: err}
		}
		outcome = outcomeInserted
	} else {
		outcome = nextState(existing, scanDate)
		if outcome == outcomeReopened || existing.ReopenedDate == scanDate {
			existing.LifecycleState = models.StateReopened
			existing.ReopenedDate = scanDate
		} else {
			existing.LifecycleState = models.StateActive
		}
		existing.ResolvedDate = ""
		existing.ResolutionReason = ""
		applyObservation(existing, rec, importID, scanDate)
		if err := tx.UpdateVulnerability(ctx, existing); err != nil {
			return 0, &PersistenceError{StagingID: rec.ID, Op: "update", Err: err}
		}
	}

	if err := tx.MarkStagingProcessed(ctx, rec.ID, batchID); err != nil {
		return 0, &PersistenceError{StagingID: rec.ID, Op: "mark processed", Err: err}
	}
	return outcome, nil
}

// nextState decides the outcome for a reconfirmed finding. A resolved finding that shows up
// again is reopened, and a re-import of the scan that reopened it counts it as reopened again.
// A finding already moved out of grace period by this import is a plain update.
func nextState(existing *models.Vulnerability, scanDate string) recordOutcome {
	switch {
	case existing.LifecycleState == models.StateResolved:
		return outcomeReopened
	case existing.LifecycleState == models.StateGracePeriod && existing.ReopenedDate == scanDate:
		return outcomeReopened
	default:
		return outcomeUpdated
	}
}

// applyObservation copies the mutable fields of a staged observation onto a finding.
// FirstSeen and LifecycleState are left to the caller.
func applyObservation(v *models.Vulnerability, rec *models.StagingRecord, importID, scanDate string) {
	c := rec.Record
	v.EnhancedKey = rec.EnhancedKey
	v.LegacyKey = rec.LegacyKey
	v.Hostname = c.Hostname
	v.IPAddress = c.IPAddress
	v.CVE = c.CVE
	v.PluginID = c.PluginID
	v.PluginName = c.PluginName
	v.Description = c.Description
	v.Severity = c.Severity
	v.VPRScore = c.VPRScore
	v.CVSSScore = c.CVSSScore
	v.Vendor = c.Vendor
	v.VendorReference = c.VendorReference
	v.Port = c.Port
	v.Protocol = c.Protocol
	v.Solution = c.Solution
	v.ConfidenceScore = rec.ConfidenceScore
	v.DedupTier = rec.DedupTier
	v.ScanDate = scanDate
	v.LastSeen = firstNonEmpty(c.LastSeen, scanDate)
	v.LastImportID = importID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
