// Package pipeline reconciles normalized scan records against the canonical finding
// inventory: staging load, lifecycle reconciliation, daily aggregation and cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vuln-lifecycle-tracker/db"
	"vuln-lifecycle-tracker/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize            = 1000
	DefaultBatchYield           = 10 * time.Millisecond
	DefaultMaxBatchRetries      = 3
	DefaultRetryInitialInterval = 100 * time.Millisecond
)

// Config tunes batch reconciliation
type Config struct {
	BatchSize            int
	BatchYield           time.Duration
	MaxBatchRetries      int
	RetryInitialInterval time.Duration
}

// DefaultConfig returns the default pipeline settings
func DefaultConfig() Config {
	return Config{
		BatchSize:            DefaultBatchSize,
		BatchYield:           DefaultBatchYield,
		MaxBatchRetries:      DefaultMaxBatchRetries,
		RetryInitialInterval: DefaultRetryInitialInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchYield < 0 {
		c.BatchYield = 0
	}
	if c.MaxBatchRetries < 0 {
		c.MaxBatchRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}
	return c
}

// Pipeline runs imports against one store. Only one import is in flight at a time.
type Pipeline struct {
	db         *db.Database
	logger     *zap.Logger
	notifier   Notifier
	metrics    *Metrics
	staging    *StagingLoader
	reconciler *Reconciler
	aggregator *Aggregator

	mu sync.Mutex
	wg sync.WaitGroup
}

// New creates a pipeline. A nil notifier or metrics disables that concern.
func New(database *db.Database, logger *zap.Logger, notifier Notifier, metrics *Metrics, cfg Config) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	cfg = cfg.withDefaults()

	return &Pipeline{
		db:         database,
		logger:     logger,
		notifier:   notifier,
		metrics:    metrics,
		staging:    NewStagingLoader(database, logger, notifier, metrics),
		reconciler: NewReconciler(database, logger, notifier, metrics, cfg),
		aggregator: NewAggregator(database, logger),
	}
}

// Aggregator exposes the daily aggregator for read paths
func (p *Pipeline) Aggregator() *Aggregator {
	return p.aggregator
}

// StartImport records a new import batch, assigning an ID when empty
func (p *Pipeline) StartImport(ctx context.Context, batch *models.ImportBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.ScanDate == "" {
		return fmt.Errorf("import batch %s has no scan date", batch.ID)
	}
	return p.db.CreateImportBatch(ctx, batch)
}

// RunImport stages and reconciles records synchronously. The import ID doubles as the
// progress session ID.
func (p *Pipeline) RunImport(ctx context.Context, records []models.CanonicalRecord, importID, scanDate string) (*models.ImportResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	staged, err := p.staging.Load(ctx, importID, importID, records)
	if err != nil {
		p.fail(importID, "staging failed", err, 0, start)
		return nil, err
	}

	return p.reconcile(ctx, importID, scanDate, importID, staged.StagingErrors, start)
}

// RunStagedImport stages records and returns; reconciliation continues in the background
// and reports through the notifier under sessionID. Wait blocks until it is done.
func (p *Pipeline) RunStagedImport(ctx context.Context, records []models.CanonicalRecord, importID, scanDate, sessionID string) (*models.StagingResult, error) {
	p.mu.Lock()

	start := time.Now()
	staged, err := p.staging.Load(ctx, importID, sessionID, records)
	if err != nil {
		p.mu.Unlock()
		p.fail(sessionID, "staging failed", err, 0, start)
		return nil, err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.mu.Unlock()

		// the caller's request is over by now; the import must still run to completion
		if _, err := p.reconcile(context.WithoutCancel(ctx), importID, scanDate, sessionID, staged.StagingErrors, start); err != nil {
			p.logger.Error("background import failed",
				zap.String("import_id", importID),
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}()

	return staged, nil
}

// Wait blocks until every background import has finished
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) reconcile(ctx context.Context, importID, scanDate, sessionID string, stagingErrors int, start time.Time) (*models.ImportResult, error) {
	result, err := p.reconciler.Reconcile(ctx, importID, scanDate, sessionID)
	if err != nil {
		p.fail(sessionID, "reconciliation failed", err, result.Errors, start)
		return nil, err
	}
	result.StagingErrors = stagingErrors

	p.notifier.NotifyProgress(sessionID, ProgressBatchesDone, "aggregating daily totals", map[string]any{
		"import_id": importID,
		"scan_date": scanDate,
	})
	if _, err := p.aggregator.Aggregate(ctx, scanDate); err != nil {
		p.fail(sessionID, "daily aggregation failed", err, result.Errors, start)
		return nil, err
	}

	deleted, err := p.db.DeleteStaging(ctx, importID)
	if err != nil {
		p.fail(sessionID, "staging cleanup failed", err, result.Errors, start)
		return nil, err
	}
	p.logger.Debug("staging cleared", zap.String("import_id", importID), zap.Int64("rows", deleted))

	elapsed := time.Since(start)
	result.DurationMs = elapsed.Milliseconds()

	if err := p.db.FinalizeImportBatch(ctx, importID, result.DurationMs); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			p.logger.Debug("no import batch row to finalize", zap.String("import_id", importID))
		} else {
			p.logger.Warn("failed to record processing time", zap.String("import_id", importID), zap.Error(err))
		}
	}

	p.metrics.importFinished("success", elapsed)
	p.notifier.NotifyProgress(sessionID, ProgressAggregatedDone, "import complete", map[string]any{
		"import_id": importID,
	})
	p.notifier.NotifyComplete(sessionID,
		fmt.Sprintf("import %s for %s complete: %d inserted, %d updated, %d resolved, %d reopened, %d errors",
			importID, scanDate, result.Inserted, result.Updated, result.Resolved, result.Reopened, result.Errors),
		statsFromResult(result))

	return result, nil
}

func (p *Pipeline) fail(sessionID, message string, err error, recordErrors int, start time.Time) {
	p.metrics.importFinished("failed", time.Since(start))
	p.logger.Error(message,
		zap.String("session_id", sessionID),
		zap.Int("record_errors", recordErrors),
		zap.Error(err))
	p.notifier.NotifyError(sessionID, fmt.Sprintf("%s (%d record errors)", message, recordErrors), err)
}

func statsFromResult(r *models.ImportResult) *ImportStats {
	return &ImportStats{
		ImportID:       r.ImportID,
		ScanDate:       r.ScanDate,
		Inserted:       r.Inserted,
		Updated:        r.Updated,
		Resolved:       r.Resolved,
		Reopened:       r.Reopened,
		Errors:         r.Errors,
		TotalProcessed: r.TotalProcessed,
		DurationMs:     r.DurationMs,
	}
}
