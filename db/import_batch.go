package db

import (
	"context"
	"errors"
	"fmt"

	"vuln-lifecycle-tracker/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// CreateImportBatch records the start of an import
func (db *Database) CreateImportBatch(ctx context.Context, batch *models.ImportBatch) error {
	if err := db.orm.WithContext(ctx).Create(batch).Error; err != nil {
		return fmt.Errorf("failed to create import batch: %w", err)
	}
	return nil
}

// GetImportBatch retrieves an import batch by ID
func (db *Database) GetImportBatch(ctx context.Context, id string) (*models.ImportBatch, error) {
	batch := &models.ImportBatch{}
	err := db.orm.WithContext(ctx).Where("id = ?", id).First(batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("import batch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get import batch: %w", err)
	}
	return batch, nil
}

// ListImportBatches returns the most recent import batches
func (db *Database) ListImportBatches(ctx context.Context, limit int) ([]*models.ImportBatch, error) {
	var batches []*models.ImportBatch
	err := db.orm.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list import batches: %w", err)
	}
	return batches, nil
}

// FinalizeImportBatch stores the processing time once the import completes
func (db *Database) FinalizeImportBatch(ctx context.Context, id string, processingTimeMs int64) error {
	result := db.orm.WithContext(ctx).Model(&models.ImportBatch{}).
		Where("id = ?", id).
		Update("processing_time_ms", processingTimeMs)
	if result.Error != nil {
		return fmt.Errorf("failed to finalize import batch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("import batch %s: %w", id, ErrNotFound)
	}
	return nil
}
