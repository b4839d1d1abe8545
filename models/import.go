package models

import "time"

// ImportBatch describes one uploaded vendor export
type ImportBatch struct {
	ID               string    `json:"id" gorm:"column:id;primaryKey"`
	Filename         string    `json:"filename" gorm:"column:filename;not null"`
	Vendor           string    `json:"vendor" gorm:"column:vendor"`
	ScanDate         string    `json:"scan_date" gorm:"column:scan_date;not null"`
	RowCount         int       `json:"row_count" gorm:"column:row_count;default:0"`
	FileSize         int64     `json:"file_size" gorm:"column:file_size;default:0"`
	ProcessingTimeMs int64     `json:"processing_time_ms" gorm:"column:processing_time_ms;default:0"`
	CreatedAt        time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (ImportBatch) TableName() string {
	return "import_batches"
}

// StagingRecord holds a normalized record between bulk load and reconciliation
type StagingRecord struct {
	ID              int64
	ImportID        string
	Record          CanonicalRecord
	EnhancedKey     string
	LegacyKey       string
	ConfidenceScore int
	DedupTier       int
	Processed       bool
	BatchID         int
	ProcessingError string
}

// StagingResult is reported once the staging transaction commits
type StagingResult struct {
	ImportID          string `json:"import_id"`
	InsertedToStaging int    `json:"inserted_to_staging"`
	StagingErrors     int    `json:"staging_errors"`
}

// ImportResult is the final outcome of a reconciliation run
type ImportResult struct {
	ImportID       string `json:"import_id"`
	ScanDate       string `json:"scan_date"`
	Inserted       int    `json:"inserted"`
	Updated        int    `json:"updated"`
	Resolved       int    `json:"resolved"`
	Reopened       int    `json:"reopened"`
	Errors         int    `json:"errors"`
	TotalProcessed int    `json:"total_processed"`
	StagingErrors  int    `json:"staging_errors"`
	Batches        int    `json:"batches"`
	DurationMs     int64  `json:"duration_ms"`
}
