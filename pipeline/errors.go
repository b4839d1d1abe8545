package pipeline

import "fmt"

// NormalizationError reports a raw row that produced no usable canonical record.
// It is skipped and counted, never fatal.
type NormalizationError struct {
	Row    int
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("row %d: %s: %v", e.Row, e.Reason, e.Err)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// PersistenceError reports a single record write that failed inside a batch
type PersistenceError struct {
	StagingID int64
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s staging record %d: %v", e.Op, e.StagingID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransactionError reports a staging or batch transaction that could not begin or commit.
// It aborts the current phase and the import.
type TransactionError struct {
	Phase string
	Batch int
	Err   error
}

func (e *TransactionError) Error() string {
	if e.Batch > 0 {
		return fmt.Sprintf("%s transaction failed (batch %d): %v", e.Phase, e.Batch, e.Err)
	}
	return fmt.Sprintf("%s transaction failed: %v", e.Phase, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// LookupError reports a failed identity lookup. It carries transaction severity.
type LookupError struct {
	Key string
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup of %q failed: %v", e.Key, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }
