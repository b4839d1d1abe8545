package pipeline

import (
	"go.uber.org/zap"
)

// Progress checkpoints, in percent of the whole import
const (
	ProgressStagingStart   = 15
	ProgressStagingDone    = 60
	ProgressBatchesDone    = 95
	ProgressAggregatedDone = 100
)

// Notifier receives progress callbacks for an import session. Implementations must not
// block the pipeline for long; errors are theirs to handle.
type Notifier interface {
	NotifyProgress(sessionID string, percent int, message string, metadata map[string]any)
	NotifyComplete(sessionID string, message string, stats *ImportStats)
	NotifyError(sessionID string, message string, detail error)
}

// ImportStats is the final payload handed to NotifyComplete
type ImportStats struct {
	ImportID       string `json:"import_id"`
	ScanDate       string `json:"scan_date"`
	Inserted       int    `json:"inserted"`
	Updated        int    `json:"updated"`
	Resolved       int    `json:"resolved"`
	Reopened       int    `json:"reopened"`
	Errors         int    `json:"errors"`
	TotalProcessed int    `json:"total_processed"`
	DurationMs     int64  `json:"duration_ms"`
}

// NopNotifier discards every callback
type NopNotifier struct{}

func (NopNotifier) NotifyProgress(string, int, string, map[string]any) {}
func (NopNotifier) NotifyComplete(string, string, *ImportStats)        {}
func (NopNotifier) NotifyError(string, string, error)                  {}

// LogNotifier writes callbacks to a zap logger
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs each checkpoint
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyProgress(sessionID string, percent int, message string, metadata map[string]any) {
	n.logger.Info(message,
		zap.String("session_id", sessionID),
		zap.Int("percent", percent),
		zap.Any("metadata", metadata))
}

func (n *LogNotifier) NotifyComplete(sessionID string, message string, stats *ImportStats) {
	n.logger.Info(message,
		zap.String("session_id", sessionID),
		zap.Any("stats", stats))
}

func (n *LogNotifier) NotifyError(sessionID string, message string, detail error) {
	n.logger.Error(message,
		zap.String("session_id", sessionID),
		zap.Error(detail))
}

// Multi fans every callback out to several notifiers, skipping nil entries
func Multi(notifiers ...Notifier) Notifier {
	var list multiNotifier
	for _, n := range notifiers {
		if n != nil {
			list = append(list, n)
		}
	}
	return list
}

type multiNotifier []Notifier

func (m multiNotifier) NotifyProgress(sessionID string, percent int, message string, metadata map[string]any) {
	for _, n := range m {
		n.NotifyProgress(sessionID, percent, message, metadata)
	}
}

func (m multiNotifier) NotifyComplete(sessionID string, message string, stats *ImportStats) {
	for _, n := range m {
		n.NotifyComplete(sessionID, message, stats)
	}
}

func (m multiNotifier) NotifyError(sessionID string, message string, detail error) {
	for _, n := range m {
		n.NotifyError(sessionID, message, detail)
	}
}

// scale maps done/total onto the [from, to] percent range
func scale(from, to, done, total int) int {
	if total <= 0 {
		return to
	}
	if done > total {
		done = total
	}
	return from + (to-from)*done/total
}
