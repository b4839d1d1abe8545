package cmd

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vuln-lifecycle-tracker/pipeline"

	"go.uber.org/zap"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// inboxWatcher imports CSV exports dropped into a directory, one at a time in name order.
// Imported files are moved to processed/ (or deleted when RemoveSource is set) and files
// that fail are moved to failed/ so they are not retried forever.
type inboxWatcher struct {
	app      *app
	pipeline *pipeline.Pipeline
	capture  *sessionCapture
	dir      string
	vendor   string
	interval time.Duration
}

func (w *inboxWatcher) run(ctx context.Context) {
	w.app.logger.Info("watching import inbox", zap.String("dir", w.dir), zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll imports every pending export and returns how many succeeded
func (w *inboxWatcher) poll(ctx context.Context) int {
	files, err := w.pending()
	if err != nil {
		w.app.logger.Warn("failed to list import inbox", zap.String("dir", w.dir), zap.Error(err))
		return 0
	}

	imported := 0
	for _, path := range files {
		if ctx.Err() != nil {
			return imported
		}

		scanDate, ok := scanDateFromName(path)
		if !ok {
			scanDate = w.modDate(path)
		}

		outcome, err := importFile(ctx, w.app, w.pipeline, w.capture, path, importOptions{
			Vendor:       w.vendor,
			ScanDate:     scanDate,
			RemoveSource: w.app.cfg.Pipeline.RemoveSource,
		})
		if err != nil {
			w.app.logger.Error("inbox import failed", zap.String("file", path), zap.Error(err))
			w.moveTo(path, failedDir)
			continue
		}

		imported++
		w.app.logger.Info("inbox import completed",
			zap.String("file", path),
			zap.String("import_id", outcome.Batch.ID),
			zap.String("scan_date", scanDate))
		if !w.app.cfg.Pipeline.RemoveSource {
			w.moveTo(path, processedDir)
		}
	}
	return imported
}

func (w *inboxWatcher) pending() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		files = append(files, filepath.Join(w.dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (w *inboxWatcher) modDate(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return time.Now().UTC().Format(dateLayout)
	}
	return info.ModTime().UTC().Format(dateLayout)
}

func (w *inboxWatcher) moveTo(path, sub string) {
	target := filepath.Join(w.dir, sub)
	if err := os.MkdirAll(target, 0755); err != nil {
		w.app.logger.Warn("failed to create inbox directory", zap.String("dir", target), zap.Error(err))
		return
	}
	if err := os.Rename(path, filepath.Join(target, filepath.Base(path))); err != nil {
		w.app.logger.Warn("failed to move export", zap.String("file", path), zap.String("to", target), zap.Error(err))
	}
}
