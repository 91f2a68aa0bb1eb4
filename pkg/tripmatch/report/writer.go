package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// ObjectWriter writes KPI summaries to an object store at date-partitioned
// keys:
//
//	<prefix>/YYYY/MM/DD/metrics_YYYYMMDD_HHMMSS.json
//
// The filesystem abstraction keeps the writer testable with an in-memory fs
// and lets deployments mount bucket-backed filesystems.
type ObjectWriter struct {
	fs     afero.Fs
	prefix string
}

// DefaultPrefix is the object-key prefix for daily KPI documents.
const DefaultPrefix = "daily_metrics"

// NewObjectWriter creates a writer rooted at prefix on fs.
// An empty prefix falls back to DefaultPrefix.
func NewObjectWriter(fs afero.Fs, prefix string) *ObjectWriter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &ObjectWriter{fs: fs, prefix: prefix}
}

// Write stores one summary and returns the object key it was written to.
func (w *ObjectWriter) Write(_ context.Context, summary *Summary) (string, error) {
	body, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode kpi summary: %w", err)
	}

	key := w.key(summary)
	if err := w.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return "", fmt.Errorf("create kpi partition: %w", err)
	}
	if err := afero.WriteFile(w.fs, key, body, 0o644); err != nil {
		return "", fmt.Errorf("write kpi object: %w", err)
	}
	return key, nil
}

func (w *ObjectWriter) key(summary *Summary) string {
	datePath := strings.ReplaceAll(summary.Date, "-", "/")
	dateCompact := strings.ReplaceAll(summary.Date, "-", "")
	return path.Join(w.prefix, datePath,
		fmt.Sprintf("metrics_%s_%s.json", dateCompact, summary.GeneratedAt.Format("150405")))
}
