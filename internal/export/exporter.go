package export

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/hash/sha256"
	"github.com/JakeFAU/creator-crawler/internal/metrics"
)

const contentType = "text/csv; charset=utf-8"

// Result describes one uploaded snapshot.
type Result struct {
	URI    string `json:"uri"`
	Path   string `json:"path"`
	Rows   int    `json:"rows"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// Exporter writes CSV snapshots to a blob store.
type Exporter struct {
	src    Source
	blobs  crawler.BlobStore
	clock  crawler.Clock
	prefix string
	logger *zap.Logger
}

// NewExporter wires an exporter. Objects are written below prefix.
func NewExporter(src Source, blobs crawler.BlobStore, clock crawler.Clock, prefix string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "exports"
	}
	return &Exporter{src: src, blobs: blobs, clock: clock, prefix: prefix, logger: logger}
}

// Export renders the snapshot, then uploads it under
// <prefix>/<session|all>/<timestamp>-<hash prefix>.csv.
func (e *Exporter) Export(ctx context.Context, sessionID string) (Result, error) {
	var buf bytes.Buffer
	hw := sha256.NewWriter(&buf)
	rows, err := WriteCSV(ctx, hw, e.src, sessionID, DefaultPageSize)
	if err != nil {
		return Result{}, err
	}
	sum := hw.Sum()
	scope := sessionID
	if scope == "" {
		scope = "all"
	}
	name := fmt.Sprintf("%s-%s.csv", e.clock.Now().UTC().Format("20060102T150405Z"), sum[:12])
	objectPath := path.Join(e.prefix, scope, name)

	uri, err := e.blobs.PutObject(ctx, objectPath, contentType, &buf)
	if err != nil {
		return Result{}, fmt.Errorf("upload export: %w", err)
	}
	metrics.ObserveExportBytes(hw.Len())
	res := Result{URI: uri, Path: objectPath, Rows: rows, Bytes: hw.Len(), SHA256: sum}
	e.logger.Info("export written",
		zap.String("uri", uri),
		zap.Int("rows", rows),
		zap.Int64("bytes", res.Bytes),
		zap.String("sha256", sum),
	)
	return res, nil
}
