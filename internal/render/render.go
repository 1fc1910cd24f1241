// Package render writes scraped cause-list tables to a document on disk.
package render

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/observability"
)

var tracer = observability.Tracer("render")

// Meta describes the cause list being rendered.
type Meta struct {
	// Label names the court; it becomes part of the file name.
	Label    string
	Date     schemas.CalendarDate
	CaseType schemas.CaseType
}

// Renderer writes tables to a new artifact and returns its reference, the
// file name relative to the output directory.
type Renderer interface {
	Format() string
	Render(ctx context.Context, meta Meta, tables []schemas.CauseListTable) (string, error)
}

// writeFunc encodes one document into w.
type writeFunc func(w io.Writer, meta Meta, tables []schemas.CauseListTable) error

// fileRenderer owns the file handling shared by every format.
type fileRenderer struct {
	format string
	ext    string
	dir    string
	write  writeFunc
	logger *zap.Logger
}

// New creates a renderer for cfg.Format writing under cfg.OutputDir.
func New(cfg config.RendererConfig, logger *zap.Logger) (Renderer, error) {
	dir, err := OutputDir(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 40
	}

	r := &fileRenderer{dir: dir, logger: logger.Named("render")}
	switch strings.ToLower(cfg.Format) {
	case "pdf", "":
		r.format, r.ext, r.write = "pdf", "pdf", writePDF
	case "text":
		r.format, r.ext, r.write = "text", "txt", textWriter(pageSize)
	case "xml":
		r.format, r.ext, r.write = "xml", "xml", xmlWriter(pageSize)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", cfg.Format)
	}
	return r, nil
}

func (r *fileRenderer) Format() string { return r.format }

func (r *fileRenderer) Render(ctx context.Context, meta Meta, tables []schemas.CauseListTable) (ref string, err error) {
	_, span := tracer.Start(ctx, "Render")
	span.SetAttributes(attribute.String("format", r.format), attribute.Int("tables", len(tables)))
	defer func() { observability.EndSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", r.dir, err)
	}

	name := FileName(meta, r.ext)
	path := filepath.Join(r.dir, name)
	// The document only appears under its final name once fully written.
	f, err := os.CreateTemp(r.dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	tmp := f.Name()
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to set permissions on %s: %w", tmp, err)
	}
	if err := r.write(f, meta, tables); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to render %s: %w", r.format, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close output file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move output file into place at %s: %w", path, err)
	}

	r.logger.Info("Cause list rendered.", zap.String("path", path), zap.Int("tables", len(tables)))
	return name, nil
}

// FileName builds cause_list_<label>_<case type>_<date>.<ext>. The case type is
// omitted when unset.
func FileName(meta Meta, ext string) string {
	label := strings.NewReplacer("/", "_", `\`, "_", " ", "_").Replace(strings.TrimSpace(meta.Label))
	if label == "" {
		label = "court"
	}
	if meta.CaseType != "" {
		label += "_" + string(meta.CaseType)
	}
	return fmt.Sprintf("cause_list_%s_%s.%s", label, meta.Date.String(), ext)
}

// OutputDir expands a leading ~ in dir.
func OutputDir(dir string) (string, error) {
	if dir == "" {
		dir = "downloads"
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", fmt.Errorf("failed to expand output directory %q: %w", dir, err)
	}
	return expanded, nil
}

// ArtifactPath maps an artifact reference back to its file, refusing anything
// that is not a plain file name inside dir.
func ArtifactPath(dir, ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || ref == "." || ref == ".." {
		return "", fmt.Errorf("%w: invalid artifact name %q", schemas.ErrInvalidRequest, ref)
	}
	base, err := OutputDir(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, ref), nil
}

// columns is the widest row of t, headers included.
func columns(t schemas.CauseListTable) int {
	n := len(t.Headers)
	for _, row := range t.Rows {
		if len(row) > n {
			n = len(row)
		}
	}
	return n
}

// pad returns row widened to n cells.
func pad(row []string, n int) []string {
	if len(row) >= n {
		return row
	}
	out := make([]string, n)
	copy(out, row)
	return out
}

// pages splits rows into chunks of at most size.
func pages(rows [][]string, size int) [][][]string {
	if len(rows) == 0 {
		return nil
	}
	var out [][][]string
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
