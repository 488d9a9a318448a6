// Package export writes the labeled customer table, or the slice of it
// belonging to one persona, as CSV.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/TFMV/persona/segment"
)

// TableFileName is the default name of the full labeled table export.
const TableFileName = "segmented_customers.csv"

// FileName is the default name of a persona export,
// list_<persona>_customers.csv.
func FileName(p segment.Persona) string {
	return "list_" + p.Slug() + "_customers.csv"
}

// Writer renders assignments through the Arrow CSV writer.
type Writer struct {
	Comma  rune
	Header bool
	Mem    memory.Allocator
	Logger *zap.Logger
}

// NewWriter returns a comma separated writer with a header row.
func NewWriter(logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		Comma:  ',',
		Header: true,
		Mem:    memory.NewGoAllocator(),
		Logger: logger.Named("export"),
	}
}

// Write renders all assignments to out.
func (w *Writer) Write(out io.Writer, assignments []segment.Assignment) error {
	rec := segment.ToRecord(w.Mem, assignments)
	defer rec.Release()

	cw := csv.NewWriter(out, segment.TableSchema,
		csv.WithComma(w.Comma),
		csv.WithHeader(w.Header),
	)
	if err := cw.Write(rec); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	if err := cw.Flush(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return cw.Error()
}

// WritePersona renders the customers labeled p and returns how many rows
// were written. A persona without customers yields only the header.
func (w *Writer) WritePersona(out io.Writer, assignments []segment.Assignment, p segment.Persona) (int, error) {
	rows := segment.Filter(assignments, p)
	if err := w.Write(out, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// File writes assignments to path, creating parent directories. The file is
// written next to its final name and renamed so readers never see a partial
// export.
func (w *Writer) File(path string, assignments []segment.Assignment) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := w.Write(f, assignments); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish export file: %w", err)
	}
	w.Logger.Info("exported customers", zap.String("path", path), zap.Int("rows", len(assignments)))
	return nil
}

// PersonaFile writes the customers labeled p into dir under FileName(p) and
// returns the path written.
func (w *Writer) PersonaFile(dir string, assignments []segment.Assignment, p segment.Persona) (string, error) {
	path := filepath.Join(dir, FileName(p))
	if err := w.File(path, segment.Filter(assignments, p)); err != nil {
		return "", err
	}
	return path, nil
}
