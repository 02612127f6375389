package csvstream

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"openpayments/internal/table"
)

// Writer writes CSV rows to a temporary file that only appears under its
// final name once Close succeeds. A crash mid-write never leaves a partially
// written file at the destination.
type Writer struct {
	path  string
	tmp   *os.File
	buf   *bufio.Writer
	csv   *csv.Writer
	count int
}

// Create starts a new CSV file at path and writes header. Parent directories
// are created as needed.
func Create(path string, header []string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(tmp, 256*1024)
	w := &Writer{path: path, tmp: tmp, buf: buf, csv: csv.NewWriter(buf)}
	if err := w.csv.Write(header); err != nil {
		w.Abort()
		return nil, fmt.Errorf("write header: %w", err)
	}
	return w, nil
}

// Write writes one record.
func (w *Writer) Write(rec []string) error {
	if err := w.csv.Write(rec); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.count++
	return nil
}

// WriteTable writes every row of t. Absent values are written as "".
func (w *Writer) WriteTable(t *table.Table) error {
	for i := range t.Rows {
		if err := w.Write(t.Strings(i)); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of data rows written.
func (w *Writer) Count() int { return w.count }

// Close flushes the data and atomically moves the file into place.
func (w *Writer) Close() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.Abort()
		return fmt.Errorf("flush csv: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		w.Abort()
		return fmt.Errorf("flush %s: %w", w.path, err)
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("rename into %s: %w", w.path, err)
	}
	return nil
}

// Abort discards everything written so far.
func (w *Writer) Abort() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

// WriteFile writes t to path with its own header.
func WriteFile(path string, t *table.Table) error {
	w, err := Create(path, t.Columns)
	if err != nil {
		return err
	}
	if err := w.WriteTable(t); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}
