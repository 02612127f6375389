// Package store persists pipeline outputs outside of CSV: Parquet files for
// the prescriber history and the eligibility map, and PostgreSQL tables for
// finished payment files.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
)

const flushInterval = 100_000

// HistoryRow is the Parquet schema of a prescriber history row.
type HistoryRow struct {
	NPI     string `parquet:"Prscrbr_NPI"`
	Type    string `parquet:"Prscrbr_Type"`
	Brand   string `parquet:"Brnd_Name"`
	Generic string `parquet:"Gnrc_Name"`
	Year    string `parquet:"Year"`
}

// EligibilityRow is the Parquet schema of one (year, npi) eligibility pair.
type EligibilityRow struct {
	Year string `parquet:"year"`
	NPI  string `parquet:"npi"`
}

// rowWriter appends rows of T to a Snappy-compressed Parquet file, flushing a
// row group every flushInterval rows.
type rowWriter[T any] struct {
	file      *os.File
	writer    *parquet.GenericWriter[T]
	count     int
	unflushed int
}

func createRowWriter[T any](path string) (*rowWriter[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create parquet: %w", err)
	}
	writer := parquet.NewGenericWriter[T](file,
		parquet.Compression(&parquet.Snappy),
	)
	return &rowWriter[T]{file: file, writer: writer}, nil
}

func (w *rowWriter[T]) write(rows []T) error {
	if _, err := w.writer.Write(rows); err != nil {
		return err
	}
	w.count += len(rows)
	w.unflushed += len(rows)
	if w.unflushed >= flushInterval {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		w.unflushed = 0
	}
	return nil
}

func (w *rowWriter[T]) close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return w.file.Close()
}

// HistoryWriter writes prescriber history rows to a Parquet file.
type HistoryWriter struct {
	w *rowWriter[HistoryRow]
}

// NewHistoryWriter creates a new Parquet writer for history rows.
func NewHistoryWriter(path string) (*HistoryWriter, error) {
	w, err := createRowWriter[HistoryRow](path)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &HistoryWriter{w: w}, nil
}

// Write writes a single history row.
func (w *HistoryWriter) Write(row HistoryRow) error {
	if err := w.w.write([]HistoryRow{row}); err != nil {
		return fmt.Errorf("write history row: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (w *HistoryWriter) Close() error { return w.w.close() }

// Count returns the number of rows written.
func (w *HistoryWriter) Count() int { return w.w.count }

// ReadHistory streams a history Parquet file in batches of up to batch rows.
// The slice passed to fn is reused between calls.
func ReadHistory(path string, batch int, fn func([]HistoryRow) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open parquet: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[HistoryRow](f)
	defer reader.Close()

	if batch <= 0 {
		batch = 8192
	}
	buf := make([]HistoryRow, batch)
	var total int64
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			total += int64(n)
			if err := fn(buf[:n]); err != nil {
				return total, err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return total, nil
			}
			return total, fmt.Errorf("read parquet: %w", readErr)
		}
	}
}

// WriteEligibility writes the year -> NPI map as (year, npi) rows ordered by
// year and then by the order of each list.
func WriteEligibility(path string, m map[string][]string) (int, error) {
	w, err := createRowWriter[EligibilityRow](path)
	if err != nil {
		return 0, fmt.Errorf("eligibility: %w", err)
	}

	years := make([]string, 0, len(m))
	for y := range m {
		years = append(years, y)
	}
	sort.Strings(years)

	for _, y := range years {
		rows := make([]EligibilityRow, len(m[y]))
		for i, npi := range m[y] {
			rows[i] = EligibilityRow{Year: y, NPI: npi}
		}
		if err := w.write(rows); err != nil {
			w.close()
			return 0, fmt.Errorf("write eligibility %s: %w", y, err)
		}
	}
	if err := w.close(); err != nil {
		return 0, err
	}
	return w.count, nil
}

// ReadEligibility reads a file written by WriteEligibility. Years without any
// identifier have no rows and are therefore absent from the result.
func ReadEligibility(path string) (map[string][]string, error) {
	rows, err := parquet.ReadFile[EligibilityRow](path)
	if err != nil {
		return nil, fmt.Errorf("read eligibility parquet: %w", err)
	}
	m := make(map[string][]string)
	for _, r := range rows {
		m[r.Year] = append(m[r.Year], r.NPI)
	}
	return m, nil
}
