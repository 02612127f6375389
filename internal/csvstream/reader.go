// Package csvstream streams large CSV files in bounded chunks and writes CSV
// outputs atomically.
package csvstream

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"openpayments/internal/table"
)

// Encoding names accepted by Open.
const (
	EncodingUTF8   = "utf-8"
	EncodingLatin1 = "latin-1"
)

// Reader provides streaming access to a CSV file with a single header row.
type Reader struct {
	file    *os.File
	reader  *csv.Reader
	headers []string
	rowNum  int64 // data rows consumed so far
}

// Open opens path and reads its header row. encoding is EncodingUTF8 (or "")
// or EncodingLatin1.
func Open(path, encoding string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	bufReader := bufio.NewReaderSize(file, 256*1024)

	// Skip UTF-8 BOM if present
	bom, err := bufReader.Peek(3)
	if err == nil && len(bom) >= 3 && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		bufReader.Discard(3)
	}

	var src io.Reader = bufReader
	switch strings.ToLower(encoding) {
	case "", EncodingUTF8, "utf8":
	case EncodingLatin1, "latin1", "iso-8859-1":
		src = transform.NewReader(bufReader, charmap.ISO8859_1.NewDecoder())
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}

	reader := csv.NewReader(src)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	r := &Reader{file: file, reader: reader}

	headers, err := reader.Read()
	if err != nil {
		file.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read header of %s: empty file", path)
		}
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], "\ufeff")
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}
	r.headers = headers
	return r, nil
}

// Headers returns the column names in file order.
func (r *Reader) Headers() []string {
	return append([]string(nil), r.headers...)
}

// RowNum returns the number of data rows read so far.
func (r *Reader) RowNum() int64 {
	return r.rowNum
}

// Close closes the underlying file
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// ReadChunk reads up to n data rows into a new table. Each row is labelled
// with its zero-based position in the file, so labels keep increasing across
// chunks. It returns io.EOF once no rows remain.
func (r *Reader) ReadChunk(n int) (*table.Table, error) {
	if n <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", n)
	}
	chunk := table.New(r.headers)
	for chunk.Len() < n {
		rec, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", r.rowNum+1, err)
		}
		cells := make([]table.Value, len(rec))
		for i, f := range rec {
			cells[i] = table.Parse(f)
		}
		if err := chunk.Append(table.Row{Label: r.rowNum, Cells: cells}); err != nil {
			return nil, err
		}
		r.rowNum++
	}
	if chunk.Len() == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

// ReadAll loads a whole CSV file. Only use it for small reference tables and
// already-filtered files.
func ReadAll(path, encoding string) (*table.Table, error) {
	r, err := Open(path, encoding)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	all := table.New(r.Headers())
	for {
		chunk, err := r.ReadChunk(100_000)
		if errors.Is(err, io.EOF) {
			return all, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		all.Rows = append(all.Rows, chunk.Rows...)
	}
}

// ReadHeader returns only the header row of path.
func ReadHeader(path, encoding string) ([]string, error) {
	r, err := Open(path, encoding)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Headers(), nil
}
