// Package filter streams raw payment and prescriber files in bounded chunks
// and keeps only the rows that mention a reference drug.
package filter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"openpayments/internal/csvstream"
	"openpayments/internal/drugname"
	"openpayments/internal/reference"
	"openpayments/internal/table"
)

// ErrRawFileNotFound is returned when no raw file exists for a year and
// dataset type.
var ErrRawFileNotFound = errors.New("raw file not found")

// DefaultChunkSize bounds the number of rows held in memory at once.
const DefaultChunkSize = 100_000

// Raw drug name column prefixes, compared case-insensitively.
const (
	drugPrefix         = "name_of_drug_or_biological_or_device_or_medical_supply_"
	legacyDrugPrefix   = "name_of_associated_covered_drug_or_biological"
	legacyDevicePrefix = "name_of_associated_covered_device_or_medical_supply"
)

// RawPrefix returns the file name prefix of the raw CMS file for dataset and
// year, e.g. OP_DTL_GNRL_PGYR2018.
func RawPrefix(dataset string, year int) string {
	acronym := "GNRL"
	if dataset == "research" {
		acronym = "RSRCH"
	}
	return fmt.Sprintf("OP_DTL_%s_PGYR%d", acronym, year)
}

// ResolveRawPath finds the raw file for dataset and year under
// <rawDir>/<dataset>_payments. When several files match, the
// lexicographically first is used.
func ResolveRawPath(rawDir, dataset string, year int) (string, error) {
	dir := filepath.Join(rawDir, dataset+"_payments")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %d %s_payments: %v", ErrRawFileNotFound, year, dataset, err)
		}
		return "", fmt.Errorf("read raw dir: %w", err)
	}
	prefix := RawPrefix(dataset, year)
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: no %s* in %s", ErrRawFileNotFound, prefix, dir)
}

// RawDrugColumns returns the drug name columns of a raw payment file header,
// in file order. Pre-2016 files split drug and device names into two column
// families; both are returned.
func RawDrugColumns(header []string, year int) []string {
	prefixes := []string{drugPrefix}
	if year < 2016 {
		prefixes = []string{legacyDrugPrefix, legacyDevicePrefix}
	}
	return table.New(header).ColumnsWithPrefix(prefixes...)
}

// FixedColumns selects the given columns, failing if any is missing.
func FixedColumns(names ...string) func(header []string) []string {
	return func(header []string) []string {
		t := table.New(header)
		for _, n := range names {
			if !t.Has(n) {
				return nil
			}
		}
		return names
	}
}

// MatchRow reports whether row i names a reference drug in any of cols.
// Columns are scanned in order and scanning stops at the first match. Absent
// values are skipped.
func MatchRow(t *table.Table, i int, cols []string, keys reference.KeySet) bool {
	for _, c := range cols {
		v := t.Get(i, c)
		if v.Absent() {
			continue
		}
		if keys.Contains(drugname.BrandValue(v)) {
			return true
		}
	}
	return false
}

// Match returns the rows of t that name a reference drug. Rows keep their
// order and labels.
func Match(t *table.Table, cols []string, keys reference.KeySet) *table.Table {
	matched, _ := t.Split(func(i int) bool { return MatchRow(t, i, cols, keys) })
	return matched
}

// Filter runs Match over a file chunk by chunk.
type Filter struct {
	Keys      reference.KeySet
	ChunkSize int
	Encoding  string
	Logger    zerolog.Logger
}

// Result summarises one filtered file.
type Result struct {
	Header  []string
	Rows    int64   // rows read
	Matched int     // rows retained
	Labels  []int64 // source row labels of retained rows
	Chunks  []string
}

// Run filters in and writes every non-empty matched chunk atomically to
// chunkDir as chunk_NNNNN.csv. Chunks from a previous run are removed first.
// selectCols picks the drug name columns from the header; an empty selection
// is an error.
func (f *Filter) Run(ctx context.Context, in, chunkDir string, selectCols func(header []string) []string) (*Result, error) {
	size := f.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	r, err := csvstream.Open(in, f.Encoding)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	header := r.Headers()
	cols := selectCols(header)
	if len(cols) == 0 {
		return nil, fmt.Errorf("%s: no drug name columns in header", in)
	}

	if err := os.RemoveAll(chunkDir); err != nil {
		return nil, fmt.Errorf("clear chunk dir: %w", err)
	}
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}

	res := &Result{Header: header}
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := r.ReadChunk(size)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in, err)
		}

		matched := Match(chunk, cols, f.Keys)
		res.Rows += int64(chunk.Len())
		res.Matched += matched.Len()
		res.Labels = append(res.Labels, matched.Labels()...)

		f.Logger.Debug().
			Int("chunk", n).
			Int("rows", chunk.Len()).
			Int("matched", matched.Len()).
			Msg("filtered chunk")

		if matched.Len() == 0 {
			continue
		}
		path := filepath.Join(chunkDir, fmt.Sprintf("chunk_%05d.csv", n))
		if err := csvstream.WriteFile(path, matched); err != nil {
			return nil, fmt.Errorf("save chunk %d: %w", n, err)
		}
		res.Chunks = append(res.Chunks, path)
	}

	f.Logger.Info().
		Int64("rows", res.Rows).
		Int("matched", res.Matched).
		Int("chunks", len(res.Chunks)).
		Msg("filtered file")
	return res, nil
}

// ChunkFiles lists the chunk files in dir in chunk number order.
func ChunkFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "chunk_*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Concatenate writes header followed by every chunk in dir, in chunk number
// order, to out. Each chunk must carry the same header. The finished file is
// re-read and its row count checked against the rows read from the chunks.
func Concatenate(dir string, header []string, out string) (int, error) {
	files, err := ChunkFiles(dir)
	if err != nil {
		return 0, fmt.Errorf("list chunks: %w", err)
	}

	w, err := csvstream.Create(out, header)
	if err != nil {
		return 0, err
	}
	read := 0
	for _, file := range files {
		n, err := appendChunk(w, file, header)
		if err != nil {
			w.Abort()
			return 0, err
		}
		read += n
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	written, err := CountRows(out)
	if err != nil {
		return 0, err
	}
	if written != read {
		os.Remove(out)
		return 0, fmt.Errorf("concatenate %s: file holds %d rows, chunks hold %d", out, written, read)
	}
	return read, nil
}

// CountRows returns the number of data rows in a CSV file.
func CountRows(path string) (int, error) {
	r, err := csvstream.Open(path, csvstream.EncodingUTF8)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	for {
		_, err := r.ReadChunk(DefaultChunkSize)
		if errors.Is(err, io.EOF) {
			return int(r.RowNum()), nil
		}
		if err != nil {
			return 0, err
		}
	}
}

func appendChunk(w *csvstream.Writer, file string, header []string) (int, error) {
	t, err := csvstream.ReadAll(file, csvstream.EncodingUTF8)
	if err != nil {
		return 0, err
	}
	if strings.Join(t.Columns, "\x00") != strings.Join(header, "\x00") {
		return 0, fmt.Errorf("chunk %s: header does not match", file)
	}
	if err := w.WriteTable(t); err != nil {
		return 0, err
	}
	return t.Len(), nil
}
