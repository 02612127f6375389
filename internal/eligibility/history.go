package eligibility

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"openpayments/internal/csvstream"
	"openpayments/internal/filter"
	"openpayments/internal/reference"
	"openpayments/internal/store"
	"openpayments/internal/table"
)

// yearFile matches per-year history extracts such as 2018_prescribers.csv.
var yearFile = regexp.MustCompile(`^(\d{4})_.*\.csv$`)

// TargetKeys returns the key set used to select history rows.
func TargetKeys() reference.KeySet {
	return reference.NewKeySet(TargetDrugs...)
}

type source struct {
	path string
	year int // 0 when the file carries its own Year column
}

func isParquet(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".parquet")
}

// sources expands in into the files to read. A directory yields its per-year
// CSV files in name order.
func sources(in string) ([]source, error) {
	fi, err := os.Stat(in)
	if err != nil {
		return nil, fmt.Errorf("stat history: %w", err)
	}
	if !fi.IsDir() {
		return []source{{path: in}}, nil
	}
	entries, err := os.ReadDir(in)
	if err != nil {
		return nil, fmt.Errorf("read history dir: %w", err)
	}
	var out []source
	for _, e := range entries {
		m := yearFile.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		y, _ := strconv.Atoi(m[1])
		out = append(out, source{path: filepath.Join(in, e.Name()), year: y})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	if len(out) == 0 {
		return nil, fmt.Errorf("history dir %s has no <year>_*.csv files", in)
	}
	return out, nil
}

// forEachChunk streams src as tables of at most size rows. Parquet sources use
// the HistoryRow schema.
func forEachChunk(ctx context.Context, src source, size int, encoding string, fn func(*table.Table) error) error {
	if isParquet(src.path) {
		_, err := store.ReadHistory(src.path, size, func(rows []store.HistoryRow) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(historyTable(rows))
		})
		return err
	}

	r, err := csvstream.Open(src.path, encoding)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := r.ReadChunk(size)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", src.path, err)
		}
		if !chunk.Has(ColYear) {
			if src.year == 0 {
				return fmt.Errorf("%s: no %s column and no year in file name", src.path, ColYear)
			}
			chunk.AddColumn(ColYear)
			y := table.Some(strconv.Itoa(src.year))
			for i := range chunk.Rows {
				chunk.Set(i, ColYear, y)
			}
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}

func historyTable(rows []store.HistoryRow) *table.Table {
	t := table.New(HistoryColumns)
	for _, r := range rows {
		t.Rows = append(t.Rows, table.Row{Cells: []table.Value{
			table.Parse(r.NPI), table.Parse(r.Type), table.Parse(r.Brand), table.Parse(r.Generic), table.Parse(r.Year),
		}})
	}
	return t
}

// Preparer selects target-drug rows from a raw prescriber history.
type Preparer struct {
	ChunkSize int
	Encoding  string
	Logger    zerolog.Logger
}

// PrepareResult summarises a Prepare call.
type PrepareResult struct {
	Sources int
	Rows    int64
	Matched int
}

// Prepare reads in (a CSV file, a history Parquet file, or a directory of
// <year>_*.csv files), keeps the rows whose brand or generic name is a target
// drug, and writes them with HistoryColumns to out. When parquetOut is set the
// same rows are also written there.
func (p *Preparer) Prepare(ctx context.Context, in, out, parquetOut string) (*PrepareResult, error) {
	srcs, err := sources(in)
	if err != nil {
		return nil, err
	}
	size := p.ChunkSize
	if size <= 0 {
		size = filter.DefaultChunkSize
	}

	w, err := csvstream.Create(out, HistoryColumns)
	if err != nil {
		return nil, err
	}
	var pw *store.HistoryWriter
	if parquetOut != "" {
		if pw, err = store.NewHistoryWriter(parquetOut); err != nil {
			w.Abort()
			return nil, err
		}
	}
	fail := func(err error) (*PrepareResult, error) {
		w.Abort()
		if pw != nil {
			pw.Close()
			os.Remove(parquetOut)
		}
		return nil, err
	}

	keys := TargetKeys()
	cols := []string{ColBrand, ColGeneric}
	res := &PrepareResult{Sources: len(srcs)}
	for _, src := range srcs {
		n := 0
		err := forEachChunk(ctx, src, size, p.Encoding, func(chunk *table.Table) error {
			n++
			if !chunk.Has(ColNPI) || !chunk.Has(ColBrand) || !chunk.Has(ColGeneric) {
				return fmt.Errorf("%s: history needs columns %s, %s and %s", src.path, ColNPI, ColBrand, ColGeneric)
			}
			matched := filter.Match(chunk, cols, keys)
			res.Rows += int64(chunk.Len())
			res.Matched += matched.Len()
			p.Logger.Debug().Str("file", filepath.Base(src.path)).Int("chunk", n).
				Int("rows", chunk.Len()).Int("matched", matched.Len()).Msg("filtered history chunk")

			for i := range matched.Rows {
				rec := make([]string, len(HistoryColumns))
				for j, c := range HistoryColumns {
					rec[j] = matched.Get(i, c).String()
				}
				if err := w.Write(rec); err != nil {
					return err
				}
				if pw != nil {
					hr := store.HistoryRow{NPI: rec[0], Type: rec[1], Brand: rec[2], Generic: rec[3], Year: rec[4]}
					if err := pw.Write(hr); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return fail(err)
		}
	}

	if err := w.Close(); err != nil {
		return fail(err)
	}
	if pw != nil {
		if err := pw.Close(); err != nil {
			os.Remove(parquetOut)
			return nil, err
		}
	}
	p.Logger.Info().Int("sources", res.Sources).Int64("rows", res.Rows).Int("matched", res.Matched).Msg("prepared prescriber history")
	return res, nil
}

// LoadHistory reads a prepared history (CSV or Parquet) into a History.
// Rows are not filtered again. It returns the number of rows skipped for a
// missing NPI or year.
func LoadHistory(ctx context.Context, path, encoding string) (History, int, error) {
	h := make(History)
	skipped := 0
	srcs, err := sources(path)
	if err != nil {
		return nil, 0, err
	}
	for _, src := range srcs {
		err := forEachChunk(ctx, src, filter.DefaultChunkSize, encoding, func(chunk *table.Table) error {
			n, err := h.AddTable(chunk)
			skipped += n
			return err
		})
		if err != nil {
			return nil, 0, err
		}
	}
	return h, skipped, nil
}
