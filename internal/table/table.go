// Package table holds the in-memory representation of CSV record sets that
// flow between pipeline stages.
package table

import (
	"fmt"
	"strings"
)

// Row is one record. Label is the zero-based data row number in the source
// file; it is preserved through filtering so retained rows can be traced back
// to their origin regardless of chunking.
type Row struct {
	Label int64
	Cells []Value
}

// Table is an ordered set of columns and rows. Rows always have exactly
// len(Columns) cells.
type Table struct {
	Columns []string
	Rows    []Row

	colIdx map[string]int
}

// New creates an empty table with the given header.
func New(columns []string) *Table {
	t := &Table{Columns: append([]string(nil), columns...)}
	t.reindex()
	return t
}

func (t *Table) reindex() {
	t.colIdx = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		if _, dup := t.colIdx[c]; !dup {
			t.colIdx[c] = i
		}
	}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Index returns the position of column name.
func (t *Table) Index(name string) (int, bool) {
	i, ok := t.colIdx[name]
	return i, ok
}

// Has reports whether the table has a column called name.
func (t *Table) Has(name string) bool {
	_, ok := t.colIdx[name]
	return ok
}

// Append adds a row. Short rows are padded with None; long rows are an error.
func (t *Table) Append(r Row) error {
	if len(r.Cells) > len(t.Columns) {
		return fmt.Errorf("row %d has %d fields, header has %d", r.Label, len(r.Cells), len(t.Columns))
	}
	for len(r.Cells) < len(t.Columns) {
		r.Cells = append(r.Cells, None)
	}
	t.Rows = append(t.Rows, r)
	return nil
}

// Get returns the value of column name in row i, or None if the column does
// not exist.
func (t *Table) Get(i int, name string) Value {
	c, ok := t.colIdx[name]
	if !ok {
		return None
	}
	return t.Rows[i].Cells[c]
}

// Set assigns the value of column name in row i. The column must exist.
func (t *Table) Set(i int, name string, v Value) {
	c, ok := t.colIdx[name]
	if !ok {
		panic(fmt.Sprintf("table: unknown column %q", name))
	}
	t.Rows[i].Cells[c] = v
}

// AddColumn appends a column filled with None. Adding an existing column is a
// no-op.
func (t *Table) AddColumn(name string) {
	if t.Has(name) {
		return
	}
	t.Columns = append(t.Columns, name)
	t.colIdx[name] = len(t.Columns) - 1
	for i := range t.Rows {
		t.Rows[i].Cells = append(t.Rows[i].Cells, None)
	}
}

// DropColumns removes the named columns. Unknown names are ignored.
func (t *Table) DropColumns(names ...string) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	keep := make([]int, 0, len(t.Columns))
	cols := make([]string, 0, len(t.Columns))
	for i, c := range t.Columns {
		if !drop[c] {
			keep = append(keep, i)
			cols = append(cols, c)
		}
	}
	if len(cols) == len(t.Columns) {
		return
	}
	for ri := range t.Rows {
		cells := make([]Value, len(keep))
		for j, i := range keep {
			cells[j] = t.Rows[ri].Cells[i]
		}
		t.Rows[ri].Cells = cells
	}
	t.Columns = cols
	t.reindex()
}

// SetColumns replaces the header positionally. The new header must have the
// same number of columns as the current one.
func (t *Table) SetColumns(names []string) error {
	if len(names) != len(t.Columns) {
		return fmt.Errorf("length mismatch: table has %d columns, new header has %d", len(t.Columns), len(names))
	}
	t.Columns = append([]string(nil), names...)
	t.reindex()
	return nil
}

// ColumnsWithPrefix returns, in table order, the columns whose lowercase
// name starts with any of the given prefixes (compared case-insensitively).
func (t *Table) ColumnsWithPrefix(prefixes ...string) []string {
	var out []string
	for _, c := range t.Columns {
		lc := strings.ToLower(c)
		for _, p := range prefixes {
			if strings.HasPrefix(lc, strings.ToLower(p)) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Split partitions the rows by pred into two tables sharing this header.
// Row order and labels are preserved in both.
func (t *Table) Split(pred func(i int) bool) (matched, rest *Table) {
	matched = New(t.Columns)
	rest = New(t.Columns)
	for i, r := range t.Rows {
		if pred(i) {
			matched.Rows = append(matched.Rows, r)
		} else {
			rest.Rows = append(rest.Rows, r)
		}
	}
	return matched, rest
}

// Labels returns the row labels in order.
func (t *Table) Labels() []int64 {
	out := make([]int64, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Label
	}
	return out
}

// Strings returns row i as plain text, absent values as "".
func (t *Table) Strings(i int) []string {
	cells := t.Rows[i].Cells
	out := make([]string, len(cells))
	for j, v := range cells {
		out[j] = v.String()
	}
	return out
}
