package reference

import (
	"fmt"

	"openpayments/internal/csvstream"
)

// ColumnTable maps a year ("2014") to its canonical column list.
type ColumnTable map[string][]string

// LoadColumnTable reads a canonical column layout CSV: one column per year,
// names listed top to bottom. Blank cells pad shorter years and are dropped.
func LoadColumnTable(path string) (ColumnTable, error) {
	t, err := csvstream.ReadAll(path, csvstream.EncodingUTF8)
	if err != nil {
		return nil, fmt.Errorf("load column table: %w", err)
	}
	ct := make(ColumnTable, len(t.Columns))
	for _, year := range t.Columns {
		cols := []string{}
		for i := range t.Rows {
			if v := t.Get(i, year); !v.Absent() {
				cols = append(cols, v.String())
			}
		}
		ct[year] = cols
	}
	return ct, nil
}

// Columns returns the canonical layout for year.
func (ct ColumnTable) Columns(year int) ([]string, bool) {
	cols, ok := ct[fmt.Sprint(year)]
	return cols, ok
}
