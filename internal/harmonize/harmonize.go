// Package harmonize renames year-specific payment file layouts onto one
// canonical column layout.
package harmonize

import (
	"errors"
	"fmt"

	"openpayments/internal/reference"
	"openpayments/internal/table"
)

// ErrSchemaMismatch is returned when a file's columns cannot be mapped onto
// the canonical layout for its year.
var ErrSchemaMismatch = errors.New("schema mismatch")

// DrugPrefix starts every canonical drug name column.
const DrugPrefix = "Drug_Biological_Device_Med_Sup_"

// MergeBefore is the first year whose files already carry a single drug/device
// column family.
const MergeBefore = 2016

// Slots is the number of drug name slots per record.
const Slots = 5

func drugColumn(i int) string { return fmt.Sprintf("Name_of_Associated_Covered_Drug_or_Biological%d", i) }
func deviceColumn(i int) string { return fmt.Sprintf("Name_of_Associated_Covered_Device_or_Medical_Supply%d", i) }

// MergeDrugDevice combines the parallel drug and device columns of pre-2016
// files. For each slot the drug value is kept when present, otherwise the
// device value is used. The merged columns are appended after the existing
// ones in slot order and the source columns are dropped. t is left unchanged
// when any slot is incomplete.
func MergeDrugDevice(t *table.Table) error {
	for i := 1; i <= Slots; i++ {
		drug, device := drugColumn(i), deviceColumn(i)
		if !t.Has(drug) || !t.Has(device) {
			return fmt.Errorf("%w: slot %d needs columns %q and %q", ErrSchemaMismatch, i, drug, device)
		}
	}
	for i := 1; i <= Slots; i++ {
		drug, device := drugColumn(i), deviceColumn(i)
		merged := fmt.Sprintf("%s%d", DrugPrefix, i)
		t.AddColumn(merged)
		for r := range t.Rows {
			v := t.Get(r, drug)
			if v.Absent() {
				v = t.Get(r, device)
			}
			t.Set(r, merged, v)
		}
		t.DropColumns(drug, device)
	}
	return nil
}

// Apply harmonizes t for year: pre-2016 tables are merged first, then every
// column is renamed positionally to the layout in cols.
func Apply(t *table.Table, year int, cols reference.ColumnTable) error {
	want, ok := cols.Columns(year)
	if !ok {
		return fmt.Errorf("%w: no canonical columns for %d", ErrSchemaMismatch, year)
	}
	if year < MergeBefore {
		if err := MergeDrugDevice(t); err != nil {
			return err
		}
	}
	if err := t.SetColumns(want); err != nil {
		return fmt.Errorf("%w: year %d: %v", ErrSchemaMismatch, year, err)
	}
	return nil
}

// DrugColumns returns the canonical drug name columns of a harmonized table
// in table order.
func DrugColumns(t *table.Table) []string {
	return t.ColumnsWithPrefix(DrugPrefix)
}
