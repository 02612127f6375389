// Package enrich adds the derived drug and prescriber columns to harmonized
// payment tables.
package enrich

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"openpayments/internal/backfill"
	"openpayments/internal/drugname"
	"openpayments/internal/eligibility"
	"openpayments/internal/harmonize"
	"openpayments/internal/reference"
	"openpayments/internal/table"
)

var (
	// ErrInvalidDrugType is returned for a drug type other than 0 or 1.
	ErrInvalidDrugType = errors.New("unsupported drug type (want 0 or 1)")
	// ErrUnknownDisplayName is returned when a Drug_Name has no display name.
	ErrUnknownDisplayName = errors.New("unknown value in Drug_Name")
)

// Derived columns, appended in this order.
const (
	ColDrugName  = "Drug_Name"
	ColDrugType  = "Prostate_Drug_Type"
	ColOncPrescr = "Onc_Prescriber"
	ColProfileID = backfill.ProfileIDColumn
	ColRecipient = backfill.NPIColumn
)

var piNPI = regexp.MustCompile(`^(PI|Principal_Investigator)_\d+_NPI$`)

// NPIColumns returns the identifier columns of t for dataset in table order:
// Covered_Recipient_NPI, plus for research data every PI_<n>_NPI or
// Principal_Investigator_<n>_NPI column.
func NPIColumns(t *table.Table, dataset string) []string {
	var cols []string
	for _, c := range t.Columns {
		if c == ColRecipient || (dataset == backfill.Research && piNPI.MatchString(c)) {
			cols = append(cols, c)
		}
	}
	return cols
}

// PartitionMissing splits off the rows that carry no identifier: for general
// data rows without Covered_Recipient_NPI, for research data rows where every
// identifier column is absent. Identifiers of kept rows are canonicalised.
func PartitionMissing(t *table.Table, dataset string) (kept, missing *table.Table, err error) {
	if !t.Has(ColRecipient) {
		return nil, nil, fmt.Errorf("%w: no %s column", harmonize.ErrSchemaMismatch, ColRecipient)
	}
	cols := NPIColumns(t, dataset)
	missing, kept = t.Split(func(i int) bool {
		for _, c := range cols {
			if !t.Get(i, c).Absent() {
				return false
			}
		}
		return true
	})
	for i := range kept.Rows {
		for _, c := range cols {
			kept.Set(i, c, backfill.CanonicalValue(kept.Get(i, c)))
		}
	}
	return kept, missing, nil
}

// OncPrescriber returns 1 when drugType is 1 and any of npis is in eligible,
// otherwise 0.
func OncPrescriber(drugType int, npis []string, eligible eligibility.Set) (int, error) {
	switch drugType {
	case 0:
		return 0, nil
	case 1:
		for _, npi := range npis {
			if eligible.Contains(npi) {
				return 1, nil
			}
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidDrugType, drugType)
	}
}

// Enricher derives Drug_Name, Prostate_Drug_Type and Onc_Prescriber.
type Enricher struct {
	Index    *reference.Index
	Eligible eligibility.Set
	Dataset  string
}

// Stats counts enrichment outcomes.
type Stats struct {
	Rows       int
	Resolved   int
	Unresolved int // rows where no drug column was found in the index
	Onc        int
}

// Enrich adds the derived columns to t. For each row the drug columns are
// scanned in order and the first value whose canonical key is in the index
// decides all three fields. Rows without any hit keep the fields absent.
func (e *Enricher) Enrich(t *table.Table) (Stats, error) {
	drugCols := harmonize.DrugColumns(t)
	npiCols := NPIColumns(t, e.Dataset)
	for _, c := range []string{ColDrugName, ColDrugType, ColOncPrescr} {
		t.AddColumn(c)
	}

	st := Stats{Rows: t.Len()}
	for i := range t.Rows {
		hit, err := e.enrichRow(t, i, drugCols, npiCols)
		if err != nil {
			return st, fmt.Errorf("row %d: %w", t.Rows[i].Label, err)
		}
		if !hit {
			st.Unresolved++
			continue
		}
		st.Resolved++
		if t.Get(i, ColOncPrescr).String() == "1" {
			st.Onc++
		}
	}
	return st, nil
}

func (e *Enricher) enrichRow(t *table.Table, i int, drugCols, npiCols []string) (bool, error) {
	for _, c := range drugCols {
		v := t.Get(i, c)
		if v.Absent() {
			continue
		}
		generic, color, ok := e.Index.Lookup(drugname.BrandValue(v))
		if !ok {
			continue
		}
		drugType := reference.DrugType(color)

		var npis []string
		for _, nc := range npiCols {
			if n := t.Get(i, nc); !n.Absent() {
				npis = append(npis, n.String())
			}
		}
		onc, err := OncPrescriber(drugType, npis, e.Eligible)
		if err != nil {
			return false, err
		}

		t.Set(i, ColDrugName, table.Some(generic))
		t.Set(i, ColDrugType, table.Some(strconv.Itoa(drugType)))
		t.Set(i, ColOncPrescr, table.Some(strconv.Itoa(onc)))
		return true, nil
	}
	return false, nil
}

// Finalize prepares t for writing: Covered_Recipient_Profile_ID is
// canonicalised when present and every absent cell, including a literal
// "nan", becomes None so it is written as an empty string.
func Finalize(t *table.Table) {
	for i := range t.Rows {
		cells := t.Rows[i].Cells
		for j, v := range cells {
			if v.Absent() {
				cells[j] = table.None
			}
		}
	}
	if t.Has(ColProfileID) {
		for i := range t.Rows {
			t.Set(i, ColProfileID, backfill.CanonicalValue(t.Get(i, ColProfileID)))
		}
	}
}

// ApplyDisplayNames replaces each cleaned Drug_Name with its display name.
// Empty values are left alone; a value with no display name is an error.
func ApplyDisplayNames(t *table.Table, names map[string]string) error {
	if !t.Has(ColDrugName) {
		return fmt.Errorf("%w: no %s column", harmonize.ErrSchemaMismatch, ColDrugName)
	}
	for i := range t.Rows {
		v := t.Get(i, ColDrugName)
		if v.Absent() {
			continue
		}
		display, ok := names[v.String()]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownDisplayName, v.String())
		}
		t.Set(i, ColDrugName, table.Some(display))
	}
	return nil
}
