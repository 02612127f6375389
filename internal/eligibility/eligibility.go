// Package eligibility derives, per calendar year, the prescribers who
// prescribed a target drug in each of the preceding years.
package eligibility

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"openpayments/internal/backfill"
	"openpayments/internal/table"
)

// ErrYearNotFound is returned when the eligibility map has no entry for a
// requested year.
var ErrYearNotFound = errors.New("year not found in eligibility map")

// Prescriber history columns.
const (
	ColNPI     = "Prscrbr_NPI"
	ColType    = "Prscrbr_Type"
	ColBrand   = "Brnd_Name"
	ColGeneric = "Gnrc_Name"
	ColYear    = "Year"
)

// HistoryColumns is the column order of a prepared history file.
var HistoryColumns = []string{ColNPI, ColType, ColBrand, ColGeneric, ColYear}

// TargetDrugs are the canonical names a history row must mention in its brand
// or generic name column.
var TargetDrugs = []string{"bicalutamide", "abiraterone", "enzalutamide", "apalutamide", "darolutamide"}

// HistoryStart is the first year covered by the prescriber history. A year's
// rule only looks back as far as HistoryStart, which is why 2014 requires a
// single prior year and 2015 two.
const HistoryStart = 2013

// Lookback is the number of immediately preceding years that must all be
// present.
const Lookback = 3

// YearSet is the set of years an identifier prescribed a target drug in.
type YearSet map[int]struct{}

// Has reports whether y is in the set.
func (s YearSet) Has(y int) bool {
	_, ok := s[y]
	return ok
}

// Sorted returns the years in ascending order.
func (s YearSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for y := range s {
		out = append(out, y)
	}
	sort.Ints(out)
	return out
}

// History maps a canonical prescriber NPI to its prescribing years.
type History map[string]YearSet

// Add records that npi prescribed in year.
func (h History) Add(npi string, year int) {
	s, ok := h[npi]
	if !ok {
		s = make(YearSet)
		h[npi] = s
	}
	s[year] = struct{}{}
}

// AddTable adds every row of a history table. Rows without an NPI or a
// parseable year are skipped and counted.
func (h History) AddTable(t *table.Table) (skipped int, err error) {
	if !t.Has(ColNPI) || !t.Has(ColYear) {
		return 0, fmt.Errorf("history table needs columns %q and %q", ColNPI, ColYear)
	}
	for i := range t.Rows {
		npi := backfill.CanonicalID(t.Get(i, ColNPI).String())
		year, ok := ParseYear(t.Get(i, ColYear).String())
		if npi == "" || !ok {
			skipped++
			continue
		}
		h.Add(npi, year)
	}
	return skipped, nil
}

// ParseYear parses a year value, accepting a float artifact such as "2018.0".
func ParseYear(s string) (int, bool) {
	y, err := strconv.Atoi(backfill.CanonicalID(s))
	if err != nil {
		return 0, false
	}
	return y, true
}

// Eligible reports whether years satisfy the rule for target year y: every
// one of the Lookback years immediately before y, not counting years before
// HistoryStart, must be present. Years at or before HistoryStart are never
// eligible.
func Eligible(years YearSet, y int) bool {
	if y <= HistoryStart {
		return false
	}
	for k := 1; k <= Lookback; k++ {
		prior := y - k
		if prior < HistoryStart {
			break
		}
		if !years.Has(prior) {
			return false
		}
	}
	return true
}

// AnyConsecutive reports whether years contain Lookback consecutive years
// anywhere. This is the superseded rule, kept for diagnostics only.
func AnyConsecutive(years YearSet) bool {
	sorted := years.Sorted()
	for i := 0; i+Lookback-1 < len(sorted); i++ {
		if sorted[i+Lookback-1]-sorted[i] == Lookback-1 {
			return true
		}
	}
	return false
}

// Map is the persisted form: year string to sorted, deduplicated NPIs.
type Map map[string][]string

// Compute evaluates Eligible for every identifier and every year in
// [first, last]. Every year in the range is present in the result, possibly
// with an empty list.
func Compute(h History, first, last int) Map {
	m := make(Map, last-first+1)
	for y := first; y <= last; y++ {
		m[strconv.Itoa(y)] = []string{}
	}
	for npi, years := range h {
		for y := first; y <= last; y++ {
			if Eligible(years, y) {
				key := strconv.Itoa(y)
				m[key] = append(m[key], npi)
			}
		}
	}
	for k := range m {
		sort.Strings(m[k])
	}
	return m
}

// Diagnostics compares the sliding-window rule with the superseded
// "any three consecutive years" rule.
type Diagnostics struct {
	Prescribers int
	// DraftOnly satisfy the superseded rule but are never eligible in range.
	DraftOnly int
	// SlidingOnly are eligible in some year but fail the superseded rule.
	SlidingOnly int
}

// Diagnose compares the two rules over [first, last].
func Diagnose(h History, first, last int) Diagnostics {
	d := Diagnostics{Prescribers: len(h)}
	for _, years := range h {
		sliding := false
		for y := first; y <= last && !sliding; y++ {
			sliding = Eligible(years, y)
		}
		draft := AnyConsecutive(years)
		switch {
		case draft && !sliding:
			d.DraftOnly++
		case sliding && !draft:
			d.SlidingOnly++
		}
	}
	return d
}

// Save writes m as JSON to path, creating parent directories.
func Save(path string, m Map) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode eligibility: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write eligibility: %w", err)
	}
	return os.Rename(tmp, path)
}

// Set is the eligible identifiers of one year.
type Set map[string]struct{}

// Contains reports whether npi is eligible.
func (s Set) Contains(npi string) bool {
	_, ok := s[npi]
	return ok
}

// Sets is the loaded, read-only form of a Map.
type Sets map[string]Set

// Load reads a JSON eligibility map.
func Load(path string) (Sets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read eligibility file: %w", err)
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse eligibility file: %w", err)
	}
	return m.Sets(), nil
}

// Sets converts m into lookup sets.
func (m Map) Sets() Sets {
	s := make(Sets, len(m))
	for y, npis := range m {
		set := make(Set, len(npis))
		for _, npi := range npis {
			set[npi] = struct{}{}
		}
		s[y] = set
	}
	return s
}

// ForYear returns the set for year.
func (s Sets) ForYear(year int) (Set, error) {
	set, ok := s[strconv.Itoa(year)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrYearNotFound, year)
	}
	return set, nil
}
