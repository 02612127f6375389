// Package backfill joins recipient NPIs onto 2014 payment records from the
// profile supplement, keyed by profile identifier.
package backfill

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"openpayments/internal/table"
)

// Dataset types.
const (
	General  = "general"
	Research = "research"
)

// Column names shared with the rest of the pipeline.
const (
	ProfileIDColumn = "Covered_Recipient_Profile_ID"
	NPIColumn       = "Covered_Recipient_NPI"
)

// Providers maps a canonical profile id to a canonical NPI.
type Providers map[string]string

// CanonicalID returns the integer text form of an identifier that may carry a
// float artifact from an earlier numeric parse ("1234.0" -> "1234"). Values
// that are not integral numbers are returned trimmed but otherwise unchanged.
func CanonicalID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "nan" {
		return ""
	}
	if isDigits(s) {
		return trimLeadingZeros(s)
	}
	if whole, frac, ok := strings.Cut(s, "."); ok && isDigits(whole) && isZeros(frac) {
		return trimLeadingZeros(whole)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return s
	}
	return strconv.FormatInt(int64(f), 10)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isZeros(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' {
			return false
		}
	}
	return true
}

func trimLeadingZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}

// CanonicalValue applies CanonicalID to a cell, keeping absent cells absent.
func CanonicalValue(v table.Value) table.Value {
	if v.Absent() {
		return table.None
	}
	return table.Parse(CanonicalID(v.String()))
}

// Join describes one profile-id column and the NPI column it fills.
type Join struct {
	ProfileColumn string
	NPIColumn     string
}

// Joins returns the profile-id joins for dataset. General data has one join on
// Covered_Recipient_Profile_ID; research data adds PI_1..PI_5 whose results go
// to PI_<n>_NPI.
func Joins(dataset string) []Join {
	joins := []Join{{ProfileColumn: ProfileIDColumn, NPIColumn: NPIColumn}}
	if dataset != Research {
		return joins
	}
	for n := 1; n <= 5; n++ {
		joins = append(joins, Join{
			ProfileColumn: fmt.Sprintf("PI_%d_Profile_ID", n),
			NPIColumn:     fmt.Sprintf("PI_%d_NPI", n),
		})
	}
	return joins
}

// Result counts the outcome of one join.
type Result struct {
	Join
	Filled    int // rows whose NPI was taken from the provider table
	Unmatched int // rows with a profile id unknown to the provider table
}

// Apply runs every join for dataset against the same provider table. Profile
// ids are canonicalised in place. Row order is preserved and unmatched rows
// are kept with an absent NPI. An NPI already present in the record is never
// overwritten. Joins whose profile column is missing from t are skipped.
func Apply(t *table.Table, dataset string, providers Providers) []Result {
	var results []Result
	for _, j := range Joins(dataset) {
		if !t.Has(j.ProfileColumn) {
			continue
		}
		t.AddColumn(j.NPIColumn)
		res := Result{Join: j}
		for i := range t.Rows {
			id := CanonicalValue(t.Get(i, j.ProfileColumn))
			t.Set(i, j.ProfileColumn, id)
			if id.Absent() || !t.Get(i, j.NPIColumn).Absent() {
				continue
			}
			npi, ok := providers[id.String()]
			if !ok || npi == "" {
				res.Unmatched++
				continue
			}
			t.Set(i, j.NPIColumn, table.Parse(npi))
			res.Filled++
		}
		results = append(results, res)
	}
	return results
}
