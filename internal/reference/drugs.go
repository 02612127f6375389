// Package reference loads the static lookup tables the pipeline depends on:
// the drug reference list, the per-year canonical column layouts and the
// profile-to-NPI provider table.
package reference

import (
	"fmt"
	"sort"

	"openpayments/internal/csvstream"
	"openpayments/internal/drugname"
	"openpayments/internal/table"
)

// Column names of the drug reference table.
const (
	ColGeneric = "Generic_name"
	ColColor   = "Color"
)

// BrandColumns are the brand alias columns, in scan order.
var BrandColumns = []string{"Brand_name1", "Brand_name2", "Brand_name3", "Brand_name4"}

// ColorYellow marks a target prostate drug.
const ColorYellow = "yellow"

// Entry is one row of the drug reference table.
type Entry struct {
	Generic string
	Color   string
	Brands  []string // present, non-empty aliases only
}

// LoadEntries reads the drug reference CSV.
func LoadEntries(path string) ([]Entry, error) {
	t, err := csvstream.ReadAll(path, csvstream.EncodingUTF8)
	if err != nil {
		return nil, fmt.Errorf("load drug reference: %w", err)
	}
	return EntriesFromTable(t)
}

// EntriesFromTable converts a reference table into entries. Missing brand
// columns are tolerated; a missing generic column is not.
func EntriesFromTable(t *table.Table) ([]Entry, error) {
	if !t.Has(ColGeneric) {
		return nil, fmt.Errorf("drug reference: missing column %q", ColGeneric)
	}
	entries := make([]Entry, 0, t.Len())
	for i := range t.Rows {
		e := Entry{
			Generic: t.Get(i, ColGeneric).String(),
			Color:   t.Get(i, ColColor).String(),
		}
		for _, c := range BrandColumns {
			if v := t.Get(i, c); !v.Absent() {
				e.Brands = append(e.Brands, v.String())
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Index maps canonical drug keys to their cleaned generic name and color.
// Both maps always hold the same key set.
type Index struct {
	generic map[string]string
	color   map[string]string
}

// BuildIndex inserts every cleaned brand alias and the cleaned generic name of
// each entry. When two entries produce the same key the later entry wins.
// Names that clean to the empty string are not keys.
func BuildIndex(entries []Entry) *Index {
	idx := &Index{
		generic: make(map[string]string),
		color:   make(map[string]string),
	}
	put := func(key, generic, color string) {
		if key == "" {
			return
		}
		idx.generic[key] = generic
		idx.color[key] = color
	}
	for _, e := range entries {
		generic := drugname.Generic(e.Generic)
		for _, b := range e.Brands {
			put(drugname.Brand(b), generic, e.Color)
		}
		put(generic, generic, e.Color)
	}
	return idx
}

// Lookup returns the generic name and color for key.
func (x *Index) Lookup(key string) (generic, color string, ok bool) {
	generic, ok = x.generic[key]
	if !ok {
		return "", "", false
	}
	return generic, x.color[key], true
}

// Len returns the number of keys.
func (x *Index) Len() int { return len(x.generic) }

// Keys returns all keys in sorted order.
func (x *Index) Keys() []string {
	keys := make([]string, 0, len(x.generic))
	for k := range x.generic {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DrugType classifies color: 1 for yellow, 0 for anything else.
func DrugType(color string) int {
	if color == ColorYellow {
		return 1
	}
	return 0
}

// KeySet is the set of canonical names used to decide whether a raw payment
// row mentions a reference drug.
type KeySet map[string]struct{}

// Contains reports whether key is in the set.
func (s KeySet) Contains(key string) bool {
	_, ok := s[key]
	return ok
}

// NewKeySet builds a key set from names already in canonical form. Empty keys
// are skipped.
func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		if k != "" {
			s[k] = struct{}{}
		}
	}
	return s
}

// BuildKeySet collects the cleaned brand aliases and cleaned generic names of
// all entries. It is built independently of the Index.
func BuildKeySet(entries []Entry) KeySet {
	s := make(KeySet)
	for _, e := range entries {
		for _, b := range e.Brands {
			if k := drugname.Brand(b); k != "" {
				s[k] = struct{}{}
			}
		}
		if k := drugname.Generic(e.Generic); k != "" {
			s[k] = struct{}{}
		}
	}
	return s
}

// DisplayNames maps a cleaned generic name to the human readable generic name
// with its trailing route token removed, e.g. "radium223" -> "Radium 223".
func DisplayNames(entries []Entry) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		key := drugname.Generic(e.Generic)
		if key == "" {
			continue
		}
		m[key] = drugname.TrimRoute(e.Generic)
	}
	return m
}
