package reference

import (
	"errors"
	"fmt"
	"io"

	"openpayments/internal/backfill"
	"openpayments/internal/csvstream"
)

// Columns of the profile supplement that make up the provider table.
const (
	ColProfileID = "Covered_Recipient_Profile_ID"
	ColNPI       = "Covered_Recipient_NPI"
)

// LoadProviders reads a provider table whose first two columns are a profile
// identifier and an NPI. Both sides are canonicalised, rows without a profile
// id are dropped and the first row wins for a repeated profile id.
func LoadProviders(path string) (backfill.Providers, error) {
	t, err := csvstream.ReadAll(path, csvstream.EncodingUTF8)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	if len(t.Columns) < 2 {
		return nil, fmt.Errorf("load providers: want 2 columns, got %d", len(t.Columns))
	}
	idCol, npiCol := t.Columns[0], t.Columns[1]

	p := make(backfill.Providers, t.Len())
	for i := range t.Rows {
		id := backfill.CanonicalID(t.Get(i, idCol).String())
		if id == "" {
			continue
		}
		if _, dup := p[id]; dup {
			continue
		}
		p[id] = backfill.CanonicalID(t.Get(i, npiCol).String())
	}
	return p, nil
}

// ExtractProviders copies the profile id and NPI columns of the CMS covered
// recipient profile supplement into a two column provider table. It streams
// the input and returns the number of rows written.
func ExtractProviders(in, out, encoding string) (int, error) {
	r, err := csvstream.Open(in, encoding)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	h := r.Headers()
	for _, want := range []string{ColProfileID, ColNPI} {
		found := false
		for _, c := range h {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("extract providers: %s has no column %q", in, want)
		}
	}

	w, err := csvstream.Create(out, []string{ColProfileID, ColNPI})
	if err != nil {
		return 0, err
	}
	for {
		chunk, err := r.ReadChunk(100_000)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.Abort()
			return 0, err
		}
		for i := range chunk.Rows {
			rec := []string{chunk.Get(i, ColProfileID).String(), chunk.Get(i, ColNPI).String()}
			if err := w.Write(rec); err != nil {
				w.Abort()
				return 0, err
			}
		}
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.Count(), nil
}
