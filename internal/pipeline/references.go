package pipeline

import (
	"openpayments/internal/backfill"
	"openpayments/internal/config"
	"openpayments/internal/eligibility"
	"openpayments/internal/reference"
)

// References holds the lookup tables shared by all units. It is not modified
// once loaded.
type References struct {
	Entries      []reference.Entry
	Index        *reference.Index
	Keys         reference.KeySet
	DisplayNames map[string]string

	Columns     map[string]reference.ColumnTable // by dataset
	Providers   backfill.Providers
	Eligibility eligibility.Sets

	enrichment bool
}

// LoadDrugs reads the drug reference list and builds the index and key set.
func LoadDrugs(cfg *config.Config) (*References, error) {
	entries, err := reference.LoadEntries(cfg.ReferenceDrugs)
	if err != nil {
		return nil, err
	}
	return &References{
		Entries:      entries,
		Index:        reference.BuildIndex(entries),
		Keys:         reference.BuildKeySet(entries),
		DisplayNames: reference.DisplayNames(entries),
	}, nil
}

// LoadEnrichment adds the column tables of every configured dataset, the
// eligibility map and, when the backfill year is configured, the provider
// table.
func (r *References) LoadEnrichment(cfg *config.Config) error {
	cols := make(map[string]reference.ColumnTable, len(cfg.Datasets))
	for _, d := range cfg.Datasets {
		ct, err := reference.LoadColumnTable(cfg.ColumnsPath(d))
		if err != nil {
			return err
		}
		cols[d] = ct
	}

	sets, err := eligibility.Load(cfg.EligibilityJSON)
	if err != nil {
		return err
	}

	var providers backfill.Providers
	if cfg.FirstYear <= BackfillYear && BackfillYear <= cfg.LastYear {
		if providers, err = reference.LoadProviders(cfg.Providers); err != nil {
			return err
		}
	}

	r.Columns = cols
	r.Eligibility = sets
	r.Providers = providers
	r.enrichment = true
	return nil
}
