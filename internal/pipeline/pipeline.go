// Package pipeline runs the filter, enrich and load stages over every
// (year, dataset) unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"openpayments/internal/backfill"
	"openpayments/internal/config"
	"openpayments/internal/csvstream"
	"openpayments/internal/eligibility"
	"openpayments/internal/enrich"
	"openpayments/internal/filter"
	"openpayments/internal/harmonize"
	"openpayments/internal/store"
	"openpayments/internal/table"
)

// BackfillYear is the only year whose records are joined against the
// provider table.
const BackfillYear = 2014

// Unit is one (year, dataset) pair. Units are independent of each other.
type Unit struct {
	Year    int
	Dataset string
}

func (u Unit) String() string { return fmt.Sprintf("%s_%d", u.Dataset, u.Year) }

// Units lists the configured units, year by year.
func Units(cfg *config.Config) []Unit {
	var units []Unit
	for _, y := range cfg.Years() {
		for _, d := range cfg.Datasets {
			units = append(units, Unit{Year: y, Dataset: d})
		}
	}
	return units
}

// Loader stores finished tables. *store.PGLoader implements it.
type Loader interface {
	LoadTable(ctx context.Context, name, runID string, t *table.Table) (int64, error)
	LoadEligibility(ctx context.Context, m map[string][]string) (int64, error)
}

// Pipeline holds the configuration and shared lookup tables of one run.
type Pipeline struct {
	Config *config.Config
	Logger zerolog.Logger
	RunID  string
	// Loader receives finished tables; nil disables the load stage.
	Loader Loader

	mu   sync.Mutex
	refs *References
}

// New returns a pipeline with a fresh run id.
func New(cfg *config.Config, logger zerolog.Logger) *Pipeline {
	runID := uuid.NewString()
	return &Pipeline{
		Config: cfg,
		Logger: logger.With().Str("run_id", runID).Logger(),
		RunID:  runID,
	}
}

// References returns the lookup tables, loading them on first use. Enrichment
// tables are added the first time enrichment is requested.
func (p *Pipeline) References(enrichment bool) (*References, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == nil {
		refs, err := LoadDrugs(p.Config)
		if err != nil {
			return nil, err
		}
		p.refs = refs
	}
	if enrichment && !p.refs.enrichment {
		if err := p.refs.LoadEnrichment(p.Config); err != nil {
			return nil, err
		}
	}
	return p.refs, nil
}

// RunAll calls fn for every unit using at most workers goroutines. A failing
// unit does not stop the others; all failures are returned joined, in unit
// order.
func RunAll(ctx context.Context, units []Unit, workers int, fn func(context.Context, Unit) error) error {
	if workers < 1 {
		workers = 1
	}
	errs := make([]error, len(units))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, u := range units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = fmt.Errorf("%s: %w", u, err)
				return nil
			}
			if err := fn(ctx, u); err != nil {
				errs[i] = fmt.Errorf("%s: %w", u, err)
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (p *Pipeline) unitLogger(u Unit) zerolog.Logger {
	return p.Logger.With().Int("year", u.Year).Str("dataset", u.Dataset).Logger()
}

// FilterUnit selects the raw rows of u that mention a reference drug and
// writes them to the unit's filtered file.
func (p *Pipeline) FilterUnit(ctx context.Context, u Unit) error {
	refs, err := p.References(false)
	if err != nil {
		return err
	}
	cfg := p.Config
	log := p.unitLogger(u)

	raw, err := filter.ResolveRawPath(cfg.RawDir, u.Dataset, u.Year)
	if err != nil {
		return err
	}
	log.Info().Str("file", raw).Msg("filtering raw file")

	f := &filter.Filter{
		Keys:      refs.Keys,
		ChunkSize: cfg.ChunkSize,
		Encoding:  cfg.InputEncoding,
		Logger:    log,
	}
	chunkDir := cfg.ChunkDir(u.Dataset, u.Year)
	res, err := f.Run(ctx, raw, chunkDir, func(h []string) []string {
		return filter.RawDrugColumns(h, u.Year)
	})
	if err != nil {
		return err
	}

	out := cfg.FilteredPath(u.Dataset, u.Year)
	n, err := filter.Concatenate(chunkDir, res.Header, out)
	if err != nil {
		return err
	}
	log.Info().Str("file", out).Int("rows", n).Msg("wrote filtered file")
	return nil
}

// EnrichUnit harmonizes the filtered file of u, backfills 2014 identifiers,
// diverts rows without any identifier and writes the enriched final file.
func (p *Pipeline) EnrichUnit(ctx context.Context, u Unit) error {
	refs, err := p.References(true)
	if err != nil {
		return err
	}
	cfg := p.Config
	log := p.unitLogger(u)

	t, err := csvstream.ReadAll(cfg.FilteredPath(u.Dataset, u.Year), csvstream.EncodingUTF8)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := harmonize.Apply(t, u.Year, refs.Columns[u.Dataset]); err != nil {
		return err
	}

	if u.Year == BackfillYear {
		for _, r := range backfill.Apply(t, u.Dataset, refs.Providers) {
			lvl := zerolog.InfoLevel
			if r.Unmatched > 0 {
				lvl = zerolog.WarnLevel
			}
			log.WithLevel(lvl).Str("column", r.NPIColumn).Int("filled", r.Filled).Int("unmatched", r.Unmatched).
				Msg("backfilled identifiers")
		}
	}

	kept, missing, err := enrich.PartitionMissing(t, u.Dataset)
	if err != nil {
		return err
	}
	enrich.Finalize(missing)
	if err := csvstream.WriteFile(cfg.MissingPath(u.Dataset, u.Year), missing); err != nil {
		return err
	}
	if missing.Len() > 0 {
		log.Warn().Int("rows", missing.Len()).Msg("records without identifiers set aside")
	}

	eligible, err := refs.Eligibility.ForYear(u.Year)
	if err != nil {
		return err
	}
	e := &enrich.Enricher{Index: refs.Index, Eligible: eligible, Dataset: u.Dataset}
	st, err := e.Enrich(kept)
	if err != nil {
		return err
	}
	enrich.Finalize(kept)
	if cfg.DisplayNames {
		if err := enrich.ApplyDisplayNames(kept, refs.DisplayNames); err != nil {
			return err
		}
	}

	out := cfg.FinalPath(u.Dataset, u.Year)
	if err := csvstream.WriteFile(out, kept); err != nil {
		return err
	}
	if st.Unresolved > 0 {
		log.Warn().Int("rows", st.Unresolved).Msg("filtered records with no drug in the index")
	}
	log.Info().Str("file", out).Int("rows", st.Rows).Int("resolved", st.Resolved).
		Int("onc_prescriber", st.Onc).Msg("wrote enriched file")
	return nil
}

// LoadUnit copies the final and missing-identifier files of u into the
// loader.
func (p *Pipeline) LoadUnit(ctx context.Context, u Unit) error {
	if p.Loader == nil {
		return errors.New("no loader configured (set postgres_url)")
	}
	cfg := p.Config
	files := []struct{ path, table string }{
		{cfg.FinalPath(u.Dataset, u.Year), store.TableName(u.Dataset, u.Year)},
		{cfg.MissingPath(u.Dataset, u.Year), store.TableName(u.Dataset, u.Year) + "_missing_npis"},
	}
	for _, f := range files {
		t, err := csvstream.ReadAll(f.path, csvstream.EncodingUTF8)
		if err != nil {
			return err
		}
		if _, err := p.Loader.LoadTable(ctx, f.table, p.RunID, t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context, Unit) error) error {
	units := Units(p.Config)
	start := time.Now()
	p.Logger.Info().Str("stage", name).Int("units", len(units)).Int("workers", p.Config.Workers).Msg("stage started")
	err := RunAll(ctx, units, p.Config.Workers, fn)
	var ev *zerolog.Event
	if err != nil {
		ev = p.Logger.Error().Err(err)
	} else {
		ev = p.Logger.Info()
	}
	ev.Str("stage", name).Dur("elapsed", time.Since(start)).Msg("stage finished")
	return err
}

// Filter runs FilterUnit for every unit.
func (p *Pipeline) Filter(ctx context.Context) error {
	if _, err := p.References(false); err != nil {
		return err
	}
	return p.stage(ctx, "filter", p.FilterUnit)
}

// Enrich runs EnrichUnit for every unit.
func (p *Pipeline) Enrich(ctx context.Context) error {
	if _, err := p.References(true); err != nil {
		return err
	}
	return p.stage(ctx, "enrich", p.EnrichUnit)
}

// Load runs LoadUnit for every unit.
func (p *Pipeline) Load(ctx context.Context) error {
	return p.stage(ctx, "load", p.LoadUnit)
}

// Run filters and enriches every unit, then loads it when a loader is set.
// The stages of one unit run in order; a failure skips the rest of that unit
// only.
func (p *Pipeline) Run(ctx context.Context) error {
	if _, err := p.References(true); err != nil {
		return err
	}
	return p.stage(ctx, "run", func(ctx context.Context, u Unit) error {
		if err := p.FilterUnit(ctx, u); err != nil {
			return err
		}
		if err := p.EnrichUnit(ctx, u); err != nil {
			return err
		}
		if p.Loader == nil {
			return nil
		}
		return p.LoadUnit(ctx, u)
	})
}

// Eligibility builds the eligibility map for the configured years from a
// prepared prescriber history, saves it as JSON and, when parquetOut is set,
// as Parquet. The map is also loaded when a loader is set.
func (p *Pipeline) Eligibility(ctx context.Context, history, parquetOut string) (eligibility.Map, error) {
	cfg := p.Config
	h, skipped, err := eligibility.LoadHistory(ctx, history, cfg.InputEncoding)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		p.Logger.Warn().Int("rows", skipped).Msg("history rows without NPI or year skipped")
	}

	m := eligibility.Compute(h, cfg.FirstYear, cfg.LastYear)
	d := eligibility.Diagnose(h, cfg.FirstYear, cfg.LastYear)
	p.Logger.Info().Int("prescribers", d.Prescribers).Msg("computed eligibility")
	if d.DraftOnly > 0 || d.SlidingOnly > 0 {
		p.Logger.Warn().Int("consecutive_only", d.DraftOnly).Int("window_only", d.SlidingOnly).
			Msg("prescribers classified differently by the any-consecutive-years rule")
	}

	if err := eligibility.Save(cfg.EligibilityJSON, m); err != nil {
		return nil, err
	}
	p.Logger.Info().Str("file", cfg.EligibilityJSON).Msg("wrote eligibility map")

	if parquetOut != "" {
		n, err := store.WriteEligibility(parquetOut, m)
		if err != nil {
			return nil, err
		}
		p.Logger.Info().Str("file", parquetOut).Int("rows", n).Msg("wrote eligibility parquet")
	}
	if p.Loader != nil {
		if _, err := p.Loader.LoadEligibility(ctx, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}
