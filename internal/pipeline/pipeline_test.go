package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openpayments/internal/config"
	"openpayments/internal/csvstream"
	"openpayments/internal/eligibility"
	"openpayments/internal/filter"
	"openpayments/internal/store"
	"openpayments/internal/table"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func csvLine(fields ...string) string { return strings.Join(fields, ",") + "\n" }

const refCSV = `Generic_name,Brand_name1,Brand_name2,Brand_name3,Brand_name4,Color
generic_a IV,DRUG_A,DociVyx,Docivyx,Docivyx,yellow
generic_b,DRUG_B,Eligard,Eligard,Eligard,green
Radium 223 IV,Xofigo,,,,yellow
`

// raw2014 builds a pre-2016 general file: profile id, NPI, five drug slots,
// five device slots, amount.
func raw2014(rows ...[]string) string {
	h := []string{"Covered_Recipient_Profile_ID", "Covered_Recipient_NPI"}
	for i := 1; i <= 5; i++ {
		h = append(h, fmt.Sprintf("Name_of_Associated_Covered_Drug_or_Biological%d", i))
	}
	for i := 1; i <= 5; i++ {
		h = append(h, fmt.Sprintf("Name_of_Associated_Covered_Device_or_Medical_Supply%d", i))
	}
	h = append(h, "Total_Amount_of_Payment_USDollars")
	out := csvLine(h...)
	for _, r := range rows {
		out += csvLine(r...)
	}
	return out
}

func row2014(profile, npi string, drug, device map[int]string, amount string) []string {
	r := []string{profile, npi}
	for i := 1; i <= 5; i++ {
		r = append(r, drug[i])
	}
	for i := 1; i <= 5; i++ {
		r = append(r, device[i])
	}
	return append(r, amount)
}

func setup(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:         dir,
		RawDir:          filepath.Join(dir, "raw"),
		FilteredDir:     filepath.Join(dir, "filtered"),
		FinalDir:        filepath.Join(dir, "final_files"),
		ReferenceDrugs:  filepath.Join(dir, "reference", "drugs.csv"),
		ColumnsGeneral:  filepath.Join(dir, "reference", "general_cols.csv"),
		ColumnsResearch: filepath.Join(dir, "reference", "research_cols.csv"),
		Providers:       filepath.Join(dir, "reference", "providers.csv"),
		EligibilityJSON: filepath.Join(dir, "filtered", "prescribers", "year2npis.json"),
		ChunkSize:       2,
		FirstYear:       2014,
		LastYear:        2016,
		Datasets:        []string{"general"},
		InputEncoding:   csvstream.EncodingUTF8,
		Workers:         2,
	}

	write(t, cfg.ReferenceDrugs, refCSV)
	write(t, cfg.ColumnsGeneral, `2014,2016
Covered_Recipient_Profile_ID,Covered_Recipient_Profile_ID
Covered_Recipient_NPI,Covered_Recipient_NPI
Total_Amount_of_Payment_USDollars,Total_Amount_of_Payment_USDollars
Drug_Biological_Device_Med_Sup_1,Drug_Biological_Device_Med_Sup_1
Drug_Biological_Device_Med_Sup_2,Drug_Biological_Device_Med_Sup_2
Drug_Biological_Device_Med_Sup_3,
Drug_Biological_Device_Med_Sup_4,
Drug_Biological_Device_Med_Sup_5,
`)
	write(t, cfg.Providers, "Covered_Recipient_Profile_ID,Covered_Recipient_NPI\n100,1111.0\n")
	require.NoError(t, eligibility.Save(cfg.EligibilityJSON, eligibility.Map{
		"2014": {"1111"}, "2015": {}, "2016": {"3333"},
	}))

	write(t, filepath.Join(cfg.RawDir, "general_payments", "OP_DTL_GNRL_PGYR2014_P06302021.csv"), raw2014(
		row2014("100", "", map[int]string{1: "Xofigo"}, nil, "10"),
		row2014("200", "", map[int]string{1: "Advil"}, nil, "20"),
		row2014("300.0", "", nil, map[int]string{1: "Eligard"}, "30"),
		row2014("", "2222", map[int]string{2: "DRUG_A"}, nil, "40"),
	))
	write(t, filepath.Join(cfg.RawDir, "general_payments", "OP_DTL_GNRL_PGYR2016_P01172020.csv"),
		csvLine("Covered_Recipient_Profile_ID", "Covered_Recipient_NPI", "Total_Amount_of_Payment_USDollars",
			"Name_of_Drug_or_Biological_or_Device_or_Medical_Supply_1", "Name_of_Drug_or_Biological_or_Device_or_Medical_Supply_2")+
			csvLine("", "3333", "5", "Eligard", "")+
			csvLine("", "", "6", "DociVyx", "")+
			csvLine("", "4444", "7", "Tylenol", ""))
	return cfg
}

func newPipeline(t *testing.T, cfg *config.Config) *Pipeline {
	return New(cfg, zerolog.New(zerolog.NewTestWriter(t)))
}

func readTable(t *testing.T, path string) *table.Table {
	t.Helper()
	tbl, err := csvstream.ReadAll(path, csvstream.EncodingUTF8)
	require.NoError(t, err)
	return tbl
}

func column(tbl *table.Table, name string) []string {
	out := make([]string, tbl.Len())
	for i := range tbl.Rows {
		out[i] = tbl.Get(i, name).String()
	}
	return out
}

type fakeLoader struct {
	mu          sync.Mutex
	tables      map[string]*table.Table
	runIDs      map[string]string
	eligibility map[string][]string
}

func (f *fakeLoader) LoadTable(_ context.Context, name, runID string, t *table.Table) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables == nil {
		f.tables = map[string]*table.Table{}
		f.runIDs = map[string]string{}
	}
	f.tables[name] = t
	f.runIDs[name] = runID
	return int64(t.Len()), nil
}

func (f *fakeLoader) LoadEligibility(_ context.Context, m map[string][]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eligibility = m
	return int64(len(m)), nil
}

func TestRunEndToEnd(t *testing.T) {
	cfg := setup(t)
	loader := &fakeLoader{}
	p := newPipeline(t, cfg)
	p.Loader = loader

	err := p.Run(context.Background())
	require.Error(t, err, "2015 has no raw file")
	assert.ErrorIs(t, err, filter.ErrRawFileNotFound)
	assert.Contains(t, err.Error(), "general_2015")

	// 2014: one filtered-out row, one backfilled, one unmatched, one with its own NPI
	filtered := readTable(t, cfg.FilteredPath("general", 2014))
	assert.Equal(t, 3, filtered.Len())

	final := readTable(t, cfg.FinalPath("general", 2014))
	assert.Equal(t, []string{
		"Covered_Recipient_Profile_ID", "Covered_Recipient_NPI", "Total_Amount_of_Payment_USDollars",
		"Drug_Biological_Device_Med_Sup_1", "Drug_Biological_Device_Med_Sup_2", "Drug_Biological_Device_Med_Sup_3",
		"Drug_Biological_Device_Med_Sup_4", "Drug_Biological_Device_Med_Sup_5",
		"Drug_Name", "Prostate_Drug_Type", "Onc_Prescriber",
	}, final.Columns)
	assert.Equal(t, []string{"100", ""}, column(final, "Covered_Recipient_Profile_ID"))
	assert.Equal(t, []string{"1111", "2222"}, column(final, "Covered_Recipient_NPI"))
	assert.Equal(t, []string{"Xofigo", ""}, column(final, "Drug_Biological_Device_Med_Sup_1"))
	assert.Equal(t, []string{"radium223", "generica"}, column(final, "Drug_Name"))
	assert.Equal(t, []string{"1", "1"}, column(final, "Prostate_Drug_Type"))
	assert.Equal(t, []string{"1", "0"}, column(final, "Onc_Prescriber"))

	missing := readTable(t, cfg.MissingPath("general", 2014))
	require.Equal(t, 1, missing.Len())
	assert.Equal(t, "300", missing.Get(0, "Covered_Recipient_Profile_ID").String())
	assert.Equal(t, "Eligard", missing.Get(0, "Drug_Biological_Device_Med_Sup_1").String())

	// 2016: non-target drug for an eligible prescriber, one row without NPI
	final = readTable(t, cfg.FinalPath("general", 2016))
	assert.Equal(t, []string{"3333"}, column(final, "Covered_Recipient_NPI"))
	assert.Equal(t, []string{"genericb"}, column(final, "Drug_Name"))
	assert.Equal(t, []string{"0"}, column(final, "Prostate_Drug_Type"))
	assert.Equal(t, []string{"0"}, column(final, "Onc_Prescriber"))
	assert.Equal(t, 1, readTable(t, cfg.MissingPath("general", 2016)).Len())

	_, statErr := os.Stat(cfg.FinalPath("general", 2015))
	assert.True(t, os.IsNotExist(statErr))

	require.Len(t, loader.tables, 4)
	assert.Equal(t, 2, loader.tables[store.TableName("general", 2014)].Len())
	assert.Equal(t, 1, loader.tables[store.TableName("general", 2014)+"_missing_npis"].Len())
	assert.Equal(t, p.RunID, loader.runIDs[store.TableName("general", 2016)])
}

func TestStagesSeparately(t *testing.T) {
	cfg := setup(t)
	cfg.LastYear = 2014
	cfg.DisplayNames = true
	p := newPipeline(t, cfg)

	require.NoError(t, p.Filter(context.Background()))
	require.NoError(t, p.Enrich(context.Background()))

	final := readTable(t, cfg.FinalPath("general", 2014))
	assert.Equal(t, []string{"Radium 223", "generic_a"}, column(final, "Drug_Name"))

	err := p.Load(context.Background())
	assert.Error(t, err, "no loader configured")
}

func TestEnrichWithoutFilteredFile(t *testing.T) {
	cfg := setup(t)
	cfg.FirstYear, cfg.LastYear = 2016, 2016
	err := newPipeline(t, cfg).Enrich(context.Background())
	assert.Error(t, err)
}

func TestEnrichMissingEligibilityYear(t *testing.T) {
	cfg := setup(t)
	cfg.FirstYear, cfg.LastYear = 2016, 2016
	require.NoError(t, eligibility.Save(cfg.EligibilityJSON, eligibility.Map{"2014": {}}))
	p := newPipeline(t, cfg)
	require.NoError(t, p.Filter(context.Background()))
	err := p.Enrich(context.Background())
	assert.ErrorIs(t, err, eligibility.ErrYearNotFound)
}

func TestReferencesMissingProviders(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, os.Remove(cfg.Providers))
	_, err := newPipeline(t, cfg).References(true)
	assert.Error(t, err)

	// providers are only needed when 2014 is processed
	cfg.FirstYear = 2016
	refs, err := newPipeline(t, cfg).References(true)
	require.NoError(t, err)
	assert.Nil(t, refs.Providers)
}

func TestEligibility(t *testing.T) {
	cfg := setup(t)
	cfg.FirstYear, cfg.LastYear = 2014, 2017
	history := filepath.Join(cfg.DataDir, "history.csv")
	write(t, history, `Prscrbr_NPI,Prscrbr_Type,Brnd_Name,Gnrc_Name,Year
1,Urology,Xtandi,Enzalutamide,2013
1,Urology,Xtandi,Enzalutamide,2014
1,Urology,Xtandi,Enzalutamide,2015
2,Urology,Erleada,Apalutamide,2015.0
,Urology,Erleada,Apalutamide,2015
`)
	pq := filepath.Join(cfg.DataDir, "year2npis.parquet")
	loader := &fakeLoader{}
	p := newPipeline(t, cfg)
	p.Loader = loader

	m, err := p.Eligibility(context.Background(), history, pq)
	require.NoError(t, err)
	assert.Equal(t, eligibility.Map{
		"2014": {"1"},
		"2015": {"1"},
		"2016": {"1"},
		"2017": {},
	}, m)

	sets, err := eligibility.Load(cfg.EligibilityJSON)
	require.NoError(t, err)
	s, err := sets.ForYear(2016)
	require.NoError(t, err)
	assert.True(t, s.Contains("1"))

	fromParquet, err := store.ReadEligibility(pq)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, fromParquet["2016"])
	assert.Equal(t, map[string][]string(m), loader.eligibility)
}

func TestRunAll(t *testing.T) {
	units := []Unit{{2014, "general"}, {2014, "research"}, {2015, "general"}, {2015, "research"}}
	var running, peak, calls atomic.Int32
	errBoom := errors.New("boom")

	err := RunAll(context.Background(), units, 2, func(_ context.Context, u Unit) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		calls.Add(1)
		if u.Dataset == "research" {
			return fmt.Errorf("unit failed: %w", errBoom)
		}
		return nil
	})

	assert.Equal(t, int32(4), calls.Load(), "failures do not stop other units")
	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.ErrorIs(t, err, errBoom)
	msg := err.Error()
	assert.Less(t, strings.Index(msg, "research_2014"), strings.Index(msg, "research_2015"))
	assert.NotContains(t, msg, "general_")
}

func TestRunAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := RunAll(ctx, []Unit{{2014, "general"}}, 1, func(context.Context, Unit) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestUnits(t *testing.T) {
	cfg := &config.Config{FirstYear: 2015, LastYear: 2016, Datasets: []string{"general", "research"}}
	assert.Equal(t, []Unit{
		{2015, "general"}, {2015, "research"}, {2016, "general"}, {2016, "research"},
	}, Units(cfg))
	assert.Equal(t, "research_2016", Unit{2016, "research"}.String())
}
