package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryParquetBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.parquet")
	w, err := NewHistoryWriter(path)
	require.NoError(t, err)

	for i, year := range []string{"2013", "2014", "2015", "2016", "2017"} {
		require.NoError(t, w.Write(HistoryRow{
			NPI:     "1000000001",
			Type:    "Urology",
			Brand:   "Zytiga",
			Generic: "Abiraterone Acetate",
			Year:    year,
		}), "row %d", i)
	}
	assert.Equal(t, 5, w.Count())
	require.NoError(t, w.Close())

	var sizes []int
	var years []string
	total, err := ReadHistory(path, 2, func(rows []HistoryRow) error {
		sizes = append(sizes, len(rows))
		for _, r := range rows {
			years = append(years, r.Year)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []string{"2013", "2014", "2015", "2016", "2017"}, years)
}

func TestReadHistoryCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.parquet")
	w, err := NewHistoryWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(HistoryRow{NPI: "1", Year: "2014"}))
	require.NoError(t, w.Close())

	stop := errors.New("stop")
	_, err = ReadHistory(path, 10, func([]HistoryRow) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestReadHistoryMissingFile(t *testing.T) {
	_, err := ReadHistory(filepath.Join(t.TempDir(), "missing.parquet"), 10, func([]HistoryRow) error { return nil })
	assert.Error(t, err)
}

func TestEligibilityParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eligibility.parquet")
	m := map[string][]string{
		"2015": {"1", "2"},
		"2014": {"3"},
		"2016": {},
	}
	n, err := WriteEligibility(path, m)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := ReadEligibility(path)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"2014": {"3"}, "2015": {"1", "2"}}, got)
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "op_general_2018", TableName("general", 2018))
	assert.Equal(t, "op_research_2014", TableName("research", 2014))
}

func TestRowWriterCreatesDirAndFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "eligibility.parquet")
	w, err := createRowWriter[EligibilityRow](path)
	require.NoError(t, err)

	rows := make([]EligibilityRow, flushInterval+1)
	for i := range rows {
		rows[i] = EligibilityRow{Year: "2017", NPI: fmt.Sprint(i)}
	}
	require.NoError(t, w.write(rows))
	assert.Zero(t, w.unflushed)
	require.NoError(t, w.write(rows[:2]))
	assert.Equal(t, 2, w.unflushed)
	assert.Equal(t, flushInterval+3, w.count)
	require.NoError(t, w.close())

	got, err := ReadEligibility(path)
	require.NoError(t, err)
	assert.Len(t, got["2017"], flushInterval+3)
}
