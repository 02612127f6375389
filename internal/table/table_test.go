package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueAbsent(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"none", None, true},
		{"empty", Some(""), true},
		{"nan literal", Some("nan"), true},
		{"text", Some("Zytiga"), false},
		{"NaN is text", Some("NaN"), false},
		{"parsed empty", Parse(""), true},
		{"parsed text", Parse("123"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.Absent())
		})
	}
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "", None.String())
	assert.Equal(t, "abc", Some("abc").String())
	s, ok := Parse("x").Get()
	assert.True(t, ok)
	assert.Equal(t, "x", s)
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl := New([]string{"a", "b", "c"})
	require.NoError(t, tbl.Append(Row{Label: 0, Cells: []Value{Some("1"), Some("2"), Some("3")}}))
	require.NoError(t, tbl.Append(Row{Label: 7, Cells: []Value{Some("4"), Some("5")}}))
	return tbl
}

func TestAppendPadsShortRows(t *testing.T) {
	tbl := newTestTable(t)
	assert.Equal(t, None, tbl.Get(1, "c"))

	err := tbl.Append(Row{Cells: []Value{None, None, None, None}})
	assert.Error(t, err)
}

func TestAddAndDropColumns(t *testing.T) {
	tbl := newTestTable(t)
	tbl.AddColumn("d")
	tbl.Set(0, "d", Some("x"))
	assert.Equal(t, []string{"a", "b", "c", "d"}, tbl.Columns)

	tbl.DropColumns("b", "missing")
	assert.Equal(t, []string{"a", "c", "d"}, tbl.Columns)
	assert.Equal(t, []string{"1", "3", "x"}, tbl.Strings(0))
	assert.Equal(t, []string{"4", "", ""}, tbl.Strings(1))
}

func TestSetColumnsLengthMismatch(t *testing.T) {
	tbl := newTestTable(t)
	require.Error(t, tbl.SetColumns([]string{"x", "y"}))
	require.NoError(t, tbl.SetColumns([]string{"x", "y", "z"}))
	assert.True(t, tbl.Has("y"))
	assert.False(t, tbl.Has("a"))
}

func TestColumnsWithPrefix(t *testing.T) {
	tbl := New([]string{"Drug_Biological_Device_Med_Sup_1", "Other", "drug_biological_device_med_sup_2"})
	got := tbl.ColumnsWithPrefix("Drug_Biological_Device_Med_Sup_")
	assert.Equal(t, []string{"Drug_Biological_Device_Med_Sup_1", "drug_biological_device_med_sup_2"}, got)
}

func TestSplitKeepsLabels(t *testing.T) {
	tbl := newTestTable(t)
	kept, dropped := tbl.Split(func(i int) bool { return tbl.Get(i, "c").Absent() })
	assert.Equal(t, []int64{7}, kept.Labels())
	assert.Equal(t, []int64{0}, dropped.Labels())
}
