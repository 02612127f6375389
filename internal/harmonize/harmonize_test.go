package harmonize

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openpayments/internal/reference"
	"openpayments/internal/table"
)

func rawPre2016(t *testing.T) *table.Table {
	t.Helper()
	cols := []string{"Record_ID"}
	for i := 1; i <= Slots; i++ {
		cols = append(cols, fmt.Sprintf("Name_of_Associated_Covered_Drug_or_Biological%d", i))
	}
	for i := 1; i <= Slots; i++ {
		cols = append(cols, fmt.Sprintf("Name_of_Associated_Covered_Device_or_Medical_Supply%d", i))
	}
	cols = append(cols, "Covered_Recipient_NPI")
	tbl := table.New(cols)

	cells := make([]table.Value, len(cols))
	cells[0] = table.Some("r1")
	cells[1] = table.Some("Zytiga")   // drug 1
	cells[6] = table.Some("Catheter") // device 1
	cells[3] = table.Some("Xtandi")   // drug 3
	cells[5] = table.Some("")         // drug 5 empty string
	cells[10] = table.Some("Needle")  // device 5
	cells[7] = table.Some("Stent")    // device 2
	cells[11] = table.Some("1234.0")  // npi
	require.NoError(t, tbl.Append(table.Row{Label: 0, Cells: cells}))
	return tbl
}

func TestMergeDrugDevice(t *testing.T) {
	tbl := rawPre2016(t)
	require.NoError(t, MergeDrugDevice(tbl))

	assert.Equal(t, []string{
		"Record_ID", "Covered_Recipient_NPI",
		"Drug_Biological_Device_Med_Sup_1", "Drug_Biological_Device_Med_Sup_2",
		"Drug_Biological_Device_Med_Sup_3", "Drug_Biological_Device_Med_Sup_4",
		"Drug_Biological_Device_Med_Sup_5",
	}, tbl.Columns)

	assert.Equal(t, "Zytiga", tbl.Get(0, "Drug_Biological_Device_Med_Sup_1").String())
	assert.Equal(t, "Stent", tbl.Get(0, "Drug_Biological_Device_Med_Sup_2").String())
	assert.Equal(t, "Xtandi", tbl.Get(0, "Drug_Biological_Device_Med_Sup_3").String())
	assert.True(t, tbl.Get(0, "Drug_Biological_Device_Med_Sup_4").Absent())
	assert.Equal(t, "Needle", tbl.Get(0, "Drug_Biological_Device_Med_Sup_5").String())

	assert.False(t, tbl.Has("Name_of_Associated_Covered_Drug_or_Biological3"))
	assert.False(t, tbl.Has("Name_of_Associated_Covered_Device_or_Medical_Supply3"))
}

func TestMergeDrugDeviceMissingColumns(t *testing.T) {
	tbl := table.New([]string{"Record_ID", "Name_of_Associated_Covered_Drug_or_Biological1"})
	err := MergeDrugDevice(tbl)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestMergeDrugDeviceIncompleteLeavesTable(t *testing.T) {
	cols := []string{
		"X",
		"Name_of_Associated_Covered_Drug_or_Biological1",
		"Name_of_Associated_Covered_Device_or_Medical_Supply1",
	}
	tbl := table.New(cols)
	require.NoError(t, tbl.Append(table.Row{Label: 0, Cells: []table.Value{
		table.Some("x"), table.Some("Zytiga"), table.Some("Stent"),
	}}))

	assert.ErrorIs(t, MergeDrugDevice(tbl), ErrSchemaMismatch)
	assert.Equal(t, cols, tbl.Columns)
	assert.Equal(t, []string{"x", "Zytiga", "Stent"}, tbl.Strings(0))
}

func TestApplyPre2016(t *testing.T) {
	tbl := rawPre2016(t)
	canonical := []string{
		"Record_ID", "Covered_Recipient_NPI",
		"Drug_Biological_Device_Med_Sup_1", "Drug_Biological_Device_Med_Sup_2",
		"Drug_Biological_Device_Med_Sup_3", "Drug_Biological_Device_Med_Sup_4",
		"Drug_Biological_Device_Med_Sup_5",
	}
	cols := reference.ColumnTable{"2015": canonical}

	require.NoError(t, Apply(tbl, 2015, cols))
	assert.Equal(t, canonical, tbl.Columns)
	assert.Len(t, DrugColumns(tbl), Slots)
}

func TestApplyPositionalRename(t *testing.T) {
	tbl := table.New([]string{"record_id", "covered_recipient_npi", "name_of_drug_or_biological_or_device_or_medical_supply_1"})
	require.NoError(t, tbl.Append(table.Row{Cells: []table.Value{table.Some("r1"), table.Some("1"), table.Some("Zytiga")}}))
	cols := reference.ColumnTable{"2018": {"Record_ID", "Covered_Recipient_NPI", "Drug_Biological_Device_Med_Sup_1"}}

	require.NoError(t, Apply(tbl, 2018, cols))
	assert.Equal(t, "Zytiga", tbl.Get(0, "Drug_Biological_Device_Med_Sup_1").String())
	assert.Equal(t, []string{"Drug_Biological_Device_Med_Sup_1"}, DrugColumns(tbl))
}

func TestApplyMismatch(t *testing.T) {
	tests := []struct {
		name string
		year int
		cols reference.ColumnTable
	}{
		{"too few canonical names", 2018, reference.ColumnTable{"2018": {"A"}}},
		{"too many canonical names", 2018, reference.ColumnTable{"2018": {"A", "B", "C"}}},
		{"unknown year", 2019, reference.ColumnTable{"2018": {"A", "B"}}},
		{"pre-2016 without merge columns", 2014, reference.ColumnTable{"2014": {"A", "B"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := table.New([]string{"a", "b"})
			err := Apply(tbl, tt.year, tt.cols)
			assert.ErrorIs(t, err, ErrSchemaMismatch)
			assert.Equal(t, []string{"a", "b"}, tbl.Columns, "columns must not change on failure")
		})
	}
}
