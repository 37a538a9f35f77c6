package etl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"healthetl/internal/config"
)

func curatedRow(county, condition string, year, month int32) CuratedRow {
	return CuratedRow{
		PatientKey:   "k",
		RecordDate:   "2026-08-14",
		County:       county,
		Condition:    condition,
		Year:         year,
		Month:        month,
		TotalCost:    100,
		LengthOfStay: 2,
	}
}

func repeatRows(n int, county, condition string) []CuratedRow {
	out := make([]CuratedRow, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, curatedRow(county, condition, 2026, 8))
	}
	return out
}

func TestBuildOverviewSuppressesSmallCells(t *testing.T) {
	rows := repeatRows(12, "Albany", "Diabetes")
	// second month with too few admissions to publish
	small := curatedRow("Albany", "Diabetes", 2026, 7)
	rows = append(rows, small, small, small)

	out := BuildOverview(rows, 11)
	require.Len(t, out, 1)
	require.Equal(t, 2026, out[0].Year)
	require.Equal(t, 8, out[0].Month)
	require.Equal(t, 12, out[0].Admissions)
}

func TestBuildOverviewSortedByYearMonth(t *testing.T) {
	rows := append(repeatRows(3, "Albany", "Diabetes"), curatedRow("Albany", "Diabetes", 2025, 12))

	out := BuildOverview(rows, 0)
	require.Len(t, out, 2)
	require.Equal(t, 2025, out[0].Year)
	require.Equal(t, 12, out[0].Month)
	require.Equal(t, 2026, out[1].Year)
}

func TestBuildOverviewAverages(t *testing.T) {
	a := curatedRow("Albany", "Diabetes", 2026, 8)
	a.TotalCost = 100
	a.LengthOfStay = 2
	a.Readmission = 1
	b := curatedRow("Albany", "Diabetes", 2026, 8)
	b.TotalCost = 300
	b.LengthOfStay = 4

	out := BuildOverview([]CuratedRow{a, b}, 0)
	require.Len(t, out, 1)
	require.Equal(t, 400.0, out[0].TotalCost)
	require.Equal(t, 3.0, out[0].AvgLengthOfStay)
	require.Equal(t, 0.5, out[0].ReadmissionRate)
}

func TestBuildConditionsOrderedByCount(t *testing.T) {
	rows := append(repeatRows(3, "Albany", "Diabetes"), repeatRows(5, "Albany", "Asthma")...)

	out := BuildConditions(rows, 0)
	require.Len(t, out, 2)
	require.Equal(t, "Asthma", out[0].Condition)
	require.Equal(t, 5, out[0].Count)
	require.Equal(t, "Diabetes", out[1].Condition)
}

func TestBuildRegionalOrderedByAdmissions(t *testing.T) {
	rows := append(repeatRows(2, "Albany", "Diabetes"), repeatRows(4, "Erie", "Diabetes")...)

	out := BuildRegional(rows, 0)
	require.Len(t, out, 2)
	require.Equal(t, "Erie", out[0].County)
	require.Equal(t, 4, out[0].Admissions)
}

func TestBuildExtractsShape(t *testing.T) {
	cfg := config.Default()
	cfg.SuppressBelow = 1

	exs := BuildExtracts(repeatRows(3, "Albany", "Diabetes"), cfg)
	require.Len(t, exs, 3)

	byName := map[string]Extract{}
	for _, ex := range exs {
		byName[ex.Name] = ex
	}

	ov := byName["overview"]
	require.Equal(t, []string{"Year", "Month", "Admissions", "Total_Cost", "Avg_LOS", "Readmission_Rate"}, ov.Header)
	require.Len(t, ov.Records, 1)
	require.Equal(t, "2026", ov.Records[0][0])
	require.Equal(t, "3", ov.Records[0][2])
	require.Equal(t, "300.00", ov.Records[0][3])

	cond := byName["conditions"]
	require.Equal(t, "Diabetes", cond.Records[0][0])

	reg := byName["regional"]
	require.Equal(t, "Albany", reg.Records[0][0])
}
