package etl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"healthetl/internal/config"
	"healthetl/internal/soda"
)

func validRaw() soda.RawRecord {
	return soda.RawRecord{
		PatientID:     "P001",
		RecordDate:    "2026-08-14T00:00:00.000",
		Age:           "72",
		Gender:        "female",
		County:        "st. lawrence",
		Condition:     "heart disease",
		AdmissionType: "emergency",
		LengthOfStay:  "9",
		TotalCost:     "12000",
		Readmission:   "1",
	}
}

func TestParseRaw(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*soda.RawRecord)
		valid  bool
	}{
		{"valid", func(r *soda.RawRecord) {}, true},
		{"missing patient id", func(r *soda.RawRecord) { r.PatientID = " " }, false},
		{"missing county", func(r *soda.RawRecord) { r.County = "" }, false},
		{"missing condition", func(r *soda.RawRecord) { r.Condition = "" }, false},
		{"bad date", func(r *soda.RawRecord) { r.RecordDate = "14/08/2026" }, false},
		{"plain date", func(r *soda.RawRecord) { r.RecordDate = "2026-08-14" }, true},
		{"age not a number", func(r *soda.RawRecord) { r.Age = "old" }, false},
		{"age negative", func(r *soda.RawRecord) { r.Age = "-1" }, false},
		{"age over 120", func(r *soda.RawRecord) { r.Age = "121" }, false},
		{"missing cost still valid", func(r *soda.RawRecord) { r.TotalCost = "" }, true},
		{"missing los still valid", func(r *soda.RawRecord) { r.LengthOfStay = "n/a" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mutate(&raw)
			recs, stats := ParseRaw([]soda.RawRecord{raw})
			require.Equal(t, 1, stats.Input)
			if tt.valid {
				require.Len(t, recs, 1)
				require.Equal(t, 0, stats.Invalid)
			} else {
				require.Empty(t, recs)
				require.Equal(t, 1, stats.Invalid)
			}
		})
	}
}

func TestParseOneNormalizes(t *testing.T) {
	recs, _ := ParseRaw([]soda.RawRecord{validRaw()})
	require.Len(t, recs, 1)
	r := recs[0]

	require.Equal(t, "F", r.Gender)
	require.Equal(t, "Emergency", r.AdmissionType)
	require.True(t, r.Readmitted)
	require.Equal(t, 72, r.Age)
	require.Equal(t, 9.0, r.LengthOfStay)
}

func TestParseGenderFallsBackToUnknown(t *testing.T) {
	raw := validRaw()
	raw.Gender = "nonbinary"
	recs, _ := ParseRaw([]soda.RawRecord{raw})
	require.Len(t, recs, 1)
	require.Equal(t, "U", recs[0].Gender)
}

func TestTransformImputesWithMedian(t *testing.T) {
	raws := []soda.RawRecord{validRaw(), validRaw(), validRaw()}
	raws[0].TotalCost = "1000"
	raws[1].TotalCost = "3000"
	raws[2].TotalCost = "" // missing: imputed with median 2000
	raws[0].LengthOfStay = "2"
	raws[1].LengthOfStay = "4"
	raws[2].LengthOfStay = "bad"

	recs, stats := ParseRaw(raws)
	require.Len(t, recs, 3)
	require.Equal(t, 0, stats.Invalid)

	rows, ts := Transform(recs, config.Default())
	require.Len(t, rows, 3)
	require.Equal(t, 1, ts.ImputedCost)
	require.Equal(t, 1, ts.ImputedLOS)
	require.Equal(t, 2000.0, rows[2].TotalCost)
	require.Equal(t, 3.0, rows[2].LengthOfStay)
}

func TestTransformDerivedFields(t *testing.T) {
	recs, _ := ParseRaw([]soda.RawRecord{validRaw()})
	for i := range recs {
		recs[i].PatientKey = "abc123"
	}

	rows, _ := Transform(recs, config.Default())
	require.Len(t, rows, 1)
	r := rows[0]

	require.Equal(t, "abc123", r.PatientKey)
	require.Equal(t, "2026-08-14", r.RecordDate)
	require.Equal(t, "St. Lawrence", r.County)
	require.Equal(t, "Heart Disease", r.Condition)
	require.Equal(t, "65+", r.AgeGroup)
	require.Equal(t, int32(2026), r.Year)
	require.Equal(t, int32(8), r.Month)
	require.Equal(t, int32(3), r.Quarter)
	require.Equal(t, "Friday", r.DayOfWeek)
	require.InDelta(t, 12000.0/9.0, r.CostPerDay, 1e-9)
	require.Equal(t, int32(1), r.LongStay) // 9 days > 7
	require.Equal(t, int32(1), r.Readmission)

	// age>65 + emergency + readmission = (2+3+4)/9
	require.InDelta(t, 1.0, r.RiskScore, 1e-9)
}

func TestTransformTopCodesAge(t *testing.T) {
	raw := validRaw()
	raw.Age = "97"
	recs, _ := ParseRaw([]soda.RawRecord{raw})

	rows, _ := Transform(recs, config.Default())
	require.Equal(t, int32(90), rows[0].Age)
	require.Equal(t, "65+", rows[0].AgeGroup)
}

func TestTransformHighCostFlag(t *testing.T) {
	var raws []soda.RawRecord
	costs := []string{"100", "200", "300", "400", "10000"}
	for _, c := range costs {
		r := validRaw()
		r.TotalCost = c
		raws = append(raws, r)
	}
	recs, _ := ParseRaw(raws)
	rows, ts := Transform(recs, config.Default())

	require.Greater(t, ts.HighCostThreshold, 0.0)
	high := 0
	for _, r := range rows {
		high += int(r.HighCost)
	}
	require.Equal(t, 1, high, "only the outlier exceeds the P75 threshold")
}

func TestAgeGroup(t *testing.T) {
	bins := []int{18, 36, 51, 66}
	tests := []struct {
		age  int
		want string
	}{
		{0, "<18"},
		{17, "<18"},
		{18, "18-35"},
		{35, "18-35"},
		{36, "36-50"},
		{50, "36-50"},
		{51, "51-65"},
		{65, "51-65"},
		{66, "65+"},
		{90, "65+"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, AgeGroup(tt.age, bins), "age %d", tt.age)
	}
}

func TestTitleCase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"st. lawrence", "St. Lawrence"},
		{"HEART DISEASE", "Heart Disease"},
		{"  new   york  ", "New York"},
		{"île-de-france", "Île-de-france"}, // first rune may be multi-byte
		{"", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, titleCase(tt.in), "titleCase(%q)", tt.in)
	}
}

func TestDedupeRecords(t *testing.T) {
	raws := []soda.RawRecord{validRaw(), validRaw(), validRaw()}
	raws[1].TotalCost = "9999" // resubmission of the same encounter
	raws[2].Condition = "asthma"

	recs, _ := ParseRaw(raws)
	require.Len(t, recs, 3)
	for i := range recs {
		recs[i].PatientKey = "abc123"
	}

	deduped, dropped := DedupeRecords(recs)
	require.Equal(t, 1, dropped)
	require.Len(t, deduped, 2)
	require.Equal(t, 12000.0, deduped[0].TotalCost, "first occurrence wins")
	require.Equal(t, "asthma", deduped[1].Condition, "different condition is a distinct encounter")

	same, n := DedupeRecords(deduped)
	require.Zero(t, n)
	require.Equal(t, deduped, same)
}

func TestMedianAndQuantile(t *testing.T) {
	require.Equal(t, 0.0, median(nil))
	require.Equal(t, 3.0, median([]float64{5, 1, 3}))
	require.Equal(t, 2.5, median([]float64{4, 1, 2, 3}))

	xs := []float64{1, 2, 3, 4, 5}
	require.Equal(t, 4.0, quantile(xs, 0.75))
	require.Equal(t, 1.0, quantile(xs, 0))
	require.Equal(t, 5.0, quantile(xs, 1))
	require.Equal(t, 0.0, quantile(nil, 0.5))
}

func TestParsePositiveFloat(t *testing.T) {
	require.True(t, math.IsNaN(parsePositiveFloat("")))
	require.True(t, math.IsNaN(parsePositiveFloat("-5")))
	require.True(t, math.IsNaN(parsePositiveFloat("0")))
	require.Equal(t, 2.5, parsePositiveFloat(" 2.5 "))
}
