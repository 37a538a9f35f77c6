package etl

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"healthetl/internal/config"
	"healthetl/internal/deid"
	"healthetl/internal/soda"
)

var recordDateLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
}

type ParseStats struct {
	Input   int
	Invalid int
}

// ParseRaw validates payload shape and converts API rows into typed records.
// A row is invalid when it lacks a patient id, its record date does not
// parse, its age is outside [0,120], or condition/county are blank.
// Invalid rows are dropped and counted; the caller decides whether the
// invalid ratio fails the run.
func ParseRaw(raws []soda.RawRecord) ([]HealthRecord, ParseStats) {
	stats := ParseStats{Input: len(raws)}
	out := make([]HealthRecord, 0, len(raws))

	for _, r := range raws {
		rec, ok := parseOne(r)
		if !ok {
			stats.Invalid++
			continue
		}
		out = append(out, rec)
	}
	return out, stats
}

func parseOne(r soda.RawRecord) (HealthRecord, bool) {
	rec := HealthRecord{
		PatientID:     strings.TrimSpace(r.PatientID),
		County:        strings.TrimSpace(r.County),
		Condition:     strings.TrimSpace(r.Condition),
		AdmissionType: titleCase(strings.TrimSpace(r.AdmissionType)),
	}
	if rec.PatientID == "" || rec.County == "" || rec.Condition == "" {
		return HealthRecord{}, false
	}

	var err error
	rec.RecordDate, err = parseRecordDate(r.RecordDate)
	if err != nil {
		return HealthRecord{}, false
	}

	age, err := strconv.Atoi(strings.TrimSpace(r.Age))
	if err != nil || age < 0 || age > 120 {
		return HealthRecord{}, false
	}
	rec.Age = age

	switch strings.ToUpper(strings.TrimSpace(r.Gender)) {
	case "M", "MALE":
		rec.Gender = "M"
	case "F", "FEMALE":
		rec.Gender = "F"
	default:
		rec.Gender = "U"
	}

	rec.LengthOfStay = parsePositiveFloat(r.LengthOfStay)
	rec.TotalCost = parsePositiveFloat(r.TotalCost)

	switch strings.ToLower(strings.TrimSpace(r.Readmission)) {
	case "1", "true", "t", "yes", "y":
		rec.Readmitted = true
	}

	return rec, true
}

func parseRecordDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range recordDateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// parsePositiveFloat returns NaN for missing/unparseable/non-positive
// values so they get imputed with the batch median.
func parsePositiveFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f <= 0 {
		return math.NaN()
	}
	return f
}

type TransformStats struct {
	ImputedLOS        int
	ImputedCost       int
	HighCostThreshold float64
}

// Transform cleans and enriches parsed records into curated rows:
// median imputation for missing length-of-stay and cost, title-cased text
// fields, age groups, date parts, derived cost metrics, and the composite
// risk score. PatientKey must already be set; ages are top-coded.
func Transform(recs []HealthRecord, cfg config.Pipeline) ([]CuratedRow, TransformStats) {
	var stats TransformStats

	medLOS := median(observed(recs, func(r HealthRecord) float64 { return r.LengthOfStay }))
	medCost := median(observed(recs, func(r HealthRecord) float64 { return r.TotalCost }))

	costs := make([]float64, 0, len(recs))
	for i := range recs {
		if math.IsNaN(recs[i].LengthOfStay) {
			recs[i].LengthOfStay = medLOS
			stats.ImputedLOS++
		}
		if math.IsNaN(recs[i].TotalCost) {
			recs[i].TotalCost = medCost
			stats.ImputedCost++
		}
		costs = append(costs, recs[i].TotalCost)
	}

	stats.HighCostThreshold = quantile(costs, cfg.HighCostQuantile)

	rows := make([]CuratedRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, curate(r, stats.HighCostThreshold, cfg))
	}
	return rows, stats
}

func curate(r HealthRecord, highCost float64, cfg config.Pipeline) CuratedRow {
	age := deid.TopCodeAge(r.Age, cfg.AgeTopCode)

	row := CuratedRow{
		PatientKey:    r.PatientKey,
		RecordDate:    r.RecordDate.Format("2006-01-02"),
		Age:           int32(age),
		AgeGroup:      AgeGroup(r.Age, cfg.AgeBins),
		Gender:        r.Gender,
		County:        titleCase(r.County),
		Condition:     titleCase(r.Condition),
		AdmissionType: r.AdmissionType,
		LengthOfStay:  r.LengthOfStay,
		TotalCost:     r.TotalCost,
		RiskScore:     riskScore(r, cfg.RiskWeights),
		Year:          int32(r.RecordDate.Year()),
		Month:         int32(r.RecordDate.Month()),
		Quarter:       int32((int(r.RecordDate.Month())-1)/3 + 1),
		DayOfWeek:     r.RecordDate.Weekday().String(),
	}

	if r.LengthOfStay > 0 {
		row.CostPerDay = r.TotalCost / r.LengthOfStay
	}
	if r.TotalCost > highCost {
		row.HighCost = 1
	}
	if r.LengthOfStay > cfg.LongStayDays {
		row.LongStay = 1
	}
	if r.Readmitted {
		row.Readmission = 1
	}
	return row
}

func riskScore(r HealthRecord, w config.RiskWeights) float64 {
	score := 0
	if r.Age > 65 {
		score += w.AgeOver65
	}
	if r.AdmissionType == "Emergency" {
		score += w.Emergency
	}
	if r.Readmitted {
		score += w.Readmission
	}
	return float64(score) / float64(w.Divisor)
}

// AgeGroup buckets an age by the configured upper bounds. Default bins
// [18, 36, 51, 66] label as <18, 18-35, 36-50, 51-65, 65+.
func AgeGroup(age int, bins []int) string {
	for i, upper := range bins {
		if age < upper {
			if i == 0 {
				return "<" + strconv.Itoa(upper)
			}
			return strconv.Itoa(bins[i-1]) + "-" + strconv.Itoa(upper-1)
		}
	}
	return strconv.Itoa(bins[len(bins)-1]-1) + "+"
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = strings.ToUpper(string(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// DedupeRecords collapses resubmitted records (same patient key, record
// date, and condition), keeping the first occurrence. Staged incremental
// records can overlap what the scheduled window already fetched.
func DedupeRecords(recs []HealthRecord) ([]HealthRecord, int) {
	seen := make(map[string]bool, len(recs))
	out := make([]HealthRecord, 0, len(recs))
	for _, r := range recs {
		k := r.PatientKey + "|" + r.RecordDate.Format("2006-01-02") + "|" + r.Condition
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out, len(recs) - len(out)
}

func observed(recs []HealthRecord, get func(HealthRecord) float64) []float64 {
	out := make([]float64, 0, len(recs))
	for _, r := range recs {
		if v := get(r); !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	mid := len(cp) / 2
	if len(cp)%2 == 1 {
		return cp[mid]
	}
	return (cp[mid-1] + cp[mid]) / 2
}

// quantile uses linear interpolation between order statistics.
func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)

	pos := q * float64(len(cp)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return cp[lo]
	}
	frac := pos - float64(lo)
	return cp[lo]*(1-frac) + cp[hi]*frac
}
