package etl

import "time"

// HealthRecord is one parsed admission record from the state dataset.
// PatientID is the raw identifier and must never survive past
// pseudonymization; PatientKey is its stable de-identified replacement.
type HealthRecord struct {
	PatientID  string
	PatientKey string

	RecordDate    time.Time
	Age           int
	Gender        string
	County        string
	Condition     string
	AdmissionType string

	// NaN marks a missing/unparseable value until imputation.
	LengthOfStay float64
	TotalCost    float64

	Readmitted bool
}

// CuratedRow matches the Glue curated_records table columns.
type CuratedRow struct {
	PatientKey    string  `parquet:"name=patient_key, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	RecordDate    string  `parquet:"name=record_date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"` // YYYY-MM-DD
	Age           int32   `parquet:"name=age, type=INT32"`
	AgeGroup      string  `parquet:"name=age_group, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Gender        string  `parquet:"name=gender, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	County        string  `parquet:"name=county, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Condition     string  `parquet:"name=condition, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	AdmissionType string  `parquet:"name=admission_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	LengthOfStay  float64 `parquet:"name=length_of_stay, type=DOUBLE"`
	TotalCost     float64 `parquet:"name=total_cost, type=DOUBLE"`
	CostPerDay    float64 `parquet:"name=cost_per_day, type=DOUBLE"`
	RiskScore     float64 `parquet:"name=risk_score, type=DOUBLE"`
	Year          int32   `parquet:"name=year, type=INT32"`
	Month         int32   `parquet:"name=month, type=INT32"`
	Quarter       int32   `parquet:"name=quarter, type=INT32"`
	DayOfWeek     string  `parquet:"name=day_of_week, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	HighCost      int32   `parquet:"name=is_high_cost, type=INT32"`
	LongStay      int32   `parquet:"name=is_long_stay, type=INT32"`
	Readmission   int32   `parquet:"name=readmission, type=INT32"`
}

// curatedColumns lists the Glue columns CuratedRow writes, for the
// pre-load schema check.
var curatedColumns = []string{
	"patient_key", "record_date", "age", "age_group", "gender", "county",
	"condition", "admission_type", "length_of_stay", "total_cost",
	"cost_per_day", "risk_score", "year", "month", "quarter", "day_of_week",
	"is_high_cost", "is_long_stay", "readmission",
}

func CuratedColumns() []string {
	out := make([]string, len(curatedColumns))
	copy(out, curatedColumns)
	return out
}
