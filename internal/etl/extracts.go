package etl

import (
	"fmt"
	"sort"

	"healthetl/internal/config"
)

// Extract is one Tableau-ready CSV dataset. All extracts are aggregates of
// de-identified rows; cells below the suppression threshold are dropped so
// small populations never reach a dashboard.
type Extract struct {
	Name    string
	Header  []string
	Records [][]string
}

type OverviewRow struct {
	Year            int
	Month           int
	Admissions      int
	TotalCost       float64
	AvgLengthOfStay float64
	ReadmissionRate float64
}

type ConditionRow struct {
	Condition       string
	Count           int
	AvgCost         float64
	AvgLengthOfStay float64
	ReadmissionRate float64
}

type RegionalRow struct {
	County          string
	Admissions      int
	TotalCost       float64
	ReadmissionRate float64
}

// BuildExtracts materializes the three dashboard datasets.
func BuildExtracts(rows []CuratedRow, cfg config.Pipeline) []Extract {
	return []Extract{
		overviewExtract(BuildOverview(rows, cfg.SuppressBelow)),
		conditionsExtract(BuildConditions(rows, cfg.SuppressBelow)),
		regionalExtract(BuildRegional(rows, cfg.SuppressBelow)),
	}
}

func BuildOverview(rows []CuratedRow, suppressBelow int) []OverviewRow {
	type agg struct {
		n        int
		cost     float64
		los      float64
		readmits int
	}
	groups := map[[2]int]*agg{}
	for _, r := range rows {
		k := [2]int{int(r.Year), int(r.Month)}
		a := groups[k]
		if a == nil {
			a = &agg{}
			groups[k] = a
		}
		a.n++
		a.cost += r.TotalCost
		a.los += r.LengthOfStay
		a.readmits += int(r.Readmission)
	}

	out := make([]OverviewRow, 0, len(groups))
	for k, a := range groups {
		if a.n < suppressBelow {
			continue
		}
		out = append(out, OverviewRow{
			Year:            k[0],
			Month:           k[1],
			Admissions:      a.n,
			TotalCost:       a.cost,
			AvgLengthOfStay: a.los / float64(a.n),
			ReadmissionRate: float64(a.readmits) / float64(a.n),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Month < out[j].Month
	})
	return out
}

func BuildConditions(rows []CuratedRow, suppressBelow int) []ConditionRow {
	type agg struct {
		n        int
		cost     float64
		los      float64
		readmits int
	}
	groups := map[string]*agg{}
	for _, r := range rows {
		a := groups[r.Condition]
		if a == nil {
			a = &agg{}
			groups[r.Condition] = a
		}
		a.n++
		a.cost += r.TotalCost
		a.los += r.LengthOfStay
		a.readmits += int(r.Readmission)
	}

	out := make([]ConditionRow, 0, len(groups))
	for c, a := range groups {
		if a.n < suppressBelow {
			continue
		}
		out = append(out, ConditionRow{
			Condition:       c,
			Count:           a.n,
			AvgCost:         a.cost / float64(a.n),
			AvgLengthOfStay: a.los / float64(a.n),
			ReadmissionRate: float64(a.readmits) / float64(a.n),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Condition < out[j].Condition
	})
	return out
}

func BuildRegional(rows []CuratedRow, suppressBelow int) []RegionalRow {
	type agg struct {
		n        int
		cost     float64
		readmits int
	}
	groups := map[string]*agg{}
	for _, r := range rows {
		a := groups[r.County]
		if a == nil {
			a = &agg{}
			groups[r.County] = a
		}
		a.n++
		a.cost += r.TotalCost
		a.readmits += int(r.Readmission)
	}

	out := make([]RegionalRow, 0, len(groups))
	for c, a := range groups {
		if a.n < suppressBelow {
			continue
		}
		out = append(out, RegionalRow{
			County:          c,
			Admissions:      a.n,
			TotalCost:       a.cost,
			ReadmissionRate: float64(a.readmits) / float64(a.n),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Admissions != out[j].Admissions {
			return out[i].Admissions > out[j].Admissions
		}
		return out[i].County < out[j].County
	})
	return out
}

func overviewExtract(rows []OverviewRow) Extract {
	ex := Extract{
		Name:   "overview",
		Header: []string{"Year", "Month", "Admissions", "Total_Cost", "Avg_LOS", "Readmission_Rate"},
	}
	for _, r := range rows {
		ex.Records = append(ex.Records, []string{
			fmt.Sprintf("%d", r.Year),
			fmt.Sprintf("%d", r.Month),
			fmt.Sprintf("%d", r.Admissions),
			fmt.Sprintf("%.2f", r.TotalCost),
			fmt.Sprintf("%.4f", r.AvgLengthOfStay),
			fmt.Sprintf("%.4f", r.ReadmissionRate),
		})
	}
	return ex
}

func conditionsExtract(rows []ConditionRow) Extract {
	ex := Extract{
		Name:   "conditions",
		Header: []string{"Condition", "Count", "Avg_Cost", "Avg_LOS", "Readmission_Rate"},
	}
	for _, r := range rows {
		ex.Records = append(ex.Records, []string{
			r.Condition,
			fmt.Sprintf("%d", r.Count),
			fmt.Sprintf("%.2f", r.AvgCost),
			fmt.Sprintf("%.4f", r.AvgLengthOfStay),
			fmt.Sprintf("%.4f", r.ReadmissionRate),
		})
	}
	return ex
}

func regionalExtract(rows []RegionalRow) Extract {
	ex := Extract{
		Name:   "regional",
		Header: []string{"County", "Admissions", "Total_Cost", "Readmission_Rate"},
	}
	for _, r := range rows {
		ex.Records = append(ex.Records, []string{
			r.County,
			fmt.Sprintf("%d", r.Admissions),
			fmt.Sprintf("%.2f", r.TotalCost),
			fmt.Sprintf("%.4f", r.ReadmissionRate),
		})
	}
	return ex
}
