package etl

import "sort"

type ConditionCount struct {
	Condition string  `json:"condition"`
	Count     int     `json:"count"`
	Share     float64 `json:"share"`
}

// Summary is the per-run analytics block embedded in the manifest and the
// run report.
type Summary struct {
	TotalPatients   int              `json:"total_patients"`
	TotalAdmissions int              `json:"total_admissions"`
	AvgLengthOfStay float64          `json:"avg_length_of_stay"`
	AvgTotalCost    float64          `json:"avg_total_cost"`
	ReadmissionRate float64          `json:"readmission_rate"`
	HighRiskCount   int              `json:"high_risk_count"`
	HighRiskShare   float64          `json:"high_risk_share"`
	TopConditions   []ConditionCount `json:"top_conditions"`
}

// highRiskScore mirrors the reporting cutoff on the composite risk score.
const highRiskScore = 0.7

func Summarize(rows []CuratedRow, topN int) Summary {
	s := Summary{TotalAdmissions: len(rows)}
	if len(rows) == 0 {
		return s
	}

	patients := map[string]bool{}
	byCondition := map[string]int{}
	var sumLOS, sumCost float64
	readmits := 0

	for _, r := range rows {
		patients[r.PatientKey] = true
		byCondition[r.Condition]++
		sumLOS += r.LengthOfStay
		sumCost += r.TotalCost
		if r.Readmission == 1 {
			readmits++
		}
		if r.RiskScore > highRiskScore {
			s.HighRiskCount++
		}
	}

	n := float64(len(rows))
	s.TotalPatients = len(patients)
	s.AvgLengthOfStay = sumLOS / n
	s.AvgTotalCost = sumCost / n
	s.ReadmissionRate = float64(readmits) / n
	s.HighRiskShare = float64(s.HighRiskCount) / n

	for c, cnt := range byCondition {
		s.TopConditions = append(s.TopConditions, ConditionCount{
			Condition: c,
			Count:     cnt,
			Share:     float64(cnt) / n,
		})
	}
	sort.Slice(s.TopConditions, func(i, j int) bool {
		if s.TopConditions[i].Count != s.TopConditions[j].Count {
			return s.TopConditions[i].Count > s.TopConditions[j].Count
		}
		return s.TopConditions[i].Condition < s.TopConditions[j].Condition
	})
	if topN > 0 && len(s.TopConditions) > topN {
		s.TopConditions = s.TopConditions[:topN]
	}
	return s
}
