package etl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil, 5)
	require.Equal(t, 0, s.TotalAdmissions)
	require.Equal(t, 0, s.TotalPatients)
	require.Empty(t, s.TopConditions)
}

func TestSummarize(t *testing.T) {
	rows := []CuratedRow{
		{PatientKey: "p1", Condition: "Diabetes", LengthOfStay: 2, TotalCost: 100, Readmission: 1, RiskScore: 0.9},
		{PatientKey: "p1", Condition: "Diabetes", LengthOfStay: 4, TotalCost: 300, RiskScore: 0.2},
		{PatientKey: "p2", Condition: "Asthma", LengthOfStay: 6, TotalCost: 200, RiskScore: 0.7},
	}

	s := Summarize(rows, 5)
	require.Equal(t, 3, s.TotalAdmissions)
	require.Equal(t, 2, s.TotalPatients, "distinct patient keys")
	require.InDelta(t, 4.0, s.AvgLengthOfStay, 1e-9)
	require.InDelta(t, 200.0, s.AvgTotalCost, 1e-9)
	require.InDelta(t, 1.0/3.0, s.ReadmissionRate, 1e-9)

	// score must exceed the cutoff, 0.7 itself is not high risk
	require.Equal(t, 1, s.HighRiskCount)
	require.InDelta(t, 1.0/3.0, s.HighRiskShare, 1e-9)

	require.Len(t, s.TopConditions, 2)
	require.Equal(t, "Diabetes", s.TopConditions[0].Condition)
	require.Equal(t, 2, s.TopConditions[0].Count)
	require.InDelta(t, 2.0/3.0, s.TopConditions[0].Share, 1e-9)
}

func TestSummarizeTopNTruncates(t *testing.T) {
	rows := []CuratedRow{
		{PatientKey: "p1", Condition: "A"},
		{PatientKey: "p2", Condition: "B"},
		{PatientKey: "p3", Condition: "C"},
	}
	s := Summarize(rows, 2)
	require.Len(t, s.TopConditions, 2)
}
