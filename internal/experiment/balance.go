package experiment

import (
	"github.com/BTreeMap/GiftExplain/internal/models"
)

// ChiSquareCritical05 is the 0.05 critical value of the chi-square distribution
// with five degrees of freedom (six orders).
const ChiSquareCritical05 = 11.0705

// BalanceReport describes how participants were spread across the six orders.
type BalanceReport struct {
	Total            int                              `json:"total"`
	Completed        int                              `json:"completed"`
	OrderCounts      map[models.OrderType]int         `json:"orderCounts"`
	PositionCounts   map[int]map[models.Condition]int `json:"positionCounts"`
	ChiSquare        float64                          `json:"chiSquare"`
	DegreesOfFreedom int                              `json:"degreesOfFreedom"`
	Balanced         bool                             `json:"balanced"`
}

// ComputeBalance tallies order types and per-position conditions and tests the
// order counts against a uniform distribution.
func ComputeBalance(recs []*models.ExperimentRecord) BalanceReport {
	report := BalanceReport{
		OrderCounts:      make(map[models.OrderType]int, len(models.OrderTypes)),
		PositionCounts:   make(map[int]map[models.Condition]int, 3),
		DegreesOfFreedom: len(models.OrderTypes) - 1,
	}
	for _, ot := range models.OrderTypes {
		report.OrderCounts[ot] = 0
	}
	for pos := 1; pos <= 3; pos++ {
		report.PositionCounts[pos] = make(map[models.Condition]int, 3)
		for _, c := range models.Conditions {
			report.PositionCounts[pos][c] = 0
		}
	}

	counts := make([]int, 0, len(models.OrderTypes))
	for _, rec := range recs {
		report.Total++
		if rec.IsCompleted() {
			report.Completed++
		}
		report.OrderCounts[rec.OrderAssignment.OrderType]++
		for i, c := range rec.OrderAssignment.Sequence {
			report.PositionCounts[i+1][c]++
		}
	}
	for _, ot := range models.OrderTypes {
		counts = append(counts, report.OrderCounts[ot])
	}
	report.ChiSquare = ChiSquareUniform(counts)
	report.Balanced = report.ChiSquare < ChiSquareCritical05
	return report
}

// ChiSquareUniform returns the Pearson chi-square statistic of counts against
// equal expected frequencies. It is zero for empty input.
func ChiSquareUniform(counts []int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 || len(counts) == 0 {
		return 0
	}
	expected := float64(total) / float64(len(counts))
	var chi float64
	for _, c := range counts {
		d := float64(c) - expected
		chi += d * d / expected
	}
	return chi
}
