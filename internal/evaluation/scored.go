package evaluation

import (
	"mahaclassifier/internal/models"
	"mahaclassifier/internal/policy"
)

// ScoredSet caches both class distances for a set of rows so that sweeping
// many thresholds costs one pass of quadratic forms.
type ScoredSet struct {
	DB []float64
	DM []float64
	Y  []models.ClassID
}

// NewScoredSet scores the given rows of X (all rows when rows is nil)
// restricted to cols.
func NewScoredSet(cs models.ClassStatistics, X [][]float64, y []models.ClassID, rows, cols []int) ScoredSet {
	if rows == nil {
		rows = allRows(len(X))
	}
	s := ScoredSet{
		DB: make([]float64, len(rows)),
		DM: make([]float64, len(rows)),
		Y:  make([]models.ClassID, len(rows)),
	}
	for i, r := range rows {
		x := models.Select(X[r], cols)
		s.DB[i], s.DM[i] = cs.Distances(x)
		s.Y[i] = y[r]
	}
	return s
}

func (s ScoredSet) Len() int {
	return len(s.Y)
}

func (s ScoredSet) Predict(tau float64) []models.ClassID {
	out := make([]models.ClassID, len(s.Y))
	for i := range s.Y {
		out[i] = models.Decide(s.DB[i], s.DM[i], tau)
	}
	return out
}

func (s ScoredSet) Confusion(tau float64) Confusion {
	var c Confusion
	for i := range s.Y {
		c.Add(s.Y[i], models.Decide(s.DB[i], s.DM[i], tau))
	}
	return c
}

func (s ScoredSet) Metrics(tau float64) BinaryMetrics {
	return CalculateMetrics(s.Confusion(tau))
}

// Sweep evaluates specificity and sensitivity at every tau, in grid order.
func (s ScoredSet) Sweep(taus []float64) policy.Sweep {
	sw := policy.Sweep{
		Taus:  append([]float64(nil), taus...),
		Specs: make([]float64, len(taus)),
		Senss: make([]float64, len(taus)),
	}
	for i, t := range taus {
		c := s.Confusion(t)
		sw.Specs[i] = c.Specificity()
		sw.Senss[i] = c.Sensitivity()
	}
	return sw
}

// ClassErrors returns the benign and malignant misclassification rates at tau.
func (s ScoredSet) ClassErrors(tau float64) (errB, errM float64) {
	var eB, eM, nB, nM int
	for i, truth := range s.Y {
		pred := models.Decide(s.DB[i], s.DM[i], tau)
		if truth == models.Malignant {
			nM++
			if pred != truth {
				eM++
			}
		} else {
			nB++
			if pred != truth {
				eB++
			}
		}
	}
	return float64(eB) / (float64(nB) + rateEpsilon), float64(eM) / (float64(nM) + rateEpsilon)
}
