package search

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"mahaclassifier/internal/models"
)

const fisherVarianceEpsilon = 1e-9

// FisherScores computes (mean_b - mean_m)^2 / (var_b + var_m) per feature on
// standardized rows, with population variances.
func FisherScores(X [][]float64, y []models.ClassID) []float64 {
	if len(X) == 0 {
		return nil
	}
	dim := len(X[0])
	scores := make([]float64, dim)
	var colB, colM []float64
	for j := 0; j < dim; j++ {
		colB, colM = colB[:0], colM[:0]
		for i, row := range X {
			if y[i] == models.Malignant {
				colM = append(colM, row[j])
			} else {
				colB = append(colB, row[j])
			}
		}
		muB, varB := popMeanVariance(colB)
		muM, varM := popMeanVariance(colM)
		d := muB - muM
		scores[j] = d * d / (varB + varM + 2*fisherVarianceEpsilon)
	}
	return scores
}

func popMeanVariance(x []float64) (float64, float64) {
	if len(x) == 0 {
		return 0, 0
	}
	return stat.PopMeanVariance(x, nil)
}

// Rank returns feature indices by descending score. Equal scores keep index
// order.
func Rank(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx
}

// Pair is an unordered candidate pair with its summed Fisher score.
type Pair struct {
	I, J  int
	Score float64
}

// RankedPairs forms every unordered pair (a, b) with a < b among candidates,
// ranks them by summed score descending and keeps at most limit.
func RankedPairs(candidates []int, scores []float64, limit int) []Pair {
	var pairs []Pair
	for _, a := range candidates {
		for _, b := range candidates {
			if b <= a {
				continue
			}
			pairs = append(pairs, Pair{I: a, J: b, Score: scores[a] + scores[b]})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Score > pairs[j].Score
	})
	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
