package policy

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Linspace returns n evenly spaced values over [lo, hi], both ends included.
func Linspace(lo, hi float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{lo}
	}
	out := floats.Span(make([]float64, n), lo, hi)
	out[n-1] = hi
	return out
}

// LocalGrid joins fine grids of the given radius around every seed; each grid
// is clipped below at minTau. The union is sorted and de-duplicated.
func LocalGrid(seeds []float64, radius float64, steps int, minTau float64) []float64 {
	var all []float64
	for _, s := range seeds {
		all = append(all, Linspace(math.Max(minTau, s-radius), s+radius, steps)...)
	}
	return UniqueSorted(all)
}

// Clip bounds every value to [lo, hi] and de-duplicates the result.
func Clip(values []float64, lo, hi float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Min(math.Max(v, lo), hi)
	}
	return UniqueSorted(out)
}

func UniqueSorted(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	n := 0
	for i, v := range out {
		if i == 0 || v != out[n-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}
