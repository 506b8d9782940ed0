package models

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func gaussianRows(r *rand.Rand, n int, center []float64) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, len(center))
		for j, c := range center {
			rows[i][j] = c + r.NormFloat64()
		}
	}
	return rows
}

func toDense(rows [][]float64) *mat.Dense {
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	cols := make([]int, len(rows[0]))
	for j := range cols {
		cols[j] = j
	}
	return Rows(rows, idx, cols)
}

func TestFitWellConditioned(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	xb := toDense(gaussianRows(r, 200, []float64{0, 0, 0}))
	xm := toDense(gaussianRows(r, 200, []float64{4, 4, 4}))

	for _, shrink := range []bool{true, false} {
		cs := NewDistanceModel(CovarianceOptions{Shrinkage: shrink}).Fit(xb, xm)
		require.False(t, cs.Degenerate)
		assert.Equal(t, 3, cs.Dim())
		for j := 0; j < 3; j++ {
			assert.InDelta(t, 0, cs.MeanBenign[j], 0.3)
			assert.InDelta(t, 4, cs.MeanMalignant[j], 0.3)
			assert.InDelta(t, 1, cs.PooledInverse.At(j, j), 0.35)
		}
	}
}

func TestFitDegenerateFallsBackToIdentity(t *testing.T) {
	xb := mat.NewDense(1, 2, []float64{1, 2})
	xm := mat.NewDense(3, 2, []float64{0, 0, 1, 1, 2, 0})

	cs := NewDistanceModel(DefaultCovarianceOptions()).Fit(xb, xm)
	require.True(t, cs.Degenerate)
	assert.True(t, mat.Equal(identity(2), cs.PooledInverse))
	assert.Equal(t, []float64{1, 2}, cs.MeanBenign)

	cs = NewDistanceModel(DefaultCovarianceOptions()).Fit(nil, xm)
	assert.True(t, cs.Degenerate)
	assert.Equal(t, 2, cs.PooledInverse.RawMatrix().Rows)
}

func TestFitSingularCovarianceStaysFinite(t *testing.T) {
	// second column duplicates the first, so the raw covariance is singular
	xb := mat.NewDense(4, 2, []float64{0, 0, 1, 1, 2, 2, 3, 3})
	xm := mat.NewDense(4, 2, []float64{5, 5, 6, 6, 7, 7, 8, 8})

	cs := NewDistanceModel(CovarianceOptions{Shrinkage: false}).Fit(xb, xm)
	require.False(t, cs.Degenerate)
	assert.True(t, allFinite(cs.PooledInverse))
}

func TestDistanceNonNegativeAndZeroAtMean(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	xb := toDense(gaussianRows(r, 50, []float64{0, 1}))
	xm := toDense(gaussianRows(r, 50, []float64{3, 3}))
	cs := NewDistanceModel(DefaultCovarianceOptions()).Fit(xb, xm)

	assert.Equal(t, 0.0, Distance(cs.MeanBenign, cs.MeanBenign, cs.PooledInverse))
	for i := 0; i < 100; i++ {
		q := []float64{r.NormFloat64() * 3, r.NormFloat64() * 3}
		d := Distance(q, cs.MeanMalignant, cs.PooledInverse)
		assert.GreaterOrEqual(t, d, 0.0)
		assert.False(t, math.IsNaN(d))
		if q[0] != cs.MeanMalignant[0] {
			assert.Greater(t, d, 0.0)
		}
	}
}

func TestDistanceClampsNegativeQuadraticForm(t *testing.T) {
	neg := mat.NewDense(1, 1, []float64{-1e-12})
	assert.Equal(t, 0.0, Distance([]float64{1}, []float64{0}, neg))
}

func TestDecide(t *testing.T) {
	assert.Equal(t, Malignant, Decide(2, 1, 1))
	assert.Equal(t, Malignant, Decide(2, 2, 1))
	assert.Equal(t, Benign, Decide(1, 2, 1))
	assert.Equal(t, Malignant, Decide(1, 2, 2.5))
}

func TestLedoitWolfSingleFeatureHasNoShrinkage(t *testing.T) {
	x := mat.NewDense(4, 1, []float64{1, 2, 3, 4})
	cov, shrink := LedoitWolf(x)
	assert.Equal(t, 0.0, shrink)
	assert.InDelta(t, 1.25, cov.At(0, 0), 1e-12)
}

func TestLedoitWolfShrinkageInUnitInterval(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	x := toDense(gaussianRows(r, 8, []float64{0, 0, 0, 0, 0}))
	_, shrink := LedoitWolf(x)
	assert.GreaterOrEqual(t, shrink, 0.0)
	assert.LessOrEqual(t, shrink, 1.0)
}

func TestPseudoInverseOfDiagonal(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{2, 0, 0, 4})
	inv, err := PseudoInverse(a)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, inv.At(0, 0), 1e-12)
	assert.InDelta(t, 0.25, inv.At(1, 1), 1e-12)
	assert.InDelta(t, 0, inv.At(0, 1), 1e-12)
}

func TestPseudoInverseOfRankDeficient(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	inv, err := PseudoInverse(a)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			assert.InDelta(t, 0.25, inv.At(i, j), 1e-12)
		}
	}
}

func TestParseClassID(t *testing.T) {
	tests := []struct {
		in   string
		want ClassID
	}{
		{"0", Benign}, {"B", Benign}, {" benign ", Benign},
		{"1", Malignant}, {"m", Malignant}, {"Malignant", Malignant},
	}
	for _, tt := range tests {
		got, err := ParseClassID(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseClassID("unknown")
	assert.Error(t, err)
	assert.Equal(t, "1", Malignant.Key())
	assert.Equal(t, "Benign", Benign.String())
}
