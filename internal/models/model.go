package models

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultEpsilon is the ridge added to plain sample covariances and the weight
// of the identity blend applied to the pooled covariance.
const DefaultEpsilon = 1e-3

type CovarianceOptions struct {
	Shrinkage bool
	Epsilon   float64
}

func DefaultCovarianceOptions() CovarianceOptions {
	return CovarianceOptions{Shrinkage: true, Epsilon: DefaultEpsilon}
}

// ClassStatistics holds everything the ratio rule needs for one feature subset
// and one sample partition. Values are never mutated after Fit returns.
type ClassStatistics struct {
	MeanBenign    []float64
	MeanMalignant []float64
	// SigmaBenign and SigmaMalignant are per-feature population standard
	// deviations, kept so artifacts can be re-read by diagonal fallbacks.
	SigmaBenign    []float64
	SigmaMalignant []float64
	PooledInverse  *mat.Dense
	// Degenerate is set when either class had fewer than two rows and the
	// inverse covariance fell back to the identity.
	Degenerate bool
}

func (cs ClassStatistics) Dim() int {
	return len(cs.MeanBenign)
}

func (cs ClassStatistics) Mean(c ClassID) []float64 {
	if c == Malignant {
		return cs.MeanMalignant
	}
	return cs.MeanBenign
}

type DistanceModel struct {
	opts CovarianceOptions
}

func NewDistanceModel(opts CovarianceOptions) *DistanceModel {
	if opts.Epsilon <= 0 {
		opts.Epsilon = DefaultEpsilon
	}
	return &DistanceModel{opts: opts}
}

// Fit estimates class means and the pooled inverse covariance from benign and
// malignant rows that are already restricted to the feature subset.
func (dm *DistanceModel) Fit(xb, xm *mat.Dense) ClassStatistics {
	nb, k := dims(xb)
	nm, km := dims(xm)
	if k == 0 {
		k = km
	}
	if k == 0 {
		k = 1
	}

	cs := ClassStatistics{
		MeanBenign:     columnMeans(xb, k),
		MeanMalignant:  columnMeans(xm, k),
		SigmaBenign:    columnStdDevs(xb, k),
		SigmaMalignant: columnStdDevs(xm, k),
	}

	if nb < 2 || nm < 2 {
		cs.PooledInverse = identity(k)
		cs.Degenerate = true
		return cs
	}

	eps := dm.opts.Epsilon
	var sb, sm *mat.SymDense
	if dm.opts.Shrinkage {
		sb, _ = LedoitWolf(xb)
		sm, _ = LedoitWolf(xm)
	} else {
		sb = SampleCovariance(xb, eps)
		sm = SampleCovariance(xm, eps)
	}

	pooled := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			v := 0.5 * (sb.At(i, j) + sm.At(i, j))
			v *= 1 - eps
			if i == j {
				v += eps
			}
			pooled.Set(i, j, v)
		}
	}

	inv, err := PseudoInverse(pooled)
	if err != nil || !allFinite(inv) {
		cs.PooledInverse = identity(k)
		cs.Degenerate = true
		return cs
	}
	cs.PooledInverse = inv
	return cs
}

// Distance is the Mahalanobis distance of x from mean under the inverse
// covariance sInv. Tiny negative quadratic forms are clamped to zero.
func Distance(x, mean []float64, sInv mat.Matrix) float64 {
	z := make([]float64, len(x))
	for i := range x {
		z[i] = x[i] - mean[i]
	}
	v := mat.NewVecDense(len(z), z)
	q := mat.Inner(v, sInv, v)
	return math.Sqrt(math.Max(q, 0))
}

// Distances returns the distances of x to the benign and malignant means.
func (cs ClassStatistics) Distances(x []float64) (dB, dM float64) {
	return Distance(x, cs.MeanBenign, cs.PooledInverse), Distance(x, cs.MeanMalignant, cs.PooledInverse)
}

// Decide applies the ratio rule: malignant when dM <= tau * dB.
func Decide(dB, dM, tau float64) ClassID {
	if dM <= tau*dB {
		return Malignant
	}
	return Benign
}

func (cs ClassStatistics) Predict(x []float64, tau float64) ClassID {
	dB, dM := cs.Distances(x)
	return Decide(dB, dM, tau)
}

// Rows builds a dense matrix from the given rows of x restricted to cols.
func Rows(x [][]float64, rows, cols []int) *mat.Dense {
	if len(rows) == 0 || len(cols) == 0 {
		return nil
	}
	data := make([]float64, 0, len(rows)*len(cols))
	for _, r := range rows {
		for _, c := range cols {
			data = append(data, x[r][c])
		}
	}
	return mat.NewDense(len(rows), len(cols), data)
}

// Select returns x restricted to cols, in cols order.
func Select(x []float64, cols []int) []float64 {
	out := make([]float64, len(cols))
	for i, c := range cols {
		out[i] = x[c]
	}
	return out
}

func dims(x *mat.Dense) (int, int) {
	if x == nil || x.IsEmpty() {
		return 0, 0
	}
	return x.Dims()
}

func columnMeans(x *mat.Dense, k int) []float64 {
	out := make([]float64, k)
	n, _ := dims(x)
	if n == 0 {
		return out
	}
	for j := 0; j < k; j++ {
		out[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}
	return out
}

func columnStdDevs(x *mat.Dense, k int) []float64 {
	out := make([]float64, k)
	n, _ := dims(x)
	if n < 2 {
		for j := range out {
			out[j] = 1
		}
		return out
	}
	for j := 0; j < k; j++ {
		_, out[j] = stat.PopMeanStdDev(mat.Col(nil, j, x), nil)
	}
	return out
}

func identity(k int) *mat.Dense {
	m := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
