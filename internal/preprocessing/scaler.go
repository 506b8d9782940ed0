package preprocessing

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// SigmaEpsilon is added to every training standard deviation so constant
// features never divide by zero.
const SigmaEpsilon = 1e-6

var ErrDimensionMismatch = errors.New("feature dimension mismatch")

// Standardizer holds the component-wise training statistics. It is fitted once
// on the full training set and read-only afterwards.
type Standardizer struct {
	Mu    []float64
	Sigma []float64
}

func FitStandardizer(X [][]float64) (*Standardizer, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("empty dataset")
	}
	nFeatures := len(X[0])
	s := &Standardizer{
		Mu:    make([]float64, nFeatures),
		Sigma: make([]float64, nFeatures),
	}

	col := make([]float64, len(X))
	for j := 0; j < nFeatures; j++ {
		for i := range X {
			if len(X[i]) != nFeatures {
				return nil, fmt.Errorf("row %d: %w: expected %d, got %d", i, ErrDimensionMismatch, nFeatures, len(X[i]))
			}
			col[i] = X[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mu[j] = mean
		s.Sigma[j] = std + SigmaEpsilon
	}
	return s, nil
}

// NewStandardizer wraps statistics loaded from an artifact. Sigma is used as
// stored and must already carry its epsilon.
func NewStandardizer(mu, sigma []float64) (*Standardizer, error) {
	if len(mu) != len(sigma) {
		return nil, fmt.Errorf("train_mu has %d entries but train_sigma has %d: %w", len(mu), len(sigma), ErrDimensionMismatch)
	}
	for j, v := range sigma {
		if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("train_sigma[%d] = %v is not a usable scale", j, v)
		}
	}
	return &Standardizer{Mu: mu, Sigma: sigma}, nil
}

func (s *Standardizer) Dim() int {
	return len(s.Mu)
}

func (s *Standardizer) TransformRow(x []float64) ([]float64, error) {
	if len(x) != len(s.Mu) {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, len(s.Mu), len(x))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mu[j]) / s.Sigma[j]
	}
	return out, nil
}

func (s *Standardizer) Transform(X [][]float64) ([][]float64, error) {
	result := make([][]float64, len(X))
	for i := range X {
		row, err := s.TransformRow(X[i])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		result[i] = row
	}
	return result, nil
}
