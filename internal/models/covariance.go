package models

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// pinvRcond matches the relative singular value cutoff of numpy.linalg.pinv.
const pinvRcond = 1e-15

// LedoitWolf returns the Ledoit-Wolf shrunk covariance of x (rows are samples)
// and the shrinkage coefficient that was applied.
func LedoitWolf(x mat.Matrix) (*mat.SymDense, float64) {
	n, p := x.Dims()
	xc := centered(x)

	var emp mat.Dense
	emp.Mul(xc.T(), xc)
	emp.Scale(1/float64(n), &emp)

	shrinkage := 0.0
	if p > 1 {
		shrinkage = ledoitWolfShrinkage(xc, &emp)
	}

	mu := emp.Trace() / float64(p)
	out := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			v := (1 - shrinkage) * emp.At(i, j)
			if i == j {
				v += shrinkage * mu
			}
			out.SetSym(i, j, v)
		}
	}
	return out, shrinkage
}

func ledoitWolfShrinkage(xc *mat.Dense, emp *mat.Dense) float64 {
	n, p := xc.Dims()
	nf, pf := float64(n), float64(p)

	var x2 mat.Dense
	x2.MulElem(xc, xc)

	traceTerms := make([]float64, p)
	for j := 0; j < p; j++ {
		traceTerms[j] = floats.Sum(mat.Col(nil, j, &x2)) / nf
	}
	mu := floats.Sum(traceTerms) / pf

	var b mat.Dense
	b.Mul(x2.T(), &x2)
	betaRaw := mat.Sum(&b)

	var g, g2 mat.Dense
	g.Mul(xc.T(), xc)
	g2.MulElem(&g, &g)
	deltaRaw := mat.Sum(&g2) / (nf * nf)

	beta := (betaRaw/nf - deltaRaw) / (pf * nf)
	delta := (deltaRaw - 2*mu*floats.Sum(traceTerms) + pf*mu*mu) / pf
	beta = math.Min(beta, delta)
	if beta == 0 {
		return 0
	}
	return beta / delta
}

// SampleCovariance is the unbiased (n-1) covariance plus ridge on the diagonal.
func SampleCovariance(x mat.Matrix, ridge float64) *mat.SymDense {
	n, p := x.Dims()
	xc := centered(x)

	var c mat.Dense
	c.Mul(xc.T(), xc)
	denom := float64(n - 1)
	if denom <= 0 {
		denom = 1
	}
	out := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			v := c.At(i, j) / denom
			if i == j {
				v += ridge
			}
			out.SetSym(i, j, v)
		}
	}
	return out
}

// PseudoInverse computes the Moore-Penrose inverse through a thin SVD,
// discarding singular values below pinvRcond times the largest one.
func PseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.New("svd factorization failed")
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return nil, errors.New("empty matrix")
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := pinvRcond * floats.Max(values)
	inv := make([]float64, len(values))
	for i, s := range values {
		if s > cutoff {
			inv[i] = 1 / s
		}
	}

	var vs, out mat.Dense
	vs.Mul(&v, mat.NewDiagDense(len(inv), inv))
	out.Mul(&vs, u.T())
	return &out, nil
}

func centered(x mat.Matrix) *mat.Dense {
	n, p := x.Dims()
	out := mat.DenseCopyOf(x)
	for j := 0; j < p; j++ {
		col := mat.Col(nil, j, x)
		m := floats.Sum(col) / float64(n)
		for i := 0; i < n; i++ {
			out.Set(i, j, out.At(i, j)-m)
		}
	}
	return out
}
