package calibration

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mahaclassifier/internal/models"
	"mahaclassifier/internal/policy"
	"mahaclassifier/internal/rng"
)

func clusters(seed uint64, n, dim int, shift float64) ([][]float64, []models.ClassID) {
	r := rand.New(rand.NewPCG(seed, seed))
	var X [][]float64
	var y []models.ClassID
	for i := 0; i < 2*n; i++ {
		c, label := 0.0, models.Benign
		if i%2 == 1 {
			c, label = shift, models.Malignant
		}
		row := make([]float64, dim)
		for j := range row {
			row[j] = c + r.NormFloat64()
		}
		X = append(X, row)
		y = append(y, label)
	}
	return X, y
}

func TestQuantileMatchesLinearInterpolation(t *testing.T) {
	assert.InDelta(t, 2.6, Quantile([]float64{5, 1, 3, 2, 4}, 0.40), 1e-12)
	assert.InDelta(t, 0.98, Quantile([]float64{1.0, 1.2, 0.9}, 0.40), 1e-12)
	assert.Equal(t, 7.0, Quantile([]float64{7}, 0.40))
	assert.Equal(t, 3.0, Quantile([]float64{1, 2, 3}, 1))
	assert.True(t, math.IsNaN(Quantile(nil, 0.5)))
}

func TestCalibrateSeparableData(t *testing.T) {
	X, y := clusters(1, 120, 4, 3)
	fc, err := NewFinalCalibrator(DefaultConfig(), rng.New(42), zerolog.Nop())
	require.NoError(t, err)

	res, err := fc.Calibrate(X, y, []int{0, 1, 2, 3}, []float64{0.9, 1.0, 1.1})
	require.NoError(t, err)
	assert.False(t, res.Stats.Degenerate)
	assert.Equal(t, 4, res.Stats.Dim())
	assert.Len(t, res.Seeds, 3)
	assert.InDelta(t, 1.0, res.Seeds[1], 1e-12)
	assert.InDelta(t, 0.98, res.Seeds[2], 1e-12)
	assert.Equal(t, policy.ModeConstrainedMaximin, res.Global.Mode)
	assert.GreaterOrEqual(t, res.Spec, 0.9)
	assert.GreaterOrEqual(t, res.Sens, 0.9)
	if res.LocalAdopted {
		assert.Equal(t, res.Local.Tau, res.Tau)
	} else {
		assert.Equal(t, res.Global.Tau, res.Tau)
	}
}

func TestCalibrateWithoutFoldTausUsesGlobalSeedOnly(t *testing.T) {
	X, y := clusters(2, 60, 2, 2)
	fc, err := NewFinalCalibrator(DefaultConfig(), rng.New(42), zerolog.Nop())
	require.NoError(t, err)

	res, err := fc.Calibrate(X, y, []int{0, 1}, nil)
	require.NoError(t, err)
	require.Len(t, res.Seeds, 1)
	assert.Equal(t, res.Global.Tau, res.Seeds[0])
	assert.LessOrEqual(t, res.LocalGrid, 201)
}

func TestCalibrateIsDeterministic(t *testing.T) {
	X, y := clusters(3, 50, 3, 1)
	run := func() Result {
		fc, err := NewFinalCalibrator(DefaultConfig(), rng.New(9), zerolog.Nop())
		require.NoError(t, err)
		res, err := fc.Calibrate(X, y, []int{0, 2}, []float64{1.1, 1.2})
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()
	assert.Equal(t, a.Tau, b.Tau)
	assert.Equal(t, a.Global, b.Global)
	assert.Equal(t, a.Local, b.Local)
}

func TestTieredSelector(t *testing.T) {
	X, y := clusters(4, 80, 3, 2)
	cfg := DefaultConfig()
	cfg.Selector = SelectorTiered
	fc, err := NewFinalCalibrator(cfg, rng.New(42), zerolog.Nop())
	require.NoError(t, err)

	res, err := fc.Calibrate(X, y, []int{0, 1, 2}, nil)
	require.NoError(t, err)
	assert.Contains(t, []policy.Mode{policy.ModeFeasible, policy.ModeGuarded, policy.ModeBalancedOnly}, res.Global.Mode)
}

func TestCalibratorValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Selector = "best"
	_, err := NewFinalCalibrator(cfg, rng.New(1), zerolog.Nop())
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Taus = nil
	_, err = NewFinalCalibrator(cfg, rng.New(1), zerolog.Nop())
	assert.Error(t, err)

	fc, err := NewFinalCalibrator(DefaultConfig(), rng.New(1), zerolog.Nop())
	require.NoError(t, err)
	_, err = fc.Calibrate([][]float64{{1}}, []models.ClassID{0}, nil, nil)
	assert.Error(t, err)
}
