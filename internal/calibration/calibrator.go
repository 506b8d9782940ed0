// Package calibration fits the final class statistics and picks the operating
// threshold that is persisted with the model.
package calibration

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"

	"mahaclassifier/internal/evaluation"
	"mahaclassifier/internal/models"
	"mahaclassifier/internal/policy"
	"mahaclassifier/internal/rng"
)

const (
	SelectorConstrainedMaximin = "constrained_maximin"
	SelectorTiered             = "tiered"
)

type Config struct {
	Taus         []float64
	Selector     string
	TargetFloor  float64
	HoldoutSize  float64
	LocalRadius  float64
	LocalSteps   int
	LocalMinTau  float64
	SeedQuantile float64
	Policy       policy.Params
	Covariance   models.CovarianceOptions
}

func DefaultConfig() Config {
	return Config{
		Taus:         policy.Linspace(0.50, 1.70, 61),
		Selector:     SelectorConstrainedMaximin,
		TargetFloor:  0.70,
		HoldoutSize:  0.25,
		LocalRadius:  0.10,
		LocalSteps:   201,
		LocalMinTau:  0.30,
		SeedQuantile: 0.40,
		Policy:       policy.DefaultParams(),
		Covariance:   models.DefaultCovarianceOptions(),
	}
}

type Result struct {
	Stats        models.ClassStatistics
	Tau          float64
	Global       policy.Choice
	Local        policy.Choice
	LocalAdopted bool
	Seeds        []float64
	LocalGrid    int
	// Spec and Sens are realized at Tau on the calibration holdout.
	Spec float64
	Sens float64
}

type FinalCalibrator struct {
	cfg Config
	src rng.Source
	log zerolog.Logger
}

func NewFinalCalibrator(cfg Config, src rng.Source, log zerolog.Logger) (*FinalCalibrator, error) {
	if len(cfg.Taus) == 0 {
		return nil, fmt.Errorf("calibration needs a non-empty tau grid")
	}
	if cfg.Selector != SelectorConstrainedMaximin && cfg.Selector != SelectorTiered {
		return nil, fmt.Errorf("unknown calibration selector %q", cfg.Selector)
	}
	if cfg.LocalSteps < 2 {
		return nil, fmt.Errorf("local grid needs at least 2 steps, got %d", cfg.LocalSteps)
	}
	return &FinalCalibrator{cfg: cfg, src: src, log: log}, nil
}

// Calibrate fits statistics on every row of X restricted to selected, then
// chooses tau on a stratified holdout drawn from the "calibration" stream.
// foldTaus are the per-fold thresholds of the selected mask and may be empty.
func (fc *FinalCalibrator) Calibrate(X [][]float64, y []models.ClassID, selected []int, foldTaus []float64) (Result, error) {
	if len(selected) == 0 {
		return Result{}, fmt.Errorf("calibration needs at least one selected feature")
	}
	if len(X) != len(y) {
		return Result{}, fmt.Errorf("x and y must have the same length: %d vs %d", len(X), len(y))
	}

	var bRows, mRows []int
	for i, c := range y {
		if c == models.Malignant {
			mRows = append(mRows, i)
		} else {
			bRows = append(bRows, i)
		}
	}
	cs := models.NewDistanceModel(fc.cfg.Covariance).Fit(models.Rows(X, bRows, selected), models.Rows(X, mRows, selected))
	if cs.Degenerate {
		fc.log.Warn().Int("benign", len(bRows)).Int("malignant", len(mRows)).Msg("degenerate full-train fit, using identity covariance")
	}

	_, holdout, err := evaluation.NewTrainTestSplitter(fc.cfg.HoldoutSize, fc.src.Stream("calibration", 0)).StratifiedSplit(y, nil)
	if err != nil {
		return Result{}, fmt.Errorf("calibration holdout: %w", err)
	}
	set := evaluation.NewScoredSet(cs, X, y, holdout, selected)

	global, err := fc.choose(set.Sweep(fc.cfg.Taus))
	if err != nil {
		return Result{}, err
	}

	seeds := []float64{global.Tau}
	if len(foldTaus) > 0 {
		med, err := stats.Median(foldTaus)
		if err != nil {
			return Result{}, fmt.Errorf("median of fold taus: %w", err)
		}
		seeds = append(seeds, med, Quantile(foldTaus, fc.cfg.SeedQuantile))
	}
	grid := policy.LocalGrid(seeds, fc.cfg.LocalRadius, fc.cfg.LocalSteps, fc.cfg.LocalMinTau)
	local, err := fc.choose(set.Sweep(grid))
	if err != nil {
		return Result{}, err
	}

	w := fc.cfg.Policy
	res := Result{
		Stats:     cs,
		Global:    global,
		Local:     local,
		Seeds:     seeds,
		LocalGrid: len(grid),
		Tau:       global.Tau,
	}
	if w.WeightedScore(local.Spec, local.Sens) > w.WeightedScore(global.Spec, global.Sens) {
		res.Tau = local.Tau
		res.LocalAdopted = true
	}
	final := set.Confusion(res.Tau)
	res.Spec, res.Sens = final.Specificity(), final.Sensitivity()

	fc.log.Info().
		Float64("tau_global", global.Tau).
		Str("mode_global", string(global.Mode)).
		Float64("tau_local", local.Tau).
		Str("mode_local", string(local.Mode)).
		Float64("tau", res.Tau).
		Float64("spec", res.Spec).
		Float64("sens", res.Sens).
		Msg("threshold calibrated")
	return res, nil
}

func (fc *FinalCalibrator) choose(s policy.Sweep) (policy.Choice, error) {
	if fc.cfg.Selector == SelectorTiered {
		return policy.Tiered(s, fc.cfg.Policy)
	}
	return policy.ConstrainedMaximin(s, fc.cfg.TargetFloor)
}

// Quantile is the linearly interpolated q-quantile of values, matching the
// default definition used by common numeric libraries.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	h := q * float64(len(s)-1)
	lo := int(math.Floor(h))
	if lo >= len(s)-1 {
		return s[len(s)-1]
	}
	return s[lo] + (h-float64(lo))*(s[lo+1]-s[lo])
}
