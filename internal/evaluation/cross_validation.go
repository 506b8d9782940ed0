package evaluation

import (
	"context"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mahaclassifier/internal/metrics"
	"mahaclassifier/internal/models"
	"mahaclassifier/internal/policy"
	"mahaclassifier/internal/rng"
)

const (
	// SentinelPenalty marks a mask as infeasible. Search layers must never
	// select a mask scoring at or above it.
	SentinelPenalty = 1e6
	// sizePenaltyStep keeps scores just outside the size bounds ordered by
	// their distance to the nearest bound.
	sizePenaltyStep = 1e-4
	// floorPenaltyWeight scales the per-fold shortfall below the target floor.
	floorPenaltyWeight = 10.0
)

const (
	ReasonEmpty          = "empty"
	ReasonSize           = "size"
	ReasonDegenerateFold = "degenerate_fold"
)

type ObjectiveConfig struct {
	Folds           int
	Taus            []float64
	TargetFloor     float64
	WeightBenign    float64
	WeightMalignant float64
	InnerTestSize   float64
	MinFeatures     int
	MaxFeatures     int
	Covariance      models.CovarianceOptions
	Workers         int
}

func DefaultObjectiveConfig() ObjectiveConfig {
	return ObjectiveConfig{
		Folds:           5,
		Taus:            policy.Linspace(0.50, 1.70, 61),
		TargetFloor:     0.70,
		WeightBenign:    1.0,
		WeightMalignant: 1.0,
		InnerTestSize:   0.25,
		MinFeatures:     10,
		MaxFeatures:     35,
		Covariance:      models.DefaultCovarianceOptions(),
		Workers:         4,
	}
}

// FoldResult is the outcome of one outer fold.
type FoldResult struct {
	Fold         int         `json:"fold"`
	Tau          float64     `json:"tau"`
	Mode         policy.Mode `json:"mode"`
	ErrBenign    float64     `json:"err_benign"`
	ErrMalignant float64     `json:"err_malignant"`
	Score        float64     `json:"score"`
}

// EvaluationResult is everything one objective call produced. It is returned
// explicitly; the objective keeps no state between calls.
type EvaluationResult struct {
	Score            float64      `json:"score"`
	Selected         []int        `json:"selected"`
	Folds            []FoldResult `json:"folds,omitempty"`
	MeanErrBenign    float64      `json:"mean_err_benign"`
	MeanErrMalignant float64      `json:"mean_err_malignant"`
	SentinelReason   string       `json:"sentinel_reason,omitempty"`
}

func (r EvaluationResult) Feasible() bool {
	return r.Score < SentinelPenalty
}

func (r EvaluationResult) FoldTaus() []float64 {
	taus := make([]float64, len(r.Folds))
	for i, f := range r.Folds {
		taus[i] = f.Tau
	}
	return taus
}

// FoldScoreSpread is the population standard deviation of fold scores.
func (r EvaluationResult) FoldScoreSpread() float64 {
	scores := make([]float64, len(r.Folds))
	for i, f := range r.Folds {
		scores[i] = f.Score
	}
	sd, err := stats.StandardDeviationPopulation(scores)
	if err != nil {
		return 0
	}
	return sd
}

// Objective is the cross-validated fitness of a feature mask. Fold assignment
// and the inner holdout split of every fold are fixed at construction, so
// Evaluate is a pure function of the mask.
type Objective struct {
	cfg     ObjectiveConfig
	X       [][]float64
	y       []models.ClassID
	folds   []Fold
	inner   [][]int
	model   *models.DistanceModel
	log     zerolog.Logger
	metrics *metrics.Collector
}

type ObjectiveOption func(*Objective)

func WithLogger(l zerolog.Logger) ObjectiveOption {
	return func(o *Objective) { o.log = l }
}

func WithMetrics(m *metrics.Collector) ObjectiveOption {
	return func(o *Objective) { o.metrics = m }
}

// NewObjective prepares the resampling plan for standardized rows X.
// Fold assignment uses the "cv-folds" stream of src and the inner split of
// fold k the ("cv-inner", k) stream.
func NewObjective(X [][]float64, y []models.ClassID, cfg ObjectiveConfig, src rng.Source, opts ...ObjectiveOption) (*Objective, error) {
	if len(X) != len(y) {
		return nil, fmt.Errorf("x and y must have the same length: %d vs %d", len(X), len(y))
	}
	if len(cfg.Taus) == 0 {
		return nil, fmt.Errorf("objective needs a non-empty tau grid")
	}
	if cfg.WeightBenign+cfg.WeightMalignant <= 0 {
		return nil, fmt.Errorf("class error weights must sum to a positive value")
	}
	if cfg.InnerTestSize <= 0 || cfg.InnerTestSize >= 1 {
		cfg.InnerTestSize = 0.25
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	folds, err := NewStratifiedKFold(cfg.Folds, src.Stream("cv-folds", 0)).Split(y)
	if err != nil {
		return nil, err
	}

	inner := make([][]int, len(folds))
	for k, f := range folds {
		splitter := NewTrainTestSplitter(cfg.InnerTestSize, src.Stream("cv-inner", k))
		_, val, err := splitter.StratifiedSplit(y, f.Train)
		if err != nil {
			return nil, fmt.Errorf("fold %d inner split: %w", k, err)
		}
		inner[k] = val
	}

	o := &Objective{
		cfg:   cfg,
		X:     X,
		y:     y,
		folds: folds,
		inner: inner,
		model: models.NewDistanceModel(cfg.Covariance),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Objective) Dim() int {
	if len(o.X) == 0 {
		return 0
	}
	return len(o.X[0])
}

func (o *Objective) Folds() []Fold {
	return o.folds
}

// Score is the scalar accessor used as the optimizer fitness.
func (o *Objective) Score(mask []float64) float64 {
	return o.Evaluate(mask).Score
}

// Evaluate scores a mask. Lower is better; failures are sentinel scores, never
// errors.
func (o *Objective) Evaluate(mask []float64) EvaluationResult {
	start := time.Now()
	res := o.evaluate(mask)
	o.metrics.ObserveObjective(time.Since(start), res.SentinelReason)
	o.log.Debug().
		Int("k", len(res.Selected)).
		Float64("score", res.Score).
		Str("sentinel", res.SentinelReason).
		Msg("objective evaluated")
	return res
}

func (o *Objective) evaluate(mask []float64) EvaluationResult {
	selected := DecodeMask(mask)
	res := EvaluationResult{Selected: selected}

	penalty, reason := SizePenalty(len(selected), o.cfg.MinFeatures, o.cfg.MaxFeatures)
	if reason != "" {
		res.Score = penalty
		res.SentinelReason = reason
		return res
	}

	for _, f := range o.folds {
		nb, nm := ClassCounts(o.y, f.Train)
		if nb < 2 || nm < 2 {
			res.Score = SentinelPenalty
			res.SentinelReason = ReasonDegenerateFold
			return res
		}
	}

	results := make([]FoldResult, len(o.folds))
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(o.cfg.Workers)
	for k := range o.folds {
		g.Go(func() error {
			results[k] = o.evaluateFold(k, selected)
			return nil
		})
	}
	_ = g.Wait()

	var sum, sumB, sumM float64
	for _, fr := range results {
		sum += fr.Score
		sumB += fr.ErrBenign
		sumM += fr.ErrMalignant
	}
	n := float64(len(results))
	res.Folds = results
	res.Score = sum / n
	res.MeanErrBenign = sumB / n
	res.MeanErrMalignant = sumM / n
	return res
}

func (o *Objective) evaluateFold(k int, selected []int) FoldResult {
	f := o.folds[k]
	var bRows, mRows []int
	for _, r := range f.Train {
		if o.y[r] == models.Malignant {
			mRows = append(mRows, r)
		} else {
			bRows = append(bRows, r)
		}
	}
	cs := o.model.Fit(models.Rows(o.X, bRows, selected), models.Rows(o.X, mRows, selected))

	innerSet := NewScoredSet(cs, o.X, o.y, o.inner[k], selected)
	choice, err := policy.ConstrainedMaximin(innerSet.Sweep(o.cfg.Taus), o.cfg.TargetFloor)
	if err != nil {
		// the grid is validated at construction, so this cannot happen
		choice = policy.Choice{Tau: o.cfg.Taus[0], Mode: policy.ModeMaximin}
	}

	valSet := NewScoredSet(cs, o.X, o.y, f.Validation, selected)
	errB, errM := valSet.ClassErrors(choice.Tau)

	wB, wM := o.cfg.WeightBenign, o.cfg.WeightMalignant
	score := (wB*errB + wM*errM) / (wB + wM)
	if spec := 1 - errB; spec < o.cfg.TargetFloor {
		score += floorPenaltyWeight * (o.cfg.TargetFloor - spec)
	}
	if sens := 1 - errM; sens < o.cfg.TargetFloor {
		score += floorPenaltyWeight * (o.cfg.TargetFloor - sens)
	}

	return FoldResult{
		Fold:         k,
		Tau:          choice.Tau,
		Mode:         choice.Mode,
		ErrBenign:    errB,
		ErrMalignant: errM,
		Score:        score,
	}
}

// DecodeMask returns the indices whose mask value exceeds 0.5.
func DecodeMask(mask []float64) []int {
	var selected []int
	for i, v := range mask {
		if v > 0.5 {
			selected = append(selected, i)
		}
	}
	return selected
}

// SizePenalty returns the sentinel score for subsets outside [lo, hi] and the
// reason; inside the bounds it returns (0, "").
func SizePenalty(k, lo, hi int) (float64, string) {
	switch {
	case k == 0:
		return SentinelPenalty, ReasonEmpty
	case k < lo:
		return SentinelPenalty + float64(lo-k)*sizePenaltyStep, ReasonSize
	case k > hi:
		return SentinelPenalty + float64(k-hi)*sizePenaltyStep, ReasonSize
	}
	return 0, ""
}
