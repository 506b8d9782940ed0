package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mahaclassifier/internal/evaluation"
	"mahaclassifier/internal/metrics"
)

var (
	ErrEmptySelection = errors.New("no features selected after refinement")
	// ErrNoFeasibleSubset means every mask the search reached scored at or
	// above evaluation.SentinelPenalty.
	ErrNoFeasibleSubset = errors.New("no feasible feature subset found")
)

const (
	DefaultSingleTolerance = 1e-6
	DefaultPairTolerance   = 1e-4
)

// Evaluator is the fitness the search drives. evaluation.Objective satisfies it.
type Evaluator interface {
	Dim() int
	Evaluate(mask []float64) evaluation.EvaluationResult
}

type Config struct {
	Run             RunConfig
	Bounds          Bounds
	FineTopK        int
	PairLimit       int
	SingleTolerance float64
	PairTolerance   float64
}

func DefaultConfig() Config {
	return Config{
		Run:             RunConfig{PopSize: 80, Iterations: 800},
		Bounds:          Bounds{Low: -1, High: 1},
		FineTopK:        30,
		PairLimit:       150,
		SingleTolerance: DefaultSingleTolerance,
		PairTolerance:   DefaultPairTolerance,
	}
}

// Flip records one accepted refinement move.
type Flip struct {
	Features []int   `json:"features"`
	Score    float64 `json:"score"`
}

type Result struct {
	Selected    []int                       `json:"selected"`
	Score       float64                     `json:"score"`
	Global      SearchResult                `json:"global"`
	Candidates  []int                       `json:"candidates"`
	SingleFlips []Flip                      `json:"single_flips,omitempty"`
	PairFlips   []Flip                      `json:"pair_flips,omitempty"`
	Evaluation  evaluation.EvaluationResult `json:"evaluation"`
}

// FeatureSearch runs the global optimizer and then a bounded greedy
// refinement over the top Fisher-ranked features.
type FeatureSearch struct {
	eval      Evaluator
	optimizer Optimizer
	fisher    []float64
	cfg       Config
	log       zerolog.Logger
	metrics   *metrics.Collector
}

type Option func(*FeatureSearch)

func WithLogger(l zerolog.Logger) Option {
	return func(fs *FeatureSearch) { fs.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(fs *FeatureSearch) { fs.metrics = m }
}

// NewFeatureSearch takes Fisher scores computed once on the full
// standardized training set.
func NewFeatureSearch(eval Evaluator, optimizer Optimizer, fisher []float64, cfg Config, opts ...Option) (*FeatureSearch, error) {
	if eval == nil || optimizer == nil {
		return nil, fmt.Errorf("feature search needs an evaluator and an optimizer")
	}
	if len(fisher) != eval.Dim() {
		return nil, fmt.Errorf("%d fisher scores for %d features", len(fisher), eval.Dim())
	}
	if cfg.SingleTolerance <= 0 {
		cfg.SingleTolerance = DefaultSingleTolerance
	}
	if cfg.PairTolerance <= 0 {
		cfg.PairTolerance = DefaultPairTolerance
	}
	fs := &FeatureSearch{
		eval:      eval,
		optimizer: optimizer,
		fisher:    fisher,
		cfg:       cfg,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs, nil
}

// Candidates returns the refinement candidate set, best Fisher score first.
func (fs *FeatureSearch) Candidates() []int {
	ranked := Rank(fs.fisher)
	k := min(fs.cfg.FineTopK, len(ranked))
	if k < 0 {
		k = 0
	}
	return ranked[:k]
}

func (fs *FeatureSearch) Run(ctx context.Context) (Result, error) {
	dim := fs.eval.Dim()
	if dim == 0 {
		return Result{}, fmt.Errorf("feature search over zero features")
	}
	candidates := fs.Candidates()
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("no refinement candidates (fine_top_k=%d)", fs.cfg.FineTopK)
	}

	start := time.Now()
	objective := func(mask []float64) float64 { return fs.eval.Evaluate(mask).Score }
	global, err := fs.optimizer.Optimize(ctx, objective, dim, fs.cfg.Bounds, fs.cfg.Run)
	if err != nil {
		return Result{}, fmt.Errorf("%s search: %w", fs.optimizer.Name(), err)
	}
	if len(global.Mask) != dim {
		return Result{}, fmt.Errorf("%s returned a mask of length %d, want %d", fs.optimizer.Name(), len(global.Mask), dim)
	}
	fs.metrics.ObserveStage("global_search", time.Since(start))
	fs.log.Info().
		Str("optimizer", fs.optimizer.Name()).
		Float64("score", global.Score).
		Int("k", len(evaluation.DecodeMask(global.Mask))).
		Dur("took", time.Since(start)).
		Msg("global search finished")

	res := Result{Global: global, Candidates: candidates}
	mask := binarize(global.Mask)
	best := fs.eval.Evaluate(mask)
	fs.metrics.SetBestScore(best.Score)

	start = time.Now()
	for _, idx := range candidates {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		cand := flipped(mask, idx)
		r := fs.eval.Evaluate(cand)
		if r.Score < best.Score-fs.cfg.SingleTolerance {
			mask, best = cand, r
			res.SingleFlips = append(res.SingleFlips, Flip{Features: []int{idx}, Score: r.Score})
			fs.metrics.AcceptedFlip("single")
			fs.metrics.SetBestScore(r.Score)
			fs.log.Info().Int("feature", idx).Float64("score", r.Score).Msg("single flip accepted")
		}
	}
	fs.metrics.ObserveStage("single_flip", time.Since(start))

	start = time.Now()
	for _, p := range RankedPairs(candidates, fs.fisher, fs.cfg.PairLimit) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		cand := flipped(mask, p.I, p.J)
		r := fs.eval.Evaluate(cand)
		if r.Score < best.Score-fs.cfg.PairTolerance {
			mask, best = cand, r
			res.PairFlips = append(res.PairFlips, Flip{Features: []int{p.I, p.J}, Score: r.Score})
			fs.metrics.AcceptedFlip("pair")
			fs.metrics.SetBestScore(r.Score)
			fs.log.Info().Ints("features", []int{p.I, p.J}).Float64("score", r.Score).Msg("pair flip accepted")
		}
	}
	fs.metrics.ObserveStage("pair_flip", time.Since(start))

	res.Selected = evaluation.DecodeMask(mask)
	if len(res.Selected) == 0 {
		return Result{}, ErrEmptySelection
	}
	if !best.Feasible() {
		fs.log.Warn().
			Float64("score", best.Score).
			Str("reason", best.SentinelReason).
			Int("k", len(res.Selected)).
			Msg("search ended on an infeasible subset")
		return Result{}, fmt.Errorf("%w: score %.6g (%s) with %d features", ErrNoFeasibleSubset, best.Score, best.SentinelReason, len(res.Selected))
	}
	res.Score = best.Score
	res.Evaluation = best
	fs.metrics.SetSelectedFeatures(len(res.Selected))
	return res, nil
}

func binarize(mask []float64) []float64 {
	out := make([]float64, len(mask))
	for i, v := range mask {
		if v > 0.5 {
			out[i] = 1
		}
	}
	return out
}

func flipped(mask []float64, idx ...int) []float64 {
	out := append([]float64(nil), mask...)
	for _, i := range idx {
		out[i] = 1 - out[i]
	}
	return out
}
