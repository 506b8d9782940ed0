// Package optimizer provides the whale optimization algorithm used as the
// default global search engine.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mahaclassifier/internal/search"
)

const (
	AlgorithmWOA  = "woa"
	AlgorithmEWOA = "ewoa"

	StrategyLinear = "linear"
	StrategyCos    = "cos"
)

// spiralShape is the b constant of the logarithmic spiral.
const spiralShape = 1.0

type Options struct {
	Algorithm string  `yaml:"algo" json:"algo"`
	AStrategy string  `yaml:"a_strategy" json:"a_strategy"`
	OBLFreq   int     `yaml:"obl_freq" json:"obl_freq"`
	OBLRate   float64 `yaml:"obl_rate" json:"obl_rate"`
	Workers   int     `yaml:"workers" json:"workers"`
}

func DefaultOptions() Options {
	return Options{
		Algorithm: AlgorithmEWOA,
		AStrategy: StrategyCos,
		OBLFreq:   5,
		OBLRate:   0.15,
		Workers:   1,
	}
}

// WOA is a whale optimization minimizer. The plain variant uses a linear a
// schedule; the enhanced variant adds the configured schedule and periodic
// opposition-based replacement of the worst whales.
type WOA struct {
	opts Options
	rng  *rand.Rand
	log  zerolog.Logger
}

func NewWOA(opts Options, rng *rand.Rand, log zerolog.Logger) (*WOA, error) {
	switch opts.Algorithm {
	case AlgorithmWOA:
		opts.AStrategy = StrategyLinear
		opts.OBLFreq = 0
	case AlgorithmEWOA:
		if opts.AStrategy != StrategyLinear && opts.AStrategy != StrategyCos {
			return nil, fmt.Errorf("unknown a_strategy %q", opts.AStrategy)
		}
		if opts.OBLRate < 0 || opts.OBLRate > 1 {
			return nil, fmt.Errorf("obl_rate must be in [0,1], got %v", opts.OBLRate)
		}
	default:
		return nil, fmt.Errorf("unknown algorithm %q", opts.Algorithm)
	}
	if rng == nil {
		return nil, fmt.Errorf("woa needs a random source")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &WOA{opts: opts, rng: rng, log: log}, nil
}

func (w *WOA) Name() string {
	return w.opts.Algorithm
}

func (w *WOA) Options() Options {
	return w.opts
}

func (w *WOA) Optimize(ctx context.Context, objective search.ObjectiveFunc, dim int, bounds search.Bounds, cfg search.RunConfig) (search.SearchResult, error) {
	if dim <= 0 {
		return search.SearchResult{}, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	if bounds.High <= bounds.Low {
		return search.SearchResult{}, fmt.Errorf("invalid bounds [%v, %v]", bounds.Low, bounds.High)
	}
	if cfg.PopSize < 1 || cfg.Iterations < 1 {
		return search.SearchResult{}, fmt.Errorf("population and iterations must be positive, got %d and %d", cfg.PopSize, cfg.Iterations)
	}

	pop := make([][]float64, cfg.PopSize)
	for i := range pop {
		pop[i] = make([]float64, dim)
		for j := range pop[i] {
			pop[i][j] = bounds.Low + w.rng.Float64()*(bounds.High-bounds.Low)
		}
	}
	fit, err := w.evaluate(ctx, objective, pop)
	if err != nil {
		return search.SearchResult{}, err
	}

	bestIdx := argmin(fit)
	best := append([]float64(nil), pop[bestIdx]...)
	bestScore := fit[bestIdx]
	trace := make([]float64, 0, cfg.Iterations)

	for t := 0; t < cfg.Iterations; t++ {
		if err := ctx.Err(); err != nil {
			return search.SearchResult{}, err
		}
		a := w.schedule(t, cfg.Iterations)
		for i := range pop {
			w.move(pop, i, best, a, bounds)
		}
		if fit, err = w.evaluate(ctx, objective, pop); err != nil {
			return search.SearchResult{}, err
		}

		if w.opts.OBLFreq > 0 && (t+1)%w.opts.OBLFreq == 0 {
			if err := w.opposition(ctx, objective, pop, fit, bounds); err != nil {
				return search.SearchResult{}, err
			}
		}

		if i := argmin(fit); fit[i] < bestScore {
			bestScore = fit[i]
			copy(best, pop[i])
		}
		trace = append(trace, bestScore)

		if (t+1)%50 == 0 {
			w.log.Debug().Int("iter", t+1).Float64("best", bestScore).Msg("woa progress")
		}
	}

	return search.SearchResult{Mask: best, Score: bestScore, Trace: trace}, nil
}

// schedule returns a for iteration t, decreasing from 2 to 0.
func (w *WOA) schedule(t, iters int) float64 {
	frac := float64(t) / float64(iters)
	if w.opts.AStrategy == StrategyCos {
		return 2 * math.Cos(frac*math.Pi/2)
	}
	return 2 - 2*frac
}

func (w *WOA) move(pop [][]float64, i int, best []float64, a float64, bounds search.Bounds) {
	x := pop[i]
	r1, r2 := w.rng.Float64(), w.rng.Float64()
	A := 2*a*r1 - a
	C := 2 * r2
	p := w.rng.Float64()
	l := 2*w.rng.Float64() - 1

	switch {
	case p < 0.5 && math.Abs(A) < 1:
		for j := range x {
			d := math.Abs(C*best[j] - x[j])
			x[j] = best[j] - A*d
		}
	case p < 0.5:
		ref := append([]float64(nil), pop[w.rng.IntN(len(pop))]...)
		for j := range x {
			d := math.Abs(C*ref[j] - x[j])
			x[j] = ref[j] - A*d
		}
	default:
		spiral := math.Exp(spiralShape*l) * math.Cos(2*math.Pi*l)
		for j := range x {
			d := math.Abs(best[j] - x[j])
			x[j] = d*spiral + best[j]
		}
	}
	for j := range x {
		x[j] = math.Min(math.Max(x[j], bounds.Low), bounds.High)
	}
}

// opposition reflects the worst whales through the centre of the box and
// keeps each reflection that scores better.
func (w *WOA) opposition(ctx context.Context, objective search.ObjectiveFunc, pop [][]float64, fit []float64, bounds search.Bounds) error {
	n := int(math.Ceil(w.opts.OBLRate * float64(len(pop))))
	if n == 0 {
		return nil
	}
	order := make([]int, len(pop))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return fit[order[a]] > fit[order[b]] })
	worst := order[:n]

	opposite := make([][]float64, n)
	for k, i := range worst {
		opposite[k] = make([]float64, len(pop[i]))
		for j, v := range pop[i] {
			opposite[k][j] = bounds.Low + bounds.High - v
		}
	}
	oppFit, err := w.evaluate(ctx, objective, opposite)
	if err != nil {
		return err
	}
	for k, i := range worst {
		if oppFit[k] < fit[i] {
			pop[i], fit[i] = opposite[k], oppFit[k]
		}
	}
	return nil
}

// evaluate scores every position, in parallel when configured. Results are
// stored by index so the outcome does not depend on scheduling.
func (w *WOA) evaluate(ctx context.Context, objective search.ObjectiveFunc, pop [][]float64) ([]float64, error) {
	fit := make([]float64, len(pop))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Workers)
	for i := range pop {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fit[i] = objective(pop[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fit, nil
}

func argmin(v []float64) int {
	best := 0
	for i := range v {
		if v[i] < v[best] {
			best = i
		}
	}
	return best
}
