package search

import "context"

// ObjectiveFunc scores a real-valued mask; values above 0.5 select a feature.
// Lower is better.
type ObjectiveFunc func(mask []float64) float64

type Bounds struct {
	Low  float64 `yaml:"low" json:"low"`
	High float64 `yaml:"high" json:"high"`
}

// RunConfig is the budget handed to an optimizer for one search.
type RunConfig struct {
	PopSize    int
	Iterations int
}

// SearchResult is all a search layer may rely on. Trace holds the best score
// after each iteration and is only used for reporting.
type SearchResult struct {
	Mask  []float64 `json:"mask"`
	Score float64   `json:"score"`
	Trace []float64 `json:"trace,omitempty"`
}

// Optimizer is a black-box global minimizer over a bounded box.
type Optimizer interface {
	Name() string
	Optimize(ctx context.Context, objective ObjectiveFunc, dim int, bounds Bounds, cfg RunConfig) (SearchResult, error)
}
