// Package policy selects an operating threshold from a sweep of
// (tau, specificity, sensitivity) points.
//
// Every selector breaks ties by grid order so results are deterministic. The
// tiered selector never fails on infeasible input: it always falls through to
// a lower tier and reports which one produced the choice.
package policy

import (
	"errors"
	"fmt"
	"math"
)

type Mode string

const (
	ModeFeasible           Mode = "feasible"
	ModeGuarded            Mode = "J_lambda_guard"
	ModeBalancedOnly       Mode = "bal_only"
	ModeMaximin            Mode = "maximin"
	ModeConstrainedMaximin Mode = "constrained_maximin"
	ModeFloorFeasible      Mode = "feasible"
	ModeClosestToFloor     Mode = "closest_to_floor"
)

var ErrInvalidSweep = errors.New("invalid threshold sweep")

// Sweep holds parallel arrays, one entry per swept threshold.
type Sweep struct {
	Taus  []float64
	Specs []float64
	Senss []float64
}

func (s Sweep) Len() int {
	return len(s.Taus)
}

func (s Sweep) Validate() error {
	if len(s.Taus) == 0 {
		return fmt.Errorf("%w: no thresholds", ErrInvalidSweep)
	}
	if len(s.Specs) != len(s.Taus) || len(s.Senss) != len(s.Taus) {
		return fmt.Errorf("%w: %d taus, %d specificities, %d sensitivities",
			ErrInvalidSweep, len(s.Taus), len(s.Specs), len(s.Senss))
	}
	return nil
}

type Choice struct {
	Tau   float64 `json:"tau"`
	Spec  float64 `json:"spec"`
	Sens  float64 `json:"sens"`
	Index int     `json:"index"`
	Mode  Mode    `json:"mode"`
}

// Params configures the tiered selector.
type Params struct {
	MinSensitivity    float64 `yaml:"min_sensitivity" json:"min_sensitivity"`
	MinSpecificity    float64 `yaml:"min_specificity" json:"min_specificity"`
	FallbackSpecFloor float64 `yaml:"fallback_spec_floor" json:"fallback_spec_floor"`
	SensWeight        float64 `yaml:"sens_weight" json:"sens_weight"`
	LambdaSpec        float64 `yaml:"lambda_spec" json:"lambda_spec"`
	TargetSpec        float64 `yaml:"target_spec" json:"target_spec"`
	TargetAlpha       float64 `yaml:"target_alpha" json:"target_alpha"`
}

func DefaultParams() Params {
	return Params{
		MinSensitivity:    0.60,
		MinSpecificity:    0.60,
		FallbackSpecFloor: 0.35,
		SensWeight:        0.50,
		LambdaSpec:        1.00,
		TargetSpec:        0.40,
		TargetAlpha:       0.25,
	}
}

// WeightedScore is the sensitivity-weighted blend used to rank feasible points.
func (p Params) WeightedScore(spec, sens float64) float64 {
	return p.SensWeight*sens + (1-p.SensWeight)*spec
}

// Tiered picks feasible, then guarded fallback, then balanced-only.
func Tiered(s Sweep, p Params) (Choice, error) {
	if err := s.Validate(); err != nil {
		return Choice{}, err
	}

	feasible := func(i int) bool {
		return s.Senss[i] >= p.MinSensitivity && s.Specs[i] >= p.MinSpecificity
	}
	if i := argmax(s, feasible, func(i int) float64 {
		return p.WeightedScore(s.Specs[i], s.Senss[i])
	}); i >= 0 {
		return s.choice(i, ModeFeasible), nil
	}

	guard := func(i int) bool { return s.Specs[i] >= p.FallbackSpecFloor }
	if i := argmax(s, guard, func(i int) float64 {
		proximity := 1 - math.Abs(s.Specs[i]-p.TargetSpec)
		return s.Senss[i] + p.LambdaSpec*s.Specs[i] + p.TargetAlpha*proximity
	}); i >= 0 {
		return s.choice(i, ModeGuarded), nil
	}

	i := argmax(s, nil, func(i int) float64 { return 0.5 * (s.Senss[i] + s.Specs[i]) })
	if i < 0 {
		i = 0
	}
	return s.choice(i, ModeBalancedOnly), nil
}

// Maximin maximizes min(spec, sens).
func Maximin(s Sweep) (Choice, error) {
	if err := s.Validate(); err != nil {
		return Choice{}, err
	}
	i := argmax(s, nil, s.worst)
	if i < 0 {
		i = 0
	}
	return s.choice(i, ModeMaximin), nil
}

// ConstrainedMaximin applies maximin among points where both rates reach
// floor, and plain maximin when no point does.
func ConstrainedMaximin(s Sweep, floor float64) (Choice, error) {
	if err := s.Validate(); err != nil {
		return Choice{}, err
	}
	both := func(i int) bool { return s.Specs[i] >= floor && s.Senss[i] >= floor }
	if i := argmax(s, both, s.worst); i >= 0 {
		return s.choice(i, ModeConstrainedMaximin), nil
	}
	return Maximin(s)
}

// FloorConstrained restricts to spec >= floor and takes the maximum by
// (sensitivity, specificity, balanced accuracy). Among exact ties the later
// grid point wins. When nothing reaches the floor, the point whose
// specificity is closest to it is returned (earliest on ties).
func FloorConstrained(s Sweep, floor float64) (Choice, error) {
	if err := s.Validate(); err != nil {
		return Choice{}, err
	}

	best := -1
	for i := range s.Taus {
		if s.Specs[i] < floor {
			continue
		}
		if best < 0 || !lexLess(s.key(i), s.key(best)) {
			best = i
		}
	}
	if best >= 0 {
		return s.choice(best, ModeFloorFeasible), nil
	}

	closest := 0
	for i := range s.Taus {
		if math.Abs(s.Specs[i]-floor) < math.Abs(s.Specs[closest]-floor) {
			closest = i
		}
	}
	return s.choice(closest, ModeClosestToFloor), nil
}

func (s Sweep) worst(i int) float64 {
	return math.Min(s.Specs[i], s.Senss[i])
}

func (s Sweep) key(i int) [3]float64 {
	return [3]float64{s.Senss[i], s.Specs[i], 0.5 * (s.Senss[i] + s.Specs[i])}
}

func (s Sweep) choice(i int, mode Mode) Choice {
	return Choice{Tau: s.Taus[i], Spec: s.Specs[i], Sens: s.Senss[i], Index: i, Mode: mode}
}

// argmax returns the first index maximizing score among indices accepted by
// keep (all when keep is nil), skipping NaN scores; -1 when none qualify.
func argmax(s Sweep, keep func(int) bool, score func(int) float64) int {
	best := -1
	bestScore := math.Inf(-1)
	for i := range s.Taus {
		if keep != nil && !keep(i) {
			continue
		}
		v := score(i)
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || v > bestScore {
			best, bestScore = i, v
		}
	}
	return best
}

func lexLess(a, b [3]float64) bool {
	for k := range a {
		if a[k] != b[k] {
			return a[k] < b[k]
		}
	}
	return false
}
