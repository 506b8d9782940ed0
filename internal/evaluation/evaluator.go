package evaluation

import (
	"fmt"
	"sort"

	"mahaclassifier/internal/models"
	"mahaclassifier/internal/policy"
	"mahaclassifier/internal/preprocessing"
)

type EvaluatorConfig struct {
	SweepRadius float64
	SweepPoints int
	SweepMin    float64
	SweepMax    float64
	TestTaus    []float64
	SpecFloor   float64
}

func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		SweepRadius: 0.15,
		SweepPoints: 9,
		SweepMin:    0.30,
		SweepMax:    2.00,
		TestTaus:    policy.Linspace(0.90, 1.15, 181),
		SpecFloor:   0.40,
	}
}

// SweepPoint is one row of the diagnostic sweep.
type SweepPoint struct {
	Tau              float64   `json:"tau"`
	Accuracy         float64   `json:"accuracy"`
	BalancedAccuracy float64   `json:"balanced_accuracy"`
	Specificity      float64   `json:"specificity"`
	Sensitivity      float64   `json:"sensitivity"`
	Confusion        Confusion `json:"confusion"`
}

type OperatingPoint struct {
	Tau     float64       `json:"tau"`
	Mode    policy.Mode   `json:"mode,omitempty"`
	Metrics BinaryMetrics `json:"metrics"`
}

type Report struct {
	Diagnostic  []SweepPoint   `json:"diagnostic"`
	Official    OperatingPoint `json:"official"`
	Constrained OperatingPoint `json:"constrained"`
	NumSamples  int            `json:"num_samples"`
}

// Evaluator applies a calibrated model to labeled test rows.
type Evaluator struct {
	std      *preprocessing.Standardizer
	stats    models.ClassStatistics
	selected []int
	tau      float64
	cfg      EvaluatorConfig
}

func NewEvaluator(std *preprocessing.Standardizer, cs models.ClassStatistics, selected []int, tau float64, cfg EvaluatorConfig) (*Evaluator, error) {
	if std == nil {
		return nil, fmt.Errorf("evaluator needs the training standardizer")
	}
	if len(selected) != cs.Dim() {
		return nil, fmt.Errorf("%d selected features but class statistics have dimension %d", len(selected), cs.Dim())
	}
	for _, c := range selected {
		if c < 0 || c >= std.Dim() {
			return nil, fmt.Errorf("selected index %d out of range [0,%d)", c, std.Dim())
		}
	}
	if len(cfg.TestTaus) == 0 {
		return nil, fmt.Errorf("evaluator needs a non-empty test tau grid")
	}
	return &Evaluator{std: std, stats: cs, selected: selected, tau: tau, cfg: cfg}, nil
}

// Evaluate standardizes rawX with the training parameters and reports the
// diagnostic sweep, the official point at the stored tau and the
// floor-constrained alternate.
func (e *Evaluator) Evaluate(rawX [][]float64, y []models.ClassID) (Report, error) {
	if len(rawX) != len(y) {
		return Report{}, fmt.Errorf("x and y must have the same length: %d vs %d", len(rawX), len(y))
	}
	if len(rawX) == 0 {
		return Report{}, fmt.Errorf("cannot evaluate an empty test set")
	}
	X, err := e.std.Transform(rawX)
	if err != nil {
		return Report{}, err
	}
	set := NewScoredSet(e.stats, X, y, nil, e.selected)

	report := Report{NumSamples: set.Len()}
	report.Diagnostic = e.diagnostic(set)
	report.Official = OperatingPoint{Tau: e.tau, Metrics: set.Metrics(e.tau)}

	choice, err := policy.FloorConstrained(set.Sweep(e.cfg.TestTaus), e.cfg.SpecFloor)
	if err != nil {
		return Report{}, err
	}
	report.Constrained = OperatingPoint{Tau: choice.Tau, Mode: choice.Mode, Metrics: set.Metrics(choice.Tau)}
	return report, nil
}

func (e *Evaluator) diagnostic(set ScoredSet) []SweepPoint {
	taus := policy.Clip(policy.Linspace(e.tau-e.cfg.SweepRadius, e.tau+e.cfg.SweepRadius, e.cfg.SweepPoints),
		e.cfg.SweepMin, e.cfg.SweepMax)
	points := make([]SweepPoint, 0, len(taus))
	for _, t := range taus {
		c := set.Confusion(t)
		points = append(points, SweepPoint{
			Tau:              t,
			Accuracy:         c.Accuracy(),
			BalancedAccuracy: c.BalancedAccuracy(),
			Specificity:      c.Specificity(),
			Sensitivity:      c.Sensitivity(),
			Confusion:        c,
		})
	}
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].BalancedAccuracy != points[j].BalancedAccuracy {
			return points[i].BalancedAccuracy > points[j].BalancedAccuracy
		}
		return points[i].Accuracy > points[j].Accuracy
	})
	return points
}
