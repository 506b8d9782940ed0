package data

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"mahaclassifier/internal/models"
)

var (
	ErrImbalanced        = errors.New("severely imbalanced labels")
	ErrMajorityMalignant = errors.New("malignant is the majority class")
)

const (
	DefaultMinMalignantRatio = 0.02
	DefaultMaxMalignantRatio = 0.98
)

type DataValidator struct {
	// AllowFlip relabels a training set whose malignant share exceeds one
	// half instead of rejecting it.
	AllowFlip bool
	MinRatio  float64
	MaxRatio  float64
}

func NewDataValidator(allowFlip bool) *DataValidator {
	return &DataValidator{
		AllowFlip: allowFlip,
		MinRatio:  DefaultMinMalignantRatio,
		MaxRatio:  DefaultMaxMalignantRatio,
	}
}

// LabelReport describes the label guard applied to a training set.
type LabelReport struct {
	Flipped        bool
	MalignantRatio float64
	Counts         map[models.ClassID]int
}

func (dv *DataValidator) ValidateDataset(ds *Dataset) error {
	if ds == nil || len(ds.X) == 0 {
		return fmt.Errorf("dataset is empty")
	}
	if len(ds.X) != len(ds.Y) {
		return fmt.Errorf("feature matrix and labels have different lengths: %d vs %d", len(ds.X), len(ds.Y))
	}

	nFeatures := len(ds.FeatureNames)
	if nFeatures == 0 {
		return fmt.Errorf("features cannot be empty")
	}
	for i, sample := range ds.X {
		if len(sample) != nFeatures {
			return fmt.Errorf("inconsistent feature count at sample %d: expected %d, got %d", i, nFeatures, len(sample))
		}
		for j, v := range sample {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("sample %d, feature %q: %w", i, ds.FeatureNames[j], ErrNonFinite)
			}
		}
	}
	for i, c := range ds.Y {
		if !c.Valid() {
			return fmt.Errorf("sample %d: %w: label %d", i, ErrNotBinary, int(c))
		}
	}
	return nil
}

// GuardTrainingLabels makes benign the majority class and rejects training
// sets whose malignant share is outside [MinRatio, MaxRatio]. Labels are
// flipped in place when allowed.
func (dv *DataValidator) GuardTrainingLabels(y []models.ClassID) (LabelReport, error) {
	if len(y) == 0 {
		return LabelReport{}, fmt.Errorf("labels are empty")
	}
	report := LabelReport{MalignantRatio: malignantRatio(y)}
	if report.MalignantRatio > 0.5 {
		if !dv.AllowFlip {
			return report, fmt.Errorf("%w: malignant share %.3f", ErrMajorityMalignant, report.MalignantRatio)
		}
		for i, c := range y {
			y[i] = 1 - c
		}
		report.Flipped = true
		report.MalignantRatio = malignantRatio(y)
	}
	report.Counts = countClasses(y)
	if report.MalignantRatio < dv.MinRatio || report.MalignantRatio > dv.MaxRatio {
		return report, fmt.Errorf("%w: malignant share %.3f outside [%.2f, %.2f]",
			ErrImbalanced, report.MalignantRatio, dv.MinRatio, dv.MaxRatio)
	}
	return report, nil
}

func (dv *DataValidator) ValidateTrainTestSplit(train, test *Dataset) error {
	if err := dv.ValidateDataset(train); err != nil {
		return fmt.Errorf("training set validation failed: %w", err)
	}
	if err := dv.ValidateDataset(test); err != nil {
		return fmt.Errorf("test set validation failed: %w", err)
	}
	return EnsureSameFeatures(train.FeatureNames, test.FeatureNames)
}

// EnsureSameFeatures requires identical feature names in identical order.
func EnsureSameFeatures(want, got []string) error {
	if len(want) != len(got) {
		return fmt.Errorf("train and test sets have different feature counts: %d vs %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("feature %d is %q in train but %q in test", i, want[i], got[i])
		}
	}
	return nil
}

type FeatureSummary struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

type DatasetStats struct {
	Samples  int                    `json:"samples"`
	Features int                    `json:"features"`
	Classes  map[models.ClassID]int `json:"class_distribution"`
	Summary  []FeatureSummary       `json:"feature_stats"`
}

func (dv *DataValidator) GetDatasetStats(ds *Dataset) DatasetStats {
	if ds == nil || len(ds.X) == 0 {
		return DatasetStats{}
	}
	st := DatasetStats{
		Samples:  len(ds.X),
		Features: len(ds.FeatureNames),
		Classes:  countClasses(ds.Y),
		Summary:  make([]FeatureSummary, len(ds.FeatureNames)),
	}
	col := make([]float64, len(ds.X))
	for j, name := range ds.FeatureNames {
		for i := range ds.X {
			col[i] = ds.X[i][j]
		}
		fs := FeatureSummary{Name: name}
		fs.Min, _ = stats.Min(col)
		fs.Max, _ = stats.Max(col)
		fs.Mean, _ = stats.Mean(col)
		fs.Std, _ = stats.StandardDeviationPopulation(col)
		st.Summary[j] = fs
	}
	return st
}

func malignantRatio(y []models.ClassID) float64 {
	n := 0
	for _, c := range y {
		if c == models.Malignant {
			n++
		}
	}
	return float64(n) / float64(len(y))
}

func countClasses(y []models.ClassID) map[models.ClassID]int {
	counts := make(map[models.ClassID]int)
	for _, c := range y {
		counts[c]++
	}
	return counts
}
