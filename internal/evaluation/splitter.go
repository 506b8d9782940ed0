package evaluation

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"mahaclassifier/internal/models"
)

// Fold is one resampling partition, as row indices into the training set.
type Fold struct {
	Train      []int
	Validation []int
}

type TrainTestSplitter struct {
	testSize float64
	rng      *rand.Rand
}

func NewTrainTestSplitter(testSize float64, rng *rand.Rand) *TrainTestSplitter {
	return &TrainTestSplitter{testSize: testSize, rng: rng}
}

// StratifiedSplit partitions rows (all of y when rows is nil) so each class
// contributes the same share to the test side. Every non-empty class puts at
// least one row in the test side.
func (tts *TrainTestSplitter) StratifiedSplit(y []models.ClassID, rows []int) ([]int, []int, error) {
	if tts.testSize <= 0 || tts.testSize >= 1 {
		return nil, nil, fmt.Errorf("test size must be between 0 and 1")
	}
	if rows == nil {
		rows = allRows(len(y))
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("cannot split empty dataset")
	}

	var trainIndices, testIndices []int
	for _, indices := range byClass(y, rows) {
		tts.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		testCount := int(float64(len(indices)) * tts.testSize)
		if testCount == 0 && len(indices) > 0 {
			testCount = 1
		}
		trainCount := len(indices) - testCount

		trainIndices = append(trainIndices, indices[:trainCount]...)
		testIndices = append(testIndices, indices[trainCount:]...)
	}

	sort.Ints(trainIndices)
	sort.Ints(testIndices)
	return trainIndices, testIndices, nil
}

type StratifiedKFold struct {
	nFolds int
	rng    *rand.Rand
}

func NewStratifiedKFold(nFolds int, rng *rand.Rand) *StratifiedKFold {
	return &StratifiedKFold{nFolds: nFolds, rng: rng}
}

// Split shuffles each class and deals its rows round-robin over the folds,
// continuing the deal where the previous class stopped so fold sizes differ
// by at most one.
func (skf *StratifiedKFold) Split(y []models.ClassID) ([]Fold, error) {
	n := len(y)
	if skf.nFolds < 2 || skf.nFolds > n {
		return nil, fmt.Errorf("invalid number of folds: %d (must be between 2 and %d)", skf.nFolds, n)
	}

	assignment := make([]int, n)
	next := 0
	for _, indices := range byClass(y, allRows(n)) {
		skf.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		for _, idx := range indices {
			assignment[idx] = next % skf.nFolds
			next++
		}
	}

	folds := make([]Fold, skf.nFolds)
	for idx, f := range assignment {
		for k := range folds {
			if k == f {
				folds[k].Validation = append(folds[k].Validation, idx)
			} else {
				folds[k].Train = append(folds[k].Train, idx)
			}
		}
	}
	return folds, nil
}

// byClass groups rows by label in class order (benign first).
func byClass(y []models.ClassID, rows []int) [][]int {
	groups := make([][]int, len(models.Classes))
	for _, r := range rows {
		groups[y[r]] = append(groups[y[r]], r)
	}
	return groups
}

// ClassCounts returns the number of benign and malignant rows among rows.
func ClassCounts(y []models.ClassID, rows []int) (nb, nm int) {
	for _, r := range rows {
		if y[r] == models.Malignant {
			nm++
		} else {
			nb++
		}
	}
	return nb, nm
}

func allRows(n int) []int {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}
