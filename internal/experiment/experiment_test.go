package experiment

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"mahaclassifier/internal/config"
	"mahaclassifier/internal/data"
	"mahaclassifier/internal/metrics"
	"mahaclassifier/internal/models"
	"mahaclassifier/internal/persistence"
	"mahaclassifier/internal/preprocessing"
	"mahaclassifier/internal/search"
)

// allOnes proposes every feature and never iterates.
type allOnes struct{}

func (allOnes) Name() string { return "all-ones" }

func (allOnes) Optimize(_ context.Context, objective search.ObjectiveFunc, dim int, _ search.Bounds, _ search.RunConfig) (search.SearchResult, error) {
	mask := make([]float64, dim)
	for i := range mask {
		mask[i] = 0.9
	}
	score := objective(mask)
	return search.SearchResult{Mask: mask, Score: score, Trace: []float64{score}}, nil
}

// syntheticDataset has two informative features and two noise features.
func syntheticDataset(seed uint64, benign, malignant int) *data.Dataset {
	r := rand.New(rand.NewPCG(seed, seed+1))
	ds := &data.Dataset{FeatureNames: []string{"area", "contrast", "noise_a", "noise_b"}}
	add := func(n int, center float64, c models.ClassID) {
		for i := 0; i < n; i++ {
			ds.X = append(ds.X, []float64{
				center + r.NormFloat64(),
				center + r.NormFloat64(),
				r.NormFloat64(),
				10 + 2*r.NormFloat64(),
			})
			ds.Y = append(ds.Y, c)
		}
	}
	add(benign, 0, models.Benign)
	add(malignant, 4, models.Malignant)
	return ds
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Search.Folds = 3
	cfg.Search.Iterations = 1
	cfg.Search.PopSize = 1
	cfg.Search.FineTopK = 4
	cfg.Search.PairLimit = 3
	cfg.Search.MinFeatures = 1
	cfg.Search.MaxFeatures = 4
	cfg.Workers = 2
	cfg.Data.TestManifest = ""
	cfg.Output.ModelPath = ""
	return cfg
}

func TestTrainProducesCalibratedArtifact(t *testing.T) {
	r, err := NewRunner(testConfig(), WithOptimizer(allOnes{}))
	require.NoError(t, err)

	ds := syntheticDataset(7, 90, 60)
	res, err := r.Train(context.Background(), ds)
	require.NoError(t, err)

	assert.Len(t, res.RunID, 36)
	assert.False(t, res.Labels.Flipped)
	assert.NotEmpty(t, res.Search.Selected)
	assert.True(t, res.Search.Evaluation.Feasible())
	assert.Len(t, res.Search.Evaluation.FoldTaus(), 3)

	assert.Equal(t, 150, res.Data.Samples)
	assert.Equal(t, 4, res.Data.Features)
	assert.Equal(t, map[models.ClassID]int{models.Benign: 90, models.Malignant: 60}, res.Data.Classes)
	require.Len(t, res.Data.Summary, 4)
	assert.Equal(t, "noise_b", res.Data.Summary[3].Name)
	assert.InDelta(t, 10, res.Data.Summary[3].Mean, 1)

	art := res.Artifact
	require.NotNil(t, art)
	assert.Equal(t, res.RunID, art.RunID)
	assert.Equal(t, "all-ones", art.Algo)
	assert.Equal(t, 3, art.Folds)
	assert.Equal(t, int64(42), art.Seed)
	assert.Equal(t, res.Calibration.Tau, art.Tau)
	assert.Greater(t, art.Tau, 0.0)
	require.NotNil(t, art.CVError)
	assert.Less(t, *art.CVError, 0.2)
	require.NotNil(t, art.Calibration)
	assert.Len(t, art.Calibration.FoldTaus, 3)
	assert.Len(t, art.Policy.Taus, 61)
	assert.Equal(t, len(art.SelectedIdx), len(art.SpInv))

	var stages []string
	for _, s := range res.Stages {
		stages = append(stages, s.Type)
	}
	assert.Equal(t, []string{"prepare", "search", "calibrate", "package"}, stages)

	// the caller's labels are untouched
	assert.Equal(t, models.Benign, ds.Y[0])
}

func TestTrainFlipsMajorityMalignant(t *testing.T) {
	r, err := NewRunner(testConfig(), WithOptimizer(allOnes{}))
	require.NoError(t, err)

	res, err := r.Train(context.Background(), syntheticDataset(3, 40, 80))
	require.NoError(t, err)
	assert.True(t, res.Labels.Flipped)
	assert.True(t, res.Artifact.LabelsFlipped)
	// summary reflects the labels as given
	assert.Equal(t, 80, res.Data.Classes[models.Malignant])

	cfg := testConfig()
	cfg.Data.AllowLabelFlip = false
	r, err = NewRunner(cfg, WithOptimizer(allOnes{}))
	require.NoError(t, err)
	_, err = r.Train(context.Background(), syntheticDataset(3, 40, 80))
	assert.ErrorIs(t, err, data.ErrMajorityMalignant)
}

func TestTrainRejectsInfeasibleSearch(t *testing.T) {
	cfg := testConfig()
	cfg.Search.MinFeatures = 10
	cfg.Search.MaxFeatures = 35
	r, err := NewRunner(cfg, WithOptimizer(allOnes{}))
	require.NoError(t, err)

	_, err = r.Train(context.Background(), syntheticDataset(9, 60, 40))
	assert.ErrorIs(t, err, search.ErrNoFeasibleSubset)
	assert.ErrorContains(t, err, "search:")
}

func TestTrainRejectsNonFiniteRows(t *testing.T) {
	r, err := NewRunner(testConfig(), WithOptimizer(allOnes{}))
	require.NoError(t, err)
	ds := syntheticDataset(1, 30, 30)
	ds.X[5][1] = math.NaN()
	_, err = r.Train(context.Background(), ds)
	assert.ErrorIs(t, err, data.ErrNonFinite)
}

func writeCSV(t *testing.T, path string, ds *data.Dataset) {
	t.Helper()
	var b strings.Builder
	b.WriteString(strings.Join(ds.FeatureNames, ",") + ",Class\n")
	for i, row := range ds.X {
		for _, v := range row {
			fmt.Fprintf(&b, "%g,", v)
		}
		fmt.Fprintf(&b, "%d\n", int(ds.Y[i]))
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func TestRunTrainsSavesAndEvaluates(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Data.TrainCSV = filepath.Join(dir, "train.csv")
	cfg.Data.TestCSV = filepath.Join(dir, "test.csv")
	cfg.Output.ModelPath = filepath.Join(dir, "models", "model.json")
	cfg.Output.MetricsFile = filepath.Join(dir, "search.prom")
	writeCSV(t, cfg.Data.TrainCSV, syntheticDataset(11, 90, 60))
	writeCSV(t, cfg.Data.TestCSV, syntheticDataset(12, 40, 40))

	r, err := NewRunner(cfg, WithOptimizer(allOnes{}), WithMetrics(metrics.New()))
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, res.Report)
	assert.Equal(t, 80, res.Report.NumSamples)
	assert.Greater(t, res.Report.Official.Metrics.BalancedAccuracy, 0.9)
	assert.NotEmpty(t, res.Report.Diagnostic)

	loaded, err := persistence.Load(cfg.Output.ModelPath)
	require.NoError(t, err)
	assert.Equal(t, res.Artifact.SelectedIdx, loaded.SelectedIdx)
	assert.InDelta(t, res.Artifact.Tau, loaded.Tau, 1e-12)

	assert.FileExists(t, MetadataPath(cfg.Output.ModelPath))
	assert.FileExists(t, cfg.Output.MetricsFile)

	var stages []string
	for _, s := range res.Stages {
		stages = append(stages, s.Type)
	}
	assert.Equal(t, []string{"load", "prepare", "search", "calibrate", "package", "save", "evaluate"}, stages)
}

func TestEvaluateRejectsMismatchedFeatures(t *testing.T) {
	r, err := NewRunner(testConfig(), WithOptimizer(allOnes{}))
	require.NoError(t, err)
	res, err := r.Train(context.Background(), syntheticDataset(5, 60, 40))
	require.NoError(t, err)

	test := syntheticDataset(6, 10, 10)
	test.FeatureNames = []string{"area", "contrast", "noise_b", "noise_a"}
	_, err = r.Evaluate(res.Artifact, test)
	assert.Error(t, err)
}

func TestMetadataPath(t *testing.T) {
	assert.Equal(t, "models/m_metadata.txt", MetadataPath("models/m.json"))
	assert.Equal(t, "model_metadata.txt", MetadataPath("model"))
}

func handArtifact(t *testing.T) *persistence.Artifact {
	t.Helper()
	std, err := preprocessing.NewStandardizer([]float64{0, 0}, []float64{1, 1})
	require.NoError(t, err)
	cs := models.ClassStatistics{
		MeanBenign:    []float64{0, 0},
		MeanMalignant: []float64{3, 3},
		PooledInverse: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
	}
	art, err := persistence.NewArtifact([]string{"a", "b"}, []int{0, 1}, std, cs, 1.0)
	require.NoError(t, err)
	return art
}

func TestPredictor(t *testing.T) {
	p, err := NewPredictor(handArtifact(t), 0, zerolog.Nop())
	require.NoError(t, err)

	pred, err := p.Predict(map[string]float64{"a": 3, "b": 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.Malignant, pred.Class)
	assert.Equal(t, "Malignant", pred.Label)
	assert.InDelta(t, 0, pred.DistanceMalignant, 1e-12)
	assert.InDelta(t, math.Sqrt(18), pred.DistanceBenign, 1e-12)
	assert.Greater(t, pred.Probabilities["Malignant"], 0.999)
	assert.InDelta(t, 1, pred.Probabilities["Benign"]+pred.Probabilities["Malignant"], 1e-12)
	assert.Equal(t, map[string]float64{"a": 3, "b": 3}, pred.ZScores)

	// b is missing and filled with 0
	pred, err = p.Predict(map[string]float64{"a": 0.5, "extra": 9}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.Benign, pred.Class)
	assert.Equal(t, 0.0, pred.ZScores["b"])

	pred, err = p.Predict(map[string]float64{"a": 0.5, "b": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.Benign, pred.Class)
	require.Len(t, pred.TopContributors, 2)
	assert.Equal(t, "b", pred.TopContributors[0].Feature)
	assert.InDelta(t, 2.0/3, pred.TopContributors[0].Weight, 1e-6)
	assert.InDelta(t, 1.0/3, pred.TopContributors[1].Weight, 1e-6)

	tau := 3.0
	pred, err = p.Predict(map[string]float64{"a": 0.5, "b": 1}, &tau)
	require.NoError(t, err)
	assert.Equal(t, models.Malignant, pred.Class)
	assert.Equal(t, 3.0, pred.Tau)
	assert.Contains(t, pred.Rule, "3.000")

	_, err = p.Predict(map[string]float64{"a": math.Inf(-1)}, nil)
	assert.ErrorIs(t, err, data.ErrNonFinite)

	p, err = NewPredictor(handArtifact(t), 1, zerolog.Nop())
	require.NoError(t, err)
	pred, err = p.Predict(map[string]float64{"a": 0.5, "b": 1}, nil)
	require.NoError(t, err)
	assert.Len(t, pred.TopContributors, 1)
}

type mapExtractor map[string]map[string]float64

func (m mapExtractor) Extract(_ context.Context, path string) (map[string]float64, error) {
	return m[path], nil
}

func TestPredictImage(t *testing.T) {
	img := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))

	p, err := NewPredictor(handArtifact(t), 0, zerolog.Nop())
	require.NoError(t, err)
	builder := data.NewFeatureBuilder(mapExtractor{img: {"a": 3, "b": 2.5}}, nil, nil, zerolog.Nop())

	pred, err := p.PredictImage(context.Background(), builder, img, nil)
	require.NoError(t, err)
	assert.Equal(t, models.Malignant, pred.Class)

	_, err = p.PredictImage(context.Background(), builder, img+".missing", nil)
	assert.Error(t, err)
}
