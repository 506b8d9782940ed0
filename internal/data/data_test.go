package data

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mahaclassifier/internal/models"
)

func TestReadCSVWithNamedLabelColumn(t *testing.T) {
	body := "area,Class,contrast\n1.5,B,2\n3.25,M,1e-3\n0,benign,-4\n"
	ds, err := ReadCSV(strings.NewReader(body), "Class")
	require.NoError(t, err)
	assert.Equal(t, []string{"area", "contrast"}, ds.FeatureNames)
	assert.Equal(t, [][]float64{{1.5, 2}, {3.25, 0.001}, {0, -4}}, ds.X)
	assert.Equal(t, []models.ClassID{models.Benign, models.Malignant, models.Benign}, ds.Y)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, 2, ds.Dim())
}

func TestReadCSVDefaultsToLastColumn(t *testing.T) {
	ds, err := ReadCSV(strings.NewReader("a,b,label\n1,2,0\n3,4,1\n"), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ds.FeatureNames)
	assert.Equal(t, []models.ClassID{0, 1}, ds.Y)
}

func TestReadCSVRejectsBadCells(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"nan", "a,Class\nNaN,0\n", ErrNonFinite},
		{"inf", "a,Class\n-Inf,1\n", ErrNonFinite},
		{"empty", "a,Class\n,1\n", ErrNonFinite},
		{"overflow", "a,Class\n1e400,1\n", ErrNonFinite},
		{"label", "a,Class\n1,2\n", ErrNotBinary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.body), "Class")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := ReadCSV(strings.NewReader("a,Class\nabc,1\n"), "Class")
	assert.Error(t, err)
	_, err = ReadCSV(strings.NewReader("a,Class\n"), "Class")
	assert.Error(t, err)
}

func TestCSVReaderLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, os.WriteFile(path, []byte("x,Class\n1,0\n2,1\n"), 0o644))
	r, err := NewCSVReader(path, DefaultLabelColumn)
	require.NoError(t, err)
	ds, err := r.LoadData()
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
}

func labels(benign, malignant int) []models.ClassID {
	y := make([]models.ClassID, 0, benign+malignant)
	for i := 0; i < benign; i++ {
		y = append(y, models.Benign)
	}
	for i := 0; i < malignant; i++ {
		y = append(y, models.Malignant)
	}
	return y
}

func TestGuardTrainingLabels(t *testing.T) {
	dv := NewDataValidator(true)

	y := labels(70, 30)
	rep, err := dv.GuardTrainingLabels(y)
	require.NoError(t, err)
	assert.False(t, rep.Flipped)
	assert.InDelta(t, 0.30, rep.MalignantRatio, 1e-12)

	y = labels(20, 80)
	rep, err = dv.GuardTrainingLabels(y)
	require.NoError(t, err)
	assert.True(t, rep.Flipped)
	assert.InDelta(t, 0.20, rep.MalignantRatio, 1e-12)
	assert.Equal(t, models.Malignant, y[0])
	assert.Equal(t, 80, rep.Counts[models.Benign])

	_, err = dv.GuardTrainingLabels(labels(99, 1))
	assert.ErrorIs(t, err, ErrImbalanced)

	_, err = NewDataValidator(false).GuardTrainingLabels(labels(10, 90))
	assert.ErrorIs(t, err, ErrMajorityMalignant)
}

func TestValidateDataset(t *testing.T) {
	dv := NewDataValidator(true)
	ds := &Dataset{FeatureNames: []string{"a", "b"}, X: [][]float64{{1, 2}, {3, 4}}, Y: labels(1, 1)}
	require.NoError(t, dv.ValidateDataset(ds))

	bad := &Dataset{FeatureNames: []string{"a", "b"}, X: [][]float64{{1, math.NaN()}}, Y: labels(1, 0)}
	assert.ErrorIs(t, dv.ValidateDataset(bad), ErrNonFinite)

	ragged := &Dataset{FeatureNames: []string{"a", "b"}, X: [][]float64{{1}}, Y: labels(1, 0)}
	assert.Error(t, dv.ValidateDataset(ragged))

	other := &Dataset{FeatureNames: []string{"a", "c"}, X: [][]float64{{1, 2}}, Y: labels(0, 1)}
	assert.Error(t, dv.ValidateTrainTestSplit(ds, other))
}

func TestGetDatasetStats(t *testing.T) {
	ds := &Dataset{FeatureNames: []string{"a"}, X: [][]float64{{1}, {3}, {5}}, Y: labels(2, 1)}
	st := NewDataValidator(true).GetDatasetStats(ds)
	assert.Equal(t, 3, st.Samples)
	assert.Equal(t, 2, st.Classes[models.Benign])
	require.Len(t, st.Summary, 1)
	assert.Equal(t, 1.0, st.Summary[0].Min)
	assert.Equal(t, 5.0, st.Summary[0].Max)
	assert.Equal(t, 3.0, st.Summary[0].Mean)
}

func writeManifest(t *testing.T, dir string, images []string, rows string) string {
	t.Helper()
	for _, img := range images {
		require.NoError(t, os.WriteFile(filepath.Join(dir, img), []byte("img"), 0o644))
	}
	path := filepath.Join(dir, "manifest.csv")
	require.NoError(t, os.WriteFile(path, []byte(rows), 0o644))
	return path
}

func TestManifestReaderSkipsBadRows(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png")
	rows := "patient_id,Class,image_path\n" +
		"p1,B," + a + "\n" +
		"p2,X," + b + "\n" +
		"p3,M," + filepath.Join(dir, "missing.png") + "\n" +
		"p4,malignant," + b + "\n"
	path := writeManifest(t, dir, []string{"a.png", "b.png"}, rows)

	r, err := NewManifestReader(path, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	entries, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "p1", entries[0].PatientID)
	assert.Equal(t, models.Benign, entries[0].Label)
	assert.Equal(t, models.Malignant, entries[1].Label)
	assert.Equal(t, 4, entries[1].Row)
	assert.Equal(t, 2, r.Skipped())
}

func TestManifestReaderRequiresColumns(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, nil, "patient_id,image_path\np1,x\n")
	_, err := NewManifestReader(path, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Class")
}

func TestFeatureCacheRoundTrip(t *testing.T) {
	c, err := OpenFeatureCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.Get("/img/a.png")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put("/img/a.png", map[string]float64{"area": 1.5}))
	feats, ok, err := c.Get("/img/a.png")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]float64{"area": 1.5}, feats)
	assert.Len(t, cacheKey("/img/a.png"), 40)
}

type stubExtractor struct {
	mu    sync.Mutex
	calls int
	feats map[string]map[string]float64
}

func (s *stubExtractor) Extract(_ context.Context, imagePath string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	f, ok := s.feats[imagePath]
	if !ok {
		return nil, errors.New("unknown image")
	}
	return f, nil
}

func TestFeatureBuilderUsesCacheAndFillsMissing(t *testing.T) {
	ext := &stubExtractor{feats: map[string]map[string]float64{
		"a": {"contrast": 2, "area": 1},
		"b": {"area": 3},
	}}
	cache, err := OpenFeatureCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	fb := NewFeatureBuilder(ext, cache, NewBatchProcessor(1, 2), zerolog.Nop())
	entries := []ManifestEntry{
		{Row: 1, ImagePath: "a", Label: models.Benign},
		{Row: 2, ImagePath: "b", Label: models.Malignant},
	}
	ds, err := fb.Build(context.Background(), entries, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"area", "contrast"}, ds.FeatureNames)
	assert.Equal(t, [][]float64{{1, 2}, {3, 0}}, ds.X)
	assert.Equal(t, []models.ClassID{0, 1}, ds.Y)
	assert.Equal(t, 2, ext.calls)

	_, err = fb.Build(context.Background(), entries, []string{"area"})
	require.NoError(t, err)
	assert.Equal(t, 2, ext.calls)
}

func TestFeatureBuilderRejectsNonFinite(t *testing.T) {
	ext := &stubExtractor{feats: map[string]map[string]float64{"a": {"area": math.Inf(1)}}}
	fb := NewFeatureBuilder(ext, nil, nil, zerolog.Nop())
	_, err := fb.Build(context.Background(), []ManifestEntry{{ImagePath: "a"}}, nil)
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = fb.Build(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestFileExtractor(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(img+".features.json", []byte(`{"area": 4.5}`), 0o644))
	feats, err := NewFileExtractor("").Extract(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, 4.5, feats["area"])

	_, err = NewFileExtractor("").Extract(context.Background(), filepath.Join(dir, "none.png"))
	assert.Error(t, err)
}

func TestBatchProcessorVisitsEveryEntry(t *testing.T) {
	entries := make([]ManifestEntry, 7)
	for i := range entries {
		entries[i].Row = i
	}
	seen := make([]int, len(entries))
	bp := NewBatchProcessor(3, 2)
	err := bp.ProcessBatches(context.Background(), entries, func(_ context.Context, i int, e ManifestEntry) error {
		seen[i] = e.Row + 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, seen)
	assert.Equal(t, 3, bp.GetBatchSize())

	boom := errors.New("boom")
	err = bp.ProcessBatches(context.Background(), entries, func(context.Context, int, ManifestEntry) error { return boom })
	assert.ErrorIs(t, err, boom)
}
