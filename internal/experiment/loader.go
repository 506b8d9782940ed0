package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"mahaclassifier/internal/config"
	"mahaclassifier/internal/data"
)

// Loader reads training and test sets either from feature tables or from
// image manifests run through an Extractor.
type Loader struct {
	cfg       config.DataConfig
	extractor data.Extractor
	workers   int
	log       zerolog.Logger
}

func NewLoader(cfg config.DataConfig, extractor data.Extractor, workers int, log zerolog.Logger) *Loader {
	if extractor == nil {
		extractor = data.NewFileExtractor(cfg.FeatureSuffix)
	}
	return &Loader{cfg: cfg, extractor: extractor, workers: workers, log: log}
}

// LoadTrain prefers the training feature table over the training manifest.
func (l *Loader) LoadTrain(ctx context.Context) (*data.Dataset, error) {
	switch {
	case l.cfg.TrainCSV != "":
		return l.loadCSV(l.cfg.TrainCSV)
	case l.cfg.TrainManifest != "":
		return l.loadManifest(ctx, l.cfg.TrainManifest, nil)
	}
	return nil, fmt.Errorf("no training data configured (set data.train_csv or data.train_manifest)")
}

// LoadTest returns nil when no test set is configured or the configured
// manifest does not exist. Features are aligned to featureNames.
func (l *Loader) LoadTest(ctx context.Context, featureNames []string) (*data.Dataset, error) {
	switch {
	case l.cfg.TestCSV != "":
		ds, err := l.loadCSV(l.cfg.TestCSV)
		if err != nil {
			return nil, err
		}
		if err := data.EnsureSameFeatures(featureNames, ds.FeatureNames); err != nil {
			return nil, fmt.Errorf("%s: %w", l.cfg.TestCSV, err)
		}
		return ds, nil
	case l.cfg.TestManifest != "":
		if _, err := os.Stat(l.cfg.TestManifest); os.IsNotExist(err) {
			l.log.Warn().Str("manifest", l.cfg.TestManifest).Msg("test manifest not found, skipping evaluation")
			return nil, nil
		}
		return l.loadManifest(ctx, l.cfg.TestManifest, featureNames)
	}
	return nil, nil
}

func (l *Loader) loadCSV(path string) (*data.Dataset, error) {
	reader, err := data.NewCSVReader(path, l.cfg.LabelColumn)
	if err != nil {
		return nil, err
	}
	ds, err := reader.LoadData()
	if err != nil {
		return nil, err
	}
	l.log.Info().Str("file", path).Int("rows", ds.Len()).Int("features", ds.Dim()).Msg("feature table loaded")
	return ds, nil
}

func (l *Loader) loadManifest(ctx context.Context, path string, featureNames []string) (*data.Dataset, error) {
	reader, err := data.NewManifestReader(path, l.log)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if reader.Skipped() > 0 {
		l.log.Warn().Str("manifest", path).Int("skipped", reader.Skipped()).Msg("manifest rows skipped")
	}

	var cache *data.FeatureCache
	if l.cfg.CachePath != "" {
		if err := os.MkdirAll(filepath.Dir(l.cfg.CachePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		cache, err = data.OpenFeatureCache(l.cfg.CachePath)
		if err != nil {
			return nil, err
		}
		defer cache.Close()
	}

	builder := data.NewFeatureBuilder(l.extractor, cache, data.NewBatchProcessor(l.cfg.BatchSize, l.workers), l.log)
	ds, err := builder.Build(ctx, entries, featureNames)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	l.log.Info().Str("manifest", path).Int("rows", ds.Len()).Int("features", ds.Dim()).Msg("manifest features extracted")
	return ds, nil
}
