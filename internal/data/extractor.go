package data

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/rs/zerolog"
)

// Extractor turns an image into named numeric features.
type Extractor interface {
	Extract(ctx context.Context, imagePath string) (map[string]float64, error)
}

// FileExtractor reads features that an external tool wrote next to the
// image as <image_path><Suffix>, a flat JSON object of numbers.
type FileExtractor struct {
	Suffix string
}

func NewFileExtractor(suffix string) *FileExtractor {
	if suffix == "" {
		suffix = ".features.json"
	}
	return &FileExtractor{Suffix: suffix}
}

func (fe *FileExtractor) Extract(_ context.Context, imagePath string) (map[string]float64, error) {
	raw, err := os.ReadFile(imagePath + fe.Suffix)
	if err != nil {
		return nil, fmt.Errorf("no extracted features for %s: %w", imagePath, err)
	}
	var feats map[string]float64
	if err := json.Unmarshal(raw, &feats); err != nil {
		return nil, fmt.Errorf("features for %s: %w", imagePath, err)
	}
	return feats, nil
}

// FeatureBuilder assembles a dataset from a manifest through an Extractor,
// using the cache when one is configured.
type FeatureBuilder struct {
	extractor Extractor
	cache     *FeatureCache
	batch     *BatchProcessor
	log       zerolog.Logger
}

func NewFeatureBuilder(extractor Extractor, cache *FeatureCache, batch *BatchProcessor, log zerolog.Logger) *FeatureBuilder {
	if batch == nil {
		batch = NewBatchProcessor(64, 1)
	}
	return &FeatureBuilder{extractor: extractor, cache: cache, batch: batch, log: log}
}

// Features returns the features of one image, extracting and caching them
// on a miss.
func (fb *FeatureBuilder) Features(ctx context.Context, imagePath string) (map[string]float64, error) {
	if fb.cache != nil {
		feats, ok, err := fb.cache.Get(imagePath)
		if err != nil {
			return nil, err
		}
		if ok {
			return feats, nil
		}
	}
	feats, err := fb.extractor.Extract(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	for name, v := range feats {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s, feature %q: %w", imagePath, name, ErrNonFinite)
		}
	}
	if fb.cache != nil {
		if err := fb.cache.Put(imagePath, feats); err != nil {
			return nil, err
		}
	}
	return feats, nil
}

// Build extracts every entry. With nil featureNames the canonical order is
// taken from the first entry (sorted by name); later entries missing a
// feature get 0.0 and a warning.
func (fb *FeatureBuilder) Build(ctx context.Context, entries []ManifestEntry, featureNames []string) (*Dataset, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no usable rows found in manifest")
	}
	extracted := make([]map[string]float64, len(entries))
	err := fb.batch.ProcessBatches(ctx, entries, func(ctx context.Context, i int, e ManifestEntry) error {
		feats, err := fb.Features(ctx, e.ImagePath)
		if err != nil {
			return fmt.Errorf("manifest row %d: %w", e.Row, err)
		}
		extracted[i] = feats
		return nil
	})
	if err != nil {
		return nil, err
	}

	if featureNames == nil {
		for name := range extracted[0] {
			featureNames = append(featureNames, name)
		}
		sort.Strings(featureNames)
	}
	if len(featureNames) == 0 {
		return nil, fmt.Errorf("extractor produced no features for %s", entries[0].ImagePath)
	}

	ds := &Dataset{FeatureNames: featureNames}
	for i, e := range entries {
		ds.X = append(ds.X, Vectorize(extracted[i], featureNames, fb.log.With().Int("row", e.Row).Logger()))
		ds.Y = append(ds.Y, e.Label)
	}
	return ds, nil
}

// Vectorize orders a feature map by names, filling missing names with 0.0.
func Vectorize(feats map[string]float64, names []string, log zerolog.Logger) []float64 {
	vec := make([]float64, len(names))
	for j, name := range names {
		v, ok := feats[name]
		if !ok {
			log.Warn().Str("feature", name).Msg("feature missing in extraction; filling 0.0")
		}
		vec[j] = v
	}
	return vec
}
