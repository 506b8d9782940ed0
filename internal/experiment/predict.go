package experiment

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"mahaclassifier/internal/data"
	"mahaclassifier/internal/models"
	"mahaclassifier/internal/persistence"
	"mahaclassifier/internal/preprocessing"
)

const (
	DefaultTopContributors = 5
	inverseDistanceEpsilon = 1e-6
	contributionEpsilon    = 1e-9
)

type Contributor struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

type Prediction struct {
	Class             models.ClassID     `json:"class"`
	Label             string             `json:"final_prediction"`
	Probabilities     map[string]float64 `json:"probabilities"`
	DistanceBenign    float64            `json:"distance_to_benign"`
	DistanceMalignant float64            `json:"distance_to_malignant"`
	Tau               float64            `json:"tau"`
	Rule              string             `json:"ratio_decision"`
	ZScores           map[string]float64 `json:"zscores"`
	TopContributors   []Contributor      `json:"top_feature_contributors"`
}

// Predictor scores single samples with a loaded artifact.
type Predictor struct {
	art   *persistence.Artifact
	std   *preprocessing.Standardizer
	stats models.ClassStatistics
	topK  int
	log   zerolog.Logger
}

func NewPredictor(art *persistence.Artifact, topK int, log zerolog.Logger) (*Predictor, error) {
	std, err := art.Standardizer()
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopContributors
	}
	return &Predictor{art: art, std: std, stats: art.ClassStatistics(), topK: topK, log: log}, nil
}

// Predict classifies a raw feature map. Names missing from feats are 0.0;
// tauOverride, when set, replaces the artifact threshold.
func (p *Predictor) Predict(feats map[string]float64, tauOverride *float64) (Prediction, error) {
	for name, v := range feats {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Prediction{}, fmt.Errorf("feature %q: %w", name, data.ErrNonFinite)
		}
	}
	tau := p.art.Tau
	if tauOverride != nil {
		tau = *tauOverride
		p.log.Info().Float64("tau", tau).Msg("tau override active")
	}

	raw := data.Vectorize(feats, p.art.FeatureNames, p.log)
	z, err := p.std.TransformRow(raw)
	if err != nil {
		return Prediction{}, err
	}
	x := models.Select(z, p.art.SelectedIdx)
	dB, dM := p.stats.Distances(x)
	class := models.Decide(dB, dM, tau)

	invB := 1 / (dB + inverseDistanceEpsilon)
	invM := 1 / (dM + inverseDistanceEpsilon)

	pred := Prediction{
		Class: class,
		Label: class.String(),
		Probabilities: map[string]float64{
			models.Benign.String():    invB / (invB + invM),
			models.Malignant.String(): invM / (invB + invM),
		},
		DistanceBenign:    dB,
		DistanceMalignant: dM,
		Tau:               tau,
		Rule:              fmt.Sprintf("Malignant if dM <= %.3f * dB else Benign", tau),
		ZScores:           make(map[string]float64, len(z)),
	}
	for i, name := range p.art.FeatureNames {
		pred.ZScores[name] = z[i]
	}
	pred.TopContributors = p.contributors(x, p.stats.Mean(class))
	return pred, nil
}

// contributors ranks selected features by |x - mu_ref|, normalized to sum
// to one.
func (p *Predictor) contributors(x, ref []float64) []Contributor {
	out := make([]Contributor, len(x))
	total := 0.0
	for i := range x {
		out[i] = Contributor{Feature: p.art.SelectedNames[i], Weight: math.Abs(x[i] - ref[i])}
		total += out[i].Weight
	}
	for i := range out {
		out[i].Weight /= total + contributionEpsilon
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out[:min(p.topK, len(out))]
}

// PredictImage extracts the features of one image and classifies them.
func (p *Predictor) PredictImage(ctx context.Context, builder *data.FeatureBuilder, imagePath string, tauOverride *float64) (Prediction, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return Prediction{}, fmt.Errorf("image not found: %w", err)
	}
	feats, err := builder.Features(ctx, imagePath)
	if err != nil {
		return Prediction{}, err
	}
	return p.Predict(feats, tauOverride)
}
