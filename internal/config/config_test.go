package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	oc := cfg.ObjectiveConfig()
	assert.Equal(t, 5, oc.Folds)
	assert.Len(t, oc.Taus, 61)
	assert.InDelta(t, 0.50, oc.Taus[0], 1e-12)
	assert.InDelta(t, 1.70, oc.Taus[60], 1e-12)
	assert.Equal(t, 0.70, oc.TargetFloor)
	assert.True(t, oc.Covariance.Shrinkage)

	sc := cfg.SearchConfig()
	assert.Equal(t, 80, sc.Run.PopSize)
	assert.Equal(t, 800, sc.Run.Iterations)
	assert.Equal(t, 30, sc.FineTopK)
	assert.Equal(t, 150, sc.PairLimit)

	ec := cfg.EvaluatorConfig()
	assert.Len(t, ec.TestTaus, 181)
	assert.Equal(t, 0.40, ec.SpecFloor)

	cc := cfg.CalibrationConfig()
	assert.Equal(t, 201, cc.LocalSteps)
	assert.Equal(t, 0.50, cc.Policy.SensWeight)
}

func TestLoadFastTiers(t *testing.T) {
	tests := []struct {
		fast string
		want Tier
	}{
		{"0", Tier{Folds: 5, Iterations: 800, PopSize: 80, FineTopK: 30, PairLimit: 150}},
		{"false", Tier{Folds: 5, Iterations: 800, PopSize: 80, FineTopK: 30, PairLimit: 150}},
		{"1", Tier{Folds: 3, Iterations: 80, PopSize: 30, FineTopK: 16, PairLimit: 30}},
		{"2", Tier{Folds: 4, Iterations: 180, PopSize: 50, FineTopK: 20, PairLimit: 60}},
		{"yes", Tier{Folds: 3, Iterations: 80, PopSize: 30, FineTopK: 16, PairLimit: 30}},
	}
	for _, tt := range tests {
		t.Run("FAST="+tt.fast, func(t *testing.T) {
			t.Setenv("FAST", tt.fast)
			cfg, err := Load("", "")
			require.NoError(t, err)
			got := Tier{
				Folds:      cfg.Search.Folds,
				Iterations: cfg.Search.Iterations,
				PopSize:    cfg.Search.PopSize,
				FineTopK:   cfg.Search.FineTopK,
				PairLimit:  cfg.Search.PairLimit,
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
seed: 7
log_level: debug
data:
  train_csv: train.csv
  allow_label_flip: false
search:
  folds: 4
  iters: 50
  cov_shrinkage: false
optimizer:
  algo: woa
  a_strategy: linear
policy:
  sens_weight: 0.3
  tau_grid: {start: 0.8, stop: 1.2, num: 5}
`)
	t.Setenv("MAHA_ITERS", "25")
	t.Setenv("TAU_OVERRIDE", "1.05")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "train.csv", cfg.Data.TrainCSV)
	assert.False(t, cfg.Data.AllowLabelFlip)
	assert.Equal(t, 4, cfg.Search.Folds)
	assert.Equal(t, 25, cfg.Search.Iterations)
	assert.Equal(t, 80, cfg.Search.PopSize)
	assert.False(t, cfg.CovarianceOptions().Shrinkage)
	assert.Equal(t, "woa", cfg.Optimizer.Algorithm)
	assert.Equal(t, 0.3, cfg.Policy.SensWeight)
	assert.Equal(t, 0.60, cfg.Policy.MinSensitivity)
	assert.Equal(t, []float64{0.8, 0.9, 1.0, 1.1, 1.2}, roundAll(cfg.Policy.TauGrid.Values()))
	require.NotNil(t, cfg.Predict.TauOverride)
	assert.Equal(t, 1.05, *cfg.Predict.TauOverride)
}

func roundAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(int(x*1e6+0.5)) / 1e6
	}
	return out
}

func TestLoadEnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "MAHA_POP=12\nMAHA_MODEL=out/m.json\n")
	t.Setenv("MAHA_POP", "")
	os.Unsetenv("MAHA_POP")
	t.Setenv("MAHA_MODEL", "")
	os.Unsetenv("MAHA_MODEL")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Search.PopSize)
	assert.Equal(t, "out/m.json", cfg.Output.ModelPath)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "unknown key", yaml: "serach:\n  folds: 3\n"},
		{name: "one fold", yaml: "search:\n  folds: 1\n"},
		{name: "empty grid", yaml: "policy:\n  tau_grid: {start: 1, stop: 2, num: 0}\n"},
		{name: "sens weight", yaml: "policy:\n  sens_weight: 1.5\n"},
		{name: "weights", yaml: "search:\n  w_b: 0\n"},
		{name: "algorithm", yaml: "optimizer:\n  algo: pso\n"},
		{name: "bad env int", env: map[string]string{"MAHA_FOLDS": "many"}},
		{name: "bad env bool", env: map[string]string{"MAHA_ALLOW_LABEL_FLIP": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, "config.yaml", tt.yaml)
			}
			_, err := Load(path, "")
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger("warn", &buf)
	require.NoError(t, err)
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"k":"v"`)

	log, err = NewLogger("", &buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())

	_, err = NewLogger("loud", &buf)
	assert.Error(t, err)
}
