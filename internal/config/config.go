package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mahaclassifier/internal/calibration"
	"mahaclassifier/internal/evaluation"
	"mahaclassifier/internal/models"
	"mahaclassifier/internal/optimizer"
	"mahaclassifier/internal/policy"
	"mahaclassifier/internal/search"
)

// Grid is an inclusive linspace of Num points.
type Grid struct {
	Start float64 `yaml:"start"`
	Stop  float64 `yaml:"stop"`
	Num   int     `yaml:"num"`
}

func (g Grid) Values() []float64 {
	return policy.Linspace(g.Start, g.Stop, g.Num)
}

type DataConfig struct {
	TrainCSV       string `yaml:"train_csv"`
	TestCSV        string `yaml:"test_csv"`
	TrainManifest  string `yaml:"train_manifest"`
	TestManifest   string `yaml:"test_manifest"`
	LabelColumn    string `yaml:"label_column"`
	AllowLabelFlip bool   `yaml:"allow_label_flip"`
	CachePath      string `yaml:"cache_path"`
	FeatureSuffix  string `yaml:"feature_suffix"`
	BatchSize      int    `yaml:"batch_size"`
}

type SearchConfig struct {
	Folds           int           `yaml:"folds"`
	Iterations      int           `yaml:"iters"`
	PopSize         int           `yaml:"pop"`
	FineTopK        int           `yaml:"fine_top_k"`
	PairLimit       int           `yaml:"pair_limit"`
	Bounds          search.Bounds `yaml:"bounds"`
	MinFeatures     int           `yaml:"min_features"`
	MaxFeatures     int           `yaml:"max_features"`
	WeightBenign    float64       `yaml:"w_b"`
	WeightMalignant float64       `yaml:"w_m"`
	CovShrinkage    bool          `yaml:"cov_shrinkage"`
}

type PolicyConfig struct {
	policy.Params `yaml:",inline"`

	TauGrid      Grid    `yaml:"tau_grid"`
	TargetFloor  float64 `yaml:"target_floor"`
	Selector     string  `yaml:"selector"`
	LocalRadius  float64 `yaml:"local_radius"`
	LocalSteps   int     `yaml:"local_steps"`
	LocalMinTau  float64 `yaml:"local_min_tau"`
	SeedQuantile float64 `yaml:"seed_quantile"`
}

type EvaluationConfig struct {
	TestGrid    Grid    `yaml:"test_grid"`
	SpecFloor   float64 `yaml:"spec_floor"`
	SweepRadius float64 `yaml:"sweep_radius"`
	SweepPoints int     `yaml:"sweep_points"`
	SweepMin    float64 `yaml:"sweep_min"`
	SweepMax    float64 `yaml:"sweep_max"`
}

type OutputConfig struct {
	ModelPath   string `yaml:"model"`
	MetricsFile string `yaml:"metrics_file"`
	SweepCSV    string `yaml:"sweep_csv"`
}

type PredictConfig struct {
	TauOverride *float64 `yaml:"tau_override"`
	TopK        int      `yaml:"top_k"`
}

// Config is the full run configuration. Load fills it from defaults, an
// optional YAML file, an optional .env file and the environment, in that
// order of increasing priority.
type Config struct {
	Seed     int64  `yaml:"seed"`
	LogLevel string `yaml:"log_level"`
	Workers  int    `yaml:"workers"`
	Fast     int    `yaml:"fast"`

	Data       DataConfig        `yaml:"data"`
	Search     SearchConfig      `yaml:"search"`
	Optimizer  optimizer.Options `yaml:"optimizer"`
	Policy     PolicyConfig      `yaml:"policy"`
	Evaluation EvaluationConfig  `yaml:"evaluation"`
	Output     OutputConfig      `yaml:"output"`
	Predict    PredictConfig     `yaml:"predict"`
}

// Tier is a FAST preset.
type Tier struct {
	Folds, Iterations, PopSize, FineTopK, PairLimit int
}

var tiers = map[int]Tier{
	0: {Folds: 5, Iterations: 800, PopSize: 80, FineTopK: 30, PairLimit: 150},
	1: {Folds: 3, Iterations: 80, PopSize: 30, FineTopK: 16, PairLimit: 30},
	2: {Folds: 4, Iterations: 180, PopSize: 50, FineTopK: 20, PairLimit: 60},
}

// TierFor returns the preset for a FAST level; unknown levels fall back to
// the quick debug tier.
func TierFor(level int) Tier {
	if t, ok := tiers[level]; ok {
		return t
	}
	return tiers[1]
}

func Default() Config {
	full := tiers[0]
	return Config{
		Seed:     42,
		LogLevel: "info",
		Workers:  4,
		Data: DataConfig{
			TestManifest:   "data/test.csv",
			LabelColumn:    "Class",
			AllowLabelFlip: true,
			CachePath:      "data/cache/features.db",
			FeatureSuffix:  ".features.json",
			BatchSize:      64,
		},
		Search: SearchConfig{
			Folds:           full.Folds,
			Iterations:      full.Iterations,
			PopSize:         full.PopSize,
			FineTopK:        full.FineTopK,
			PairLimit:       full.PairLimit,
			Bounds:          search.Bounds{Low: -1, High: 1},
			MinFeatures:     10,
			MaxFeatures:     35,
			WeightBenign:    1.0,
			WeightMalignant: 1.0,
			CovShrinkage:    true,
		},
		Optimizer: optimizer.DefaultOptions(),
		Policy: PolicyConfig{
			Params:       policy.DefaultParams(),
			TauGrid:      Grid{Start: 0.50, Stop: 1.70, Num: 61},
			TargetFloor:  0.70,
			Selector:     calibration.SelectorConstrainedMaximin,
			LocalRadius:  0.10,
			LocalSteps:   201,
			LocalMinTau:  0.30,
			SeedQuantile: 0.40,
		},
		Evaluation: EvaluationConfig{
			TestGrid:    Grid{Start: 0.90, Stop: 1.15, Num: 181},
			SpecFloor:   0.40,
			SweepRadius: 0.15,
			SweepPoints: 9,
			SweepMin:    0.30,
			SweepMax:    2.00,
		},
		Output: OutputConfig{
			ModelPath: "models/model.json",
		},
		Predict: PredictConfig{TopK: 5},
	}
}

// Load reads path (or $MAHA_CONFIG when path is empty) on top of the
// defaults, then envFile if it exists, then environment overrides.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MAHA_CONFIG")
	}
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("FAST"); ok {
		level, err := parseFast(v)
		if err != nil {
			return err
		}
		cfg.Fast = level
	}
	if cfg.Fast > 0 {
		cfg.ApplyTier(TierFor(cfg.Fast))
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envInt64("MAHA_SEED", &cfg.Seed))
	envString("MAHA_LOG_LEVEL", &cfg.LogLevel)
	collect(envInt("MAHA_WORKERS", &cfg.Workers))

	envString("MAHA_TRAIN_CSV", &cfg.Data.TrainCSV)
	envString("MAHA_TEST_CSV", &cfg.Data.TestCSV)
	envString("MAHA_TRAIN_MANIFEST", &cfg.Data.TrainManifest)
	envString("MAHA_TEST_MANIFEST", &cfg.Data.TestManifest)
	envString("MAHA_LABEL_COLUMN", &cfg.Data.LabelColumn)
	collect(envBool("MAHA_ALLOW_LABEL_FLIP", &cfg.Data.AllowLabelFlip))
	envString("MAHA_CACHE_PATH", &cfg.Data.CachePath)

	collect(envInt("MAHA_FOLDS", &cfg.Search.Folds))
	collect(envInt("MAHA_ITERS", &cfg.Search.Iterations))
	collect(envInt("MAHA_POP", &cfg.Search.PopSize))
	collect(envInt("MAHA_FINE_TOP_K", &cfg.Search.FineTopK))
	collect(envInt("MAHA_PAIR_LIMIT", &cfg.Search.PairLimit))

	envString("MAHA_ALGO", &cfg.Optimizer.Algorithm)
	envString("MAHA_A_STRATEGY", &cfg.Optimizer.AStrategy)
	collect(envInt("MAHA_OBL_FREQ", &cfg.Optimizer.OBLFreq))
	collect(envFloat("MAHA_OBL_RATE", &cfg.Optimizer.OBLRate))

	envString("MAHA_MODEL", &cfg.Output.ModelPath)
	envString("MAHA_METRICS_FILE", &cfg.Output.MetricsFile)

	if v := os.Getenv("TAU_OVERRIDE"); v != "" {
		tau, err := strconv.ParseFloat(v, 64)
		if err != nil {
			collect(fmt.Errorf("TAU_OVERRIDE: %w", err))
		} else {
			cfg.Predict.TauOverride = &tau
		}
	}

	return errors.Join(errs...)
}

func parseFast(v string) (int, error) {
	switch strings.TrimSpace(v) {
	case "", "0", "false", "False":
		return 0, nil
	}
	level, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 1, nil
	}
	if level < 0 {
		return 0, fmt.Errorf("FAST must not be negative, got %d", level)
	}
	return level, nil
}

// ApplyTier overrides the search budget with a preset.
func (c *Config) ApplyTier(t Tier) {
	c.Search.Folds = t.Folds
	c.Search.Iterations = t.Iterations
	c.Search.PopSize = t.PopSize
	c.Search.FineTopK = t.FineTopK
	c.Search.PairLimit = t.PairLimit
}

func (c Config) Validate() error {
	var errs []error
	if c.Search.Folds < 2 {
		errs = append(errs, fmt.Errorf("folds must be at least 2, got %d", c.Search.Folds))
	}
	if c.Search.Iterations < 1 || c.Search.PopSize < 1 {
		errs = append(errs, fmt.Errorf("iters and pop must be positive, got %d and %d", c.Search.Iterations, c.Search.PopSize))
	}
	if c.Search.Bounds.Low >= c.Search.Bounds.High {
		errs = append(errs, fmt.Errorf("search bounds are empty: [%g, %g]", c.Search.Bounds.Low, c.Search.Bounds.High))
	}
	if c.Search.MinFeatures > c.Search.MaxFeatures {
		errs = append(errs, fmt.Errorf("min_features %d exceeds max_features %d", c.Search.MinFeatures, c.Search.MaxFeatures))
	}
	if c.Search.WeightBenign <= 0 || c.Search.WeightMalignant <= 0 {
		errs = append(errs, fmt.Errorf("class error weights must be positive"))
	}
	if c.Policy.TauGrid.Num < 1 {
		errs = append(errs, fmt.Errorf("tau grid is empty"))
	}
	if c.Evaluation.TestGrid.Num < 1 {
		errs = append(errs, fmt.Errorf("test tau grid is empty"))
	}
	if c.Policy.SensWeight < 0 || c.Policy.SensWeight > 1 {
		errs = append(errs, fmt.Errorf("sens_weight must be in [0, 1], got %g", c.Policy.SensWeight))
	}
	if c.Policy.TargetFloor < 0 || c.Policy.TargetFloor > 1 {
		errs = append(errs, fmt.Errorf("target_floor must be in [0, 1], got %g", c.Policy.TargetFloor))
	}
	switch c.Policy.Selector {
	case calibration.SelectorConstrainedMaximin, calibration.SelectorTiered:
	default:
		errs = append(errs, fmt.Errorf("unknown calibration selector %q", c.Policy.Selector))
	}
	switch c.Optimizer.Algorithm {
	case optimizer.AlgorithmWOA, optimizer.AlgorithmEWOA:
	default:
		errs = append(errs, fmt.Errorf("unknown algorithm %q", c.Optimizer.Algorithm))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	return errors.Join(errs...)
}

func (c Config) CovarianceOptions() models.CovarianceOptions {
	opts := models.DefaultCovarianceOptions()
	opts.Shrinkage = c.Search.CovShrinkage
	return opts
}

func (c Config) ObjectiveConfig() evaluation.ObjectiveConfig {
	oc := evaluation.DefaultObjectiveConfig()
	oc.Folds = c.Search.Folds
	oc.Taus = c.Policy.TauGrid.Values()
	oc.TargetFloor = c.Policy.TargetFloor
	oc.WeightBenign = c.Search.WeightBenign
	oc.WeightMalignant = c.Search.WeightMalignant
	oc.MinFeatures = c.Search.MinFeatures
	oc.MaxFeatures = c.Search.MaxFeatures
	oc.Covariance = c.CovarianceOptions()
	oc.Workers = c.Workers
	return oc
}

func (c Config) SearchConfig() search.Config {
	sc := search.DefaultConfig()
	sc.Run = search.RunConfig{PopSize: c.Search.PopSize, Iterations: c.Search.Iterations}
	sc.Bounds = c.Search.Bounds
	sc.FineTopK = c.Search.FineTopK
	sc.PairLimit = c.Search.PairLimit
	return sc
}

func (c Config) CalibrationConfig() calibration.Config {
	cc := calibration.DefaultConfig()
	cc.Taus = c.Policy.TauGrid.Values()
	cc.Selector = c.Policy.Selector
	cc.TargetFloor = c.Policy.TargetFloor
	cc.LocalRadius = c.Policy.LocalRadius
	cc.LocalSteps = c.Policy.LocalSteps
	cc.LocalMinTau = c.Policy.LocalMinTau
	cc.SeedQuantile = c.Policy.SeedQuantile
	cc.Policy = c.Policy.Params
	cc.Covariance = c.CovarianceOptions()
	return cc
}

func (c Config) EvaluatorConfig() evaluation.EvaluatorConfig {
	return evaluation.EvaluatorConfig{
		SweepRadius: c.Evaluation.SweepRadius,
		SweepPoints: c.Evaluation.SweepPoints,
		SweepMin:    c.Evaluation.SweepMin,
		SweepMax:    c.Evaluation.SweepMax,
		TestTaus:    c.Evaluation.TestGrid.Values(),
		SpecFloor:   c.Evaluation.SpecFloor,
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = i
	}
	return nil
}

func envInt64(key string, dst *int64) error {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = i
	}
	return nil
}

func envFloat(key string, dst *float64) error {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = f
	}
	return nil
}

func envBool(key string, dst *bool) error {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
	}
	return nil
}
