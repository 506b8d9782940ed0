package experiment

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mahaclassifier/internal/calibration"
	"mahaclassifier/internal/config"
	"mahaclassifier/internal/data"
	"mahaclassifier/internal/evaluation"
	"mahaclassifier/internal/jobs"
	"mahaclassifier/internal/metrics"
	"mahaclassifier/internal/models"
	"mahaclassifier/internal/optimizer"
	"mahaclassifier/internal/persistence"
	"mahaclassifier/internal/preprocessing"
	"mahaclassifier/internal/rng"
	"mahaclassifier/internal/search"
)

// Runner wires the training pipeline: label guard, standardization, feature
// search, threshold calibration, packaging and test evaluation.
type Runner struct {
	cfg       config.Config
	log       zerolog.Logger
	metrics   *metrics.Collector
	optimizer search.Optimizer
	extractor data.Extractor
	now       func() time.Time
}

type Option func(*Runner)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithOptimizer replaces the configured whale optimizer.
func WithOptimizer(o search.Optimizer) Option {
	return func(r *Runner) { r.optimizer = o }
}

func WithExtractor(e data.Extractor) Option {
	return func(r *Runner) { r.extractor = e }
}

func NewRunner(cfg config.Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{cfg: cfg, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type TrainResult struct {
	RunID       string
	Artifact    *persistence.Artifact
	Labels      data.LabelReport
	// Data summarizes the training set as given, before any label flip.
	Data        data.DatasetStats
	Search      search.Result
	Calibration calibration.Result
	Stages      []*jobs.Job
}

type RunResult struct {
	*TrainResult
	ModelPath string
	// Report is nil when no test set was available.
	Report *evaluation.Report
}

// Train fits a model on ds. ds is not modified.
func (r *Runner) Train(ctx context.Context, ds *data.Dataset) (*TrainResult, error) {
	m := jobs.NewManager(uuid.NewString(), r.log)
	res, err := r.train(ctx, m, ds)
	if err != nil {
		return nil, err
	}
	res.Stages = m.ListJobs()
	return res, nil
}

func (r *Runner) train(ctx context.Context, m *jobs.Manager, ds *data.Dataset) (*TrainResult, error) {
	res := &TrainResult{RunID: m.RunID}
	log := r.log.With().Str("run_id", m.RunID).Logger()

	var (
		X      [][]float64
		y      []models.ClassID
		std    *preprocessing.Standardizer
		fisher []float64
	)
	err := m.Run(ctx, "prepare", "validating and standardizing training data", func(_ context.Context, job *jobs.Job) error {
		dv := data.NewDataValidator(r.cfg.Data.AllowLabelFlip)
		if err := dv.ValidateDataset(ds); err != nil {
			return err
		}
		y = append([]models.ClassID(nil), ds.Y...)
		report, err := dv.GuardTrainingLabels(y)
		if err != nil {
			return err
		}
		res.Labels = report
		res.Data = dv.GetDatasetStats(ds)
		if report.Flipped {
			log.Warn().Msg("malignant was the majority class; labels flipped so 0=Benign, 1=Malignant")
		}
		job.Logf("malignant share %.3f", report.MalignantRatio)

		std, err = preprocessing.FitStandardizer(ds.X)
		if err != nil {
			return err
		}
		X, err = std.Transform(ds.X)
		if err != nil {
			return err
		}
		fisher = search.FisherScores(X, y)
		log.Info().
			Int("rows", len(X)).
			Int("features", res.Data.Features).
			Float64("malignant_ratio", report.MalignantRatio).
			Msg("training data prepared")
		return nil
	})
	if err != nil {
		return nil, err
	}

	src := rng.New(r.cfg.Seed)
	objective, err := evaluation.NewObjective(X, y, r.cfg.ObjectiveConfig(), src,
		evaluation.WithLogger(log), evaluation.WithMetrics(r.metrics))
	if err != nil {
		return nil, err
	}
	opt := r.optimizer
	if opt == nil {
		opt, err = optimizer.NewWOA(r.cfg.Optimizer, src.Stream("optimizer", 0), log)
		if err != nil {
			return nil, err
		}
	}

	err = m.Run(ctx, "search", "searching feature subsets", func(ctx context.Context, job *jobs.Job) error {
		fs, err := search.NewFeatureSearch(objective, opt, fisher, r.cfg.SearchConfig(),
			search.WithLogger(log), search.WithMetrics(r.metrics))
		if err != nil {
			return err
		}
		res.Search, err = fs.Run(ctx)
		if err != nil {
			return err
		}
		job.Logf("selected %d features, score %.4f", len(res.Search.Selected), res.Search.Score)
		job.SetResult(res.Search.Selected)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = m.Run(ctx, "calibrate", "calibrating the decision threshold", func(_ context.Context, job *jobs.Job) error {
		start := r.now()
		fc, err := calibration.NewFinalCalibrator(r.cfg.CalibrationConfig(), src, log)
		if err != nil {
			return err
		}
		res.Calibration, err = fc.Calibrate(X, y, res.Search.Selected, res.Search.Evaluation.FoldTaus())
		if err != nil {
			return err
		}
		r.metrics.ObserveStage("calibration", r.now().Sub(start))
		job.Logf("tau %.4f", res.Calibration.Tau)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = m.Run(ctx, "package", "building the model artifact", func(context.Context, *jobs.Job) error {
		art, err := persistence.NewArtifact(ds.FeatureNames, res.Search.Selected, std, res.Calibration.Stats, res.Calibration.Tau)
		if err != nil {
			return err
		}
		r.provenance(art, res, src, opt.Name())
		res.Artifact = art
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) provenance(art *persistence.Artifact, res *TrainResult, src rng.Source, algo string) {
	cfg := r.cfg
	art.RunID = res.RunID
	art.CreatedAt = r.now().UTC()
	art.Algo = algo
	art.Iters = cfg.Search.Iterations
	art.Pop = cfg.Search.PopSize
	art.AStrategy = cfg.Optimizer.AStrategy
	art.OBLFreq = cfg.Optimizer.OBLFreq
	art.OBLRate = cfg.Optimizer.OBLRate
	art.Folds = cfg.Search.Folds
	art.Seed = src.Root()
	art.LabelsFlipped = res.Labels.Flipped

	art.Policy = persistence.PolicyBlock{
		Taus:              cfg.Policy.TauGrid.Values(),
		SensWeight:        cfg.Policy.SensWeight,
		MinSensitivity:    cfg.Policy.MinSensitivity,
		MinSpecificity:    cfg.Policy.MinSpecificity,
		FallbackSpecFloor: cfg.Policy.FallbackSpecFloor,
		LambdaSpec:        cfg.Policy.LambdaSpec,
		LocalRadius:       cfg.Policy.LocalRadius,
		TargetFloor:       cfg.Policy.TargetFloor,
	}
	cr := res.Calibration
	art.Calibration = &persistence.CalibrationInfo{
		GlobalTau:    cr.Global.Tau,
		GlobalMode:   string(cr.Global.Mode),
		LocalTau:     cr.Local.Tau,
		LocalMode:    string(cr.Local.Mode),
		LocalAdopted: cr.LocalAdopted,
		Seeds:        cr.Seeds,
		FoldTaus:     res.Search.Evaluation.FoldTaus(),
	}
	if ev := res.Search.Evaluation; ev.Feasible() && len(ev.Folds) > 0 {
		art.SetCVError(ev.MeanErrBenign, ev.MeanErrMalignant, cfg.Search.WeightBenign, cfg.Search.WeightMalignant)
	}
}

// Evaluate applies an artifact to a labeled test set.
func (r *Runner) Evaluate(art *persistence.Artifact, test *data.Dataset) (evaluation.Report, error) {
	if err := data.NewDataValidator(false).ValidateDataset(test); err != nil {
		return evaluation.Report{}, fmt.Errorf("test set: %w", err)
	}
	if err := data.EnsureSameFeatures(art.FeatureNames, test.FeatureNames); err != nil {
		return evaluation.Report{}, err
	}
	std, err := art.Standardizer()
	if err != nil {
		return evaluation.Report{}, err
	}
	ev, err := evaluation.NewEvaluator(std, art.ClassStatistics(), art.SelectedIdx, art.Tau, r.cfg.EvaluatorConfig())
	if err != nil {
		return evaluation.Report{}, err
	}
	report, err := ev.Evaluate(test.X, test.Y)
	if err != nil {
		return evaluation.Report{}, err
	}
	r.log.Info().
		Float64("tau", report.Official.Tau).
		Float64("accuracy", report.Official.Metrics.Accuracy).
		Float64("balanced_accuracy", report.Official.Metrics.BalancedAccuracy).
		Float64("constrained_tau", report.Constrained.Tau).
		Msg("test set evaluated")
	return report, nil
}

// Run loads the configured data, trains, saves the artifact and evaluates the
// test set when one is available.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	m := jobs.NewManager(uuid.NewString(), r.log)
	loader := NewLoader(r.cfg.Data, r.extractor, r.cfg.Workers, r.log)

	var train *data.Dataset
	err := m.Run(ctx, "load", "loading training data", func(ctx context.Context, _ *jobs.Job) error {
		var err error
		train, err = loader.LoadTrain(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	tr, err := r.train(ctx, m, train)
	if err != nil {
		return nil, err
	}
	out := &RunResult{TrainResult: tr, ModelPath: r.cfg.Output.ModelPath}

	if out.ModelPath != "" {
		err = m.Run(ctx, "save", "saving the model artifact", func(context.Context, *jobs.Job) error {
			if err := tr.Artifact.Save(out.ModelPath); err != nil {
				return err
			}
			return tr.Artifact.SaveMetadata(MetadataPath(out.ModelPath))
		})
		if err != nil {
			return nil, err
		}
	}

	err = m.Run(ctx, "evaluate", "evaluating on the test set", func(ctx context.Context, _ *jobs.Job) error {
		if tr.Labels.Flipped {
			r.log.Warn().Msg("training labels were flipped; test labels are used as given")
		}
		test, err := loader.LoadTest(ctx, tr.Artifact.FeatureNames)
		if err != nil || test == nil {
			return err
		}
		if err := data.NewDataValidator(false).ValidateTrainTestSplit(train, test); err != nil {
			return err
		}
		report, err := r.Evaluate(tr.Artifact, test)
		if err != nil {
			return err
		}
		out.Report = &report
		return nil
	})
	if err != nil {
		return nil, err
	}

	if path := r.cfg.Output.MetricsFile; path != "" {
		if err := r.metrics.WriteTextfile(path); err != nil {
			return nil, err
		}
	}
	tr.Stages = m.ListJobs()
	return out, nil
}

// MetadataPath is the text summary written next to a model file.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + "_metadata.txt"
}
