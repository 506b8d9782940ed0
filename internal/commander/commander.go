package commander

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mahaclassifier/internal/config"
	"mahaclassifier/internal/data"
	"mahaclassifier/internal/evaluation"
	"mahaclassifier/internal/experiment"
	"mahaclassifier/internal/metrics"
	"mahaclassifier/internal/persistence"
	"mahaclassifier/internal/search"
)

type Commander struct {
	out    io.Writer
	errOut io.Writer

	cfgPath  string
	envFile  string
	logLevel string

	cfg config.Config
	log zerolog.Logger

	// test hooks
	optimizer search.Optimizer
	extractor data.Extractor

	green  func(a ...any) string
	red    func(a ...any) string
	yellow func(a ...any) string
	cyan   func(a ...any) string
	blue   func(a ...any) string
}

func NewCommander(out io.Writer) *Commander {
	return &Commander{
		out:    out,
		errOut: os.Stderr,
		green:  color.New(color.FgGreen).SprintFunc(),
		red:    color.New(color.FgRed).SprintFunc(),
		yellow: color.New(color.FgYellow).SprintFunc(),
		cyan:   color.New(color.FgCyan).SprintFunc(),
		blue:   color.New(color.FgBlue).SprintFunc(),
	}
}

// Execute runs the command line against os.Args.
func Execute() error {
	return NewCommander(os.Stdout).RootCommand().Execute()
}

func (c *Commander) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "mahaclassifier",
		Short:        "Mahalanobis ratio classifier for benign/malignant lesions",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.setup()
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	root.PersistentFlags().StringVarP(&c.cfgPath, "config", "c", "", "YAML config file (default $MAHA_CONFIG)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file layered over the config")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(c.trainCommand(), c.evaluateCommand(), c.predictCommand(), c.setTauCommand())
	return root
}

func (c *Commander) setup() error {
	cfg, err := config.Load(c.cfgPath, c.envFile)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	log, err := config.NewLogger(cfg.LogLevel, c.errOut)
	if err != nil {
		return err
	}
	c.cfg, c.log = cfg, log
	return nil
}

func (c *Commander) runnerOptions(extra ...experiment.Option) []experiment.Option {
	opts := []experiment.Option{experiment.WithLogger(c.log)}
	if c.optimizer != nil {
		opts = append(opts, experiment.WithOptimizer(c.optimizer))
	}
	if c.extractor != nil {
		opts = append(opts, experiment.WithExtractor(c.extractor))
	}
	return append(opts, extra...)
}

func (c *Commander) trainCommand() *cobra.Command {
	var (
		trainCSV, testCSV, trainManifest, testManifest string
		modelPath, metricsFile, sweepCSV               string
		algo, aStrategy                                string
		iters, pop, folds, oblFreq                     int
		oblRate                                        float64
		seed                                           int64
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Search features, calibrate tau, save the model and evaluate the test set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			cfg := c.cfg
			setString(flags.Changed("train-csv"), &cfg.Data.TrainCSV, trainCSV)
			setString(flags.Changed("test-csv"), &cfg.Data.TestCSV, testCSV)
			setString(flags.Changed("train-manifest"), &cfg.Data.TrainManifest, trainManifest)
			setString(flags.Changed("test-manifest"), &cfg.Data.TestManifest, testManifest)
			setString(flags.Changed("out"), &cfg.Output.ModelPath, modelPath)
			setString(flags.Changed("metrics-file"), &cfg.Output.MetricsFile, metricsFile)
			setString(flags.Changed("sweep-csv"), &cfg.Output.SweepCSV, sweepCSV)
			setString(flags.Changed("algo"), &cfg.Optimizer.Algorithm, algo)
			setString(flags.Changed("a-strategy"), &cfg.Optimizer.AStrategy, aStrategy)
			if flags.Changed("iters") {
				cfg.Search.Iterations = iters
			}
			if flags.Changed("pop") {
				cfg.Search.PopSize = pop
			}
			if flags.Changed("folds") {
				cfg.Search.Folds = folds
			}
			if flags.Changed("obl-freq") {
				cfg.Optimizer.OBLFreq = oblFreq
			}
			if flags.Changed("obl-rate") {
				cfg.Optimizer.OBLRate = oblRate
			}
			if flags.Changed("seed") {
				cfg.Seed = seed
			}
			return c.train(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&trainCSV, "train-csv", "", "training feature table")
	f.StringVar(&testCSV, "test-csv", "", "test feature table")
	f.StringVar(&trainManifest, "train-manifest", "", "training image manifest")
	f.StringVar(&testManifest, "test-manifest", "", "test image manifest")
	f.StringVarP(&modelPath, "out", "o", "", "model artifact path")
	f.StringVar(&metricsFile, "metrics-file", "", "write search metrics in Prometheus text format")
	f.StringVar(&sweepCSV, "sweep-csv", "", "export the diagnostic tau sweep")
	f.StringVar(&algo, "algo", "", "woa or ewoa")
	f.StringVar(&aStrategy, "a-strategy", "", "linear or cos")
	f.IntVar(&iters, "iters", 0, "optimizer iterations")
	f.IntVar(&pop, "pop", 0, "optimizer population")
	f.IntVar(&folds, "folds", 0, "cross-validation folds")
	f.IntVar(&oblFreq, "obl-freq", 0, "opposition-based learning period (0 disables)")
	f.Float64Var(&oblRate, "obl-rate", 0, "share of the population replaced by opposites")
	f.Int64Var(&seed, "seed", 0, "random seed")
	return cmd
}

func setString(changed bool, dst *string, v string) {
	if changed {
		*dst = v
	}
}

func (c *Commander) train(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	r, err := experiment.NewRunner(cfg, c.runnerOptions(experiment.WithMetrics(m))...)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s Training (folds=%d, iters=%d, pop=%d, algo=%s)...\n",
		c.cyan("→"), cfg.Search.Folds, cfg.Search.Iterations, cfg.Search.PopSize, cfg.Optimizer.Algorithm)
	res, err := r.Run(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "%s Training failed: %v\n", c.red("✗"), err)
		return err
	}
	c.printTrainSummary(res)
	c.printStages(res.Stages)
	if res.Report == nil {
		fmt.Fprintf(c.out, "\n%s No test set available, evaluation skipped\n", c.yellow("Note:"))
		return nil
	}
	c.printReport(*res.Report)
	return c.exportSweep(cfg.Output.SweepCSV, res.Report.Diagnostic)
}

func (c *Commander) exportSweep(path string, points []evaluation.SweepPoint) error {
	if path == "" {
		return nil
	}
	if err := ExportSweepCSV(path, points); err != nil {
		return fmt.Errorf("export sweep: %w", err)
	}
	fmt.Fprintf(c.out, "%s Sweep exported to %s\n", c.green("✓"), path)
	return nil
}

func (c *Commander) evaluateCommand() *cobra.Command {
	var modelPath, testCSV, testManifest, sweepCSV string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a saved model on a labeled test set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			flags := cmd.Flags()
			setString(flags.Changed("model"), &cfg.Output.ModelPath, modelPath)
			setString(flags.Changed("test-csv"), &cfg.Data.TestCSV, testCSV)
			setString(flags.Changed("test-manifest"), &cfg.Data.TestManifest, testManifest)
			setString(flags.Changed("sweep-csv"), &cfg.Output.SweepCSV, sweepCSV)

			art, err := persistence.Load(cfg.Output.ModelPath)
			if err != nil {
				return err
			}
			r, err := experiment.NewRunner(cfg, c.runnerOptions()...)
			if err != nil {
				return err
			}
			loader := experiment.NewLoader(cfg.Data, c.extractor, cfg.Workers, c.log)
			test, err := loader.LoadTest(cmd.Context(), art.FeatureNames)
			if err != nil {
				return err
			}
			if test == nil {
				return errors.New("no test set available (set --test-csv or --test-manifest)")
			}
			report, err := r.Evaluate(art, test)
			if err != nil {
				return err
			}
			c.printReport(report)
			return c.exportSweep(cfg.Output.SweepCSV, report.Diagnostic)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&modelPath, "model", "m", "", "model artifact path")
	f.StringVar(&testCSV, "test-csv", "", "test feature table")
	f.StringVar(&testManifest, "test-manifest", "", "test image manifest")
	f.StringVar(&sweepCSV, "sweep-csv", "", "export the diagnostic tau sweep")
	return cmd
}

func (c *Commander) predictCommand() *cobra.Command {
	var (
		modelPath, imagePath, featuresPath string
		tau                                float64
		asJSON                             bool
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Classify one image or one feature map",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			setString(cmd.Flags().Changed("model"), &cfg.Output.ModelPath, modelPath)
			tauOverride := cfg.Predict.TauOverride
			if cmd.Flags().Changed("tau-override") {
				tauOverride = &tau
			}
			if (imagePath == "") == (featuresPath == "") {
				return errors.New("exactly one of --image or --features is required")
			}

			art, err := persistence.Load(cfg.Output.ModelPath)
			if err != nil {
				return err
			}
			p, err := experiment.NewPredictor(art, cfg.Predict.TopK, c.log)
			if err != nil {
				return err
			}

			var pred experiment.Prediction
			if imagePath != "" {
				extractor := c.extractor
				if extractor == nil {
					extractor = data.NewFileExtractor(cfg.Data.FeatureSuffix)
				}
				builder := data.NewFeatureBuilder(extractor, nil, nil, c.log)
				pred, err = p.PredictImage(cmd.Context(), builder, imagePath, tauOverride)
			} else {
				var feats map[string]float64
				feats, err = readFeatures(featuresPath)
				if err == nil {
					pred, err = p.Predict(feats, tauOverride)
				}
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(pred)
			}
			c.printPrediction(pred)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&modelPath, "model", "m", "", "model artifact path")
	f.StringVar(&imagePath, "image", "", "image to classify")
	f.StringVar(&featuresPath, "features", "", "JSON object of raw feature values")
	f.Float64Var(&tau, "tau-override", 0, "decision threshold to use instead of the model's")
	f.BoolVar(&asJSON, "json", false, "print the prediction as JSON")
	return cmd
}

func readFeatures(path string) (map[string]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var feats map[string]float64
	if err := json.Unmarshal(raw, &feats); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return feats, nil
}

func (c *Commander) setTauCommand() *cobra.Command {
	var (
		modelPath string
		tau       float64
	)
	cmd := &cobra.Command{
		Use:   "set-tau",
		Short: "Rewrite the decision threshold of a saved model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("tau") {
				return errors.New("--tau is required")
			}
			if modelPath == "" {
				modelPath = c.cfg.Output.ModelPath
			}
			art, err := persistence.SetTau(modelPath, tau)
			if err != nil {
				return err
			}
			c.log.Info().Str("model", modelPath).Float64("tau", art.Tau).Msg("tau updated")
			c.printArtifact(modelPath, art)
			return nil
		},
	}
	cmd.Flags().StringVarP(&modelPath, "model", "m", "", "model artifact path")
	cmd.Flags().Float64Var(&tau, "tau", 0, "new decision threshold")
	return cmd
}
