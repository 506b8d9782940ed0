package persistence

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/mat"

	"mahaclassifier/internal/models"
	"mahaclassifier/internal/preprocessing"
)

var ErrMalformedArtifact = errors.New("malformed model artifact")

//go:embed artifact.schema.json
var artifactSchemaJSON []byte

var (
	artifactSchema = mustCompileSchema(artifactSchemaJSON, "artifact.schema.json")
	printer        = message.NewPrinter(language.English)
)

type ClassStat struct {
	Mu    []float64 `json:"mu"`
	Sigma []float64 `json:"sigma,omitempty"`
}

type ErrorWeights struct {
	Benign    float64 `json:"benign"`
	Malignant float64 `json:"malignant"`
}

type PolicyBlock struct {
	Taus              []float64 `json:"taus"`
	SensWeight        float64   `json:"sens_weight"`
	MinSensitivity    float64   `json:"min_sensitivity"`
	MinSpecificity    float64   `json:"min_specificity"`
	FallbackSpecFloor float64   `json:"fallback_spec_floor"`
	LambdaSpec        float64   `json:"lambda_spec"`
	LocalRadius       float64   `json:"local_radius"`
	TargetFloor       float64   `json:"target_floor"`
}

type CalibrationInfo struct {
	GlobalTau    float64   `json:"global_tau"`
	GlobalMode   string    `json:"global_mode"`
	LocalTau     float64   `json:"local_tau"`
	LocalMode    string    `json:"local_mode"`
	LocalAdopted bool      `json:"local_adopted"`
	Seeds        []float64 `json:"seeds"`
	FoldTaus     []float64 `json:"fold_taus"`
}

// Artifact is the persisted model. Field names are the on-disk contract read
// by prediction.
type Artifact struct {
	SchemaVersion int       `json:"schema_version"`
	RunID         string    `json:"run_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	Algo          string  `json:"algo,omitempty"`
	Iters         int     `json:"iters,omitempty"`
	Pop           int     `json:"pop,omitempty"`
	AStrategy     string  `json:"a_strategy,omitempty"`
	OBLFreq       int     `json:"obl_freq,omitempty"`
	OBLRate       float64 `json:"obl_rate,omitempty"`
	Folds         int     `json:"folds,omitempty"`
	Seed          int64   `json:"seed"`
	LabelsFlipped bool    `json:"labels_flipped"`

	FeatureNames  []string             `json:"feature_names"`
	SelectedIdx   []int                `json:"selected_idx"`
	SelectedNames []string             `json:"selected_names"`
	TrainMu       []float64            `json:"train_mu"`
	TrainSigma    []float64            `json:"train_sigma"`
	ClassLabels   map[string]string    `json:"class_labels"`
	ClassStats    map[string]ClassStat `json:"class_stats"`
	SpInv         [][]float64          `json:"Sp_inv"`
	Tau           float64              `json:"tau"`

	CVError        *float64         `json:"cv_error"`
	CVErrorB       *float64         `json:"cv_error_B"`
	CVErrorM       *float64         `json:"cv_error_M"`
	CVErrorWeights *ErrorWeights    `json:"cv_error_weights,omitempty"`
	Policy         PolicyBlock      `json:"policy"`
	Calibration    *CalibrationInfo `json:"calibration,omitempty"`
}

// NewArtifact captures the fitted model. Provenance fields are filled in by
// the caller.
func NewArtifact(featureNames []string, selected []int, std *preprocessing.Standardizer, cs models.ClassStatistics, tau float64) (*Artifact, error) {
	if len(featureNames) != std.Dim() {
		return nil, fmt.Errorf("%d feature names for %d standardized features", len(featureNames), std.Dim())
	}
	names := make([]string, len(selected))
	for i, idx := range selected {
		if idx < 0 || idx >= len(featureNames) {
			return nil, fmt.Errorf("selected index %d out of range", idx)
		}
		names[i] = featureNames[idx]
	}
	return &Artifact{
		SchemaVersion: SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		FeatureNames:  featureNames,
		SelectedIdx:   selected,
		SelectedNames: names,
		TrainMu:       std.Mu,
		TrainSigma:    std.Sigma,
		ClassLabels: map[string]string{
			models.Benign.Key():    models.Benign.String(),
			models.Malignant.Key(): models.Malignant.String(),
		},
		ClassStats: map[string]ClassStat{
			models.Benign.Key():    {Mu: cs.MeanBenign, Sigma: cs.SigmaBenign},
			models.Malignant.Key(): {Mu: cs.MeanMalignant, Sigma: cs.SigmaMalignant},
		},
		SpInv: denseRows(cs.PooledInverse),
		Tau:   tau,
	}, nil
}

// SetCVError records the cross-validated class errors of the selected mask.
func (a *Artifact) SetCVError(errB, errM, wB, wM float64) {
	combined := (wB*errB + wM*errM) / (wB + wM)
	a.CVError = &combined
	a.CVErrorB = &errB
	a.CVErrorM = &errM
	a.CVErrorWeights = &ErrorWeights{Benign: wB, Malignant: wM}
}

// Standardizer rebuilds the training standardization.
func (a *Artifact) Standardizer() (*preprocessing.Standardizer, error) {
	return preprocessing.NewStandardizer(a.TrainMu, a.TrainSigma)
}

// ClassStatistics rebuilds the fitted class statistics in selected-feature
// space.
func (a *Artifact) ClassStatistics() models.ClassStatistics {
	b, m := a.ClassStats[models.Benign.Key()], a.ClassStats[models.Malignant.Key()]
	k := len(a.SpInv)
	data := make([]float64, 0, k*k)
	for _, row := range a.SpInv {
		data = append(data, row...)
	}
	var inv *mat.Dense
	if k > 0 {
		inv = mat.NewDense(k, k, data)
	}
	return models.ClassStatistics{
		MeanBenign:     b.Mu,
		MeanMalignant:  m.Mu,
		SigmaBenign:    b.Sigma,
		SigmaMalignant: m.Sigma,
		PooledInverse:  inv,
	}
}

func (a *Artifact) Save(filename string) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := os.WriteFile(filename, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

func Load(filename string) (*Artifact, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	a, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return a, nil
}

// Decode parses, migrates, validates and checks an artifact document.
func Decode(data []byte) (*Artifact, error) {
	raw, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level must be an object", ErrMalformedArtifact)
	}
	if err := migrate(doc); err != nil {
		return nil, err
	}
	if err := requireFields(doc); err != nil {
		return nil, err
	}
	if err := artifactSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedArtifact, schemaErrors(err))
	}

	var a Artifact
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339),
		TagName:    "json",
		Result:     &a,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
	}
	if err := a.check(); err != nil {
		return nil, err
	}
	return &a, nil
}

func requireFields(doc map[string]any) error {
	for _, f := range []string{"feature_names", "selected_idx", "train_mu", "train_sigma", "class_stats", "tau"} {
		if _, ok := doc[f]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrMalformedArtifact, f)
		}
	}
	stats, ok := doc["class_stats"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: class_stats must be an object", ErrMalformedArtifact)
	}
	for _, c := range models.Classes {
		entry, ok := stats[c.Key()].(map[string]any)
		if !ok {
			return fmt.Errorf("%w: class_stats has no usable entry for class %s", ErrMalformedArtifact, c)
		}
		if _, ok := entry["mu"]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrMalformedArtifact, "class_stats."+c.Key()+".mu")
		}
	}
	return nil
}

// check enforces cross-field consistency and rebuilds Sp_inv from the
// per-class sigma when it is absent.
func (a *Artifact) check() error {
	d := len(a.FeatureNames)
	if len(a.TrainMu) != d {
		return fmt.Errorf("%w: train_mu has %d entries, want %d", ErrMalformedArtifact, len(a.TrainMu), d)
	}
	if len(a.TrainSigma) != d {
		return fmt.Errorf("%w: train_sigma has %d entries, want %d", ErrMalformedArtifact, len(a.TrainSigma), d)
	}
	for _, idx := range a.SelectedIdx {
		if idx < 0 || idx >= d {
			return fmt.Errorf("%w: selected_idx %d out of range [0,%d)", ErrMalformedArtifact, idx, d)
		}
	}
	k := len(a.SelectedIdx)
	if len(a.SelectedNames) == 0 {
		a.SelectedNames = make([]string, k)
		for i, idx := range a.SelectedIdx {
			a.SelectedNames[i] = a.FeatureNames[idx]
		}
	}
	if len(a.SelectedNames) != k {
		return fmt.Errorf("%w: selected_names has %d entries, want %d", ErrMalformedArtifact, len(a.SelectedNames), k)
	}
	for i, idx := range a.SelectedIdx {
		if a.SelectedNames[i] != a.FeatureNames[idx] {
			return fmt.Errorf("%w: selected_names[%d] is %q, feature_names[%d] is %q", ErrMalformedArtifact, i, a.SelectedNames[i], idx, a.FeatureNames[idx])
		}
	}
	for _, c := range models.Classes {
		st := a.ClassStats[c.Key()]
		if len(st.Mu) != k {
			return fmt.Errorf("%w: class_stats.%s.mu has %d entries, want %d", ErrMalformedArtifact, c.Key(), len(st.Mu), k)
		}
	}
	if a.ClassLabels == nil {
		a.ClassLabels = map[string]string{models.Benign.Key(): models.Benign.String(), models.Malignant.Key(): models.Malignant.String()}
	}

	if a.SpInv == nil {
		inv, err := diagonalInverse(a.ClassStats[models.Benign.Key()].Sigma, a.ClassStats[models.Malignant.Key()].Sigma, k)
		if err != nil {
			return err
		}
		a.SpInv = inv
	}
	if len(a.SpInv) != k {
		return fmt.Errorf("%w: Sp_inv has %d rows, want %d", ErrMalformedArtifact, len(a.SpInv), k)
	}
	for i, row := range a.SpInv {
		if len(row) != k {
			return fmt.Errorf("%w: Sp_inv row %d has %d entries, want %d", ErrMalformedArtifact, i, len(row), k)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: Sp_inv row %d is not finite", ErrMalformedArtifact, i)
			}
		}
	}
	return nil
}

// diagonalInverse is pinv(diag((sigmaB^2 + sigmaM^2) / 2)).
func diagonalInverse(sigmaB, sigmaM []float64, k int) ([][]float64, error) {
	if len(sigmaB) != k || len(sigmaM) != k {
		return nil, fmt.Errorf("%w: missing required field %q and no per-class sigma of length %d to rebuild it", ErrMalformedArtifact, "Sp_inv", k)
	}
	diag := make([]float64, k)
	for i := range diag {
		diag[i] = 0.5 * (sigmaB[i]*sigmaB[i] + sigmaM[i]*sigmaM[i])
	}
	inv, err := models.PseudoInverse(mat.NewDiagDense(k, diag))
	if err != nil {
		return nil, fmt.Errorf("%w: rebuilding Sp_inv: %v", ErrMalformedArtifact, err)
	}
	return denseRows(inv), nil
}

// SetTau rewrites the artifact threshold and writes a plain-text sidecar next
// to it.
func SetTau(filename string, tau float64) (*Artifact, error) {
	if tau <= 0 || math.IsNaN(tau) || math.IsInf(tau, 0) {
		return nil, fmt.Errorf("tau must be a positive finite number, got %v", tau)
	}
	a, err := Load(filename)
	if err != nil {
		return nil, err
	}
	a.Tau = tau
	if err := a.Save(filename); err != nil {
		return nil, err
	}
	sidecar := filename + ".tau"
	if err := os.WriteFile(sidecar, []byte(strconv.FormatFloat(tau, 'g', -1, 64)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", sidecar, err)
	}
	return a, nil
}

func (a *Artifact) SaveMetadata(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	fmt.Fprintf(file, "Run: %s\n", a.RunID)
	fmt.Fprintf(file, "Created: %s\n", a.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(file, "Optimizer: %s (iters=%d, pop=%d)\n", a.Algo, a.Iters, a.Pop)
	fmt.Fprintf(file, "Features: %d, Selected: %d\n", len(a.FeatureNames), len(a.SelectedIdx))
	fmt.Fprintf(file, "Tau: %.4f\n", a.Tau)
	if a.CVError != nil {
		fmt.Fprintf(file, "CV Error: %.4f (Benign=%.4f, Malignant=%.4f)\n", *a.CVError, *a.CVErrorB, *a.CVErrorM)
	}
	for i, name := range a.SelectedNames {
		fmt.Fprintf(file, "  %3d  %s\n", a.SelectedIdx[i], name)
	}
	return nil
}

func denseRows(m mat.Matrix) [][]float64 {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = make([]float64, c)
		for j := range rows[i] {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}

func schemaErrors(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	collectSchemaErrors(ve, &msgs)
	return strings.Join(msgs, "; ")
}

func collectSchemaErrors(ve *jsonschema.ValidationError, msgs *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		*msgs = append(*msgs, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(printer)))
		return
	}
	for _, c := range ve.Causes {
		collectSchemaErrors(c, msgs)
	}
}

func mustCompileSchema(raw []byte, name string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse embedded %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("failed to add %s resource: %v", name, err))
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to compile %s: %v", name, err))
	}
	return sch
}
