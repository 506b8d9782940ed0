package commander

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mahaclassifier/internal/evaluation"
	"mahaclassifier/internal/experiment"
	"mahaclassifier/internal/jobs"
	"mahaclassifier/internal/models"
	"mahaclassifier/internal/persistence"
)

func (c *Commander) printTrainSummary(res *experiment.RunResult) {
	art := res.Artifact
	fmt.Fprintf(c.out, "\n%s\n", c.blue("Training Summary:"))
	fmt.Fprintln(c.out, strings.Repeat("═", 60))
	fmt.Fprintf(c.out, "Run:            %s\n", res.RunID)
	fmt.Fprintf(c.out, "Optimizer:      %s (iters=%d, pop=%d, folds=%d)\n", art.Algo, art.Iters, art.Pop, art.Folds)
	if st := res.Data; st.Samples > 0 {
		fmt.Fprintf(c.out, "Dataset:        %d samples, %d features (label 0=%d, label 1=%d)\n",
			st.Samples, st.Features, st.Classes[models.Benign], st.Classes[models.Malignant])
	}
	if res.Labels.Flipped {
		fmt.Fprintf(c.out, "%s labels were flipped so that 0=Benign, 1=Malignant\n", c.yellow("Note:"))
	}
	fmt.Fprintf(c.out, "Malignant share: %.3f\n", res.Labels.MalignantRatio)
	fmt.Fprintf(c.out, "Global score:   %.4f\n", res.Search.Global.Score)
	fmt.Fprintf(c.out, "Refined score:  %.4f (%d single, %d pair flips)\n",
		res.Search.Score, len(res.Search.SingleFlips), len(res.Search.PairFlips))
	if art.CVError != nil {
		fmt.Fprintf(c.out, "CV error:       %.4f (Benign=%.4f, Malignant=%.4f)\n", *art.CVError, *art.CVErrorB, *art.CVErrorM)
	}

	cal := res.Calibration
	fmt.Fprintf(c.out, "\n%s\n", c.cyan("Threshold Calibration:"))
	fmt.Fprintln(c.out, strings.Repeat("─", 60))
	fmt.Fprintf(c.out, "Global τ:       %.4f [%s]\n", cal.Global.Tau, cal.Global.Mode)
	fmt.Fprintf(c.out, "Local τ:        %.4f [%s] over %d points\n", cal.Local.Tau, cal.Local.Mode, cal.LocalGrid)
	adopted := c.yellow("global kept")
	if cal.LocalAdopted {
		adopted = c.green("local adopted")
	}
	fmt.Fprintf(c.out, "Final τ:        %.4f (%s)  spec=%.3f sens=%.3f\n", cal.Tau, adopted, cal.Spec, cal.Sens)

	fmt.Fprintf(c.out, "\n%s (%d)\n", c.cyan("Selected Features"), len(art.SelectedIdx))
	fmt.Fprintln(c.out, strings.Repeat("─", 60))
	for i, name := range art.SelectedNames {
		fmt.Fprintf(c.out, "  %3d  %s\n", art.SelectedIdx[i], name)
	}
	if res.ModelPath != "" {
		fmt.Fprintf(c.out, "\n%s Model saved to %s\n", c.green("✓"), res.ModelPath)
	}
}

func (c *Commander) printStages(stages []*jobs.Job) {
	if len(stages) == 0 {
		return
	}
	fmt.Fprintf(c.out, "\n%s\n", c.cyan("Pipeline Stages:"))
	fmt.Fprintln(c.out, strings.Repeat("-", 60))
	fmt.Fprintf(c.out, "%-12s %-11s %-12s %s\n", "Stage", "Status", "Duration", "Notes")
	fmt.Fprintln(c.out, strings.Repeat("-", 60))
	for _, job := range stages {
		statusColor := c.yellow
		switch job.GetStatus() {
		case jobs.JobCompleted:
			statusColor = c.green
		case jobs.JobFailed:
			statusColor = c.red
		case jobs.JobRunning:
			statusColor = c.cyan
		}
		notes := ""
		if logs := job.GetLogs(); len(logs) > 0 {
			notes = logs[len(logs)-1]
		}
		fmt.Fprintf(c.out, "%-12s %-11s %-12s %s\n",
			job.Type, statusColor(string(job.GetStatus())), job.Duration().Round(1e6), notes)
	}
}

func (c *Commander) printReport(report evaluation.Report) {
	c.printDiagnostic(report.Diagnostic)

	fmt.Fprintf(c.out, "\n%s τ = %.4f\n", c.blue("Official Evaluation @"), report.Official.Tau)
	fmt.Fprintln(c.out, strings.Repeat("═", 60))
	c.printMetrics(report.Official.Metrics)

	fmt.Fprintf(c.out, "\n%s τ = %.4f [%s]\n", c.blue("Constrained Evaluation @"), report.Constrained.Tau, report.Constrained.Mode)
	fmt.Fprintln(c.out, strings.Repeat("═", 60))
	c.printMetrics(report.Constrained.Metrics)
}

func (c *Commander) printDiagnostic(points []evaluation.SweepPoint) {
	fmt.Fprintf(c.out, "\n%s\n", c.cyan("Diagnostic τ Sweep (best first):"))
	fmt.Fprintln(c.out, strings.Repeat("─", 70))
	fmt.Fprintf(c.out, "%-8s %-10s %-10s %-10s %-10s %s\n", "τ", "Accuracy", "Balanced", "Spec", "Sens", "[TN FP; FN TP]")
	fmt.Fprintln(c.out, strings.Repeat("─", 70))
	for _, p := range points {
		cm := p.Confusion
		fmt.Fprintf(c.out, "%-8.3f %-10.4f %-10.4f %-10.4f %-10.4f [%d %d; %d %d]\n",
			p.Tau, p.Accuracy, p.BalancedAccuracy, p.Specificity, p.Sensitivity, cm.TN, cm.FP, cm.FN, cm.TP)
	}
}

func (c *Commander) printMetrics(m evaluation.BinaryMetrics) {
	fmt.Fprintln(c.out, c.cyan("Confusion Matrix:"))
	fmt.Fprintln(c.out, "(Rows = Actual, Columns = Predicted)")
	fmt.Fprintf(c.out, "%-18s", "")
	for _, class := range models.Classes {
		fmt.Fprintf(c.out, "%-12s", class)
	}
	fmt.Fprintln(c.out)
	matrix := m.Confusion.Matrix()
	for _, actual := range models.Classes {
		fmt.Fprintf(c.out, "%-18s", actual)
		for _, pred := range models.Classes {
			count := matrix[actual][pred]
			cell := fmt.Sprintf("%-12d", count)
			switch {
			case actual == pred:
				cell = c.green(cell)
			case count > 0:
				cell = c.red(cell)
			}
			fmt.Fprint(c.out, cell)
		}
		fmt.Fprintln(c.out)
	}

	fmt.Fprintln(c.out, strings.Repeat("─", 60))
	fmt.Fprintf(c.out, "Correct: %d/%d\n", m.Confusion.TN+m.Confusion.TP, m.NumSamples)
	fmt.Fprint(c.out, m.FormatMetrics())

	c.printClassificationReport(m)

	if diff := math.Abs(m.Accuracy - m.BalancedAccuracy); diff > 0.05 {
		fmt.Fprintf(c.out, "\n%s Accuracy difference detected (%.3f)\n", c.yellow("Note:"), diff)
		if m.BalancedAccuracy < m.Accuracy {
			fmt.Fprintln(c.out, "  Simple accuracy higher than balanced - possible class imbalance")
		}
	}
}

func (c *Commander) printClassificationReport(m evaluation.BinaryMetrics) {
	fmt.Fprintln(c.out, c.cyan("\nClassification Report:"))
	fmt.Fprintln(c.out, strings.Repeat("─", 60))
	fmt.Fprintf(c.out, "%-12s %-10s %-10s %-10s %-8s\n", "Class", "Precision", "Recall", "F1-Score", "Support")
	fmt.Fprintln(c.out, strings.Repeat("─", 60))
	var macroP, macroR, macroF float64
	for _, class := range models.Classes {
		cm := m.PerClass[class]
		fmt.Fprintf(c.out, "%-12s %-10.4f %-10.4f %-10.4f %-8d\n", class, cm.Precision, cm.Recall, cm.F1Score, cm.Support)
		macroP += cm.Precision / 2
		macroR += cm.Recall / 2
		macroF += cm.F1Score / 2
	}
	fmt.Fprintf(c.out, "%-12s %-10.4f %-10.4f %-10.4f %-8d\n", "macro avg", macroP, macroR, macroF, m.NumSamples)
}

func (c *Commander) printPrediction(pred experiment.Prediction) {
	label := c.green(pred.Label)
	if pred.Class == models.Malignant {
		label = c.red(pred.Label)
	}
	fmt.Fprintf(c.out, "\n%s %s\n", c.blue("Prediction:"), label)
	fmt.Fprintln(c.out, strings.Repeat("═", 60))
	fmt.Fprintf(c.out, "Distance to Benign:     %.4f\n", pred.DistanceBenign)
	fmt.Fprintf(c.out, "Distance to Malignant:  %.4f\n", pred.DistanceMalignant)
	fmt.Fprintf(c.out, "Rule:                   %s\n", pred.Rule)
	for _, class := range models.Classes {
		fmt.Fprintf(c.out, "P(%s):%s%.4f\n", class, strings.Repeat(" ", 19-len(class.String())), pred.Probabilities[class.String()])
	}
	fmt.Fprintf(c.out, "\n%s\n", c.cyan("Top Feature Contributors:"))
	for _, contrib := range pred.TopContributors {
		fmt.Fprintf(c.out, "  %-30s %.4f\n", contrib.Feature, contrib.Weight)
	}
}

func (c *Commander) printArtifact(path string, art *persistence.Artifact) {
	fmt.Fprintf(c.out, "%s τ = %s written to %s (and %s.tau)\n", c.green("✓"), strconv.FormatFloat(art.Tau, 'g', -1, 64), path, path)
}

// ExportSweepCSV writes the diagnostic sweep of a report.
func ExportSweepCSV(filename string, points []evaluation.SweepPoint) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return WriteSweepCSV(file, points)
}

func WriteSweepCSV(w io.Writer, points []evaluation.SweepPoint) error {
	writer := csv.NewWriter(w)
	writer.Write([]string{"tau", "accuracy", "balanced_accuracy", "specificity", "sensitivity", "tn", "fp", "fn", "tp"})
	for _, p := range points {
		writer.Write([]string{
			fmt.Sprintf("%.4f", p.Tau),
			fmt.Sprintf("%.4f", p.Accuracy),
			fmt.Sprintf("%.4f", p.BalancedAccuracy),
			fmt.Sprintf("%.4f", p.Specificity),
			fmt.Sprintf("%.4f", p.Sensitivity),
			strconv.Itoa(p.Confusion.TN),
			strconv.Itoa(p.Confusion.FP),
			strconv.Itoa(p.Confusion.FN),
			strconv.Itoa(p.Confusion.TP),
		})
	}
	writer.Flush()
	return writer.Error()
}
