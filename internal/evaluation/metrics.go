package evaluation

import (
	"fmt"
	"math"

	"mahaclassifier/internal/models"
)

// rateEpsilon keeps rates finite when a class is absent from the evaluated rows.
const rateEpsilon = 1e-9

// Confusion counts with benign as the negative class.
type Confusion struct {
	TN int `json:"tn"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TP int `json:"tp"`
}

func NewConfusion(yTrue, yPred []models.ClassID) Confusion {
	var c Confusion
	for i := range yTrue {
		c.Add(yTrue[i], yPred[i])
	}
	return c
}

func (c *Confusion) Add(truth, pred models.ClassID) {
	switch {
	case truth == models.Benign && pred == models.Benign:
		c.TN++
	case truth == models.Benign:
		c.FP++
	case pred == models.Benign:
		c.FN++
	default:
		c.TP++
	}
}

func (c Confusion) Total() int {
	return c.TN + c.FP + c.FN + c.TP
}

func (c Confusion) Specificity() float64 {
	return float64(c.TN) / (float64(c.TN+c.FP) + rateEpsilon)
}

func (c Confusion) Sensitivity() float64 {
	return float64(c.TP) / (float64(c.TP+c.FN) + rateEpsilon)
}

func (c Confusion) Accuracy() float64 {
	return safeDivide(float64(c.TN+c.TP), float64(c.Total()))
}

// BalancedAccuracy averages per-class recall over the classes present.
func (c Confusion) BalancedAccuracy() float64 {
	var sum float64
	present := 0
	if c.TN+c.FP > 0 {
		sum += float64(c.TN) / float64(c.TN+c.FP)
		present++
	}
	if c.TP+c.FN > 0 {
		sum += float64(c.TP) / float64(c.TP+c.FN)
		present++
	}
	return safeDivide(sum, float64(present))
}

// Matrix is rows = true class, cols = predicted class.
func (c Confusion) Matrix() [2][2]int {
	return [2][2]int{{c.TN, c.FP}, {c.FN, c.TP}}
}

type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1_score"`
	Support   int     `json:"support"`
}

type BinaryMetrics struct {
	Accuracy         float64                         `json:"accuracy"`
	BalancedAccuracy float64                         `json:"balanced_accuracy"`
	ErrorRate        float64                         `json:"error_rate"`
	Specificity      float64                         `json:"specificity"`
	Sensitivity      float64                         `json:"sensitivity"`
	Confusion        Confusion                       `json:"confusion"`
	PerClass         map[models.ClassID]ClassMetrics `json:"per_class"`
	NumSamples       int                             `json:"num_samples"`
}

func CalculateMetrics(c Confusion) BinaryMetrics {
	acc := c.Accuracy()
	return BinaryMetrics{
		Accuracy:         acc,
		BalancedAccuracy: c.BalancedAccuracy(),
		ErrorRate:        1 - acc,
		Specificity:      c.Specificity(),
		Sensitivity:      c.Sensitivity(),
		Confusion:        c,
		PerClass: map[models.ClassID]ClassMetrics{
			models.Benign:    classMetrics(c.TN, c.FN, c.FP),
			models.Malignant: classMetrics(c.TP, c.FP, c.FN),
		},
		NumSamples: c.Total(),
	}
}

func classMetrics(tp, fp, fn int) ClassMetrics {
	precision := safeDivide(float64(tp), float64(tp+fp))
	recall := safeDivide(float64(tp), float64(tp+fn))
	return ClassMetrics{
		Precision: precision,
		Recall:    recall,
		F1Score:   safeDivide(2*precision*recall, precision+recall),
		Support:   tp + fn,
	}
}

func safeDivide(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0.0
	}
	result := numerator / denominator
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0.0
	}
	return result
}

func (m BinaryMetrics) FormatMetrics() string {
	result := fmt.Sprintf("Accuracy: %.4f\n", m.Accuracy)
	result += fmt.Sprintf("Balanced Accuracy: %.4f\n", m.BalancedAccuracy)
	result += fmt.Sprintf("Specificity (Benign): %.4f\n", m.Specificity)
	result += fmt.Sprintf("Sensitivity (Malignant): %.4f\n", m.Sensitivity)
	result += fmt.Sprintf("Error Rate: %.4f\n", m.ErrorRate)
	return result
}
