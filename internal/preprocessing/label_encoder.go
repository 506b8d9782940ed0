package preprocessing

import (
	"fmt"

	"mahaclassifier/internal/models"
)

// LabelEncoder maps raw label cells to class ids and counts what it has seen.
type LabelEncoder struct {
	Counts map[models.ClassID]int
}

func NewLabelEncoder() *LabelEncoder {
	return &LabelEncoder{Counts: make(map[models.ClassID]int)}
}

func (le *LabelEncoder) Encode(label string) (models.ClassID, error) {
	c, err := models.ParseClassID(label)
	if err != nil {
		return 0, err
	}
	le.Counts[c]++
	return c, nil
}

func (le *LabelEncoder) Transform(labels []string) ([]models.ClassID, error) {
	result := make([]models.ClassID, len(labels))
	for i, label := range labels {
		c, err := le.Encode(label)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		result[i] = c
	}
	return result, nil
}

func (le *LabelEncoder) InverseTransform(encoded []models.ClassID) ([]string, error) {
	result := make([]string, len(encoded))
	for i, c := range encoded {
		if !c.Valid() {
			return nil, fmt.Errorf("unknown encoding: %d", int(c))
		}
		result[i] = c.String()
	}
	return result, nil
}
