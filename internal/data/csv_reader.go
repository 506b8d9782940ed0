package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"mahaclassifier/internal/models"
	"mahaclassifier/internal/preprocessing"
)

var (
	ErrNonFinite = errors.New("non-finite feature value")
	ErrNotBinary = errors.New("labels are not binary")
)

// DefaultLabelColumn is the label header used by the feature tables.
const DefaultLabelColumn = "Class"

// Dataset is a numeric feature table with binary labels.
type Dataset struct {
	FeatureNames []string
	X            [][]float64
	Y            []models.ClassID
}

func (d *Dataset) Len() int {
	return len(d.X)
}

func (d *Dataset) Dim() int {
	return len(d.FeatureNames)
}

type CSVReader struct {
	filename    string
	labelColumn string
}

// NewCSVReader reads a header row followed by feature rows. labelColumn names
// the label header; when it is empty or absent the last column is the label.
func NewCSVReader(filename, labelColumn string) (*CSVReader, error) {
	if filename == "" {
		return nil, fmt.Errorf("csv filename is empty")
	}
	return &CSVReader{filename: filename, labelColumn: labelColumn}, nil
}

func (cr *CSVReader) LoadData() (*Dataset, error) {
	file, err := os.Open(cr.filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	ds, err := ReadCSV(file, cr.labelColumn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cr.filename, err)
	}
	return ds, nil
}

// ReadCSV parses a feature table from r. Cells are parsed as exact decimals
// before conversion, and NaN or infinite cells abort the load.
func ReadCSV(r io.Reader, labelColumn string) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}
	if len(headers) < 2 {
		return nil, fmt.Errorf("need at least one feature column and a label column, got %d columns", len(headers))
	}
	labelCol := len(headers) - 1
	for i, h := range headers {
		if labelColumn != "" && strings.TrimSpace(h) == labelColumn {
			labelCol = i
			break
		}
	}

	ds := &Dataset{}
	for i, h := range headers {
		if i != labelCol {
			ds.FeatureNames = append(ds.FeatureNames, strings.TrimSpace(h))
		}
	}

	encoder := preprocessing.NewLabelEncoder()
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading record %d: %w", row, err)
		}
		row++

		features := make([]float64, 0, len(record)-1)
		for j, val := range record {
			if j == labelCol {
				continue
			}
			v, err := ParseFeature(val)
			if err != nil {
				return nil, fmt.Errorf("row %d, column %q: %w", row, headers[j], err)
			}
			features = append(features, v)
		}
		label, err := encoder.Encode(record[labelCol])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w: %v", row, ErrNotBinary, err)
		}
		ds.X = append(ds.X, features)
		ds.Y = append(ds.Y, label)
	}

	if len(ds.X) == 0 {
		return nil, fmt.Errorf("insufficient data in file")
	}
	return ds, nil
}

// ParseFeature converts one cell. Empty, NaN and infinite cells are
// ErrNonFinite.
func ParseFeature(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(strings.TrimLeft(s, "+-")) {
	case "", "nan", "inf", "infinity":
		return 0, fmt.Errorf("%w: %q", ErrNonFinite, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value %q: %w", s, err)
	}
	v := d.InexactFloat64()
	if math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q overflows float64", ErrNonFinite, s)
	}
	return v, nil
}
