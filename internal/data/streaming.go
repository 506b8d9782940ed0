package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"mahaclassifier/internal/models"
)

// Manifest columns.
const (
	ColumnPatientID = "patient_id"
	ColumnClass     = "Class"
	ColumnImagePath = "image_path"
)

// ManifestEntry is one labeled image listed in a manifest.
type ManifestEntry struct {
	Row       int
	PatientID string
	ImagePath string
	Label     models.ClassID
}

// ManifestReader streams a patient_id,Class,image_path manifest. Rows with an
// unrecognized label or a missing image are skipped with a warning.
type ManifestReader struct {
	file    *os.File
	reader  *csv.Reader
	header  []string
	columns map[string]int
	row     int
	skipped int
	log     zerolog.Logger
}

func NewManifestReader(filename string, log zerolog.Logger) (*ManifestReader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read manifest header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.TrimSpace(h)] = i
	}
	var missing []string
	for _, c := range []string{ColumnPatientID, ColumnClass, ColumnImagePath} {
		if _, ok := columns[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		file.Close()
		return nil, fmt.Errorf("manifest %s is missing columns: %s", filename, strings.Join(missing, ", "))
	}

	return &ManifestReader{
		file:    file,
		reader:  reader,
		header:  header,
		columns: columns,
		log:     log,
	}, nil
}

func (r *ManifestReader) GetHeaders() []string {
	return r.header
}

// Skipped is the number of rows dropped so far.
func (r *ManifestReader) Skipped() int {
	return r.skipped
}

// ReadBatch returns up to batchSize usable entries, or io.EOF once the
// manifest is exhausted.
func (r *ManifestReader) ReadBatch(batchSize int) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	for len(entries) < batchSize {
		record, err := r.reader.Read()
		if err == io.EOF {
			if len(entries) == 0 {
				return nil, io.EOF
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading manifest row %d: %w", r.row, err)
		}
		r.row++

		label, err := models.ParseClassID(record[r.columns[ColumnClass]])
		if err != nil {
			r.skipped++
			r.log.Warn().Int("row", r.row).Err(err).Msg("skipping row with bad label")
			continue
		}
		path := strings.TrimSpace(record[r.columns[ColumnImagePath]])
		if _, err := os.Stat(path); err != nil {
			r.skipped++
			r.log.Warn().Int("row", r.row).Str("image", path).Msg("skipping row with missing image")
			continue
		}
		entries = append(entries, ManifestEntry{
			Row:       r.row,
			PatientID: strings.TrimSpace(record[r.columns[ColumnPatientID]]),
			ImagePath: path,
			Label:     label,
		})
	}
	return entries, nil
}

// ReadAll drains the manifest.
func (r *ManifestReader) ReadAll() ([]ManifestEntry, error) {
	var all []ManifestEntry
	for {
		batch, err := r.ReadBatch(1000)
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
	}
}

func (r *ManifestReader) Close() error {
	return r.file.Close()
}
