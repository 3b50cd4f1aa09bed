// Package dataset turns raw per-marker microscopy images, instance
// segmentation masks and a noisy cell-type lookup table into training
// examples: normalized marker image, eroded binary mask, instance mask,
// marker-activity mask and a per-cell activity table.
package dataset

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/angelolab/cell-classification/pkg/errors"
)

// ConversionMatrix maps a cell-type label to a binary marker-activity
// vector. Rows are keyed by cell-type string, columns by marker name,
// values are {0, 1}. Immutable after load.
type ConversionMatrix struct {
	path        string
	cellTypeKey string
	markers     []string
	activity    map[string]map[string]uint8
}

// LoadConversionMatrix reads the matrix from a CSV file. cellTypeKey names
// the column holding the cell-type strings; every other column is a marker.
// Duplicate cell types and non-binary cells are configuration errors naming
// the offender.
func LoadConversionMatrix(path, cellTypeKey string) (*ConversionMatrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: cannot open conversion matrix %s", path)
	}
	defer f.Close()

	rows, err := gocsv.CSVToMaps(f)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: cannot parse conversion matrix %s", path)
	}
	if len(rows) == 0 {
		return nil, errors.NewConfigurationError(path, cellTypeKey, "conversion matrix is empty")
	}
	if _, ok := rows[0][cellTypeKey]; !ok {
		return nil, errors.NewConfigurationError(path, cellTypeKey, "cell-type column not found in conversion matrix")
	}

	cm := &ConversionMatrix{
		path:        path,
		cellTypeKey: cellTypeKey,
		activity:    make(map[string]map[string]uint8, len(rows)),
	}
	for col := range rows[0] {
		if col != cellTypeKey {
			cm.markers = append(cm.markers, col)
		}
	}
	sort.Strings(cm.markers)

	for _, row := range rows {
		cellType := strings.TrimSpace(row[cellTypeKey])
		if cellType == "" {
			return nil, errors.NewConfigurationError(path, cellTypeKey, "empty cell-type value")
		}
		if _, dup := cm.activity[cellType]; dup {
			return nil, errors.NewConfigurationError(path, cellTypeKey, "duplicate cell type "+strconv.Quote(cellType))
		}
		vec := make(map[string]uint8, len(cm.markers))
		for _, marker := range cm.markers {
			v, err := parseBinary(row[marker])
			if err != nil {
				return nil, errors.NewConfigurationError(path, marker,
					"non-binary activity value "+strconv.Quote(row[marker])+" for cell type "+strconv.Quote(cellType))
			}
			vec[marker] = v
		}
		cm.activity[cellType] = vec
	}
	return cm, nil
}

// Markers returns the marker columns in ascending order.
func (cm *ConversionMatrix) Markers() []string {
	out := make([]string, len(cm.markers))
	copy(out, cm.markers)
	return out
}

// HasMarker reports whether marker is a column of the matrix.
func (cm *ConversionMatrix) HasMarker(marker string) bool {
	for _, m := range cm.markers {
		if m == marker {
			return true
		}
	}
	return false
}

// Path returns the source file the matrix was loaded from.
func (cm *ConversionMatrix) Path() string { return cm.path }

// Activity returns the {0, 1} activity of marker for cellType. A cell type
// without a row is a data-integrity error (the cell table references a type
// the matrix does not know).
func (cm *ConversionMatrix) Activity(cellType, marker string) (uint8, error) {
	vec, ok := cm.activity[cellType]
	if !ok {
		return 0, errors.NewDataIntegrityError("cell type", cellType, cm.path, "no row in conversion matrix")
	}
	v, ok := vec[marker]
	if !ok {
		return 0, errors.NewDataIntegrityError("marker", marker, cm.path, "no column in conversion matrix")
	}
	return v, nil
}

// parseBinary accepts "0"/"1" and the float renderings pandas emits.
func parseBinary(s string) (uint8, error) {
	switch strings.TrimSpace(s) {
	case "0", "0.0":
		return 0, nil
	case "1", "1.0":
		return 1, nil
	}
	return 0, errors.Newf("value %q is not binary", s)
}
