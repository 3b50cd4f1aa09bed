package dataset

import (
	"os"
	"sort"
	"strconv"

	"github.com/gocarina/gocsv"

	"github.com/angelolab/cell-classification/pkg/errors"
)

// CellRow is one cell-table entry: a segmented cell in one sample with its
// noisy cell-type assignment.
type CellRow struct {
	Sample   string
	Label    int32
	CellType string
}

// CellMetadataTable holds one row per (sample, cell label) pair with
// configurable source column names. Label 0 is reserved for background and
// must never appear.
type CellMetadataTable struct {
	path    string
	rows    map[string][]CellRow
	samples []string
}

// LoadCellTable reads the cell table from a CSV file. sampleKey, labelKey and
// cellTypeKey name the columns to use; every missing key is reported, not
// just the first one.
func LoadCellTable(path, sampleKey, labelKey, cellTypeKey string) (*CellMetadataTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: cannot open cell table %s", path)
	}
	defer f.Close()

	raw, err := gocsv.CSVToMaps(f)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: cannot parse cell table %s", path)
	}
	if len(raw) == 0 {
		return nil, errors.NewConfigurationError(path, sampleKey, "cell table is empty")
	}

	var keyErrs []error
	for _, key := range []string{sampleKey, labelKey, cellTypeKey} {
		if _, ok := raw[0][key]; !ok {
			keyErrs = append(keyErrs, errors.NewConfigurationError(path, key, "column not found in cell table"))
		}
	}
	if err := errors.Join(keyErrs...); err != nil {
		return nil, err
	}

	table := &CellMetadataTable{path: path, rows: make(map[string][]CellRow)}
	for i, row := range raw {
		label, err := parseLabel(row[labelKey])
		if err != nil {
			return nil, errors.NewConfigurationError(path, labelKey,
				"row "+strconv.Itoa(i+1)+": cannot parse label "+strconv.Quote(row[labelKey]))
		}
		if label == 0 {
			return nil, errors.NewDataIntegrityError("label", "0", path,
				"label 0 is reserved for background and must not be assigned to a cell")
		}
		sample := row[sampleKey]
		table.rows[sample] = append(table.rows[sample], CellRow{
			Sample:   sample,
			Label:    label,
			CellType: row[cellTypeKey],
		})
	}
	for sample := range table.rows {
		table.samples = append(table.samples, sample)
	}
	sort.Strings(table.samples)
	return table, nil
}

// Samples returns the distinct sample identifiers in ascending order.
func (t *CellMetadataTable) Samples() []string {
	out := make([]string, len(t.samples))
	copy(out, t.samples)
	return out
}

// Rows returns the cell rows of one sample, in file order.
func (t *CellMetadataTable) Rows(sample string) []CellRow {
	return t.rows[sample]
}

// Path returns the source file the table was loaded from.
func (t *CellMetadataTable) Path() string { return t.path }

// JoinActivity builds the MarkerActivityTable for one (sample, marker) pair:
// one row per requested label, activity looked up through the conversion
// matrix. A requested label without a cell-table row indicates a
// segmentation/metadata mismatch and fails fast.
func (t *CellMetadataTable) JoinActivity(sample, marker string, cm *ConversionMatrix, labels []int32) (MarkerActivityTable, error) {
	byLabel := make(map[int32]CellRow)
	for _, row := range t.rows[sample] {
		byLabel[row.Label] = row
	}

	rows := make([]ActivityRow, 0, len(labels))
	for _, label := range labels {
		cell, ok := byLabel[label]
		if !ok {
			return MarkerActivityTable{}, errors.NewDataIntegrityError(
				"label", strconv.Itoa(int(label)), "sample "+sample,
				"present in instance mask but missing from cell table "+t.path)
		}
		activity, err := cm.Activity(cell.CellType, marker)
		if err != nil {
			return MarkerActivityTable{}, err
		}
		rows = append(rows, ActivityRow{Label: label, Activity: activity})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Label < rows[j].Label })
	return MarkerActivityTable{Rows: rows}, nil
}

// parseLabel accepts integer labels and the float renderings pandas emits.
func parseLabel(s string) (int32, error) {
	if v, err := strconv.ParseInt(s, 10, 32); err == nil {
		return int32(v), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int32(f)) {
		return 0, errors.Newf("label %q is not an integer", s)
	}
	return int32(f), nil
}
