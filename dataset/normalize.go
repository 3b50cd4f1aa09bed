package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/angelolab/cell-classification/imaging"
	"github.com/angelolab/cell-classification/pkg/errors"
)

// markerImageExtensions are tried in order when resolving a marker image.
var markerImageExtensions = []string{".tiff", ".tif", ".png"}

// MarkerImagePath resolves the image file for marker inside folder, or ""
// when no candidate exists.
func MarkerImagePath(folder, marker string) string {
	for _, ext := range markerImageExtensions {
		path := filepath.Join(folder, marker+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// CalculateNormalizationDict computes the per-marker normalization factor
// 1/q where q is the normalizationQuantile-th quantile of pixel intensities
// pooled across one image per folder. Markers with no readable image in any
// folder, or whose quantile value is zero, are omitted from the dict with a
// DegradedInputWarning instead of failing the run. On completion the full
// dict is written to outPath as JSON, overwriting any existing file.
func CalculateNormalizationDict(folders, markers []string, normalizationQuantile float64, outPath string) (map[string]float64, error) {
	if normalizationQuantile < 0 || normalizationQuantile > 1 {
		return nil, errors.NewConfigurationError("", "normalization_quantile", "must be in [0, 1]")
	}

	dict := make(map[string]float64, len(markers))
	for _, marker := range markers {
		var pixels []float64
		for _, folder := range folders {
			path := MarkerImagePath(folder, marker)
			if path == "" {
				errors.Warn(errors.NewDegradedInputWarning(marker, folder, "no image for normalization sampling"))
				continue
			}
			img, err := imaging.ReadImage(path)
			if err != nil {
				errors.Warn(errors.NewDegradedInputWarning(marker, folder, "image not readable: "+err.Error()))
				continue
			}
			pixels = append(pixels, img.Pix...)
		}
		if len(pixels) == 0 {
			errors.Warn(errors.NewDegradedInputWarning(marker, "", "no readable image in any folder, marker omitted from normalization dict"))
			continue
		}
		q := imaging.QuantileOf(pixels, normalizationQuantile)
		if q == 0 {
			// Zero quantile would produce an unbounded factor; the marker is
			// excluded and downstream falls back to an on-the-fly factor.
			errors.Warn(errors.NewDegradedInputWarning(marker, "", "quantile value is zero, marker omitted from normalization dict"))
			continue
		}
		dict[marker] = 1.0 / q
	}

	if err := SaveNormalizationDict(outPath, dict); err != nil {
		return nil, err
	}
	return dict, nil
}

// SaveNormalizationDict writes the dict as human-readable JSON, wholesale.
func SaveNormalizationDict(path string, dict map[string]float64) error {
	data, err := json.MarshalIndent(dict, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "dataset: cannot encode normalization dict")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "dataset: cannot write normalization dict %s", path)
	}
	return nil
}

// LoadNormalizationDict reads a persisted normalization dict. Factors must
// be positive.
func LoadNormalizationDict(path string) (map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: cannot read normalization dict %s", path)
	}
	var dict map[string]float64
	if err := json.Unmarshal(data, &dict); err != nil {
		return nil, errors.Wrapf(err, "dataset: cannot parse normalization dict %s", path)
	}
	for marker, factor := range dict {
		if factor <= 0 {
			return nil, errors.NewConfigurationError(path, marker, "normalization factor must be positive")
		}
	}
	return dict, nil
}
