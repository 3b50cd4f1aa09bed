package dataset

import (
	"path/filepath"
	"strconv"

	"github.com/angelolab/cell-classification/imaging"
	"github.com/angelolab/cell-classification/pkg/errors"
	"github.com/angelolab/cell-classification/pkg/log"
)

// Marker-activity mask pixel codes.
const (
	// ActivityNegative marks a pixel of a cell that does not express the marker.
	ActivityNegative uint8 = 0
	// ActivityPositive marks a pixel of a cell that expresses the marker.
	ActivityPositive uint8 = 1
	// ActivityUnknown marks background and erosion holes: no ground truth.
	ActivityUnknown uint8 = 2
)

// Example is one unit of training data for a (sample, marker) pair. All
// spatial planes share the same H x W extent with an implicit channel
// dimension of 1. Fields are owned by the example and read-only by
// convention once built.
type Example struct {
	// MplexImg is the normalized marker image, clipped to [0, 1].
	MplexImg *imaging.FloatGrid
	// BinaryMask is the eroded cell-presence mask (0/1).
	BinaryMask *imaging.ByteGrid
	// InstanceMask carries per-pixel cell labels, 0 = background. Not eroded.
	InstanceMask *imaging.IntGrid
	// MarkerActivityMask codes per-pixel ground truth (0/1) or 2 where no
	// ground truth exists (background, erosion holes).
	MarkerActivityMask *imaging.ByteGrid

	Marker          string
	Dataset         string
	ImagingPlatform string
	FolderName      string

	// ActivityTable has one row per non-background label present in the
	// (eroded-binary-masked) instance mask.
	ActivityTable MarkerActivityTable
}

// BuilderConfig configures an ExampleBuilder.
type BuilderConfig struct {
	Dataset         string
	ImagingPlatform string

	// SegmentationFname is the base name of the instance mask inside each
	// sample folder (extension resolved like marker images).
	SegmentationFname string
	// SegmentationNamingConvention overrides SegmentationFname: given the
	// sample folder it returns the full path of the instance mask.
	SegmentationNamingConvention func(folder string) string

	// NormalizationQuantile drives the on-the-fly fallback factor for
	// markers absent from the normalization dict.
	NormalizationQuantile float64
}

// ExampleBuilder assembles one Example per (sample folder, marker) pair.
type ExampleBuilder struct {
	cfg      BuilderConfig
	cm       *ConversionMatrix
	cells    *CellMetadataTable
	normDict map[string]float64
	logger   log.Logger
}

// NewExampleBuilder wires the builder. The conversion matrix is assumed to
// be validated against the selected markers already (pipeline validation
// stage); Build does not re-check it per example.
func NewExampleBuilder(cfg BuilderConfig, cm *ConversionMatrix, cells *CellMetadataTable, normDict map[string]float64, logger log.Logger) *ExampleBuilder {
	if cfg.SegmentationFname == "" {
		cfg.SegmentationFname = "cell_segmentation"
	}
	if cfg.NormalizationQuantile == 0 {
		cfg.NormalizationQuantile = 0.99
	}
	if logger == nil {
		logger = log.GetLogger()
	}
	return &ExampleBuilder{cfg: cfg, cm: cm, cells: cells, normDict: normDict, logger: logger}
}

// Build loads, normalizes and assembles the example for one sample folder
// and one marker. The sample identifier is the folder's base name.
func (b *ExampleBuilder) Build(folder, marker string) (*Example, error) {
	sample := filepath.Base(folder)

	img, err := b.loadNormalizedImage(folder, marker)
	if err != nil {
		return nil, err
	}

	instance, err := b.loadInstanceMask(folder)
	if err != nil {
		return nil, err
	}
	if instance.H != img.H || instance.W != img.W {
		return nil, errors.NewDataIntegrityError("sample", sample, folder,
			"instance mask extent does not match the marker image")
	}

	// The binary mask is eroded at instance boundaries; the instance mask
	// itself stays intact.
	binary := imaging.ErodeBoundaries(instance.BinaryMask(), instance)

	labels := labelsUnderMask(instance, binary)
	table, err := b.cells.JoinActivity(sample, marker, b.cm, labels)
	if err != nil {
		return nil, err
	}

	activityMask, err := paintActivityMask(instance, binary, table)
	if err != nil {
		return nil, err
	}

	return &Example{
		MplexImg:           img,
		BinaryMask:         binary,
		InstanceMask:       instance,
		MarkerActivityMask: activityMask,
		Marker:             marker,
		Dataset:            b.cfg.Dataset,
		ImagingPlatform:    b.cfg.ImagingPlatform,
		FolderName:         sample,
		ActivityTable:      table,
	}, nil
}

// loadNormalizedImage reads the marker image and scales it by the marker's
// normalization factor, clipping to [0, 1]. A marker absent from the dict
// falls back to an on-the-fly quantile factor with a logged diagnostic.
func (b *ExampleBuilder) loadNormalizedImage(folder, marker string) (*imaging.FloatGrid, error) {
	path := MarkerImagePath(folder, marker)
	if path == "" {
		return nil, errors.Newf("dataset: no image for marker %q in folder %s", marker, folder)
	}
	img, err := imaging.ReadImage(path)
	if err != nil {
		return nil, err
	}

	factor, ok := b.normDict[marker]
	if !ok {
		q := img.Quantile(b.cfg.NormalizationQuantile)
		if q == 0 {
			return nil, errors.NewDataIntegrityError("marker", marker, folder,
				"not in normalization dict and the on-the-fly quantile value is zero")
		}
		factor = 1.0 / q
		b.logger.Warn("marker missing from normalization dict, using on-the-fly quantile factor",
			log.MarkerKey, marker, log.FolderKey, folder, "factor", factor)
	}
	img.Scale(factor)
	img.Clip(0, 1)
	return img, nil
}

func (b *ExampleBuilder) loadInstanceMask(folder string) (*imaging.IntGrid, error) {
	if b.cfg.SegmentationNamingConvention != nil {
		// The naming convention is caller-supplied code; a panic in it must
		// not take down the whole preparation run.
		var path string
		if err := errors.SafeExecute("segmentation naming convention", func() error {
			path = b.cfg.SegmentationNamingConvention(folder)
			return nil
		}); err != nil {
			return nil, err
		}
		return imaging.ReadLabelImage(path)
	}
	path := MarkerImagePath(folder, b.cfg.SegmentationFname)
	if path == "" {
		return nil, errors.Newf("dataset: no segmentation mask %q in folder %s", b.cfg.SegmentationFname, folder)
	}
	return imaging.ReadLabelImage(path)
}

// labelsUnderMask returns the ascending distinct instance labels that still
// own at least one pixel after erosion.
func labelsUnderMask(instance *imaging.IntGrid, binary *imaging.ByteGrid) []int32 {
	masked := imaging.NewIntGrid(instance.H, instance.W)
	for i, keep := range binary.Pix {
		if keep != 0 {
			masked.Pix[i] = instance.Pix[i]
		}
	}
	return masked.UniqueLabels()
}

// paintActivityMask assigns each eroded-foreground pixel the activity of its
// cell and everything else the no-ground-truth code.
func paintActivityMask(instance *imaging.IntGrid, binary *imaging.ByteGrid, table MarkerActivityTable) (*imaging.ByteGrid, error) {
	mask := imaging.NewByteGrid(instance.H, instance.W)
	for i := range mask.Pix {
		mask.Pix[i] = ActivityUnknown
	}
	for i, keep := range binary.Pix {
		if keep == 0 {
			continue
		}
		activity, ok := table.Lookup(instance.Pix[i])
		if !ok {
			// Unreachable after JoinActivity's fail-fast, kept as a guard
			// because a silent mismatch here would mislabel a cell.
			return nil, errors.NewDataIntegrityError("label", strconv.Itoa(int(instance.Pix[i])), "activity mask painting",
				"no activity row for masked pixel")
		}
		mask.Pix[i] = activity
	}
	return mask, nil
}
