package record

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/angelolab/cell-classification/core/parallel"
	"github.com/angelolab/cell-classification/dataset"
	"github.com/angelolab/cell-classification/pkg/errors"
	"github.com/angelolab/cell-classification/pkg/log"
)

// PipelineConfig configures a SegmentationRecordPipeline run.
type PipelineConfig struct {
	// DataDir is scanned for sample folders when DataFolders is empty.
	DataDir string
	// DataFolders lists sample folders explicitly.
	DataFolders []string

	CellTablePath        string
	ConversionMatrixPath string
	// NormalizationDictPath is loaded when the file exists; otherwise the
	// dict is computed from the data folders and persisted there.
	NormalizationDictPath string

	// RecordDir receives "<Dataset>.rec" and, when computed, the
	// normalization dict.
	RecordDir string

	Dataset         string
	ImagingPlatform string

	// SelectedMarkers defaults to every conversion matrix column.
	SelectedMarkers []string

	TileH, TileW     int
	StrideY, StrideX int

	NormalizationQuantile float64

	// Column names of the cell table and conversion matrix.
	CellTypeKey       string // default "cell_meta_cluster"
	SampleKey         string // default "fov"
	SegmentLabelKey   string // default "label"
	ConversionCellKey string // default "cluster_labels"

	SegmentationFname            string // default "cell_segmentation"
	SegmentationNamingConvention func(folder string) string

	// ExcludeBackgroundTiles drops tiles with an all-zero binary mask.
	ExcludeBackgroundTiles bool
}

// Pipeline states. Transitions only move forward; Run drives all of them.
type pipelineState int

const (
	stateUnvalidated pipelineState = iota
	stateValidated
	stateBuilt
	stateWritten
)

func (s pipelineState) String() string {
	switch s {
	case stateUnvalidated:
		return "UNVALIDATED"
	case stateValidated:
		return "VALIDATED"
	case stateBuilt:
		return "BUILT"
	case stateWritten:
		return "WRITTEN"
	}
	return "UNKNOWN"
}

// SegmentationRecordPipeline converts sample folders into one record file
// per dataset: UNVALIDATED -> VALIDATED -> BUILT -> WRITTEN.
type SegmentationRecordPipeline struct {
	cfg    PipelineConfig
	state  pipelineState
	logger log.Logger

	folders  []string
	cm       *dataset.ConversionMatrix
	cells    *dataset.CellMetadataTable
	normDict map[string]float64
	builder  *dataset.ExampleBuilder
	examples []*dataset.Example
}

// NewPipeline creates a pipeline in the UNVALIDATED state.
func NewPipeline(cfg PipelineConfig, logger log.Logger) *SegmentationRecordPipeline {
	if cfg.CellTypeKey == "" {
		cfg.CellTypeKey = "cell_meta_cluster"
	}
	if cfg.SampleKey == "" {
		cfg.SampleKey = "fov"
	}
	if cfg.SegmentLabelKey == "" {
		cfg.SegmentLabelKey = "label"
	}
	if cfg.ConversionCellKey == "" {
		cfg.ConversionCellKey = "cluster_labels"
	}
	if cfg.SegmentationFname == "" {
		cfg.SegmentationFname = "cell_segmentation"
	}
	if cfg.NormalizationQuantile == 0 {
		cfg.NormalizationQuantile = 0.99
	}
	if logger == nil {
		logger = log.GetLogger()
	}
	return &SegmentationRecordPipeline{cfg: cfg, state: stateUnvalidated, logger: logger.With(log.DatasetKey, cfg.Dataset)}
}

// Validate resolves every input and runs all cross-checks eagerly in one
// pass. Every failing check is reported, joined into a single error, so an
// expensive run is never aborted one fix at a time.
func (p *SegmentationRecordPipeline) Validate() error {
	if p.state != stateUnvalidated {
		return errors.NewConfigurationError("", "state", "Validate called in state "+p.state.String())
	}

	var checks []error

	// (d) quantile range.
	if q := p.cfg.NormalizationQuantile; q < 0 || q > 1 {
		checks = append(checks, errors.NewConfigurationError("", "normalization_quantile", "must be in [0, 1]"))
	}

	folders, err := p.resolveFolders()
	if err != nil {
		checks = append(checks, err)
	}
	p.folders = folders

	cm, err := dataset.LoadConversionMatrix(p.cfg.ConversionMatrixPath, p.cfg.ConversionCellKey)
	if err != nil {
		checks = append(checks, err)
	}
	p.cm = cm

	markers := p.cfg.SelectedMarkers
	if len(markers) == 0 && cm != nil {
		markers = cm.Markers()
	}
	p.cfg.SelectedMarkers = markers
	if len(markers) == 0 {
		checks = append(checks, errors.NewConfigurationError(p.cfg.ConversionMatrixPath, "selected_markers", "no markers selected"))
	}

	// (a) every selected marker is a conversion matrix column.
	if cm != nil {
		for _, marker := range markers {
			if !cm.HasMarker(marker) {
				checks = append(checks, errors.NewConfigurationError(p.cfg.ConversionMatrixPath, marker,
					"not all selected markers were found in the conversion matrix columns"))
			}
		}
	}

	// (b) every selected marker has a normalization factor after resolution.
	if len(folders) > 0 {
		dict, err := p.resolveNormalizationDict(folders, markers)
		if err != nil {
			checks = append(checks, err)
		} else {
			p.normDict = dict
			for _, marker := range markers {
				if _, ok := dict[marker]; !ok {
					checks = append(checks, errors.NewConfigurationError(p.cfg.NormalizationDictPath, marker,
						"selected marker missing from normalization dict"))
				}
			}
		}
	}

	// (c) every selected marker has an image in every discovered folder.
	for _, marker := range markers {
		for _, folder := range folders {
			if dataset.MarkerImagePath(folder, marker) == "" {
				checks = append(checks, errors.NewDataIntegrityError("marker", marker, folder,
					fmt.Sprintf("Marker %s not found in data folders", marker)))
				break
			}
		}
	}

	// (e) configured keys exist in the cell table (LoadCellTable reports
	// every missing key in one pass).
	cells, err := dataset.LoadCellTable(p.cfg.CellTablePath, p.cfg.SampleKey, p.cfg.SegmentLabelKey, p.cfg.CellTypeKey)
	if err != nil {
		checks = append(checks, err)
	}
	p.cells = cells

	// (f) cell-table samples form a non-empty subset of folder samples.
	if cells != nil && len(folders) > 0 {
		folderSamples := make(map[string]struct{}, len(folders))
		for _, folder := range folders {
			folderSamples[filepath.Base(folder)] = struct{}{}
		}
		samples := cells.Samples()
		if len(samples) == 0 {
			checks = append(checks, errors.NewDataIntegrityError("sample", "", p.cfg.CellTablePath,
				"cell table contains no samples"))
		}
		for _, sample := range samples {
			if _, ok := folderSamples[sample]; !ok {
				checks = append(checks, errors.NewDataIntegrityError("sample", sample, p.cfg.CellTablePath,
					"not present among the data folders"))
			}
		}
	}

	if err := errors.Join(checks...); err != nil {
		return err
	}

	p.builder = dataset.NewExampleBuilder(dataset.BuilderConfig{
		Dataset:                      p.cfg.Dataset,
		ImagingPlatform:              p.cfg.ImagingPlatform,
		SegmentationFname:            p.cfg.SegmentationFname,
		SegmentationNamingConvention: p.cfg.SegmentationNamingConvention,
		NormalizationQuantile:        p.cfg.NormalizationQuantile,
	}, p.cm, p.cells, p.normDict, p.logger)
	p.state = stateValidated
	p.logger.Info("pipeline validated",
		"folders", len(p.folders), "markers", len(p.cfg.SelectedMarkers))
	return nil
}

// Build constructs and tiles one example per (folder, marker) pair, in
// folder-major order. A panic in a user-supplied naming convention is
// converted into an error instead of taking the process down.
func (p *SegmentationRecordPipeline) Build() (err error) {
	defer errors.Recover(&err, "pipeline build")
	if p.state != stateValidated {
		return errors.NewConfigurationError("", "state", "Build called in state "+p.state.String())
	}

	tileCfg := dataset.TileConfig{
		TileH: p.cfg.TileH, TileW: p.cfg.TileW,
		StrideY: p.cfg.StrideY, StrideX: p.cfg.StrideX,
		DropEmpty: p.cfg.ExcludeBackgroundTiles,
	}
	for _, folder := range p.folders {
		for _, marker := range p.cfg.SelectedMarkers {
			ex, err := p.builder.Build(folder, marker)
			if err != nil {
				return err
			}
			tiles, err := dataset.Tile(ex, tileCfg)
			if err != nil {
				return err
			}
			p.examples = append(p.examples, tiles...)
			p.logger.Debug("example built",
				log.FolderKey, folder, log.MarkerKey, marker, log.TilesKey, len(tiles))
		}
	}
	p.state = stateBuilt
	p.logger.Info("examples built", log.ExamplesKey, len(p.examples))
	return nil
}

// Write serializes every tiled example into RecordDir/<Dataset>.rec,
// overwriting any previous file so re-running is idempotent. The writer is
// closed on every path; a failure mid-write leaves a detectably truncated
// file, never a silently short one.
func (p *SegmentationRecordPipeline) Write() (path string, err error) {
	if p.state != stateBuilt {
		return "", errors.NewConfigurationError("", "state", "Write called in state "+p.state.String())
	}
	if err := os.MkdirAll(p.cfg.RecordDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "record: cannot create record dir %s", p.cfg.RecordDir)
	}
	path = filepath.Join(p.cfg.RecordDir, p.cfg.Dataset+".rec")

	// Serialization is independent per example; frames are written in order.
	payloads := make([][]byte, len(p.examples))
	marshalErrs := make([]error, len(p.examples))
	parallel.ForEach(len(p.examples), func(i int) {
		payloads[i], marshalErrs[i] = Marshal(p.examples[i])
	})
	if err := errors.Join(marshalErrs...); err != nil {
		return "", err
	}

	w, err := NewWriter(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for _, payload := range payloads {
		if err := w.Write(payload); err != nil {
			return "", err
		}
	}
	if w.Count() != len(p.examples) {
		return "", errors.Newf("record: wrote %d frames for %d examples", w.Count(), len(p.examples))
	}

	p.state = stateWritten
	p.logger.Info("record file written", log.FileKey, path, log.ExamplesKey, w.Count())
	return path, nil
}

// Run drives the full state machine and returns the record file path.
func (p *SegmentationRecordPipeline) Run() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := p.Build(); err != nil {
		return "", err
	}
	return p.Write()
}

// Examples exposes the built, tiled examples (for inspection and tests).
func (p *SegmentationRecordPipeline) Examples() []*dataset.Example { return p.examples }

func (p *SegmentationRecordPipeline) resolveFolders() ([]string, error) {
	if len(p.cfg.DataFolders) > 0 {
		folders := append([]string(nil), p.cfg.DataFolders...)
		sort.Strings(folders)
		return folders, nil
	}
	entries, err := os.ReadDir(p.cfg.DataDir)
	if err != nil {
		return nil, errors.Wrapf(err, "record: cannot scan data dir %s", p.cfg.DataDir)
	}
	var folders []string
	for _, e := range entries {
		if e.IsDir() {
			folders = append(folders, filepath.Join(p.cfg.DataDir, e.Name()))
		}
	}
	if len(folders) == 0 {
		return nil, errors.NewConfigurationError(p.cfg.DataDir, "data_dir", "no sample folders found")
	}
	sort.Strings(folders)
	return folders, nil
}

// resolveNormalizationDict loads the persisted dict when present, otherwise
// computes it from the folders and persists it.
func (p *SegmentationRecordPipeline) resolveNormalizationDict(folders, markers []string) (map[string]float64, error) {
	path := p.cfg.NormalizationDictPath
	if path == "" {
		path = filepath.Join(p.cfg.RecordDir, "normalization_dict.json")
		p.cfg.NormalizationDictPath = path
	}
	if _, err := os.Stat(path); err == nil {
		return dataset.LoadNormalizationDict(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "record: cannot create dir for normalization dict %s", path)
	}
	p.logger.Info("computing normalization dict", log.FileKey, path)
	return dataset.CalculateNormalizationDict(folders, markers, p.cfg.NormalizationQuantile, path)
}
