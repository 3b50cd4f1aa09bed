package dataset

import (
	"strings"
	"testing"

	"github.com/angelolab/cell-classification/imaging"
	"github.com/angelolab/cell-classification/pkg/errors"
	"github.com/angelolab/cell-classification/pkg/log"
)

func buildFixture(t *testing.T, rows [][3]string) (*ExampleBuilder, string) {
	t.Helper()
	root := t.TempDir()
	cm, err := LoadConversionMatrix(writeConversionMatrixCSV(t, root), "cluster_labels")
	if err != nil {
		t.Fatal(err)
	}
	cells := loadCD8Table(t, writeCellTableCSV(t, root, rows))
	folder := writeSampleFolder(t, root, sampleLayout{
		name:     "fov_0",
		image:    rampImage(32, 32, 0.5),
		instance: twoCellInstance(32, 32),
	})
	builder := NewExampleBuilder(BuilderConfig{
		Dataset:         "test_dataset",
		ImagingPlatform: "MIBI",
	}, cm, cells, map[string]float64{"CD8": 2.0}, nil)
	return builder, folder
}

func TestBuildAssemblesAlignedExample(t *testing.T) {
	builder, folder := buildFixture(t, [][3]string{
		{"fov_0", "1", "tumor"},
		{"fov_0", "2", "stromal"},
	})

	ex, err := builder.Build(folder, "CD8")
	if err != nil {
		t.Fatal(err)
	}

	if ex.Marker != "CD8" || ex.Dataset != "test_dataset" || ex.ImagingPlatform != "MIBI" || ex.FolderName != "fov_0" {
		t.Errorf("metadata = %q %q %q %q", ex.Marker, ex.Dataset, ex.ImagingPlatform, ex.FolderName)
	}
	if ex.MplexImg.H != 32 || ex.BinaryMask.H != 32 || ex.InstanceMask.H != 32 || ex.MarkerActivityMask.H != 32 {
		t.Fatal("spatial planes must share the image extent")
	}

	// Image values normalized and clipped.
	for _, v := range ex.MplexImg.Pix {
		if v < 0 || v > 1 {
			t.Fatalf("image pixel %v outside [0,1]", v)
		}
	}

	// Activity table covers both cells: tumor expresses CD8, stromal does not.
	if a, _ := ex.ActivityTable.Lookup(1); a != 1 {
		t.Error("cell 1 (tumor) must be CD8 positive")
	}
	if a, _ := ex.ActivityTable.Lookup(2); a != 0 {
		t.Error("cell 2 (stromal) must be CD8 negative")
	}

	// Pixel alignment: eroded interior of cell 1 coded 1, of cell 2 coded 0,
	// background coded with the no-ground-truth sentinel.
	if got := ex.MarkerActivityMask.At(4, 4); got != ActivityPositive {
		t.Errorf("cell 1 interior = %d, want %d", got, ActivityPositive)
	}
	if got := ex.MarkerActivityMask.At(26, 26); got != ActivityNegative {
		t.Errorf("cell 2 interior = %d, want %d", got, ActivityNegative)
	}
	if got := ex.MarkerActivityMask.At(0, 0); got != ActivityUnknown {
		t.Errorf("background = %d, want %d", got, ActivityUnknown)
	}
	// Erosion holes (cell boundary pixels) are uncertain, not negative.
	if got := ex.MarkerActivityMask.At(2, 2); got != ActivityUnknown {
		t.Errorf("eroded boundary pixel = %d, want %d", got, ActivityUnknown)
	}
	// The instance mask keeps its boundary pixels.
	if got := ex.InstanceMask.At(2, 2); got != 1 {
		t.Errorf("instance boundary pixel = %d, want 1", got)
	}
}

func TestBuildFailsFastOnLabelMissingFromCellTable(t *testing.T) {
	// Cell 2 exists in the instance mask but has no metadata row.
	builder, folder := buildFixture(t, [][3]string{
		{"fov_0", "1", "tumor"},
	})

	_, err := builder.Build(folder, "CD8")
	if !errors.IsDataIntegrityError(err) {
		t.Fatalf("want DataIntegrityError, got %v", err)
	}
	if !strings.Contains(err.Error(), "2") {
		t.Errorf("error %q must name the missing label", err)
	}
}

func TestBuildFallsBackWhenMarkerNotInNormalizationDict(t *testing.T) {
	root := t.TempDir()
	cm, err := LoadConversionMatrix(writeConversionMatrixCSV(t, root), "cluster_labels")
	if err != nil {
		t.Fatal(err)
	}
	cells := loadCD8Table(t, writeCellTableCSV(t, root, [][3]string{
		{"fov_0", "1", "tumor"},
		{"fov_0", "2", "stromal"},
	}))
	folder := writeSampleFolder(t, root, sampleLayout{
		name:     "fov_0",
		image:    rampImage(32, 32, 0.5),
		instance: twoCellInstance(32, 32),
	})

	logger, _ := log.NewTestLogger(log.LevelDebug)
	builder := NewExampleBuilder(BuilderConfig{Dataset: "d", ImagingPlatform: "p"},
		cm, cells, map[string]float64{}, logger)

	ex, err := builder.Build(folder, "CD8")
	if err != nil {
		t.Fatal(err)
	}
	if !logger.Contains("on-the-fly") {
		t.Error("fallback must emit a diagnostic")
	}
	// On-the-fly factor is 1/q(0.99), so the top of the ramp normalizes to ~1.
	maxV := 0.0
	for _, v := range ex.MplexImg.Pix {
		if v > maxV {
			maxV = v
		}
	}
	if maxV < 0.99 {
		t.Errorf("max normalized pixel = %v, want ~1", maxV)
	}
}

func TestBuildSurvivesPanickingNamingConvention(t *testing.T) {
	root := t.TempDir()
	cm, err := LoadConversionMatrix(writeConversionMatrixCSV(t, root), "cluster_labels")
	if err != nil {
		t.Fatal(err)
	}
	cells := loadCD8Table(t, writeCellTableCSV(t, root, [][3]string{{"fov_0", "1", "tumor"}}))
	folder := writeSampleFolder(t, root, sampleLayout{
		name:     "fov_0",
		image:    rampImage(32, 32, 0.5),
		instance: twoCellInstance(32, 32),
	})
	builder := NewExampleBuilder(BuilderConfig{
		SegmentationNamingConvention: func(string) string { panic("nil template") },
	}, cm, cells, map[string]float64{"CD8": 1.0}, nil)

	_, err = builder.Build(folder, "CD8")
	if err == nil {
		t.Fatal("panicking naming convention must surface as an error")
	}
	if !strings.Contains(err.Error(), "naming convention") {
		t.Errorf("error %q must name the failing hook", err)
	}
}

func TestBuildMissingImageNamesFile(t *testing.T) {
	builder, folder := buildFixture(t, [][3]string{
		{"fov_0", "1", "tumor"},
		{"fov_0", "2", "stromal"},
	})
	_, err := builder.Build(folder, "CD4")
	if err == nil || !strings.Contains(err.Error(), "CD4") {
		t.Fatalf("error %v must name the missing marker image", err)
	}
}

func TestBuildRejectsMismatchedMaskExtent(t *testing.T) {
	root := t.TempDir()
	cm, err := LoadConversionMatrix(writeConversionMatrixCSV(t, root), "cluster_labels")
	if err != nil {
		t.Fatal(err)
	}
	cells := loadCD8Table(t, writeCellTableCSV(t, root, [][3]string{{"fov_0", "1", "tumor"}}))
	folder := writeSampleFolder(t, root, sampleLayout{
		name:     "fov_0",
		image:    rampImage(32, 32, 0.5),
		instance: imaging.NewIntGrid(16, 16),
	})
	builder := NewExampleBuilder(BuilderConfig{}, cm, cells, map[string]float64{"CD8": 1.0}, nil)

	_, err = builder.Build(folder, "CD8")
	if !errors.IsDataIntegrityError(err) {
		t.Fatalf("want DataIntegrityError, got %v", err)
	}
}
