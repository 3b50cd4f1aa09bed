package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelolab/cell-classification/imaging"
)

// writeConversionMatrixCSV writes a small two-marker conversion matrix:
// tumor expresses CD8, stromal expresses CD4.
func writeConversionMatrixCSV(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "conversion_matrix.csv")
	content := "cluster_labels,CD8,CD4\ntumor,1,0\nstromal,0,1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeCellTableCSV writes one row per (sample, label, cellType) triple.
func writeCellTableCSV(t *testing.T, dir string, rows [][3]string) string {
	t.Helper()
	path := filepath.Join(dir, "cell_table.csv")
	var sb strings.Builder
	sb.WriteString("fov,label,cell_meta_cluster\n")
	for _, r := range rows {
		sb.WriteString(r[0] + "," + r[1] + "," + r[2] + "\n")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// sampleLayout describes one synthetic sample folder.
type sampleLayout struct {
	name     string
	image    *imaging.FloatGrid
	instance *imaging.IntGrid
}

// writeSampleFolder materializes a folder with a CD8 marker image and a
// cell_segmentation instance mask.
func writeSampleFolder(t *testing.T, root string, layout sampleLayout) string {
	t.Helper()
	folder := filepath.Join(root, layout.name)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatal(err)
	}
	if layout.image != nil {
		if err := imaging.WriteFloatTIFF(filepath.Join(folder, "CD8.tiff"), layout.image); err != nil {
			t.Fatal(err)
		}
	}
	if layout.instance != nil {
		if err := imaging.WriteLabelTIFF(filepath.Join(folder, "cell_segmentation.tiff"), layout.instance); err != nil {
			t.Fatal(err)
		}
	}
	return folder
}

// twoCellInstance builds an H x W instance mask with two well-separated
// square cells labelled 1 and 2.
func twoCellInstance(h, w int) *imaging.IntGrid {
	g := imaging.NewIntGrid(h, w)
	for y := 2; y < 7; y++ {
		for x := 2; x < 7; x++ {
			g.Set(y, x, 1)
		}
	}
	for y := h - 8; y < h-3; y++ {
		for x := w - 8; x < w-3; x++ {
			g.Set(y, x, 2)
		}
	}
	return g
}

// rampImage builds an image whose pixels ramp linearly over [0, maxV].
func rampImage(h, w int, maxV float64) *imaging.FloatGrid {
	g := imaging.NewFloatGrid(h, w)
	n := float64(len(g.Pix) - 1)
	for i := range g.Pix {
		g.Pix[i] = maxV * float64(i) / n
	}
	return g
}

// loadCD8Table is a shorthand for the fixture column names.
func loadCD8Table(t *testing.T, path string) *CellMetadataTable {
	t.Helper()
	table, err := LoadCellTable(path, "fov", "label", "cell_meta_cluster")
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func fovName(i int) string { return fmt.Sprintf("fov_%d", i) }
