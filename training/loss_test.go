package training

import (
	"math"
	"testing"

	"github.com/angelolab/cell-classification/imaging"
)

func TestBCEClipsProbabilitiesToStayFinite(t *testing.T) {
	for _, p := range []float64{0, 1} {
		for _, y := range []float64{0, 1} {
			v := BCE(y, p)
			if math.IsInf(v, 0) || math.IsNaN(v) {
				t.Fatalf("BCE(%v, %v) = %v, want finite", y, p, v)
			}
		}
	}
	// Perfect prediction has near-zero loss, a confident miss a large one.
	if v := BCE(1, 1); v > 1e-6 {
		t.Errorf("BCE(1, 1) = %v, want ~0", v)
	}
	if v := BCE(1, 0); v < 10 {
		t.Errorf("BCE(1, 0) = %v, want large", v)
	}
}

func TestReduceToCellsComputesExactMeansForNonContiguousLabels(t *testing.T) {
	instance := imaging.NewIntGrid(2, 4)
	loss := imaging.NewFloatGrid(2, 4)
	// Label 3 on two pixels, label 17 on one, background on the rest.
	instance.Set(0, 0, 3)
	instance.Set(0, 1, 3)
	instance.Set(1, 3, 17)
	loss.Set(0, 0, 0.2)
	loss.Set(0, 1, 0.4)
	loss.Set(1, 3, 0.9)
	loss.Set(1, 0, 0.8) // background pixel

	cells, err := ReduceToCells(loss, instance)
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 3 {
		t.Fatalf("groups = %d, want 3 (background, 3, 17)", len(cells))
	}
	if cells[0].Label != 0 || cells[1].Label != 3 || cells[2].Label != 17 {
		t.Fatalf("labels = %v, want ascending 0, 3, 17", cells)
	}
	if math.Abs(cells[1].Mean-0.3) > 1e-12 {
		t.Errorf("mean of label 3 = %v, want 0.3", cells[1].Mean)
	}
	if math.Abs(cells[2].Mean-0.9) > 1e-12 {
		t.Errorf("mean of label 17 = %v, want 0.9", cells[2].Mean)
	}
	if math.Abs(cells[0].Mean-0.8/5.0) > 1e-12 {
		t.Errorf("background mean = %v, want %v", cells[0].Mean, 0.8/5.0)
	}
}

func TestReduceToCellsBatchMatchesSequential(t *testing.T) {
	losses := make([]*imaging.FloatGrid, 4)
	instances := make([]*imaging.IntGrid, 4)
	for i := range losses {
		losses[i] = imaging.NewFloatGrid(3, 3)
		instances[i] = imaging.NewIntGrid(3, 3)
		for j := range losses[i].Pix {
			losses[i].Pix[j] = float64(i*9+j) / 36.0
			instances[i].Pix[j] = int32(j % 2)
		}
	}
	batch, err := ReduceToCellsBatch(losses, instances)
	if err != nil {
		t.Fatal(err)
	}
	for i := range losses {
		single, err := ReduceToCells(losses[i], instances[i])
		if err != nil {
			t.Fatal(err)
		}
		if len(single) != len(batch[i]) {
			t.Fatalf("element %d: batch groups %d != sequential %d", i, len(batch[i]), len(single))
		}
		for j := range single {
			if single[j] != batch[i][j] {
				t.Fatalf("element %d group %d: %v != %v", i, j, batch[i][j], single[j])
			}
		}
	}
}

func TestPixelBCERejectsMismatchedExtents(t *testing.T) {
	if _, err := PixelBCE(imaging.NewFloatGrid(4, 4), imaging.NewFloatGrid(2, 2)); err == nil {
		t.Fatal("mismatched extents must fail")
	}
}
