package training

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/angelolab/cell-classification/imaging"
)

func TestFlipRotAugmenterKeepsPlanesAligned(t *testing.T) {
	aug := NewFlipRotAugmenter(7)
	img := imaging.NewFloatGrid(8, 8)
	mask := imaging.NewFloatGrid(8, 8)
	for i := range img.Pix {
		img.Pix[i] = float64(i)
		mask.Pix[i] = float64(i)
	}
	for round := 0; round < 20; round++ {
		aug.Augment(img, mask)
		for i := range img.Pix {
			if img.Pix[i] != mask.Pix[i] {
				t.Fatalf("round %d: planes diverged at pixel %d", round, i)
			}
		}
	}
}

func TestFlipRotAugmenterPreservesPixelMultiset(t *testing.T) {
	aug := NewFlipRotAugmenter(11)
	img := imaging.NewFloatGrid(6, 6)
	var sum float64
	for i := range img.Pix {
		img.Pix[i] = float64(i)
		sum += float64(i)
	}
	aug.Augment(img)
	var got float64
	for _, v := range img.Pix {
		got += v
	}
	if got != sum {
		t.Fatalf("pixel sum changed: %v != %v", got, sum)
	}
}

func TestFlipRotAugmenterSkipsRotationForRectangles(t *testing.T) {
	aug := NewFlipRotAugmenter(3)
	img := imaging.NewFloatGrid(4, 8)
	for round := 0; round < 20; round++ {
		aug.Augment(img)
		if img.H != 4 || img.W != 8 {
			t.Fatal("rectangular plane must keep its extent")
		}
	}
}

func TestBetaMixupBlendsWithinConvexHull(t *testing.T) {
	mix := NewBetaMixup(1.0, 0.2, 42)
	n := 4
	images := make([]*imaging.FloatGrid, n)
	binaries := make([]*imaging.FloatGrid, n)
	targets := make([]*imaging.FloatGrid, n)
	masks := make([]*imaging.FloatGrid, n)
	for i := 0; i < n; i++ {
		images[i] = imaging.NewFloatGrid(2, 2)
		binaries[i] = imaging.NewFloatGrid(2, 2)
		targets[i] = imaging.NewFloatGrid(2, 2)
		masks[i] = imaging.NewFloatGrid(2, 2)
		for j := range targets[i].Pix {
			targets[i].Pix[j] = float64(i % 2) // alternating all-0 / all-1
		}
	}
	mix.Mix(images, binaries, targets, masks)
	for i := 0; i < n; i++ {
		for _, v := range targets[i].Pix {
			if v < 0 || v > 1 {
				t.Fatalf("blended target %v outside [0, 1]", v)
			}
		}
	}
}

func TestBetaMixupZeroProbabilityIsIdentity(t *testing.T) {
	mix := NewBetaMixup(0, 0.2, 42)
	img := imaging.NewFloatGrid(2, 2)
	img.Pix[0] = 0.5
	want := img.Clone()
	mix.Mix([]*imaging.FloatGrid{img}, []*imaging.FloatGrid{img.Clone()},
		[]*imaging.FloatGrid{img.Clone()}, []*imaging.FloatGrid{img.Clone()})
	for i := range img.Pix {
		if img.Pix[i] != want.Pix[i] {
			t.Fatal("prob 0 must not blend")
		}
	}
}

func TestLogisticModelTrainStepReducesLoss(t *testing.T) {
	model := NewLogisticModel(1.0)
	img := imaging.NewFloatGrid(4, 4)
	bin := imaging.NewFloatGrid(4, 4)
	y := imaging.NewFloatGrid(4, 4)
	mask := imaging.NewFloatGrid(4, 4)
	for i := range img.Pix {
		// Positive wherever intensity is high: linearly separable.
		img.Pix[i] = float64(i) / 15.0
		bin.Pix[i] = 1
		if img.Pix[i] > 0.5 {
			y.Pix[i] = 1
		}
		mask.Pix[i] = 1
	}
	images := []*imaging.FloatGrid{img}
	binaries := []*imaging.FloatGrid{bin}
	targets := []*imaging.FloatGrid{y}
	masks := []*imaging.FloatGrid{mask}

	first, err := model.TrainStep(images, binaries, targets, masks)
	if err != nil {
		t.Fatal(err)
	}
	var last float64
	for i := 0; i < 200; i++ {
		last, err = model.TrainStep(images, binaries, targets, masks)
		if err != nil {
			t.Fatal(err)
		}
	}
	if last >= first {
		t.Fatalf("loss did not decrease: first %v, last %v", first, last)
	}
}

func TestLogisticModelCheckpointRoundTrip(t *testing.T) {
	model := &LogisticModel{WImg: 1.5, WBin: -0.25, Bias: 0.125, LR: 0.01}
	path := filepath.Join(t.TempDir(), "checkpoint_10")
	if err := model.Save(path); err != nil {
		t.Fatal(err)
	}
	restored := NewLogisticModel(0)
	if err := restored.Load(path); err != nil {
		t.Fatal(err)
	}
	if *restored != *model {
		t.Fatalf("restored = %+v, want %+v", restored, model)
	}

	// Predictions agree bit-for-bit.
	img := imaging.NewFloatGrid(3, 3)
	for i := range img.Pix {
		img.Pix[i] = float64(i) / 8.0
	}
	bin := imaging.NewFloatGrid(3, 3)
	a := model.Predict([]*imaging.FloatGrid{img}, []*imaging.FloatGrid{bin})
	b := restored.Predict([]*imaging.FloatGrid{img}, []*imaging.FloatGrid{bin})
	for i := range a[0].Pix {
		if math.Abs(a[0].Pix[i]-b[0].Pix[i]) != 0 {
			t.Fatal("restored model must predict identically")
		}
	}
}
