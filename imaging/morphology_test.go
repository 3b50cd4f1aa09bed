package imaging

import (
	"reflect"
	"testing"
)

// square paints a filled square of the given label.
func square(g *IntGrid, y0, x0, size int, label int32) {
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			g.Set(y, x, label)
		}
	}
}

func TestErodeBoundariesShrinksIsolatedShapeByOnePixel(t *testing.T) {
	instance := NewIntGrid(10, 10)
	square(instance, 2, 2, 5, 1)

	eroded := ErodeBoundaries(instance.BinaryMask(), instance)

	// The 5x5 square keeps only its 3x3 interior.
	var count int
	for _, v := range eroded.Pix {
		count += int(v)
	}
	if count != 9 {
		t.Fatalf("eroded pixel count = %d, want 9", count)
	}
	for y := 3; y < 6; y++ {
		for x := 3; x < 6; x++ {
			if eroded.At(y, x) != 1 {
				t.Errorf("interior pixel (%d,%d) eroded", y, x)
			}
		}
	}
}

func TestErodeBoundariesIsIdempotent(t *testing.T) {
	instance := NewIntGrid(12, 12)
	square(instance, 1, 1, 6, 1)

	once := ErodeBoundaries(instance.BinaryMask(), instance)
	twice := ErodeBoundaries(once, instance)

	if !reflect.DeepEqual(once.Pix, twice.Pix) {
		t.Error("second erosion changed an already-eroded mask")
	}
}

func TestErodeBoundariesSeparatesTouchingCells(t *testing.T) {
	instance := NewIntGrid(8, 8)
	square(instance, 1, 1, 3, 1)
	square(instance, 1, 4, 3, 2) // touches cell 1 at x=3/4

	eroded := ErodeBoundaries(instance.BinaryMask(), instance)

	// Columns 3 and 4 are the touching boundary; both must be cleared so the
	// two cells no longer share adjacent foreground pixels.
	for y := 1; y < 4; y++ {
		if eroded.At(y, 3) != 0 {
			t.Errorf("boundary pixel (%d,3) of cell 1 not eroded", y)
		}
		if eroded.At(y, 4) != 0 {
			t.Errorf("boundary pixel (%d,4) of cell 2 not eroded", y)
		}
	}
}

func TestErodeBoundariesLeavesInstanceMaskUntouched(t *testing.T) {
	instance := NewIntGrid(6, 6)
	square(instance, 1, 1, 4, 7)
	before := instance.Clone()

	ErodeBoundaries(instance.BinaryMask(), instance)

	if !reflect.DeepEqual(before.Pix, instance.Pix) {
		t.Error("erosion modified the instance mask")
	}
}
