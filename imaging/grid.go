// Package imaging provides the raster types the pipeline is built on:
// single-channel float grids for marker images and integer grids for
// segmentation masks, plus quantiles, windowing and the instance-aware
// boundary erosion applied to binary cell masks.
//
// All grids are rank-3 [H,W,1] in spirit; the trailing channel dimension is
// implicit and the backing storage is a flat row-major slice.
package imaging

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/angelolab/cell-classification/pkg/errors"
)

// FloatGrid is a single-channel float64 raster of size H x W.
type FloatGrid struct {
	H, W int
	Pix  []float64
}

// NewFloatGrid creates a zero-filled FloatGrid.
func NewFloatGrid(h, w int) *FloatGrid {
	return &FloatGrid{H: h, W: w, Pix: make([]float64, h*w)}
}

// NewFloatGridFrom wraps pix as an H x W grid. The slice length must match.
func NewFloatGridFrom(h, w int, pix []float64) (*FloatGrid, error) {
	if len(pix) != h*w {
		return nil, errors.Newf("imaging: pixel count %d does not match %dx%d", len(pix), h, w)
	}
	return &FloatGrid{H: h, W: w, Pix: pix}, nil
}

// At returns the pixel at row y, column x.
func (g *FloatGrid) At(y, x int) float64 { return g.Pix[y*g.W+x] }

// Set assigns the pixel at row y, column x.
func (g *FloatGrid) Set(y, x int, v float64) { g.Pix[y*g.W+x] = v }

// Clone returns a deep copy.
func (g *FloatGrid) Clone() *FloatGrid {
	pix := make([]float64, len(g.Pix))
	copy(pix, g.Pix)
	return &FloatGrid{H: g.H, W: g.W, Pix: pix}
}

// Window copies the h x w sub-grid anchored at (y0, x0).
func (g *FloatGrid) Window(y0, x0, h, w int) *FloatGrid {
	out := NewFloatGrid(h, w)
	for y := 0; y < h; y++ {
		copy(out.Pix[y*w:(y+1)*w], g.Pix[(y0+y)*g.W+x0:(y0+y)*g.W+x0+w])
	}
	return out
}

// Scale multiplies every pixel by f in place.
func (g *FloatGrid) Scale(f float64) {
	for i := range g.Pix {
		g.Pix[i] *= f
	}
}

// Clip clamps every pixel into [lo, hi] in place.
func (g *FloatGrid) Clip(lo, hi float64) {
	for i, v := range g.Pix {
		if v < lo {
			g.Pix[i] = lo
		} else if v > hi {
			g.Pix[i] = hi
		}
	}
}

// Quantile returns the q-th empirical quantile of the pixel values.
func (g *FloatGrid) Quantile(q float64) float64 {
	return QuantileOf(g.Pix, q)
}

// QuantileOf returns the q-th empirical quantile of values. The estimator
// is the empirical step function: it always returns an observed value and
// never interpolates between neighbors, so thresholds derived from small
// cell counts sit exactly on a cell's loss.
func QuantileOf(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}

// ByteGrid is a single-channel uint8 raster, used for binary cell masks
// (0/1) and marker-activity masks (0/1/2).
type ByteGrid struct {
	H, W int
	Pix  []uint8
}

// NewByteGrid creates a zero-filled ByteGrid.
func NewByteGrid(h, w int) *ByteGrid {
	return &ByteGrid{H: h, W: w, Pix: make([]uint8, h*w)}
}

// At returns the pixel at row y, column x.
func (g *ByteGrid) At(y, x int) uint8 { return g.Pix[y*g.W+x] }

// Set assigns the pixel at row y, column x.
func (g *ByteGrid) Set(y, x int, v uint8) { g.Pix[y*g.W+x] = v }

// Clone returns a deep copy.
func (g *ByteGrid) Clone() *ByteGrid {
	pix := make([]uint8, len(g.Pix))
	copy(pix, g.Pix)
	return &ByteGrid{H: g.H, W: g.W, Pix: pix}
}

// Window copies the h x w sub-grid anchored at (y0, x0).
func (g *ByteGrid) Window(y0, x0, h, w int) *ByteGrid {
	out := NewByteGrid(h, w)
	for y := 0; y < h; y++ {
		copy(out.Pix[y*w:(y+1)*w], g.Pix[(y0+y)*g.W+x0:(y0+y)*g.W+x0+w])
	}
	return out
}

// AllZero reports whether every pixel is zero.
func (g *ByteGrid) AllZero() bool {
	for _, v := range g.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}

// IntGrid is a single-channel int32 raster, used for instance masks where
// each pixel carries its cell label (0 = background).
type IntGrid struct {
	H, W int
	Pix  []int32
}

// NewIntGrid creates a zero-filled IntGrid.
func NewIntGrid(h, w int) *IntGrid {
	return &IntGrid{H: h, W: w, Pix: make([]int32, h*w)}
}

// At returns the pixel at row y, column x.
func (g *IntGrid) At(y, x int) int32 { return g.Pix[y*g.W+x] }

// Set assigns the pixel at row y, column x.
func (g *IntGrid) Set(y, x int, v int32) { g.Pix[y*g.W+x] = v }

// Clone returns a deep copy.
func (g *IntGrid) Clone() *IntGrid {
	pix := make([]int32, len(g.Pix))
	copy(pix, g.Pix)
	return &IntGrid{H: g.H, W: g.W, Pix: pix}
}

// Window copies the h x w sub-grid anchored at (y0, x0).
func (g *IntGrid) Window(y0, x0, h, w int) *IntGrid {
	out := NewIntGrid(h, w)
	for y := 0; y < h; y++ {
		copy(out.Pix[y*w:(y+1)*w], g.Pix[(y0+y)*g.W+x0:(y0+y)*g.W+x0+w])
	}
	return out
}

// UniqueLabels returns the distinct non-background labels in ascending order.
func (g *IntGrid) UniqueLabels() []int32 {
	seen := make(map[int32]struct{})
	for _, v := range g.Pix {
		if v != 0 {
			seen[v] = struct{}{}
		}
	}
	labels := make([]int32, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}

// BinaryMask returns a ByteGrid with 1 wherever the label is non-background.
func (g *IntGrid) BinaryMask() *ByteGrid {
	out := NewByteGrid(g.H, g.W)
	for i, v := range g.Pix {
		if v != 0 {
			out.Pix[i] = 1
		}
	}
	return out
}
