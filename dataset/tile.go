package dataset

import (
	"github.com/angelolab/cell-classification/pkg/errors"
)

// TileConfig controls how a full-resolution example is split.
type TileConfig struct {
	TileH, TileW     int
	StrideY, StrideX int
	// DropEmpty excludes tiles whose binary mask is entirely background.
	// Off by default; the production pipeline turns it on to avoid training
	// on empty crops.
	DropEmpty bool
}

// Tile partitions an example into tiles of TileH x TileW stepped by the
// strides, in row-major order (top-left to bottom-right). The last tile per
// axis is anchored to the trailing edge so the full extent is covered even
// when the dimension is not a stride multiple. Non-spatial fields are copied
// verbatim; the activity table is subset to labels whose instance pixels
// intersect the tile window.
func Tile(ex *Example, cfg TileConfig) ([]*Example, error) {
	h, w := ex.MplexImg.H, ex.MplexImg.W
	if cfg.TileH <= 0 || cfg.TileW <= 0 {
		return nil, errors.NewConfigurationError("", "tile_size", "tile size must be positive")
	}
	if cfg.TileH > h || cfg.TileW > w {
		return nil, errors.NewConfigurationError("", "tile_size", "tile size exceeds image extent")
	}
	if cfg.StrideY <= 0 {
		cfg.StrideY = cfg.TileH
	}
	if cfg.StrideX <= 0 {
		cfg.StrideX = cfg.TileW
	}

	ys := axisOffsets(h, cfg.TileH, cfg.StrideY)
	xs := axisOffsets(w, cfg.TileW, cfg.StrideX)

	var tiles []*Example
	for _, y := range ys {
		for _, x := range xs {
			tile := cutTile(ex, y, x, cfg.TileH, cfg.TileW)
			if cfg.DropEmpty && tile.BinaryMask.AllZero() {
				continue
			}
			tiles = append(tiles, tile)
		}
	}
	return tiles, nil
}

// axisOffsets returns the window origins along one axis: stride steps while
// a full window fits, then the trailing-edge window dim-tile (deduplicated
// when the grid lands on it exactly).
func axisOffsets(dim, tile, stride int) []int {
	var offsets []int
	for o := 0; o+tile <= dim; o += stride {
		offsets = append(offsets, o)
	}
	last := dim - tile
	if offsets[len(offsets)-1] != last {
		offsets = append(offsets, last)
	}
	return offsets
}

func cutTile(ex *Example, y, x, h, w int) *Example {
	instance := ex.InstanceMask.Window(y, x, h, w)
	return &Example{
		MplexImg:           ex.MplexImg.Window(y, x, h, w),
		BinaryMask:         ex.BinaryMask.Window(y, x, h, w),
		InstanceMask:       instance,
		MarkerActivityMask: ex.MarkerActivityMask.Window(y, x, h, w),
		Marker:             ex.Marker,
		Dataset:            ex.Dataset,
		ImagingPlatform:    ex.ImagingPlatform,
		FolderName:         ex.FolderName,
		ActivityTable:      ex.ActivityTable.Subset(instance.UniqueLabels()),
	}
}
