package imaging

import (
	"image"
	"image/color"
	_ "image/png" // PNG fallback for exported masks
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/angelolab/cell-classification/pkg/errors"
)

// ReadImage loads a single-channel marker image from a TIFF or PNG file and
// returns intensities scaled into [0, 1] by the source bit depth. Multi
// channel sources contribute their first channel only. A missing or
// unreadable file is a fatal I/O error naming the file.
func ReadImage(path string) (*FloatGrid, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	out := NewFloatGrid(b.Dy(), b.Dx())
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < out.H; y++ {
			for x := 0; x < out.W; x++ {
				out.Set(y, x, float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)/255.0)
			}
		}
	case *image.Gray16:
		for y := 0; y < out.H; y++ {
			for x := 0; x < out.W; x++ {
				out.Set(y, x, float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)/65535.0)
			}
		}
	default:
		// First channel of whatever color model the decoder produced.
		for y := 0; y < out.H; y++ {
			for x := 0; x < out.W; x++ {
				r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				out.Set(y, x, float64(r)/65535.0)
			}
		}
	}
	return out, nil
}

// ReadLabelImage loads an instance segmentation mask. Pixel values are taken
// verbatim as integer labels, 0 being background.
func ReadLabelImage(path string) (*IntGrid, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	out := NewIntGrid(b.Dy(), b.Dx())
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < out.H; y++ {
			for x := 0; x < out.W; x++ {
				out.Set(y, x, int32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	case *image.Gray16:
		for y := 0; y < out.H; y++ {
			for x := 0; x < out.W; x++ {
				out.Set(y, x, int32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	default:
		for y := 0; y < out.H; y++ {
			for x := 0; x < out.W; x++ {
				r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				out.Set(y, x, int32(r))
			}
		}
	}
	return out, nil
}

// WriteFloatTIFF stores a [0, 1] float grid as a 16-bit grayscale TIFF.
func WriteFloatTIFF(path string, grid *FloatGrid) error {
	img := image.NewGray16(image.Rect(0, 0, grid.W, grid.H))
	for y := 0; y < grid.H; y++ {
		for x := 0; x < grid.W; x++ {
			v := grid.At(y, x)
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v*65535 + 0.5)})
		}
	}
	return encodeTIFF(path, img)
}

// WriteLabelTIFF stores an instance mask as a 16-bit grayscale TIFF with the
// raw label values as pixel intensities. Labels must fit in 16 bits.
func WriteLabelTIFF(path string, grid *IntGrid) error {
	img := image.NewGray16(image.Rect(0, 0, grid.W, grid.H))
	for y := 0; y < grid.H; y++ {
		for x := 0; x < grid.W; x++ {
			label := grid.At(y, x)
			if label < 0 || label > 65535 {
				return errors.Newf("imaging: label %d at (%d, %d) does not fit 16-bit storage", label, y, x)
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(label)})
		}
	}
	return encodeTIFF(path, img)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "imaging: cannot open image %s", path)
	}
	defer f.Close()

	var img image.Image
	if isTIFF(path) {
		img, err = tiff.Decode(f)
	} else {
		img, _, err = image.Decode(f)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "imaging: cannot decode image %s", path)
	}
	return img, nil
}

func encodeTIFF(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "imaging: cannot create %s", path)
	}
	if err := tiff.Encode(f, img, nil); err != nil {
		f.Close()
		return errors.Wrapf(err, "imaging: cannot encode %s", path)
	}
	return f.Close()
}

func isTIFF(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".tif" || ext == ".tiff"
}
