package imaging

// neighbor offsets for 8-connectivity.
var neighbors8 = [8][2]int{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

// ErodeBoundaries zeroes every binary-mask pixel that lies on an inner
// boundary of the instance mask: a foreground pixel whose 8-neighbourhood
// contains a different instance value (background counts as different).
// Cells touching at single-pixel boundaries end up separated by a two-pixel
// gap, which keeps adjacent-cell pixels out of each other's loss.
//
// The erosion is driven entirely by the instance mask, so applying it again
// to an already-eroded binary mask with the same instance mask is a no-op.
// Neighbours outside the image are ignored; the instance mask is never
// modified. Pixels removed here stay labelled in the instance mask and are
// coded "no ground truth" in the marker-activity mask.
func ErodeBoundaries(binary *ByteGrid, instance *IntGrid) *ByteGrid {
	out := binary.Clone()
	for y := 0; y < instance.H; y++ {
		for x := 0; x < instance.W; x++ {
			label := instance.At(y, x)
			if label == 0 {
				continue
			}
			for _, d := range neighbors8 {
				ny, nx := y+d[0], x+d[1]
				if ny < 0 || ny >= instance.H || nx < 0 || nx >= instance.W {
					continue
				}
				if instance.At(ny, nx) != label {
					out.Set(y, x, 0)
					break
				}
			}
		}
	}
	return out
}
