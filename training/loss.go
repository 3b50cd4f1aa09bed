// Package training implements the Promix training loop for cell-level
// marker classification on noisy labels: per-pixel binary cross-entropy
// reduced to per-cell means, adaptive class-wise loss selection with EMA
// quantile thresholds, and a step loop with augmentation and mixup.
package training

import (
	"math"
	"sort"

	"github.com/angelolab/cell-classification/core/parallel"
	"github.com/angelolab/cell-classification/imaging"
	"github.com/angelolab/cell-classification/pkg/errors"
)

// bceEpsilon clips predicted probabilities so the log stays finite.
const bceEpsilon = 1e-7

// BCE returns the binary cross-entropy of predicting probability p for
// target y, with p clipped to [bceEpsilon, 1-bceEpsilon].
func BCE(y, p float64) float64 {
	if p < bceEpsilon {
		p = bceEpsilon
	} else if p > 1-bceEpsilon {
		p = 1 - bceEpsilon
	}
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

// PixelBCE computes the per-pixel binary cross-entropy plane for a target
// plane (values in [0, 1], possibly blended) and a prediction plane.
func PixelBCE(target, pred *imaging.FloatGrid) (*imaging.FloatGrid, error) {
	if target.H != pred.H || target.W != pred.W {
		return nil, errors.Newf("training: target extent %dx%d does not match prediction %dx%d",
			target.H, target.W, pred.H, pred.W)
	}
	out := imaging.NewFloatGrid(target.H, target.W)
	for i := range out.Pix {
		out.Pix[i] = BCE(target.Pix[i], pred.Pix[i])
	}
	return out, nil
}

// CellLoss is the per-cell mean loss of one instance label.
type CellLoss struct {
	Label int32
	Mean  float64
}

// ReduceToCells reduces a per-pixel loss plane to one arithmetic mean per
// instance label, background label 0 included. Labels come back ascending;
// they need not be contiguous. The reduction is exact and independent of
// pixel order.
func ReduceToCells(loss *imaging.FloatGrid, instance *imaging.IntGrid) ([]CellLoss, error) {
	if loss.H != instance.H || loss.W != instance.W {
		return nil, errors.Newf("training: loss extent %dx%d does not match instance mask %dx%d",
			loss.H, loss.W, instance.H, instance.W)
	}
	sums := make(map[int32]float64)
	counts := make(map[int32]int)
	for i, label := range instance.Pix {
		sums[label] += loss.Pix[i]
		counts[label]++
	}
	out := make([]CellLoss, 0, len(sums))
	for label, sum := range sums {
		out = append(out, CellLoss{Label: label, Mean: sum / float64(counts[label])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// ReduceToCellsBatch runs ReduceToCells per batch element in parallel.
func ReduceToCellsBatch(losses []*imaging.FloatGrid, instances []*imaging.IntGrid) ([][]CellLoss, error) {
	if len(losses) != len(instances) {
		return nil, errors.Newf("training: %d loss planes for %d instance masks", len(losses), len(instances))
	}
	out := make([][]CellLoss, len(losses))
	errs := make([]error, len(losses))
	parallel.ForEach(len(losses), func(i int) {
		out[i], errs[i] = ReduceToCells(losses[i], instances[i])
	})
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
