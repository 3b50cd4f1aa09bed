package training

import (
	"bytes"
	"math"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/angelolab/cell-classification/core/parallel"
	"github.com/angelolab/cell-classification/dataset"
	"github.com/angelolab/cell-classification/imaging"
	"github.com/angelolab/cell-classification/pkg/errors"
)

// ClassThresholds holds the EMA loss-quantile thresholds of one marker.
type ClassThresholds struct {
	Positive float64 `toml:"positive"`
	Negative float64 `toml:"negative"`
}

// LossQuantileState tracks per-marker EMA thresholds across the whole run.
// It starts empty, grows as markers are first seen and is never reset
// mid-run. Snapshots are TOML with one table per marker.
type LossQuantileState struct {
	thresholds map[string]*ClassThresholds
}

// NewLossQuantileState returns an empty state.
func NewLossQuantileState() *LossQuantileState {
	return &LossQuantileState{thresholds: make(map[string]*ClassThresholds)}
}

// Get returns the thresholds of marker, or false when the marker has not
// been seen yet.
func (s *LossQuantileState) Get(marker string) (ClassThresholds, bool) {
	t, ok := s.thresholds[marker]
	if !ok {
		return ClassThresholds{}, false
	}
	return *t, true
}

// Markers returns the tracked markers in ascending order.
func (s *LossQuantileState) Markers() []string {
	out := make([]string, 0, len(s.thresholds))
	for marker := range s.thresholds {
		out = append(out, marker)
	}
	sort.Strings(out)
	return out
}

// SnapshotTOML writes the state to path, wholesale.
func (s *LossQuantileState) SnapshotTOML(path string) error {
	flat := make(map[string]ClassThresholds, len(s.thresholds))
	for marker, t := range s.thresholds {
		flat[marker] = *t
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(flat); err != nil {
		return errors.Wrapf(err, "training: cannot encode loss-quantile state")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "training: cannot write loss-quantile state %s", path)
	}
	return nil
}

// LoadLossQuantileState restores a snapshot written by SnapshotTOML.
func LoadLossQuantileState(path string) (*LossQuantileState, error) {
	var flat map[string]ClassThresholds
	if _, err := toml.DecodeFile(path, &flat); err != nil {
		return nil, errors.Wrapf(err, "training: cannot read loss-quantile state %s", path)
	}
	s := NewLossQuantileState()
	for marker, t := range flat {
		copied := t
		s.thresholds[marker] = &copied
	}
	return s, nil
}

// SelectorConfig configures an AdaptiveLossSelector.
type SelectorConfig struct {
	// QuantileStart ramps linearly to QuantileEnd over QuantileWarmupSteps.
	QuantileStart       float64
	QuantileEnd         float64
	QuantileWarmupSteps int

	// EMA is the update weight of fresh quantile values against the
	// tracked threshold.
	EMA float64

	// NegConfidence and PosConfidence are the probabilities that define the
	// matched high-confidence loss thresholds.
	NegConfidence float64
	PosConfidence float64
}

// ScoredCell joins one activity-table row with its per-cell mean loss.
type ScoredCell struct {
	Label    int32
	Activity uint8
	Loss     float64
}

// MergeCellLosses joins an activity table with per-cell losses on the label
// column. Both inputs are ascending by label; rows without a loss entry are
// dropped, as is the background entry without a table row.
func MergeCellLosses(table dataset.MarkerActivityTable, cells []CellLoss) []ScoredCell {
	out := make([]ScoredCell, 0, len(table.Rows))
	i := 0
	for _, row := range table.Rows {
		for i < len(cells) && cells[i].Label < row.Label {
			i++
		}
		if i < len(cells) && cells[i].Label == row.Label {
			out = append(out, ScoredCell{Label: row.Label, Activity: row.Activity, Loss: cells[i].Mean})
		}
	}
	return out
}

// SelectionInput is one batch element offered to the selector.
type SelectionInput struct {
	Marker   string
	Cells    []ScoredCell
	Instance *imaging.IntGrid
}

// AdaptiveLossSelector keeps the low-loss cells of each class. Two rules
// feed the selection, unioned by label: a class-wise EMA quantile threshold
// tracked per marker, and fixed matched high-confidence thresholds derived
// once from the configured confidence probabilities.
type AdaptiveLossSelector struct {
	cfg   SelectorConfig
	state *LossQuantileState

	// Loss of a prediction sitting exactly at the configured confidence
	// probability; cells strictly below are kept regardless of quantiles.
	posLossThresh float64
	negLossThresh float64
}

// NewAdaptiveLossSelector wires a selector around state. State may come from
// a snapshot to resume a run.
func NewAdaptiveLossSelector(cfg SelectorConfig, state *LossQuantileState) *AdaptiveLossSelector {
	if state == nil {
		state = NewLossQuantileState()
	}
	return &AdaptiveLossSelector{
		cfg:           cfg,
		state:         state,
		posLossThresh: BCE(0, cfg.NegConfidence),
		negLossThresh: BCE(1, cfg.PosConfidence),
	}
}

// State exposes the tracked thresholds for logging and snapshots.
func (s *AdaptiveLossSelector) State() *LossQuantileState { return s.state }

// Quantile returns the scheduled selection quantile for step:
// start + (end-start)*step/warmup, clamped at end.
func (s *AdaptiveLossSelector) Quantile(step int) float64 {
	if s.cfg.QuantileWarmupSteps <= 0 {
		return s.cfg.QuantileEnd
	}
	q := s.cfg.QuantileStart +
		(s.cfg.QuantileEnd-s.cfg.QuantileStart)*float64(step)/float64(s.cfg.QuantileWarmupSteps)
	return math.Min(q, s.cfg.QuantileEnd)
}

// SelectBatch returns one dense loss mask per element: 1 where the pixel's
// instance label was selected, 0 elsewhere. An element without cells yields
// an all-zero mask. Threshold updates run sequentially in batch order;
// only the mask painting is parallel.
func (s *AdaptiveLossSelector) SelectBatch(inputs []SelectionInput, step int) []*imaging.FloatGrid {
	q := s.Quantile(step)

	selected := make([]map[int32]struct{}, len(inputs))
	for i, in := range inputs {
		selected[i] = s.selectLabels(in.Marker, in.Cells, q)
	}

	masks := make([]*imaging.FloatGrid, len(inputs))
	parallel.ForEach(len(inputs), func(i int) {
		masks[i] = paintSelectionMask(inputs[i].Instance, selected[i])
	})
	return masks
}

// selectLabels applies both selection rules for one element and returns the
// union of kept labels.
func (s *AdaptiveLossSelector) selectLabels(marker string, cells []ScoredCell, q float64) map[int32]struct{} {
	keep := make(map[int32]struct{})
	if len(cells) == 0 {
		return keep
	}

	var pos, neg []ScoredCell
	for _, c := range cells {
		switch c.Activity {
		case dataset.ActivityPositive:
			pos = append(pos, c)
		case dataset.ActivityNegative:
			neg = append(neg, c)
		}
	}

	ema := s.cfg.EMA
	thr, ok := s.state.thresholds[marker]
	if !ok {
		// Cold start: the first update must land on the fresh quantile
		// exactly, so the EMA weight is forced to 1 for this element.
		thr = &ClassThresholds{Positive: 1.0, Negative: 1.0}
		s.state.thresholds[marker] = thr
		ema = 1.0
	}

	if len(pos) > 0 {
		thr.Positive = thr.Positive*(1-ema) + quantileLoss(pos, q)*ema
		for _, c := range pos {
			if c.Loss <= thr.Positive {
				keep[c.Label] = struct{}{}
			}
		}
	}
	if len(neg) > 0 {
		thr.Negative = thr.Negative*(1-ema) + quantileLoss(neg, q)*ema
		for _, c := range neg {
			if c.Loss <= thr.Negative {
				keep[c.Label] = struct{}{}
			}
		}
	}

	for _, c := range pos {
		if c.Loss < s.posLossThresh {
			keep[c.Label] = struct{}{}
		}
	}
	for _, c := range neg {
		if c.Loss < s.negLossThresh {
			keep[c.Label] = struct{}{}
		}
	}
	return keep
}

func quantileLoss(cells []ScoredCell, q float64) float64 {
	losses := make([]float64, len(cells))
	for i, c := range cells {
		losses[i] = c.Loss
	}
	return imaging.QuantileOf(losses, q)
}

func paintSelectionMask(instance *imaging.IntGrid, keep map[int32]struct{}) *imaging.FloatGrid {
	mask := imaging.NewFloatGrid(instance.H, instance.W)
	if len(keep) == 0 {
		return mask
	}
	for i, label := range instance.Pix {
		if _, ok := keep[label]; ok {
			mask.Pix[i] = 1
		}
	}
	return mask
}
