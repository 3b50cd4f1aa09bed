package training

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/exp/rand"

	"github.com/angelolab/cell-classification/dataset"
	"github.com/angelolab/cell-classification/imaging"
	"github.com/angelolab/cell-classification/pkg/errors"
	"github.com/angelolab/cell-classification/pkg/log"
	"github.com/angelolab/cell-classification/record"
)

// TrainingLoop drives Promix training over a record file: forward pass on
// the clean batch, per-cell loss reduction, adaptive selection, then
// augmentation, mixup and one gradient step.
type TrainingLoop struct {
	params   Params
	model    TrainableModel
	aug      Augmenter
	mix      Mixup
	selector *AdaptiveLossSelector
	logger   log.Logger

	examples []*dataset.Example
	step     int
}

// NewTrainingLoop wires a loop. aug and mix may be nil to disable
// augmentation or mixup.
func NewTrainingLoop(params Params, model TrainableModel, aug Augmenter, mix Mixup, logger log.Logger) *TrainingLoop {
	if logger == nil {
		logger = log.GetLogger()
	}
	selector := NewAdaptiveLossSelector(SelectorConfig{
		QuantileStart:       params.Quantile,
		QuantileEnd:         params.QuantileEnd,
		QuantileWarmupSteps: params.QuantileWarmupSteps,
		EMA:                 params.EMA,
		NegConfidence:       params.ConfidenceThresholds[0],
		PosConfidence:       params.ConfidenceThresholds[1],
	}, nil)
	return &TrainingLoop{
		params:   params,
		model:    model,
		aug:      aug,
		mix:      mix,
		selector: selector,
		logger:   logger,
	}
}

// Selector exposes the adaptive selector (thresholds, schedule).
func (l *TrainingLoop) Selector() *AdaptiveLossSelector { return l.selector }

// Step returns the number of completed steps.
func (l *TrainingLoop) Step() int { return l.step }

// Run trains for NumSteps steps. The record file is read once up front;
// batches cycle through a seeded shuffle of its examples.
func (l *TrainingLoop) Run(ctx context.Context) error {
	for _, dir := range []string{l.params.ModelDir, l.params.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "training: cannot create dir %s", dir)
		}
	}
	if err := l.params.Save(filepath.Join(l.params.ModelDir, "params.toml")); err != nil {
		return err
	}

	examples, err := LoadExamples(l.params.RecordPath)
	if err != nil {
		return err
	}
	if len(examples) == 0 {
		return errors.NewDataIntegrityError("record file", l.params.RecordPath, "", "contains no examples")
	}
	rng := rand.New(rand.NewSource(l.params.Seed))
	rng.Shuffle(len(examples), func(i, j int) { examples[i], examples[j] = examples[j], examples[i] })
	l.examples = examples
	l.logger.Info("training started",
		log.ExamplesKey, len(examples), "num_steps", l.params.NumSteps, "batch_size", l.params.BatchSize)

	var lossWindow []float64
	for l.step < l.params.NumSteps {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "training: interrupted at step %d", l.step)
		}
		batch := l.nextBatch()
		loss, err := l.trainStep(batch)
		if err != nil {
			return err
		}
		l.step++
		lossWindow = append(lossWindow, loss)

		if l.params.SnapSteps > 0 && l.step%l.params.SnapSteps == 0 {
			l.snapshot(lossWindow)
			lossWindow = lossWindow[:0]
		}
		if l.params.ValSteps > 0 && l.step%l.params.ValSteps == 0 {
			path := filepath.Join(l.params.ModelDir, fmt.Sprintf("checkpoint_%d", l.step))
			if err := l.model.Save(path); err != nil {
				return err
			}
			l.logger.Info("checkpoint saved", log.StepKey, l.step, log.CheckpointKey, path)
		}
	}
	return nil
}

// nextBatch slices the next BatchSize examples, wrapping around.
func (l *TrainingLoop) nextBatch() []*dataset.Example {
	n := l.params.BatchSize
	if n > len(l.examples) {
		n = len(l.examples)
	}
	batch := make([]*dataset.Example, n)
	start := (l.step * n) % len(l.examples)
	for i := 0; i < n; i++ {
		batch[i] = l.examples[(start+i)%len(l.examples)]
	}
	return batch
}

// trainStep runs one Promix step on batch and returns the training loss.
// Panics in collaborator implementations surface as errors.
func (l *TrainingLoop) trainStep(batch []*dataset.Example) (loss float64, err error) {
	defer errors.Recover(&err, "training step")
	n := len(batch)
	images := make([]*imaging.FloatGrid, n)
	binaries := make([]*imaging.FloatGrid, n)
	targets := make([]*imaging.FloatGrid, n)
	instances := make([]*imaging.IntGrid, n)
	for i, ex := range batch {
		images[i] = ex.MplexImg.Clone()
		binaries[i] = byteToFloat(ex.BinaryMask)
		targets[i] = byteToFloat(ex.MarkerActivityMask)
		instances[i] = ex.InstanceMask
	}

	// Selection runs on the clean, unaugmented batch.
	preds := l.model.Predict(images, binaries)
	losses := make([]*imaging.FloatGrid, n)
	for i := range preds {
		plane, err := PixelBCE(targets[i], preds[i])
		if err != nil {
			return 0, err
		}
		losses[i] = plane
	}
	perCell, err := ReduceToCellsBatch(losses, instances)
	if err != nil {
		return 0, err
	}
	inputs := make([]SelectionInput, n)
	for i, ex := range batch {
		inputs[i] = SelectionInput{
			Marker:   ex.Marker,
			Cells:    MergeCellLosses(ex.ActivityTable, perCell[i]),
			Instance: instances[i],
		}
	}
	masks := l.selector.SelectBatch(inputs, l.step)
	for i := range masks {
		mulInPlace(masks[i], binaries[i])
	}

	// One spatial transform per element, shared across its planes.
	if l.aug != nil {
		for i := range batch {
			l.aug.Augment(images[i], binaries[i], targets[i], masks[i])
		}
	}

	// Pixels without ground truth leave the loss mask before the targets
	// are clamped into blendable [0, 1] range.
	for i := range batch {
		for j, y := range targets[i].Pix {
			if y == float64(dataset.ActivityUnknown) {
				masks[i].Pix[j] = 0
			}
		}
		targets[i].Clip(0, 1)
	}

	if l.mix != nil {
		l.mix.Mix(images, binaries, targets, masks)
	}

	// Background stays supervised: wherever the blended binary mask is
	// exactly zero, both partners were background, and the model should
	// learn to predict negative there.
	for i := range batch {
		for j, b := range binaries[i].Pix {
			if b == 0 {
				masks[i].Pix[j] = 1
			}
		}
	}

	return l.model.TrainStep(images, binaries, targets, masks)
}

func (l *TrainingLoop) snapshot(lossWindow []float64) {
	mean := 0.0
	for _, v := range lossWindow {
		mean += v
	}
	if len(lossWindow) > 0 {
		mean /= float64(len(lossWindow))
	}
	fields := []any{
		log.StepKey, l.step,
		log.LossKey, mean,
		log.QuantileKey, l.selector.Quantile(l.step),
	}
	for _, marker := range l.selector.State().Markers() {
		thr, _ := l.selector.State().Get(marker)
		fields = append(fields, marker+"_pos", thr.Positive, marker+"_neg", thr.Negative)
	}
	l.logger.Info("training snapshot", fields...)

	statePath := filepath.Join(l.params.LogDir, "loss_quantiles.toml")
	if err := l.selector.State().SnapshotTOML(statePath); err != nil {
		l.logger.Error("loss-quantile snapshot failed", "error", err)
	}
}

// LoadExamples reads every example of a record file into memory.
func LoadExamples(path string) ([]*dataset.Example, error) {
	r, err := record.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []*dataset.Example
	for {
		payload, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		ex, err := record.Unmarshal(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
}

func byteToFloat(g *imaging.ByteGrid) *imaging.FloatGrid {
	out := imaging.NewFloatGrid(g.H, g.W)
	for i, v := range g.Pix {
		out.Pix[i] = float64(v)
	}
	return out
}

func mulInPlace(dst, src *imaging.FloatGrid) {
	for i := range dst.Pix {
		dst.Pix[i] *= src.Pix[i]
	}
}
