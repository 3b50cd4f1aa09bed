package training

import (
	"encoding/json"
	"math"
	"os"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/angelolab/cell-classification/imaging"
	"github.com/angelolab/cell-classification/pkg/errors"
)

// Model predicts per-pixel marker-positivity probabilities from a marker
// image and binary cell mask channel pair. Checkpoints are addressed by
// path; the loop derives deterministic step-numbered names.
type Model interface {
	Predict(images, binaries []*imaging.FloatGrid) []*imaging.FloatGrid
	Save(path string) error
	Load(path string) error
}

// TrainableModel additionally performs one gradient step. Targets may be
// blended (mixup) and the loss mask weighs each pixel's contribution;
// gradient computation and the update rule are the model's business. The
// returned value is the mean masked loss.
type TrainableModel interface {
	Model
	TrainStep(images, binaries, targets, lossMasks []*imaging.FloatGrid) (float64, error)
}

// Augmenter applies one randomly drawn spatial transform to every plane of
// a call, so image, targets and masks stay aligned. Implementations that
// resample must interpolate intensity planes bilinearly and integer-coded
// planes nearest-neighbor; exact transforms (flips, right-angle rotations)
// need neither.
type Augmenter interface {
	Augment(planes ...*imaging.FloatGrid)
}

// Mixup blends batch elements pairwise; shapes are unchanged.
type Mixup interface {
	Mix(images, binaries, targets, lossMasks []*imaging.FloatGrid)
}

// FlipRotAugmenter draws horizontal/vertical flips and, for square planes,
// right-angle rotations. Deterministic for a fixed seed.
type FlipRotAugmenter struct {
	rng *rand.Rand
}

// NewFlipRotAugmenter seeds the augmenter.
func NewFlipRotAugmenter(seed uint64) *FlipRotAugmenter {
	return &FlipRotAugmenter{rng: rand.New(rand.NewSource(seed))}
}

// Augment applies the same transform to every plane.
func (a *FlipRotAugmenter) Augment(planes ...*imaging.FloatGrid) {
	if len(planes) == 0 {
		return
	}
	flipH := a.rng.Float64() < 0.5
	flipV := a.rng.Float64() < 0.5
	turns := 0
	if planes[0].H == planes[0].W {
		turns = a.rng.Intn(4)
	}
	for _, p := range planes {
		if flipH {
			flipHorizontal(p)
		}
		if flipV {
			flipVertical(p)
		}
		for t := 0; t < turns; t++ {
			rotateQuarter(p)
		}
	}
}

func flipHorizontal(p *imaging.FloatGrid) {
	for y := 0; y < p.H; y++ {
		row := p.Pix[y*p.W : (y+1)*p.W]
		for l, r := 0, p.W-1; l < r; l, r = l+1, r-1 {
			row[l], row[r] = row[r], row[l]
		}
	}
}

func flipVertical(p *imaging.FloatGrid) {
	for t, b := 0, p.H-1; t < b; t, b = t+1, b-1 {
		top := p.Pix[t*p.W : (t+1)*p.W]
		bot := p.Pix[b*p.W : (b+1)*p.W]
		for x := range top {
			top[x], bot[x] = bot[x], top[x]
		}
	}
}

// rotateQuarter turns a square plane 90 degrees clockwise in place.
func rotateQuarter(p *imaging.FloatGrid) {
	n := p.H
	out := make([]float64, len(p.Pix))
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			out[x*n+(n-1-y)] = p.Pix[y*n+x]
		}
	}
	copy(p.Pix, out)
}

// BetaMixup blends each batch element with a random partner using a
// Beta(alpha, alpha) coefficient, applied with probability Prob per batch.
// All four planes of an element share one coefficient.
type BetaMixup struct {
	Prob float64

	rng  *rand.Rand
	beta distuv.Beta
}

// NewBetaMixup seeds the blender.
func NewBetaMixup(prob, alpha float64, seed uint64) *BetaMixup {
	src := rand.NewSource(seed)
	return &BetaMixup{
		Prob: prob,
		rng:  rand.New(src),
		beta: distuv.Beta{Alpha: alpha, Beta: alpha, Src: src},
	}
}

// Mix blends in place.
func (m *BetaMixup) Mix(images, binaries, targets, lossMasks []*imaging.FloatGrid) {
	if m.Prob <= 0 || m.rng.Float64() >= m.Prob {
		return
	}
	n := len(images)
	perm := m.rng.Perm(n)
	// Blend against clones so element j is still unblended when it serves
	// as a partner.
	partners := make([][4]*imaging.FloatGrid, n)
	for i := 0; i < n; i++ {
		j := perm[i]
		partners[i] = [4]*imaging.FloatGrid{
			images[j].Clone(), binaries[j].Clone(), targets[j].Clone(), lossMasks[j].Clone(),
		}
	}
	for i := 0; i < n; i++ {
		lam := m.beta.Rand()
		blend(images[i], partners[i][0], lam)
		blend(binaries[i], partners[i][1], lam)
		blend(targets[i], partners[i][2], lam)
		blend(lossMasks[i], partners[i][3], lam)
	}
}

func blend(dst, src *imaging.FloatGrid, lam float64) {
	for i := range dst.Pix {
		dst.Pix[i] = lam*dst.Pix[i] + (1-lam)*src.Pix[i]
	}
}

// LogisticModel is a per-pixel logistic classifier over the marker
// intensity and binary mask channels. It exercises the training contracts
// in tests and the demo CLI; real segmentation models plug in through the
// Model interfaces.
type LogisticModel struct {
	WImg float64 `json:"w_img"`
	WBin float64 `json:"w_bin"`
	Bias float64 `json:"bias"`

	// LR is the gradient step size.
	LR float64 `json:"lr"`
}

// NewLogisticModel returns a zero-initialized model with step size lr.
func NewLogisticModel(lr float64) *LogisticModel {
	return &LogisticModel{LR: lr}
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

// Predict returns one probability plane per element.
func (m *LogisticModel) Predict(images, binaries []*imaging.FloatGrid) []*imaging.FloatGrid {
	out := make([]*imaging.FloatGrid, len(images))
	for i := range images {
		img, bin := images[i], binaries[i]
		p := imaging.NewFloatGrid(img.H, img.W)
		for j := range p.Pix {
			p.Pix[j] = sigmoid(m.WImg*img.Pix[j] + m.WBin*bin.Pix[j] + m.Bias)
		}
		out[i] = p
	}
	return out
}

// TrainStep runs one gradient-descent update on the mean masked binary
// cross-entropy and returns that loss.
func (m *LogisticModel) TrainStep(images, binaries, targets, lossMasks []*imaging.FloatGrid) (float64, error) {
	var lossSum, gImg, gBin, gBias float64
	var pixels int
	for i := range images {
		img, bin, y, mask := images[i], binaries[i], targets[i], lossMasks[i]
		if y.H != img.H || y.W != img.W || mask.H != img.H || mask.W != img.W {
			return 0, errors.Newf("training: batch element %d has misaligned planes", i)
		}
		for j := range img.Pix {
			p := sigmoid(m.WImg*img.Pix[j] + m.WBin*bin.Pix[j] + m.Bias)
			lossSum += BCE(y.Pix[j], p) * mask.Pix[j]
			// d(masked BCE)/dz = (p - y) * mask
			g := (p - y.Pix[j]) * mask.Pix[j]
			gImg += g * img.Pix[j]
			gBin += g * bin.Pix[j]
			gBias += g
			pixels++
		}
	}
	if pixels == 0 {
		return 0, errors.Newf("training: empty batch")
	}
	n := float64(pixels)
	m.WImg -= m.LR * gImg / n
	m.WBin -= m.LR * gBin / n
	m.Bias -= m.LR * gBias / n
	return lossSum / n, nil
}

// Save writes the weights as JSON.
func (m *LogisticModel) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "training: cannot encode model")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "training: cannot write checkpoint %s", path)
	}
	return nil
}

// Load restores weights written by Save.
func (m *LogisticModel) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "training: cannot read checkpoint %s", path)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return errors.Wrapf(err, "training: cannot parse checkpoint %s", path)
	}
	return nil
}
