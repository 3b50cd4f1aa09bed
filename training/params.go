package training

import (
	"bytes"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/angelolab/cell-classification/pkg/errors"
)

// Params configures one training run. The file layout mirrors the prep
// side: TOML with snake_case keys.
type Params struct {
	RecordPath string `toml:"record_path"`

	BatchSize int `toml:"batch_size"`
	NumSteps  int `toml:"num_steps"`
	// SnapSteps is the scalar-logging and state-snapshot interval,
	// ValSteps the checkpoint interval.
	SnapSteps int `toml:"snap_steps"`
	ValSteps  int `toml:"val_steps"`

	Quantile            float64 `toml:"quantile"`
	QuantileEnd         float64 `toml:"quantile_end"`
	QuantileWarmupSteps int     `toml:"quantile_warmup_steps"`
	EMA                 float64 `toml:"ema"`
	// ConfidenceThresholds is the [negative, positive] probability pair
	// behind the matched high-confidence selection.
	ConfidenceThresholds [2]float64 `toml:"confidence_thresholds"`

	MixupProb  float64 `toml:"mixup_prob"`
	MixupAlpha float64 `toml:"mixup_alpha"`

	LearningRate float64 `toml:"learning_rate"`
	Seed         uint64  `toml:"seed"`

	ModelDir string `toml:"model_dir"`
	LogDir   string `toml:"log_dir"`
}

// LoadParams reads and validates a params file. Every invalid field is
// reported, not just the first.
func LoadParams(path string) (Params, error) {
	var p Params
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return Params{}, errors.Wrapf(err, "training: cannot read params %s", path)
	}
	if err := p.validate(path); err != nil {
		return Params{}, err
	}
	return p, nil
}

func (p Params) validate(path string) error {
	var checks []error
	if p.RecordPath == "" {
		checks = append(checks, errors.NewConfigurationError(path, "record_path", "must be set"))
	}
	if p.BatchSize <= 0 {
		checks = append(checks, errors.NewConfigurationError(path, "batch_size", "must be positive"))
	}
	if p.NumSteps <= 0 {
		checks = append(checks, errors.NewConfigurationError(path, "num_steps", "must be positive"))
	}
	for _, q := range []struct {
		key string
		v   float64
	}{
		{"quantile", p.Quantile},
		{"quantile_end", p.QuantileEnd},
		{"ema", p.EMA},
		{"mixup_prob", p.MixupProb},
	} {
		if q.v < 0 || q.v > 1 {
			checks = append(checks, errors.NewConfigurationError(path, q.key, "must be in [0, 1]"))
		}
	}
	for _, c := range p.ConfidenceThresholds {
		if c <= 0 || c >= 1 {
			checks = append(checks, errors.NewConfigurationError(path, "confidence_thresholds", "must be in (0, 1)"))
			break
		}
	}
	return errors.Join(checks...)
}

// Save writes the params as TOML, wholesale. The loop drops a copy next to
// its checkpoints so a run stays reproducible.
func (p Params) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(p); err != nil {
		return errors.Wrapf(err, "training: cannot encode params")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "training: cannot write params %s", path)
	}
	return nil
}
