// Command train runs the Promix training loop over a prepared record file,
// using the in-repo reference model and augmentations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"

	"github.com/angelolab/cell-classification/pkg/log"
	"github.com/angelolab/cell-classification/training"
)

type args struct {
	Params  string `arg:"--params" default:"configs/params.toml" help:"training params TOML"`
	Resume  string `arg:"--resume" help:"checkpoint to load before training"`
	Verbose bool   `arg:"-v,--verbose" help:"debug logging"`
}

func (args) Description() string {
	return "train a marker classifier on noisy labels with adaptive loss selection"
}

func main() {
	var a args
	arg.MustParse(&a)

	level := log.LevelInfo
	if a.Verbose {
		level = log.LevelDebug
	}
	logger := log.NewConsole(level)
	log.SetDefault(logger)

	params, err := training.LoadParams(a.Params)
	if err != nil {
		logger.Error("invalid params", log.FileKey, a.Params, "error", err)
		os.Exit(1)
	}

	model := training.NewLogisticModel(params.LearningRate)
	if a.Resume != "" {
		if err := model.Load(a.Resume); err != nil {
			logger.Error("cannot resume", log.CheckpointKey, a.Resume, "error", err)
			os.Exit(1)
		}
		logger.Info("resumed", log.CheckpointKey, a.Resume)
	}

	loop := training.NewTrainingLoop(params, model,
		training.NewFlipRotAugmenter(params.Seed),
		training.NewBetaMixup(params.MixupProb, params.MixupAlpha, params.Seed),
		logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := loop.Run(ctx); err != nil {
		logger.Error("training failed", log.StepKey, loop.Step(), "error", err)
		os.Exit(1)
	}
	logger.Info("training finished", log.StepKey, loop.Step())
}
