// Command prep converts sample folders into a training record file: it
// validates the inputs, builds normalized and tiled examples and writes one
// record file per dataset.
package main

import (
	"os"

	"github.com/alexflint/go-arg"

	"github.com/angelolab/cell-classification/pkg/log"
	"github.com/angelolab/cell-classification/record"
)

type args struct {
	DataDir           string   `arg:"--data-dir,required" help:"directory holding one folder per sample"`
	CellTable         string   `arg:"--cell-table,required" help:"cell table CSV"`
	ConversionMatrix  string   `arg:"--conversion-matrix,required" help:"conversion matrix CSV"`
	NormalizationDict string   `arg:"--normalization-dict" help:"normalization dict JSON (computed when absent)"`
	RecordDir         string   `arg:"--record-dir,required" help:"output directory for the record file"`
	Dataset           string   `arg:"--dataset,required" help:"dataset name, used for the record file name"`
	Platform          string   `arg:"--platform" default:"MIBI" help:"imaging platform tag"`
	Markers           []string `arg:"--markers" help:"markers to prepare (default: all conversion matrix columns)"`
	TileSize          int      `arg:"--tile-size" default:"256" help:"square tile edge length"`
	Stride            int      `arg:"--stride" help:"tile stride (default: tile size)"`
	Quantile          float64  `arg:"--normalization-quantile" default:"0.99" help:"intensity quantile mapped to 1.0"`
	DropEmpty         bool     `arg:"--drop-empty" help:"drop tiles without any cell"`
	Verbose           bool     `arg:"-v,--verbose" help:"debug logging"`
}

func (args) Description() string {
	return "prepare multiplexed imaging data for marker-classification training"
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

	pipeline := record.NewPipeline(record.PipelineConfig{
		DataDir:                a.DataDir,
		CellTablePath:          a.CellTable,
		ConversionMatrixPath:   a.ConversionMatrix,
		NormalizationDictPath:  a.NormalizationDict,
		RecordDir:              a.RecordDir,
		Dataset:                a.Dataset,
		ImagingPlatform:        a.Platform,
		SelectedMarkers:        a.Markers,
		TileH:                  a.TileSize,
		TileW:                  a.TileSize,
		StrideY:                a.Stride,
		StrideX:                a.Stride,
		NormalizationQuantile:  a.Quantile,
		ExcludeBackgroundTiles: a.DropEmpty,
	}, logger)

	path, err := pipeline.Run()
	if err != nil {
		logger.Error("preparation failed", "error", err)
		os.Exit(1)
	}
	count, err := record.CountRecords(path)
	if err != nil {
		logger.Error("record verification failed", log.FileKey, path, "error", err)
		os.Exit(1)
	}
	logger.Info("preparation finished", log.FileKey, path, log.ExamplesKey, count)
}
