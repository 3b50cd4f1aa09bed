// Standard attribute keys for pipeline and training logs. Using these keys
// keeps log lines filterable per marker, sample and step across a run.

package log

// Data preparation context.
const (
	// MarkerKey identifies the imaging marker (channel) being processed.
	MarkerKey = "marker"

	// SampleKey identifies the sample (field of view) folder.
	SampleKey = "sample"

	// DatasetKey identifies the dataset the record file belongs to.
	DatasetKey = "dataset"

	// FolderKey is the on-disk folder an operation reads from.
	FolderKey = "folder"

	// FileKey is the path of the file an operation reads or writes.
	FileKey = "file"

	// ExamplesKey counts examples built or serialized.
	ExamplesKey = "examples"

	// TilesKey counts tiles produced from one example.
	TilesKey = "tiles"

	// CellsKey counts cells (non-background labels) in scope.
	CellsKey = "cells"
)

// Training context.
const (
	// StepKey records the training step number.
	StepKey = "step"

	// LossKey records a scalar loss value.
	LossKey = "loss"

	// QuantileKey records the current scheduled selection quantile.
	QuantileKey = "quantile"

	// ThresholdKey records an EMA loss-quantile threshold.
	ThresholdKey = "threshold"

	// SelectedKey counts cells selected for loss contribution.
	SelectedKey = "selected"

	// CheckpointKey is the path of a saved model checkpoint.
	CheckpointKey = "checkpoint"
)

// Error and warning context.
const (
	// ErrorTypeKey categorizes an attached error or warning value.
	ErrorTypeKey = "error.type"

	// StacktraceKey carries the stack trace extracted from a wrapped error.
	StacktraceKey = "error.stacktrace"
)
