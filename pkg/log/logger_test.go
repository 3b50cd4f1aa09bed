package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	pkgerrors "github.com/angelolab/cell-classification/pkg/errors"
)

func TestZerologLoggerEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("example built", MarkerKey, "CD8", SampleKey, "fov_1", CellsKey, 42)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not one JSON line: %v", err)
	}
	if line[MarkerKey] != "CD8" {
		t.Errorf("marker = %v, want CD8", line[MarkerKey])
	}
	if line[SampleKey] != "fov_1" {
		t.Errorf("sample = %v, want fov_1", line[SampleKey])
	}
	if line["message"] != "example built" {
		t.Errorf("message = %v", line["message"])
	}
}

func TestZerologLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Info("should be dropped")
	logger.Warn("should be kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info line emitted below minimum level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn line missing")
	}
	if logger.Enabled(context.Background(), LevelInfo) {
		t.Error("Enabled(info) should be false at warn level")
	}
	if !logger.Enabled(context.Background(), LevelError) {
		t.Error("Enabled(error) should be true at warn level")
	}
}

func TestWithPropagatesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo).With(DatasetKey, "TONIC")

	logger.Info("writing records")

	if !strings.Contains(buf.String(), "TONIC") {
		t.Errorf("contextual field missing from %q", buf.String())
	}
}

func TestWarningsAreRoutedToDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := GetLogger()
	SetDefault(New(&buf, LevelInfo))
	defer SetDefault(prev)

	pkgerrors.Warn(pkgerrors.NewDegradedInputWarning("CD4", "fov_2", "image not readable"))

	if !strings.Contains(buf.String(), "CD4") {
		t.Errorf("warning not routed to logger, output %q", buf.String())
	}
}
