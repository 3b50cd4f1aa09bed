package errors

import (
	"strings"
	"testing"
)

func TestConfigurationErrorMessageNamesKey(t *testing.T) {
	err := NewConfigurationError("conversion_matrix.csv", "cell_type", "column not found")
	if !IsConfigurationError(err) {
		t.Fatal("expected a ConfigurationError")
	}
	msg := err.Error()
	for _, want := range []string{"cell_type", "conversion_matrix.csv", "column not found"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestDataIntegrityErrorMessageNamesKey(t *testing.T) {
	err := NewDataIntegrityError("label", "17", "sample fov_3", "present in instance mask but missing from cell table")
	if !IsDataIntegrityError(err) {
		t.Fatal("expected a DataIntegrityError")
	}
	if IsConfigurationError(err) {
		t.Error("DataIntegrityError must not match ConfigurationError")
	}
	msg := err.Error()
	for _, want := range []string{"label", "17", "fov_3"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestWarnUsesInstalledHandler(t *testing.T) {
	var captured []error
	SetWarningHandler(func(w error) { captured = append(captured, w) })
	defer SetWarningHandler(nil)

	w := NewDegradedInputWarning("CD8", "fov_1", "image not readable")
	Warn(w)

	if len(captured) != 1 {
		t.Fatalf("expected 1 captured warning, got %d", len(captured))
	}
	if !strings.Contains(captured[0].Error(), "CD8") {
		t.Errorf("warning %q does not name the marker", captured[0])
	}
}

func TestRecoverConvertsPanicToError(t *testing.T) {
	run := func() (err error) {
		defer Recover(&err, "naming convention")
		panic("bad path template")
	}
	err := run()
	if err == nil {
		t.Fatal("expected an error from the recovered panic")
	}
	msg := err.Error()
	if !strings.Contains(msg, "naming convention") || !strings.Contains(msg, "bad path template") {
		t.Errorf("message %q must name the operation and the panic value", msg)
	}
}

func TestSafeExecuteScopesRecoveryToOneCall(t *testing.T) {
	err := SafeExecute("segmentation naming convention", func() error {
		panic("nil template")
	})
	if err == nil {
		t.Fatal("expected an error from the recovered panic")
	}
	if !strings.Contains(err.Error(), "segmentation naming convention") {
		t.Errorf("message %q must name the operation", err)
	}

	// Errors and nil results from fn pass through untouched.
	want := Newf("plain failure")
	if got := SafeExecute("op", func() error { return want }); got != want {
		t.Errorf("fn error = %v, want %v", got, want)
	}
	if got := SafeExecute("op", func() error { return nil }); got != nil {
		t.Errorf("nil fn result became %v", got)
	}
}

func TestJoinReportsAllFailures(t *testing.T) {
	err := Join(
		NewConfigurationError("", "normalization_quantile", "must be in [0, 1]"),
		nil,
		NewConfigurationError("cell_table.csv", "fov", "column not found"),
	)
	if err == nil {
		t.Fatal("expected a joined error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "normalization_quantile") || !strings.Contains(msg, "fov") {
		t.Errorf("joined message %q must contain both failing keys", msg)
	}
}
