package usererror

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewAndError(t *testing.T) {
	e := New(CodeConfigMissing, "missing config manifest: agentpack.yaml")
	want := "E_CONFIG_MISSING: missing config manifest: agentpack.yaml"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestWithCauseIncludedInMessage(t *testing.T) {
	cause := errors.New("permission denied")
	e := New(CodeConfigInvalid, "invalid config").WithCause(cause)
	if e.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", e.Unwrap(), cause)
	}
	wrapped := fmt.Errorf("load: %w", e)
	var ue *UserError
	if !errors.As(wrapped, &ue) {
		t.Fatal("errors.As failed to recover *UserError from wrapped error")
	}
	if ue.Code != CodeConfigInvalid {
		t.Errorf("recovered Code = %q, want %q", ue.Code, CodeConfigInvalid)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is failed to find the original cause through the UserError chain")
	}
}

func TestWithDetailsChaining(t *testing.T) {
	e := New(CodeTargetUnsupported, "bad target").WithDetails(map[string]any{"target": "foo"})
	if e.Details["target"] != "foo" {
		t.Errorf("Details[target] = %v, want %q", e.Details["target"], "foo")
	}
}
