package preset

import (
	"testing"

	"github.com/tinylsp/lspmux/internal/policy"
)

func TestDefaultPresetLeavesPolicyUnchanged(t *testing.T) {
	inner := policy.NewDefault(false, nil)
	pr := DefaultPreset{}

	if got := pr.Backends(); got != nil {
		t.Fatalf("Backends() = %v, want nil", got)
	}
	if pr.Policy(inner) != policy.Policy(inner) {
		t.Fatalf("DefaultPreset.Policy should return inner unchanged")
	}
}

func TestStrictPresetForcesDropTardyPush(t *testing.T) {
	inner := policy.NewDefault(false, nil)
	pr := StrictPreset{}

	wrapped := pr.Policy(inner)
	if !wrapped.DropTardyPush() {
		t.Fatalf("StrictPreset should force DropTardyPush to true")
	}

	// Everything else still delegates to inner.
	if wrapped.PushDiagnosticTimeout() != inner.PushDiagnosticTimeout() {
		t.Fatalf("PushDiagnosticTimeout should delegate to inner")
	}
	if wrapped.ResponseTimeout("initialize") != inner.ResponseTimeout("initialize") {
		t.Fatalf("ResponseTimeout should delegate to inner")
	}
	if wrapped.IsAggregatedMethod("initialize") != inner.IsAggregatedMethod("initialize") {
		t.Fatalf("IsAggregatedMethod should delegate to inner")
	}
}

func TestStrictPresetTimeoutStillPositive(t *testing.T) {
	inner := policy.NewDefault(true, nil)
	pr := StrictPreset{}
	wrapped := pr.Policy(inner)

	if wrapped.PushDiagnosticTimeout() <= 0 {
		t.Fatalf("PushDiagnosticTimeout should remain a positive duration, got %v", wrapped.PushDiagnosticTimeout())
	}
}
