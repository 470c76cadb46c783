package verify

import (
	"strings"
	"testing"

	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/parser"
	"github.com/rfielding/rustplc/semantic"
)

func lowerForVerify(t *testing.T, source string) *semantic.Result {
	t.Helper()
	prog, err := parser.Parse(source, "test.plc")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	r := semantic.Lower(prog, "test.plc")
	if r.HasErrors() {
		t.Fatalf("unexpected semantic errors: %+v", r.Diagnostics)
	}
	return r
}

func tagContains(tags []diagnostic.Tag, substr string) bool {
	for _, tag := range tags {
		if strings.Contains(tag.Value, substr) {
			return true
		}
	}
	return false
}

// A `requires(A, B)` rule is violated whenever the state machine can reach A
// while B's device sits in some other state -- here the gripper closes
// before the clamp has extended.
func TestCheckSafetyRequiresViolation(t *testing.T) {
	source := `
[topology]
device Y0: digital_output
device valve_clamp: solenoid_valve { connected_to: Y0, response_time: 20ms }
device clamp: cylinder { connected_to: valve_clamp, stroke_time: 100ms, retract_time: 90ms }
device Y1: digital_output
device valve_gripper: solenoid_valve { connected_to: Y1, response_time: 10ms }
device gripper: cylinder { connected_to: valve_gripper, stroke_time: 50ms, retract_time: 40ms }

[constraints]
safety: gripper.extended requires clamp.extended reason: "gripper must not close before the clamp is set"

[tasks]
task cycle:
  step close_gripper:
    action: extend gripper
  on_complete: goto cycle
`
	r := lowerForVerify(t, source)
	report, diags := CheckSafety(config.Default(), r.Topology, r.Constraints, r.StateMachine, "test.plc")

	if report.Level != diagnostic.LevelFailed {
		t.Fatalf("safety level = %q, want %q", report.Level, diagnostic.LevelFailed)
	}
	if len(diags) == 0 {
		t.Fatal("expected at least one safety diagnostic")
	}
	found := false
	for _, d := range diags {
		if d.Severity == diagnostic.SeverityError && tagContains(d.Tags, "requires") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a diagnostic mentioning the requires constraint, got %+v", diags)
	}
}

// A `requires(A, B)` rule that always holds (the state machine never
// extends the gripper without first extending the clamp) must prove clean.
func TestCheckSafetyRequiresSatisfied(t *testing.T) {
	source := `
[topology]
device Y0: digital_output
device valve_clamp: solenoid_valve { connected_to: Y0, response_time: 20ms }
device clamp: cylinder { connected_to: valve_clamp, stroke_time: 100ms, retract_time: 90ms }
device Y1: digital_output
device valve_gripper: solenoid_valve { connected_to: Y1, response_time: 10ms }
device gripper: cylinder { connected_to: valve_gripper, stroke_time: 50ms, retract_time: 40ms }

[constraints]
safety: gripper.extended requires clamp.extended reason: "gripper must not close before the clamp is set"

[tasks]
task cycle:
  step close_clamp:
    action: extend clamp
    wait: clamp.extended == true
    allow_indefinite_wait: true
  step close_gripper:
    action: extend gripper
    allow_indefinite_wait: true
  on_complete: goto cycle
`
	r := lowerForVerify(t, source)
	report, diags := CheckSafety(config.Default(), r.Topology, r.Constraints, r.StateMachine, "test.plc")

	if report.Level == diagnostic.LevelFailed {
		t.Fatalf("safety level = %q, want a passing level; diagnostics: %+v", report.Level, diags)
	}
	for _, d := range diags {
		if d.Severity == diagnostic.SeverityError {
			t.Errorf("unexpected safety error: %s", d.Summary)
		}
	}
}

// Zero declared safety rules is the vacuous case -- still a complete proof.
func TestCheckSafetyNoRulesIsCompleteProof(t *testing.T) {
	source := `
[topology]
device Y0: digital_output

[constraints]

[tasks]
task t:
  step s:
    action: set Y0 on
`
	r := lowerForVerify(t, source)
	report, diags := CheckSafety(config.Default(), r.Topology, r.Constraints, r.StateMachine, "test.plc")

	if report.Level != diagnostic.LevelCompleteProof {
		t.Errorf("safety level = %q, want %q", report.Level, diagnostic.LevelCompleteProof)
	}
	if len(diags) != 0 {
		t.Errorf("expected no diagnostics, got %+v", diags)
	}
}

// A bmc_max_depth too small to explore a cyclic state machine fully must
// downgrade to a bounded verification rather than a false complete proof.
// ExhaustiveThreshold is disabled here so this exercises the bounded path
// specifically, independent of whether this fixture's state space happens
// to be small enough for the exhaustive path to apply instead.
func TestCheckSafetyBoundedWhenDepthInsufficient(t *testing.T) {
	source := `
[topology]
device Y0: digital_output
device valve_A: solenoid_valve { connected_to: Y0, response_time: 20ms }
device cyl_A: cylinder { connected_to: valve_A, stroke_time: 200ms, retract_time: 180ms }
device Y1: digital_output
device valve_B: solenoid_valve { connected_to: Y1, response_time: 20ms }
device cyl_B: cylinder { connected_to: valve_B, stroke_time: 200ms, retract_time: 180ms }

[constraints]
safety: cyl_A.extended conflicts_with cyl_B.extended reason: "two cylinders must not both be extended"

[tasks]
task cycle:
  step extend_A:
    action: extend cyl_A
    wait: cyl_A.extended == true
    allow_indefinite_wait: true
  step retract_A:
    action: retract cyl_A
    wait: cyl_A.retracted == true
    allow_indefinite_wait: true
  step extend_B:
    action: extend cyl_B
    wait: cyl_B.extended == true
    allow_indefinite_wait: true
  step retract_B:
    action: retract cyl_B
    wait: cyl_B.retracted == true
    allow_indefinite_wait: true
  on_complete: goto cycle
`
	r := lowerForVerify(t, source)
	cfg := config.Default()
	cfg.BMCMaxDepth = 1
	cfg.ExhaustiveThreshold = 0
	report, diags := CheckSafety(cfg, r.Topology, r.Constraints, r.StateMachine, "test.plc")

	if report.Level != diagnostic.LevelBoundedVerification {
		t.Errorf("safety level = %q, want %q", report.Level, diagnostic.LevelBoundedVerification)
	}
	if len(report.Warnings) == 0 {
		t.Error("expected a warning explaining the insufficient exploration depth")
	}
	for _, d := range diags {
		if d.Severity == diagnostic.SeverityError {
			t.Errorf("unexpected safety error at depth 1: %s", d.Summary)
		}
	}
}

// A state space small enough to fall under ExhaustiveThreshold is searched
// to completion regardless of bmc_max_depth -- the exhaustive path takes
// priority over the bounded one whenever it applies.
func TestCheckSafetyExhaustiveBypassesInsufficientBMCMaxDepth(t *testing.T) {
	source := `
[topology]
device Y0: digital_output
device valve_clamp: solenoid_valve { connected_to: Y0, response_time: 20ms }
device clamp: cylinder { connected_to: valve_clamp, stroke_time: 100ms, retract_time: 90ms }
device Y1: digital_output
device valve_gripper: solenoid_valve { connected_to: Y1, response_time: 10ms }
device gripper: cylinder { connected_to: valve_gripper, stroke_time: 50ms, retract_time: 40ms }

[constraints]
safety: gripper.extended requires clamp.extended reason: "gripper must not close before the clamp is set"

[tasks]
task cycle:
  step close_clamp:
    action: extend clamp
    wait: clamp.extended == true
    allow_indefinite_wait: true
  step close_gripper:
    action: extend gripper
    allow_indefinite_wait: true
  on_complete: goto cycle
`
	r := lowerForVerify(t, source)
	cfg := config.Default()
	cfg.BMCMaxDepth = 1
	report, diags := CheckSafety(cfg, r.Topology, r.Constraints, r.StateMachine, "test.plc")

	if report.Level != diagnostic.LevelCompleteProof {
		t.Errorf("safety level = %q, want %q", report.Level, diagnostic.LevelCompleteProof)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("expected no depth warnings once the exhaustive path applies, got %v", report.Warnings)
	}
	for _, d := range diags {
		if d.Severity == diagnostic.SeverityError {
			t.Errorf("unexpected safety error: %s", d.Summary)
		}
	}
}
