package rustplc

import (
	"testing"

	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/verify"
)

func errorsForEngine(diags []diagnostic.Diagnostic, engine diagnostic.Engine) []diagnostic.Diagnostic {
	var out []diagnostic.Diagnostic
	for _, d := range diags {
		if d.Engine == engine && d.Severity == diagnostic.SeverityError {
			out = append(out, d)
		}
	}
	return out
}

func mustCompile(t *testing.T, source string) (*verify.Report, []diagnostic.Diagnostic) {
	t.Helper()
	report, diags := Compile(config.Default(), source, "test.plc")
	if report == nil {
		t.Fatalf("Compile returned a nil report; diagnostics: %v", diags)
	}
	return report, diags
}

// S1 - single cylinder round-trip: every engine should pass cleanly.
func TestCompileSingleCylinderRoundTrip(t *testing.T) {
	source := `
[topology]
device Y0: digital_output
device valve_A: solenoid_valve { connected_to: Y0, response_time: 20ms }
device cyl_A: cylinder { connected_to: valve_A, stroke_time: 200ms, retract_time: 180ms }
device X0: digital_input
device sensor_A_ext: sensor { connected_to: X0, detects: cyl_A.extended }
device X1: digital_input
device sensor_A_ret: sensor { connected_to: X1, detects: cyl_A.retracted }

[constraints]
timing: task.work.step.step_extend must_complete_within 500ms

[tasks]
task work:
  step step_extend:
    action: extend cyl_A
    timeout: 400ms -> goto fault
    wait: sensor_A_ext == true
  step step_retract:
    action: retract cyl_A
    timeout: 400ms -> goto fault
    wait: sensor_A_ret == true
  on_complete: goto work

task fault:
  step halt:
    allow_indefinite_wait: true
`
	report, diags := mustCompile(t, source)
	r := report

	if r.Safety.Level != diagnostic.LevelCompleteProof {
		t.Errorf("safety level = %q, want %q", r.Safety.Level, diagnostic.LevelCompleteProof)
	}
	if r.Liveness.Level != diagnostic.LevelPassed {
		t.Errorf("liveness level = %q, want %q", r.Liveness.Level, diagnostic.LevelPassed)
	}
	if r.Timing.Level != diagnostic.LevelPassed {
		t.Errorf("timing level = %q, want %q", r.Timing.Level, diagnostic.LevelPassed)
	}
	if r.Causality.Level != diagnostic.LevelPassed {
		t.Errorf("causality level = %q, want %q", r.Causality.Level, diagnostic.LevelPassed)
	}
	for _, d := range diags {
		if d.Severity == diagnostic.SeverityError {
			t.Errorf("unexpected error diagnostic: %s", d.Summary)
		}
	}
}

// S2 - sequential two cylinders: safety must be proven (exhaustively or
// within the bounded depth), every other engine passes.
func TestCompileSequentialTwoCylindersSafetyProof(t *testing.T) {
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
	report, diags := mustCompile(t, source)
	r := report

	if r.Safety.Level != diagnostic.LevelCompleteProof && r.Safety.Level != diagnostic.LevelBoundedVerification {
		t.Errorf("safety level = %q, want %q or %q", r.Safety.Level, diagnostic.LevelCompleteProof, diagnostic.LevelBoundedVerification)
	}
	if len(errorsForEngine(diags, diagnostic.EngineSafety)) != 0 {
		t.Errorf("expected no safety errors for a sequential schedule, got %v", errorsForEngine(diags, diagnostic.EngineSafety))
	}
	if r.Liveness.Level != diagnostic.LevelPassed {
		t.Errorf("liveness level = %q, want %q", r.Liveness.Level, diagnostic.LevelPassed)
	}
	if r.Timing.Level != diagnostic.LevelPassed {
		t.Errorf("timing level = %q, want %q", r.Timing.Level, diagnostic.LevelPassed)
	}
	if r.Causality.Level != diagnostic.LevelPassed {
		t.Errorf("causality level = %q, want %q", r.Causality.Level, diagnostic.LevelPassed)
	}
}

// S3 - parallel two cylinders: the fork/join desugaring must let the safety
// engine see both cylinders extended simultaneously at the join state.
func TestCompileParallelTwoCylindersSafetyViolation(t *testing.T) {
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
  step extend_both:
    parallel:
      branch branch_A:
        action: extend cyl_A
      branch branch_B:
        action: extend cyl_B
`
	report, diags := mustCompile(t, source)
	r := report

	if r.Safety.Level != diagnostic.LevelFailed {
		t.Fatalf("safety level = %q, want %q", r.Safety.Level, diagnostic.LevelFailed)
	}
	safetyErrors := errorsForEngine(diags, diagnostic.EngineSafety)
	if len(safetyErrors) == 0 {
		t.Fatal("expected at least one safety error")
	}
	found := false
	for _, d := range safetyErrors {
		for _, tag := range d.Tags {
			if containsConflictsWith(tag.Value) {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("expected a safety diagnostic mentioning conflicts_with, got %+v", safetyErrors)
	}
}

func containsConflictsWith(s string) bool {
	for i := 0; i+len("conflicts_with") <= len(s); i++ {
		if s[i:i+len("conflicts_with")] == "conflicts_with" {
			return true
		}
	}
	return false
}

// S4 - triple liveness: a missing timeout, an invalid on_complete:
// unreachable, and a trapping SCC between spin_a and spin_b.
func TestCompileTripleLiveness(t *testing.T) {
	source := `
[topology]
device sensor_X: digital_input

[constraints]

[tasks]
task entry:
  step wait_start:
    wait: sensor_X == true
  on_complete: unreachable

task spin_a:
  step spin:
    goto spin_b

task spin_b:
  step spin:
    goto spin_a
`
	report, diags := mustCompile(t, source)
	r := report

	if r.Liveness.Level != diagnostic.LevelFailed {
		t.Fatalf("liveness level = %q, want %q", r.Liveness.Level, diagnostic.LevelFailed)
	}
	livenessErrors := errorsForEngine(diags, diagnostic.EngineLiveness)
	if len(livenessErrors) < 3 {
		t.Errorf("expected at least 3 liveness errors, got %d: %+v", len(livenessErrors), livenessErrors)
	}
}

// S5 - timing and causality: a critical path exceeding must_complete_within,
// a must_start_after rule undercut by a short preceding timeout, and a
// causality chain broken by a mis-wired upstream device.
func TestCompileTimingAndCausalityViolations(t *testing.T) {
	source := `
[topology]
device Y0: digital_output
device Y1: digital_output
device valve_A: solenoid_valve { connected_to: Y1, response_time: 20ms }
device valve_A_real: solenoid_valve { connected_to: Y0, response_time: 20ms }
device cyl_A: cylinder { connected_to: valve_A_real, stroke_time: 200ms, retract_time: 180ms }
device X0: digital_input
device sensor_A_ext: sensor { connected_to: X0, detects: cyl_A.extended }

[constraints]
causality: Y0 -> valve_A -> cyl_A -> sensor_A_ext reason: "extend chain"
timing: task.approach.step.engage must_complete_within 100ms
timing: task.gatekeeper.step.gate must_start_after 200ms

[tasks]
task approach:
  step engage:
    action: extend cyl_A
    timeout: 50ms -> goto gatekeeper

task gatekeeper:
  step gate:
    wait: sensor_A_ext == true
`
	report, diags := mustCompile(t, source)
	r := report

	if r.Timing.Level != diagnostic.LevelFailed {
		t.Errorf("timing level = %q, want %q", r.Timing.Level, diagnostic.LevelFailed)
	}
	timingErrors := errorsForEngine(diags, diagnostic.EngineTiming)
	if len(timingErrors) < 2 {
		t.Errorf("expected at least 2 timing errors, got %d: %+v", len(timingErrors), timingErrors)
	}

	if r.Causality.Level != diagnostic.LevelFailed {
		t.Errorf("causality level = %q, want %q", r.Causality.Level, diagnostic.LevelFailed)
	}
	causalityErrors := errorsForEngine(diags, diagnostic.EngineCausality)
	if len(causalityErrors) < 1 {
		t.Errorf("expected at least 1 causality error, got %d", len(causalityErrors))
	}
}

// S6 - dual station: a parallel safety violation on two clamps, an
// unbounded wait in a recovery task, a timing envelope violation, and a
// causality chain broken by a mis-wired valve, all in the same program.
func TestCompileDualStationFourFailures(t *testing.T) {
	source := `
[topology]
device YA: digital_output
device valve_clampA: solenoid_valve { connected_to: YA, response_time: 15ms }
device clamp_A: cylinder { connected_to: valve_clampA, stroke_time: 100ms, retract_time: 90ms }
device YB: digital_output
device valve_clampB: solenoid_valve { connected_to: YB, response_time: 15ms }
device clamp_B: cylinder { connected_to: valve_clampB, stroke_time: 100ms, retract_time: 90ms }

device YC: digital_output
device YD: digital_output
device valve_C: solenoid_valve { connected_to: YD, response_time: 10ms }
device valve_C_real: solenoid_valve { connected_to: YC, response_time: 10ms }
device cyl_C: cylinder { connected_to: valve_C_real, stroke_time: 300ms, retract_time: 250ms }
device X9: digital_input
device sensor_C_ext: sensor { connected_to: X9, detects: cyl_C.extended }

device sensor_fault: digital_input

[constraints]
safety: clamp_A.extended conflicts_with clamp_B.extended reason: "clamps must not engage simultaneously"
timing: task.clamp_station.step.engage must_complete_within 50ms
causality: YC -> valve_C -> cyl_C -> sensor_C_ext reason: "station2 extend chain"

[tasks]
task clamp_station:
  step engage:
    parallel:
      branch branch_A:
        action: extend clamp_A
      branch branch_B:
        action: extend clamp_B

task error_recovery:
  step wait_for_fault:
    wait: sensor_fault == true
`
	report, diags := mustCompile(t, source)
	r := report

	if r.Safety.Level != diagnostic.LevelFailed {
		t.Errorf("safety level = %q, want %q", r.Safety.Level, diagnostic.LevelFailed)
	}
	if r.Liveness.Level != diagnostic.LevelFailed {
		t.Errorf("liveness level = %q, want %q", r.Liveness.Level, diagnostic.LevelFailed)
	}
	if r.Timing.Level != diagnostic.LevelFailed {
		t.Errorf("timing level = %q, want %q", r.Timing.Level, diagnostic.LevelFailed)
	}
	if r.Causality.Level != diagnostic.LevelFailed {
		t.Errorf("causality level = %q, want %q", r.Causality.Level, diagnostic.LevelFailed)
	}

	for _, engine := range []diagnostic.Engine{
		diagnostic.EngineSafety, diagnostic.EngineLiveness, diagnostic.EngineTiming, diagnostic.EngineCausality,
	} {
		if len(errorsForEngine(diags, engine)) == 0 {
			t.Errorf("expected at least one error diagnostic from engine %q", engine)
		}
	}
}
