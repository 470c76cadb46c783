package verify

import (
	"reflect"
	"testing"

	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/parser"
	"github.com/rfielding/rustplc/semantic"
)

func TestReportOkTrueWhenNoEngineFails(t *testing.T) {
	r := Report{
		Safety:    SafetyReport{Level: diagnostic.LevelCompleteProof},
		Liveness:  LivenessReport{Level: diagnostic.LevelPassed},
		Timing:    TimingReport{Level: diagnostic.LevelBoundedVerification},
		Causality: CausalityReport{Level: diagnostic.LevelPassed},
	}
	if !r.Ok() {
		t.Error("expected Ok() to be true when no engine reports 失败")
	}
}

func TestReportOkFalseWhenAnyEngineFails(t *testing.T) {
	r := Report{
		Safety:    SafetyReport{Level: diagnostic.LevelCompleteProof},
		Liveness:  LivenessReport{Level: diagnostic.LevelFailed},
		Timing:    TimingReport{Level: diagnostic.LevelPassed},
		Causality: CausalityReport{Level: diagnostic.LevelPassed},
	}
	if r.Ok() {
		t.Error("expected Ok() to be false when any engine reports 失败")
	}
}

// RunAll and RunAllConcurrent must agree on the final report and on the
// sorted diagnostic set, since callers choose between them purely for
// wall-clock reasons.
func TestRunAllAndRunAllConcurrentAgree(t *testing.T) {
	source := `
[topology]
device Y0: digital_output
device valve_A: solenoid_valve { connected_to: Y0, response_time: 20ms }
device cyl_A: cylinder { connected_to: valve_A, stroke_time: 200ms, retract_time: 180ms }
device X0: digital_input
device sensor_A_ext: sensor { connected_to: X0, detects: cyl_A.extended }

[constraints]
timing: task.work.step.step_extend must_complete_within 500ms

[tasks]
task work:
  step step_extend:
    action: extend cyl_A
    timeout: 400ms -> goto fault
    wait: sensor_A_ext == true
  on_complete: goto work

task fault:
  step halt:
    allow_indefinite_wait: true
`
	prog, err := parser.Parse(source, "test.plc")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	r := semantic.Lower(prog, "test.plc")
	if r.HasErrors() {
		t.Fatalf("unexpected semantic errors: %+v", r.Diagnostics)
	}

	seqReport, seqDiags := RunAll(config.Default(), prog, r.Topology, r.Constraints, r.StateMachine, r.Timing, "test.plc")
	concReport, concDiags := RunAllConcurrent(config.Default(), prog, r.Topology, r.Constraints, r.StateMachine, r.Timing, "test.plc")

	if !reflect.DeepEqual(seqReport, concReport) {
		t.Errorf("sequential and concurrent reports differ: %+v vs %+v", seqReport, concReport)
	}
	if !reflect.DeepEqual(seqDiags, concDiags) {
		t.Errorf("sequential and concurrent diagnostics differ: %+v vs %+v", seqDiags, concDiags)
	}
}
