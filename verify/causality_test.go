package verify

import (
	"testing"

	"github.com/rfielding/rustplc/ast"
	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/parser"
	"github.com/rfielding/rustplc/semantic"
)

func lowerForCausality(t *testing.T, source string) (*ast.Program, *semantic.Result) {
	t.Helper()
	prog, err := parser.Parse(source, "test.plc")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	r := semantic.Lower(prog, "test.plc")
	if r.HasErrors() {
		t.Fatalf("unexpected semantic errors: %+v", r.Diagnostics)
	}
	return prog, r
}

// A fully wired extend-then-sense chain: the declared chain passes and the
// implicit action/wait pair resolves too (an output path to the cylinder,
// and a detects edge from the cylinder to the sensor).
func TestCheckCausalityFullyWiredChainPasses(t *testing.T) {
	prog, r := lowerForCausality(t, `
[topology]
device Y0: digital_output
device valve_A: solenoid_valve { connected_to: Y0, response_time: 20ms }
device cyl_A: cylinder { connected_to: valve_A, stroke_time: 200ms, retract_time: 180ms }
device X0: digital_input
device sensor_A_ext: sensor { connected_to: X0, detects: cyl_A.extended }

[constraints]
causality: Y0 -> valve_A -> cyl_A -> sensor_A_ext reason: "extend chain"

[tasks]
task t:
  step s:
    action: extend cyl_A
    wait: sensor_A_ext == true
`)
	report, diags := CheckCausality(config.Default(), prog, r.Topology, r.Constraints, "test.plc")
	if report.Level != diagnostic.LevelPassed {
		t.Fatalf("causality level = %q, want %q; diagnostics: %+v", report.Level, diagnostic.LevelPassed, diags)
	}
}

// A declared chain naming a device that is wired to the wrong upstream
// neighbor breaks at that hop.
func TestCheckCausalityDeclaredChainBreaks(t *testing.T) {
	prog, r := lowerForCausality(t, `
[topology]
device Y0: digital_output
device Y1: digital_output
device valve_A: solenoid_valve { connected_to: Y1, response_time: 20ms }

[constraints]
causality: Y0 -> valve_A reason: "extend chain"

[tasks]
task t:
  step s:
    action: set Y0 on
`)
	report, diags := CheckCausality(config.Default(), prog, r.Topology, r.Constraints, "test.plc")
	if report.Level != diagnostic.LevelFailed {
		t.Fatalf("causality level = %q, want %q", report.Level, diagnostic.LevelFailed)
	}
	if len(diags) == 0 {
		t.Fatal("expected at least one causality diagnostic")
	}
}

// No declared chain names the sensor, but the action/wait pair is still
// checked implicitly: extending a cylinder with no detects edge to the
// sensor it waits on is itself a causality break.
func TestCheckCausalityImplicitPairBreaksWithoutDetects(t *testing.T) {
	prog, r := lowerForCausality(t, `
[topology]
device Y0: digital_output
device valve_A: solenoid_valve { connected_to: Y0, response_time: 20ms }
device cyl_A: cylinder { connected_to: valve_A, stroke_time: 200ms, retract_time: 180ms }
device X0: digital_input
device sensor_unrelated: sensor { connected_to: X0, detects: valve_A.on }

[constraints]

[tasks]
task t:
  step s:
    action: extend cyl_A
    wait: sensor_unrelated == true
`)
	report, diags := CheckCausality(config.Default(), prog, r.Topology, r.Constraints, "test.plc")
	if report.Level != diagnostic.LevelFailed {
		t.Fatalf("causality level = %q, want %q", report.Level, diagnostic.LevelFailed)
	}
	if len(diags) == 0 {
		t.Fatal("expected at least one causality diagnostic for the missing detects edge")
	}
}

// An action target with no path back to any digital_output is itself a
// break, even before the wait/sensor half of the pair is considered.
func TestCheckCausalityImplicitPairBreaksWithoutOutputSource(t *testing.T) {
	prog, r := lowerForCausality(t, `
[topology]
device X0: digital_input
device X1: digital_input
device sensor_Z: sensor { connected_to: X1, detects: X0.on }

[constraints]

[tasks]
task t:
  step s:
    action: set X0 on
    wait: sensor_Z == true
`)
	report, diags := CheckCausality(config.Default(), prog, r.Topology, r.Constraints, "test.plc")
	if report.Level != diagnostic.LevelFailed {
		t.Fatalf("causality level = %q, want %q", report.Level, diagnostic.LevelFailed)
	}
	if len(diags) == 0 {
		t.Fatal("expected at least one causality diagnostic for the missing output source")
	}
}
