package verify

import (
	"testing"

	"github.com/rfielding/rustplc/ast"
	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/parser"
	"github.com/rfielding/rustplc/semantic"
)

func lowerProgram(t *testing.T, source string) (*ast.Program, *semantic.Result) {
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

// A wait with no timeout and no allow_indefinite_wait is a potential
// deadlock as soon as the awaited condition never becomes true.
func TestCheckLivenessWaitWithoutEscapeFails(t *testing.T) {
	prog, r := lowerProgram(t, `
[topology]
device sensor_X: digital_input

[constraints]

[tasks]
task t:
  step s:
    wait: sensor_X == true
`)
	report, diags := CheckLiveness(config.Default(), prog, r.StateMachine, "test.plc")
	if report.Level != diagnostic.LevelFailed {
		t.Fatalf("liveness level = %q, want %q", report.Level, diagnostic.LevelFailed)
	}
	if len(diags) == 0 {
		t.Fatal("expected at least one liveness diagnostic")
	}
}

// The same wait, guarded by a timeout, is no longer a deadlock candidate.
func TestCheckLivenessWaitWithTimeoutPasses(t *testing.T) {
	prog, r := lowerProgram(t, `
[topology]
device sensor_X: digital_input

[constraints]

[tasks]
task t:
  step s:
    wait: sensor_X == true
    timeout: 500ms -> goto t
`)
	report, diags := CheckLiveness(config.Default(), prog, r.StateMachine, "test.plc")
	if report.Level != diagnostic.LevelPassed {
		t.Fatalf("liveness level = %q, want %q; diagnostics: %+v", report.Level, diagnostic.LevelPassed, diags)
	}
}

// on_complete: unreachable promises the last step always jumps away; a
// bare wait with no timeout never guarantees that.
func TestCheckLivenessUnreachableOnCompleteViolated(t *testing.T) {
	prog, r := lowerProgram(t, `
[topology]
device sensor_X: digital_input

[constraints]

[tasks]
task t:
  step s:
    wait: sensor_X == true
  on_complete: unreachable
`)
	report, diags := CheckLiveness(config.Default(), prog, r.StateMachine, "test.plc")
	if report.Level != diagnostic.LevelFailed {
		t.Fatalf("liveness level = %q, want %q", report.Level, diagnostic.LevelFailed)
	}
	if len(diags) == 0 {
		t.Fatal("expected at least one liveness diagnostic")
	}
}

// on_complete: unreachable is satisfied when the last step has no bare
// wait at all and always jumps away via its timeout.
func TestCheckLivenessUnreachableOnCompleteSatisfied(t *testing.T) {
	prog, r := lowerProgram(t, `
[topology]
device sensor_X: digital_input

[constraints]

[tasks]
task t:
  step s:
    action: set sensor_X on
    timeout: 500ms -> goto t
  on_complete: unreachable
`)
	report, diags := CheckLiveness(config.Default(), prog, r.StateMachine, "test.plc")
	if report.Level != diagnostic.LevelPassed {
		t.Fatalf("liveness level = %q, want %q; diagnostics: %+v", report.Level, diagnostic.LevelPassed, diags)
	}
}

// A plain goto cycle with no timeout or allow_indefinite_wait anywhere in
// it traps the control graph forever.
func TestCheckLivenessTrappingCycleFails(t *testing.T) {
	prog, r := lowerProgram(t, `
[topology]
device sensor_X: digital_input

[constraints]

[tasks]
task spin_a:
  step spin:
    goto spin_b

task spin_b:
  step spin:
    goto spin_a
`)
	report, diags := CheckLiveness(config.Default(), prog, r.StateMachine, "test.plc")
	if report.Level != diagnostic.LevelFailed {
		t.Fatalf("liveness level = %q, want %q", report.Level, diagnostic.LevelFailed)
	}
	if len(diags) == 0 {
		t.Fatal("expected at least one liveness diagnostic")
	}
}

// The same cycle with allow_indefinite_wait declared on one of its steps
// is treated as an intentional escape-free loop (e.g. an idle/poll task).
func TestCheckLivenessCycleWithAllowIndefiniteWaitPasses(t *testing.T) {
	prog, r := lowerProgram(t, `
[topology]
device sensor_X: digital_input

[constraints]

[tasks]
task spin_a:
  step spin:
    allow_indefinite_wait: true
    goto spin_b

task spin_b:
  step spin:
    goto spin_a
`)
	report, diags := CheckLiveness(config.Default(), prog, r.StateMachine, "test.plc")
	if report.Level != diagnostic.LevelPassed {
		t.Fatalf("liveness level = %q, want %q; diagnostics: %+v", report.Level, diagnostic.LevelPassed, diags)
	}
}

// A last step with no on_complete declared at all is exempt from the
// zero-out-degree check -- it's the program's intended halting point.
func TestCheckLivenessTerminalStepWithoutOnCompleteIsExempt(t *testing.T) {
	prog, r := lowerProgram(t, `
[topology]
device sensor_X: digital_input

[constraints]

[tasks]
task t:
  step s:
    action: set sensor_X on
`)
	report, diags := CheckLiveness(config.Default(), prog, r.StateMachine, "test.plc")
	if report.Level != diagnostic.LevelPassed {
		t.Fatalf("liveness level = %q, want %q; diagnostics: %+v", report.Level, diagnostic.LevelPassed, diags)
	}
}
