// Package rustplc compiles a RustPLC `.plc` source file into a
// verification report: parse, lower to IR, then run the four independent
// verification engines over that IR. Compile is a pure function — the same
// source and config always produce byte-identical output — matching the
// single-threaded, synchronous core spec.md §5 describes; CompileConcurrent
// runs the same four engines over goroutines for callers who want the
// wall-clock win and can tolerate the scheduling nondeterminism that never
// leaks into the result, since diagnostics are sorted before being returned
// either way.
package rustplc

import (
	"go.uber.org/zap"

	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/lexer"
	"github.com/rfielding/rustplc/parser"
	"github.com/rfielding/rustplc/semantic"
	"github.com/rfielding/rustplc/verify"
)

// Compile parses, lowers, and verifies source (a single `.plc` file's
// contents), attributing diagnostics to file. It follows spec.md §7's
// propagation policy: a syntax error aborts the pipeline immediately;
// semantic errors are collected and, if any exist, also abort before
// verification (the IR they would feed is incomplete); otherwise every
// verification engine runs and contributes to the returned Report.
func Compile(cfg config.Config, source, file string) (*verify.Report, []diagnostic.Diagnostic) {
	log := cfg.Log()
	log.Debug("compile starting", zap.String("file", file), zap.Int("source_bytes", len(source)))

	prog, err := parser.Parse(source, file)
	if err != nil {
		return nil, []diagnostic.Diagnostic{syntaxDiagnostic(err, file)}
	}

	result := semantic.Lower(prog, file)
	if result.HasErrors() {
		log.Debug("compile stopped after semantic errors", zap.Int("diagnostics", len(result.Diagnostics)))
		diagnostic.Sort(result.Diagnostics)
		return nil, result.Diagnostics
	}

	report, verifyDiags := verify.RunAll(cfg, prog, result.Topology, result.Constraints, result.StateMachine, result.Timing, file)
	diags := append(append([]diagnostic.Diagnostic(nil), result.Diagnostics...), verifyDiags...)
	diagnostic.Sort(diags)
	log.Debug("compile finished", zap.Bool("ok", report.Ok()), zap.Int("diagnostics", len(diags)))
	return report, diags
}

// CompileConcurrent behaves exactly like Compile but runs the four
// verification engines on separate goroutines via verify.RunAllConcurrent,
// per spec.md §5's "may be executed in parallel threads for performance"
// allowance. The result is identical to Compile's for the same input: each
// engine only holds read-only references into the IR, and diagnostics are
// sorted before returning, so execution order never leaks into the output.
func CompileConcurrent(cfg config.Config, source, file string) (*verify.Report, []diagnostic.Diagnostic) {
	log := cfg.Log()
	log.Debug("compile (concurrent) starting", zap.String("file", file), zap.Int("source_bytes", len(source)))

	prog, err := parser.Parse(source, file)
	if err != nil {
		return nil, []diagnostic.Diagnostic{syntaxDiagnostic(err, file)}
	}

	result := semantic.Lower(prog, file)
	if result.HasErrors() {
		diagnostic.Sort(result.Diagnostics)
		return nil, result.Diagnostics
	}

	report, verifyDiags := verify.RunAllConcurrent(cfg, prog, result.Topology, result.Constraints, result.StateMachine, result.Timing, file)
	diags := append(append([]diagnostic.Diagnostic(nil), result.Diagnostics...), verifyDiags...)
	diagnostic.Sort(diags)
	return report, diags
}

// syntaxDiagnostic adapts a *lexer.SyntaxError (returned by both the lexer
// and the parser) into the shared diagnostic shape, since the core's
// external interface never exposes a raw Go error to callers.
func syntaxDiagnostic(err error, file string) diagnostic.Diagnostic {
	se, ok := err.(*lexer.SyntaxError)
	if !ok {
		return diagnostic.Diagnostic{
			Engine:     diagnostic.EngineSyntax,
			Severity:   diagnostic.SeverityError,
			Summary:    "语法错误",
			Location:   diagnostic.Location{File: file, Line: 1, Col: 1},
			Suggestion: "请检查源文件的语法",
		}
	}
	return diagnostic.Diagnostic{
		Engine:     diagnostic.EngineSyntax,
		Severity:   diagnostic.SeverityError,
		Summary:    "语法错误",
		Location:   diagnostic.Location{File: se.File, Line: se.Line, Col: se.Col},
		Tags:       []diagnostic.Tag{{Label: "原因", Value: se.Message}},
		Suggestion: "请检查该位置附近的关键字、分隔符与缩进是否符合语法",
	}
}
