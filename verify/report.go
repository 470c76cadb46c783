package verify

import (
	"go.uber.org/zap"

	"github.com/rfielding/rustplc/ast"
	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/ir"
)

// Report is the JSON-facing summary of one Compile, one field per
// verification engine, per spec.md §6's stable shape.
type Report struct {
	Safety    SafetyReport    `json:"safety"`
	Liveness  LivenessReport  `json:"liveness"`
	Timing    TimingReport    `json:"timing"`
	Causality CausalityReport `json:"causality"`
}

// Ok reports whether every engine reached a passing level (完备证明, 有界验证,
// or 通过) -- i.e. none reported 失败.
func (r Report) Ok() bool {
	return r.Safety.Level != diagnostic.LevelFailed &&
		r.Liveness.Level != diagnostic.LevelFailed &&
		r.Timing.Level != diagnostic.LevelFailed &&
		r.Causality.Level != diagnostic.LevelFailed
}

// RunAll runs the four verification engines sequentially and returns their
// combined report plus every diagnostic they raised, sorted deterministically
// by (engine, line, column, tiebreak) regardless of the order the engines
// ran in. Each engine owns only read-only references into the IR; nothing
// here mutates topology, constraints, sm, or timing, so RunAllConcurrent can
// run the same four calls in parallel goroutines with no shared-state risk.
func RunAll(cfg config.Config, prog *ast.Program, topology *ir.TopologyGraph, constraints ir.ConstraintSet, sm ir.StateMachine, timing *ir.TimingModel, file string) (*Report, []diagnostic.Diagnostic) {
	log := cfg.Log()

	safetyReport, safetyDiags := CheckSafety(cfg, topology, constraints, sm, file)
	livenessReport, livenessDiags := CheckLiveness(cfg, prog, sm, file)
	timingReport, timingDiags := CheckTiming(cfg, prog, topology, constraints, sm, timing, file)
	causalityReport, causalityDiags := CheckCausality(cfg, prog, topology, constraints, file)

	var diags []diagnostic.Diagnostic
	diags = append(diags, safetyDiags...)
	diags = append(diags, livenessDiags...)
	diags = append(diags, timingDiags...)
	diags = append(diags, causalityDiags...)
	diagnostic.Sort(diags)

	log.Debug("verification complete",
		zap.String("safety", safetyReport.Level),
		zap.String("liveness", livenessReport.Level),
		zap.String("timing", timingReport.Level),
		zap.String("causality", causalityReport.Level),
		zap.Int("diagnostics", len(diags)))

	return &Report{
		Safety:    safetyReport,
		Liveness:  livenessReport,
		Timing:    timingReport,
		Causality: causalityReport,
	}, diags
}

// engineResult carries one engine's outcome back across a goroutine
// boundary in RunAllConcurrent.
type engineResult struct {
	diags []diagnostic.Diagnostic
}

// RunAllConcurrent is the optional parallel path spec.md §5 allows: the
// four engines are independent and read-only over the IR, so they may run
// on separate goroutines. Aggregation remains deterministic because the
// diagnostics are still sorted by (engine, line, column, tiebreak) before
// being returned, regardless of which goroutine finished first.
func RunAllConcurrent(cfg config.Config, prog *ast.Program, topology *ir.TopologyGraph, constraints ir.ConstraintSet, sm ir.StateMachine, timing *ir.TimingModel, file string) (*Report, []diagnostic.Diagnostic) {
	log := cfg.Log()

	var safetyReport SafetyReport
	var livenessReport LivenessReport
	var timingReport TimingReport
	var causalityReport CausalityReport
	results := make(chan engineResult, 4)

	go func() {
		var d []diagnostic.Diagnostic
		safetyReport, d = CheckSafety(cfg, topology, constraints, sm, file)
		results <- engineResult{diags: d}
	}()
	go func() {
		var d []diagnostic.Diagnostic
		livenessReport, d = CheckLiveness(cfg, prog, sm, file)
		results <- engineResult{diags: d}
	}()
	go func() {
		var d []diagnostic.Diagnostic
		timingReport, d = CheckTiming(cfg, prog, topology, constraints, sm, timing, file)
		results <- engineResult{diags: d}
	}()
	go func() {
		var d []diagnostic.Diagnostic
		causalityReport, d = CheckCausality(cfg, prog, topology, constraints, file)
		results <- engineResult{diags: d}
	}()

	var diags []diagnostic.Diagnostic
	for i := 0; i < 4; i++ {
		r := <-results
		diags = append(diags, r.diags...)
	}
	diagnostic.Sort(diags)

	log.Debug("concurrent verification complete",
		zap.String("safety", safetyReport.Level),
		zap.String("liveness", livenessReport.Level),
		zap.String("timing", timingReport.Level),
		zap.String("causality", causalityReport.Level),
		zap.Int("diagnostics", len(diags)))

	return &Report{
		Safety:    safetyReport,
		Liveness:  livenessReport,
		Timing:    timingReport,
		Causality: causalityReport,
	}, diags
}
