// Package semantic lowers a parsed ast.Program into the ir package's
// TopologyGraph, StateMachine, ConstraintSet, and TimingModel, running the
// cross-reference checks that the parser cannot perform on its own (every
// device/task/step reference must resolve, every safety/timing/causality
// constraint must name things that exist).
//
// Lowering collects every semantic error it can find rather than stopping
// at the first one, so the caller sees the full picture in one pass.
package semantic

import (
	"fmt"
	"strings"

	"github.com/rfielding/rustplc/ast"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/ir"
)

// Result bundles everything semantic lowering produces. Any errors in
// Diagnostics of SeverityError mean the IR is incomplete and must not be
// handed to the verification engines.
type Result struct {
	Topology    *ir.TopologyGraph
	Constraints ir.ConstraintSet
	StateMachine ir.StateMachine
	Timing      *ir.TimingModel
	Diagnostics []diagnostic.Diagnostic
}

// HasErrors reports whether lowering produced any error-severity diagnostic.
func (r *Result) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == diagnostic.SeverityError {
			return true
		}
	}
	return false
}

// Lower runs every semantic check and builds the IR in one pass, in the
// order spec.md §4.2 lists them: unique names and known kinds, required
// attributes, connection/detects resolution (including cycles), goto/
// on_complete targets (inside buildStateMachine), wait/action identifier
// resolution, and finally constraint-scope resolution. on_complete:
// unreachable is recorded but not itself diagnosed here -- package verify's
// liveness engine is the sole authoritative site (see DESIGN.md).
func Lower(prog *ast.Program, file string) *Result {
	l := &lowering{prog: prog, file: file}
	l.checkUniqueDeviceNames()
	l.checkRequiredAttributes()
	l.buildTopology()
	l.checkDetectsResolve()
	l.buildTimingModel()
	l.buildStateMachine()
	l.checkTaskIdentifiers()
	l.buildConstraintSet()
	return &Result{
		Topology:     l.topology,
		Constraints:  l.constraints,
		StateMachine: l.sm,
		Timing:       l.timing,
		Diagnostics:  l.diags,
	}
}

type lowering struct {
	prog *ast.Program
	file string

	topology    *ir.TopologyGraph
	constraints ir.ConstraintSet
	sm          ir.StateMachine
	timing      *ir.TimingModel
	diags       []diagnostic.Diagnostic
}

func (l *lowering) loc(pos ast.Pos) diagnostic.Location {
	return diagnostic.Location{File: l.file, Line: pos.Line, Col: pos.Col}
}

func (l *lowering) errorAt(pos ast.Pos, summary string, tags ...diagnostic.Tag) {
	l.diags = append(l.diags, diagnostic.Diagnostic{
		Engine:     diagnostic.EngineSemantic,
		Severity:   diagnostic.SeverityError,
		Summary:    summary,
		Location:   l.loc(pos),
		Tags:       tags,
		Suggestion: "请检查引用名称是否已在对应段中声明",
		Tiebreak:   len(l.diags),
	})
}

func astKindToIRKind(k ast.DeviceKind) ir.DeviceKind {
	return ir.DeviceKind(k)
}

func deviceKindName(k ir.DeviceKind) string { return string(k) }

// --- topology ---

// checkUniqueDeviceNames is spec.md §4.2 check 1: device names unique,
// device kinds known. The lexer/parser already reject an unknown kind
// keyword, so only the uniqueness half is checked here.
func (l *lowering) checkUniqueDeviceNames() {
	seen := make(map[string]ast.Pos)
	for _, d := range l.prog.Topology.Devices {
		if first, dup := seen[d.Name]; dup {
			l.errorAt(d.Pos, fmt.Sprintf("设备名称重复: %s", d.Name),
				diagnostic.Tag{Label: "原因", Value: fmt.Sprintf("%s 已在第 %d 行声明，设备名称必须在 [topology] 中唯一", d.Name, first.Line)})
			continue
		}
		seen[d.Name] = d.Pos
	}
}

// requiredAttributesByKind mirrors the §3 data model table: attributes a
// device kind cannot be lowered without.
func requiredAttributesByKind(k ast.DeviceKind) []string {
	switch k {
	case ast.DeviceSolenoidValve:
		return []string{"connected_to", "response_time"}
	case ast.DeviceCylinder:
		return []string{"connected_to", "stroke_time", "retract_time"}
	case ast.DeviceSensor:
		return []string{"connected_to", "detects"}
	case ast.DeviceMotor:
		return []string{"connected_to"}
	}
	return nil
}

func (l *lowering) deviceHasAttribute(d ast.Device, attr string) bool {
	switch attr {
	case "connected_to":
		return d.HasConnectedTo
	case "response_time":
		return d.HasResponseTime
	case "stroke_time":
		return d.HasStrokeTime
	case "retract_time":
		return d.HasRetractTime
	case "detects":
		return d.HasDetects
	}
	return false
}

// checkRequiredAttributes is spec.md §4.2 check 2.
func (l *lowering) checkRequiredAttributes() {
	for _, d := range l.prog.Topology.Devices {
		for _, attr := range requiredAttributesByKind(d.Kind) {
			if !l.deviceHasAttribute(d, attr) {
				l.errorAt(d.Pos, fmt.Sprintf("设备 %s 缺少必需属性 %s", d.Name, attr),
					diagnostic.Tag{Label: "原因", Value: fmt.Sprintf("%s 类型设备必须声明 %s", deviceKindName(astKindToIRKind(d.Kind)), attr)})
			}
		}
	}
}

// checkDetectsResolve is the `detects` half of spec.md §4.2 check 3: the
// device named by a sensor's `detects:` attribute must itself be declared.
// (The `connected_to` half runs inside buildTopology, which also performs
// the cycle check.)
func (l *lowering) checkDetectsResolve() {
	known := make(map[string]bool, len(l.prog.Topology.Devices))
	for _, d := range l.prog.Topology.Devices {
		known[d.Name] = true
	}
	for _, d := range l.prog.Topology.Devices {
		if !d.HasDetects {
			continue
		}
		if !known[d.Detects.Device] {
			l.errorAt(d.Detects.Pos, fmt.Sprintf("%s 的 detects 引用了未定义设备 %s", d.Name, d.Detects.Device),
				diagnostic.Tag{Label: "原因", Value: "detects 必须指向一个已声明设备的状态"})
		}
	}
}

func (l *lowering) buildTopology() {
	topology := ir.NewTopologyGraph()
	devByName := make(map[string]ast.Device)
	for _, d := range l.prog.Topology.Devices {
		topology.AddDevice(ir.Device{Name: d.Name, Kind: astKindToIRKind(d.Kind)})
		devByName[d.Name] = d
	}

	for _, d := range l.prog.Topology.Devices {
		if !d.HasConnectedTo {
			continue
		}
		target, ok := devByName[d.ConnectedTo]
		if !ok {
			l.errorAt(d.Pos, fmt.Sprintf("未定义设备引用 %s", d.ConnectedTo),
				diagnostic.Tag{Label: "原因", Value: fmt.Sprintf("设备 %s 的 connected_to 引用了该名称，请先定义后再连接", d.Name)})
			continue
		}
		kind := connectionTypeFor(astKindToIRKind(target.Kind), astKindToIRKind(d.Kind))
		if kind == "" {
			l.errorAt(d.Pos, fmt.Sprintf("设备连接类型不兼容: %s -> %s", target.Name, d.Name),
				diagnostic.Tag{Label: "原因", Value: fmt.Sprintf("请检查 %s 与 %s 的连接方向，或调整为兼容设备类型", target.Name, d.Name)})
			continue
		}
		// `A connected_to B` means B provides upstream linkage into A.
		fromIdx, _ := topology.NodeByName(target.Name)
		toIdx, _ := topology.NodeByName(d.Name)
		topology.AddConnection(fromIdx, toIdx, kind)
	}

	l.checkConnectedToCycles(devByName)
	l.topology = topology
}

// checkConnectedToCycles is the cycle-detection half of spec.md §4.2 check
// 3. Every device has at most one outgoing `connected_to` edge, so walking
// the chain from each starting device with a per-walk visited set is
// enough to find the first repeated device. Each cycle is reported once,
// at the first of its devices that a walk reaches; every device on that
// walk is then skipped, and later walks stop when they reach one.
func (l *lowering) checkConnectedToCycles(devByName map[string]ast.Device) {
	cleared := make(map[string]bool, len(devByName))
	reported := make(map[string]bool)

	for _, start := range l.prog.Topology.Devices {
		if cleared[start.Name] {
			continue
		}
		visited := map[string]bool{start.Name: true}
		path := []string{start.Name}
		cur := start
		for cur.HasConnectedTo {
			next, ok := devByName[cur.ConnectedTo]
			if !ok {
				break
			}
			if cleared[next.Name] {
				break
			}
			if visited[next.Name] {
				if !reported[next.Name] {
					reported[next.Name] = true
					l.errorAt(next.Pos, fmt.Sprintf("connected_to 形成环路: %s", strings.Join(append(path, next.Name), " -> ")),
						diagnostic.Tag{Label: "原因", Value: "设备连接关系必须是无环的有向图"})
				}
				for _, n := range path {
					cleared[n] = true
				}
				break
			}
			visited[next.Name] = true
			path = append(path, next.Name)
			cur = next
		}
		if !cur.HasConnectedTo {
			for _, n := range path {
				cleared[n] = true
			}
		}
	}
}

func connectionTypeFor(from, to ir.DeviceKind) ir.ConnectionType {
	switch {
	case from == ir.DeviceDigitalOutput && to == ir.DeviceSolenoidValve:
		return ir.ConnectionElectrical
	case from == ir.DeviceDigitalOutput && to == ir.DeviceMotor:
		return ir.ConnectionElectrical
	case from == ir.DeviceDigitalInput && to == ir.DeviceSensor:
		return ir.ConnectionElectrical
	case from == ir.DeviceSolenoidValve && to == ir.DeviceCylinder:
		return ir.ConnectionPneumatic
	case from == ir.DeviceDigitalInput && to == ir.DeviceDigitalInput:
		return ir.ConnectionLogical
	case from == ir.DeviceDigitalOutput && to == ir.DeviceDigitalOutput:
		return ir.ConnectionLogical
	default:
		return ""
	}
}

// --- constraints ---

func defaultStatesForKind(k ir.DeviceKind) []string {
	if k == ir.DeviceCylinder {
		return []string{"extended", "retracted"}
	}
	return []string{"on", "off"}
}

func (l *lowering) buildConstraintSet() {
	deviceKinds := make(map[string]ir.DeviceKind)
	for _, d := range l.prog.Topology.Devices {
		deviceKinds[d.Name] = astKindToIRKind(d.Kind)
	}

	knownStates := make(map[string]map[string]bool)
	for name, kind := range deviceKinds {
		set := make(map[string]bool)
		for _, s := range defaultStatesForKind(kind) {
			set[s] = true
		}
		knownStates[name] = set
	}
	for _, d := range l.prog.Topology.Devices {
		if d.HasDetects {
			if knownStates[d.Detects.Device] == nil {
				knownStates[d.Detects.Device] = make(map[string]bool)
			}
			knownStates[d.Detects.Device][d.Detects.State] = true
		}
	}

	taskSteps := make(map[string]map[string]bool)
	for _, t := range l.prog.Tasks.Tasks {
		steps := make(map[string]bool)
		for _, s := range t.Steps {
			steps[s.Name] = true
		}
		taskSteps[t.Name] = steps
	}

	validateRef := func(ref ast.StateRef, pos ast.Pos, source string) {
		if _, ok := deviceKinds[ref.Device]; !ok {
			l.errorAt(pos, fmt.Sprintf("%s 引用了未定义设备 %s", source, ref.Device))
			return
		}
		allowed := knownStates[ref.Device]
		if len(allowed) > 0 && !allowed[ref.State] {
			l.errorAt(pos, fmt.Sprintf("%s 引用了设备 %s 的未定义状态 %s", source, ref.Device, ref.State))
		}
	}

	for _, s := range l.prog.Constraints.Safety {
		validateRef(s.Left, s.Pos, "safety 左侧")
		validateRef(s.Right, s.Pos, "safety 右侧")
		l.constraints.Safety = append(l.constraints.Safety, ir.SafetyRule{
			Left:     ir.StateExpr{Device: s.Left.Device, State: s.Left.State},
			Relation: ir.SafetyRelation(s.Relation),
			Right:    ir.StateExpr{Device: s.Right.Device, State: s.Right.State},
			Reason:   s.Reason,
			Line:     s.Pos.Line,
			Col:      s.Pos.Col,
		})
	}

	for _, t := range l.prog.Constraints.Timing {
		if steps, ok := taskSteps[t.Scope.Task]; !ok {
			l.errorAt(t.Pos, fmt.Sprintf("timing 约束引用了未定义 task %s", t.Scope.Task))
		} else if t.Scope.IsStep() && !steps[t.Scope.Step] {
			l.errorAt(t.Pos, fmt.Sprintf("timing 约束引用了未定义 step %s.%s", t.Scope.Task, t.Scope.Step))
		}

		scope := ir.TimingScope{Kind: ir.ScopeTask, Task: t.Scope.Task}
		if t.Scope.IsStep() {
			scope.Kind = ir.ScopeStep
			scope.Step = t.Scope.Step
		}
		l.constraints.Timing = append(l.constraints.Timing, ir.TimingRule{
			Scope:      scope,
			Relation:   ir.TimingRelation(t.Relation),
			DurationMs: t.Duration.ToMs(),
			Reason:     t.Reason,
			Line:       t.Pos.Line,
			Col:        t.Pos.Col,
		})
	}

	for _, c := range l.prog.Constraints.Causality {
		for _, dev := range c.Chain {
			if _, ok := deviceKinds[dev]; !ok {
				l.errorAt(c.Pos, fmt.Sprintf("causality 约束引用了未定义设备 %s", dev))
			}
		}
		l.constraints.Causality = append(l.constraints.Causality, ir.CausalityChain{
			Devices: append([]string(nil), c.Chain...),
			Reason:  c.Reason,
			Line:    c.Pos.Line,
			Col:     c.Pos.Col,
		})
	}
}

// --- timing model ---

type deviceTimingProfile struct {
	responseMs, strokeMs, retractMs, rampMs       uint64
	hasResponse, hasStroke, hasRetract, hasRamp bool
}

func (l *lowering) buildTimingModel() {
	profiles := make(map[string]deviceTimingProfile)
	for _, d := range l.prog.Topology.Devices {
		p := deviceTimingProfile{}
		if d.HasResponseTime {
			p.responseMs, p.hasResponse = d.ResponseTime.ToMs(), true
		}
		if d.HasStrokeTime {
			p.strokeMs, p.hasStroke = d.StrokeTime.ToMs(), true
		}
		if d.HasRetractTime {
			p.retractMs, p.hasRetract = d.RetractTime.ToMs(), true
		}
		if d.HasRampTime {
			p.rampMs, p.hasRamp = d.RampTime.ToMs(), true
		}
		profiles[d.Name] = p
	}

	model := ir.NewTimingModel()
	for _, task := range l.prog.Tasks.Tasks {
		for _, step := range task.Steps {
			var actions []ast.ActionStatement
			collectActions(step.Statements, &actions)
			for _, a := range actions {
				timing, ok := actionToTiming(task.Name, step.Name, a, profiles)
				if !ok {
					// An action with no supporting timing attribute silently
					// contributes 0ms here; package verify's timing engine
					// decides whether that's worth a warning (config option
					// treat_undeclared_timing_as_warning).
					continue
				}
				insertActionTiming(model, timing)
			}
		}
	}
	l.timing = model
}

func collectActions(stmts []ast.Statement, out *[]ast.ActionStatement) {
	for _, s := range stmts {
		switch v := s.(type) {
		case ast.ActionStatement:
			*out = append(*out, v)
		case ast.ParallelStatement:
			for _, b := range v.Branches {
				collectActions(b.Statements, out)
			}
		case ast.RaceStatement:
			for _, b := range v.Branches {
				collectActions(b.Statements, out)
			}
		}
	}
}

func actionToTiming(taskName, stepName string, a ast.ActionStatement, profiles map[string]deviceTimingProfile) (ir.ActionTiming, bool) {
	var kind ir.ActionKind
	switch a.Kind {
	case ast.ActionExtend:
		kind = ir.ActionExtend
	case ast.ActionRetract:
		kind = ir.ActionRetract
	case ast.ActionSet:
		kind = ir.ActionSet
	case ast.ActionLog:
		return ir.ActionTiming{}, false
	}

	target := a.Target
	profile, ok := profiles[target]
	if !ok {
		return ir.ActionTiming{}, false
	}

	var durationMs uint64
	var found bool
	switch kind {
	case ir.ActionExtend:
		durationMs, found = firstSet(profile.strokeMs, profile.hasStroke, profile.responseMs, profile.hasResponse, profile.rampMs, profile.hasRamp)
	case ir.ActionRetract:
		durationMs, found = firstSet(profile.retractMs, profile.hasRetract, profile.responseMs, profile.hasResponse, profile.rampMs, profile.hasRamp)
	case ir.ActionSet:
		durationMs, found = firstSet(profile.rampMs, profile.hasRamp, profile.responseMs, profile.hasResponse, 0, false)
	}
	if !found {
		return ir.ActionTiming{}, false
	}

	return ir.ActionTiming{
		Action: ir.ActionRef{TaskName: taskName, StepName: stepName, ActionKind: kind, Target: target},
		Interval: ir.TimeInterval{MinMs: durationMs, MaxMs: durationMs},
	}, true
}

func firstSet(a uint64, aOk bool, b uint64, bOk bool, c uint64, cOk bool) (uint64, bool) {
	if aOk {
		return a, true
	}
	if bOk {
		return b, true
	}
	if cOk {
		return c, true
	}
	return 0, false
}

func insertActionTiming(model *ir.TimingModel, t ir.ActionTiming) {
	target := t.Action.Target
	if target == "" {
		target = "_"
	}
	baseKey := fmt.Sprintf("%s.%s.%s.%s", t.Action.TaskName, t.Action.StepName, t.Action.ActionKind, target)
	if _, exists := model.Intervals[baseKey]; !exists {
		model.Intervals[baseKey] = t
		return
	}
	for i := 2; ; i++ {
		key := fmt.Sprintf("%s.%d", baseKey, i)
		if _, exists := model.Intervals[key]; !exists {
			model.Intervals[key] = t
			return
		}
	}
}

// --- state machine, including parallel/race desugaring ---

type smBuilder struct {
	states      []ir.State
	transitions []ir.Transition
	seen        map[ir.State]bool
}

func (b *smBuilder) addState(task, step string) ir.State {
	s := ir.State{TaskName: task, StepName: step}
	if b.seen == nil {
		b.seen = make(map[ir.State]bool)
	}
	if !b.seen[s] {
		b.seen[s] = true
		b.states = append(b.states, s)
	}
	return s
}

func (b *smBuilder) addTransition(from, to ir.State, guard ir.TransitionGuard, actions []ir.TransitionAction, timers []ir.TimerOperation) {
	b.transitions = append(b.transitions, ir.Transition{From: from, To: to, Guard: guard, Actions: actions, Timers: timers})
}

type analyzed struct {
	actions   []ir.TransitionAction
	waits     []string
	gotos     []ast.GotoStatement
	timeouts  []ast.TimeoutStatement
	parallels []ast.ParallelStatement
	races     []ast.RaceStatement
}

func (a analyzed) hasControlFlow() bool {
	return len(a.waits) > 0 || len(a.gotos) > 0 || len(a.parallels) > 0 || len(a.races) > 0
}

func analyzeStatements(stmts []ast.Statement) analyzed {
	var a analyzed
	for _, s := range stmts {
		switch v := s.(type) {
		case ast.ActionStatement:
			a.actions = append(a.actions, actionToTransitionAction(v))
		case ast.WaitStatement:
			a.waits = append(a.waits, conditionToExpression(v.Condition))
		case ast.TimeoutStatement:
			a.timeouts = append(a.timeouts, v)
		case ast.GotoStatement:
			a.gotos = append(a.gotos, v)
		case ast.ParallelStatement:
			a.parallels = append(a.parallels, v)
		case ast.RaceStatement:
			a.races = append(a.races, v)
		case ast.AllowIndefiniteWaitStatement:
			// consumed directly by the liveness engine from the AST.
		}
	}
	return a
}

func actionToTransitionAction(a ast.ActionStatement) ir.TransitionAction {
	switch a.Kind {
	case ast.ActionExtend:
		return ir.TransitionAction{Action: ir.ActionExtend, Target: a.Target}
	case ast.ActionRetract:
		return ir.TransitionAction{Action: ir.ActionRetract, Target: a.Target}
	case ast.ActionSet:
		return ir.TransitionAction{Action: ir.ActionSet, Target: a.Target, Value: ir.BinaryValue(a.Value)}
	default:
		return ir.TransitionAction{Action: ir.ActionLog, Message: a.Message}
	}
}

func conditionToExpression(c ast.Condition) string {
	op := "=="
	if c.Operator == ast.OpNeq {
		op = "!="
	}
	return fmt.Sprintf("%s %s %s", c.Left, op, literalToExpression(c.Right))
}

func literalToExpression(l ast.Literal) string {
	switch l.Kind {
	case ast.LiteralBool:
		if l.Bool {
			return "true"
		}
		return "false"
	case ast.LiteralNumber:
		return fmt.Sprintf("%g", l.Number)
	case ast.LiteralString:
		return fmt.Sprintf("%q", l.Str)
	case ast.LiteralState:
		return fmt.Sprintf("%s.%s", l.State.Device, l.State.State)
	}
	return ""
}

func durationToMs(d ast.Duration) uint64 { return d.ToMs() }

func (l *lowering) buildStateMachine() {
	if len(l.prog.Tasks.Tasks) == 0 {
		l.errorAt(ast.Pos{File: l.file, Line: 1, Col: 1}, "[tasks] 段至少需要一个 task")
		return
	}

	b := &smBuilder{}
	taskInitialStates := make(map[string]ir.State)

	for _, task := range l.prog.Tasks.Tasks {
		if len(task.Steps) == 0 {
			l.errorAt(task.Pos, fmt.Sprintf("task %s 至少需要一个 step", task.Name))
			continue
		}
		initial := ir.State{TaskName: task.Name, StepName: task.Steps[0].Name}
		if _, dup := taskInitialStates[task.Name]; dup {
			l.errorAt(task.Pos, fmt.Sprintf("task 名称重复: %s", task.Name))
		}
		taskInitialStates[task.Name] = initial
		for _, step := range task.Steps {
			b.addState(task.Name, step.Name)
		}
	}

	var initial ir.State
	haveInitial := false
	for _, task := range l.prog.Tasks.Tasks {
		if len(task.Steps) > 0 {
			initial = ir.State{TaskName: task.Name, StepName: task.Steps[0].Name}
			haveInitial = true
			break
		}
	}
	if !haveInitial {
		l.errorAt(ast.Pos{File: l.file, Line: 1, Col: 1}, "未找到可执行的 task/step 初始状态")
		return
	}

	resolveTarget := func(targetTask string, pos ast.Pos, source string) (ir.State, bool) {
		s, ok := taskInitialStates[targetTask]
		if !ok {
			l.errorAt(pos, fmt.Sprintf("%s 目标必须是已定义 task 名称: %s", source, targetTask))
			return ir.State{}, false
		}
		return s, true
	}

	onCompleteTargets := make(map[string]*ir.State)
	for _, task := range l.prog.Tasks.Tasks {
		if task.HasOnComplete && task.OnComplete.Kind == ast.OnCompleteGoto {
			if s, ok := resolveTarget(task.OnComplete.Goto, task.OnCompletePos, "on_complete"); ok {
				onCompleteTargets[task.Name] = &s
			}
		}
	}

	completionTarget := func(task ast.Task, stepIndex int) *ir.State {
		if stepIndex+1 < len(task.Steps) {
			s := ir.State{TaskName: task.Name, StepName: task.Steps[stepIndex+1].Name}
			return &s
		}
		return onCompleteTargets[task.Name]
	}

	for _, task := range l.prog.Tasks.Tasks {
		for stepIndex, step := range task.Steps {
			from := ir.State{TaskName: task.Name, StepName: step.Name}
			target := completionTarget(task, stepIndex)
			a := analyzeStatements(step.Statements)

			for blockIdx, block := range a.parallels {
				l.buildParallelBlock(b, task, step.Name, from, blockIdx, block, target, taskInitialStates, a.actions)
			}
			for blockIdx, block := range a.races {
				l.buildRaceBlock(b, task, step.Name, from, blockIdx, block, target, taskInitialStates, a.actions)
			}

			for _, g := range a.gotos {
				if t, ok := resolveTarget(g.Target, g.Pos, "goto"); ok {
					b.addTransition(from, t, ir.TransitionGuard{Kind: ir.GuardAlways}, a.actions, nil)
				}
			}

			for timeoutIdx, to := range a.timeouts {
				if t, ok := resolveTarget(to.Goto.Target, to.Goto.Pos, "timeout -> goto"); ok {
					ms := durationToMs(to.Duration)
					timerName := fmt.Sprintf("%s.%s.timeout_%d", task.Name, step.Name, timeoutIdx+1)
					b.addTransition(from, t, ir.TransitionGuard{Kind: ir.GuardTimeout, DurationMs: ms}, nil,
						[]ir.TimerOperation{{TimerName: timerName, Operation: ir.TimerStart, DurationMs: ms, HasDuration: true}})
				}
			}

			for _, waitExpr := range a.waits {
				if target != nil {
					b.addTransition(from, *target, ir.TransitionGuard{Kind: ir.GuardCondition, Expression: waitExpr}, a.actions, nil)
				}
			}

			if !a.hasControlFlow() {
				if target != nil {
					b.addTransition(from, *target, ir.TransitionGuard{Kind: ir.GuardAlways}, a.actions, nil)
				}
			}
		}
	}

	l.sm = ir.StateMachine{States: b.states, Transitions: b.transitions, Initial: initial}
}

func (l *lowering) buildParallelBlock(
	b *smBuilder, task ast.Task, stepName string, source ir.State, blockIndex int,
	block ast.ParallelStatement, completionTarget *ir.State, taskInitial map[string]ir.State,
	parentActions []ir.TransitionAction,
) {
	forkName := fmt.Sprintf("%s__parallel_%d_fork", stepName, blockIndex+1)
	joinName := fmt.Sprintf("%s__parallel_%d_join", stepName, blockIndex+1)
	fork := b.addState(task.Name, forkName)
	join := b.addState(task.Name, joinName)

	b.addTransition(source, fork, ir.TransitionGuard{Kind: ir.GuardAlways}, parentActions, nil)

	for branchIdx, branch := range block.Branches {
		branchName := fmt.Sprintf("%s__parallel_%d_branch_%d", stepName, blockIndex+1, branchIdx+1)
		branchState := b.addState(task.Name, branchName)
		b.addTransition(fork, branchState, ir.TransitionGuard{Kind: ir.GuardAlways}, nil, nil)

		a := analyzeStatements(branch.Statements)

		for _, g := range a.gotos {
			if t, ok := l.resolveGoto(g, taskInitial); ok {
				b.addTransition(branchState, t, ir.TransitionGuard{Kind: ir.GuardAlways}, a.actions, nil)
			}
		}
		for timeoutIdx, to := range a.timeouts {
			if t, ok := l.resolveGotoLoc(to.Goto.Target, to.Goto.Pos, taskInitial, "timeout -> goto"); ok {
				ms := durationToMs(to.Duration)
				timerName := fmt.Sprintf("%s.%s.parallel_%d_branch_%d.timeout_%d", task.Name, stepName, blockIndex+1, branchIdx+1, timeoutIdx+1)
				b.addTransition(branchState, t, ir.TransitionGuard{Kind: ir.GuardTimeout, DurationMs: ms}, nil,
					[]ir.TimerOperation{{TimerName: timerName, Operation: ir.TimerStart, DurationMs: ms, HasDuration: true}})
			}
		}
		for _, waitExpr := range a.waits {
			b.addTransition(branchState, join, ir.TransitionGuard{Kind: ir.GuardCondition, Expression: waitExpr}, a.actions, nil)
		}
		for nestedIdx, nested := range a.parallels {
			l.buildParallelBlock(b, task, branchName, branchState, nestedIdx, nested, &join, taskInitial, a.actions)
		}
		for nestedIdx, nested := range a.races {
			l.buildRaceBlock(b, task, branchName, branchState, nestedIdx, nested, &join, taskInitial, a.actions)
		}

		if !a.hasControlFlow() {
			b.addTransition(branchState, join, ir.TransitionGuard{Kind: ir.GuardAlways}, a.actions, nil)
		}
	}

	if completionTarget != nil {
		b.addTransition(join, *completionTarget, ir.TransitionGuard{Kind: ir.GuardAlways}, nil, nil)
	}
}

func (l *lowering) buildRaceBlock(
	b *smBuilder, task ast.Task, stepName string, source ir.State, blockIndex int,
	block ast.RaceStatement, completionTarget *ir.State, taskInitial map[string]ir.State,
	parentActions []ir.TransitionAction,
) {
	decisionName := fmt.Sprintf("%s__race_%d_decision", stepName, blockIndex+1)
	decision := b.addState(task.Name, decisionName)
	b.addTransition(source, decision, ir.TransitionGuard{Kind: ir.GuardAlways}, parentActions, nil)

	for branchIdx, branch := range block.Branches {
		branchName := fmt.Sprintf("%s__race_%d_branch_%d", stepName, blockIndex+1, branchIdx+1)
		branchState := b.addState(task.Name, branchName)
		b.addTransition(decision, branchState, ir.TransitionGuard{Kind: ir.GuardAlways}, nil, nil)

		a := analyzeStatements(branch.Statements)

		branchCompletionTarget := completionTarget
		if branch.HasThen {
			if t, ok := l.resolveGoto(branch.ThenGoto, taskInitial); ok {
				branchCompletionTarget = &t
			}
		}

		for _, g := range a.gotos {
			if t, ok := l.resolveGoto(g, taskInitial); ok {
				b.addTransition(branchState, t, ir.TransitionGuard{Kind: ir.GuardAlways}, a.actions, nil)
			}
		}
		for timeoutIdx, to := range a.timeouts {
			if t, ok := l.resolveGotoLoc(to.Goto.Target, to.Goto.Pos, taskInitial, "timeout -> goto"); ok {
				ms := durationToMs(to.Duration)
				timerName := fmt.Sprintf("%s.%s.race_%d_branch_%d.timeout_%d", task.Name, stepName, blockIndex+1, branchIdx+1, timeoutIdx+1)
				b.addTransition(branchState, t, ir.TransitionGuard{Kind: ir.GuardTimeout, DurationMs: ms}, nil,
					[]ir.TimerOperation{{TimerName: timerName, Operation: ir.TimerStart, DurationMs: ms, HasDuration: true}})
			}
		}
		for _, waitExpr := range a.waits {
			if branchCompletionTarget != nil {
				b.addTransition(branchState, *branchCompletionTarget, ir.TransitionGuard{Kind: ir.GuardCondition, Expression: waitExpr}, a.actions, nil)
			}
		}
		for nestedIdx, nested := range a.parallels {
			l.buildParallelBlock(b, task, branchName, branchState, nestedIdx, nested, branchCompletionTarget, taskInitial, a.actions)
		}
		for nestedIdx, nested := range a.races {
			l.buildRaceBlock(b, task, branchName, branchState, nestedIdx, nested, branchCompletionTarget, taskInitial, a.actions)
		}

		if !a.hasControlFlow() && branchCompletionTarget != nil {
			b.addTransition(branchState, *branchCompletionTarget, ir.TransitionGuard{Kind: ir.GuardAlways}, a.actions, nil)
		}
	}
}

func (l *lowering) resolveGoto(g ast.GotoStatement, taskInitial map[string]ir.State) (ir.State, bool) {
	return l.resolveGotoLoc(g.Target, g.Pos, taskInitial, "goto")
}

func (l *lowering) resolveGotoLoc(target string, pos ast.Pos, taskInitial map[string]ir.State, source string) (ir.State, bool) {
	s, ok := taskInitial[target]
	if !ok {
		l.errorAt(pos, fmt.Sprintf("%s 目标必须是已定义 task 名称: %s", source, target))
		return ir.State{}, false
	}
	return s, true
}

// checkTaskIdentifiers is spec.md §4.2 check 5: every identifier in a
// wait/action statement (and in a race branch's trailing `then: goto`,
// already covered by buildStateMachine) must resolve to a declared device.
func (l *lowering) checkTaskIdentifiers() {
	known := make(map[string]bool, len(l.prog.Topology.Devices))
	for _, d := range l.prog.Topology.Devices {
		known[d.Name] = true
	}

	var walk func(stmts []ast.Statement)
	walk = func(stmts []ast.Statement) {
		for _, s := range stmts {
			switch v := s.(type) {
			case ast.ActionStatement:
				if v.Kind != ast.ActionLog && v.Target != "" && !known[v.Target] {
					l.errorAt(v.Pos, fmt.Sprintf("action 引用了未定义设备 %s", v.Target))
				}
			case ast.WaitStatement:
				l.checkWaitIdentifiers(v, known)
			case ast.ParallelStatement:
				for _, b := range v.Branches {
					walk(b.Statements)
				}
			case ast.RaceStatement:
				for _, b := range v.Branches {
					walk(b.Statements)
				}
			}
		}
	}
	for _, task := range l.prog.Tasks.Tasks {
		for _, step := range task.Steps {
			walk(step.Statements)
		}
	}
}

// checkWaitIdentifiers resolves a wait condition's left-hand identifier
// (a bare device name, a `device.state` reference, or a sensor boolean
// proposition) and, when the right-hand literal is itself a state
// reference, that device too.
func (l *lowering) checkWaitIdentifiers(w ast.WaitStatement, known map[string]bool) {
	left := w.Condition.Left
	device := left
	if dot := strings.Index(left, "."); dot >= 0 {
		device = left[:dot]
	}
	if !known[device] {
		l.errorAt(w.Pos, fmt.Sprintf("wait 条件引用了未定义设备 %s", device))
	}
	if w.Condition.Right.Kind == ast.LiteralState && !known[w.Condition.Right.State.Device] {
		l.errorAt(w.Pos, fmt.Sprintf("wait 条件引用了未定义设备 %s", w.Condition.Right.State.Device))
	}
}
