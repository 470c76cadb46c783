package verify

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rfielding/rustplc/ast"
	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/ir"
)

// TimingReport is the JSON-facing summary of one Compile's timing check.
type TimingReport struct {
	Level string `json:"level"`
}

type timingProfile struct {
	responseMs, strokeMs, retractMs, rampMs     uint64
	hasResponse, hasStroke, hasRetract, hasRamp bool
}

type timingContext struct {
	profiles map[string]timingProfile
	topology *ir.TopologyGraph
}

func buildTimingProfiles(prog *ast.Program) map[string]timingProfile {
	profiles := make(map[string]timingProfile, len(prog.Topology.Devices))
	for _, d := range prog.Topology.Devices {
		p := timingProfile{}
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
	return profiles
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

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// maxUpstreamResponseMs walks the topology backwards from target, summing
// each direct upstream's own response time plus whatever lies further
// upstream of it, taking the maximum across all upstream sources. visited
// guards against cycles along the current path only, matching the
// original's per-path (not global) cycle guard — a shared ancestor
// reachable via two different branches is still traced on each branch.
func maxUpstreamResponseMs(ctx *timingContext, target string, visited map[string]bool) uint64 {
	var best uint64
	for _, upstream := range ctx.topology.Predecessors(target) {
		if visited[upstream] {
			continue
		}
		visited[upstream] = true
		profile := ctx.profiles[upstream]
		own := profile.responseMs
		total := saturatingAdd(own, maxUpstreamResponseMs(ctx, upstream, visited))
		if total > best {
			best = total
		}
		delete(visited, upstream)
	}
	return best
}

// actionDurationMs returns the total worst-case time for one action,
// combining the device's own duration with the worst upstream response
// chain feeding it.
func actionDurationMs(ctx *timingContext, kind ir.ActionKind, target string) (uint64, bool) {
	profile, ok := ctx.profiles[target]
	if !ok {
		return 0, false
	}
	var own uint64
	var found bool
	switch kind {
	case ir.ActionExtend:
		own, found = firstSet(profile.strokeMs, profile.hasStroke, profile.responseMs, profile.hasResponse, profile.rampMs, profile.hasRamp)
	case ir.ActionRetract:
		own, found = firstSet(profile.retractMs, profile.hasRetract, profile.responseMs, profile.hasResponse, profile.rampMs, profile.hasRamp)
	case ir.ActionSet:
		own, found = firstSet(profile.rampMs, profile.hasRamp, profile.responseMs, profile.hasResponse, 0, false)
	default:
		return 0, false
	}
	if !found {
		return 0, false
	}
	upstream := maxUpstreamResponseMs(ctx, target, map[string]bool{target: true})
	return saturatingAdd(own, upstream), true
}

type stepEstimate struct {
	actionMaxMs  uint64
	timeoutMaxMs uint64
	worstCaseMs  uint64
}

func collectTimeouts(stmts []ast.Statement, out *[]ast.TimeoutStatement) {
	for _, s := range stmts {
		switch v := s.(type) {
		case ast.TimeoutStatement:
			*out = append(*out, v)
		case ast.ParallelStatement:
			for _, b := range v.Branches {
				collectTimeouts(b.Statements, out)
			}
		case ast.RaceStatement:
			for _, b := range v.Branches {
				collectTimeouts(b.Statements, out)
			}
		}
	}
}

func buildStepEstimates(ctx *timingContext, prog *ast.Program, cfg config.Config, file string, diags *[]diagnostic.Diagnostic, tiebreak *int) map[string]stepEstimate {
	estimates := make(map[string]stepEstimate)
	for _, task := range prog.Tasks.Tasks {
		for _, step := range task.Steps {
			var actions []ast.ActionStatement
			collectActionsAST(step.Statements, &actions)

			var actionMax uint64
			for _, a := range actions {
				var kind ir.ActionKind
				switch a.Kind {
				case ast.ActionExtend:
					kind = ir.ActionExtend
				case ast.ActionRetract:
					kind = ir.ActionRetract
				case ast.ActionSet:
					kind = ir.ActionSet
				default:
					continue
				}
				ms, ok := actionDurationMs(ctx, kind, a.Target)
				if !ok {
					if cfg.TreatUndeclaredTimingAsWarning {
						*diags = append(*diags, diagnostic.Diagnostic{
							Engine:     diagnostic.EngineTiming,
							Severity:   diagnostic.SeverityWarning,
							Summary:    "动作缺少时序参数",
							Location:   diagnostic.Location{File: file, Line: a.Pos.Line, Col: a.Pos.Col},
							Tags:       []diagnostic.Tag{{Label: "原因", Value: fmt.Sprintf("设备 %s 未声明支撑该动作的时序属性，按 0ms 计入关键路径", a.Target)}},
							Suggestion: "请在 [topology] 为该设备补充 response_time/stroke_time/retract_time/ramp_time",
							Tiebreak:   *tiebreak,
						})
						*tiebreak++
					}
					continue
				}
				if ms > actionMax {
					actionMax = ms
				}
			}

			var timeouts []ast.TimeoutStatement
			collectTimeouts(step.Statements, &timeouts)
			var timeoutMax uint64
			for _, to := range timeouts {
				ms := to.Duration.ToMs()
				if ms > timeoutMax {
					timeoutMax = ms
				}
			}

			worst := actionMax
			if timeoutMax > worst {
				worst = timeoutMax
			}
			estimates[task.Name+"."+step.Name] = stepEstimate{actionMaxMs: actionMax, timeoutMaxMs: timeoutMax, worstCaseMs: worst}
		}
	}
	return estimates
}

func collectActionsAST(stmts []ast.Statement, out *[]ast.ActionStatement) {
	for _, s := range stmts {
		switch v := s.(type) {
		case ast.ActionStatement:
			*out = append(*out, v)
		case ast.ParallelStatement:
			for _, b := range v.Branches {
				collectActionsAST(b.Statements, out)
			}
		case ast.RaceStatement:
			for _, b := range v.Branches {
				collectActionsAST(b.Statements, out)
			}
		}
	}
}

func buildTaskWorstCase(prog *ast.Program, estimates map[string]stepEstimate) map[string]uint64 {
	worst := make(map[string]uint64, len(prog.Tasks.Tasks))
	for _, task := range prog.Tasks.Tasks {
		var total uint64
		for _, step := range task.Steps {
			total = saturatingAdd(total, estimates[task.Name+"."+step.Name].worstCaseMs)
		}
		worst[task.Name] = total
	}
	return worst
}

// taskLoopStates reports whether the portion of the control graph made of
// task's own states (a goto to another task is not a loop within this
// scope) contains a cycle -- a step a transition can return to having
// already left it. All of the task's states are searched, whether or not
// they are reachable from its first step. The task's worst-case sum above
// walks steps in lexical order and so only ever sees one iteration; when a
// loop exists that sum is a deliberate single-iteration under-approximation,
// not the task's true (unbounded) worst case.
func taskLoopStates(task ast.Task, sm ir.StateMachine) ([]string, bool) {
	adj := make(adjacency)
	var nodes []string
	for _, step := range task.Steps {
		key := task.Name + "." + step.Name
		nodes = append(nodes, key)
		adj[key] = nil
	}
	for _, t := range sm.Transitions {
		if t.From.TaskName != task.Name || t.To.TaskName != task.Name {
			continue
		}
		adj.addEdge(t.From.TaskName+"."+t.From.StepName, t.To.TaskName+"."+t.To.StepName)
	}
	for _, comp := range stronglyConnectedComponents(nodes, adj) {
		if hasCycle(comp, adj) {
			return comp, true
		}
	}
	return nil, false
}

func transitionGuardMinIntervalMs(g ir.TransitionGuard) uint64 {
	if g.Kind == ir.GuardTimeout {
		return g.DurationMs
	}
	return 0
}

// actionDetailLines renders every action-timing interval semantic lowering
// computed for scope (task scope: every step of that task; step scope:
// just that step) as a human-readable breakdown line. This is the
// declarative per-device-attribute view package semantic's TimingModel
// carries, independent of this engine's own control-flow-aware worst-case
// walk -- useful here as the "动作明细" detail backing a must_complete_within
// diagnostic, so a reader sees which action contributed which share of the
// reported worst case.
func actionDetailLines(model *ir.TimingModel, scope ir.TimingScope) []string {
	if model == nil {
		return nil
	}
	var lines []string
	for _, key := range model.Keys() {
		at := model.Intervals[key]
		if at.Action.TaskName != scope.Task {
			continue
		}
		if scope.Kind == ir.ScopeStep && at.Action.StepName != scope.Step {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s.%s %s %s: %dms", at.Action.TaskName, at.Action.StepName, at.Action.ActionKind, at.Action.Target, at.Interval.MaxMs))
	}
	return lines
}

// shortestPredecessorIntervalMs finds the minimum guaranteed delay before
// any transition can enter the scope's target state, which is what a
// must_start_after rule actually bounds: the shortest of all the ways in
// that could reach it sooner than expected.
func shortestPredecessorIntervalMs(scope ir.TimingScope, sm ir.StateMachine, taskByName map[string]ast.Task) (uint64, bool) {
	var target ir.State
	if scope.Kind == ir.ScopeTask {
		task, ok := taskByName[scope.Task]
		if !ok || len(task.Steps) == 0 {
			return 0, false
		}
		target = ir.State{TaskName: scope.Task, StepName: task.Steps[0].Name}
	} else {
		target = ir.State{TaskName: scope.Task, StepName: scope.Step}
	}

	var min uint64
	found := false
	for _, t := range sm.Transitions {
		if t.To != target {
			continue
		}
		interval := transitionGuardMinIntervalMs(t.Guard)
		if !found || interval < min {
			min = interval
			found = true
		}
	}
	if !found {
		return 0, target == sm.Initial
	}
	return min, true
}

// CheckTiming verifies every must_complete_within / must_start_after
// timing rule against the worst-case estimates derived from device
// timing attributes and the topology's upstream response chains. timing
// is package semantic's declarative per-action interval table; it backs
// the "动作明细" breakdown on a must_complete_within violation but is not
// itself the source of the worst-case numbers compared against the rule
// (those fold in the upstream response chain and step/task control flow,
// which the declarative table does not capture).
func CheckTiming(cfg config.Config, prog *ast.Program, topology *ir.TopologyGraph, constraints ir.ConstraintSet, sm ir.StateMachine, timing *ir.TimingModel, file string) (TimingReport, []diagnostic.Diagnostic) {
	log := cfg.Log()
	ctx := &timingContext{profiles: buildTimingProfiles(prog), topology: topology}

	taskByName := make(map[string]ast.Task, len(prog.Tasks.Tasks))
	for _, t := range prog.Tasks.Tasks {
		taskByName[t.Name] = t
	}

	var diags []diagnostic.Diagnostic
	tiebreak := 0
	estimates := buildStepEstimates(ctx, prog, cfg, file, &diags, &tiebreak)
	taskWorstCase := buildTaskWorstCase(prog, estimates)
	declaredActions := 0
	if timing != nil {
		declaredActions = len(timing.Intervals)
	}
	log.Debug("timing worst case computed", zap.Int("tasks", len(taskWorstCase)), zap.Int("rules", len(constraints.Timing)), zap.Int("declared_action_intervals", declaredActions))

	for _, task := range prog.Tasks.Tasks {
		comp, looped := taskLoopStates(task, sm)
		if !looped {
			continue
		}
		diags = append(diags, diagnostic.Diagnostic{
			Engine:   diagnostic.EngineTiming,
			Severity: diagnostic.SeverityWarning,
			Summary:  "时序估算遇到环路，已截断为单次迭代",
			Location: diagnostic.Location{File: file, Line: task.Pos.Line, Col: task.Pos.Col},
			Tags: []diagnostic.Tag{
				{Label: "环路", Value: strings.Join(comp, " -> ")},
				{Label: "分析", Value: fmt.Sprintf("task.%s 的控制流包含环路，真实最坏情况时间无界；报告的 %dms 仅为单次迭代的下界估算", task.Name, taskWorstCase[task.Name])},
			},
			Suggestion: "如该环路预期有限次重复，请改用显式超时约束其最大迭代次数",
			Tiebreak:   tiebreak,
		})
		tiebreak++
	}

	for _, rule := range constraints.Timing {
		loc := diagnostic.Location{File: file, Line: rule.Line, Col: rule.Col}
		switch rule.Relation {
		case ir.MustCompleteWithin:
			var observed uint64
			var scopeText string
			if rule.Scope.Kind == ir.ScopeTask {
				observed = taskWorstCase[rule.Scope.Task]
				scopeText = fmt.Sprintf("task.%s", rule.Scope.Task)
			} else {
				observed = estimates[rule.Scope.Task+"."+rule.Scope.Step].worstCaseMs
				scopeText = fmt.Sprintf("task.%s.step.%s", rule.Scope.Task, rule.Scope.Step)
			}
			if observed <= rule.DurationMs {
				continue
			}
			tags := []diagnostic.Tag{
				{Label: "约束", Value: fmt.Sprintf("%s must_complete_within %dms", scopeText, rule.DurationMs)},
				{Label: "分析", Value: fmt.Sprintf("按设备时序属性与上游响应链推算，最坏情况耗时为 %dms", observed)},
				{Label: "结论", Value: fmt.Sprintf("观测到的最坏情况 %dms 超过阈值 %dms", observed, rule.DurationMs)},
			}
			if details := actionDetailLines(timing, rule.Scope); len(details) > 0 {
				tags = append(tags, diagnostic.Tag{Label: "动作明细", Value: strings.Join(details, "; ")})
			}
			diags = append(diags, diagnostic.Diagnostic{
				Engine:     diagnostic.EngineTiming,
				Severity:   diagnostic.SeverityError,
				Summary:    "时序包络违反",
				Location:   loc,
				Tags:       tags,
				Suggestion: "请缩短路径上的设备时序，或放宽 must_complete_within 的阈值",
				Tiebreak:   tiebreak,
			})
			tiebreak++

		case ir.MustStartAfter:
			minInterval, _ := shortestPredecessorIntervalMs(rule.Scope, sm, taskByName)
			if minInterval >= rule.DurationMs {
				continue
			}
			var scopeText string
			if rule.Scope.Kind == ir.ScopeTask {
				scopeText = fmt.Sprintf("task.%s", rule.Scope.Task)
			} else {
				scopeText = fmt.Sprintf("task.%s.step.%s", rule.Scope.Task, rule.Scope.Step)
			}
			diags = append(diags, diagnostic.Diagnostic{
				Engine:   diagnostic.EngineTiming,
				Severity: diagnostic.SeverityError,
				Summary:  "时序包络违反",
				Location: loc,
				Tags: []diagnostic.Tag{
					{Label: "约束", Value: fmt.Sprintf("%s must_start_after %dms", scopeText, rule.DurationMs)},
					{Label: "分析", Value: fmt.Sprintf("所有能够进入该状态的转换中，最短保证延迟仅为 %dms", minInterval)},
					{Label: "结论", Value: fmt.Sprintf("最短保证延迟 %dms 小于所需的 %dms", minInterval, rule.DurationMs)},
				},
				Suggestion: "请在前置转换中加入更长的 timeout 或前置条件，增大最短保证延迟",
				Tiebreak:   tiebreak,
			})
			tiebreak++
		}
	}

	level := diagnostic.LevelPassed
	for _, d := range diags {
		if d.Severity == diagnostic.SeverityError {
			level = diagnostic.LevelFailed
			break
		}
	}
	return TimingReport{Level: level}, diags
}
