package verify

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/rfielding/rustplc/ast"
	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/ir"
)

// LivenessReport is the JSON-facing summary of one Compile's liveness
// check. Unlike safety, this engine's four checks are exhaustive rather
// than depth-bounded, so there is no explored_depth to report.
type LivenessReport struct {
	Level string `json:"level"`
}

// CheckLiveness runs four independent checks over the program and its
// lowered state machine, accumulating diagnostics from all of them rather
// than stopping at the first: a step that waits forever with no escape, a
// task whose on_complete:unreachable isn't actually guaranteed, a
// non-terminal state with nowhere to go, and a cycle in the control graph
// with no timeout or allow_indefinite_wait anywhere along it.
func CheckLiveness(cfg config.Config, prog *ast.Program, sm ir.StateMachine, file string) (LivenessReport, []diagnostic.Diagnostic) {
	log := cfg.Log()
	var diags []diagnostic.Diagnostic
	tiebreak := 0
	next := func() int { tiebreak++; return tiebreak - 1 }

	taskByName := make(map[string]ast.Task, len(prog.Tasks.Tasks))
	for _, t := range prog.Tasks.Tasks {
		taskByName[t.Name] = t
	}

	diags = append(diags, checkWaitTimeoutOrAllow(prog, file, next)...)
	diags = append(diags, checkUnreachableOnComplete(prog, file, next)...)
	diags = append(diags, checkNonTerminalZeroOutDegree(sm, taskByName, file, next)...)
	sccDiags := checkStronglyConnectedComponents(prog, sm, taskByName, file, next)
	log.Debug("liveness scc pass complete", zap.Int("control_states", len(sm.States)), zap.Int("diagnostics", len(sccDiags)))
	diags = append(diags, sccDiags...)

	level := diagnostic.LevelPassed
	for _, d := range diags {
		if d.Severity == diagnostic.SeverityError {
			level = diagnostic.LevelFailed
			break
		}
	}
	return LivenessReport{Level: level}, diags
}

type stepLivenessFacts struct {
	waits         []string
	hasTimeout    bool
	hasAllowWait  bool
}

func collectStepLivenessFacts(stmts []ast.Statement) stepLivenessFacts {
	var f stepLivenessFacts
	for _, s := range stmts {
		switch v := s.(type) {
		case ast.WaitStatement:
			f.waits = append(f.waits, waitConditionText(v))
		case ast.TimeoutStatement:
			f.hasTimeout = true
		case ast.AllowIndefiniteWaitStatement:
			if v.Value {
				f.hasAllowWait = true
			}
		case ast.ParallelStatement:
			for _, b := range v.Branches {
				sub := collectStepLivenessFacts(b.Statements)
				f.waits = append(f.waits, sub.waits...)
				f.hasTimeout = f.hasTimeout || sub.hasTimeout
				f.hasAllowWait = f.hasAllowWait || sub.hasAllowWait
			}
		case ast.RaceStatement:
			for _, b := range v.Branches {
				sub := collectStepLivenessFacts(b.Statements)
				f.waits = append(f.waits, sub.waits...)
				f.hasTimeout = f.hasTimeout || sub.hasTimeout
				f.hasAllowWait = f.hasAllowWait || sub.hasAllowWait
			}
		}
	}
	return f
}

func waitConditionText(w ast.WaitStatement) string {
	op := "=="
	if w.Condition.Operator == ast.OpNeq {
		op = "!="
	}
	return fmt.Sprintf("%s %s %s", w.Condition.Left, op, literalText(w.Condition.Right))
}

func literalText(l ast.Literal) string {
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

func checkWaitTimeoutOrAllow(prog *ast.Program, file string, next func() int) []diagnostic.Diagnostic {
	var diags []diagnostic.Diagnostic
	for _, task := range prog.Tasks.Tasks {
		for _, step := range task.Steps {
			facts := collectStepLivenessFacts(step.Statements)
			if len(facts.waits) == 0 || facts.hasTimeout || facts.hasAllowWait {
				continue
			}
			for _, waitExpr := range facts.waits {
				diags = append(diags, diagnostic.Diagnostic{
					Engine:   diagnostic.EngineLiveness,
					Severity: diagnostic.SeverityError,
					Summary:  "潜在死锁",
					Location: diagnostic.Location{File: file, Line: step.Pos.Line, Col: step.Pos.Col},
					Tags: []diagnostic.Tag{
						{Label: "原因", Value: fmt.Sprintf("%s.%s 中的等待条件 %q 没有超时或 allow_indefinite_wait，一旦条件永不成立将永久阻塞", task.Name, step.Name, waitExpr)},
						{Label: "物理分析", Value: "若等待的传感器反馈永不到达（设备故障或断连），该 task 将无法继续执行"},
					},
					Suggestion: "为该等待添加 timeout 分支，或显式声明 allow_indefinite_wait: true",
					Tiebreak:   next(),
				})
			}
		}
	}
	return diags
}

type flowSummary struct {
	hasJump, hasNonJump bool
}

func (f flowSummary) guaranteesJump() bool { return f.hasJump && !f.hasNonJump }

func mergeFlow(a, b flowSummary) flowSummary {
	return flowSummary{hasJump: a.hasJump || b.hasJump, hasNonJump: a.hasNonJump || b.hasNonJump}
}

func summarizeStatements(stmts []ast.Statement, completionIsJump bool) flowSummary {
	var summary flowSummary
	hasControlFlow := false
	for _, s := range stmts {
		switch v := s.(type) {
		case ast.GotoStatement:
			hasControlFlow = true
			summary.hasJump = true
		case ast.TimeoutStatement:
			hasControlFlow = true
			summary.hasJump = true
		case ast.WaitStatement:
			hasControlFlow = true
			if completionIsJump {
				summary.hasJump = true
			} else {
				summary.hasNonJump = true
			}
		case ast.ParallelStatement:
			hasControlFlow = true
			for _, b := range v.Branches {
				summary = mergeFlow(summary, summarizeStatements(b.Statements, completionIsJump))
			}
		case ast.RaceStatement:
			hasControlFlow = true
			for _, b := range v.Branches {
				branchCompletionIsJump := completionIsJump || b.HasThen
				summary = mergeFlow(summary, summarizeStatements(b.Statements, branchCompletionIsJump))
			}
		}
	}
	if !hasControlFlow {
		if completionIsJump {
			summary.hasJump = true
		} else {
			summary.hasNonJump = true
		}
	}
	return summary
}

func checkUnreachableOnComplete(prog *ast.Program, file string, next func() int) []diagnostic.Diagnostic {
	var diags []diagnostic.Diagnostic
	for _, task := range prog.Tasks.Tasks {
		if !task.HasOnComplete || task.OnComplete.Kind != ast.OnCompleteUnreachable || len(task.Steps) == 0 {
			continue
		}
		last := task.Steps[len(task.Steps)-1]
		summary := summarizeStatements(last.Statements, false)
		if summary.guaranteesJump() {
			continue
		}
		diags = append(diags, diagnostic.Diagnostic{
			Engine:   diagnostic.EngineLiveness,
			Severity: diagnostic.SeverityError,
			Summary:  "潜在死锁",
			Location: diagnostic.Location{File: file, Line: task.OnCompletePos.Line, Col: task.OnCompletePos.Col},
			Tags: []diagnostic.Tag{
				{Label: "原因", Value: fmt.Sprintf("task %s 声明 on_complete: unreachable，但最后一步 %s 存在不跳转就结束的路径", task.Name, last.Name)},
				{Label: "物理分析", Value: "执行流可能落入一个没有后继转换的步骤，导致该 task 永久停滞"},
			},
			Suggestion: "为最后一步的每条路径补充 goto 或 timeout，确保执行流总能离开该步骤",
			Tiebreak:   next(),
		})
	}
	return diags
}

func baseStepName(step string) string {
	if idx := strings.Index(step, "__"); idx >= 0 {
		return step[:idx]
	}
	return step
}

func isTerminalState(s ir.State, taskByName map[string]ast.Task) bool {
	task, ok := taskByName[s.TaskName]
	if !ok || len(task.Steps) == 0 {
		return false
	}
	base := baseStepName(s.StepName)
	last := task.Steps[len(task.Steps)-1]
	return last.Name == base && !task.HasOnComplete
}

func checkNonTerminalZeroOutDegree(sm ir.StateMachine, taskByName map[string]ast.Task, file string, next func() int) []diagnostic.Diagnostic {
	outDegree := make(map[ir.State]int, len(sm.States))
	for _, s := range sm.States {
		outDegree[s] = 0
	}
	for _, t := range sm.Transitions {
		outDegree[t.From]++
	}

	var diags []diagnostic.Diagnostic
	for _, s := range sm.States {
		if outDegree[s] != 0 || isTerminalState(s, taskByName) {
			continue
		}
		line := stateLine(s, taskByName)
		diags = append(diags, diagnostic.Diagnostic{
			Engine:   diagnostic.EngineLiveness,
			Severity: diagnostic.SeverityError,
			Summary:  "潜在死锁",
			Location: diagnostic.Location{File: file, Line: line, Col: 1},
			Tags: []diagnostic.Tag{
				{Label: "原因", Value: fmt.Sprintf("状态 %s.%s 没有任何出边，且不是该 task 预期的终止步骤", s.TaskName, s.StepName)},
				{Label: "物理分析", Value: "执行流进入该步骤后将无法继续，设备将停在半完成状态"},
			},
			Suggestion: "为该步骤补充 goto、timeout 或等待条件以离开该状态",
			Tiebreak:   next(),
		})
	}
	return diags
}

func stateLine(s ir.State, taskByName map[string]ast.Task) int {
	task, ok := taskByName[s.TaskName]
	if !ok {
		return 1
	}
	for _, step := range task.Steps {
		if step.Name == s.StepName {
			return step.Pos.Line
		}
	}
	base := baseStepName(s.StepName)
	for _, step := range task.Steps {
		if step.Name == base {
			return step.Pos.Line
		}
	}
	return task.Pos.Line
}

func collectAllowWaitStates(prog *ast.Program) map[string]bool {
	allow := make(map[string]bool)
	for _, task := range prog.Tasks.Tasks {
		for _, step := range task.Steps {
			if collectStepLivenessFacts(step.Statements).hasAllowWait {
				allow[task.Name+"."+step.Name] = true
			}
		}
	}
	return allow
}

func checkStronglyConnectedComponents(prog *ast.Program, sm ir.StateMachine, taskByName map[string]ast.Task, file string, next func() int) []diagnostic.Diagnostic {
	allowWaitSteps := collectAllowWaitStates(prog)

	adj := make(adjacency)
	isTimeoutEdge := make(map[string]bool) // "from|to" -> true
	sourceAllowsWait := make(map[string]bool)
	var nodes []string
	seen := make(map[string]bool)
	for _, s := range sm.States {
		key := stateKey(s)
		if !seen[key] {
			seen[key] = true
			nodes = append(nodes, key)
		}
	}
	for _, t := range sm.Transitions {
		from, to := stateKey(t.From), stateKey(t.To)
		adj.addEdge(from, to)
		edgeKey := from + "|" + to
		if t.Guard.Kind == ir.GuardTimeout {
			isTimeoutEdge[edgeKey] = true
		}
		if allowWaitSteps[from] || allowWaitSteps[baseKeyOf(from)] {
			sourceAllowsWait[edgeKey] = true
		}
	}

	components := stronglyConnectedComponents(nodes, adj)
	var diags []diagnostic.Diagnostic
	for _, comp := range components {
		if !hasCycle(comp, adj) {
			continue
		}
		escapes := false
		for _, from := range comp {
			for _, to := range adj[from] {
				edgeKey := from + "|" + to
				if isTimeoutEdge[edgeKey] || sourceAllowsWait[edgeKey] {
					escapes = true
				}
			}
		}
		if escapes {
			continue
		}

		sortedComp := append([]string(nil), comp...)
		sort.Strings(sortedComp)
		minLine := -1
		for _, key := range sortedComp {
			for _, s := range sm.States {
				if stateKey(s) == key {
					line := stateLine(s, taskByName)
					if minLine == -1 || line < minLine {
						minLine = line
					}
				}
			}
		}
		if minLine == -1 {
			minLine = 1
		}

		diags = append(diags, diagnostic.Diagnostic{
			Engine:   diagnostic.EngineLiveness,
			Severity: diagnostic.SeverityError,
			Summary:  "潜在死锁",
			Location: diagnostic.Location{File: file, Line: minLine, Col: 1},
			Tags: []diagnostic.Tag{
				{Label: "原因", Value: fmt.Sprintf("状态循环 {%s} 中没有任何超时或 allow_indefinite_wait 作为逃生出口", strings.Join(sortedComp, ", "))},
				{Label: "物理分析", Value: "若循环内的等待条件恰好始终不成立，执行流将在这些状态间无限循环而无法前进"},
			},
			Suggestion: "为循环中的至少一条转换添加 timeout，或在相应步骤声明 allow_indefinite_wait: true",
			Tiebreak:   next(),
		})
	}
	return diags
}

// baseKeyOf strips a synthetic parallel/race substate suffix from a
// "task.step" key so it can be matched against the originating step's
// allow_indefinite_wait declaration.
func baseKeyOf(key string) string {
	dot := strings.Index(key, ".")
	if dot < 0 {
		return key
	}
	task, step := key[:dot], key[dot+1:]
	return task + "." + baseStepName(step)
}
