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

// CausalityReport is the JSON-facing summary of one Compile's causality
// check.
type CausalityReport struct {
	Level string `json:"level"`
}

// buildRuntimeGraph extends the topology's electrical/pneumatic/logical
// edges with one additional edge per `detects:` attribute, from the
// detected device to the sensor declaring it — the physical fact that a
// state change causally produces the sensor's reading.
func buildRuntimeGraph(prog *ast.Program, topology *ir.TopologyGraph) adjacency {
	adj := make(adjacency)
	for _, dev := range prog.Topology.Devices {
		adj[dev.Name] = append([]string(nil), topology.Successors(dev.Name)...)
	}
	for _, dev := range prog.Topology.Devices {
		if dev.HasDetects {
			adj.addEdge(dev.Detects.Device, dev.Name)
		}
	}
	return adj
}

func firstBrokenLink(chain []string, adj adjacency) (int, bool) {
	for i := 0; i < len(chain)-1; i++ {
		if !pathExists(chain[i], chain[i+1], adj) {
			return i, true
		}
	}
	return -1, false
}

func realizedPrefix(chain []string, breakIdx int, adj adjacency) string {
	var parts []string
	for i := 0; i < breakIdx; i++ {
		path, ok := bfsPath(chain[i], chain[i+1], adj)
		if !ok {
			break
		}
		if len(parts) == 0 {
			parts = append(parts, path...)
		} else {
			parts = append(parts, path[1:]...)
		}
	}
	parts = append(parts, "???")
	return strings.Join(parts, " -> ")
}

func suggestionForLink(from, to string) string {
	return fmt.Sprintf("请检查 %s 与 %s 之间是否缺少 connected_to 或 detects 声明", from, to)
}

func checkDeclaredChains(constraints ir.ConstraintSet, adj adjacency, file string, next func() int) []diagnostic.Diagnostic {
	var diags []diagnostic.Diagnostic
	for _, chain := range constraints.Causality {
		if len(chain.Devices) < 2 {
			continue
		}
		breakIdx, broken := firstBrokenLink(chain.Devices, adj)
		if !broken {
			continue
		}
		expected := strings.Join(chain.Devices, " -> ")
		actual := realizedPrefix(chain.Devices, breakIdx, adj)
		diags = append(diags, diagnostic.Diagnostic{
			Engine:   diagnostic.EngineCausality,
			Severity: diagnostic.SeverityError,
			Summary:  "因果链断裂",
			Location: diagnostic.Location{File: file, Line: chain.Line, Col: chain.Col},
			Tags: []diagnostic.Tag{
				{Label: "断裂链路", Value: fmt.Sprintf("%s -> %s", chain.Devices[breakIdx], chain.Devices[breakIdx+1])},
				{Label: "期望链路", Value: expected},
				{Label: "实际链路", Value: actual},
			},
			Suggestion: suggestionForLink(chain.Devices[breakIdx], chain.Devices[breakIdx+1]),
			Tiebreak:   next(),
		})
	}
	return diags
}

type actionWaitPair struct {
	actionText, actionTarget string
	waitText, sensor         string
	line, col                int
}

func collectActionsAndWaits(stmts []ast.Statement, actions *[]ast.ActionStatement, waits *[]ast.WaitStatement) {
	for _, s := range stmts {
		switch v := s.(type) {
		case ast.ActionStatement:
			*actions = append(*actions, v)
		case ast.WaitStatement:
			*waits = append(*waits, v)
		case ast.ParallelStatement:
			for _, b := range v.Branches {
				collectActionsAndWaits(b.Statements, actions, waits)
			}
		case ast.RaceStatement:
			for _, b := range v.Branches {
				collectActionsAndWaits(b.Statements, actions, waits)
			}
		}
	}
}

func inferWaitSensor(w ast.WaitStatement, sensors map[string]bool) (string, bool) {
	left := w.Condition.Left
	if sensors[left] {
		return left, true
	}
	if dot := strings.Index(left, "."); dot >= 0 {
		if dev := left[:dot]; sensors[dev] {
			return dev, true
		}
	}
	if w.Condition.Right.Kind == ast.LiteralState && sensors[w.Condition.Right.State.Device] {
		return w.Condition.Right.State.Device, true
	}
	return "", false
}

func actionText(a ast.ActionStatement) string {
	switch a.Kind {
	case ast.ActionExtend:
		return fmt.Sprintf("extend %s", a.Target)
	case ast.ActionRetract:
		return fmt.Sprintf("retract %s", a.Target)
	case ast.ActionSet:
		return fmt.Sprintf("set %s %s", a.Target, a.Value)
	}
	return ""
}

func collectActionWaitPairs(prog *ast.Program, sensors map[string]bool) []actionWaitPair {
	var pairs []actionWaitPair
	for _, task := range prog.Tasks.Tasks {
		for _, step := range task.Steps {
			var actions []ast.ActionStatement
			var waits []ast.WaitStatement
			collectActionsAndWaits(step.Statements, &actions, &waits)
			for _, a := range actions {
				if a.Kind == ast.ActionLog || a.Target == "" {
					continue
				}
				for _, w := range waits {
					sensor, ok := inferWaitSensor(w, sensors)
					if !ok {
						continue
					}
					pairs = append(pairs, actionWaitPair{
						actionText:   actionText(a),
						actionTarget: a.Target,
						waitText:     waitConditionText(w),
						sensor:       sensor,
						line:         step.Pos.Line,
						col:          step.Pos.Col,
					})
				}
			}
		}
	}
	return pairs
}

// matchDeclaredChain finds the shortest declared causality chain in which
// the pair's action device appears strictly before (or at) the wait's
// sensor. Matching against an authored chain lets the diagnostic reuse
// that chain's own break analysis instead of falling back to bare BFS.
func matchDeclaredChain(pair actionWaitPair, chains []ir.CausalityChain) (ir.CausalityChain, int, int, bool) {
	var best ir.CausalityChain
	bestLen := -1
	var bestI, bestJ int
	for _, chain := range chains {
		actionIdx, sensorIdx := -1, -1
		for i, d := range chain.Devices {
			if d == pair.actionTarget && actionIdx == -1 {
				actionIdx = i
			}
			if d == pair.sensor {
				sensorIdx = i
			}
		}
		if actionIdx == -1 || sensorIdx == -1 || actionIdx > sensorIdx {
			continue
		}
		if bestLen == -1 || len(chain.Devices) < bestLen {
			best, bestLen, bestI, bestJ = chain, len(chain.Devices), actionIdx, sensorIdx
		}
	}
	return best, bestI, bestJ, bestLen != -1
}

func checkActionWaitPairs(prog *ast.Program, constraints ir.ConstraintSet, adj adjacency, outputs []string, file string, next func() int) []diagnostic.Diagnostic {
	sensors := make(map[string]bool)
	for _, d := range prog.Topology.Devices {
		if d.Kind == ast.DeviceSensor {
			sensors[d.Name] = true
		}
	}

	var diags []diagnostic.Diagnostic
	for _, pair := range collectActionWaitPairs(prog, sensors) {
		if chain, i, j, ok := matchDeclaredChain(pair, constraints.Causality); ok {
			segment := chain.Devices[i : j+1]
			breakIdx, broken := firstBrokenLink(segment, adj)
			if !broken {
				continue
			}
			expected := strings.Join(segment, " -> ")
			actual := realizedPrefix(segment, breakIdx, adj)
			diags = append(diags, diagnostic.Diagnostic{
				Engine:   diagnostic.EngineCausality,
				Severity: diagnostic.SeverityError,
				Summary:  "因果链断裂",
				Location: diagnostic.Location{File: file, Line: pair.line, Col: pair.col},
				Tags: []diagnostic.Tag{
					{Label: "动作", Value: pair.actionText},
					{Label: "等待", Value: pair.waitText},
					{Label: "断裂链路", Value: fmt.Sprintf("%s -> %s", segment[breakIdx], segment[breakIdx+1])},
					{Label: "期望链路", Value: expected},
					{Label: "实际链路", Value: actual},
				},
				Suggestion: suggestionForLink(segment[breakIdx], segment[breakIdx+1]),
				Tiebreak:   next(),
			})
			continue
		}

		sourcePath, hasSource := shortestOutputPathToTarget(pair.actionTarget, outputs, adj)
		_, hasFeedback := bfsPath(pair.actionTarget, pair.sensor, adj)

		if hasSource && hasFeedback {
			continue
		}

		var broken, expected, actual, suggestion string
		switch {
		case !hasSource:
			broken = fmt.Sprintf("(output) -> %s", pair.actionTarget)
			expected = fmt.Sprintf("digital_output -> ... -> %s", pair.actionTarget)
			actual = "???"
			suggestion = fmt.Sprintf("请检查从某个 digital_output 到 %s 的 connected_to 链路", pair.actionTarget)
		default:
			broken = fmt.Sprintf("%s -> %s", pair.actionTarget, pair.sensor)
			expected = fmt.Sprintf("%s -> ... -> %s", pair.actionTarget, pair.sensor)
			actual = strings.Join(sourcePath, " -> ") + " -> ???"
			suggestion = fmt.Sprintf("请为 %s 添加 detects 或 connected_to 指向 %s", pair.actionTarget, pair.sensor)
		}

		diags = append(diags, diagnostic.Diagnostic{
			Engine:   diagnostic.EngineCausality,
			Severity: diagnostic.SeverityError,
			Summary:  "因果链断裂",
			Location: diagnostic.Location{File: file, Line: pair.line, Col: pair.col},
			Tags: []diagnostic.Tag{
				{Label: "动作", Value: pair.actionText},
				{Label: "等待", Value: pair.waitText},
				{Label: "断裂链路", Value: broken},
				{Label: "期望链路", Value: expected},
				{Label: "实际链路", Value: actual},
			},
			Suggestion: suggestion,
			Tiebreak:   next(),
		})
	}
	return diags
}

func shortestOutputPathToTarget(target string, outputs []string, adj adjacency) ([]string, bool) {
	var best []string
	found := false
	for _, out := range outputs {
		path, ok := bfsPath(out, target, adj)
		if ok && (!found || len(path) < len(best)) {
			best, found = path, true
		}
	}
	return best, found
}

// CheckCausality verifies declared causality chains and the implicit
// action-then-wait relationships inferred from every step's statements.
func CheckCausality(cfg config.Config, prog *ast.Program, topology *ir.TopologyGraph, constraints ir.ConstraintSet, file string) (CausalityReport, []diagnostic.Diagnostic) {
	log := cfg.Log()
	adj := buildRuntimeGraph(prog, topology)
	log.Debug("causality graph built", zap.Int("devices", len(adj)), zap.Int("declared_chains", len(constraints.Causality)))

	var outputs []string
	for _, d := range prog.Topology.Devices {
		if d.Kind == ast.DeviceDigitalOutput {
			outputs = append(outputs, d.Name)
		}
	}

	tiebreak := 0
	next := func() int { tiebreak++; return tiebreak - 1 }

	var diags []diagnostic.Diagnostic
	diags = append(diags, checkDeclaredChains(constraints, adj, file, next)...)
	diags = append(diags, checkActionWaitPairs(prog, constraints, adj, outputs, file, next)...)

	level := diagnostic.LevelPassed
	for _, d := range diags {
		if d.Severity == diagnostic.SeverityError {
			level = diagnostic.LevelFailed
			break
		}
	}
	return CausalityReport{Level: level}, diags
}
