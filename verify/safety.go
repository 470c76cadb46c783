package verify

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/ir"
	"github.com/rfielding/rustplc/kripke"
)

// SafetyReport is the JSON-facing summary of one Compile's safety check.
type SafetyReport struct {
	Level         string   `json:"level"`
	ExploredDepth uint64   `json:"explored_depth"`
	Warnings      []string `json:"warnings,omitempty"`
}

func defaultStatesForDeviceKind(k ir.DeviceKind) []string {
	if k == ir.DeviceCylinder {
		return []string{"extended", "retracted"}
	}
	return []string{"on", "off"}
}

type deviceDomain struct {
	name       string
	states     []string
	defaultIdx int
}

type modelEdge struct {
	from, to string
	effects  map[int]int // device index -> state index
	label    string
}

type safetyModel struct {
	controlStates []string
	initial       string
	edgesByFrom   map[string][]modelEdge
	devices       []deviceDomain
	deviceIndex   map[string]int
	stateIndex    []map[string]int // per device: state name -> index
	suggestedDepth uint64
}

func isParallelBranchState(step string) bool {
	return strings.Contains(step, "__parallel_") && strings.Contains(step, "_branch_")
}

func isParallelJoinState(step string) bool {
	return strings.Contains(step, "__parallel_") && strings.HasSuffix(step, "_join")
}

func stateKey(s ir.State) string { return s.TaskName + "." + s.StepName }

func buildSafetyModel(topology *ir.TopologyGraph, constraints ir.ConstraintSet, sm ir.StateMachine) *safetyModel {
	m := &safetyModel{deviceIndex: make(map[string]int)}

	extraStates := make(map[string][]string)
	for _, rule := range constraints.Safety {
		extraStates[rule.Left.Device] = append(extraStates[rule.Left.Device], rule.Left.State)
		extraStates[rule.Right.Device] = append(extraStates[rule.Right.Device], rule.Right.State)
	}

	for _, dev := range topology.Nodes {
		states := append([]string(nil), defaultStatesForDeviceKind(dev.Kind)...)
		seen := make(map[string]bool)
		for _, s := range states {
			seen[s] = true
		}
		for _, extra := range extraStates[dev.Name] {
			if !seen[extra] {
				states = append(states, extra)
				seen[extra] = true
			}
		}
		defaultIdx := 0
		for i, s := range states {
			if (dev.Kind == ir.DeviceCylinder && s == "retracted") || (dev.Kind != ir.DeviceCylinder && s == "off") {
				defaultIdx = i
			}
		}
		m.deviceIndex[dev.Name] = len(m.devices)
		m.devices = append(m.devices, deviceDomain{name: dev.Name, states: states, defaultIdx: defaultIdx})
	}

	m.stateIndex = make([]map[string]int, len(m.devices))
	for i, d := range m.devices {
		idx := make(map[string]int, len(d.states))
		for j, s := range d.states {
			idx[s] = j
		}
		m.stateIndex[i] = idx
	}

	if len(sm.States) == 0 {
		m.controlStates = []string{stateKey(sm.Initial)}
		m.initial = m.controlStates[0]
	} else {
		for _, s := range sm.States {
			m.controlStates = append(m.controlStates, stateKey(s))
		}
		m.initial = stateKey(sm.Initial)
	}

	m.edgesByFrom = make(map[string][]modelEdge)
	validState := make(map[string]bool, len(m.controlStates))
	for _, s := range m.controlStates {
		validState[s] = true
	}
	for _, t := range sm.Transitions {
		from, to := stateKey(t.From), stateKey(t.To)
		if !validState[from] || !validState[to] {
			continue
		}
		effects := make(map[int]int)
		for _, act := range t.Actions {
			devIdx, ok := m.deviceIndex[act.Target]
			if !ok {
				continue
			}
			var stateName string
			switch act.Action {
			case ir.ActionExtend:
				stateName = "extended"
			case ir.ActionRetract:
				stateName = "retracted"
			case ir.ActionSet:
				stateName = string(act.Value)
			default:
				continue
			}
			if stateIdx, ok := m.stateIndex[devIdx][stateName]; ok {
				effects[devIdx] = stateIdx
			}
		}
		edge := modelEdge{from: from, to: to, effects: effects, label: transitionLabel(t)}
		m.edgesByFrom[from] = append(m.edgesByFrom[from], edge)
	}

	for _, s := range m.controlStates {
		if len(m.edgesByFrom[s]) == 0 {
			m.edgesByFrom[s] = append(m.edgesByFrom[s], modelEdge{from: s, to: s, effects: map[int]int{}, label: "无出边，保持当前状态"})
		}
	}

	m.mergeParallelJoinEffects()
	m.suggestedDepth = m.sccMinimumDepth()
	return m
}

// mergeParallelJoinEffects unions the device-effects of every edge entering
// a parallel join state so a downstream conflict check sees a branch's
// effects regardless of which branch interleaving reached the join first.
func (m *safetyModel) mergeParallelJoinEffects() {
	incomingByJoin := make(map[string][]*modelEdge)
	for from := range m.edgesByFrom {
		edges := m.edgesByFrom[from]
		for i := range edges {
			if isParallelJoinState(edges[i].to) {
				incomingByJoin[edges[i].to] = append(incomingByJoin[edges[i].to], &edges[i])
			}
		}
	}
	for _, edges := range incomingByJoin {
		union := make(map[int]int)
		for _, e := range edges {
			for dev, st := range e.effects {
				union[dev] = st
			}
		}
		for _, e := range edges {
			for dev, st := range union {
				e.effects[dev] = st
			}
		}
	}
}

func (m *safetyModel) sccMinimumDepth() uint64 {
	adj := make(adjacency)
	for _, s := range m.controlStates {
		adj[s] = nil
		for _, e := range m.edgesByFrom[s] {
			adj.addEdge(s, e.to)
		}
	}
	components := stronglyConnectedComponents(m.controlStates, adj)
	depth := uint64(len(m.controlStates))
	for _, comp := range components {
		if hasCycle(comp, adj) {
			if need := uint64(len(comp) + 1); need > depth {
				depth = need
			}
		}
	}
	if depth < 1 {
		depth = 1
	}
	return depth
}

// stateSpaceSize returns the total number of concrete states (control
// state times every device's fact-vector domain) the model can occupy.
// Saturates at math.MaxUint64 on overflow rather than wrapping, so a huge
// device count never masquerades as a small, exhaustively-searchable space.
func (m *safetyModel) stateSpaceSize() uint64 {
	size := uint64(len(m.controlStates))
	for _, d := range m.devices {
		n := uint64(len(d.states))
		if n == 0 {
			continue
		}
		if size != 0 && n > math.MaxUint64/size {
			return math.MaxUint64
		}
		size *= n
	}
	return size
}

func guardName(g ir.TransitionGuard) string {
	switch g.Kind {
	case ir.GuardAlways:
		return "无条件"
	case ir.GuardCondition:
		return g.Expression
	case ir.GuardTimeout:
		return fmt.Sprintf("超时 %dms", g.DurationMs)
	}
	return ""
}

func actionName(a ir.TransitionAction) string {
	switch a.Action {
	case ir.ActionExtend:
		return fmt.Sprintf("extend %s", a.Target)
	case ir.ActionRetract:
		return fmt.Sprintf("retract %s", a.Target)
	case ir.ActionSet:
		return fmt.Sprintf("set %s %s", a.Target, a.Value)
	case ir.ActionLog:
		return fmt.Sprintf("log %q", a.Message)
	}
	return ""
}

func transitionLabel(t ir.Transition) string {
	label := guardName(t.Guard)
	if len(t.Actions) > 0 {
		names := make([]string, len(t.Actions))
		for i, a := range t.Actions {
			names[i] = actionName(a)
		}
		label = fmt.Sprintf("%s；动作: %s", label, strings.Join(names, ", "))
	}
	return label
}

type pathStep struct {
	from, label, to string
}

func concreteKey(control string, deviceStates []int) string {
	var sb strings.Builder
	sb.WriteString(control)
	for _, s := range deviceStates {
		fmt.Fprintf(&sb, "|%d", s)
	}
	return sb.String()
}

func applyEffects(ds []int, effects map[int]int) []int {
	out := append([]int(nil), ds...)
	for dev, st := range effects {
		out[dev] = st
	}
	return out
}

type parentEdge struct {
	from, label string
}

// analyzeRule performs a breadth-first expansion of the model's concrete
// state space (control state plus every device's fact vector) from its
// initial state, bounded by maxDepth, recording the explored region as a
// package kripke Kripke structure keyed by the concrete state encoding.
// Reachability of a conflict is then decided by kripke.EF, the same least-
// fixpoint machinery package kripke's CTL evaluator uses for any EF query
// -- generalized here from an uninterpreted StateID to a PLC composite
// state (see DESIGN.md). "fully explored" distinguishes a complete proof
// (the whole reachable space was enumerated within maxDepth, which
// CheckSafety sets high enough to guarantee this whenever the space is
// small enough per ExhaustiveThreshold) from a merely bounded one where
// maxDepth cut the search short of the state space's true diameter.
func analyzeRule(m *safetyModel, leftDev, leftState, rightDev, rightState int, maxDepth uint64) ([]pathStep, string, bool, bool) {
	initDS := make([]int, len(m.devices))
	for i, d := range m.devices {
		initDS[i] = d.defaultIdx
	}
	initKey := concreteKey(m.initial, initDS)

	depthOf := map[string]uint64{initKey: 0}
	dsOf := map[string][]int{initKey: initDS}
	controlOf := map[string]string{initKey: m.initial}
	parent := map[string]parentEdge{}
	graph := kripke.Graph{Succ: make(map[kripke.StateID][]kripke.StateID)}

	queue := []string{initKey}
	fullyExplored := true

	conflicts := func(ds []int) bool {
		return ds[leftDev] == leftState && ds[rightDev] == rightState
	}

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		graph.States = append(graph.States, kripke.StateID(key))
		depth := depthOf[key]

		if depth >= maxDepth {
			for _, e := range m.edgesByFrom[controlOf[key]] {
				nds := applyEffects(dsOf[key], e.effects)
				nkey := concreteKey(e.to, nds)
				if _, seen := depthOf[nkey]; !seen {
					fullyExplored = false
				}
			}
			continue
		}

		for _, e := range m.edgesByFrom[controlOf[key]] {
			nds := applyEffects(dsOf[key], e.effects)
			nkey := concreteKey(e.to, nds)
			graph.Succ[kripke.StateID(key)] = append(graph.Succ[kripke.StateID(key)], kripke.StateID(nkey))
			if prevDepth, seen := depthOf[nkey]; seen && prevDepth <= depth+1 {
				continue
			}
			depthOf[nkey] = depth + 1
			dsOf[nkey] = nds
			controlOf[nkey] = e.to
			parent[nkey] = parentEdge{from: key, label: e.label}
			queue = append(queue, nkey)
		}
	}

	atom := kripke.NewStateSet()
	for key, ds := range dsOf {
		if conflicts(ds) {
			atom.Add(kripke.StateID(key))
		}
	}
	sat := kripke.EF{F: kripke.Atom{States: atom}}.Sat(&graph)
	if !sat.Has(kripke.StateID(initKey)) {
		return nil, "", false, fullyExplored
	}

	target, ok := nearestConflictState(atom, depthOf)
	if !ok {
		return nil, "", false, fullyExplored
	}

	var steps []pathStep
	for cur := target; cur != initKey; {
		pe, ok := parent[cur]
		if !ok {
			break
		}
		steps = append(steps, pathStep{from: controlOf[pe.from], label: pe.label, to: controlOf[cur]})
		cur = pe.from
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps, controlOf[target], true, fullyExplored
}

// nearestConflictState picks the shallowest state satisfying the conflict
// atom, breaking ties on the concrete state key so the chosen counter-
// example is stable across runs (compile must be a pure function).
func nearestConflictState(atom kripke.StateSet, depthOf map[string]uint64) (string, bool) {
	bestDepth := ^uint64(0)
	var candidates []string
	for id := range atom {
		key := string(id)
		d := depthOf[key]
		switch {
		case d < bestDepth:
			bestDepth = d
			candidates = []string{key}
		case d == bestDepth:
			candidates = append(candidates, key)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

func renderCounterexampleDetail(m *safetyModel, initial string, path []pathStep, conflictState string, left, leftState, rightDetail string) string {
	lines := []string{fmt.Sprintf("初始状态 %s", initial)}
	for i, st := range path {
		lines = append(lines, fmt.Sprintf("%d. %s --[%s]--> %s", i+1, st.from, st.label, st.to))
	}
	lines = append(lines, fmt.Sprintf("在 %s 检测到违反：%s.%s 为真，且 %s", conflictState, left, leftState, rightDetail))
	return strings.Join(lines, "\n    ")
}

// otherStateIndex returns the index of any state of dev other than
// exclude, used to build the complement proposition ¬B for a `requires`
// rule ("B does not hold" means "dev is in some state other than B's").
// When the device has exactly the two states modeled by
// defaultStatesForDeviceKind this is unambiguous.
func otherStateIndex(dom deviceDomain, exclude int) (int, bool) {
	for i := range dom.states {
		if i != exclude {
			return i, true
		}
	}
	return 0, false
}

// CheckSafety verifies every `conflicts_with` and `requires` safety rule,
// returning a JSON-facing report plus the diagnostics for any rule found
// violated. `conflicts_with(A, B)` is checked as reachability of A ∧ B;
// `requires(A, B)` is checked analogously as reachability of A ∧ ¬B (spec.md
// §4.3), using the complement of B's device state as the negation witness.
func CheckSafety(cfg config.Config, topology *ir.TopologyGraph, constraints ir.ConstraintSet, sm ir.StateMachine, file string) (SafetyReport, []diagnostic.Diagnostic) {
	log := cfg.Log()
	model := buildSafetyModel(topology, constraints, sm)

	totalStates := model.stateSpaceSize()
	exhaustive := cfg.ExhaustiveThreshold > 0 && totalStates > 0 && totalStates <= cfg.ExhaustiveThreshold

	var effectiveDepth uint64
	var planWarnings []string
	if exhaustive {
		// The longest shortest path between any two states in a graph of
		// totalStates states is always < totalStates, so this depth is
		// guaranteed to visit the entire reachable space exactly once.
		effectiveDepth = totalStates
	} else {
		effectiveDepth = model.suggestedDepth
		if cfg.BMCMaxDepth > 0 && cfg.BMCMaxDepth < effectiveDepth {
			planWarnings = append(planWarnings, fmt.Sprintf(
				"bmc_max_depth=%d 小于基于状态数与环路分析建议的深度 %d，证明可能不完整，建议提高 bmc_max_depth", cfg.BMCMaxDepth, effectiveDepth))
			effectiveDepth = cfg.BMCMaxDepth
		}
	}
	if effectiveDepth < 1 {
		effectiveDepth = 1
	}
	log.Debug("safety depth selected",
		zap.Uint64("total_state_space", totalStates),
		zap.Bool("exhaustive", exhaustive),
		zap.Uint64("suggested_depth", model.suggestedDepth),
		zap.Uint64("effective_depth", effectiveDepth),
		zap.Int("control_states", len(model.controlStates)))

	var diags []diagnostic.Diagnostic
	checkedRules := 0
	allComplete := true

	for ruleIdx, rule := range constraints.Safety {
		leftDevIdx, lok := model.deviceIndex[rule.Left.Device]
		rightDevIdx, rok := model.deviceIndex[rule.Right.Device]
		if !lok || !rok {
			continue
		}
		leftStateIdx, lsok := model.stateIndex[leftDevIdx][rule.Left.State]
		rightStateIdx, rsok := model.stateIndex[rightDevIdx][rule.Right.State]
		if !lsok || !rsok {
			continue
		}

		var summary, suggestion string
		var renderRight string
		var checkRightIdx int
		switch rule.Relation {
		case ir.ConflictsWith:
			checkRightIdx = rightStateIdx
			summary = "状态互斥违反"
			suggestion = "请检查触发该冲突的转换，增加互锁条件或重新排序动作"
			renderRight = fmt.Sprintf("%s.%s 同时为真", rule.Right.Device, rule.Right.State)
		case ir.Requires:
			negIdx, ok := otherStateIndex(model.devices[rightDevIdx], rightStateIdx)
			if !ok {
				continue
			}
			checkRightIdx = negIdx
			summary = "前提条件违反"
			suggestion = "请在进入左侧状态前确保右侧前提状态已建立"
			renderRight = fmt.Sprintf("%s 处于 %s（而非 %s）", rule.Right.Device, model.devices[rightDevIdx].states[negIdx], rule.Right.State)
		default:
			continue
		}
		checkedRules++

		path, conflictState, found, fullyExplored := analyzeRule(model, leftDevIdx, leftStateIdx, rightDevIdx, checkRightIdx, effectiveDepth)
		if !fullyExplored {
			allComplete = false
		}
		if !found {
			continue
		}

		constraintText := fmt.Sprintf("%s.%s %s %s.%s", rule.Left.Device, rule.Left.State, rule.Relation, rule.Right.Device, rule.Right.State)
		if rule.Reason != "" {
			constraintText += fmt.Sprintf("（%s）", rule.Reason)
		}

		diags = append(diags, diagnostic.Diagnostic{
			Engine:   diagnostic.EngineSafety,
			Severity: diagnostic.SeverityError,
			Summary:  summary,
			Location: diagnostic.Location{File: file, Line: rule.Line, Col: rule.Col},
			Tags: []diagnostic.Tag{
				{Label: "约束", Value: constraintText},
				{Label: "违反路径", Value: renderCounterexampleDetail(model, model.initial, path, conflictState, rule.Left.Device, rule.Left.State, renderRight)},
			},
			Suggestion: suggestion,
			Tiebreak:   ruleIdx,
		})
	}

	var level string
	var reportWarnings []string
	switch {
	case len(diags) > 0:
		level = diagnostic.LevelFailed
	case checkedRules > 0 && !allComplete:
		level = diagnostic.LevelBoundedVerification
		reportWarnings = append(reportWarnings, fmt.Sprintf("在探索深度 %d 内未发现违反，但状态空间未完全探索完毕，建议提高 bmc_max_depth 以获得完备证明", effectiveDepth))
	default:
		level = diagnostic.LevelCompleteProof
	}
	reportWarnings = append(reportWarnings, planWarnings...)
	sort.Strings(reportWarnings)

	return SafetyReport{Level: level, ExploredDepth: effectiveDepth, Warnings: reportWarnings}, diags
}
