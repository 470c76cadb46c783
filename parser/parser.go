// Package parser implements a hand-written recursive-descent parser over
// the token stream produced by package lexer, yielding an ast.Program.
//
// The grammar requires exactly three ordered sections --
// [topology], [constraints], [tasks] -- any deviation is a single syntax
// error (spec.md §4.1).
package parser

import (
	"fmt"

	"github.com/rfielding/rustplc/ast"
	"github.com/rfielding/rustplc/lexer"
)

// Parse lexes and parses a complete .plc source file.
func Parse(source, file string) (*ast.Program, error) {
	toks, err := lexer.New(source, file).Tokenize()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, file: file}
	return p.parseProgram()
}

type parser struct {
	toks []lexer.Token
	pos  int
	file string
}

func (p *parser) cur() lexer.Token  { return p.toks[p.pos] }
func (p *parser) at(k lexer.TokenKind) bool { return p.cur().Kind == k }

func (p *parser) advance() lexer.Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) pos_() ast.Pos {
	t := p.cur()
	return ast.Pos{File: p.file, Line: t.Line, Col: t.Col}
}

func (p *parser) errf(format string, args ...interface{}) error {
	t := p.cur()
	return &lexer.SyntaxError{File: p.file, Line: t.Line, Col: t.Col, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(k lexer.TokenKind) (lexer.Token, error) {
	if !p.at(k) {
		return lexer.Token{}, p.errf("expected %s, found %s %q", k, p.cur().Kind, p.cur().Text)
	}
	return p.advance(), nil
}

func (p *parser) expectIdentText(text string) error {
	if !p.at(lexer.TokIdent) || p.cur().Text != text {
		return p.errf("expected %q, found %q", text, p.cur().Text)
	}
	p.advance()
	return nil
}

func (p *parser) identIs(text string) bool {
	return p.at(lexer.TokIdent) && p.cur().Text == text
}

// --- top level ---

func (p *parser) parseProgram() (*ast.Program, error) {
	if err := p.expectSectionHeader("topology"); err != nil {
		return nil, err
	}
	topology, err := p.parseTopologySection()
	if err != nil {
		return nil, err
	}

	if err := p.expectSectionHeader("constraints"); err != nil {
		return nil, err
	}
	constraints, err := p.parseConstraintsSection()
	if err != nil {
		return nil, err
	}

	if err := p.expectSectionHeader("tasks"); err != nil {
		return nil, err
	}
	tasks, err := p.parseTasksSection()
	if err != nil {
		return nil, err
	}

	if !p.at(lexer.TokEOF) {
		return nil, p.errf("unexpected trailing input after [tasks] section: %q", p.cur().Text)
	}

	return &ast.Program{Topology: *topology, Constraints: *constraints, Tasks: *tasks}, nil
}

func (p *parser) expectSectionHeader(name string) error {
	if _, err := p.expect(lexer.TokLBracket); err != nil {
		return p.errf("expected [%s] section header, found %q", name, p.cur().Text)
	}
	if err := p.expectIdentText(name); err != nil {
		return p.errf("expected [%s] section header (sections must appear in order topology, constraints, tasks)", name)
	}
	if _, err := p.expect(lexer.TokRBracket); err != nil {
		return err
	}
	return nil
}

// atSectionHeader reports whether the current token is "[", the start of a
// section header, without consuming it -- used to know when a section body
// has ended.
func (p *parser) atSectionHeader() bool {
	return p.at(lexer.TokLBracket)
}

// --- [topology] ---

func (p *parser) parseTopologySection() (*ast.TopologySection, error) {
	var devices []ast.Device
	for !p.atSectionHeader() && !p.at(lexer.TokEOF) {
		dev, err := p.parseDevice()
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return &ast.TopologySection{Devices: devices}, nil
}

var deviceKindByText = map[string]ast.DeviceKind{
	"digital_output": ast.DeviceDigitalOutput,
	"digital_input":  ast.DeviceDigitalInput,
	"solenoid_valve": ast.DeviceSolenoidValve,
	"cylinder":       ast.DeviceCylinder,
	"sensor":         ast.DeviceSensor,
	"motor":          ast.DeviceMotor,
}

func (p *parser) parseDevice() (*ast.Device, error) {
	pos := p.pos_()
	if err := p.expectIdentText("device"); err != nil {
		return nil, err
	}
	nameTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.TokColon); err != nil {
		return nil, err
	}
	kindTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	kind, ok := deviceKindByText[kindTok.Text]
	if !ok {
		return nil, p.errf("unknown device kind %q", kindTok.Text)
	}

	dev := &ast.Device{Name: nameTok.Text, Kind: kind, Pos: pos}

	if p.at(lexer.TokLBrace) {
		if err := p.parseDeviceAttributes(dev); err != nil {
			return nil, err
		}
	}
	return dev, nil
}

func (p *parser) parseDeviceAttributes(dev *ast.Device) error {
	if _, err := p.expect(lexer.TokLBrace); err != nil {
		return err
	}
	for !p.at(lexer.TokRBrace) {
		keyTok, err := p.expect(lexer.TokIdent)
		if err != nil {
			return err
		}
		if _, err := p.expect(lexer.TokColon); err != nil {
			return err
		}
		if err := p.parseDeviceAttribute(dev, keyTok.Text); err != nil {
			return err
		}
		if p.at(lexer.TokComma) {
			p.advance()
		}
	}
	_, err := p.expect(lexer.TokRBrace)
	return err
}

func (p *parser) parseDeviceAttribute(dev *ast.Device, key string) error {
	switch key {
	case "connected_to":
		tok, err := p.expect(lexer.TokIdent)
		if err != nil {
			return err
		}
		dev.ConnectedTo = tok.Text
		dev.HasConnectedTo = true
	case "detects":
		ref, err := p.parseStateRef()
		if err != nil {
			return err
		}
		dev.Detects = *ref
		dev.HasDetects = true
	case "response_time":
		d, err := p.parseDuration()
		if err != nil {
			return err
		}
		dev.ResponseTime = *d
		dev.HasResponseTime = true
	case "stroke_time":
		d, err := p.parseDuration()
		if err != nil {
			return err
		}
		dev.StrokeTime = *d
		dev.HasStrokeTime = true
	case "retract_time":
		d, err := p.parseDuration()
		if err != nil {
			return err
		}
		dev.RetractTime = *d
		dev.HasRetractTime = true
	case "ramp_time":
		d, err := p.parseDuration()
		if err != nil {
			return err
		}
		dev.RampTime = *d
		dev.HasRampTime = true
	case "debounce":
		d, err := p.parseDuration()
		if err != nil {
			return err
		}
		dev.Debounce = *d
		dev.HasDebounce = true
	case "inverted":
		v, err := p.parseBool()
		if err != nil {
			return err
		}
		dev.Inverted = v
		dev.HasInverted = true
	case "type":
		tok, err := p.expect(lexer.TokString)
		if err != nil {
			return err
		}
		dev.Type = tok.Text
		dev.HasType = true
	case "stroke":
		// numeric measured value with a unit identifier, e.g. `50 mm`; kept as raw text.
		numTok, err := p.expect(lexer.TokNumber)
		if err != nil {
			return err
		}
		unit := ""
		if p.at(lexer.TokIdent) {
			unit = p.advance().Text
		}
		dev.Stroke = fmt.Sprintf("%g%s", numTok.Num, unit)
		dev.HasStroke = true
	case "rated_speed":
		numTok, err := p.expect(lexer.TokNumber)
		if err != nil {
			return err
		}
		if p.at(lexer.TokIdent) {
			p.advance()
		}
		_ = numTok
	default:
		return p.errf("unknown device attribute %q", key)
	}
	return nil
}

func (p *parser) parseStateRef() (*ast.StateRef, error) {
	pos := p.pos_()
	devTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.TokDot); err != nil {
		return nil, err
	}
	stateTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	return &ast.StateRef{Device: devTok.Text, State: stateTok.Text, Pos: pos}, nil
}

func (p *parser) parseDuration() (*ast.Duration, error) {
	pos := p.pos_()
	tok, err := p.expect(lexer.TokDuration)
	if err != nil {
		return nil, err
	}
	unit := ast.UnitMs
	if tok.Unit == "s" {
		unit = ast.UnitS
	}
	return &ast.Duration{Value: tok.Dur, Unit: unit, Pos: pos}, nil
}

func (p *parser) parseBool() (bool, error) {
	tok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return false, err
	}
	switch tok.Text {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, p.errf("expected boolean literal, found %q", tok.Text)
	}
}

// --- [constraints] ---

func (p *parser) parseConstraintsSection() (*ast.ConstraintsSection, error) {
	section := &ast.ConstraintsSection{}
	for !p.atSectionHeader() && !p.at(lexer.TokEOF) {
		pos := p.pos_()
		kind, err := p.expect(lexer.TokIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.TokColon); err != nil {
			return nil, err
		}
		switch kind.Text {
		case "safety":
			c, err := p.parseSafetyConstraint(pos)
			if err != nil {
				return nil, err
			}
			section.Safety = append(section.Safety, *c)
		case "timing":
			c, err := p.parseTimingConstraint(pos)
			if err != nil {
				return nil, err
			}
			section.Timing = append(section.Timing, *c)
		case "causality":
			c, err := p.parseCausalityConstraint(pos)
			if err != nil {
				return nil, err
			}
			section.Causality = append(section.Causality, *c)
		default:
			return nil, p.errf("unknown constraint family %q (expected safety, timing, or causality)", kind.Text)
		}
	}
	return section, nil
}

func (p *parser) parseSafetyConstraint(pos ast.Pos) (*ast.SafetyConstraint, error) {
	left, err := p.parseStateRef()
	if err != nil {
		return nil, err
	}
	relTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	var rel ast.SafetyRelation
	switch relTok.Text {
	case "conflicts_with":
		rel = ast.ConflictsWith
	case "requires":
		rel = ast.Requires
	default:
		return nil, p.errf("unknown safety relation %q", relTok.Text)
	}
	right, err := p.parseStateRef()
	if err != nil {
		return nil, err
	}
	reason, err := p.parseOptionalReason()
	if err != nil {
		return nil, err
	}
	return &ast.SafetyConstraint{Left: *left, Relation: rel, Right: *right, Reason: reason, Pos: pos}, nil
}

func (p *parser) parseTimingConstraint(pos ast.Pos) (*ast.TimingConstraint, error) {
	if err := p.expectIdentText("task"); err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.TokDot); err != nil {
		return nil, err
	}
	taskTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	scope := ast.TimingScope{Task: taskTok.Text}
	if p.at(lexer.TokDot) {
		p.advance()
		if err := p.expectIdentText("step"); err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.TokDot); err != nil {
			return nil, err
		}
		stepTok, err := p.expect(lexer.TokIdent)
		if err != nil {
			return nil, err
		}
		scope.Step = stepTok.Text
	}

	relTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	var rel ast.TimingRelation
	switch relTok.Text {
	case "must_complete_within":
		rel = ast.MustCompleteWithin
	case "must_start_after":
		rel = ast.MustStartAfter
	default:
		return nil, p.errf("unknown timing relation %q", relTok.Text)
	}

	dur, err := p.parseDuration()
	if err != nil {
		return nil, err
	}
	reason, err := p.parseOptionalReason()
	if err != nil {
		return nil, err
	}
	return &ast.TimingConstraint{Scope: scope, Relation: rel, Duration: *dur, Reason: reason, Pos: pos}, nil
}

func (p *parser) parseCausalityConstraint(pos ast.Pos) (*ast.CausalityConstraint, error) {
	var chain []string
	first, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	chain = append(chain, first.Text)
	for p.at(lexer.TokArrow) {
		p.advance()
		next, err := p.expect(lexer.TokIdent)
		if err != nil {
			return nil, err
		}
		chain = append(chain, next.Text)
	}
	reason, err := p.parseOptionalReason()
	if err != nil {
		return nil, err
	}
	return &ast.CausalityConstraint{Chain: chain, Reason: reason, Pos: pos}, nil
}

func (p *parser) parseOptionalReason() (string, error) {
	if p.identIs("reason") {
		p.advance()
		if _, err := p.expect(lexer.TokColon); err != nil {
			return "", err
		}
		tok, err := p.expect(lexer.TokString)
		if err != nil {
			return "", err
		}
		return tok.Text, nil
	}
	return "", nil
}

// --- [tasks] ---

func (p *parser) parseTasksSection() (*ast.TasksSection, error) {
	var tasks []ast.Task
	for !p.at(lexer.TokEOF) {
		t, err := p.parseTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return &ast.TasksSection{Tasks: tasks}, nil
}

func (p *parser) parseTask() (*ast.Task, error) {
	pos := p.pos_()
	if err := p.expectIdentText("task"); err != nil {
		return nil, err
	}
	nameTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.TokColon); err != nil {
		return nil, err
	}

	task := &ast.Task{Name: nameTok.Text, Pos: pos}

	for p.identIs("step") {
		step, err := p.parseStep()
		if err != nil {
			return nil, err
		}
		task.Steps = append(task.Steps, *step)
	}

	if p.identIs("on_complete") {
		ocPos := p.pos_()
		p.advance()
		if _, err := p.expect(lexer.TokColon); err != nil {
			return nil, err
		}
		if p.identIs("unreachable") {
			p.advance()
			task.OnComplete = ast.OnComplete{Kind: ast.OnCompleteUnreachable}
		} else {
			if err := p.expectIdentText("goto"); err != nil {
				return nil, err
			}
			target, err := p.expect(lexer.TokIdent)
			if err != nil {
				return nil, err
			}
			task.OnComplete = ast.OnComplete{Kind: ast.OnCompleteGoto, Goto: target.Text}
		}
		task.HasOnComplete = true
		task.OnCompletePos = ocPos
	}

	if len(task.Steps) == 0 {
		return nil, p.errf("task %q must declare at least one step", task.Name)
	}

	return task, nil
}

func (p *parser) parseStep() (*ast.Step, error) {
	pos := p.pos_()
	if err := p.expectIdentText("step"); err != nil {
		return nil, err
	}
	nameTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.TokColon); err != nil {
		return nil, err
	}

	stmts, err := p.parseStatements()
	if err != nil {
		return nil, err
	}
	return &ast.Step{Name: nameTok.Text, Statements: stmts, Pos: pos}, nil
}

// atStatementListEnd reports whether the current token ends a statement
// list: a section header, EOF, '}', or the keywords step, task and
// on_complete. The branch and then keywords are checked by parseStatements.
func (p *parser) atStatementListEnd() bool {
	if p.atSectionHeader() || p.at(lexer.TokEOF) || p.at(lexer.TokRBrace) {
		return true
	}
	if p.identIs("step") || p.identIs("task") || p.identIs("on_complete") {
		return true
	}
	return false
}

func (p *parser) parseStatements() ([]ast.Statement, error) {
	var stmts []ast.Statement
	for !p.atStatementListEnd() && !p.identIs("branch") && !p.identIs("then") {
		if !p.at(lexer.TokIdent) {
			return nil, p.errf("expected statement keyword, found %q", p.cur().Text)
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

// atIdent reports whether the current token is the identifier text.
func (p *parser) atIdent(text string) bool { return p.identIs(text) }

func (p *parser) parseStatement() (ast.Statement, error) {
	pos := p.pos_()
	switch p.cur().Text {
	case "action":
		p.advance()
		if _, err := p.expect(lexer.TokColon); err != nil {
			return nil, err
		}
		return p.parseAction(pos)
	case "wait":
		p.advance()
		if _, err := p.expect(lexer.TokColon); err != nil {
			return nil, err
		}
		cond, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		return ast.WaitStatement{Condition: *cond, Pos: pos}, nil
	case "timeout":
		p.advance()
		if _, err := p.expect(lexer.TokColon); err != nil {
			return nil, err
		}
		dur, err := p.parseDuration()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.TokArrow); err != nil {
			return nil, err
		}
		gotoStmt, err := p.parseGoto()
		if err != nil {
			return nil, err
		}
		return ast.TimeoutStatement{Duration: *dur, Goto: *gotoStmt, Pos: pos}, nil
	case "goto":
		gotoStmt, err := p.parseGoto()
		if err != nil {
			return nil, err
		}
		return *gotoStmt, nil
	case "allow_indefinite_wait":
		p.advance()
		if _, err := p.expect(lexer.TokColon); err != nil {
			return nil, err
		}
		v, err := p.parseBool()
		if err != nil {
			return nil, err
		}
		return ast.AllowIndefiniteWaitStatement{Value: v, Pos: pos}, nil
	case "parallel":
		return p.parseParallel(pos)
	case "race":
		return p.parseRace(pos)
	default:
		return nil, p.errf("unknown statement %q", p.cur().Text)
	}
}

func (p *parser) parseGoto() (*ast.GotoStatement, error) {
	pos := p.pos_()
	if err := p.expectIdentText("goto"); err != nil {
		return nil, err
	}
	target, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	return &ast.GotoStatement{Target: target.Text, Pos: pos}, nil
}

func (p *parser) parseAction(pos ast.Pos) (ast.Statement, error) {
	kindTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	switch kindTok.Text {
	case "extend":
		target, err := p.expect(lexer.TokIdent)
		if err != nil {
			return nil, err
		}
		return ast.ActionStatement{Kind: ast.ActionExtend, Target: target.Text, Pos: pos}, nil
	case "retract":
		target, err := p.expect(lexer.TokIdent)
		if err != nil {
			return nil, err
		}
		return ast.ActionStatement{Kind: ast.ActionRetract, Target: target.Text, Pos: pos}, nil
	case "set":
		target, err := p.expect(lexer.TokIdent)
		if err != nil {
			return nil, err
		}
		valTok, err := p.expect(lexer.TokIdent)
		if err != nil {
			return nil, err
		}
		var value ast.BinaryValue
		switch valTok.Text {
		case "on":
			value = ast.ValueOn
		case "off":
			value = ast.ValueOff
		default:
			return nil, p.errf("expected on/off, found %q", valTok.Text)
		}
		return ast.ActionStatement{Kind: ast.ActionSet, Target: target.Text, Value: value, Pos: pos}, nil
	case "log":
		msgTok, err := p.expect(lexer.TokString)
		if err != nil {
			return nil, err
		}
		return ast.ActionStatement{Kind: ast.ActionLog, Message: msgTok.Text, Pos: pos}, nil
	default:
		return nil, p.errf("unknown action %q", kindTok.Text)
	}
}

func (p *parser) parseCondition() (*ast.Condition, error) {
	leftTok, err := p.expect(lexer.TokIdent)
	if err != nil {
		return nil, err
	}
	left := leftTok.Text
	for p.at(lexer.TokDot) {
		p.advance()
		part, err := p.expect(lexer.TokIdent)
		if err != nil {
			return nil, err
		}
		left += "." + part.Text
	}

	var op ast.ComparisonOperator
	switch {
	case p.at(lexer.TokEq):
		p.advance()
		op = ast.OpEq
	case p.at(lexer.TokNeq):
		p.advance()
		op = ast.OpNeq
	default:
		return nil, p.errf("expected == or != in wait condition, found %q", p.cur().Text)
	}

	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &ast.Condition{Left: left, Operator: op, Right: *lit}, nil
}

func (p *parser) parseLiteral() (*ast.Literal, error) {
	switch {
	case p.identIs("true"):
		p.advance()
		return &ast.Literal{Kind: ast.LiteralBool, Bool: true}, nil
	case p.identIs("false"):
		p.advance()
		return &ast.Literal{Kind: ast.LiteralBool, Bool: false}, nil
	case p.at(lexer.TokNumber):
		tok := p.advance()
		return &ast.Literal{Kind: ast.LiteralNumber, Number: tok.Num}, nil
	case p.at(lexer.TokString):
		tok := p.advance()
		return &ast.Literal{Kind: ast.LiteralString, Str: tok.Text}, nil
	case p.at(lexer.TokIdent):
		ref, err := p.parseStateRef()
		if err != nil {
			return nil, err
		}
		return &ast.Literal{Kind: ast.LiteralState, State: *ref}, nil
	default:
		return nil, p.errf("expected a literal value, found %q", p.cur().Text)
	}
}

func (p *parser) parseParallel(pos ast.Pos) (ast.Statement, error) {
	if err := p.expectIdentText("parallel"); err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.TokColon); err != nil {
		return nil, err
	}
	var branches []ast.Branch
	for p.identIs("branch") {
		bpos := p.pos_()
		p.advance()
		nameTok, err := p.expect(lexer.TokIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.TokColon); err != nil {
			return nil, err
		}
		stmts, err := p.parseStatements()
		if err != nil {
			return nil, err
		}
		branches = append(branches, ast.Branch{Name: nameTok.Text, Statements: stmts, Pos: bpos})
	}
	if len(branches) == 0 {
		return nil, p.errf("parallel block must declare at least one branch")
	}
	return ast.ParallelStatement{Branches: branches, Pos: pos}, nil
}

func (p *parser) parseRace(pos ast.Pos) (ast.Statement, error) {
	if err := p.expectIdentText("race"); err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.TokColon); err != nil {
		return nil, err
	}
	var branches []ast.RaceBranch
	for p.identIs("branch") {
		bpos := p.pos_()
		p.advance()
		nameTok, err := p.expect(lexer.TokIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.TokColon); err != nil {
			return nil, err
		}
		stmts, err := p.parseStatements()
		if err != nil {
			return nil, err
		}
		rb := ast.RaceBranch{Name: nameTok.Text, Statements: stmts, Pos: bpos}
		if p.identIs("then") {
			p.advance()
			if _, err := p.expect(lexer.TokColon); err != nil {
				return nil, err
			}
			gotoStmt, err := p.parseGoto()
			if err != nil {
				return nil, err
			}
			rb.ThenGoto = *gotoStmt
			rb.HasThen = true
		}
		branches = append(branches, rb)
	}
	if len(branches) == 0 {
		return nil, p.errf("race block must declare at least one branch")
	}
	return ast.RaceStatement{Branches: branches, Pos: pos}, nil
}
