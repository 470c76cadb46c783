// Package diagnostic defines the Diagnostic type shared by every stage of
// the pipeline (syntax, semantic, and the four verification engines) and
// its deterministic textual rendering.
package diagnostic

import (
	"fmt"
	"sort"
	"strings"
)

// Engine names the pipeline stage that raised a Diagnostic.
type Engine string

const (
	EngineSyntax    Engine = "syntax"
	EngineSemantic  Engine = "semantic"
	EngineSafety    Engine = "safety"
	EngineLiveness  Engine = "liveness"
	EngineTiming    Engine = "timing"
	EngineCausality Engine = "causality"
)

// Severity distinguishes a hard failure from a non-fatal observation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Level strings, reproduced verbatim for JSON report and test compatibility.
const (
	LevelCompleteProof      = "完备证明"
	LevelBoundedVerification = "有界验证"
	LevelPassed             = "通过"
	LevelFailed             = "失败"
)

// Location is a source position: file, line, column.
type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Col  int    `json:"col"`
}

// Tag is one labeled detail line, e.g. {"约束", "cyl_A.extended conflicts_with cyl_B.extended"}.
// Tags render in the order they were appended, after 位置: and before 建议:.
type Tag struct {
	Label string
	Value string
}

// Diagnostic is the single findings type produced by every stage. Summary
// is the one-line headline following "ERROR [<engine>]"; Tags carries the
// engine-specific body lines; Suggestion is always rendered last as 建议:.
type Diagnostic struct {
	Engine     Engine
	Severity   Severity
	Summary    string
	Location   Location
	Tags       []Tag
	Suggestion string
	// Tiebreak disambiguates diagnostics sharing (Engine, Line, Col);
	// callers should set it to something stable, e.g. the rule index.
	Tiebreak int
}

func (d Diagnostic) headline() string {
	if d.Severity == SeverityWarning {
		return fmt.Sprintf("WARNING [%s] %s", d.Engine, d.Summary)
	}
	return fmt.Sprintf("ERROR [%s] %s", d.Engine, d.Summary)
}

// String renders the diagnostic in the project's textual format: a
// headline, "位置:", every declared Tag, then "建议:". Every Diagnostic the
// core produces includes both 位置: and 建议: lines.
func (d Diagnostic) String() string {
	var sb strings.Builder
	sb.WriteString(d.headline())
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  位置: %s:%d:%d\n", d.Location.File, d.Location.Line, d.Location.Col)
	for _, t := range d.Tags {
		fmt.Fprintf(&sb, "  %s: %s\n", t.Label, t.Value)
	}
	fmt.Fprintf(&sb, "  建议: %s", d.Suggestion)
	return sb.String()
}

// Sort orders diagnostics by (engine, line, column, Tiebreak), matching the
// deterministic aggregation rule: execution order of the four verification
// engines must never leak into the reported sequence.
func Sort(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		a, b := diags[i], diags[j]
		if a.Engine != b.Engine {
			return a.Engine < b.Engine
		}
		if a.Location.Line != b.Location.Line {
			return a.Location.Line < b.Location.Line
		}
		if a.Location.Col != b.Location.Col {
			return a.Location.Col < b.Location.Col
		}
		return a.Tiebreak < b.Tiebreak
	})
}

// RenderAll renders a sequence of diagnostics, one per line-block,
// separated by a blank line, in their current order (call Sort first).
func RenderAll(diags []Diagnostic) string {
	parts := make([]string, 0, len(diags))
	for _, d := range diags {
		parts = append(parts, d.String())
	}
	return strings.Join(parts, "\n\n")
}
