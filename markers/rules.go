package markers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// IconKind selects the glyph drawn for a marker.
type IconKind string

const (
	IconArrow      IconKind = "arrow"
	IconLighthouse IconKind = "lighthouse"
)

// Env is the evaluation environment of a style rule.
type Env struct {
	Name  string
	Class string
	Type  string
}

// Rule styles every vessel matching When. Rules are evaluated in order and
// the first match wins.
type Rule struct {
	ID     string
	When   string
	Icon   IconKind
	Color  string
	Size   int
	Rotate bool
}

// DefaultPalette maps theme color tokens to hex colors.
func DefaultPalette() map[string]string {
	return map[string]string{
		"colorDanger500":  "#FF3D71",
		"colorDanger600":  "#DB2C66",
		"colorWarning500": "#FFAA00",
		"colorInfo600":    "#0095FF",
		"colorSuccess700": "#00B383",
		"colorPrimary600": "#274BDB",
	}
}

// FallbackRule styles vessels matched by no other rule.
var FallbackRule = Rule{ID: "default", When: "true", Icon: IconArrow, Color: "#2cb9f3", Size: 21, Rotate: true}

// DefaultRules returns the built-in style table by vessel class and type.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "aton", When: `Class == "ATON"`, Icon: IconLighthouse, Color: "#000000", Size: 18},
		{ID: "pilot", When: `Type == "PLT"`, Icon: IconArrow, Color: "colorDanger500", Size: 18, Rotate: true},
		{ID: "fishing", When: `upper(Class) contains "FISHING"`, Icon: IconArrow, Color: "#B432AC", Size: 17, Rotate: true},
		{ID: "tug_saam", When: `Type == "TUG" && upper(Name) contains "SAAM"`, Icon: IconArrow, Color: "colorWarning500", Size: 20, Rotate: true},
		{ID: "tug_type", When: `Type == "TUG"`, Icon: IconArrow, Color: "colorInfo600", Size: 20, Rotate: true},
		{ID: "tug_class", When: `Class == "TUG"`, Icon: IconArrow, Color: "colorSuccess700", Size: 18, Rotate: true},
		{ID: "cargo", When: `Class == "CARGO_SHIP"`, Icon: IconArrow, Color: "colorPrimary600", Size: 27, Rotate: true},
		{ID: "passenger", When: `Class == "PASSENGER_SHIP"`, Icon: IconArrow, Color: "#14004F", Size: 23, Rotate: true},
		{ID: "tanker", When: `Class == "TANKER"`, Icon: IconArrow, Color: "colorDanger600", Size: 27, Rotate: true},
	}
}

type compiledRule struct {
	Rule
	program *vm.Program
}

func compileRule(rule Rule) (compiledRule, error) {
	when := strings.TrimSpace(rule.When)
	if when == "" {
		return compiledRule{}, errors.New("condition must not be empty")
	}
	switch rule.Icon {
	case "":
		rule.Icon = IconArrow
	case IconArrow, IconLighthouse:
	default:
		return compiledRule{}, fmt.Errorf("unknown icon %q", rule.Icon)
	}
	if rule.Size <= 0 {
		rule.Size = FallbackRule.Size
	}
	if strings.TrimSpace(rule.Color) == "" {
		return compiledRule{}, errors.New("color must not be empty")
	}
	program, err := expr.Compile(when, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return compiledRule{}, fmt.Errorf("compile: %w", err)
	}
	return compiledRule{Rule: rule, program: program}, nil
}

func (r compiledRule) matches(env Env) (bool, error) {
	out, err := vm.Run(r.program, env)
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule %s returned %T", r.ID, out)
	}
	return matched, nil
}
