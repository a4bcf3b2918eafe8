package script

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// Names that graph expressions may always reference. They are bound at
// evaluation time.
var evaluationGlobals = []string{"inputs", "outputs", "value", "node", "run_id"}

// RisorEngine compiles expressions with the risor language.
type RisorEngine struct {
	globals map[string]any
}

// NewRisorEngine returns an engine whose scripts can see the given globals in
// addition to the ones supplied at evaluation time.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	if globals == nil {
		globals = DefaultGlobals()
	}
	return &RisorEngine{globals: globals}
}

func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}

	names := slices.Collect(maps.Keys(e.globals))
	for _, name := range evaluationGlobals {
		if _, ok := e.globals[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiled}, nil
}

// RisorScript is a compiled risor expression.
type RisorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(evaluationGlobals)+len(globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	// Every compiled global name needs a binding, and risor cannot bind a
	// bare Go nil.
	for _, name := range evaluationGlobals {
		if _, ok := combined[name]; !ok {
			combined[name] = object.Nil
		}
	}
	for name, value := range globals {
		obj := object.FromGoType(toRisorInput(value))
		if errObj, ok := obj.(*object.Error); ok {
			return nil, fmt.Errorf("global %q: %w", name, errObj.Value())
		}
		combined[name] = obj
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorValue wraps a risor result object.
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return ToGo(v.obj)
}

func (v *RisorValue) IsTruthy() bool {
	return Truthy(v.obj)
}

func (v *RisorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return fmt.Sprintf("%d", o.Value())
	case *object.Float:
		return fmt.Sprintf("%g", o.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", o.Value())
	case *object.Time:
		return o.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		items := make([]string, 0, len(o.Value()))
		for _, item := range o.Value() {
			items = append(items, (&RisorValue{obj: item}).String())
		}
		return strings.Join(items, ", ")
	}
	return v.obj.Inspect()
}

// DefaultGlobals returns the deterministic risor builtins that graph
// expressions may use.
func DefaultGlobals() map[string]any {
	globals := map[string]any{}
	safe := SafeBuiltins()
	for name, value := range all.Builtins() {
		if safe[name] {
			globals[name] = value
		}
	}
	return globals
}

// SafeBuiltins lists the risor builtins without side effects.
func SafeBuiltins() map[string]bool {
	return map[string]bool{
		"all":      true,
		"any":      true,
		"base64":   true,
		"bool":     true,
		"bytes":    true,
		"chunk":    true,
		"coalesce": true,
		"decode":   true,
		"encode":   true,
		"error":    true,
		"errorf":   true,
		"float":    true,
		"fmt":      true,
		"getattr":  true,
		"int":      true,
		"json":     true,
		"keys":     true,
		"len":      true,
		"list":     true,
		"map":      true,
		"math":     true,
		"regexp":   true,
		"reversed": true,
		"set":      true,
		"sorted":   true,
		"sprintf":  true,
		"string":   true,
		"strings":  true,
		"try":      true,
		"type":     true,
	}
}
