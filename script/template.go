package script

import (
	"context"
	"fmt"
	"strings"
)

// Template is a string with embedded ${expression} blocks.
type Template struct {
	raw      string
	segments []segment
}

type segment struct {
	text   string
	script Script
}

// NewTemplate compiles every ${...} block in raw.
func NewTemplate(ctx context.Context, engine Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}

	rest := raw
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{text: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.segments = append(t.segments, segment{text: rest[:start]})
		}

		end := closingBrace(rest, start+2)
		if end < 0 {
			return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
		}
		expr := strings.TrimSpace(rest[start+2 : end])
		compiled, err := engine.Compile(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.segments = append(t.segments, segment{script: compiled})
		rest = rest[end+1:]
	}
}

// closingBrace returns the index of the brace closing the block that starts
// at from, honoring nested braces and quoted strings.
func closingBrace(s string, from int) int {
	depth := 0
	var quote byte
	for i := from; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '{':
			depth++
		case c == '}':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

// IsStatic reports whether the template has no expressions.
func (t *Template) IsStatic() bool {
	for _, seg := range t.segments {
		if seg.script != nil {
			return false
		}
	}
	return true
}

// Eval renders the template.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if t.IsStatic() {
		return t.raw, nil
	}
	var sb strings.Builder
	for _, seg := range t.segments {
		if seg.script == nil {
			sb.WriteString(seg.text)
			continue
		}
		result, err := seg.script.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		sb.WriteString(result.String())
	}
	return sb.String(), nil
}
