package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:  "plain string without template variables",
			input: "Hello World",
			want:  "Hello World",
		},
		{
			name:  "string with single template variable",
			input: "Hello ${inputs.name}",
			globals: map[string]any{
				"inputs": map[string]any{"name": "Alice"},
			},
			want: "Hello Alice",
		},
		{
			name:  "string with multiple template variables",
			input: "${inputs.greeting} ${inputs.name}! The answer is ${40 + 2}",
			globals: map[string]any{
				"inputs": map[string]any{"greeting": "Hello", "name": "Bob"},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:  "nested expressions",
			input: "Result: ${1 + (2 * 3)}",
			want:  "Result: 7",
		},
		{
			name:  "braces inside expression",
			input: `size=${len({"a": 1, "b": 2})}`,
			want:  "size=2",
		},
		{
			name:  "adjacent expressions",
			input: "${1}${2}",
			want:  "12",
		},
		{
			name:        "invalid template syntax - unclosed brace",
			input:       "Hello ${name",
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:        "invalid expression inside template",
			input:       "Hello ${1 +}",
			wantErr:     true,
			errContains: "invalid expression",
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, err := NewTemplate(ctx, NewRisorEngine(DefaultGlobals()), tt.input)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			got, err := s.Eval(ctx, tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestConditions(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(nil)

	tests := []struct {
		expr    string
		globals map[string]any
		want    bool
	}{
		{"value > 10", map[string]any{"value": 12.0}, true},
		{"value > 10", map[string]any{"value": 3}, false},
		{`outputs.status == "ok"`, map[string]any{"outputs": map[string]any{"status": "ok"}}, true},
		{"value", map[string]any{"value": "false"}, false},
		{"value", map[string]any{"value": []any{}}, false},
		{"value", nil, false},
		{"value == nil", map[string]any{"value": nil}, true},
		{"outputs == nil && run_id == nil", nil, true},
		{`len(value) > 0`, map[string]any{"value": "abc"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			compiled, err := engine.Compile(ctx, tt.expr)
			require.NoError(t, err)
			got, err := EvalBool(ctx, compiled, tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestScriptValue(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(nil)

	compiled, err := engine.Compile(ctx, `{"sum": inputs.a + inputs.b, "tags": ["x", "y"]}`)
	require.NoError(t, err)

	value, err := compiled.Evaluate(ctx, map[string]any{
		"inputs": map[string]any{"a": int64(2), "b": int64(3)},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"sum": int64(5), "tags": []any{"x", "y"}}, value.Value())
}

func TestTruthy(t *testing.T) {
	require.False(t, Truthy(nil))
	require.False(t, Truthy(""))
	require.False(t, Truthy("FALSE"))
	require.True(t, Truthy("yes"))
	require.False(t, Truthy(0.0))
	require.True(t, Truthy(map[string]any{"a": 1}))
}
