package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

const sumGraph = `
name: sums
nodes:
  - id: first
    type: math.add
    values: {b: 2}
  - id: second
    type: math.multiply
    values: {b: 10}
edges:
  - {from: first.sum, to: second.a}
`

const waitGraph = `
name: later
nodes:
  - id: pause
    type: wait
    values: {duration: 1h, value: done}
`

type env struct {
	dir    string
	config string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	color.NoColor = true
	dir := t.TempDir()
	cfg := filepath.Join(dir, "nodeflow.yaml")
	contents := "data_dir: " + filepath.Join(dir, "data") + "\nlog: {level: error}\n"
	require.NoError(t, os.WriteFile(cfg, []byte(contents), 0644))
	return &env{dir: dir, config: cfg}
}

func (e *env) graph(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func (e *env) run(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	e := newEnv(t)
	path := e.graph(t, "sums.yaml", sumGraph)

	out, err := e.run("run", "-f", path, "-i", "first.a=3")
	require.NoError(t, err)
	require.Contains(t, out, "(sums): completed")
	require.Regexp(t, regexp.MustCompile(`second\s+completed\s+product=50`), out)

	out, err = e.run("--json", "run", "-f", path, "-i", "first.a=1")
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, xjson.Unmarshal([]byte(out), &result))
	require.Equal(t, "completed", result["status"])

	_, err = e.run("run", "-f", path)
	require.ErrorContains(t, err, "partial_failure")

	_, err = e.run("run", "-f", path, "-i", "first.nope=1")
	require.ErrorContains(t, err, "nope")

	_, err = e.run("run", "-f", path, "-i", "novalue")
	require.ErrorContains(t, err, "expected node.input=value")
}

func TestCompileCommand(t *testing.T) {
	e := newEnv(t)
	out, err := e.run("compile", "-f", e.graph(t, "sums.yaml", sumGraph))
	require.NoError(t, err)
	require.Contains(t, out, "plan sums: 2 nodes, 1 edges")
	require.Contains(t, out, "1. first [math.add]")

	cyclic := e.graph(t, "cycle.yaml", `
nodes:
  - {id: a, type: math.add}
  - {id: b, type: math.add}
edges:
  - {from: a.sum, to: b.a}
  - {from: b.sum, to: a.a}
`)
	_, err = e.run("compile", "-f", cyclic)
	require.ErrorContains(t, err, "graph contains a cycle")
}

func TestSuspendResumeAndRunsCommands(t *testing.T) {
	e := newEnv(t)

	out, err := e.run("--json", "run", "-f", e.graph(t, "later.yaml", waitGraph))
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, xjson.Unmarshal([]byte(out), &result))
	require.Equal(t, "suspended", result["status"])
	runID := result["run_id"].(string)

	out, err = e.run("resume", runID)
	require.NoError(t, err)
	require.Contains(t, out, "resume with: nodeflow resume "+runID)

	out, err = e.run("runs")
	require.NoError(t, err)
	require.Contains(t, out, runID)
	require.Contains(t, out, "suspended")

	out, err = e.run("runs", runID)
	require.NoError(t, err)
	require.Contains(t, out, "pause")

	_, err = e.run("resume", "run_unknown")
	require.ErrorContains(t, err, "run not found")
}

func TestToolsAndCallCommands(t *testing.T) {
	e := newEnv(t)

	out, err := e.run("tools")
	require.NoError(t, err)
	require.Contains(t, out, "math_add")
	require.NotContains(t, out, "wait")

	out, err = e.run("--json", "tools")
	require.NoError(t, err)
	var tools []map[string]any
	require.NoError(t, xjson.Unmarshal([]byte(out), &tools))
	require.NotEmpty(t, tools)
	require.Equal(t, false, tools[0]["input_schema"].(map[string]any)["additionalProperties"])

	out, err = e.run("call", "math_add", "--args", `{"a": 1, "b": "2"}`)
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, xjson.Unmarshal([]byte(out), &result))
	require.Equal(t, true, result["success"])
	require.Equal(t, 3.0, result["result"].(map[string]any)["sum"])

	_, err = e.run("call", "math_add", "--args", `{"a": 1}`)
	require.ErrorContains(t, err, "tool math_add failed")

	_, err = e.run("call", "math_add", "--args", `{`)
	require.ErrorContains(t, err, "invalid --args")
}

func TestParseInputs(t *testing.T) {
	bindings, err := parseInputs([]string{"a.x=1", "a.y=hello", "b.c.z={\"k\": true}"})
	require.NoError(t, err)
	require.Equal(t, map[string]map[string]any{
		"a":   {"x": 1.0, "y": "hello"},
		"b.c": {"z": map[string]any{"k": true}},
	}, bindings)

	for _, bad := range []string{"x", ".x=1", "x.=1", "x=1"} {
		_, err := parseInputs([]string{bad})
		require.Error(t, err, bad)
	}
}
