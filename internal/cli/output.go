package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/fatih/color"
)

var (
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed)
	skipColor    = color.New(color.FgYellow)
	suspendColor = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)
)

func printJSON(w io.Writer, v any) error {
	data, err := xjson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func runStatusColor(status nodeflow.RunStatus) *color.Color {
	switch status {
	case nodeflow.RunStatusCompleted:
		return okColor
	case nodeflow.RunStatusSuspended, nodeflow.RunStatusRunning:
		return suspendColor
	case nodeflow.RunStatusPartialFailure:
		return skipColor
	}
	return failColor
}

func printResult(w io.Writer, result *nodeflow.RunResult, asJSON bool) error {
	if asJSON {
		return printJSON(w, result)
	}

	header := "run " + result.RunID
	if result.GraphName != "" {
		header += " (" + result.GraphName + ")"
	}
	fmt.Fprintf(w, "%s: %s", header, runStatusColor(result.Status).Sprint(result.Status))
	if !result.EndTime.IsZero() {
		fmt.Fprintf(w, " in %s", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	width := 0
	for _, id := range result.Order {
		width = max(width, len(id))
	}
	for _, id := range result.Order {
		exec := result.Nodes[id]
		fmt.Fprintf(w, "  %-*s  %s", width, id, nodeStatus(exec))
		switch exec.Status {
		case nodeflow.NodeStatusCompleted:
			if out := formatOutputs(exec.Portable); out != "" {
				fmt.Fprintf(w, "  %s", out)
			}
		case nodeflow.NodeStatusError:
			fmt.Fprintf(w, "  %s", exec.Error)
		case nodeflow.NodeStatusSkipped:
			fmt.Fprintf(w, "  %s", dimColor.Sprint(exec.SkipReason))
		case nodeflow.NodeStatusSuspended:
			fmt.Fprintf(w, "  until %s", exec.ResumeAt.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}

	if result.Error != "" {
		fmt.Fprintf(w, "%s %s\n", failColor.Sprint("error:"), result.Error)
	}
	if result.Status == nodeflow.RunStatusSuspended {
		fmt.Fprintf(w, "suspended until %s; resume with: nodeflow resume %s\n",
			result.ResumeAt.Format(time.RFC3339), result.RunID)
	}
	return nil
}

func nodeStatus(exec *nodeflow.NodeExecution) string {
	label := fmt.Sprintf("%-9s", exec.Status)
	switch exec.Status {
	case nodeflow.NodeStatusCompleted:
		return okColor.Sprint(label)
	case nodeflow.NodeStatusError:
		return failColor.Sprint(label)
	case nodeflow.NodeStatusSkipped:
		return skipColor.Sprint(label)
	}
	return suspendColor.Sprint(label)
}

// formatOutputs renders outputs as name=json pairs in name order.
func formatOutputs(outputs map[string]marshal.PortableValue) string {
	var parts []string
	for _, name := range slices.Sorted(maps.Keys(outputs)) {
		data, err := xjson.Marshal(marshal.Export(outputs[name]))
		if err != nil {
			data = []byte("?")
		}
		parts = append(parts, name+"="+string(data))
	}
	return strings.Join(parts, " ")
}
