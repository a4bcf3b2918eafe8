package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run and resume commands.
type RunOptions struct {
	*RootOptions
	File    string
	Inputs  []string
	Wait    bool
	Timeout time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run -f <graph>",
		Short: "Compile and run a graph",
		Long: `Compile and run a graph definition.

Inputs are bound per node as node.input=value. Values are parsed as JSON when
possible and used as strings otherwise.

Example:
  nodeflow run -f graph.yaml -i fetch.url=https://example.com -i limit.n=5
  nodeflow run -f render.hcl --wait --timeout 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "graph definition (.yaml, .json or .hcl)")
	cmd.Flags().StringArrayVarP(&opts.Inputs, "input", "i", nil, "input binding node.input=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait out suspensions instead of exiting")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 0, "cancel the run after this long")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a suspended or failed run",
		Long: `Resume a run from its last checkpoint. Completed nodes are not run
again; failed, skipped and suspended nodes are.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeRun(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait out suspensions instead of exiting")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 0, "cancel the run after this long")
	return cmd
}

func runGraph(cmd *cobra.Command, opts *RunOptions) error {
	g, err := nodeflow.LoadFile(opts.File)
	if err != nil {
		return err
	}
	bindings, err := parseInputs(opts.Inputs)
	if err != nil {
		return err
	}

	rt, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := g.Resolve(rt.Registry); err != nil {
		return err
	}
	plan, err := rt.Executor.Compile(g)
	if err != nil {
		return err
	}

	ctx, cancel := runContext(cmd.Context(), opts.Timeout)
	defer cancel()

	req := nodeflow.RunRequest{Plan: plan, Inputs: bindings}
	var result *nodeflow.RunResult
	if opts.Wait {
		result, err = rt.Executor.RunToCompletion(ctx, req)
	} else {
		result, err = rt.Executor.Run(ctx, req)
	}
	return report(cmd, opts.RootOptions, result, err)
}

func resumeRun(cmd *cobra.Command, opts *RunOptions, runID string) error {
	rt, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := runContext(cmd.Context(), opts.Timeout)
	defer cancel()

	var result *nodeflow.RunResult
	if opts.Wait {
		result, err = rt.Executor.ResumeToCompletion(ctx, runID)
	} else {
		result, err = rt.Executor.Resume(ctx, runID)
	}
	return report(cmd, opts.RootOptions, result, err)
}

// runContext is cancelled on interrupt and after the timeout, if any.
func runContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// report prints the result and turns unsuccessful runs into an error so the
// process exits non-zero. A suspended run is not a failure.
func report(cmd *cobra.Command, opts *RootOptions, result *nodeflow.RunResult, runErr error) error {
	if result == nil {
		return runErr
	}
	if err := printResult(cmd.OutOrStdout(), result, opts.JSON); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	switch result.Status {
	case nodeflow.RunStatusCompleted, nodeflow.RunStatusSuspended:
		return nil
	}
	return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
}

// parseInputs turns node.input=value flags into per-node bindings.
func parseInputs(flags []string) (map[string]map[string]any, error) {
	bindings := map[string]map[string]any{}
	for _, flag := range flags {
		key, raw, ok := strings.Cut(flag, "=")
		if !ok {
			return nil, fmt.Errorf("invalid input %q: expected node.input=value", flag)
		}
		dot := strings.LastIndex(key, ".")
		if dot <= 0 || dot == len(key)-1 {
			return nil, fmt.Errorf("invalid input %q: expected node.input=value", flag)
		}
		var value any
		if err := xjson.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		node, input := key[:dot], key[dot+1:]
		if bindings[node] == nil {
			bindings[node] = map[string]any{}
		}
		bindings[node][input] = value
	}
	return bindings, nil
}
