package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/deepnoodle-ai/nodeflow/config"
	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/toolbridge"
	"github.com/spf13/cobra"
)

func newBridge(rt *config.Runtime) (*toolbridge.Bridge, error) {
	return toolbridge.New(toolbridge.Options{
		Executor: rt.Executor,
		Logger:   rt.Logger,
		// These only make sense inside a graph.
		Exclude: []string{"fail", "wait"},
	})
}

// NewToolsCommand creates the tools command.
func NewToolsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List node types exposed as tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			bridge, err := newBridge(rt)
			if err != nil {
				return err
			}
			tools := bridge.ListTools()
			if rootOpts.JSON {
				return printJSON(cmd.OutOrStdout(), tools)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, tool := range tools {
				fmt.Fprintf(tw, "%s\t%s\n", tool.Name, tool.Description)
			}
			return tw.Flush()
		},
	}
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call a tool with JSON arguments",
		Long: `Call a tool with JSON arguments and print the result.

Example:
  nodeflow call math_add --args '{"a": 1, "b": "2"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs := map[string]any{}
			if rawArgs != "" {
				if err := xjson.Unmarshal([]byte(rawArgs), &callArgs); err != nil {
					return fmt.Errorf("invalid --args: %w", err)
				}
			}

			rt, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			bridge, err := newBridge(rt)
			if err != nil {
				return err
			}
			result := bridge.CallTool(cmd.Context(), args[0], callArgs)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("tool %s failed", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&rawArgs, "args", "a", "", "JSON object of arguments")
	return cmd
}
