package cli

import (
	"fmt"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/spf13/cobra"
)

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "compile -f <graph>",
		Short: "Validate a graph and print its execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := nodeflow.LoadFile(file)
			if err != nil {
				return err
			}
			rt, err := rootOpts.open(cmd)
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
			if rootOpts.JSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"name":  plan.Name(),
					"order": plan.Order(),
					"graph": plan.Graph(),
				})
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), plan.String())
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "graph definition (.yaml, .json or .hcl)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
