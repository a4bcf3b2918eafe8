package main

import (
	"context"
	"fmt"
	"os"

	"github.com/deepnoodle-ai/nodeflow/internal/cli"
	"github.com/fatih/color"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}
