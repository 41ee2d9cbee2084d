// distill trains small encoder-decoder students against a teacher with knowledge distillation.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version metadata injected via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit signals a non-zero exit after the command already reported its failure.
var errExit = errors.New("exit")

// run executes the CLI with the given args and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "distill: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "distill",
		Short:         "Knowledge distillation for encoder-decoder transformers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		newAlignCmd(stdout),
		newTrainCmd(stdout, stderr),
		newEnvCmd(stdout),
		newVersionCmd(stdout),
	)
	return root
}
