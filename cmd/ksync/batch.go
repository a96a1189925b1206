package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newBatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "batch FILE|-",
		GroupID: "files",
		Short:   "Run commands from a file, one per line",
		Long: `Run ksync commands read from FILE, one per line, stopping at the first
failure. Blank lines and lines starting with # are skipped. Arguments are
split on whitespace. "-" reads standard input.

Example:
  insert /notes/todo.txt todo.txt
  get /notes/todo.txt -o todo.bak
  rollback latest 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = a.in
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			return a.runBatch(cmd, r)
		},
	}
}

func (a *app) runBatch(cmd *cobra.Command, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "batch", "sync":
			return fmt.Errorf("line %d: %s cannot run inside a batch", n, fields[0])
		}

		fmt.Fprintln(a.out, dimText("> "+line))
		root := newRootCmd(a)
		root.SetArgs(fields)
		root.SetIn(a.in)
		root.SetOut(a.out)
		root.SetErr(cmd.ErrOrStderr())
		if err := root.ExecuteContext(cmd.Context()); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return scanner.Err()
}
