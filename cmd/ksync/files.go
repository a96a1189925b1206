package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcbsnclr/ksync/internal/client"
)

func newInsertCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "insert PATH [FILE|-]",
		GroupID: "files",
		Short:   "Store a file at PATH",
		Long: `Store the content of FILE at PATH in a new version.

FILE defaults to the base name of PATH. "-" reads standard input.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst := args[0]
			src := ""
			if len(args) == 2 {
				src = args[1]
			}
			if src == "" {
				src = path.Base(dst)
			}

			var (
				data    []byte
				modTime time.Time
				err     error
			)
			if src == "-" {
				data, err = io.ReadAll(a.in)
			} else {
				var info os.FileInfo
				if info, err = os.Stat(src); err == nil {
					modTime = info.ModTime()
					data, err = os.ReadFile(src)
				}
			}
			if err != nil {
				return err
			}

			res, err := a.client.Insert(cmd.Context(), dst, data, modTime)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s (%s, %s)\n", okText("inserted"), res.Path, formatSize(res.Size), hashText(shortHash(res.Hash)))
			printVersion(a.out, "now at", res.Version)
			return nil
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	var (
		version int64
		output  string
	)
	cmd := &cobra.Command{
		Use:     "get PATH",
		GroupID: "files",
		Short:   "Fetch the file at PATH",
		Long:    `Fetch the file at PATH. Content goes to standard output unless -o names a file.`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, meta, err := a.client.Get(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err := a.out.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			if !meta.ModTime.IsZero() {
				if err := os.Chtimes(output, meta.ModTime, meta.ModTime); err != nil {
					return err
				}
			}
			fmt.Fprintf(a.out, "%s %s -> %s (%s)\n", okText("fetched"), args[0], output, formatSize(int64(len(data))))
			return nil
		},
	}
	cmd.Flags().Int64VarP(&version, "version", "V", client.Tip, "version to read (default current)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of standard output")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete PATH",
		Aliases: []string{"rm"},
		GroupID: "files",
		Short:   "Remove the file or directory at PATH",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.client.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s\n", okText("deleted"), args[0])
			printVersion(a.out, "now at", v)
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:     "ls",
		GroupID: "files",
		Short:   "List every file in a version",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listing, err := a.client.Listing(cmd.Context(), version)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %d %s\n", titleText("version"), listing.Version.Seq, hashText(shortHash(listing.Version.Tree)))
			for _, f := range listing.Files {
				fmt.Fprintf(a.out, "  %s  %10s  %s  %s\n",
					hashText(shortHash(f.Hash)), formatSize(f.Size), dimText(formatTime(f.ModTime)), f.Path)
			}
			if len(listing.Files) == 0 {
				fmt.Fprintln(a.out, dimText("  (empty)"))
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&version, "version", "V", client.Tip, "version to list (default current)")
	return cmd
}

func newNodeCmd(a *app) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:     "node [PATH]",
		GroupID: "files",
		Short:   "Describe the file or directory at PATH",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}
			node, err := a.client.Node(cmd.Context(), p, version)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "%s %s %s %s\n", titleText(node.Kind), node.Path, hashText(shortHash(node.Hash)), dimText(fmt.Sprintf("@%d", node.Version)))
			if node.Kind != "dir" {
				fmt.Fprintf(a.out, "  size     %s\n  modified %s\n", formatSize(node.Size), formatTime(node.ModTime))
				return nil
			}
			for _, c := range node.Children {
				name := c.Name
				if c.Kind == "dir" {
					name += "/"
				}
				fmt.Fprintf(a.out, "  %s  %10s  %s  %s\n",
					hashText(shortHash(c.Hash)), formatSize(c.Size), dimText(formatTime(c.ModTime)), name)
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&version, "version", "V", client.Tip, "version to read (default current)")
	return cmd
}
