package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jcbsnclr/ksync/internal/history"
)

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "clear",
		GroupID: "versions",
		Short:   "Commit an empty tree",
		Long:    `Commit a version with no files. Earlier versions stay available to rollback.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.client.Clear(cmd.Context())
			if err != nil {
				return err
			}
			printVersion(a.out, "cleared, now at", v)
			return nil
		},
	}
}

func newRollbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rollback {earliest|latest|time} ARG",
		GroupID: "versions",
		Short:   "Make an earlier version current",
		Long: `Commit a new version whose tree is that of an earlier one.

  rollback earliest N   the N-th version counting from the first (0 is the first)
  rollback latest N     N versions before the current one
  rollback time T       the last version at or before T (RFC 3339 or unix seconds)`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"earliest", "latest", "time"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := history.ParseSelector(args[0], args[1])
			if err != nil {
				return err
			}
			v, err := a.client.Rollback(cmd.Context(), sel)
			if err != nil {
				return err
			}
			printVersion(a.out, "rolled back to "+sel.String()+", now at", v)
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "history",
		GroupID: "versions",
		Short:   "Show the version history",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.client.History(cmd.Context())
			if err != nil {
				return err
			}
			versions := h.Versions
			if limit > 0 && len(versions) > limit {
				versions = versions[len(versions)-limit:]
			}

			fmt.Fprintln(a.out, titleText("History:"))
			for i, v := range versions {
				marker := " "
				if i == len(versions)-1 {
					marker = okText("*")
				}
				fmt.Fprintf(a.out, "%s [%04d] %s %s %s\n",
					marker, v.Seq, hashText(shortHash(v.Tree)), dimText(formatTime(v.Timestamp)), v.Op)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last N versions")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		GroupID: "versions",
		Short:   "Show server statistics",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%-12s %d %s\n", "version", s.Version.Seq, hashText(shortHash(s.Version.Tree)))
			fmt.Fprintf(a.out, "%-12s %d (%s)\n", "objects", s.Objects, formatSize(s.ObjectBytes))
			fmt.Fprintf(a.out, "%-12s %s\n", "backend", s.Backend)
			fmt.Fprintf(a.out, "%-12s %d\n", "subscribers", s.Subscribers)
			return nil
		},
	}
}
