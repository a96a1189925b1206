// Command ksync is the command line client for a ksync server. It reads
// and changes the remote store and runs the sync client.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jcbsnclr/ksync/internal/client"
	"github.com/jcbsnclr/ksync/internal/config"
	"github.com/jcbsnclr/ksync/internal/logging"
)

// app is the state shared by every command of one invocation. Batch runs
// reuse it so each line talks to the same client.
type app struct {
	configPath string
	remote     string

	cfg    *config.Config
	client *client.Client

	in  io.Reader
	out io.Writer
}

func newApp() *app {
	return &app{in: os.Stdin, out: os.Stdout}
}

// setup loads configuration and connects the client once per process.
func (a *app) setup() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.File,
		Name:       "ksync",
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	a.cfg = cfg

	if a.client == nil {
		remote := a.remote
		if remote == "" {
			remote = cfg.Client.Remote
		}
		a.client = client.New(client.Config{BaseURL: remote, Timeout: cfg.Client.ClientTimeout()})
	}
	return nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ksync",
		Short: "Versioned file store client",
		Long: `ksync talks to a ksyncd server.

Every change to the remote store creates a new version. Old versions stay
readable with --version and can be restored with rollback.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/ksync/config.toml)")
	root.PersistentFlags().StringVarP(&a.remote, "remote", "r", "", "server URL (overrides the config file)")

	root.AddGroup(
		&cobra.Group{ID: "files", Title: "Files:"},
		&cobra.Group{ID: "versions", Title: "Versions:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)
	root.AddCommand(
		newInsertCmd(a),
		newGetCmd(a),
		newDeleteCmd(a),
		newListCmd(a),
		newNodeCmd(a),
		newClearCmd(a),
		newRollbackCmd(a),
		newHistoryCmd(a),
		newStatsCmd(a),
		newBatchCmd(a),
		newSyncCmd(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(newApp()).ExecuteContext(ctx)
	logging.Sync()
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}
