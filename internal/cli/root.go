// Package cli implements replicactl, the operator tool for the durable state
// of a replica: its persisted view, stored snapshots and config files.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/shrtyk/replica-core/pkg/logger"
	"github.com/shrtyk/replica-core/pkg/storage"
	"github.com/spf13/cobra"
)

const (
	formatText = "text"
	formatJSON = "json"
)

var validFormats = []string{formatText, formatJSON}

// RootOptions holds the global flags.
type RootOptions struct {
	Verbose bool
	Format  string
	DataDir string
	Backend string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "replicactl",
		Short: "Inspect and repair the durable state of a replica",
		Long: `replicactl reads and updates what a replica keeps on stable storage:
the last view it took part in and the snapshots made for log compaction.
Run it against a stopped replica only.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				msg := fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats)
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", msg)
				return wrapExitError(ExitCommandError, msg, nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output on stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", formatText, "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "replica data directory")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", storage.BackendFile, "storage backend (file|sqlite)")

	cmd.AddCommand(newViewCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *formatter {
	return &formatter{
		format:  o.Format,
		w:       cmd.OutOrStdout(),
		errW:    cmd.ErrOrStderr(),
		verbose: o.Verbose,
	}
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	if !o.Verbose {
		return slog.New(slog.DiscardHandler)
	}
	return logger.NewWriterLogger(w, logger.Dev, false)
}

// openStore opens the storage of an existing data dir. A missing dir is an
// error: opening would silently create an empty replica state.
func (o *RootOptions) openStore(cmd *cobra.Command) (storage.Store, error) {
	if o.DataDir == "" {
		return nil, wrapExitError(ExitCommandError, "--data-dir is required", nil)
	}
	if _, err := os.Stat(o.DataDir); err != nil {
		return nil, wrapExitError(ExitCommandError, "data dir is not accessible", err)
	}
	st, err := storage.Open(o.Backend, o.DataDir, o.logger(cmd.ErrOrStderr()))
	if err != nil {
		return nil, wrapExitError(ExitCommandError, "failed to open storage", err)
	}
	return st, nil
}
