package cli

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/shrtyk/replica-core/api"
	"github.com/spf13/cobra"
)

type viewInfo struct {
	DataDir  string   `json:"dataDir"`
	Backend  string   `json:"backend"`
	View     api.View `json:"view"`
	FirstRun bool     `json:"firstRun"`
}

func (v viewInfo) Text() string {
	s := fmt.Sprintf("view %d (%s backend, %s)", v.View, v.Backend, v.DataDir)
	if v.FirstRun {
		s += "\nno view was persisted before"
	}
	return s
}

type viewUpdate struct {
	Previous api.View `json:"previous"`
	View     api.View `json:"view"`
}

func (v viewUpdate) Text() string {
	if v.Previous == v.View {
		return fmt.Sprintf("view unchanged at %d", v.View)
	}
	return fmt.Sprintf("view %d -> %d", v.Previous, v.View)
}

func newViewCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show or advance the persisted view",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the persisted view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runViewShow(opts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <view>",
		Short: "Advance the persisted view; a lower view is refused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runViewSet(opts, cmd, args[0])
		},
	})
	return cmd
}

func runViewShow(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := opts.openStore(cmd)
	if err != nil {
		return f.fail(asExitError(err))
	}
	defer st.Close()

	return f.success(viewInfo{
		DataDir:  opts.DataDir,
		Backend:  opts.Backend,
		View:     st.View(),
		FirstRun: st.FirstRun(),
	})
}

func runViewSet(opts *RootOptions, cmd *cobra.Command, arg string) error {
	f := opts.formatter(cmd)
	v, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || v < 0 {
		return f.fail(wrapExitError(ExitCommandError, fmt.Sprintf("invalid view %q", arg), err))
	}

	st, err := opts.openStore(cmd)
	if err != nil {
		return f.fail(asExitError(err))
	}
	defer st.Close()

	prev := st.View()
	f.verboseLog("current view %d, requested %d", prev, v)
	if err := st.SetView(api.View(v)); err != nil {
		if errors.Is(err, api.ErrViewDecrease) {
			return f.fail(wrapExitError(ExitFailure, fmt.Sprintf("refusing to move view %d back to %d", prev, v), err))
		}
		return f.fail(wrapExitError(ExitFailure, "failed to persist view", err))
	}
	return f.success(viewUpdate{Previous: prev, View: api.View(v)})
}

func asExitError(err error) *ExitError {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	return wrapExitError(ExitFailure, "command failed", err)
}
