package cli

import (
	"fmt"

	"github.com/shrtyk/replica-core/api"
	"github.com/spf13/cobra"
)

type snapshotInfo struct {
	Present        bool           `json:"present"`
	NextInstanceID api.InstanceID `json:"nextInstanceId,omitempty"`
	StateSize      int            `json:"stateSize,omitempty"`
	Clients        int            `json:"clients,omitempty"`
}

func (s snapshotInfo) Text() string {
	if !s.Present {
		return "no snapshot stored"
	}
	return fmt.Sprintf("next instance: %d\nstate size:    %d bytes\nclients:       %d",
		s.NextInstanceID, s.StateSize, s.Clients)
}

func newSnapshotCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect stored snapshots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Describe the most recent stored snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotShow(opts, cmd)
		},
	})
	return cmd
}

func runSnapshotShow(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := opts.openStore(cmd)
	if err != nil {
		return f.fail(asExitError(err))
	}
	defer st.Close()

	snap, err := st.LastSnapshot()
	if err != nil {
		return f.fail(wrapExitError(ExitFailure, "failed to read snapshot", err))
	}
	if snap == nil {
		return f.success(snapshotInfo{})
	}
	return f.success(snapshotInfo{
		Present:        true,
		NextInstanceID: snap.NextInstanceID,
		StateSize:      len(snap.State),
		Clients:        len(snap.LastReplyForClient),
	})
}
