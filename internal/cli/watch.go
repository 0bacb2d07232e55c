package cli

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/agentwatch/internal/daemon"
	"github.com/Dicklesworthstone/agentwatch/internal/output"
	"github.com/Dicklesworthstone/agentwatch/internal/tui"
)

func newWatchCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of the running daemon",
		Long: `Open a live view of the daemon's last cycle, component health and agents.
The view re-reads the daemon's status snapshot; it never talks to tmux itself.

Keys: r refresh, p pause, a toggle agents, q quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !output.IsTerminal(os.Stdout) {
				return errors.New("watch needs a terminal; use `agentwatch status --json` instead")
			}
			fetch := func() (*daemon.Snapshot, error) {
				return daemon.ReadSnapshot(a.cfg)
			}
			return tui.Run(fetch, interval, output.NewStyles(os.Stdout))
		},
	}
	cmd.Flags().DurationVar(&interval, "refresh", tui.DefaultRefreshInterval, "How often to re-read the snapshot")
	return cmd
}
