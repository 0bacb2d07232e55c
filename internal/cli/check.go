package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/agentwatch/internal/daemon"
	"github.com/Dicklesworthstone/agentwatch/internal/output"
)

func newCheckCmd(a *app) *cobra.Command {
	var (
		strategyName string
		sessions     []string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one monitoring cycle in the foreground and print it",
		Long: `Run a single monitoring cycle without the daemon. Notifications,
auto-submission and recovery behave as they would in the daemon.

Examples:
  agentwatch check
  agentwatch check --session myproject --json
  agentwatch check --strategy sequential`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sessions) > 0 {
				a.cfg.Monitor.Sessions = sessions
			}
			st, err := daemon.Check(cmd.Context(), a.cfg, daemon.StartOptions{
				Strategy:   strategyName,
				ConfigPath: a.cfgFile,
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}

			f := a.formatter(cmd)
			if f.Structured() {
				return f.Encode(st)
			}
			printCycle(f, st)
			if len(st.Agents) == 0 {
				return nil
			}
			f.Line()
			s := f.Styles()
			t := f.Table("TARGET", "NAME", "ROLE", "STATE", "IDLE", "REASON")
			t.SetMaxWidth(5, max(output.Width(f.Writer())-60, 16))
			for _, row := range st.Agents {
				reason := row.Reason
				if row.Deferred {
					reason = "deferred: " + reason
				}
				t.AddRow(row.Target, row.Name, string(row.Role), string(row.State), strconv.Itoa(row.IdleStreak), reason)
			}
			t.Colorize = func(r, col int, cell string) string {
				if col == 3 {
					return s.State(st.Agents[r].State).Render(cell)
				}
				return cell
			}
			t.Render()
			if st.ErrorsDetected > 0 {
				return fmt.Errorf("%s during the cycle", output.CountStr(st.ErrorsDetected, "error", "errors"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategyName, "strategy", "", "Strategy to run (default from config)")
	cmd.Flags().StringSliceVar(&sessions, "session", nil, "Only monitor these sessions (repeatable)")
	return cmd
}
