package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
)

func newMetricsCmd(a *app) *cobra.Command {
	var prometheus bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print the metrics written by the daemon after its last cycle",
		Long: `Print the daemon's metrics. The default is a human-readable summary;
--prometheus prints the text exposition format. When metrics.listen is set
the same data is served live at /metrics and /metrics/summary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Metrics.Enabled {
				return errors.New("metrics are disabled in the configuration")
			}
			path := a.cfg.SummaryPath()
			if prometheus {
				path = a.cfg.MetricsPath()
			}
			data, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("no metrics yet: %s does not exist (is the daemon running?)", path)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&prometheus, "prometheus", false, "Print Prometheus text format")
	return cmd
}
