package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"protocol-metrics/internal/app"
)

var (
	showMetric string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently stored samples",
	Long: `Display recently stored samples from the history store.

The bolt driver allows one process per database file. While "metricsd run" holds
the file this command fails with a lock error; stop the daemon first, read through the
HTTP API, or use the postgres driver.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{
			Metric: showMetric,
			Limit:  showLimit,
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showMetric, "metric", "", "Metric to display; all metrics when empty")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
