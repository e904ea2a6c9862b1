package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collector, retention job and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Fetch and print the live value of every metric",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Current(cmd.Context())
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete history older than the retention horizon",
	Long: `Delete history older than the retention horizon.

The bolt driver allows one process per database file. While "metricsd run" holds
the file this command fails with a lock error; stop the daemon first, read through the
HTTP API, or use the postgres driver.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := getApp().Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d rows\n", n)
		return nil
	},
}
