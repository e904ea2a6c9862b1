package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateMetric string
	simulateValue  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Evaluate alert rules against a synthetic value",
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := decimal.NewFromString(simulateValue)
		if err != nil {
			return fmt.Errorf("invalid --value: %w", err)
		}
		return getApp().SimulateAlert(cmd.Context(), simulateMetric, value)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMetric, "metric", "tcr", "Metric the synthetic value belongs to")
	simulateCmd.Flags().StringVar(&simulateValue, "value", "", "Synthetic metric value")
}
