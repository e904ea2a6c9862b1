package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"protocol-metrics/internal/model"
)

// SimulateAlert feeds one synthetic sample through the configured alert rules.
func (a *App) SimulateAlert(ctx context.Context, metric string, value decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}
	if metric == "" {
		return errors.New("--metric is required")
	}

	watcher, err := a.newWatcher()
	if err != nil {
		return err
	}

	bucket := time.Now().UTC().Truncate(a.Config.Collector.Interval)
	sample := model.Observed(metric, bucket, value)
	watcher.Observe(ctx, bucket, []model.MetricSample{sample})
	return nil
}
