package app

import (
	"context"

	"protocol-metrics/internal/retention"
)

// Prune runs one retention pass and returns the number of rows removed.
func (a *App) Prune(ctx context.Context) (int, error) {
	store, _, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	job, err := retention.New(store, retention.Options{
		Horizon:  a.Config.Retention.Horizon,
		Schedule: a.Config.Retention.Schedule,
	}, a.Logger)
	if err != nil {
		return 0, err
	}
	return job.RunOnce(ctx)
}
