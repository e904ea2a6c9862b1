package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"protocol-metrics/internal/metrics"
)

// Pruner deletes rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// Options configure the retention job.
type Options struct {
	Horizon  time.Duration
	Schedule string
	Now      func() time.Time
}

// Job periodically drops history older than the retention horizon.
type Job struct {
	store  Pruner
	opts   Options
	cron   *cron.Cron
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs the job; the schedule uses the seconds-enabled cron syntax.
func New(store Pruner, opts Options, logger zerolog.Logger) (*Job, error) {
	if opts.Horizon <= 0 {
		return nil, errors.New("retention horizon must be positive")
	}
	if opts.Schedule == "" {
		opts.Schedule = "@every 1h"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	j := &Job{
		store:  store,
		opts:   opts,
		cron:   cron.New(cron.WithSeconds()),
		logger: logger.With().Str("component", "retention").Logger(),
	}
	if _, err := j.cron.AddFunc(opts.Schedule, j.runScheduled); err != nil {
		return nil, fmt.Errorf("add retention schedule %q: %w", opts.Schedule, err)
	}
	return j, nil
}

// Start launches the cron loop. Stop must be called to release it.
func (j *Job) Start(ctx context.Context) {
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.cron.Start()
	j.logger.Info().Dur("horizon", j.opts.Horizon).Str("schedule", j.opts.Schedule).Msg("retention job started")
}

// Stop halts the cron loop and waits for a running prune.
func (j *Job) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	<-j.cron.Stop().Done()
}

func (j *Job) runScheduled() {
	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error().Err(err).Msg("retention prune failed")
	}
}

// RunOnce prunes everything older than now minus the horizon.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.opts.Now().UTC().Add(-j.opts.Horizon)
	n, err := j.store.Prune(ctx, cutoff)
	if err != nil {
		metrics.StorageErrorsTotal.WithLabelValues("prune").Inc()
		return 0, fmt.Errorf("prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	metrics.PrunedRowsTotal.Add(float64(n))
	j.logger.Info().Time("cutoff", cutoff).Int("rows", n).Msg("pruned history")
	return n, nil
}
