package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"protocol-metrics/internal/metrics"
	"protocol-metrics/internal/model"
	"protocol-metrics/internal/scheduler"
)

// ErrTickInProgress is returned when a tick fires while the previous one is still collecting.
var ErrTickInProgress = errors.New("collector: tick already in progress")

// State is the collector lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateCollecting
)

func (s State) String() string {
	if s == StateCollecting {
		return "collecting"
	}
	return "idle"
}

// Synthesizer supplies the tracked metrics.
type Synthesizer interface {
	Names() []string
	Current(ctx context.Context, name string) (model.MetricSample, error)
}

// Appender persists collected points.
type Appender interface {
	Append(ctx context.Context, metric string, p model.Point) error
}

// Locker serialises ticks across processes. acquired=false means another instance holds it.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}

// Observer is notified with every completed tick's samples.
type Observer interface {
	Observe(ctx context.Context, bucket time.Time, samples []model.MetricSample)
}

// Options tune the collector.
type Options struct {
	Workers        int
	CollectOnStart bool
	Locker         Locker
	Observers      []Observer
}

// TickResult summarises one tick.
type TickResult struct {
	Bucket        time.Time
	Collected     int
	Unavailable   int
	StorageErrors int
	Duration      time.Duration
}

// Collector snapshots every tracked metric once per tick into the time-series store.
type Collector struct {
	synth     Synthesizer
	store     Appender
	scheduler *scheduler.Scheduler
	opts      Options
	logger    zerolog.Logger

	state atomic.Int32
}

// New constructs a collector.
func New(synth Synthesizer, store Appender, sched *scheduler.Scheduler, opts Options, logger zerolog.Logger) *Collector {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Collector{
		synth:     synth,
		store:     store,
		scheduler: sched,
		opts:      opts,
		logger:    logger.With().Str("component", "collector").Logger(),
	}
}

// State returns the current lifecycle state.
func (c *Collector) State() State {
	return State(c.state.Load())
}

// Run collects once immediately when configured, then on every scheduled tick until ctx ends.
func (c *Collector) Run(ctx context.Context) error {
	if c.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if c.opts.CollectOnStart {
		bucket := c.scheduler.BucketStart(time.Now())
		if err := c.onTick(ctx, bucket); err != nil {
			c.logger.Error().Err(err).Msg("initial collection failed")
		}
	}
	return c.scheduler.Run(ctx, c.onTick)
}

func (c *Collector) onTick(ctx context.Context, bucket time.Time) error {
	_, err := c.Tick(ctx, bucket)
	if errors.Is(err, ErrTickInProgress) {
		c.logger.Warn().Time("bucket", bucket).Msg("previous tick still collecting; skipping")
		return nil
	}
	return err
}

// Tick collects every metric and appends one row per metric stamped with bucket.
// A storage failure for one metric is logged and does not stop the others.
func (c *Collector) Tick(ctx context.Context, bucket time.Time) (TickResult, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateCollecting)) {
		metrics.CollectorTicksTotal.WithLabelValues("skipped").Inc()
		return TickResult{}, ErrTickInProgress
	}
	defer c.state.Store(int32(StateIdle))

	unlock, proceed, err := c.acquireLock(ctx)
	if err != nil {
		return TickResult{}, err
	}
	if !proceed {
		metrics.CollectorTicksTotal.WithLabelValues("locked").Inc()
		c.logger.Debug().Time("bucket", bucket).Msg("skip bucket because lock held elsewhere")
		return TickResult{Bucket: bucket}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := time.Now()
	samples := c.collect(ctx, bucket)

	result := TickResult{Bucket: bucket}
	for _, sample := range samples {
		if sample.Available() {
			result.Collected++
			metrics.MetricValue.WithLabelValues(sample.Metric).Set(sample.Value.Decimal.InexactFloat64())
		} else {
			result.Unavailable++
		}

		if err := c.store.Append(ctx, sample.Metric, sample.Point()); err != nil {
			result.StorageErrors++
			metrics.StorageErrorsTotal.WithLabelValues("append").Inc()
			c.logger.Error().Err(err).Str("metric", sample.Metric).Time("bucket", bucket).Msg("failed to append sample")
			continue
		}
		metrics.SamplesAppendedTotal.WithLabelValues(sample.Metric, string(sample.Quality)).Inc()
	}

	for _, obs := range c.opts.Observers {
		obs.Observe(ctx, bucket, samples)
	}

	result.Duration = time.Since(start)
	metrics.CollectorTicksTotal.WithLabelValues("completed").Inc()
	metrics.CollectorTickDuration.Observe(result.Duration.Seconds())
	c.logger.Info().Time("bucket", bucket).
		Int("collected", result.Collected).
		Int("unavailable", result.Unavailable).
		Int("storage_errors", result.StorageErrors).
		Dur("duration", result.Duration).
		Msg("tick recorded")

	return result, nil
}

// collect evaluates every metric concurrently. A panic while computing one metric
// turns that metric into an unavailable sample.
func (c *Collector) collect(ctx context.Context, bucket time.Time) []model.MetricSample {
	names := c.synth.Names()
	samples := make([]model.MetricSample, len(names))

	p := pool.New().WithMaxGoroutines(c.opts.Workers)
	for i, name := range names {
		i, name := i, name
		p.Go(func() {
			var catcher panics.Catcher
			catcher.Try(func() {
				samples[i] = c.collectOne(ctx, name, bucket)
			})
			if rec := catcher.Recovered(); rec != nil {
				c.logger.Error().Str("metric", name).Str("panic", fmt.Sprint(rec.Value)).Msg("metric collection panicked")
				samples[i] = model.Unavailable(name, bucket, model.ReasonPanic, fmt.Sprint(rec.Value))
			}
		})
	}
	p.Wait()
	return samples
}

func (c *Collector) collectOne(ctx context.Context, name string, bucket time.Time) model.MetricSample {
	sample, err := c.synth.Current(ctx, name)
	if err != nil {
		return model.Unavailable(name, bucket, model.ReasonSourceError, err.Error())
	}
	sample.Metric = name
	sample.Timestamp = bucket
	return sample
}

func (c *Collector) acquireLock(ctx context.Context) (func(), bool, error) {
	if c.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := c.opts.Locker.TryLock(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire collector lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
