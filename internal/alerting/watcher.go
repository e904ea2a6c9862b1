package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"protocol-metrics/internal/metrics"
	"protocol-metrics/internal/model"
)

// Rule fires when metric drops below Below or rises above Above. Either bound may be nil.
type Rule struct {
	Metric string
	Below  *decimal.Decimal
	Above  *decimal.Decimal
	Unit   string
}

// Evaluate returns the crossed bound, if any.
func (r Rule) Evaluate(v decimal.Decimal) (Direction, decimal.Decimal, bool) {
	if r.Below != nil && v.LessThan(*r.Below) {
		return DirectionBelow, *r.Below, true
	}
	if r.Above != nil && v.GreaterThan(*r.Above) {
		return DirectionAbove, *r.Above, true
	}
	return "", decimal.Zero, false
}

// WatcherOptions tune the watcher.
type WatcherOptions struct {
	Cooldown time.Duration
	Now      func() time.Time
}

// Watcher checks every collected tick against the configured rules.
// Unavailable samples are never evaluated.
type Watcher struct {
	rules    map[string][]Rule
	notifier Notifier
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewWatcher validates rules and constructs a watcher.
func NewWatcher(rules []Rule, notifier Notifier, opts WatcherOptions, logger zerolog.Logger) (*Watcher, error) {
	if notifier == nil {
		return nil, errors.New("alerting: notifier is required")
	}
	w := &Watcher{
		rules:    make(map[string][]Rule),
		notifier: notifier,
		cooldown: opts.Cooldown,
		now:      opts.Now,
		logger:   logger.With().Str("component", "alert_watcher").Logger(),
		lastSent: make(map[string]time.Time),
	}
	if w.now == nil {
		w.now = time.Now
	}
	for _, r := range rules {
		if r.Metric == "" {
			return nil, errors.New("alerting: rule without metric")
		}
		if r.Below == nil && r.Above == nil {
			return nil, fmt.Errorf("alerting: rule for %q has no bound", r.Metric)
		}
		w.rules[r.Metric] = append(w.rules[r.Metric], r)
	}
	return w, nil
}

// Observe evaluates samples from one tick.
func (w *Watcher) Observe(ctx context.Context, bucket time.Time, samples []model.MetricSample) {
	for _, sample := range samples {
		if !sample.Available() {
			continue
		}
		for _, rule := range w.rules[sample.Metric] {
			dir, threshold, hit := rule.Evaluate(sample.Value.Decimal)
			if !hit {
				continue
			}
			key := sample.Metric + ":" + string(dir)
			if !w.claim(key) {
				metrics.AlertsSuppressedTotal.WithLabelValues(sample.Metric).Inc()
				continue
			}
			note := Notification{
				Bucket:    bucket,
				Metric:    sample.Metric,
				Value:     sample.Value.Decimal,
				Threshold: threshold,
				Direction: dir,
				Quality:   string(sample.Quality),
				Unit:      rule.Unit,
			}
			if err := w.notifier.Notify(ctx, note); err != nil {
				w.release(key)
				metrics.AlertsFailedTotal.WithLabelValues(sample.Metric).Inc()
				w.logger.Error().Err(err).Str("metric", sample.Metric).Msg("failed to dispatch alert")
				continue
			}
			metrics.AlertsSentTotal.WithLabelValues(sample.Metric).Inc()
		}
	}
}

// claim reserves a send slot for key unless it is still cooling down.
func (w *Watcher) claim(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if last, ok := w.lastSent[key]; ok && now.Sub(last) < w.cooldown {
		return false
	}
	w.lastSent[key] = now
	return true
}

func (w *Watcher) release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.lastSent, key)
}
