package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"protocol-metrics/internal/model"
	"protocol-metrics/internal/source"
	"protocol-metrics/internal/synth"
)

// Synthesizer computes live samples from the metric catalog.
type Synthesizer interface {
	Names() []string
	Definition(name string) (synth.Definition, bool)
	Current(ctx context.Context, name string) (model.MetricSample, error)
	Cached(ctx context.Context, name string) (model.MetricSample, error)
	CurrentAll(ctx context.Context) []model.MetricSample
}

// HistoryReader answers range queries over stored history.
type HistoryReader interface {
	Query(ctx context.Context, metric string, from, to time.Time, resolution time.Duration) (model.HistorySeries, error)
	Recent(ctx context.Context, metric string, limit int) ([]model.Point, error)
	Ping(ctx context.Context) error
}

// HealthReporter lists the breaker state of every source.
type HealthReporter interface {
	Health() []source.Health
}

// Chart is a history series for display. Seed is set only when the window is empty
// and carries the last known value tagged single_point.
type Chart struct {
	model.HistorySeries
	Seed *model.MetricSample `json:"seed,omitempty"`
}

// Service is the read API over live and stored metrics.
type Service struct {
	synth   Synthesizer
	history HistoryReader
	health  HealthReporter
	logger  zerolog.Logger
}

// New constructs the read facade.
func New(s Synthesizer, history HistoryReader, health HealthReporter, logger zerolog.Logger) *Service {
	return &Service{
		synth:   s,
		history: history,
		health:  health,
		logger:  logger.With().Str("component", "service").Logger(),
	}
}

// Metrics lists the catalog in configuration order.
func (s *Service) Metrics() []synth.Definition {
	names := s.synth.Names()
	defs := make([]synth.Definition, 0, len(names))
	for _, name := range names {
		if d, ok := s.synth.Definition(name); ok {
			defs = append(defs, d)
		}
	}
	return defs
}

// GetCurrent returns the live sample for metric. The only error is synth.ErrUnknownMetric;
// source failures come back as an unavailable sample.
func (s *Service) GetCurrent(ctx context.Context, metric string) (model.MetricSample, error) {
	return s.synth.Current(ctx, metric)
}

// GetCurrentAll returns live samples for the whole catalog.
func (s *Service) GetCurrentAll(ctx context.Context) []model.MetricSample {
	return s.synth.CurrentAll(ctx)
}

// GetHistory reads stored history only and never touches sources.
func (s *Service) GetHistory(ctx context.Context, metric string, from, to time.Time, resolution time.Duration) (model.HistorySeries, error) {
	if _, ok := s.synth.Definition(metric); !ok {
		return model.HistorySeries{}, fmt.Errorf("%w: %s", synth.ErrUnknownMetric, metric)
	}
	if s.history == nil {
		return model.HistorySeries{}, errors.New("history store not configured")
	}
	return s.history.Query(ctx, metric, from, to, resolution)
}

// GetChart returns history, seeded when the window holds no points. The seed comes from
// a fresh cached source response, else from the newest stored row; it never triggers a
// source fetch, is never written back and is never counted as history.
func (s *Service) GetChart(ctx context.Context, metric string, from, to time.Time, resolution time.Duration) (Chart, error) {
	series, err := s.GetHistory(ctx, metric, from, to, resolution)
	if err != nil {
		return Chart{}, err
	}
	chart := Chart{HistorySeries: series}
	if len(series.Points) > 0 {
		return chart, nil
	}

	seed, err := s.seed(ctx, metric)
	if err != nil {
		return Chart{}, err
	}
	chart.Seed = &seed
	return chart, nil
}

func (s *Service) seed(ctx context.Context, metric string) (model.MetricSample, error) {
	cached, err := s.synth.Cached(ctx, metric)
	if err != nil {
		return model.MetricSample{}, err
	}
	if cached.Available() {
		cached.Quality = model.QualitySinglePoint
		return cached, nil
	}

	recent, err := s.history.Recent(ctx, metric, 1)
	if err != nil {
		s.logger.Warn().Err(err).Str("metric", metric).Msg("latest stored row unavailable for seed")
		return cached, nil
	}
	if len(recent) == 0 || !recent[0].Value.Valid {
		return cached, nil
	}
	return model.MetricSample{
		Metric:    metric,
		Timestamp: recent[0].Timestamp,
		Value:     recent[0].Value,
		Quality:   model.QualitySinglePoint,
	}, nil
}

// GetSourceHealth reports every source's breaker state and last latency.
func (s *Service) GetSourceHealth() []source.Health {
	if s.health == nil {
		return nil
	}
	return s.health.Health()
}

// Ready reports whether the history store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	if s.history == nil {
		return errors.New("history store not configured")
	}
	if err := s.history.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("history store not ready")
		return err
	}
	return nil
}
