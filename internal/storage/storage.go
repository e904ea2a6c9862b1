package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"protocol-metrics/internal/model"
)

var (
	// ErrNotConfigured indicates the storage handle was not initialised.
	ErrNotConfigured = errors.New("storage: not configured")
	// ErrInvalidRange is returned when a query window has from after to.
	ErrInvalidRange = errors.New("storage: from is after to")
	// ErrLocked is returned when another process holds the bolt database file.
	ErrLocked = errors.New("storage: database file is locked by another process")
)

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// TimeSeriesStore persists metric points and answers range queries.
// Appending an existing (metric, timestamp) replaces the stored point.
type TimeSeriesStore interface {
	Append(ctx context.Context, metric string, p model.Point) error
	Query(ctx context.Context, metric string, from, to time.Time, resolution time.Duration) (model.HistorySeries, error)
	Recent(ctx context.Context, metric string, limit int) ([]model.Point, error)
	Metrics(ctx context.Context) ([]string, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// AdvisoryLocker exposes cross-process lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

func validatePoint(metric string, p model.Point) error {
	if metric == "" {
		return errors.New("metric name is required")
	}
	if p.Timestamp.IsZero() || p.Timestamp.Before(time.Unix(0, 0)) {
		return fmt.Errorf("timestamp %s out of range", p.Timestamp)
	}
	if !p.Quality.Persistable() {
		return fmt.Errorf("quality %q cannot be stored", p.Quality)
	}
	if p.Quality == model.QualityUnavailable && p.Value.Valid {
		return errors.New("unavailable point must not carry a value")
	}
	if p.Quality != model.QualityUnavailable && !p.Value.Valid {
		return fmt.Errorf("%s point requires a value", p.Quality)
	}
	return nil
}

func newSeries(metric string, from, to time.Time, resolution time.Duration, rows []model.Point) model.HistorySeries {
	return model.HistorySeries{
		Metric:     metric,
		From:       from,
		To:         to,
		Resolution: resolution,
		Points:     Resample(rows, resolution),
	}
}
