package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quality tags how a sample value came to be.
type Quality string

const (
	QualityObserved    Quality = "observed"
	QualityDerived     Quality = "derived"
	QualityUnavailable Quality = "unavailable"
	// QualitySinglePoint marks a last known value shown in place of an empty history window.
	QualitySinglePoint Quality = "single_point"
)

// Persistable reports whether the quality may be written to the time-series store.
func (q Quality) Persistable() bool {
	switch q {
	case QualityObserved, QualityDerived, QualityUnavailable:
		return true
	default:
		return false
	}
}

// Reasons attached to unavailable samples.
const (
	ReasonCircuitOpen      = "circuit_open"
	ReasonTimeout          = "timeout"
	ReasonSourceError      = "source_error"
	ReasonCanceled         = "canceled"
	ReasonExtract          = "extract"
	ReasonInputUnavailable = "input_unavailable"
	ReasonUndefined        = "undefined"
	ReasonPanic            = "panic"
	ReasonNotCached        = "not_cached"
)

// MetricSample is one value of a metric at a point in time.
type MetricSample struct {
	Metric    string              `json:"metric"`
	Timestamp time.Time           `json:"timestamp"`
	Value     decimal.NullDecimal `json:"value"`
	Quality   Quality             `json:"quality"`
	Method    string              `json:"method,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Detail    string              `json:"detail,omitempty"`
}

// Observed builds a sample read directly from a source.
func Observed(metric string, ts time.Time, v decimal.Decimal) MetricSample {
	return MetricSample{
		Metric:    metric,
		Timestamp: ts,
		Value:     decimal.NewNullDecimal(v),
		Quality:   QualityObserved,
	}
}

// Derived builds a sample computed from other samples.
func Derived(metric string, ts time.Time, v decimal.Decimal, method string) MetricSample {
	return MetricSample{
		Metric:    metric,
		Timestamp: ts,
		Value:     decimal.NewNullDecimal(v),
		Quality:   QualityDerived,
		Method:    method,
	}
}

// Unavailable builds a null sample carrying the reason it could not be produced.
func Unavailable(metric string, ts time.Time, reason, detail string) MetricSample {
	return MetricSample{
		Metric:    metric,
		Timestamp: ts,
		Quality:   QualityUnavailable,
		Reason:    reason,
		Detail:    detail,
	}
}

// Available reports whether the sample carries a value.
func (s MetricSample) Available() bool {
	return s.Value.Valid && s.Quality != QualityUnavailable
}

// Point converts the sample to its persisted form.
func (s MetricSample) Point() Point {
	return Point{Timestamp: s.Timestamp, Value: s.Value, Quality: s.Quality}
}

// Point is one persisted row of a metric's history.
type Point struct {
	Timestamp time.Time           `json:"timestamp"`
	Value     decimal.NullDecimal `json:"value"`
	Quality   Quality             `json:"quality"`
}

// HistorySeries is an ordered, resampled slice of one metric's history over [From, To].
type HistorySeries struct {
	Metric     string        `json:"metric"`
	From       time.Time     `json:"from"`
	To         time.Time     `json:"to"`
	Resolution time.Duration `json:"resolution_ns"`
	Points     []Point       `json:"points"`
}
