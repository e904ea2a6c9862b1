package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"protocol-metrics/internal/model"
	"protocol-metrics/internal/service"
	"protocol-metrics/internal/source"
	"protocol-metrics/internal/storage"
	"protocol-metrics/internal/synth"
)

// Reader is the read side the handlers serve.
type Reader interface {
	Metrics() []synth.Definition
	GetCurrent(ctx context.Context, metric string) (model.MetricSample, error)
	GetCurrentAll(ctx context.Context) []model.MetricSample
	GetChart(ctx context.Context, metric string, from, to time.Time, resolution time.Duration) (service.Chart, error)
	GetSourceHealth() []source.Health
	Ready(ctx context.Context) error
}

var _ Reader = (*service.Service)(nil)

const defaultHistoryWindow = 24 * time.Hour

type metricInfo struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Unit        string   `json:"unit,omitempty"`
	Description string   `json:"description,omitempty"`
	Source      string   `json:"source,omitempty"`
	Formula     string   `json:"formula,omitempty"`
	Inputs      []string `json:"inputs,omitempty"`
}

// Health always answers ok while the process is up.
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// Ready reports 503 while the history store is unreachable.
func Ready(r Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := r.Ready(req.Context()); err != nil {
			http.Error(w, `{"status":"not ready"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

// ListMetrics returns the catalog with live values when ?current=true.
func ListMetrics(r Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("current") == "true" {
			writeJSON(w, http.StatusOK, r.GetCurrentAll(req.Context()))
			return
		}
		defs := r.Metrics()
		out := make([]metricInfo, 0, len(defs))
		for _, d := range defs {
			out = append(out, metricInfo{
				Name:        d.Name,
				Kind:        string(d.Kind),
				Unit:        d.Unit,
				Description: d.Description,
				Source:      string(d.Source),
				Formula:     d.Formula,
				Inputs:      d.Inputs,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GetMetric returns one metric's live sample.
func GetMetric(r Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sample, err := r.GetCurrent(req.Context(), chi.URLParam(req, "name"))
		if err != nil {
			writeReadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sample)
	}
}

// GetHistory returns stored history, seeded with a single_point sample when empty.
// Query parameters: from, to (RFC3339 or unix seconds), resolution (Go duration).
func GetHistory(r Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		to := time.Now().UTC()
		if v := q.Get("to"); v != "" {
			t, err := parseTime(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
				return
			}
			to = t
		}
		from := to.Add(-defaultHistoryWindow)
		if v := q.Get("from"); v != "" {
			t, err := parseTime(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
				return
			}
			from = t
		}
		var resolution time.Duration
		if v := q.Get("resolution"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "invalid resolution")
				return
			}
			resolution = d
		}

		chart, err := r.GetChart(req.Context(), chi.URLParam(req, "name"), from, to, resolution)
		if err != nil {
			writeReadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chart)
	}
}

// SourceHealth lists breaker state per source.
func SourceHealth(r Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		health := r.GetSourceHealth()
		if health == nil {
			health = []source.Health{}
		}
		writeJSON(w, http.StatusOK, health)
	}
}

func parseTime(v string) (time.Time, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeReadError(w http.ResponseWriter, err error) {
	var serr *storage.StorageError
	switch {
	case errors.Is(err, synth.ErrUnknownMetric):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &serr):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
