package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"protocol-metrics/internal/breaker"
	"protocol-metrics/internal/cache"
	"protocol-metrics/internal/model"
	"protocol-metrics/internal/source"
	"protocol-metrics/internal/synth"
)

type countingAdapter struct {
	calls atomic.Int32
}

func (a *countingAdapter) ID() source.ID { return "chain_rpc" }

func (a *countingAdapter) Fetch(context.Context, source.Query) (source.Response, error) {
	a.calls.Add(1)
	return source.Response{Body: []byte(`{"value":"1250"}`)}, nil
}

func TestEmptyHistoryChartDoesNotFetch(t *testing.T) {
	adapter := &countingAdapter{}
	reg := source.NewRegistry(cache.New[source.Response](cache.Options{}), zerolog.Nop())
	if _, err := reg.Register(adapter, source.GuardOptions{
		Timeout: time.Second,
		Breaker: breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour},
	}); err != nil {
		t.Fatal(err)
	}
	s, err := synth.New([]synth.Definition{{
		Name:   "supply",
		Kind:   synth.KindObserved,
		Source: "chain_rpc",
		Query:  source.Query{Method: "totalSupply", Target: "0xtoken"},
		Path:   "value",
		TTL:    time.Minute,
	}}, reg, synth.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	svc := New(s, &stubHistory{}, reg, zerolog.Nop())
	ctx := context.Background()

	chart, err := svc.GetChart(ctx, "supply", now.Add(-time.Hour), now, 0)
	if err != nil {
		t.Fatalf("GetChart: %v", err)
	}
	if got := adapter.calls.Load(); got != 0 {
		t.Fatalf("history read reached the adapter %d times", got)
	}
	if chart.Seed == nil || chart.Seed.Available() || chart.Seed.Reason != model.ReasonNotCached {
		t.Fatalf("expected unavailable seed, got %+v", chart.Seed)
	}
	if h := reg.Health(); h[0].ConsecutiveFailures != 0 || h[0].ConsecutiveSuccesses != 0 {
		t.Fatalf("history read touched the breaker: %+v", h[0])
	}

	if live, _ := svc.GetCurrent(ctx, "supply"); !live.Available() {
		t.Fatalf("live read unavailable: %+v", live)
	}
	chart, err = svc.GetChart(ctx, "supply", now.Add(-time.Hour), now, 0)
	if err != nil {
		t.Fatalf("GetChart: %v", err)
	}
	if got := adapter.calls.Load(); got != 1 {
		t.Fatalf("adapter calls = %d, want only the live read", got)
	}
	if chart.Seed == nil || chart.Seed.Quality != model.QualitySinglePoint || chart.Seed.Value.Decimal.String() != "1250" {
		t.Fatalf("expected cached single_point seed, got %+v", chart.Seed)
	}
}
