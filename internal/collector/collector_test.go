package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"protocol-metrics/internal/model"
)

type stubSynth struct {
	names   []string
	values  map[string]model.MetricSample
	panicOn string
	block   chan struct{}
}

func (s *stubSynth) Names() []string { return s.names }

func (s *stubSynth) Current(ctx context.Context, name string) (model.MetricSample, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return model.MetricSample{}, ctx.Err()
		}
	}
	if name == s.panicOn {
		panic("boom")
	}
	sample, ok := s.values[name]
	if !ok {
		return model.MetricSample{}, errors.New("unknown metric")
	}
	return sample, nil
}

type memStore struct {
	mu     sync.Mutex
	rows   map[string][]model.Point
	failOn string
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string][]model.Point)}
}

func (m *memStore) Append(_ context.Context, metric string, p model.Point) error {
	if metric == m.failOn {
		return errors.New("disk full")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[metric] = append(m.rows[metric], p)
	return nil
}

func (m *memStore) get(metric string) []model.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Point(nil), m.rows[metric]...)
}

type heldLock struct{}

func (heldLock) TryLock(context.Context) (func(), bool, error) { return nil, false, nil }

type recordingObserver struct {
	mu      sync.Mutex
	batches [][]model.MetricSample
}

func (r *recordingObserver) Observe(_ context.Context, _ time.Time, samples []model.MetricSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, samples)
}

var bucket = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleSynth() *stubSynth {
	now := time.Now()
	return &stubSynth{
		names: []string{"supply", "collateral", "ratio"},
		values: map[string]model.MetricSample{
			"supply":     model.Observed("supply", now, decimal.RequireFromString("1000")),
			"collateral": model.Unavailable("collateral", now, model.ReasonCircuitOpen, "open"),
			"ratio":      model.Unavailable("ratio", now, model.ReasonInputUnavailable, "collateral"),
		},
	}
}

func TestTickStampsEveryMetricWithBucket(t *testing.T) {
	store := newMemStore()
	obs := &recordingObserver{}
	c := New(sampleSynth(), store, nil, Options{Observers: []Observer{obs}}, zerolog.Nop())

	res, err := c.Tick(context.Background(), bucket)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Collected != 1 || res.Unavailable != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	for _, name := range []string{"supply", "collateral", "ratio"} {
		rows := store.get(name)
		if len(rows) != 1 {
			t.Fatalf("%s: expected 1 row, got %d", name, len(rows))
		}
		if !rows[0].Timestamp.Equal(bucket) {
			t.Fatalf("%s: timestamp %s, want bucket", name, rows[0].Timestamp)
		}
	}
	if rows := store.get("collateral"); rows[0].Value.Valid || rows[0].Quality != model.QualityUnavailable {
		t.Fatalf("unavailable metric persisted a value: %+v", rows[0])
	}
	if len(obs.batches) != 1 || len(obs.batches[0]) != 3 {
		t.Fatalf("observer saw %d batches", len(obs.batches))
	}
}

func TestTickStorageErrorDoesNotStopOtherMetrics(t *testing.T) {
	store := newMemStore()
	store.failOn = "supply"
	c := New(sampleSynth(), store, nil, Options{}, zerolog.Nop())

	res, err := c.Tick(context.Background(), bucket)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.StorageErrors != 1 {
		t.Fatalf("storage errors = %d", res.StorageErrors)
	}
	if len(store.get("collateral")) != 1 || len(store.get("ratio")) != 1 {
		t.Fatal("remaining metrics must still be stored")
	}
}

func TestTickIsolatesPanickingMetric(t *testing.T) {
	synth := sampleSynth()
	synth.panicOn = "supply"
	store := newMemStore()
	c := New(synth, store, nil, Options{}, zerolog.Nop())

	if _, err := c.Tick(context.Background(), bucket); err != nil {
		t.Fatalf("tick: %v", err)
	}
	rows := store.get("supply")
	if len(rows) != 1 || rows[0].Quality != model.QualityUnavailable {
		t.Fatalf("panicking metric should be stored unavailable: %+v", rows)
	}
	if len(store.get("collateral")) != 1 {
		t.Fatal("other metrics must still be collected")
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	synth := sampleSynth()
	synth.block = make(chan struct{})
	store := newMemStore()
	c := New(synth, store, nil, Options{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := c.Tick(context.Background(), bucket)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for c.State() != StateCollecting {
		if time.Now().After(deadline) {
			t.Fatal("first tick never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := c.Tick(context.Background(), bucket.Add(time.Minute)); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("expected ErrTickInProgress, got %v", err)
	}

	close(synth.block)
	if err := <-done; err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatal("collector should return to idle")
	}
	for _, name := range synth.names {
		rows := store.get(name)
		if len(rows) != 1 || !rows[0].Timestamp.Equal(bucket) {
			t.Fatalf("%s: skipped tick must not write rows: %+v", name, rows)
		}
	}
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	store := newMemStore()
	c := New(sampleSynth(), store, nil, Options{Locker: heldLock{}}, zerolog.Nop())

	res, err := c.Tick(context.Background(), bucket)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Collected != 0 || len(store.get("supply")) != 0 {
		t.Fatal("tick should not collect without the lock")
	}
}
