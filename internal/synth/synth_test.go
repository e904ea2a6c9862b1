package synth

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"protocol-metrics/internal/breaker"
	"protocol-metrics/internal/cache"
	"protocol-metrics/internal/model"
	"protocol-metrics/internal/source"
)

type fakeAdapter struct {
	id     source.ID
	bodies map[string]string
	down   atomic.Bool
	calls  atomic.Int32
}

func (f *fakeAdapter) ID() source.ID { return f.id }

func (f *fakeAdapter) Fetch(_ context.Context, q source.Query) (source.Response, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return source.Response{}, errors.New("connection refused")
	}
	body, ok := f.bodies[q.Target]
	if !ok {
		return source.Response{}, errors.New("not found")
	}
	return source.Response{Body: []byte(body)}, nil
}

func newRegistry(t *testing.T, adapters ...source.Adapter) *source.Registry {
	t.Helper()
	reg := source.NewRegistry(cache.New[source.Response](cache.Options{}), zerolog.Nop())
	for _, a := range adapters {
		if _, err := reg.Register(a, source.GuardOptions{
			Timeout: time.Second,
			Breaker: breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour},
		}); err != nil {
			t.Fatalf("register %s: %v", a.ID(), err)
		}
	}
	return reg
}

func observed(name string, id source.ID, target string) Definition {
	return Definition{
		Name:   name,
		Kind:   KindObserved,
		Source: id,
		Query:  source.Query{Target: target},
		Path:   "value",
		TTL:    time.Minute,
	}
}

func TestRatioUnavailableWhenCollateralSourceDown(t *testing.T) {
	collateralSrc := &fakeAdapter{id: "collateral_api", bodies: map[string]string{"coll": `{"value":"150"}`}}
	supplySrc := &fakeAdapter{id: "supply_api", bodies: map[string]string{"supply": `{"value":"100"}`}}
	collateralSrc.down.Store(true)

	s, err := New([]Definition{
		observed("collateral", "collateral_api", "coll"),
		observed("supply", "supply_api", "supply"),
		{Name: "ratio", Kind: KindDerived, Formula: "ratio", Inputs: []string{"collateral", "supply"}},
	}, newRegistry(t, collateralSrc, supplySrc), Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	sample, err := s.Current(ctx, "ratio")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if sample.Quality != model.QualityUnavailable || sample.Value.Valid {
		t.Fatalf("ratio must be unavailable with null value, got %+v", sample)
	}
	if sample.Reason != model.ReasonInputUnavailable {
		t.Fatalf("reason = %q", sample.Reason)
	}

	// The breaker is now open; a second read stays unavailable without reaching the source.
	calls := collateralSrc.calls.Load()
	sample, _ = s.Current(ctx, "collateral")
	if sample.Reason != model.ReasonCircuitOpen {
		t.Fatalf("expected circuit_open, got %q", sample.Reason)
	}
	if collateralSrc.calls.Load() != calls {
		t.Fatal("open circuit must not reach the adapter")
	}

	supply, _ := s.Current(ctx, "supply")
	if !supply.Available() || !supply.Value.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("supply should be unaffected, got %+v", supply)
	}
}

func TestDerivedRatioAvailable(t *testing.T) {
	src := &fakeAdapter{id: "api", bodies: map[string]string{
		"coll":   `{"value":"150"}`,
		"supply": `{"value":"100"}`,
	}}
	s, err := New([]Definition{
		observed("collateral", "api", "coll"),
		observed("supply", "api", "supply"),
		{Name: "ratio", Kind: KindDerived, Formula: "ratio", Inputs: []string{"collateral", "supply"}},
	}, newRegistry(t, src), Options{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	sample, _ := s.Current(context.Background(), "ratio")
	if sample.Quality != model.QualityDerived || sample.Method != "ratio" {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if !sample.Value.Decimal.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("ratio = %s, want 1.5", sample.Value.Decimal)
	}
}

func TestZeroDebtIsUndefinedNotSentinel(t *testing.T) {
	src := &fakeAdapter{id: "rpc", bodies: map[string]string{
		"coll":  `{"value":"1000"}`,
		"price": `{"value":"3.2"}`,
		"debt":  `{"value":"0"}`,
	}}
	s, err := New([]Definition{
		observed("collateral", "rpc", "coll"),
		observed("collateral_price", "rpc", "price"),
		observed("debt", "rpc", "debt"),
		{Name: "tcr", Kind: KindDerived, Formula: "collateral_ratio", Inputs: []string{"collateral", "collateral_price", "debt"}},
	}, newRegistry(t, src), Options{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	sample, _ := s.Current(context.Background(), "tcr")
	if sample.Quality != model.QualityUnavailable || sample.Value.Valid {
		t.Fatalf("zero debt must give unavailable, got %+v", sample)
	}
	if sample.Reason != model.ReasonUndefined {
		t.Fatalf("reason = %q, want undefined", sample.Reason)
	}
}

func TestTCRFromObservedInputs(t *testing.T) {
	src := &fakeAdapter{id: "rpc", bodies: map[string]string{
		"coll":  `{"value":"1000"}`,
		"price": `{"value":"3"}`,
		"debt":  `{"value":"1500"}`,
	}}
	s, _ := New([]Definition{
		observed("collateral", "rpc", "coll"),
		observed("collateral_price", "rpc", "price"),
		observed("debt", "rpc", "debt"),
		{Name: "tcr", Kind: KindDerived, Formula: "collateral_ratio", Inputs: []string{"collateral", "collateral_price", "debt"}},
	}, newRegistry(t, src), Options{}, zerolog.Nop())

	sample, _ := s.Current(context.Background(), "tcr")
	if !sample.Available() || !sample.Value.Decimal.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("tcr = %+v, want 200", sample)
	}
	if sample.Method != "collateral_value_over_debt_pct" {
		t.Fatalf("method = %q", sample.Method)
	}
}

func TestExtractionFailureIsUnavailable(t *testing.T) {
	src := &fakeAdapter{id: "api", bodies: map[string]string{
		"missing": `{"other":"1"}`,
		"null":    `{"value":null}`,
		"text":    `{"value":"n/a"}`,
	}}
	s, _ := New([]Definition{
		observed("a", "api", "missing"),
		observed("b", "api", "null"),
		observed("c", "api", "text"),
	}, newRegistry(t, src), Options{}, zerolog.Nop())

	for _, name := range []string{"a", "b", "c"} {
		sample, _ := s.Current(context.Background(), name)
		if sample.Quality != model.QualityUnavailable || sample.Reason != model.ReasonExtract {
			t.Fatalf("%s: expected extract failure, got %+v", name, sample)
		}
	}
}

func TestObservedScale(t *testing.T) {
	src := &fakeAdapter{id: "api", bodies: map[string]string{"raw": `{"value":"1234500"}`}}
	d := observed("amount", "api", "raw")
	d.Scale = 6
	s, _ := New([]Definition{d}, newRegistry(t, src), Options{}, zerolog.Nop())

	sample, _ := s.Current(context.Background(), "amount")
	if !sample.Value.Decimal.Equal(decimal.RequireFromString("1.2345")) {
		t.Fatalf("scaled value = %s", sample.Value.Decimal)
	}
}

func TestUnknownMetric(t *testing.T) {
	s, _ := New(nil, newRegistry(t), Options{}, zerolog.Nop())
	if _, err := s.Current(context.Background(), "nope"); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("expected ErrUnknownMetric, got %v", err)
	}
}

func TestCatalogValidation(t *testing.T) {
	reg := newRegistry(t)
	cases := []struct {
		name string
		defs []Definition
		want string
	}{
		{"cycle", []Definition{
			{Name: "a", Kind: KindDerived, Formula: "ratio", Inputs: []string{"b", "b"}},
			{Name: "b", Kind: KindDerived, Formula: "ratio", Inputs: []string{"a", "a"}},
		}, "cycle"},
		{"unknown input", []Definition{
			{Name: "a", Kind: KindDerived, Formula: "ratio", Inputs: []string{"x", "y"}},
		}, "unknown metric"},
		{"arity", []Definition{
			observed("x", "api", "x"),
			{Name: "a", Kind: KindDerived, Formula: "ratio", Inputs: []string{"x"}},
		}, "takes 2 inputs"},
		{"formula", []Definition{
			{Name: "a", Kind: KindDerived, Formula: "sqrt"},
		}, "unknown formula"},
		{"duplicate", []Definition{
			observed("x", "api", "x"),
			observed("x", "api", "x"),
		}, "duplicate"},
		{"no path", []Definition{
			{Name: "x", Kind: KindObserved, Source: "api"},
		}, "extraction path"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.defs, reg, Options{}, zerolog.Nop())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCurrentAllKeepsCatalogOrder(t *testing.T) {
	src := &fakeAdapter{id: "api", bodies: map[string]string{"a": `{"value":"1"}`, "b": `{"value":"2"}`}}
	s, _ := New([]Definition{
		observed("first", "api", "a"),
		observed("second", "api", "b"),
		observed("third", "api", "missing"),
	}, newRegistry(t, src), Options{}, zerolog.Nop())

	samples := s.CurrentAll(context.Background())
	if len(samples) != 3 {
		t.Fatalf("got %d samples", len(samples))
	}
	for i, name := range []string{"first", "second", "third"} {
		if samples[i].Metric != name {
			t.Fatalf("sample %d = %s, want %s", i, samples[i].Metric, name)
		}
	}
	if samples[2].Available() {
		t.Fatal("missing target should be unavailable")
	}
	if !samples[0].Timestamp.Equal(samples[1].Timestamp) {
		t.Fatal("one evaluation should share a timestamp")
	}
}

func TestCachedNeverCallsAdapter(t *testing.T) {
	src := &fakeAdapter{id: "rpc", bodies: map[string]string{
		"coll":  `{"value":"1000"}`,
		"price": `{"value":"3"}`,
		"debt":  `{"value":"1500"}`,
	}}
	s, err := New([]Definition{
		observed("collateral", "rpc", "coll"),
		observed("collateral_price", "rpc", "price"),
		observed("debt", "rpc", "debt"),
		{Name: "tcr", Kind: KindDerived, Formula: "collateral_ratio", Inputs: []string{"collateral", "collateral_price", "debt"}},
	}, newRegistry(t, src), Options{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	debt, _ := s.Cached(ctx, "debt")
	if debt.Available() || debt.Reason != model.ReasonNotCached {
		t.Fatalf("empty cache: debt = %+v, want not_cached", debt)
	}
	tcr, _ := s.Cached(ctx, "tcr")
	if tcr.Available() || tcr.Reason != model.ReasonInputUnavailable {
		t.Fatalf("empty cache: tcr = %+v", tcr)
	}
	if got := src.calls.Load(); got != 0 {
		t.Fatalf("cached evaluation reached the adapter %d times", got)
	}

	if live, _ := s.Current(ctx, "tcr"); !live.Available() {
		t.Fatalf("live tcr unavailable: %+v", live)
	}
	calls := src.calls.Load()

	tcr, _ = s.Cached(ctx, "tcr")
	if !tcr.Available() || !tcr.Value.Decimal.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("cached tcr = %+v, want 200", tcr)
	}
	if src.calls.Load() != calls {
		t.Fatal("cached evaluation must not fetch")
	}
	if _, err := s.Cached(ctx, "nope"); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("expected ErrUnknownMetric, got %v", err)
	}
}
