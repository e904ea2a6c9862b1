package synth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/iter"
	"github.com/tidwall/gjson"

	"protocol-metrics/internal/model"
	"protocol-metrics/internal/source"
)

// ErrUnknownMetric is returned for names missing from the catalog.
var ErrUnknownMetric = errors.New("unknown metric")

// Kind distinguishes observed from derived definitions.
type Kind string

const (
	KindObserved Kind = "observed"
	KindDerived  Kind = "derived"
)

// Definition describes how one metric is produced.
type Definition struct {
	Name        string
	Kind        Kind
	Description string
	Unit        string

	// Observed
	Source source.ID
	Query  source.Query
	Path   string
	Scale  int32
	TTL    time.Duration

	// BestAPR, when set, treats Path as an array of fixed-income markets.
	BestAPR *BestAPR

	// Derived
	Formula string
	Inputs  []string
}

// BestAPR picks the highest simple APR across the markets found at Definition.Path.
// Paths are relative to one market element. Markets failing Active are skipped.
type BestAPR struct {
	Price    string
	Maturity string
	Active   string
}

// Sources fetches raw responses through guarded adapters.
type Sources interface {
	Fetch(ctx context.Context, id source.ID, q source.Query, ttl time.Duration) (source.Response, error)
	Peek(id source.ID, q source.Query) (source.Response, bool)
}

// errNotCached marks an observed input with no fresh cached response.
var errNotCached = errors.New("no cached response")

type fetchFunc func(ctx context.Context, d Definition) (source.Response, error)

// Options tune the synthesizer.
type Options struct {
	Now func() time.Time
}

// Synthesizer produces metric samples from the catalog. It never substitutes a value
// for a missing input: anything it cannot compute is returned as unavailable.
type Synthesizer struct {
	defs    map[string]Definition
	order   []string
	sources Sources
	now     func() time.Time
	logger  zerolog.Logger
}

// New validates the catalog and builds a synthesizer.
func New(defs []Definition, sources Sources, opts Options, logger zerolog.Logger) (*Synthesizer, error) {
	if sources == nil {
		return nil, errors.New("synth: sources are required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Synthesizer{
		defs:    make(map[string]Definition, len(defs)),
		sources: sources,
		now:     now,
		logger:  logger.With().Str("component", "synth").Logger(),
	}
	for _, d := range defs {
		if d.Name == "" {
			return nil, errors.New("synth: metric without name")
		}
		if _, dup := s.defs[d.Name]; dup {
			return nil, fmt.Errorf("synth: duplicate metric %q", d.Name)
		}
		s.defs[d.Name] = d
		s.order = append(s.order, d.Name)
	}

	for _, name := range s.order {
		if err := s.validate(s.defs[name]); err != nil {
			return nil, err
		}
	}
	if err := s.checkAcyclic(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Synthesizer) validate(d Definition) error {
	switch d.Kind {
	case KindObserved:
		if d.Source == "" {
			return fmt.Errorf("synth: metric %q has no source", d.Name)
		}
		if d.Path == "" {
			return fmt.Errorf("synth: metric %q has no extraction path", d.Name)
		}
		if d.BestAPR != nil && (d.BestAPR.Price == "" || d.BestAPR.Maturity == "") {
			return fmt.Errorf("synth: metric %q: best_apr needs price and maturity paths", d.Name)
		}
	case KindDerived:
		f, ok := LookupFormula(d.Formula)
		if !ok {
			return fmt.Errorf("synth: metric %q uses unknown formula %q", d.Name, d.Formula)
		}
		if len(d.Inputs) != f.Arity {
			return fmt.Errorf("synth: metric %q: formula %s takes %d inputs, got %d", d.Name, f.Name, f.Arity, len(d.Inputs))
		}
		for _, in := range d.Inputs {
			if _, ok := s.defs[in]; !ok {
				return fmt.Errorf("synth: metric %q depends on unknown metric %q", d.Name, in)
			}
		}
	default:
		return fmt.Errorf("synth: metric %q has invalid kind %q", d.Name, d.Kind)
	}
	return nil
}

func (s *Synthesizer) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(s.defs))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("synth: dependency cycle through %q", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, in := range s.defs[name].Inputs {
			if err := visit(in); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, name := range s.order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Names lists metrics in catalog order.
func (s *Synthesizer) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Definition returns the catalog entry for name.
func (s *Synthesizer) Definition(name string) (Definition, bool) {
	d, ok := s.defs[name]
	return d, ok
}

// Current computes the live value of name. The only error is ErrUnknownMetric; every
// other failure is reported as an unavailable sample.
func (s *Synthesizer) Current(ctx context.Context, name string) (model.MetricSample, error) {
	if _, ok := s.defs[name]; !ok {
		return model.MetricSample{}, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return s.evaluate(ctx, name, s.now().UTC(), s.fetch), nil
}

// Cached computes name from fresh cached responses only. It never calls an adapter;
// an observed input with nothing cached is unavailable with reason not_cached.
func (s *Synthesizer) Cached(ctx context.Context, name string) (model.MetricSample, error) {
	if _, ok := s.defs[name]; !ok {
		return model.MetricSample{}, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return s.evaluate(ctx, name, s.now().UTC(), s.peek), nil
}

// CurrentAll computes every metric in catalog order.
func (s *Synthesizer) CurrentAll(ctx context.Context) []model.MetricSample {
	ts := s.now().UTC()
	return iter.Map(s.order, func(name *string) model.MetricSample {
		return s.evaluate(ctx, *name, ts, s.fetch)
	})
}

func (s *Synthesizer) fetch(ctx context.Context, d Definition) (source.Response, error) {
	return s.sources.Fetch(ctx, d.Source, d.Query, d.TTL)
}

func (s *Synthesizer) peek(_ context.Context, d Definition) (source.Response, error) {
	resp, ok := s.sources.Peek(d.Source, d.Query)
	if !ok {
		return source.Response{}, errNotCached
	}
	return resp, nil
}

func (s *Synthesizer) evaluate(ctx context.Context, name string, ts time.Time, get fetchFunc) model.MetricSample {
	d := s.defs[name]
	if d.Kind == KindDerived {
		return s.derive(ctx, d, ts, get)
	}
	return s.observe(ctx, d, ts, get)
}

func (s *Synthesizer) observe(ctx context.Context, d Definition, ts time.Time, get fetchFunc) model.MetricSample {
	resp, err := get(ctx, d)
	if err != nil {
		s.logger.Debug().Err(err).Str("metric", d.Name).Msg("observed metric unavailable")
		return model.Unavailable(d.Name, ts, reasonFor(err), err.Error())
	}
	if d.BestAPR != nil {
		return bestAPR(d, resp.Body, ts)
	}

	res := gjson.GetBytes(resp.Body, d.Path)
	if !res.Exists() || res.Type == gjson.Null {
		return model.Unavailable(d.Name, ts, model.ReasonExtract, fmt.Sprintf("path %q missing", d.Path))
	}
	value, err := decimal.NewFromString(res.String())
	if err != nil {
		return model.Unavailable(d.Name, ts, model.ReasonExtract, fmt.Sprintf("path %q: %v", d.Path, err))
	}
	if d.Scale != 0 {
		value = value.Shift(-d.Scale)
	}
	return model.Observed(d.Name, ts, value)
}

// bestAPR converts every active market's unit price to a simple APR using whole days
// left until maturity (at least one) and keeps the maximum.
func bestAPR(d Definition, body []byte, ts time.Time) model.MetricSample {
	markets := gjson.GetBytes(body, d.Path)
	if !markets.IsArray() {
		return model.Unavailable(d.Name, ts, model.ReasonExtract, fmt.Sprintf("path %q is not an array", d.Path))
	}

	var (
		best  decimal.Decimal
		found bool
	)
	for _, m := range markets.Array() {
		if d.BestAPR.Active != "" && !m.Get(d.BestAPR.Active).Bool() {
			continue
		}
		price, err := decimal.NewFromString(m.Get(d.BestAPR.Price).String())
		if err != nil {
			continue
		}
		days := (m.Get(d.BestAPR.Maturity).Int() - ts.Unix()) / 86400
		if days < 1 {
			days = 1
		}
		apr, err := bondAPR(price, decimal.NewFromInt(days))
		if err != nil {
			continue
		}
		if !found || apr.GreaterThan(best) {
			best, found = apr, true
		}
	}
	if !found {
		return model.Unavailable(d.Name, ts, model.ReasonUndefined, "no active market with a usable price")
	}
	return model.Derived(d.Name, ts, best, "max_unit_price_to_simple_apr")
}

func (s *Synthesizer) derive(ctx context.Context, d Definition, ts time.Time, get fetchFunc) model.MetricSample {
	inputs := iter.Map(d.Inputs, func(in *string) model.MetricSample {
		return s.evaluate(ctx, *in, ts, get)
	})

	values := make([]decimal.Decimal, len(inputs))
	for i, in := range inputs {
		if !in.Available() {
			return model.Unavailable(d.Name, ts, model.ReasonInputUnavailable, fmt.Sprintf("input %s: %s", in.Metric, in.Reason))
		}
		values[i] = in.Value.Decimal
	}

	f, _ := LookupFormula(d.Formula)
	value, err := f.Eval(values)
	if err != nil {
		if errors.Is(err, ErrUndefined) {
			return model.Unavailable(d.Name, ts, model.ReasonUndefined, err.Error())
		}
		return model.Unavailable(d.Name, ts, model.ReasonSourceError, err.Error())
	}
	return model.Derived(d.Name, ts, value, f.Method)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, source.ErrCircuitOpen):
		return model.ReasonCircuitOpen
	case errors.Is(err, source.ErrTimeout):
		return model.ReasonTimeout
	case errors.Is(err, errNotCached):
		return model.ReasonNotCached
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return model.ReasonCanceled
	default:
		return model.ReasonSourceError
	}
}
