package source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"protocol-metrics/internal/breaker"
	"protocol-metrics/internal/cache"
	"protocol-metrics/internal/metrics"
)

const defaultCallTimeout = 10 * time.Second

// GuardOptions parameterise a guarded adapter.
type GuardOptions struct {
	Timeout time.Duration
	Breaker breaker.Config
}

// Guard wraps an adapter with its breaker, the shared result cache and a per-call timeout.
type Guard struct {
	adapter Adapter
	breaker *breaker.Breaker
	cache   *cache.ResultCache[Response]
	timeout time.Duration
	logger  zerolog.Logger

	lastLatency atomic.Int64
}

// NewGuard builds a guard. The cache is typically shared by every guard of a registry.
func NewGuard(adapter Adapter, results *cache.ResultCache[Response], opts GuardOptions, logger zerolog.Logger) *Guard {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	id := string(adapter.ID())
	log := logger.With().Str("component", "source_guard").Str("source", id).Logger()

	cfg := opts.Breaker
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(stateGauge(to))
		log.Warn().Str("from", string(from)).Str("to", string(to)).Msg("circuit state changed")
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	metrics.BreakerState.WithLabelValues(id).Set(stateGauge(breaker.StateClosed))

	g := &Guard{
		adapter: adapter,
		breaker: breaker.New(id, cfg),
		cache:   results,
		timeout: timeout,
		logger:  log,
	}
	g.lastLatency.Store(-1)
	return g
}

// ID returns the guarded source ID.
func (g *Guard) ID() ID {
	return g.adapter.ID()
}

// Fetch serves q from the cache or performs a breaker-gated, time-bounded adapter call.
// Successful responses are cached for ttl.
func (g *Guard) Fetch(ctx context.Context, q Query, ttl time.Duration) (Response, error) {
	key := cache.Key{Source: string(g.adapter.ID()), Query: q.Fingerprint()}
	return g.cache.GetOrFetch(ctx, key, ttl, func(fctx context.Context) (Response, error) {
		return g.call(fctx, q)
	})
}

// Peek returns the cached response for q without calling the adapter or the breaker.
func (g *Guard) Peek(q Query) (Response, bool) {
	return g.cache.Get(cache.Key{Source: string(g.adapter.ID()), Query: q.Fingerprint()})
}

func (g *Guard) call(ctx context.Context, q Query) (Response, error) {
	id := g.adapter.ID()

	done, err := g.breaker.Allow()
	if err != nil {
		metrics.SourceRequestsTotal.WithLabelValues(string(id), "rejected").Inc()
		return Response{}, fmt.Errorf("%w: %s", ErrCircuitOpen, id)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		resp Response
		err  error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		resp, err := g.adapter.Fetch(callCtx, q)
		ch <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-callCtx.Done():
		res = result{err: callCtx.Err()}
	}

	elapsed := time.Since(start)
	g.lastLatency.Store(int64(elapsed))
	metrics.SourceRequestDuration.WithLabelValues(string(id)).Observe(elapsed.Seconds())

	if res.err != nil {
		done(false)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			metrics.SourceRequestsTotal.WithLabelValues(string(id), "timeout").Inc()
			g.logger.Warn().Dur("timeout", g.timeout).Str("query", q.Fingerprint()).Msg("source call timed out")
			return Response{}, fmt.Errorf("%w: %s after %s", ErrTimeout, id, g.timeout)
		}
		metrics.SourceRequestsTotal.WithLabelValues(string(id), "error").Inc()
		g.logger.Warn().Err(res.err).Str("query", q.Fingerprint()).Msg("source call failed")
		return Response{}, &SourceError{Source: id, Err: res.err}
	}

	done(true)
	metrics.SourceRequestsTotal.WithLabelValues(string(id), "ok").Inc()
	if res.resp.ReceivedAt.IsZero() {
		res.resp.ReceivedAt = time.Now().UTC()
	}
	return res.resp, nil
}

// Health reports the breaker snapshot and the last observed latency.
func (g *Guard) Health() Health {
	snap := g.breaker.Snapshot()
	h := Health{
		Source:               g.adapter.ID(),
		State:                snap.State,
		ConsecutiveFailures:  snap.ConsecutiveFailures,
		ConsecutiveSuccesses: snap.ConsecutiveSuccesses,
		LastTransition:       snap.LastTransition,
	}
	if ns := g.lastLatency.Load(); ns >= 0 {
		ms := time.Duration(ns).Milliseconds()
		h.LastLatencyMS = &ms
	}
	return h
}

func stateGauge(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
