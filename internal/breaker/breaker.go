package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Allow when the breaker refuses a call.
var ErrOpen = errors.New("breaker: circuit open")

// State is the externally visible circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
	// OnStateChange is invoked after every transition. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State                State     `json:"state"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	LastTransition       time.Time `json:"last_transition"`
}

// Breaker guards a single source. Closed admits every call, Open refuses until the
// reset timeout elapses, HalfOpen admits exactly one trial call.
type Breaker struct {
	name     string
	cb       *gobreaker.TwoStepCircuitBreaker
	onChange func(name string, from, to State)

	// mu guards the mirrored counters. It is never held while calling into cb,
	// because cb invokes OnStateChange under its own lock.
	mu             sync.Mutex
	failures       uint32
	successes      uint32
	lastTransition time.Time
}

// New constructs a breaker named after the source it protects.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}

	b := &Breaker{
		name:           name,
		onChange:       cfg.OnStateChange,
		lastTransition: time.Now().UTC(),
	}

	threshold := cfg.FailureThreshold
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.transition,
	})
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Allow asks for admission. On success the caller must invoke done exactly once with
// the outcome of the call. Refusals are not counted as failures.
func (b *Breaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOpen
		}
		return nil, err
	}

	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			b.record(success)
			done(success)
		})
	}, nil
}

// State returns the current state, promoting Open to HalfOpen once the reset timeout elapsed.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Snapshot returns state and counters.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:                state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastTransition:       b.lastTransition,
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.successes++
		b.failures = 0
		return
	}
	b.failures++
	b.successes = 0
}

func (b *Breaker) transition(name string, from, to gobreaker.State) {
	b.mu.Lock()
	b.lastTransition = time.Now().UTC()
	if to != gobreaker.StateOpen {
		b.failures = 0
		b.successes = 0
	}
	b.mu.Unlock()

	if b.onChange != nil {
		b.onChange(name, fromGobreaker(from), fromGobreaker(to))
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
