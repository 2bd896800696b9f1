// Package circuitbreaker fails calls to an unhealthy dependency fast.
// Each operation key moves closed → open → half-open independently.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuit open: dependency unavailable")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Calls flow through
	StateOpen                  // Calls are rejected
	StateHalfOpen              // One trial call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "trustmarket",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by breaker, key, from-state and to-state.",
}, []string{"breaker", "key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per key. A key opens after threshold
// failures and, once cooldown has passed, lets a single trial call through.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu           sync.Mutex
	entries      map[string]*entry
	onTransition func(key string, from, to State)
}

// New creates a breaker. name labels its metrics.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

// OnTransition sets a callback invoked synchronously on state changes,
// outside the breaker's lock.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn unless the circuit for key is open. Errors for which
// isFailure returns false (client mistakes such as an oversized upload)
// count as successes. A nil isFailure treats every error as a failure.
func (b *Breaker) Execute(key string, fn func() error, isFailure func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits one trial call.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) < b.cooldown {
			b.mu.Unlock()
			return false
		}
		notify := b.transition(e, key, StateHalfOpen)
		b.mu.Unlock()
		notify()
		return true
	case StateHalfOpen:
		b.mu.Unlock()
		return false
	default:
		b.mu.Unlock()
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.failures = 0
	notify := b.transition(e, key, StateClosed)
	b.mu.Unlock()
	notify()
}

// RecordFailure counts a failure. A failed trial call reopens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	notify := func() {}
	if e.state == StateHalfOpen || (e.state == StateClosed && e.failures >= b.threshold) {
		e.openedAt = b.now()
		notify = b.transition(e, key, StateOpen)
	}
	b.mu.Unlock()
	notify()
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// AnyOpen reports whether some key is open or probing.
func (b *Breaker) AnyOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.state != StateClosed {
			return true
		}
	}
	return false
}

// transition changes state and returns the callback to run once b.mu is
// released. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) func() {
	from := e.state
	if from == to {
		return func() {}
	}
	e.state = to
	stateTransitions.WithLabelValues(b.name, key, from.String(), to.String()).Inc()
	fn := b.onTransition
	if fn == nil {
		return func() {}
	}
	return func() { fn(key, from, to) }
}
