// Package circuitbreaker stops calling a dependency that keeps failing and
// lets one trial call through after a cool-down to see if it has recovered.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the circuit refuses calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Calls flow through
	StateOpen                  // Calls are refused until the cool-down ends
	StateHalfOpen              // One trial call decides whether to close
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

// Verdict is what a call's outcome says about the dependency.
type Verdict int

const (
	// Healthy means the dependency answered, even if with an error.
	Healthy Verdict = iota
	// Unhealthy means the dependency could not serve the call.
	Unhealthy
	// Inconclusive means the caller gave up first. It neither counts as a
	// failure nor closes a half-open circuit.
	Inconclusive
)

// Classifier decides the verdict for a call's error. It is never called
// with a nil error; a nil error is always Healthy.
type Classifier func(error) Verdict

// FailOn returns a Classifier that treats errors matching any of targets as
// Unhealthy. Cancelled or expired contexts are Inconclusive, and every other
// error is Healthy: a dependency that rejects a request is still up.
func FailOn(targets ...error) Classifier {
	return func(err error) Verdict {
		for _, target := range targets {
			if errors.Is(err, target) {
				return Unhealthy
			}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Inconclusive
		}
		return Healthy
	}
}

func failAll(err error) Verdict {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Inconclusive
	}
	return Unhealthy
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClassifier sets how call errors are judged. By default every error
// other than a context error counts as a failure.
func WithClassifier(c Classifier) Option {
	return func(b *Breaker) { b.classify = c }
}

// WithTransitionHook sets a callback for state changes. It runs on its own
// goroutine so it may block.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker guards a single dependency. It opens after threshold consecutive
// Unhealthy calls and, once cooldown has passed, admits one trial call whose
// verdict closes or reopens it.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	trialBusy bool

	threshold    int
	cooldown     time.Duration
	classify     Classifier
	now          func() time.Time
	onTransition func(from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30 second cool-down.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		classify:  failAll,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn if the circuit admits it and feeds the verdict on its error
// back into the circuit. A refused call returns ErrOpen without running fn.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	trial, ok := b.acquire()
	if !ok {
		var zero T
		return zero, ErrOpen
	}
	v, err := fn()
	verdict := Healthy
	if err != nil {
		verdict = b.classify(err)
	}
	b.release(trial, verdict)
	return v, err
}

// acquire admits a call. trial is set for the single call admitted while
// half-open.
func (b *Breaker) acquire() (trial, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, false
		}
		b.setState(StateHalfOpen)
		b.trialBusy = true
		return true, true
	case StateHalfOpen:
		if b.trialBusy {
			return false, false
		}
		b.trialBusy = true
		return true, true
	default:
		return false, true
	}
}

func (b *Breaker) release(trial bool, verdict Verdict) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialBusy = false
	}
	switch verdict {
	case Healthy:
		b.failures = 0
		if trial && b.state == StateHalfOpen {
			b.setState(StateClosed)
		}
	case Unhealthy:
		b.failures++
		if (trial && b.state == StateHalfOpen) || (b.state == StateClosed && b.failures >= b.threshold) {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	}
}

// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if fn := b.onTransition; fn != nil {
		go fn(from, to)
	}
}
