// Package backoff computes and tracks per-endpoint retry delays. It parses
// the compact `tpm.backoffConfig` policy string and maintains the
// BackoffState the Transmitter consults before arming a retryable
// endpoint, grounded on the rate limiter's Clock abstraction and
// failure-counting domain state.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"beacon/engine/models"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ParsePolicy parses a policy string of the form
// `E,<initialMs>,<maxMs>,<factor>,<jitter>` (exponential) or
// `L,<stepMs>,<maxMs>` (linear).
func ParsePolicy(s string) (models.BackoffPolicy, error) {
	parts := strings.Split(s, ",")
	if len(parts) == 0 {
		return models.BackoffPolicy{}, fmt.Errorf("backoff: empty policy string")
	}
	switch strings.ToUpper(strings.TrimSpace(parts[0])) {
	case "E":
		if len(parts) != 5 {
			return models.BackoffPolicy{}, fmt.Errorf("backoff: exponential policy needs 5 fields, got %d", len(parts))
		}
		initial, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return models.BackoffPolicy{}, fmt.Errorf("backoff: invalid initialMs: %w", err)
		}
		maxMs, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return models.BackoffPolicy{}, fmt.Errorf("backoff: invalid maxMs: %w", err)
		}
		factor, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil {
			return models.BackoffPolicy{}, fmt.Errorf("backoff: invalid factor: %w", err)
		}
		jitter, err := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
		if err != nil {
			return models.BackoffPolicy{}, fmt.Errorf("backoff: invalid jitter: %w", err)
		}
		return models.BackoffPolicy{Kind: models.BackoffExponential, InitialMs: initial, MaxMs: maxMs, Factor: factor, Jitter: jitter}, nil
	case "L":
		if len(parts) != 3 {
			return models.BackoffPolicy{}, fmt.Errorf("backoff: linear policy needs 3 fields, got %d", len(parts))
		}
		step, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return models.BackoffPolicy{}, fmt.Errorf("backoff: invalid stepMs: %w", err)
		}
		maxMs, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return models.BackoffPolicy{}, fmt.Errorf("backoff: invalid maxMs: %w", err)
		}
		return models.BackoffPolicy{Kind: models.BackoffLinear, StepMs: step, MaxMs: maxMs}, nil
	default:
		return models.BackoffPolicy{}, fmt.Errorf("backoff: unknown policy kind %q", parts[0])
	}
}

// delay computes the unjittered-then-jittered delay for consecutiveFailures
// (1-indexed: the delay to apply after the Nth consecutive failure).
func delay(policy models.BackoffPolicy, consecutiveFailures int, randFloat func() float64) time.Duration {
	var base float64
	switch policy.Kind {
	case models.BackoffLinear:
		base = float64(policy.StepMs) * float64(consecutiveFailures)
		if base > float64(policy.MaxMs) {
			base = float64(policy.MaxMs)
		}
	default: // exponential
		factor := policy.Factor
		if factor <= 0 {
			factor = 2
		}
		base = float64(policy.InitialMs) * math.Pow(factor, float64(consecutiveFailures-1))
		if base > float64(policy.MaxMs) {
			base = float64(policy.MaxMs)
		}
		if policy.Jitter > 0 {
			// perturbed by +/- (jitter*delay)/2, uniformly at random: a
			// jitter of 1 spans the full ±50% band the original SDK uses
			// (e.g. initial=3000,jitter=1 yields a [1500,4500] range).
			spread := base * policy.Jitter / 2
			base = base - spread + randFloat()*2*spread
		}
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base) * time.Millisecond
}

// Tracker maintains BackoffState per endpoint, guarded by a mutex since the
// transmitter's dispatch loop and response-handling goroutines both touch
// it.
type Tracker struct {
	mu    sync.Mutex
	clock Clock
	rand  func() float64
	state map[string]*models.BackoffState
}

// New returns a Tracker using the real wall clock and math/rand jitter.
func New() *Tracker {
	return &Tracker{clock: realClock{}, rand: rand.Float64, state: make(map[string]*models.BackoffState)}
}

// WithClock overrides the clock (tests only).
func (t *Tracker) WithClock(c Clock) *Tracker {
	if c != nil {
		t.clock = c
	}
	return t
}

// WithRand overrides the jitter source (tests only, for determinism).
func (t *Tracker) WithRand(f func() float64) *Tracker {
	if f != nil {
		t.rand = f
	}
	return t
}

func (t *Tracker) stateFor(endpoint string, policy models.BackoffPolicy) *models.BackoffState {
	s, ok := t.state[endpoint]
	if !ok {
		s = &models.BackoffState{Policy: policy}
		t.state[endpoint] = s
	}
	return s
}

// Allowed reports whether endpoint may be dispatched to right now.
func (t *Tracker) Allowed(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[endpoint]
	if !ok {
		return true
	}
	return !t.clock.Now().Before(s.NextAllowedTime)
}

// State returns a copy of the current BackoffState for endpoint.
func (t *Tracker) State(endpoint string) models.BackoffState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.state[endpoint]; ok {
		return *s
	}
	return models.BackoffState{}
}

// OnFailure records a retryable failure and advances the endpoint's backoff.
func (t *Tracker) OnFailure(endpoint string, policy models.BackoffPolicy) models.BackoffState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(endpoint, policy)
	s.Policy = policy
	s.ConsecutiveFailures++
	s.CurrentDelay = delay(policy, s.ConsecutiveFailures, t.rand)
	s.NextAllowedTime = t.clock.Now().Add(s.CurrentDelay)
	return *s
}

// OnSuccess resets the endpoint's backoff state.
func (t *Tracker) OnSuccess(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, endpoint)
}
