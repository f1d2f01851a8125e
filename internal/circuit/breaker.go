// Package circuit keeps one breaker per origin so that an unreachable host
// or bucket fails fast instead of tying up fetch slots.
package circuit

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/mediacache/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets requests through and counts consecutive failures
	StateClosed State = iota
	// StateOpen rejects requests until the open timeout passes
	StateOpen
	// StateHalfOpen lets a limited number of probes through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrOpenState is returned while the breaker is open
	ErrOpenState = stderrors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when every half-open probe slot is taken
	ErrTooManyRequests = stderrors.New("too many requests in half-open state")
)

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the run of consecutive failures that opens the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// MaxRequests is the number of concurrent half-open probes, and the number
	// of probe successes needed to close again
	MaxRequests uint32 `yaml:"max_requests"`

	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration `yaml:"timeout"`

	// OnStateChange is called with the breaker lock held; it must not call back
	// into the breaker
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsSuccessful decides whether an error still proves the origin answered.
	// By default caller cancellation counts as an answer.
	IsSuccessful func(err error) bool `yaml:"-"`

	// Now overrides the clock, mainly for tests
	Now func() time.Time `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = func(err error) bool {
			return err == nil || stderrors.Is(err, context.Canceled)
		}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Counts are the request outcomes of the current generation. They reset on
// every state change.
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// CircuitBreaker guards calls to a single origin.
//
// Every state change starts a new generation. A call admitted in an earlier
// generation still runs to completion, but its outcome is discarded: a slow
// fetch that fails after the breaker already opened does not extend the open
// period, and one that succeeds does not close a breaker that is probing.
type CircuitBreaker struct {
	name   string
	config Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	inFlight   uint32 // half-open probes admitted and not yet reported
	openUntil  time.Time
	trips      uint64
}

// NewCircuitBreaker creates a breaker for the named origin
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
	}
}

// Execute runs fn when the breaker admits it and records the outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.report(generation, cb.config.IsSuccessful(err))
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Now()
	switch cb.refresh(now) {
	case StateOpen:
		return 0, fmt.Errorf("%s: %w", cb.name, ErrOpenState)
	case StateHalfOpen:
		if cb.inFlight >= cb.config.MaxRequests {
			return 0, fmt.Errorf("%s: %w", cb.name, ErrTooManyRequests)
		}
		cb.inFlight++
	}

	cb.counts.Requests++
	cb.counts.LastActivity = now
	return cb.generation, nil
}

func (cb *CircuitBreaker) report(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Now()
	state := cb.refresh(now)
	if generation != cb.generation {
		return
	}
	if state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if success {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.config.MaxRequests {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch {
	case state == StateHalfOpen:
		cb.transition(StateOpen, now)
	case state == StateClosed && cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold:
		cb.transition(StateOpen, now)
	}
}

// refresh moves an expired open breaker to half-open. Caller holds cb.mu.
func (cb *CircuitBreaker) refresh(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.transition(StateHalfOpen, now)
	}
	return cb.state
}

// transition starts a new generation in state to. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.generation++
	cb.counts = Counts{}
	cb.inFlight = 0
	cb.openUntil = time.Time{}
	if to == StateOpen {
		cb.openUntil = now.Add(cb.config.Timeout)
		cb.trips++
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh(cb.config.Now())
}

// GetCounts returns the counts of the current generation
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset closes the breaker and starts a new generation
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed, cb.config.Now())
	cb.counts = Counts{}
}

// Name returns the origin the breaker guards
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns a snapshot of the breaker
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.refresh(cb.config.Now())
	return CircuitBreakerStats{
		Name:      cb.name,
		State:     state,
		Counts:    cb.counts,
		Trips:     cb.trips,
		OpenUntil: cb.openUntil,
	}
}

// CircuitBreakerStats represents statistics for a single circuit breaker
type CircuitBreakerStats struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Counts    Counts    `json:"counts"`
	Trips     uint64    `json:"trips"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

// Manager hands out one circuit breaker per origin
type Manager struct {
	config Config

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates a manager whose breakers share config
func NewManager(config Config) *Manager {
	return &Manager{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetBreaker returns the breaker for origin, creating it on first use
func (m *Manager) GetBreaker(origin string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[origin]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[origin]; ok {
		return cb
	}
	cb = NewCircuitBreaker(origin, m.config)
	m.breakers[origin] = cb
	return cb
}

func (m *Manager) snapshot() []*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb)
	}
	return out
}

// ResetAll closes every breaker
func (m *Manager) ResetAll() {
	for _, cb := range m.snapshot() {
		cb.Reset()
	}
}

// GetStats returns statistics for all breakers, sorted by origin
func (m *Manager) GetStats() []CircuitBreakerStats {
	breakers := m.snapshot()
	stats := make([]CircuitBreakerStats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// HealthCheck returns a CIRCUIT_OPEN error naming every open origin
func (m *Manager) HealthCheck() error {
	var open []string
	for _, stat := range m.GetStats() {
		if stat.State == StateOpen {
			open = append(open, stat.Name)
		}
	}
	if len(open) == 0 {
		return nil
	}

	return errors.New(errors.ErrCodeCircuitOpen, fmt.Sprintf("circuit breakers open: %s", strings.Join(open, ", "))).
		WithComponent("circuit").
		WithOperation("HealthCheck").
		WithDetail("origins", open)
}
