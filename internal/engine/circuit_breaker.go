package engine

import (
	"sync"
	"time"

	"github.com/rendis/lifecycle/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration `json:"cooldown"`
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for one collaborator.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages one breaker per collaborator: the
// notifier, the task service and each custom handler by name.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	clock    Clock
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
// A nil clock reads the wall clock.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, clock Clock) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		clock:    clock,
	}
}

// AllowRequest checks whether a call to the named collaborator may proceed.
// It returns a CIRCUIT_OPEN error while the breaker is open.
func (r *CircuitBreakerRegistry) AllowRequest(name string) error {
	cb := r.getOrCreate(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	elapsed := r.clock.Now().Sub(cb.lastFailureTime)

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if elapsed >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q after %d consecutive failures",
			name, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"collaborator":         name,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: probe already in flight", name)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess closes the breaker for name.
func (r *CircuitBreakerRegistry) RecordSuccess(name string) {
	cb := r.getOrCreate(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call and returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(name string) CircuitState {
	cb := r.getOrCreate(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.clock.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the circuit for name.
func (r *CircuitBreakerRegistry) GetState(name string) CircuitState {
	cb := r.getOrCreate(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.clock.Now().Sub(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(name string) map[string]any {
	cb := r.getOrCreate(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"collaborator":         name,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(name string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[name] = cb
	}
	return cb
}
