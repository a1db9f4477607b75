package engine

import (
	"sync"
	"time"

	"github.com/rvidal/preceptor/pkg/schema"
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

// BreakerConfig configures the per-role circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single role's capability.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages per-role circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[schema.Role]*circuitBreaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a new registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[schema.Role]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether invoking the given role's capability is allowed.
// Returns nil if allowed, or a PreceptorError if the circuit is open.
func (r *BreakerRegistry) AllowRequest(role schema.Role) error {
	cb := r.getOrCreate(role)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		// Check if cooldown has elapsed.
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCapability,
			"circuit breaker open for role %q: %d consecutive failures, cooldown remaining",
			role, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"role":                 string(role),
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCapability,
				"circuit breaker half-open for role %q: max test requests reached", role)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful invocation for the role.
func (r *BreakerRegistry) RecordSuccess(role schema.Role) {
	cb := r.getOrCreate(role)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed invocation for the role.
// Returns the new circuit state.
func (r *BreakerRegistry) RecordFailure(role schema.Role) CircuitState {
	cb := r.getOrCreate(role)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current state of the circuit for a role.
func (r *BreakerRegistry) GetState(role schema.Role) CircuitState {
	cb := r.getOrCreate(role)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Check for automatic transition from open to half-open.
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

func (r *BreakerRegistry) getOrCreate(role schema.Role) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[role]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[role] = cb
	}
	return cb
}
