package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamhaus/lakesink/pkg/errors"
)

// ErrCircuitOpen is returned without touching the dependency while the
// breaker is open. It is deliberately not in the transient class: the retry
// executor must not back off against an open breaker.
var ErrCircuitOpen = errors.New(errors.ErrorTypeUnavailable, "circuit breaker is open")

// CircuitState is the state of a circuit breaker.
type CircuitState int32

const (
	// StateClosed allows all calls and counts consecutive failures.
	StateClosed CircuitState = iota
	// StateOpen fails all calls fast for the cooldown period.
	StateOpen
	// StateHalfOpen permits exactly one trial call.
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// Timeout is how long the breaker stays open before allowing a trial.
	Timeout time.Duration
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
	}
}

// BreakerSnapshot is an observable view of a breaker's state.
type BreakerSnapshot struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	NextTrialAt         time.Time    `json:"next_trial_at,omitempty"`
}

// CircuitBreaker guards one unreliable dependency. Closed counts
// consecutive failures; after FailureThreshold of them the breaker opens and
// fails calls immediately for Timeout; then a single trial call is allowed:
// success closes the breaker, failure reopens it and restarts the timer.
//
// State is shared across partition workers; reads and writes are serialized
// by a short-held mutex that is never held across the wrapped call.
type CircuitBreaker struct {
	config BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &CircuitBreaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
	}
}

// Execute runs fn under breaker protection. While open it returns
// ErrCircuitOpen immediately without invoking fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// State returns a snapshot of the breaker.
func (cb *CircuitBreaker) State() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := BreakerSnapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
	}
	if cb.state != StateClosed {
		snap.OpenedAt = cb.openedAt
		snap.NextTrialAt = cb.openedAt.Add(cb.config.Timeout)
	}
	return snap
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		cb.logger.Info("circuit breaker half-open, allowing trial call")
		return true
	case StateHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		cb.state = StateClosed
		cb.consecutiveFailures = 0
		cb.trialInFlight = false
		cb.logger.Info("circuit breaker closed")
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.logger.Warn("circuit breaker opened",
				zap.Int("consecutive_failures", cb.consecutiveFailures),
				zap.Time("next_trial_at", cb.openedAt.Add(cb.config.Timeout)))
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.trialInFlight = false
		cb.logger.Warn("trial call failed, circuit breaker reopened",
			zap.Time("next_trial_at", cb.openedAt.Add(cb.config.Timeout)))
	}
}
