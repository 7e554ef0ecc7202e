package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloud-importer/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means requests are allowed
	StateClosed State = "closed"
	// StateOpen means requests are rejected without being attempted
	StateOpen State = "open"
	// StateHalfOpen means a limited number of trial requests are allowed
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxFailures      int           // consecutive failures that open the circuit
	Timeout          time.Duration // how long the circuit stays open
	HalfOpenMaxCalls int           // successful trials needed to close again

	// IsFailure decides which errors count against the circuit. Nil counts all.
	IsFailure func(error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker stops calling a remote dependency that keeps failing
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	trials           int
	trialSuccesses   int
	openedAt         time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(ctx, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trials = 0
		cb.trialSuccesses = 0
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.cfg.Name,
			"state":          StateHalfOpen,
		}).Info("Circuit breaker transitioning to half-open")
		fallthrough
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		cb.trials++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && !errors.Is(err, context.Canceled)
	if failed && cb.cfg.IsFailure != nil {
		failed = cb.cfg.IsFailure(err)
	}

	if !failed {
		cb.consecutiveFails = 0
		if cb.state == StateHalfOpen {
			cb.trialSuccesses++
			if cb.trialSuccesses >= cb.cfg.HalfOpenMaxCalls {
				cb.state = StateClosed
				logging.FromContext(ctx).WithField("circuitBreaker", cb.cfg.Name).
					Info("Circuit breaker closed after successful recovery")
			}
		}
		return
	}

	cb.consecutiveFails++
	if cb.state == StateHalfOpen || cb.consecutiveFails >= cb.cfg.MaxFailures {
		if cb.state != StateOpen {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"circuitBreaker":   cb.cfg.Name,
				"consecutiveFails": cb.consecutiveFails,
			}).WithError(err).Warn("Circuit breaker opened")
		}
		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
