package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cloud-importer/internal/logging"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound on any single delay
	Multiplier   float64       // Backoff growth factor

	// Retryable reports whether an error is worth another attempt.
	// Nil retries everything except Permanent errors.
	Retryable func(error) bool
}

// DefaultConfig returns 3 attempts at 500ms, 1s
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Result contains information about the retry operation
type Result struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// Func is a function that can be retried
type Func func(ctx context.Context, attempt int) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// WithExponentialBackoff runs fn until it succeeds, returns a non-retryable
// error, runs out of attempts or ctx is done.
func WithExponentialBackoff(ctx context.Context, config *Config, fn Func) *Result {
	logger := logging.FromContext(ctx)
	start := time.Now()
	result := &Result{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration,
				}).Info("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if !config.shouldRetry(err) {
			break
		}
		if attempt >= config.MaxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts": attempt,
				"error":    err.Error(),
			}).Warn("Operation failed after max retry attempts")
			break
		}

		delay := calculateDelay(config, attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay,
			"error":       err.Error(),
		}).Debug("Operation failed, retrying with exponential backoff")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

func (c *Config) shouldRetry(err error) bool {
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	return true
}

// calculateDelay returns initialDelay * multiplier^(attempt-1), capped at MaxDelay
func calculateDelay(config *Config, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

// Do runs fn with config and returns the last error, unwrapped from Permanent
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}
	result := WithExponentialBackoff(ctx, config, fn)
	if result.Success {
		return nil
	}
	var p *permanentError
	if errors.As(result.LastError, &p) {
		return p.err
	}
	if result.Attempts > 1 {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return result.LastError
}
