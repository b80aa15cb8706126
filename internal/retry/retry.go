package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxRetries     = 3
	defaultBaseDelay      = 1000 * time.Millisecond
	defaultMaxDelay       = 10000 * time.Millisecond
	defaultBackoffFactor  = 2.0
	defaultAttemptTimeout = 15 * time.Second
)

// ErrNilOperation is returned when Execute receives no operation.
var ErrNilOperation = errors.New("retry.nil_operation")

// Policy configures bounded exponential backoff.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// AttemptTimeout bounds a single call to the operation. Zero disables it.
	AttemptTimeout time.Duration
	// ShouldRetry stops retrying early when it reports false. Nil retries every error.
	ShouldRetry func(error) bool
}

// DefaultPolicy returns 3 retries, 1s base delay, 10s ceiling, factor 2 and a 15s attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     defaultMaxRetries,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		BackoffFactor:  defaultBackoffFactor,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

// WithMaxRetries returns a copy of the policy with a different retry budget.
func (policy Policy) WithMaxRetries(maxRetries int) Policy {
	policy.MaxRetries = maxRetries
	return policy
}

// WithShouldRetry returns a copy of the policy using the given predicate.
func (policy Policy) WithShouldRetry(predicate func(error) bool) Policy {
	policy.ShouldRetry = predicate
	return policy
}

func (policy Policy) normalized() Policy {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaultMaxDelay
	}
	if policy.BackoffFactor <= 0 {
		policy.BackoffFactor = defaultBackoffFactor
	}
	return policy
}

// Delay returns the wait that follows the failed attempt with the given 0-based index.
func (policy Policy) Delay(attempt int) time.Duration {
	normalized := policy.normalized()
	scaled := float64(normalized.BaseDelay) * math.Pow(normalized.BackoffFactor, float64(attempt))
	if scaled >= float64(normalized.MaxDelay) || math.IsInf(scaled, 0) || math.IsNaN(scaled) {
		return normalized.MaxDelay
	}
	return time.Duration(scaled)
}

// Delays lists every wait a fully failing run performs, in order.
func Delays(policy Policy) []time.Duration {
	normalized := policy.normalized()
	waits := make([]time.Duration, 0, normalized.MaxRetries)
	for attempt := 0; attempt < normalized.MaxRetries; attempt++ {
		waits = append(waits, normalized.Delay(attempt))
	}
	return waits
}

// SleepFunc waits for the given duration or until the context is done.
type SleepFunc func(ctx context.Context, duration time.Duration) error

// Executor runs operations under a retry Policy.
type Executor struct {
	logger *zap.Logger
	sleep  SleepFunc
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for failed attempts.
func WithLogger(logger *zap.Logger) Option {
	return func(executor *Executor) {
		if logger != nil {
			executor.logger = logger
		}
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(sleep SleepFunc) Option {
	return func(executor *Executor) {
		if sleep != nil {
			executor.sleep = sleep
		}
	}
}

// NewExecutor constructs an Executor.
func NewExecutor(options ...Option) *Executor {
	executor := &Executor{
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, option := range options {
		option(executor)
	}
	return executor
}

// Execute calls operation until it succeeds, the retry budget is spent, or ShouldRetry rejects the error.
// The last error is returned unchanged.
func (executor *Executor) Execute(ctx context.Context, policy Policy, operation func(ctx context.Context) error) error {
	if operation == nil {
		return ErrNilOperation
	}
	normalized := policy.normalized()
	totalAttempts := normalized.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt <= normalized.MaxRetries; attempt++ {
		lastErr = executor.attempt(ctx, normalized, operation)
		if lastErr == nil {
			return nil
		}

		terminal := attempt == normalized.MaxRetries ||
			(normalized.ShouldRetry != nil && !normalized.ShouldRetry(lastErr))
		var delay time.Duration
		if !terminal {
			delay = normalized.Delay(attempt)
		}
		executor.logger.Warn("operation attempt failed",
			zap.String("code", "retry.attempt_failed"),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", totalAttempts),
			zap.Bool("terminal", terminal),
			zap.Duration("retry_in", delay),
			zap.Error(lastErr))
		if terminal {
			return lastErr
		}
		if sleepErr := executor.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("retry.wait: %w", errors.Join(sleepErr, lastErr))
		}
	}
	return lastErr
}

func (executor *Executor) attempt(ctx context.Context, policy Policy, operation func(ctx context.Context) error) error {
	if policy.AttemptTimeout <= 0 {
		return operation(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
	defer cancel()
	return operation(attemptCtx)
}

// Run is the value-returning form of Executor.Execute.
func Run[T any](ctx context.Context, executor *Executor, policy Policy, operation func(ctx context.Context) (T, error)) (T, error) {
	var result T
	if operation == nil {
		return result, ErrNilOperation
	}
	err := executor.Execute(ctx, policy, func(attemptCtx context.Context) error {
		value, operationErr := operation(attemptCtx)
		if operationErr != nil {
			return operationErr
		}
		result = value
		return nil
	})
	return result, err
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
