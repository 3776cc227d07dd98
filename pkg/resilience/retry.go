package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/devstation/devstation/pkg/runner"
	"github.com/devstation/devstation/pkg/telemetry"
)

// Executor runs commands with retry, classification, and circuit breaking.
type Executor struct {
	runner  runner.Runner
	breaker *CircuitBreaker
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	// BaseDelay is the first backoff delay; each retry doubles it.
	BaseDelay time.Duration

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor around a command runner.
func NewExecutor(r runner.Runner, logger *telemetry.Logger, metrics *telemetry.Metrics) *Executor {
	return &Executor{
		runner:    r,
		breaker:   NewCircuitBreaker(DefaultBreakerThreshold),
		logger:    logger.NewComponentLogger("resilience"),
		metrics:   metrics,
		BaseDelay: 2 * time.Second,
		sleep:     sleepCtx,
	}
}

// Breaker exposes the executor's circuit breaker.
func (e *Executor) Breaker() *CircuitBreaker {
	return e.breaker
}

// ExecuteWithRetry runs the command, classifying each failure. Retryable
// failures back off with baseDelay * 2^(attempt-1) and retry up to
// maxAttempts; critical failures abort immediately without consuming the
// remaining attempts. The returned error reports "max retries exceeded" on
// exhaustion and "critical error" for non-retryable kinds.
func (e *Executor) ExecuteWithRetry(ctx context.Context, cmd runner.Command, maxAttempts int) (*runner.Result, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastKind Kind
	var lastResult *runner.Result

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.runner.Run(ctx, cmd)
		if err != nil {
			// The command could not be started or the context is done.
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return nil, err
		}

		if result.Succeeded() {
			return result, nil
		}

		kind := Classify(result.ExitCode, result.Stderr, result.Stdout)
		lastKind = kind
		lastResult = result

		if e.metrics != nil {
			e.metrics.CommandFailed(string(kind))
		}

		if !IsRetryable(kind) {
			cmdErr := newCommandError(kind, fmt.Sprintf("command failed with exit code %d", result.ExitCode),
				result.ExitCode, result.Stderr)
			cmdErr.Attempts = attempt
			cmdErr.Err = ErrCritical
			e.logger.WithError(cmdErr).Error("command failed with critical error, not retrying")
			return result, cmdErr
		}

		if attempt == maxAttempts {
			break
		}

		delay := e.BaseDelay << (attempt - 1)
		e.logger.Warnf("command failed (%s), retrying in %s (attempt %d/%d)",
			kind, delay, attempt, maxAttempts)
		if e.metrics != nil {
			e.metrics.RetryAttempted(string(kind))
		}

		if err := e.sleep(ctx, delay); err != nil {
			return result, err
		}
	}

	cmdErr := newCommandError(lastKind,
		fmt.Sprintf("max retries exceeded after %d attempts", maxAttempts),
		lastResult.ExitCode, lastResult.Stderr)
	cmdErr.Attempts = maxAttempts
	cmdErr.Err = ErrMaxRetries

	return lastResult, cmdErr
}

// ExecuteWithCircuitBreaker runs the command through the circuit breaker.
// While the breaker is open the command is not invoked at all.
func (e *Executor) ExecuteWithCircuitBreaker(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	if e.breaker.IsOpen() {
		return nil, ErrCircuitOpen
	}

	result, err := e.runner.Run(ctx, cmd)
	if err != nil {
		e.recordBreakerFailure()
		return result, err
	}

	if !result.Succeeded() {
		e.recordBreakerFailure()
		kind := Classify(result.ExitCode, result.Stderr, result.Stdout)
		return result, newCommandError(kind,
			fmt.Sprintf("command failed with exit code %d", result.ExitCode),
			result.ExitCode, result.Stderr)
	}

	e.breaker.RecordSuccess()
	return result, nil
}

// SafeExecute is the single recommended entry point for phases invoking an
// external tool: it short-circuits on an open breaker, retries transient
// failures, and feeds the outcome back into the breaker.
func (e *Executor) SafeExecute(ctx context.Context, cmd runner.Command, description string, maxAttempts int) (*runner.Result, error) {
	log := e.logger.WithField("op", description)

	if e.breaker.IsOpen() {
		log.Error("circuit breaker open, refusing to execute")
		return nil, fmt.Errorf("%s: %w", description, ErrCircuitOpen)
	}

	result, err := e.ExecuteWithRetry(ctx, cmd, maxAttempts)
	if err != nil {
		tripped := e.breaker.RecordFailure()
		if tripped && e.metrics != nil {
			e.metrics.BreakerTripped()
		}
		return result, fmt.Errorf("%s: %w", description, err)
	}

	e.breaker.RecordSuccess()
	log.Debug("command succeeded")

	return result, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
