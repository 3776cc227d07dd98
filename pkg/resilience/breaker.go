package resilience

import "sync"

// DefaultBreakerThreshold is the number of consecutive failures after which
// the circuit opens.
const DefaultBreakerThreshold = 5

// BreakerState is the current state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// CircuitBreaker counts consecutive failures and, once the threshold is
// reached, rejects all further attempts until an explicit Reset.
type CircuitBreaker struct {
	mu                  sync.Mutex
	threshold           int
	consecutiveFailures int
	state               BreakerState
}

// NewCircuitBreaker creates a closed breaker with the given threshold.
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	return &CircuitBreaker{
		threshold: threshold,
		state:     BreakerClosed,
	}
}

// RecordFailure increments the consecutive failure count and reports whether
// this failure tripped the breaker open.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == BreakerClosed && b.consecutiveFailures >= b.threshold {
		b.state = BreakerOpen
		return true
	}
	return false
}

// RecordSuccess resets the consecutive failure count. It does not close an
// open breaker; that requires an explicit Reset.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
}

// IsOpen reports whether the breaker is rejecting attempts.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerOpen
}

// State returns the breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// SetThreshold changes the trip threshold. Values below one keep the
// default.
func (b *CircuitBreaker) SetThreshold(threshold int) {
	if threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threshold = threshold
}

// Reset closes the breaker and zeroes the failure count.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFailures = 0
}

// recordBreakerFailure is a small helper used by the executor paths that do
// not need to know whether the breaker tripped.
func (e *Executor) recordBreakerFailure() {
	tripped := e.breaker.RecordFailure()
	if tripped {
		e.logger.Warn("circuit breaker opened")
		if e.metrics != nil {
			e.metrics.BreakerTripped()
		}
	}
}
