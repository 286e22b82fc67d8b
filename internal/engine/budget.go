package engine

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/unirep/internal/ir"
)

// RetryBudget decides what happens to a target after a failed evaluation.
//
// Configuration errors suspend immediately. Data errors are retried with
// exponential backoff until maxAttempts, then suspended. Transient errors
// are retried indefinitely with the same backoff.
type RetryBudget struct {
	maxAttempts int
	initial     time.Duration
	max         time.Duration
}

// NewRetryBudget creates a budget. Non-positive values fall back to defaults.
func NewRetryBudget(maxAttempts int, initial, max time.Duration) RetryBudget {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if initial <= 0 {
		initial = DefaultRetryBackoff
	}
	if max < initial {
		max = initial
	}
	return RetryBudget{maxAttempts: maxAttempts, initial: initial, max: max}
}

// Verdict is the outcome of charging one failure against the budget.
type Verdict struct {
	Suspend bool
	Delay   time.Duration
}

// Charge returns the verdict for a target that has now failed attempts
// times with an error of the given class.
func (b RetryBudget) Charge(class ir.ErrorClass, attempts int) Verdict {
	switch class {
	case ir.ClassConfiguration:
		return Verdict{Suspend: true}
	case ir.ClassData:
		if attempts >= b.maxAttempts {
			return Verdict{Suspend: true}
		}
	}
	return Verdict{Delay: b.Delay(attempts)}
}

// Delay returns the backoff before retry number attempts. Jitter is disabled
// so retry schedules are reproducible.
func (b RetryBudget) Delay(attempts int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.initial
	eb.MaxInterval = b.max
	eb.RandomizationFactor = 0
	eb.Reset()

	d := eb.InitialInterval
	for i := 0; i < attempts; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// MaxAttempts returns the data-error attempt limit.
func (b RetryBudget) MaxAttempts() int {
	return b.maxAttempts
}
