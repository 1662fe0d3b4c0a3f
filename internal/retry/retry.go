// Package retry runs an ordered list of fallback strategies, retrying each
// with exponential backoff before moving to the next.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Defaults used when a Plan leaves a field zero.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
)

// jitterFraction bounds the random spread applied to each backoff delay.
const jitterFraction = 0.3

// Strategy is one way of performing an operation.
type Strategy[T any] struct {
	Name string
	Fn   func(ctx context.Context) (T, error)
}

// Func builds a named strategy.
func Func[T any](name string, fn func(ctx context.Context) (T, error)) Strategy[T] {
	return Strategy[T]{Name: name, Fn: fn}
}

// Plan configures a Run call. It is read-only and may be shared.
type Plan struct {
	// Attempts per strategy; 0 means DefaultAttempts.
	Attempts int
	// BaseDelay is the first backoff delay and the pause between strategies.
	// A negative value disables waiting entirely.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff delay; 0 means DefaultMaxDelay.
	MaxDelay time.Duration
	// AttemptTimeout bounds a single attempt when positive.
	AttemptTimeout time.Duration
	// OnAttempt, when set, is called after every attempt.
	OnAttempt func(strategy string, attempt int, err error)
}

// DefaultPlan returns a plan with the package defaults.
func DefaultPlan() Plan {
	return Plan{Attempts: DefaultAttempts, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

func (p Plan) attempts() int {
	if p.Attempts <= 0 {
		return DefaultAttempts
	}
	return p.Attempts
}

// Backoff returns the delay after the given zero-based failed attempt,
// before jitter: BaseDelay * 2^attempt, capped at MaxDelay.
func (p Plan) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// PermanentError marks an error that retrying the same strategy cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the executor skips the remaining attempts of the
// current strategy. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// StrategyError is the last error one strategy produced.
type StrategyError struct {
	Strategy string
	Attempts int
	Err      error
}

func (e StrategyError) Error() string {
	return fmt.Sprintf("%s (%d attempts): %v", e.Strategy, e.Attempts, e.Err)
}

// AggregateError is returned when every strategy failed or the run was
// cancelled before one succeeded.
type AggregateError struct {
	Failures []StrategyError
	// Cause is the context error when the run was cancelled.
	Cause error
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	if e.Cause != nil {
		fmt.Fprintf(&b, "retry cancelled: %v", e.Cause)
	} else {
		fmt.Fprintf(&b, "all %d strategies failed", len(e.Failures))
	}
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap exposes the per-strategy errors and the cancellation cause to
// errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Run tries each strategy in order until one succeeds. Cancelling ctx stops
// further attempts; an attempt already running is not interrupted and is
// bounded only by Plan.AttemptTimeout.
func Run[T any](ctx context.Context, p Plan, strategies ...Strategy[T]) (T, error) {
	var zero T
	agg := &AggregateError{}
	attempts := p.attempts()

	for si, s := range strategies {
		if si > 0 {
			if err := wait(ctx, p.BaseDelay); err != nil {
				agg.Cause = err
				return zero, agg
			}
		}

		var lastErr error
		made := 0
		for attempt := 0; attempt < attempts; attempt++ {
			if err := ctx.Err(); err != nil {
				if made > 0 {
					agg.Failures = append(agg.Failures, StrategyError{Strategy: s.Name, Attempts: made, Err: lastErr})
				}
				agg.Cause = err
				return zero, agg
			}

			v, err := runAttempt(ctx, p, s)
			made++
			if p.OnAttempt != nil {
				p.OnAttempt(s.Name, attempt, err)
			}
			if err == nil {
				return v, nil
			}
			lastErr = err
			if IsPermanent(err) || attempt == attempts-1 {
				break
			}
			if err := wait(ctx, jitter(p.Backoff(attempt))); err != nil {
				agg.Failures = append(agg.Failures, StrategyError{Strategy: s.Name, Attempts: made, Err: lastErr})
				agg.Cause = err
				return zero, agg
			}
		}
		agg.Failures = append(agg.Failures, StrategyError{Strategy: s.Name, Attempts: made, Err: lastErr})
	}
	return zero, agg
}

func runAttempt[T any](ctx context.Context, p Plan, s Strategy[T]) (T, error) {
	actx := context.WithoutCancel(ctx)
	if p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, p.AttemptTimeout)
		defer cancel()
	}
	return s.Fn(actx)
}

// jitter spreads d uniformly over ±30%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	f := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
