// Package retryrunner implements exponential-backoff retry of an
// operation over a declared transient-error set, cancellable via
// context. It is grounded on boulder's cmd/ocsp-updater backoff-loop
// shape (failureBackoffFactor / failureBackoffMax fields, doubling
// sleep duration capped at a max), generalized into a standalone,
// reusable component instead of one loop's private fields.
package retryrunner

import (
	"context"
	"math/rand"
	"time"

	"github.com/jmhodges/clock"

	"github.com/edgecore/gg-cert-core/certerrors"
	"github.com/edgecore/gg-cert-core/config"
	"github.com/edgecore/gg-cert-core/log"
	"github.com/edgecore/gg-cert-core/metrics"
)

// Op is the operation retried by Run.
type Op func(ctx context.Context) error

// IsRetryable classifies an error returned by Op as transient (worth
// retrying) or terminal (propagate immediately).
type IsRetryable func(error) bool

// Runner retries an Op on a declared retryable-error set with
// exponential backoff.
type Runner struct {
	clk   clock.Clock
	log   log.Logger
	scope metrics.Scope
}

// New constructs a Runner.
func New(clk clock.Clock, logger log.Logger, scope metrics.Scope) *Runner {
	if clk == nil {
		clk = clock.Default()
	}
	if logger == nil {
		logger = log.NopLogger{}
	}
	if scope == nil {
		scope = metrics.NoopScope()
	}
	return &Runner{clk: clk, log: logger, scope: scope}
}

// Run retries op according to cfg until it succeeds, a non-retryable
// error occurs, ctx is cancelled, or cfg.MaxAttempts is exhausted
// (0 = unbounded).
func (r *Runner) Run(ctx context.Context, op Op, cfg config.RetryConfig, retryable IsRetryable, name string) error {
	interval := cfg.InitialInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	maxInterval := cfg.MaxInterval.Duration
	if maxInterval <= 0 {
		maxInterval = 30 * time.Minute
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return certerrors.CancelledErr("%s: cancelled before attempt %d", name, attempt)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return certerrors.CancelledErr("%s: cancelled during attempt %d", name, attempt)
		}
		if retryable != nil && !retryable(err) {
			return err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}

		r.log.Warningf("%s: attempt %d failed, retrying in %s: %s", name, attempt, interval, err)
		r.scope.Inc(name+".retries", 1)

		sleep := withJitter(interval)
		select {
		case <-ctx.Done():
			return certerrors.CancelledErr("%s: cancelled while sleeping before attempt %d", name, attempt+1)
		case <-r.clk.After(sleep):
		}

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// withJitter adds up to 10% jitter to interval, matching the small
// jitter asks for without specifying an exact distribution.
func withJitter(interval time.Duration) time.Duration {
	span := int64(interval) / 10
	if span <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(span))
}
