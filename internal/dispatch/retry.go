package dispatch

import (
	"time"

	"github.com/renderfleet/api/internal/model"
)

// Decision is the retry policy's verdict for one failed attempt.
type Decision int

const (
	GiveUp Decision = iota
	Retry
)

// RetryPolicy decides whether a failed chunk attempt is re-invoked. Only the
// closed flaky allow-list is ever retried; every other kind gives up on first
// occurrence regardless of remaining budget.
type RetryPolicy struct {
	MaxRetries  int // retries on top of the first attempt
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultRetryPolicy matches the platform defaults: one retry, half-second
// base backoff capped at ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  1,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  10 * time.Second,
	}
}

// Decide returns the verdict for a failure of the given kind on the given
// zero-based attempt. The switch is exhaustive over model.ErrorKind.
func (p RetryPolicy) Decide(kind model.ErrorKind, attempt int) Decision {
	if attempt >= p.MaxRetries {
		return GiveUp
	}
	switch kind {
	case model.ErrKindNetwork, model.ErrKindThrottled, model.ErrKindWorkerPreempted:
		return Retry
	case model.ErrKindTimeout:
		// A worker that ran out its deadline once will likely do so again;
		// the budget is better spent failing fast.
		return GiveUp
	case model.ErrKindInvalidComposition, model.ErrKindUnsupportedCodec,
		model.ErrKindOutOfMemory, model.ErrKindPermission, model.ErrKindInternal:
		return GiveUp
	}
	return GiveUp
}

// Backoff returns the delay before re-invoking after the given zero-based
// attempt: exponential from BackoffBase, capped at BackoffCap.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}
