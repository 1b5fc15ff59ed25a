package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/masahif/sitemirror/internal/ratecontrol"
)

// DefaultRetryCodes are the statuses that trigger a retry and a delay penalty.
var DefaultRetryCodes = []int{429, 500, 502, 503, 504}

// State is the position of one URL in the retry state machine.
type State int

const (
	StatePending State = iota
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Attempt tracks one URL's progress. Retries counts attempts after the first.
type Attempt struct {
	State   State
	Retries int
	Max     int
}

// Next applies one observed result and returns the new state. status is 0
// when no response line arrived.
//
//	result                          retries left   next
//	2xx, no error                   -              Succeeded
//	retryable status                yes / no       Retrying(n+1) / Failed
//	transport error, no status      yes / no       Retrying(n+1) / Failed
//	transport error, 2xx status     yes / no       Retrying(n+1) / Failed
//	any other status                -              Failed
func (a Attempt) Next(status int, err error, retryable func(int) bool) Attempt {
	ok := status >= 200 && status < 300

	var transient bool
	switch {
	case err == nil && ok:
		a.State = StateSucceeded
		return a
	case err != nil:
		transient = status == 0 || ok || retryable(status)
	default:
		transient = retryable(status)
	}

	if transient && a.Retries < a.Max {
		a.State = StateRetrying
		a.Retries++
		return a
	}
	a.State = StateFailed
	return a
}

// Retrier runs an operation under the shared rate controller with bounded,
// exponentially spaced retries.
type Retrier struct {
	Rate       *ratecontrol.Controller
	Histogram  *StatusHistogram
	MaxRetries int
	RetryCodes map[int]bool

	// OnError is called for every failed attempt, transient or terminal.
	OnError func(url string, status, attempt int, err error)

	sleep func(context.Context, time.Duration) error
}

// NewRetrier creates a Retrier.
func NewRetrier(rc *ratecontrol.Controller, hist *StatusHistogram, maxRetries int, retryCodes []int) *Retrier {
	codes := make(map[int]bool, len(retryCodes))
	for _, c := range retryCodes {
		codes[c] = true
	}
	return &Retrier{
		Rate:       rc,
		Histogram:  hist,
		MaxRetries: maxRetries,
		RetryCodes: codes,
		sleep:      ratecontrol.Sleep,
	}
}

// Do waits for the rate controller before each attempt and retries op until
// it yields a 2xx response or the state machine fails. It returns the number
// of attempts made; a failure is always a *TerminalError.
func (r *Retrier) Do(ctx context.Context, url string, op func(context.Context) (*Response, error)) (*Response, int, error) {
	a := Attempt{State: StatePending, Max: r.MaxRetries}
	attempts := 0

	for {
		if err := r.Rate.Wait(ctx); err != nil {
			return nil, attempts, &TerminalError{URL: url, Attempts: attempts, Err: err}
		}
		attempts++

		resp, err := op(ctx)
		status := StatusOf(err)
		if resp != nil {
			status = resp.StatusCode
		}
		if status != 0 {
			r.Histogram.Record(status)
			slog.Info("HTTP response", "url", url, "status", status,
				"class", StatusClass(status), "description", StatusDescription(status))
		}

		a = a.Next(status, err, r.retryable)
		if a.State == StateSucceeded {
			return resp, attempts, nil
		}

		cause := err
		if cause == nil {
			cause = fmt.Errorf("HTTP %d %s", status, StatusDescription(status))
		}
		if r.OnError != nil {
			r.OnError(url, status, attempts, cause)
		}

		if r.retryable(status) || IsRateLimitSignal(err) {
			if status == 429 || IsRateLimitSignal(err) {
				slog.Warn("Rate limited by server", "url", url, "status", status)
			}
			r.Rate.Penalize()
		}

		if a.State == StateFailed {
			slog.Error("Giving up on URL", "url", url, "attempts", attempts, "status", status, "error", cause)
			return nil, attempts, &TerminalError{URL: url, Status: status, Attempts: attempts, Err: cause}
		}

		wait := r.Rate.Backoff(a.Retries)
		slog.Warn("Retrying request", "url", url, "status", status, "retry", a.Retries,
			"max_retries", a.Max, "wait", wait, "error", &TransientError{URL: url, Status: status, Attempt: attempts, Err: err})
		sleep := r.sleep
		if sleep == nil {
			sleep = ratecontrol.Sleep
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, attempts, &TerminalError{URL: url, Status: status, Attempts: attempts, Err: err}
		}
	}
}

func (r *Retrier) retryable(status int) bool {
	return r.RetryCodes[status]
}
