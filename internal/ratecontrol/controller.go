// Package ratecontrol holds the run-wide adaptive request delay.
// The delay only ever grows: servers that throttle once tend to keep throttling,
// so a penalty stays in effect for the rest of the run.
package ratecontrol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes the delay bounds and the backoff multiplier.
type Config struct {
	InitialDelay  time.Duration
	MinDelay      time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Adaptive      bool // false disables Penalize
}

// Controller paces requests by the current delay. It is shared by the page
// and media fetchers; all mutation goes through Penalize.
type Controller struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	current  time.Duration
	minDelay time.Duration
	maxDelay time.Duration
	factor   float64
	adaptive bool
}

// New creates a controller whose delay starts at InitialDelay clamped into
// [MinDelay, MaxDelay].
func New(cfg Config) *Controller {
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < cfg.MinDelay {
		maxDelay = cfg.MinDelay
	}

	c := &Controller{
		minDelay: cfg.MinDelay,
		maxDelay: maxDelay,
		factor:   factor,
		adaptive: cfg.Adaptive,
	}
	c.current = c.clamp(cfg.InitialDelay)
	c.limiter = rate.NewLimiter(limitFor(c.current), 1)
	return c
}

// Wait blocks until the current delay has elapsed since the previous call
// returned. Spacing is start to start: when a request took longer than the
// delay, the next one may go out at once.
func (c *Controller) Wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate control wait: %w", err)
	}
	return nil
}

// Penalize multiplies the delay by the backoff factor, clamped to the
// maximum, and returns the new delay.
func (c *Controller) Penalize() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.adaptive {
		return c.current
	}

	old := c.current
	next := time.Duration(float64(c.current) * c.factor)
	if next == 0 && c.factor > 1 {
		// A zero delay cannot grow by multiplication.
		next = c.minDelay
		if next == 0 {
			next = 10 * time.Millisecond
		}
	}
	c.current = c.clamp(next)
	c.limiter.SetLimit(limitFor(c.current))

	if c.current != old {
		slog.Info("Increased request delay", "from", old, "to", c.current)
	}
	return c.current
}

// Delay returns the current delay.
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Backoff returns the retry pause for the given attempt: current delay * 2^attempt.
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return c.Delay() * time.Duration(1<<uint(attempt))
}

func (c *Controller) clamp(d time.Duration) time.Duration {
	if d < c.minDelay {
		return c.minDelay
	}
	if d > c.maxDelay {
		return c.maxDelay
	}
	return d
}

func limitFor(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
