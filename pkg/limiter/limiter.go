package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// SlidingWindow admits at most limit callers within any trailing window.
// Calls beyond the quota are never rejected, they block until the oldest
// grant ages out of the window. Callers are admitted in arrival order.
type SlidingWindow struct {
	window time.Duration
	limit  int

	// turn hands out admissions in the order callers arrived.
	turn *semaphore.Weighted

	mu     sync.Mutex
	ledger []time.Time // grant timestamps, oldest first

	now func() time.Time

	blockedCallers prometheus.Counter
}

// New creates a sliding-window limiter. blockedCallers counts callers that
// had to wait for a slot and may be nil.
func New(window time.Duration, limit int, blockedCallers prometheus.Counter) (*SlidingWindow, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	if window <= 0 {
		return nil, errors.New("window must be positive")
	}
	return &SlidingWindow{
		window:         window,
		limit:          limit,
		turn:           semaphore.NewWeighted(1),
		ledger:         make([]time.Time, 0, limit),
		now:            time.Now,
		blockedCallers: blockedCallers,
	}, nil
}

// Acquire blocks until admitting the caller keeps the number of grants in
// the trailing window within the limit, then records the grant and returns.
// The only error it returns is the context's, when the caller is cancelled
// while queued or sleeping.
func (sw *SlidingWindow) Acquire(ctx context.Context) error {
	if err := sw.turn.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "cancelled while queued for admission")
	}
	defer sw.turn.Release(1)

	blocked := false
	for {
		sw.mu.Lock()
		now := sw.now()
		sw.purge(now)
		if len(sw.ledger) < sw.limit {
			sw.ledger = append(sw.ledger, now)
			sw.mu.Unlock()
			return nil
		}
		wait := sw.window - now.Sub(sw.ledger[0])
		sw.mu.Unlock()

		if !blocked {
			blocked = true
			if sw.blockedCallers != nil {
				sw.blockedCallers.Inc()
			}
		}

		if wait <= 0 {
			// The oldest grant expires on the next purge as soon as the
			// clock moves. Recheck right away.
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "cancelled while waiting for a free slot")
		case <-timer.C:
		}
	}
}

// Live reports the number of grants still inside the trailing window.
func (sw *SlidingWindow) Live() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.purge(sw.now())
	return len(sw.ledger)
}

// Window returns the configured trailing window.
func (sw *SlidingWindow) Window() time.Duration { return sw.window }

// Limit returns the configured quota.
func (sw *SlidingWindow) Limit() int { return sw.limit }

// purge drops grants that aged out of the window. Insertion order is
// chronological, so expired entries form a prefix. Caller holds mu.
func (sw *SlidingWindow) purge(now time.Time) {
	i := 0
	for i < len(sw.ledger) && now.Sub(sw.ledger[i]) >= sw.window {
		i++
	}
	if i > 0 {
		sw.ledger = append(sw.ledger[:0], sw.ledger[i:]...)
	}
}
