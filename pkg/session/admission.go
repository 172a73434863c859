// Package session manages remote browser sessions: an admission controller
// gating session creation under dual rate/concurrency budgets, and a
// Playwright-backed session manager with idle sweeping and keepalive pinging.
package session

import (
	"context"
	"sync"
	"time"
)

// Default admission budgets.
const (
	DefaultMaxCreatesPerMinute   = 20
	DefaultMaxConcurrentSessions = 10

	// rateWindow is the sliding window for the creation-rate budget.
	rateWindow = time.Minute
)

// AdmissionStats is a point-in-time snapshot of the controller's bookkeeping,
// useful for operational dashboards.
type AdmissionStats struct {
	QueuedRequests         int `json:"queuedRequests"`
	CreatesInCurrentWindow int `json:"createsInCurrentWindow"`
	ActiveSessions         int `json:"activeSessions"`
	PendingReservations    int `json:"pendingReservations"`
}

// AdmissionController gates creation of expensive browser sessions under a
// creates-per-minute window and a max-concurrent-sessions cap. Requests are
// granted in FIFO order; granting a lease reserves a concurrency slot and
// records a creation timestamp immediately, so queued-but-unconfirmed
// creations still count against the cap.
type AdmissionController struct {
	mu            sync.Mutex
	maxPerMinute  int
	maxConcurrent int
	window        time.Duration
	now           func() time.Time

	creates  []time.Time
	active   map[string]struct{}
	reserved int
	queue    []*admissionWaiter
	timer    *time.Timer
}

type admissionWaiter struct {
	source    string
	ch        chan *CreateLease
	cancelled bool
}

// AdmissionOption configures an AdmissionController.
type AdmissionOption func(*AdmissionController)

// WithMaxCreatesPerMinute sets the rate budget.
func WithMaxCreatesPerMinute(n int) AdmissionOption {
	return func(c *AdmissionController) {
		if n > 0 {
			c.maxPerMinute = n
		}
	}
}

// WithMaxConcurrentSessions sets the concurrency budget.
func WithMaxConcurrentSessions(n int) AdmissionOption {
	return func(c *AdmissionController) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithRateWindow overrides the sliding window duration. Intended for tests;
// production uses the 60-second default.
func WithRateWindow(d time.Duration) AdmissionOption {
	return func(c *AdmissionController) {
		if d > 0 {
			c.window = d
		}
	}
}

// NewAdmissionController creates a controller with the given budgets.
func NewAdmissionController(opts ...AdmissionOption) *AdmissionController {
	c := &AdmissionController{
		maxPerMinute:  DefaultMaxCreatesPerMinute,
		maxConcurrent: DefaultMaxConcurrentSessions,
		window:        rateWindow,
		now:           time.Now,
		active:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	defaultController *AdmissionController
	defaultOnce       sync.Once
)

// Default returns the process-wide admission controller, constructed lazily
// on first use. All runs in the process share it.
func Default() *AdmissionController {
	defaultOnce.Do(func() {
		defaultController = NewAdmissionController()
	})
	return defaultController
}

// CreateLease is a reservation against the controller's concurrency budget.
// Exactly one of ConfirmCreated or Cancel must be called exactly once per
// lease; failing to resolve a lease leaks its reservation slot forever.
// Redundant calls after the first resolution are no-ops.
type CreateLease struct {
	c      *AdmissionController
	source string
	once   sync.Once
}

// ConfirmCreated converts the reservation into a tracked active session
// keyed by id.
func (l *CreateLease) ConfirmCreated(id string) {
	l.once.Do(func() {
		l.c.mu.Lock()
		l.c.reserved--
		l.c.active[id] = struct{}{}
		l.c.pumpLocked()
		l.c.mu.Unlock()
	})
}

// Cancel releases the reservation without tracking a session.
func (l *CreateLease) Cancel() {
	l.once.Do(func() {
		l.c.mu.Lock()
		l.c.reserved--
		l.c.pumpLocked()
		l.c.mu.Unlock()
	})
}

// AcquireCreateLease enqueues a creation request attributed to source and
// returns once both budgets have spare capacity. Grants are strictly FIFO
// relative to call order. The context cancels waiting, not the budgets.
func (c *AdmissionController) AcquireCreateLease(ctx context.Context, source string) (*CreateLease, error) {
	w := &admissionWaiter{source: source, ch: make(chan *CreateLease, 1)}

	c.mu.Lock()
	c.queue = append(c.queue, w)
	c.pumpLocked()
	c.mu.Unlock()

	select {
	case lease := <-w.ch:
		return lease, nil
	case <-ctx.Done():
		c.mu.Lock()
		w.cancelled = true
		c.mu.Unlock()
		// The grant may have raced the cancellation; give it back.
		select {
		case lease := <-w.ch:
			lease.Cancel()
		default:
		}
		return nil, ctx.Err()
	}
}

// RegisterActiveSession tracks a session that was not created through the
// lease flow (e.g. resuming a pre-existing session).
func (c *AdmissionController) RegisterActiveSession(id string) {
	c.mu.Lock()
	c.active[id] = struct{}{}
	c.mu.Unlock()
}

// ReleaseActiveSession removes a session from the active set and wakes the
// queue.
func (c *AdmissionController) ReleaseActiveSession(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.pumpLocked()
	c.mu.Unlock()
}

// Stats returns a snapshot of the controller's bookkeeping.
func (c *AdmissionController) Stats() AdmissionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())

	queued := 0
	for _, w := range c.queue {
		if !w.cancelled {
			queued++
		}
	}
	return AdmissionStats{
		QueuedRequests:         queued,
		CreatesInCurrentWindow: len(c.creates),
		ActiveSessions:         len(c.active),
		PendingReservations:    c.reserved,
	}
}

// pumpLocked processes the queue greedily, front to back, granting leases
// while both budgets allow. When the rate budget is the limiting factor a
// timer is armed for the exact instant the oldest timestamp exits the
// window; when the concurrency budget limits, no timer is armed and only
// release/confirm/cancel events re-trigger processing.
func (c *AdmissionController) pumpLocked() {
	now := c.now()
	c.pruneLocked(now)

	for len(c.queue) > 0 {
		w := c.queue[0]
		if w.cancelled {
			c.queue = c.queue[1:]
			continue
		}
		if c.reserved+len(c.active) >= c.maxConcurrent {
			return
		}
		if len(c.creates) >= c.maxPerMinute {
			c.armTimerLocked(now)
			return
		}

		c.queue = c.queue[1:]
		c.reserved++
		c.creates = append(c.creates, now)
		w.ch <- &CreateLease{c: c, source: w.source}
	}
}

// pruneLocked drops creation timestamps that have left the window.
func (c *AdmissionController) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.creates) && !c.creates[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.creates = append([]time.Time(nil), c.creates[i:]...)
	}
}

// armTimerLocked schedules a pump for when the oldest creation timestamp
// exits the window.
func (c *AdmissionController) armTimerLocked(now time.Time) {
	if len(c.creates) == 0 {
		return
	}
	delay := c.creates[0].Add(c.window).Sub(now)
	if delay < 0 {
		delay = 0
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.timer == t {
			c.timer = nil
		}
		c.pumpLocked()
		c.mu.Unlock()
	})
	c.timer = t
}
