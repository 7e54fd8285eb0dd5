package taskstore

import (
	"time"

	"transfer-hub/internal/domain"
)

// coalescer bounds applied progress updates to one per task per window.
// It holds no lock of its own: every call happens under the owning store's mutex.
type coalescer struct {
	window      time.Duration
	clock       Clock
	lastApplied map[string]time.Time
	buffered    map[string]domain.ProgressEvent
	timer       Timer
	gen         uint64
	fire        func(gen uint64)
}

func newCoalescer(window time.Duration, clock Clock, fire func(gen uint64)) *coalescer {
	return &coalescer{
		window:      window,
		clock:       clock,
		lastApplied: make(map[string]time.Time),
		buffered:    make(map[string]domain.ProgressEvent),
		fire:        fire,
	}
}

// offer reports whether ev must be applied right away. Otherwise ev replaces
// any buffered event for the same task and a flush is scheduled. The window
// only opens once the caller reports the event as applied.
func (c *coalescer) offer(ev domain.ProgressEvent) bool {
	last, seen := c.lastApplied[ev.TaskID]
	if !seen || c.clock.Now().Sub(last) >= c.window {
		delete(c.buffered, ev.TaskID)
		return true
	}

	c.buffered[ev.TaskID] = ev
	if c.timer == nil {
		c.gen++
		gen := c.gen
		c.timer = c.clock.AfterFunc(c.window, func() { c.fire(gen) })
	}
	return false
}

// drain hands back every buffered event and disarms the timer. A stale timer
// generation drains nothing.
func (c *coalescer) drain(gen uint64) []domain.ProgressEvent {
	if gen != c.gen || c.timer == nil {
		return nil
	}
	c.timer = nil
	if len(c.buffered) == 0 {
		return nil
	}

	events := make([]domain.ProgressEvent, 0, len(c.buffered))
	for _, ev := range c.buffered {
		events = append(events, ev)
	}
	clear(c.buffered)
	return events
}

// applied starts a new window for id.
func (c *coalescer) applied(id string) {
	c.lastApplied[id] = c.clock.Now()
}

// take removes and returns the buffered event for id.
func (c *coalescer) take(id string) (domain.ProgressEvent, bool) {
	ev, ok := c.buffered[id]
	delete(c.buffered, id)
	return ev, ok
}

func (c *coalescer) forget(id string) {
	delete(c.buffered, id)
	delete(c.lastApplied, id)
}

func (c *coalescer) stop() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	clear(c.buffered)
}
