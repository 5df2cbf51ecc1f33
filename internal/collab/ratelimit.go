package collab

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle runs at most one call per interval. The first call in a quiet
// period runs immediately; calls arriving inside the interval collapse into a
// single trailing call carrying the latest function.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	timer   *time.Timer
	pending func()
	stopped bool
}

// NewThrottle constructs a throttle. A non-positive interval disables throttling.
func NewThrottle(interval time.Duration) *Throttle {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1)}
}

// Do schedules fn under the throttle.
func (t *Throttle) Do(fn func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer == nil && t.limiter.Allow() {
		t.mu.Unlock()
		fn()
		return
	}
	t.pending = fn
	if t.timer == nil {
		t.timer = time.AfterFunc(t.limiter.Reserve().Delay(), t.flush)
	}
	t.mu.Unlock()
}

// Stop drops any trailing call and ignores future calls.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Throttle) flush() {
	t.mu.Lock()
	fn := t.pending
	t.pending = nil
	t.timer = nil
	stopped := t.stopped
	t.mu.Unlock()
	if fn != nil && !stopped {
		fn()
	}
}

// Debouncer runs only the last call of a burst, delay after the burst ends.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	stopped bool
}

// NewDebouncer constructs a trailing-edge debouncer.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Do replaces any scheduled call with fn.
func (d *Debouncer) Do(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}

// Stop cancels the scheduled call and ignores future calls.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
