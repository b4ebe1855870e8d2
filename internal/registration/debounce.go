package registration

import (
	"context"
	"sync"
	"time"
)

// DefaultDebounceDelay is the idle interval before an availability check runs.
const DefaultDebounceDelay = 500 * time.Millisecond

// Availability is the outcome of a debounced check. Err is nil when the
// label is valid and free.
type Availability struct {
	Label string
	Err   error
}

// Debouncer runs CheckLabel once input has been idle for the delay. Newer
// input cancels both the pending timer and any check still in flight, and
// only the result of the latest input is delivered.
type Debouncer struct {
	checker AvailabilityChecker
	delay   time.Duration
	results chan Availability

	mu     sync.Mutex
	gen    uint64
	timer  *time.Timer
	cancel context.CancelFunc
	closed bool
}

// NewDebouncer creates a Debouncer. A zero delay uses DefaultDebounceDelay.
func NewDebouncer(checker AvailabilityChecker, delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &Debouncer{checker: checker, delay: delay, results: make(chan Availability, 1)}
}

// Results delivers the outcome of the latest input.
func (d *Debouncer) Results() <-chan Availability {
	return d.results
}

// Input records a new label. Blank input cancels pending work and produces
// no result.
func (d *Debouncer) Input(label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.stopLocked()
	d.gen++
	if label == "" {
		return
	}
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.run(gen, label) })
}

func (d *Debouncer) run(gen uint64, label string) {
	d.mu.Lock()
	if gen != d.gen || d.closed {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	err := CheckLabel(ctx, d.checker, label)
	cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || d.closed {
		return
	}
	// Drop an unread older result so the channel holds only the latest.
	select {
	case <-d.results:
	default:
	}
	d.results <- Availability{Label: label, Err: err}
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// Close stops pending work.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.closed = true
}
