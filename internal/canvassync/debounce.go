package canvassync

import (
	"sync"
	"time"
)

const DefaultQuietPeriod = time.Second

// Debouncer delays fn until no Schedule call has happened for the quiet
// period. Only the latest payload reaches fn.
type Debouncer[T any] struct {
	quiet time.Duration
	fn    func(T)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
	payload T
	stopped bool
}

func NewDebouncer[T any](quiet time.Duration, fn func(T)) *Debouncer[T] {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Debouncer[T]{quiet: quiet, fn: fn}
}

func (d *Debouncer[T]) Schedule(payload T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.payload = payload
	d.pending = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() { d.fire(gen) })
}

func (d *Debouncer[T]) fire(gen uint64) {
	payload, ok := d.takeIf(func() bool { return gen == d.gen })
	if ok {
		d.fn(payload)
	}
}

// Flush runs a pending payload now. It reports whether one was pending.
func (d *Debouncer[T]) Flush() bool {
	payload, ok := d.Take()
	if ok {
		d.fn(payload)
	}
	return ok
}

// Take removes the pending payload without running fn.
func (d *Debouncer[T]) Take() (T, bool) {
	return d.takeIf(func() bool { return true })
}

func (d *Debouncer[T]) takeIf(match func() bool) (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	if !d.pending || d.stopped || !match() {
		return zero, false
	}
	payload := d.payload
	d.payload = zero
	d.pending = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return payload, true
}

func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop drops any pending payload; later Schedule calls are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	d.stopped = true
	d.pending = false
	d.payload = zero
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
