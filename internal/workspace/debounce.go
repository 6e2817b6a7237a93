package workspace

import (
	"sync"
	"time"
)

// DefaultDebounce coalesces camera and snapshot writes during continuous
// pan and drag gestures.
const DefaultDebounce = 400 * time.Millisecond

// Debouncer runs the last function triggered for a key once the key has been
// quiet for the delay.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*debounced
	stopped bool
}

type debounced struct {
	timer *time.Timer
	fn    func()
}

func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay, pending: map[string]*debounced{}}
}

func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if entry, ok := d.pending[key]; ok {
		entry.fn = fn
		entry.timer.Reset(d.delay)
		return
	}
	entry := &debounced{fn: fn}
	entry.timer = time.AfterFunc(d.delay, func() { d.fire(key, entry) })
	d.pending[key] = entry
}

func (d *Debouncer) fire(key string, entry *debounced) {
	d.mu.Lock()
	if d.pending[key] != entry {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	fn := entry.fn
	d.mu.Unlock()
	fn()
}

// Flush runs the pending function for key now. It reports whether there was
// one.
func (d *Debouncer) Flush(key string) bool {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		entry.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		entry.fn()
	}
	return ok
}

// FlushAll runs every pending function, used on shutdown so the last camera
// position is not lost.
func (d *Debouncer) FlushAll() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for key := range d.pending {
		keys = append(keys, key)
	}
	d.mu.Unlock()
	for _, key := range keys {
		d.Flush(key)
	}
}

func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop drops everything pending and ignores later triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}
