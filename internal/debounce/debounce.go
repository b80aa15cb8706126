package debounce

import (
	"sync"
	"time"
)

type stopper interface {
	Stop() bool
}

// Debouncer runs a callback once after a quiet period with no further triggers.
type Debouncer struct {
	mutex     sync.Mutex
	quiet     time.Duration
	callback  func()
	pending   stopper
	sequence  uint64
	stopped   bool
	afterFunc func(time.Duration, func()) stopper
}

// New constructs a Debouncer.
func New(quiet time.Duration, callback func()) *Debouncer {
	return &Debouncer{
		quiet:    quiet,
		callback: callback,
		afterFunc: func(duration time.Duration, fire func()) stopper {
			return time.AfterFunc(duration, fire)
		},
	}
}

// Trigger (re)starts the quiet period, cancelling any pending run.
func (debouncer *Debouncer) Trigger() {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	if debouncer.stopped {
		return
	}
	if debouncer.pending != nil {
		debouncer.pending.Stop()
	}
	debouncer.sequence++
	scheduled := debouncer.sequence
	debouncer.pending = debouncer.afterFunc(debouncer.quiet, func() {
		debouncer.fire(scheduled)
	})
}

// Stop cancels any pending run; later triggers are ignored.
func (debouncer *Debouncer) Stop() {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	debouncer.stopped = true
	if debouncer.pending != nil {
		debouncer.pending.Stop()
		debouncer.pending = nil
	}
}

func (debouncer *Debouncer) fire(scheduled uint64) {
	debouncer.mutex.Lock()
	// A timer that already fired cannot be stopped, so stale runs are filtered by sequence.
	if debouncer.stopped || scheduled != debouncer.sequence {
		debouncer.mutex.Unlock()
		return
	}
	debouncer.pending = nil
	debouncer.mutex.Unlock()
	debouncer.callback()
}
