package debounce

import (
	"sync"
	"testing"
	"time"
)

type manualTimer struct {
	duration time.Duration
	fire     func()
	stopped  bool
}

func (timer *manualTimer) Stop() bool {
	wasActive := !timer.stopped
	timer.stopped = true
	return wasActive
}

type manualScheduler struct {
	mutex  sync.Mutex
	timers []*manualTimer
}

func (scheduler *manualScheduler) afterFunc(duration time.Duration, fire func()) stopper {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	timer := &manualTimer{duration: duration, fire: fire}
	scheduler.timers = append(scheduler.timers, timer)
	return timer
}

func (scheduler *manualScheduler) fireAll() {
	scheduler.mutex.Lock()
	timers := append([]*manualTimer(nil), scheduler.timers...)
	scheduler.mutex.Unlock()
	for _, timer := range timers {
		if !timer.stopped {
			timer.fire()
		}
	}
}

func newManualDebouncer(quiet time.Duration, callback func()) (*Debouncer, *manualScheduler) {
	scheduler := &manualScheduler{}
	debouncer := New(quiet, callback)
	debouncer.afterFunc = scheduler.afterFunc
	return debouncer, scheduler
}

func TestDebouncerCollapsesBursts(t *testing.T) {
	t.Parallel()

	calls := 0
	debouncer, scheduler := newManualDebouncer(time.Second, func() { calls++ })

	debouncer.Trigger()
	debouncer.Trigger()
	debouncer.Trigger()
	scheduler.fireAll()

	if calls != 1 {
		t.Fatalf("expected one run, got %d", calls)
	}
	if len(scheduler.timers) != 3 {
		t.Fatalf("expected three scheduled timers, got %d", len(scheduler.timers))
	}
	for index, timer := range scheduler.timers[:2] {
		if !timer.stopped {
			t.Fatalf("timer %d should have been cancelled", index)
		}
	}
	if scheduler.timers[2].duration != time.Second {
		t.Fatalf("unexpected quiet period %v", scheduler.timers[2].duration)
	}
}

func TestDebouncerIgnoresStaleFire(t *testing.T) {
	t.Parallel()

	calls := 0
	debouncer, scheduler := newManualDebouncer(time.Second, func() { calls++ })

	debouncer.Trigger()
	staleTimer := scheduler.timers[0]
	debouncer.Trigger()
	staleTimer.fire()
	if calls != 0 {
		t.Fatalf("stale timer must not run the callback")
	}
	scheduler.timers[1].fire()
	if calls != 1 {
		t.Fatalf("expected one run, got %d", calls)
	}
}

func TestDebouncerStop(t *testing.T) {
	t.Parallel()

	calls := 0
	debouncer, scheduler := newManualDebouncer(time.Second, func() { calls++ })

	debouncer.Trigger()
	debouncer.Stop()
	scheduler.timers[0].fire()
	debouncer.Trigger()

	if calls != 0 {
		t.Fatalf("expected no runs after stop, got %d", calls)
	}
	if len(scheduler.timers) != 1 {
		t.Fatalf("expected trigger after stop to be ignored")
	}
}

func TestDebouncerRealTimer(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 2)
	debouncer := New(20*time.Millisecond, func() { fired <- struct{}{} })
	defer debouncer.Stop()

	debouncer.Trigger()
	debouncer.Trigger()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("debounced callback never ran")
	}
	select {
	case <-fired:
		t.Fatalf("callback ran twice")
	case <-time.After(60 * time.Millisecond):
	}
}
