package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultProbeInterval is the fixed cadence between probes.
	DefaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
)

// ErrAlreadyStarted is returned by Start on a running monitor.
var ErrAlreadyStarted = errors.New("connection.monitor.already_started")

// Status describes backend reachability as last observed.
type Status struct {
	IsOnline      bool      `json:"is_online"`
	IsConnected   bool      `json:"is_connected"`
	LastConnected time.Time `json:"last_connected"`
	RetryCount    int       `json:"retry_count"`
}

// Prober performs a minimal, low-cost read against the backend.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls the function.
func (probe ProberFunc) Probe(ctx context.Context) error {
	return probe(ctx)
}

// NetworkSignals reports platform connectivity changes.
type NetworkSignals interface {
	Online() bool
	Subscribe(listener func(online bool)) (unsubscribe func())
}

// Ticker abstracts time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type systemTicker struct {
	ticker *time.Ticker
}

func (wrapped systemTicker) C() <-chan time.Time {
	return wrapped.ticker.C
}

func (wrapped systemTicker) Stop() {
	wrapped.ticker.Stop()
}

// Config configures a Monitor.
type Config struct {
	Prober       Prober
	Signals      NetworkSignals
	Interval     time.Duration
	ProbeTimeout time.Duration
	Logger       *zap.Logger
}

// Monitor keeps a Status current from periodic probes and network signals.
type Monitor struct {
	prober       Prober
	signals      NetworkSignals
	interval     time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger

	now       func() time.Time
	newTicker func(time.Duration) Ticker

	mutex       sync.Mutex
	status      Status
	subscribers map[int]func(Status)
	nextID      int
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewMonitor constructs a Monitor. Signals may be nil, in which case the platform is assumed online.
func NewMonitor(configuration Config) (*Monitor, error) {
	if configuration.Prober == nil {
		return nil, fmt.Errorf("connection.monitor.new: %w", errors.New("prober is required"))
	}
	interval := configuration.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	probeTimeout := configuration.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:       configuration.Prober,
		signals:      configuration.Signals,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
		now:          time.Now,
		newTicker: func(duration time.Duration) Ticker {
			return systemTicker{ticker: time.NewTicker(duration)}
		},
		subscribers: make(map[int]func(Status)),
	}, nil
}

// Status returns the latest status.
func (monitor *Monitor) Status() Status {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	return monitor.status
}

// Subscribe registers a listener for status changes.
func (monitor *Monitor) Subscribe(listener func(Status)) (unsubscribe func()) {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	id := monitor.nextID
	monitor.nextID++
	monitor.subscribers[id] = listener
	return func() {
		monitor.mutex.Lock()
		defer monitor.mutex.Unlock()
		delete(monitor.subscribers, id)
	}
}

// Start probes immediately and then on every tick until Stop or ctx cancellation.
func (monitor *Monitor) Start(ctx context.Context) error {
	monitor.mutex.Lock()
	if monitor.cancel != nil {
		monitor.mutex.Unlock()
		return ErrAlreadyStarted
	}
	online := true
	if monitor.signals != nil {
		online = monitor.signals.Online()
	}
	monitor.status = Status{
		IsOnline:      online,
		IsConnected:   true,
		LastConnected: monitor.now(),
		RetryCount:    0,
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	monitor.cancel = cancel
	monitor.done = done
	monitor.mutex.Unlock()

	networkEvents := make(chan bool, 8)
	unsubscribe := func() {}
	if monitor.signals != nil {
		unsubscribe = monitor.signals.Subscribe(func(online bool) {
			select {
			case networkEvents <- online:
			case <-loopCtx.Done():
			}
		})
	}
	ticker := monitor.newTicker(monitor.interval)

	go monitor.loop(loopCtx, done, ticker, networkEvents, unsubscribe)
	return nil
}

// Stop cancels the timer and the signal subscription and waits for the loop to exit.
// A stopped monitor may be started again.
func (monitor *Monitor) Stop() {
	monitor.mutex.Lock()
	cancel := monitor.cancel
	done := monitor.done
	monitor.mutex.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (monitor *Monitor) loop(ctx context.Context, done chan struct{}, ticker Ticker, networkEvents <-chan bool, unsubscribe func()) {
	defer close(done)
	defer monitor.release(done)
	defer unsubscribe()
	defer ticker.Stop()

	results := make(chan error, 4)
	var probes sync.WaitGroup
	defer probes.Wait()

	launchProbe := func() {
		probes.Add(1)
		go func() {
			defer probes.Done()
			probeCtx, cancel := context.WithTimeout(ctx, monitor.probeTimeout)
			defer cancel()
			probeErr := monitor.prober.Probe(probeCtx)
			select {
			case results <- probeErr:
			case <-ctx.Done():
			}
		}()
	}

	launchProbe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			launchProbe()
		case online := <-networkEvents:
			if online {
				monitor.update(func(status *Status) { status.IsOnline = true })
				launchProbe()
				continue
			}
			monitor.update(func(status *Status) {
				status.IsOnline = false
				status.IsConnected = false
			})
		case probeErr := <-results:
			if probeErr != nil {
				monitor.logger.Warn("connection probe failed",
					zap.String("code", "connection.probe_failed"),
					zap.Error(probeErr))
				monitor.update(func(status *Status) {
					status.IsConnected = false
					status.RetryCount++
				})
				continue
			}
			connectedAt := monitor.now()
			monitor.update(func(status *Status) {
				status.IsConnected = true
				status.RetryCount = 0
				status.LastConnected = connectedAt
			})
		}
	}
}

// release forgets the finished run so Start can be called again.
func (monitor *Monitor) release(done chan struct{}) {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	if monitor.done == done {
		monitor.cancel()
		monitor.cancel = nil
		monitor.done = nil
	}
}

func (monitor *Monitor) update(apply func(status *Status)) {
	monitor.mutex.Lock()
	apply(&monitor.status)
	snapshot := monitor.status
	listeners := make([]func(Status), 0, len(monitor.subscribers))
	for _, listener := range monitor.subscribers {
		listeners = append(listeners, listener)
	}
	monitor.mutex.Unlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
}

// Indicator returns the banner text for a passive status indicator; empty means nothing to show.
func Indicator(status Status) string {
	switch {
	case !status.IsOnline:
		return "Sin conexión a internet"
	case !status.IsConnected:
		if status.RetryCount > 0 {
			return fmt.Sprintf("Reconectando... (%d)", status.RetryCount)
		}
		return "Reconectando..."
	default:
		return ""
	}
}
