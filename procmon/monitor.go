// Package procmon watches the OS process table for the vendor
// executable. The answer is cached and refreshed on a poll interval so
// the engine can ask on every tick without touching the OS each time.
package procmon

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/evolab/labscheduler/core"
)

// ChangeCallback fires on running/not-running transitions.
type ChangeCallback func(running bool, count int)

// processLister enumerates process names. Swapped out in tests; the
// default uses gopsutil.
type processLister func() ([]string, error)

// Monitor polls the process table in a background goroutine and caches
// whether the vendor executable is running.
type Monitor struct {
	processName string
	interval    time.Duration
	list        processLister
	logger      core.Logger

	mu        sync.RWMutex
	running   bool
	count     int
	lastCheck time.Time
	callbacks []ChangeCallback

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLister replaces the OS process enumeration. Tests use this to
// simulate the vendor starting and stopping.
func WithLister(list func() ([]string, error)) Option {
	return func(m *Monitor) { m.list = list }
}

// WithLogger sets the monitor's logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// New creates a monitor for the named executable. interval <= 0 falls
// back to the 5 second default.
func New(processName string, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor{
		processName: processName,
		interval:    interval,
		list:        listProcessNames,
		logger:      &core.NoOpLogger{},
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins background polling. The first poll happens immediately
// so IsVendorRunning has a real answer before the first tick.
func (m *Monitor) Start(parent context.Context) {
	m.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		m.cancel = cancel

		m.poll()

		go func() {
			defer close(m.done)
			ticker := time.NewTicker(m.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.poll()
				}
			}
		}()
	})
}

// Stop halts polling and waits for the background goroutine.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
	})
}

// IsVendorRunning returns the cached answer. When the process layer is
// unavailable this is false and the executor fails fast on its own.
func (m *Monitor) IsVendorRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// ProcessCount returns the cached number of matching processes.
func (m *Monitor) ProcessCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// LastCheck returns when the cache was last refreshed.
func (m *Monitor) LastCheck() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

// OnChange registers a callback fired on running/not-running
// transitions. Callbacks run on the polling goroutine and must not
// block.
func (m *Monitor) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// WaitForAvailable polls until the vendor stops running or the timeout
// elapses. Returns true when the instrument is free.
func (m *Monitor) WaitForAvailable(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !m.IsVendorRunning() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.interval):
		}
	}
}

func (m *Monitor) poll() {
	names, err := m.list()
	if err != nil {
		// Treat an unavailable process layer as "not running"; the
		// executor will surface a real failure if the vendor binary
		// cannot be launched anyway.
		m.logger.Debug("process enumeration failed", map[string]interface{}{"error": err.Error()})
		m.update(false, 0)
		return
	}

	count := 0
	target := strings.ToLower(m.processName)
	for _, name := range names {
		if strings.ToLower(name) == target {
			count++
		}
	}
	m.update(count > 0, count)
}

func (m *Monitor) update(running bool, count int) {
	m.mu.Lock()
	changed := m.running != running
	m.running = running
	m.count = count
	m.lastCheck = time.Now()
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	if changed {
		m.logger.Info("vendor process state changed", map[string]interface{}{
			"running": running,
			"count":   count,
		})
		for _, cb := range callbacks {
			cb(running, count)
		}
	}
}

func listProcessNames() ([]string, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
