package printer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/thereceipt/printlink/internal/logging"
)

// MonitorOptions tunes a Monitor. Zero durations select the defaults.
type MonitorOptions struct {
	Interval         time.Duration // connected poll, default 3s
	ReattachInterval time.Duration // poll after a detach, default 2s
	ReattachWindow   time.Duration // how long to watch for the device, default 5m
	OnAdded          func(Descriptor)
	OnRemoved        func(Descriptor)
	Logger           *slog.Logger
}

// Monitor watches the USB bus for printers coming and going. It turns a
// disappearing session device into a detach and reconnects the printer
// when it comes back.
type Monitor struct {
	manager *Manager
	opts    MonitorOptions
	log     *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	previous   map[string]Descriptor
	detachedAt time.Time
}

// NewMonitor creates a new printer monitor
func NewMonitor(manager *Manager, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.ReattachInterval <= 0 {
		opts.ReattachInterval = 2 * time.Second
	}
	if opts.ReattachWindow <= 0 {
		opts.ReattachWindow = 5 * time.Minute
	}
	return &Monitor{
		manager: manager,
		opts:    opts,
		log:     logging.For(opts.Logger, logging.ComponentMonitor),
		now:     time.Now,
	}
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTimer(m.nextInterval())
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Check(ctx)
			t.Reset(m.nextInterval())
		}
	}
}

// Reattaching reports whether the monitor is watching for a detached printer.
func (m *Monitor) Reattaching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.detachedAt.IsZero()
}

func (m *Monitor) nextInterval() time.Duration {
	if m.Reattaching() {
		return m.opts.ReattachInterval
	}
	return m.opts.Interval
}

// Check runs one poll. It is skipped while the printer is in use.
func (m *Monitor) Check(ctx context.Context) {
	devices, ok := m.manager.pollDevices(ctx)
	if !ok {
		return
	}

	current := make(map[string]Descriptor, len(devices))
	for _, d := range devices {
		current[d.Key()] = d
	}
	m.diff(current)

	if sess := m.manager.Session(); sess != nil {
		// A corrupt session in Error still holds a handle that must go
		if _, present := current[sess.Descriptor.Key()]; !present {
			m.log.Warn("session device disappeared", "device", sess.Descriptor.String())
			m.manager.HandleDetach(ctx)
			m.mu.Lock()
			m.detachedAt = m.now()
			m.mu.Unlock()
		}
		return
	}

	m.mu.Lock()
	detachedAt := m.detachedAt
	m.mu.Unlock()
	if detachedAt.IsZero() {
		return
	}
	if m.now().Sub(detachedAt) > m.opts.ReattachWindow {
		m.log.Info("stopped watching for detached printer", "after", m.opts.ReattachWindow)
		m.stopReattach()
		return
	}

	last, ok := m.manager.LastDescriptor()
	if !ok {
		m.stopReattach()
		return
	}
	if _, present := current[last.Key()]; !present {
		return
	}
	if !m.manager.autoReconnectAllowed() || m.manager.Scheduler().State() != SchedulerIdle {
		return
	}

	m.log.Info("printer reattached, reconnecting", "device", last.String())
	if err := m.manager.Reconnect(ctx); err != nil {
		m.log.Warn("reconnect after reattach failed", "error", err)
		return
	}
	m.stopReattach()
}

// Known returns the devices seen by the last completed poll, sorted by key.
func (m *Monitor) Known() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, 0, len(m.previous))
	for _, d := range m.previous {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (m *Monitor) stopReattach() {
	m.mu.Lock()
	m.detachedAt = time.Time{}
	m.mu.Unlock()
}

func (m *Monitor) diff(current map[string]Descriptor) {
	m.mu.Lock()
	previous := m.previous
	m.previous = current
	m.mu.Unlock()

	// The first poll only records the baseline
	if previous == nil {
		return
	}
	for k, d := range current {
		if _, exists := previous[k]; !exists {
			m.log.Info("printer added", "device", d.String())
			if m.opts.OnAdded != nil {
				m.opts.OnAdded(d)
			}
		}
	}
	for k, d := range previous {
		if _, exists := current[k]; !exists {
			m.log.Info("printer removed", "device", d.String())
			if m.opts.OnRemoved != nil {
				m.opts.OnRemoved(d)
			}
		}
	}
}
