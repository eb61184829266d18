package printer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thereceipt/printlink/internal/logging"
	"github.com/thereceipt/printlink/pkg/receiptformat"
)

// resetSettle gives the USB stack time to forget the device after a forced reset.
const resetSettle = 2 * time.Second

// transferChunk bounds a single bulk write.
const transferChunk = 4096

var errAborted = errors.New("connection attempt aborted")

// Options tunes a Manager. Zero values select the platform defaults.
type Options struct {
	Platform       Platform
	Policy         *RetryPolicy
	Recovery       RecoveryStrategy
	LockTimeout    time.Duration
	ReconnectMax   int
	ReconnectDelay time.Duration
	Sleep          SleepFunc
	AfterFunc      AfterFunc
	Bus            *StatusBus
	Logger         *slog.Logger
}

// Manager owns the printer session. It is the only place the connection
// state changes; everything else observes it through the StatusBus.
type Manager struct {
	backend  Backend
	platform Platform
	policy   RetryPolicy
	recovery RecoveryStrategy
	sleep    SleepFunc
	store    Store
	ledger   *PermissionLedger
	lock     *SessionLock
	bus      *StatusBus
	sched    *Scheduler
	queue    *QueueCoordinator
	log      *slog.Logger

	mu         sync.Mutex
	state      ConnectionState
	lastErr    error
	permission PermissionState
	session    *Session
	last       *Descriptor
	voluntary  bool
	abort      context.CancelCauseFunc
}

// NewManager creates a manager over an already probed backend.
func NewManager(backend Backend, store Store, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	policy := DefaultRetryPolicy(opts.Platform)
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	recovery := opts.Recovery
	if recovery == nil {
		recovery = RecoveryFor(opts.Platform, sleep, logging.For(log, logging.ComponentClaim))
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewStatusBus()
	}
	reconnectMax := opts.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = 5
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}

	m := &Manager{
		backend:  backend,
		platform: opts.Platform,
		policy:   policy,
		recovery: recovery,
		sleep:    sleep,
		store:    store,
		ledger:   NewPermissionLedger(store),
		lock:     NewSessionLock(opts.LockTimeout),
		bus:      bus,
		log:      logging.For(log, logging.ComponentManager),
	}
	m.sched = NewScheduler(reconnectMax, reconnectDelay, m.reconnectScheduled, m.reconnectExhausted,
		opts.AfterFunc, logging.For(log, logging.ComponentScheduler))
	m.queue = NewQueueCoordinator(m, sleep)

	if cfg, ok := m.SavedConfig(); ok {
		d := cfg.Descriptor()
		m.last = &d
	}
	return m
}

// Search finds a printer and connects to it. A manual search cancels any
// pending automatic reconnect and re-arms the reconnect counter.
func (m *Manager) Search(ctx context.Context) error {
	m.sched.Cancel()
	m.sched.ResetCounter()

	g, err := m.lock.Acquire(ctx, "search", 0)
	if err != nil {
		return err
	}
	defer g.Release()

	d, ok := m.pickDevice(m.backend.List(ctx))
	if !ok {
		m.fail(ErrNoDeviceFound)
		return ErrNoDeviceFound
	}
	m.log.Info("printer found", "device", d.String(), "backend", m.backend.Name())

	return m.connectLocked(ctx, d)
}

// Reconnect attempts once, immediately, to reconnect the last printer.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.sched.Cancel()

	g, err := m.lock.Acquire(ctx, "reconnect", 0)
	if err != nil {
		return err
	}
	defer g.Release()

	return m.reconnectLocked(ctx)
}

// reconnectScheduled is the scheduler's attempt. Its failures stay on the bus.
func (m *Manager) reconnectScheduled(ctx context.Context) error {
	g, err := m.lock.Acquire(ctx, "scheduled reconnect", 0)
	if err != nil {
		return err
	}
	defer g.Release()

	return m.reconnectLocked(ctx)
}

func (m *Manager) reconnectLocked(ctx context.Context) error {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	if last == nil {
		m.fail(ErrNoDeviceFound)
		return ErrNoDeviceFound
	}

	// Prefer the live descriptor: it carries the current product string
	d := *last
	for _, cand := range m.backend.List(ctx) {
		if cand.Same(d) {
			d = cand
			break
		}
	}
	return m.connectLocked(ctx, d)
}

func (m *Manager) reconnectExhausted() {
	m.fail(ErrReconnectExhausted)
}

// connectLocked runs permission negotiation and the claim loop. The session
// lock must be held.
func (m *Manager) connectLocked(ctx context.Context, d Descriptor) error {
	m.teardownLocked()

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	m.mu.Lock()
	m.abort = abort
	m.voluntary = false
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.abort = nil
		m.mu.Unlock()
	}()

	known := m.ledger.Check(d)
	if !known {
		m.setPermission(PermissionPending)
		if pr, ok := m.backend.(PermissionRequester); ok {
			m.log.Info("requesting host permission", "device", d.String())
			if err := pr.RequestPermission(runCtx, d); err != nil {
				if errors.Is(context.Cause(runCtx), errAborted) {
					return errAborted
				}
				m.setPermission(PermissionDenied)
				if !errors.Is(err, ErrPermissionDenied) {
					err = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
				}
				m.fail(err)
				return err
			}
		}
	}

	run := &claimRun{
		backend:  m.backend,
		desc:     d,
		policy:   m.policy,
		recovery: m.recovery,
		platform: m.platform,
		sleep:    m.sleep,
		log:      logging.For(m.log, logging.ComponentClaim),
		onAttempt: func(attempt int) {
			m.transition(ConnectionState{Status: StatusConnecting, Attempt: attempt}, nil)
		},
	}
	sess, err := run.run(runCtx)
	if err != nil {
		if errors.Is(context.Cause(runCtx), errAborted) {
			// Whoever aborted publishes the outcome
			return errAborted
		}
		switch {
		case errors.Is(err, ErrPermissionDenied):
			m.setPermission(PermissionDenied)
		case !known:
			m.setPermission(PermissionUnknown)
		}
		m.log.Error("connection failed", "device", d.String(), "error", err)
		m.fail(err)
		return err
	}

	if !known {
		if err := m.ledger.RecordGranted(d); err != nil {
			m.log.Warn("failed to persist permission", "error", err)
		}
	}
	if err := m.saveConfig(d); err != nil {
		m.log.Warn("failed to persist printer config", "error", err)
	}

	m.mu.Lock()
	m.session = sess
	m.last = &d
	m.permission = PermissionGranted
	m.mu.Unlock()

	m.sched.Succeeded()
	m.log.Info("printer connected", "device", d.String(), "interface", sess.Interface,
		"endpoint", fmt.Sprintf("0x%02x", sess.OutEndpoint), "dialect", sess.Dialect.String())
	m.transition(ConnectionState{Status: StatusConnected}, nil)
	return nil
}

// Disconnect releases the session on request. Automatic reconnection does
// not follow a voluntary disconnect.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.abortRun()
	m.sched.Cancel()

	g, err := m.lock.Acquire(ctx, "disconnect", 0)
	if err != nil {
		return err
	}
	defer g.Release()

	m.teardownLocked()
	m.mu.Lock()
	m.voluntary = true
	m.mu.Unlock()

	m.log.Info("printer disconnected")
	m.transition(ConnectionState{Status: StatusDisconnected}, nil)
	return nil
}

// HandleDetach tears the session down after the device disappeared and
// schedules an automatic reconnect when the printer was granted before.
func (m *Manager) HandleDetach(ctx context.Context) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	last := m.last
	m.mu.Unlock()

	if g, err := m.lock.Acquire(ctx, "detach", 0); err == nil {
		m.teardownLocked()
		g.Release()
	} else {
		// The handle is dead anyway; drop it without touching hardware
		m.mu.Lock()
		m.session = nil
		m.mu.Unlock()
	}

	m.log.Warn("printer detached")
	m.transition(ConnectionState{Status: StatusDisconnected}, nil)

	if last != nil && m.ledger.Check(*last) {
		m.sched.Trigger()
	}
}

// ForceReset is the recovery path for stuck states. It clears every
// persisted grant and the saved printer, cancels pending reconnects and
// always leaves the manager Disconnected, even if hardware release fails.
func (m *Manager) ForceReset(ctx context.Context) {
	m.abortRun()
	m.sched.Cancel()
	m.sched.ResetCounter()

	if g, err := m.lock.Acquire(ctx, "reset", 0); err == nil {
		m.teardownLocked()
		if err := m.sleep(ctx, resetSettle); err != nil {
			m.log.Debug("reset settle interrupted", "error", err)
		}
		g.Release()
	} else {
		m.log.Warn("reset could not take the device, clearing local state only", "error", err)
		m.mu.Lock()
		m.session = nil
		m.mu.Unlock()
	}

	if err := m.ledger.ClearAll(); err != nil {
		m.log.Warn("failed to clear permissions", "error", err)
	}
	if err := m.store.Delete(savedConfigKey); err != nil {
		m.log.Warn("failed to clear saved printer", "error", err)
	}

	m.mu.Lock()
	m.last = nil
	m.permission = PermissionUnknown
	m.voluntary = false
	m.mu.Unlock()

	m.log.Info("printer state reset")
	m.transition(ConnectionState{Status: StatusDisconnected}, nil)
}

// Print encodes r for the session dialect and transmits it.
func (m *Manager) Print(ctx context.Context, r *receiptformat.Receipt) error {
	g, err := m.lock.Acquire(ctx, "print", 0)
	if err != nil {
		return err
	}
	defer g.Release()

	sess, err := m.usableSession()
	if err != nil {
		return err
	}

	copies := max(r.Copies, 1)
	for i := 0; i < copies; i++ {
		if f, ok := m.backend.(Formatter); ok {
			err = printFormatted(f, sess, r)
		} else {
			var data []byte
			if data, err = Encode(sess.Dialect, r); err != nil {
				return err
			}
			err = m.transmit(sess, data)
		}
		if err != nil {
			return m.transportFailed(ctx, err)
		}
	}
	return nil
}

// PrintRaw transmits bytes already in the session dialect.
func (m *Manager) PrintRaw(ctx context.Context, data []byte) error {
	g, err := m.lock.Acquire(ctx, "print", 0)
	if err != nil {
		return err
	}
	defer g.Release()

	sess, err := m.usableSession()
	if err != nil {
		return err
	}
	if err := m.transmit(sess, data); err != nil {
		return m.transportFailed(ctx, err)
	}
	return nil
}

// PrintTestPage prints a receipt describing the current session.
func (m *Manager) PrintTestPage(ctx context.Context) error {
	sess := m.Session()
	if sess == nil {
		return ErrNotConnected
	}
	return m.Print(ctx, TestPage(*sess, time.Now()))
}

func (m *Manager) usableSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNotConnected
	}
	if m.session.corrupt {
		return nil, fmt.Errorf("session must be reset after a failed transfer: %w", ErrTransport)
	}
	return m.session, nil
}

func (m *Manager) transmit(sess *Session, data []byte) error {
	written := 0
	for written < len(data) {
		end := min(written+transferChunk, len(data))
		n, err := m.backend.TransferOut(sess.handle, sess.OutEndpoint, data[written:end])
		written += n
		if err != nil {
			return &TransportError{Written: written, Total: len(data), Err: err}
		}
		if n == 0 {
			return &TransportError{Written: written, Total: len(data), Err: errors.New("short write")}
		}
	}
	return nil
}

// transportFailed marks the session unusable. A vanished device is handled
// as a detach instead.
func (m *Manager) transportFailed(ctx context.Context, err error) error {
	if !errors.Is(err, ErrTransport) {
		err = &TransportError{Err: err}
	}
	if errors.Is(err, ErrNoDeviceFound) {
		// The lock is held by the caller; detach once it is released
		go m.HandleDetach(context.WithoutCancel(ctx))
		return err
	}

	m.mu.Lock()
	if m.session != nil {
		m.session.corrupt = true
	}
	m.mu.Unlock()

	m.log.Error("transfer failed", "error", err)
	m.fail(err)
	return err
}

// Devices lists the printers currently visible to the backend.
func (m *Manager) Devices(ctx context.Context) ([]Descriptor, error) {
	g, err := m.lock.Acquire(ctx, "list", 0)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	return m.backend.List(ctx), nil
}

// pollDevices lists devices only if nobody is using the printer right now.
func (m *Manager) pollDevices(ctx context.Context) ([]Descriptor, bool) {
	g, ok := m.lock.TryAcquire("poll")
	if !ok {
		return nil, false
	}
	defer g.Release()
	return m.backend.List(ctx), true
}

// Close drops the session and stops automatic reconnection.
func (m *Manager) Close(ctx context.Context) {
	m.abortRun()
	m.sched.Cancel()
	if g, err := m.lock.Acquire(ctx, "close", 0); err == nil {
		m.teardownLocked()
		g.Release()
	}
}

// teardownLocked releases and closes the current session. Errors are logged.
func (m *Manager) teardownLocked() {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	if sess == nil || sess.handle == nil {
		return
	}
	m.backend.Release(sess.handle, sess.Interface)
	if err := m.backend.Close(sess.handle); err != nil {
		m.log.Warn("close failed", "error", err)
	}
}

func (m *Manager) abortRun() {
	m.mu.Lock()
	abort := m.abort
	m.mu.Unlock()
	if abort != nil {
		abort(errAborted)
	}
}

func (m *Manager) pickDevice(devices []Descriptor) (Descriptor, bool) {
	if len(devices) == 0 {
		return Descriptor{}, false
	}

	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	if last != nil {
		for _, d := range devices {
			if d.Same(*last) {
				return d, true
			}
		}
	}
	for _, d := range devices {
		if IsKnownVendor(d.VendorID) {
			return d, true
		}
	}
	return devices[0], true
}

func (m *Manager) transition(s ConnectionState, err error) {
	m.mu.Lock()
	m.state = s
	m.lastErr = err
	m.mu.Unlock()
	m.bus.Publish(s, err)
}

func (m *Manager) fail(err error) {
	m.transition(ConnectionState{Status: StatusError, Reason: ErrorKind(err)}, err)
}

func (m *Manager) setPermission(p PermissionState) {
	m.mu.Lock()
	m.permission = p
	m.mu.Unlock()
}

func (m *Manager) saveConfig(d Descriptor) error {
	data, err := json.Marshal(savedConfigFor(d))
	if err != nil {
		return err
	}
	return m.store.Set(savedConfigKey, string(data))
}

// SavedConfig returns the persisted record of the last connected printer.
func (m *Manager) SavedConfig() (SavedConfig, bool) {
	raw, ok := m.store.Get(savedConfigKey)
	if !ok {
		return SavedConfig{}, false
	}
	var cfg SavedConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		m.log.Warn("ignoring unreadable saved printer config", "error", err)
		return SavedConfig{}, false
	}
	return cfg, true
}

// State returns a copy of the connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error attached to the current state, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Permission returns the permission state for the current printer.
func (m *Manager) Permission() PermissionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// LastDescriptor returns the last connected printer, if known.
func (m *Manager) LastDescriptor() (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Descriptor{}, false
	}
	return *m.last, true
}

// IsReadyForPrintJobs reports whether a healthy session exists.
func (m *Manager) IsReadyForPrintJobs() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status == StatusConnected && m.session != nil && !m.session.corrupt
}

// autoReconnectAllowed reports whether watchers may reconnect on their own.
func (m *Manager) autoReconnectAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.voluntary && m.last != nil && m.session == nil && m.state.Status != StatusConnecting
}

// UpdateQueueSize records the outstanding job count.
func (m *Manager) UpdateQueueSize(n int) { m.queue.UpdateQueueSize(n) }

// DisconnectIfIdle disconnects when no jobs are outstanding.
func (m *Manager) DisconnectIfIdle(ctx context.Context) (bool, error) {
	return m.queue.DisconnectIfIdle(ctx)
}

// Queue returns the queue coordinator.
func (m *Manager) Queue() *QueueCoordinator { return m.queue }

// Bus returns the status bus.
func (m *Manager) Bus() *StatusBus { return m.bus }

// Scheduler returns the reconnect scheduler.
func (m *Manager) Scheduler() *Scheduler { return m.sched }

// Ledger returns the permission ledger.
func (m *Manager) Ledger() *PermissionLedger { return m.ledger }

// Backend returns the selected transport.
func (m *Manager) Backend() Backend { return m.backend }

// Platform returns the platform policy in use.
func (m *Manager) Platform() Platform { return m.platform }

// Policy returns the retry policy in use.
func (m *Manager) Policy() RetryPolicy { return m.policy }

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	State             ConnectionState `json:"state"`
	Error             string          `json:"error,omitempty"`
	Permission        PermissionState `json:"permission"`
	Session           *Session        `json:"session,omitempty"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	ReconnectMax      int             `json:"reconnectMax"`
	Reconnect         string          `json:"reconnect"`
	QueueSize         int             `json:"queueSize"`
	Ready             bool            `json:"ready"`
	Backend           string          `json:"backend"`
	Platform          string          `json:"platform"`
	LockHolder        string          `json:"lockHolder"`
	SavedConfig       *SavedConfig    `json:"savedConfig,omitempty"`
	GrantedDevices    int             `json:"grantedDevices"`
}

// Snapshot collects the current diagnostics.
func (m *Manager) Snapshot() Snapshot {
	s := Snapshot{
		State:             m.State(),
		Permission:        m.Permission(),
		Session:           m.Session(),
		ReconnectAttempts: m.sched.Attempts(),
		ReconnectMax:      m.sched.Max(),
		Reconnect:         m.sched.State().String(),
		QueueSize:         m.queue.Size(),
		Ready:             m.IsReadyForPrintJobs(),
		Backend:           m.backend.Name(),
		Platform:          m.platform.String(),
		LockHolder:        m.lock.Holder(),
		GrantedDevices:    m.ledger.Granted(),
	}
	if err := m.LastError(); err != nil {
		s.Error = err.Error()
	}
	if cfg, ok := m.SavedConfig(); ok {
		s.SavedConfig = &cfg
	}
	return s
}
