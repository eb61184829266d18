package printer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/thereceipt/printlink/pkg/receiptformat"
)

var testEpson = Descriptor{VendorID: VendorEpson, ProductID: 0x0202, DisplayName: "TM-T20"}

func printerInterfaces() []InterfaceInfo {
	return []InterfaceInfo{{
		Number: 0,
		Class:  usbClassPrinter,
		Endpoints: []EndpointInfo{
			{Address: 0x81, Out: false, Bulk: true},
			{Address: 0x01, Out: true, Bulk: true},
		},
	}}
}

type fakeHandle struct {
	desc Descriptor
	id   int
}

func (h *fakeHandle) Descriptor() Descriptor { return h.desc }

// fakeBackend is a scripted Backend. Claim results are consumed from
// claimErrs in order; once exhausted claimDefault is returned.
type fakeBackend struct {
	mu           sync.Mutex
	name         string
	initErr      error
	devices      []Descriptor
	ifaces       []InterfaceInfo
	openErr      error
	claimErrs    []error
	claimDefault error
	writeErr     error
	resetErr     error
	configured   bool

	nextID   int
	opens    int
	closes   int
	claims   int
	releases int
	resets   int
	written  bytes.Buffer
}

func newFakeBackend(devices ...Descriptor) *fakeBackend {
	return &fakeBackend{name: "fake", devices: devices, ifaces: printerInterfaces(), configured: true}
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Init(ctx context.Context) error { return b.initErr }

func (b *fakeBackend) List(ctx context.Context) []Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Descriptor(nil), b.devices...)
}

func (b *fakeBackend) setDevices(devices ...Descriptor) {
	b.mu.Lock()
	b.devices = devices
	b.mu.Unlock()
}

func (b *fakeBackend) Open(ctx context.Context, d Descriptor) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opens++
	b.nextID++
	return &fakeHandle{desc: d, id: b.nextID}, nil
}

func (b *fakeBackend) ConfigurationSet(h Handle) bool { return b.configured }

func (b *fakeBackend) SelectConfiguration(h Handle, cfg int) error {
	b.mu.Lock()
	b.configured = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Interfaces(h Handle) ([]InterfaceInfo, error) {
	return b.ifaces, nil
}

func (b *fakeBackend) Claim(h Handle, iface int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.claims++
	if len(b.claimErrs) > 0 {
		err := b.claimErrs[0]
		b.claimErrs = b.claimErrs[1:]
		return err
	}
	return b.claimDefault
}

func (b *fakeBackend) Release(h Handle, iface int) {
	b.mu.Lock()
	b.releases++
	b.mu.Unlock()
}

func (b *fakeBackend) SelectAlternate(h Handle, iface, alt int) error { return ErrUnsupported }

func (b *fakeBackend) TransferOut(h Handle, ep uint8, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return 0, b.writeErr
	}
	return b.written.Write(data)
}

func (b *fakeBackend) TransferIn(h Handle, ep uint8, buf []byte) (int, error) { return 0, nil }

func (b *fakeBackend) Close(h Handle) error {
	b.mu.Lock()
	b.closes++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Reset(h Handle) error {
	b.mu.Lock()
	b.resets++
	b.mu.Unlock()
	return b.resetErr
}

func (b *fakeBackend) counts() (opens, closes, claims int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens, b.closes, b.claims
}

func (b *fakeBackend) output() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.written.Bytes()...)
}

// promptingBackend adds a host permission prompt.
type promptingBackend struct {
	*fakeBackend
	prompts int
	deny    error
}

func (b *promptingBackend) RequestPermission(ctx context.Context, d Descriptor) error {
	b.prompts++
	return b.deny
}

// sleepRecorder is a SleepFunc that returns at once and records the wait.
type sleepRecorder struct {
	mu      sync.Mutex
	waits   []time.Duration
	holding chan struct{}
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	held := s.holding
	s.holding = nil
	s.mu.Unlock()
	if held != nil {
		close(held)
		<-ctx.Done()
	}
	return ctx.Err()
}

// holdNext makes the next Sleep block until its context ends. The returned
// channel closes once that Sleep has started.
func (s *sleepRecorder) holdNext() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding = make(chan struct{})
	return s.holding
}

func (s *sleepRecorder) has(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.waits {
		if w == d {
			return true
		}
	}
	return false
}

// without returns the recorded waits minus every occurrence of skip.
func (s *sleepRecorder) without(skip time.Duration) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, w := range s.waits {
		if w != skip {
			out = append(out, w)
		}
	}
	return out
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock hands out timers that only fire when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the oldest pending timer and reports its delay.
func (c *fakeClock) fireNext(t *testing.T) time.Duration {
	t.Helper()
	pending := c.pending()
	if len(pending) == 0 {
		t.Fatalf("Expected a pending timer, got none")
	}
	next := pending[0]
	next.stopped = true
	next.f()
	return next.d
}

// busRecorder collects every published state.
type busRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
	errs   []error
}

func (r *busRecorder) record(s ConnectionState, err error) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *busRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.states))
	for i, s := range r.states {
		out[i] = s.Status
	}
	return out
}

func (r *busRecorder) count(st Status) int {
	n := 0
	for _, s := range r.statuses() {
		if s == st {
			n++
		}
	}
	return n
}

type testRig struct {
	backend Backend
	store   *MemoryStore
	sleep   *sleepRecorder
	clock   *fakeClock
	bus     *busRecorder
	manager *Manager
}

func newRig(t *testing.T, b Backend, platform Platform, maxAttempts int) *testRig {
	t.Helper()
	rig := &testRig{
		backend: b,
		store:   NewMemoryStore(),
		sleep:   &sleepRecorder{},
		clock:   &fakeClock{},
		bus:     &busRecorder{},
	}
	policy := DefaultRetryPolicy(platform)
	if maxAttempts > 0 {
		policy.MaxAttempts = maxAttempts
	}
	rig.manager = NewManager(b, rig.store, Options{
		Platform:       platform,
		Policy:         &policy,
		LockTimeout:    time.Second,
		ReconnectMax:   5,
		ReconnectDelay: 2 * time.Second,
		Sleep:          rig.sleep.Sleep,
		AfterFunc:      rig.clock.AfterFunc,
	})
	rig.manager.Bus().Subscribe(rig.bus.record)
	return rig
}

func (r *testRig) connect(t *testing.T) {
	t.Helper()
	if err := r.manager.Search(context.Background()); err != nil {
		t.Fatalf("Expected search to connect, got %v", err)
	}
	if st := r.manager.State().Status; st != StatusConnected {
		t.Fatalf("Expected connected, got %s", st)
	}
}

func busy() error {
	return fmt.Errorf("%w: resource busy", ErrClaimBusy)
}

func textReceipt(lines ...string) *receiptformat.Receipt {
	r := &receiptformat.Receipt{Version: receiptformat.Version}
	for _, l := range lines {
		r.Commands = append(r.Commands, receiptformat.Command{Type: receiptformat.TypeText, Value: l})
	}
	return r
}

var errIO = errors.New("input/output error")
