package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSearchConnectsAndPersists(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)

	rig.connect(t)

	sess := rig.manager.Session()
	if sess == nil {
		t.Fatal("Expected a session")
	}
	if sess.OutEndpoint != 0x01 {
		t.Errorf("Expected OUT endpoint 0x01, got 0x%02x", sess.OutEndpoint)
	}
	if sess.Dialect != DialectESCPOS {
		t.Errorf("Expected escpos dialect, got %s", sess.Dialect)
	}

	want := []Status{StatusConnecting, StatusConnected}
	if got := rig.bus.statuses(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected transitions %v, got %v", want, got)
	}

	if !rig.manager.Ledger().Check(testEpson) {
		t.Error("Expected permission to be recorded")
	}
	if v, ok := rig.store.Get("usb_permission_1208_514"); !ok || v != "granted" {
		t.Errorf("Expected decimal permission key to hold granted, got %q", v)
	}
	if rig.manager.Permission() != PermissionGranted {
		t.Errorf("Expected permission granted, got %s", rig.manager.Permission())
	}

	raw, ok := rig.store.Get("printer_config")
	if !ok {
		t.Fatal("Expected saved printer config")
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("Expected JSON config, got %v", err)
	}
	if cfg["language"] != "escpos" || cfg["name"] != "TM-T20" {
		t.Errorf("Unexpected saved config: %s", raw)
	}

	// A fresh manager over the same store remembers the printer
	m2 := NewManager(b, rig.store, Options{Sleep: rig.sleep.Sleep, AfterFunc: rig.clock.AfterFunc})
	last, ok := m2.LastDescriptor()
	if !ok || !last.Same(testEpson) {
		t.Errorf("Expected saved descriptor %v, got %v", testEpson, last)
	}
}

func TestSearchPrefersKnownVendor(t *testing.T) {
	unknown := Descriptor{VendorID: 0x1234, ProductID: 0x0001}
	rig := newRig(t, newFakeBackend(unknown, testEpson), PlatformDesktop, 0)

	rig.connect(t)

	if sess := rig.manager.Session(); !sess.Descriptor.Same(testEpson) {
		t.Errorf("Expected %v to be chosen, got %v", testEpson, sess.Descriptor)
	}
}

func TestSearchNoDevices(t *testing.T) {
	rig := newRig(t, newFakeBackend(), PlatformDesktop, 0)

	err := rig.manager.Search(context.Background())
	if !errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("Expected ErrNoDeviceFound, got %v", err)
	}
	st := rig.manager.State()
	if st.Status != StatusError || st.Reason != "NoDeviceFound" {
		t.Errorf("Expected error state NoDeviceFound, got %+v", st)
	}
}

func TestBemaPrinterUsesBemaDialect(t *testing.T) {
	bema := Descriptor{VendorID: VendorBematech, ProductID: 0x0003}
	rig := newRig(t, newFakeBackend(bema), PlatformDesktop, 0)

	rig.connect(t)

	if d := rig.manager.Session().Dialect; d != DialectESCBEMA {
		t.Errorf("Expected escbema, got %s", d)
	}
}

func TestClaimBusyExhaustsAttempts(t *testing.T) {
	b := newFakeBackend(testEpson)
	b.claimDefault = busy()
	rig := newRig(t, b, PlatformDesktop, 4)

	err := rig.manager.Search(context.Background())
	if !errors.Is(err, ErrClaimFailed) {
		t.Fatalf("Expected ErrClaimFailed, got %v", err)
	}
	if !errors.Is(err, ErrClaimBusy) {
		t.Errorf("Expected the busy cause to be kept, got %v", err)
	}
	var cf *ClaimFailedError
	if !errors.As(err, &cf) || cf.Attempts != 4 || cf.Mobile {
		t.Errorf("Expected desktop ClaimFailedError after 4 attempts, got %#v", cf)
	}
	if !strings.Contains(err.Error(), "another program") {
		t.Errorf("Expected desktop guidance, got %q", err.Error())
	}

	opens, closes, claims := b.counts()
	if claims != 4 {
		t.Errorf("Expected 4 claims, got %d", claims)
	}
	if opens != closes {
		t.Errorf("Expected every open to be closed, got %d opens and %d closes", opens, closes)
	}

	wantWaits := []time.Duration{2 * time.Second, 2500 * time.Millisecond, 3 * time.Second}
	if got := rig.sleep.without(releaseSettle); fmt.Sprint(got) != fmt.Sprint(wantWaits) {
		t.Errorf("Expected backoff %v, got %v", wantWaits, got)
	}

	want := []Status{StatusConnecting, StatusConnecting, StatusConnecting, StatusConnecting, StatusError}
	if got := rig.bus.statuses(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected transitions %v, got %v", want, got)
	}
	if rig.manager.Session() != nil {
		t.Error("Expected no session after a failed claim")
	}
	if rig.manager.Ledger().Check(testEpson) {
		t.Error("Expected no permission record after a failed claim")
	}
}

func TestClaimSucceedsAfterBusy(t *testing.T) {
	b := newFakeBackend(testEpson)
	b.claimErrs = []error{busy(), busy(), nil}
	rig := newRig(t, b, PlatformDesktop, 0)

	rig.connect(t)

	if _, _, claims := b.counts(); claims != 3 {
		t.Errorf("Expected 3 claims, got %d", claims)
	}
	if n := rig.bus.count(StatusConnected); n != 1 {
		t.Errorf("Expected exactly one connected transition, got %d", n)
	}
	if n := rig.bus.count(StatusError); n != 0 {
		t.Errorf("Expected no error transition, got %d", n)
	}
}

func TestClaimAbortsOnVanishedDevice(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"no device", fmt.Errorf("%w: gone", ErrNoDeviceFound)},
		{"permission", fmt.Errorf("%w: revoked", ErrPermissionDenied)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend(testEpson)
			b.claimDefault = tt.err
			rig := newRig(t, b, PlatformDesktop, 0)

			err := rig.manager.Search(context.Background())
			if !errors.Is(err, tt.err) {
				t.Fatalf("Expected %v, got %v", tt.err, err)
			}
			if errors.Is(err, ErrClaimFailed) {
				t.Errorf("Expected an immediate abort, got %v", err)
			}
			if _, _, claims := b.counts(); claims != 1 {
				t.Errorf("Expected 1 claim, got %d", claims)
			}
		})
	}
}

func TestClaimWithoutBulkOut(t *testing.T) {
	b := newFakeBackend(testEpson)
	b.ifaces = []InterfaceInfo{{Number: 0, Endpoints: []EndpointInfo{{Address: 0x81, Bulk: true}}}}
	rig := newRig(t, b, PlatformDesktop, 0)

	err := rig.manager.Search(context.Background())
	if !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("Expected ErrNoEndpoint, got %v", err)
	}
	if _, _, claims := b.counts(); claims != 0 {
		t.Errorf("Expected no claims, got %d", claims)
	}
}

func TestMobileRecoveryCycle(t *testing.T) {
	b := newFakeBackend(testEpson)
	b.claimDefault = busy()
	rig := newRig(t, b, PlatformMobile, 3)

	err := rig.manager.Search(context.Background())
	var cf *ClaimFailedError
	if !errors.As(err, &cf) || !cf.Mobile {
		t.Fatalf("Expected mobile ClaimFailedError, got %v", err)
	}
	if !strings.Contains(err.Error(), "OTG") {
		t.Errorf("Expected OTG guidance, got %q", err.Error())
	}

	b.mu.Lock()
	resets, opens := b.resets, b.opens
	b.mu.Unlock()
	// Full cycles on attempts 1 and 3
	if resets != 2 {
		t.Errorf("Expected 2 hardware resets, got %d", resets)
	}
	// Initial open, two cycle reopens and three busy reopens
	if opens != 6 {
		t.Errorf("Expected 6 opens, got %d", opens)
	}

	for _, d := range []time.Duration{
		time.Second,             // settle after close
		3500 * time.Millisecond, // busy wait, attempt 1
		4 * time.Second,         // busy wait, attempt 2
		4500 * time.Millisecond, // busy wait, attempt 3
		3 * time.Second,         // backoff before attempt 2
		3750 * time.Millisecond, // backoff before attempt 3
	} {
		if !rig.sleep.has(d) {
			t.Errorf("Expected a %v wait, got %v", d, rig.sleep.waits)
		}
	}
}

func TestPermissionPromptOnlyOnce(t *testing.T) {
	b := &promptingBackend{fakeBackend: newFakeBackend(testEpson)}
	rig := newRig(t, b, PlatformDesktop, 0)

	rig.connect(t)
	if err := rig.manager.Disconnect(context.Background()); err != nil {
		t.Fatalf("Expected disconnect, got %v", err)
	}
	rig.connect(t)

	if b.prompts != 1 {
		t.Errorf("Expected 1 permission prompt, got %d", b.prompts)
	}
}

func TestPermissionDenied(t *testing.T) {
	b := &promptingBackend{fakeBackend: newFakeBackend(testEpson), deny: errors.New("user said no")}
	rig := newRig(t, b, PlatformDesktop, 0)

	err := rig.manager.Search(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}
	if rig.manager.Permission() != PermissionDenied {
		t.Errorf("Expected denied, got %s", rig.manager.Permission())
	}
	if _, _, claims := b.counts(); claims != 0 {
		t.Errorf("Expected no claims, got %d", claims)
	}
}

func TestPrintEncodesAndTransmits(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)
	rig.connect(t)

	r := textReceipt("hello")
	r.Copies = 2
	if err := rig.manager.Print(context.Background(), r); err != nil {
		t.Fatalf("Expected print to succeed, got %v", err)
	}

	out := b.output()
	if !bytes.HasPrefix(out, []byte{0x1B, 0x40}) {
		t.Errorf("Expected output to start with ESC @, got % x", out[:min(len(out), 4)])
	}
	if n := bytes.Count(out, []byte("hello\n")); n != 2 {
		t.Errorf("Expected 2 copies, got %d", n)
	}
}

func TestPrintNotConnected(t *testing.T) {
	rig := newRig(t, newFakeBackend(testEpson), PlatformDesktop, 0)

	err := rig.manager.Print(context.Background(), textReceipt("x"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestTransportFailureMarksSessionCorrupt(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)
	rig.connect(t)

	b.mu.Lock()
	b.writeErr = errIO
	b.mu.Unlock()

	err := rig.manager.Print(context.Background(), textReceipt("x"))
	if !errors.Is(err, ErrTransport) || !errors.Is(err, errIO) {
		t.Fatalf("Expected transport error wrapping the cause, got %v", err)
	}
	if st := rig.manager.State(); st.Status != StatusError || st.Reason != "TransportError" {
		t.Errorf("Expected TransportError state, got %+v", st)
	}
	if rig.manager.IsReadyForPrintJobs() {
		t.Error("Expected session to be unusable")
	}

	b.mu.Lock()
	b.writeErr = nil
	b.mu.Unlock()
	if err := rig.manager.PrintRaw(context.Background(), []byte("x")); !errors.Is(err, ErrTransport) {
		t.Errorf("Expected corrupt session to refuse printing, got %v", err)
	}
}

func TestDetachSchedulesReconnect(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)
	rig.connect(t)

	rig.manager.HandleDetach(context.Background())

	if st := rig.manager.State().Status; st != StatusDisconnected {
		t.Fatalf("Expected disconnected, got %s", st)
	}
	if s := rig.manager.Scheduler().State(); s != SchedulerScheduled {
		t.Fatalf("Expected a scheduled reconnect, got %s", s)
	}

	if d := rig.clock.fireNext(t); d != 2*time.Second {
		t.Errorf("Expected first reconnect after 2s, got %v", d)
	}

	if st := rig.manager.State().Status; st != StatusConnected {
		t.Errorf("Expected reconnected, got %s", st)
	}
	if n := rig.manager.Scheduler().Attempts(); n != 0 {
		t.Errorf("Expected counter reset after success, got %d", n)
	}
	if s := rig.manager.Scheduler().State(); s != SchedulerIdle {
		t.Errorf("Expected idle scheduler, got %s", s)
	}
}

func TestSearchCancelsScheduledReconnectQuietly(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)
	rig.connect(t)

	rig.manager.HandleDetach(context.Background())
	pending := rig.clock.pending()
	if len(pending) != 1 {
		t.Fatalf("Expected one scheduled reconnect, got %d", len(pending))
	}
	before := len(rig.bus.statuses())

	// The scheduled attempt stalls inside its claim until cancelled
	held := rig.sleep.holdNext()
	timer := pending[0]
	timer.stopped = true
	fired := make(chan struct{})
	go func() {
		defer close(fired)
		timer.f()
	}()

	select {
	case <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the scheduled attempt to start claiming")
	}

	rig.connect(t)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the scheduled attempt to return after the search")
	}

	got := rig.bus.statuses()[before:]
	want := []Status{StatusConnecting, StatusConnecting, StatusConnected}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected %v after the detach, got %v", want, got)
	}
	for i, st := range got {
		if st == StatusError {
			t.Errorf("Expected no error between attempts, got one at %d", i)
		}
	}
	if n := len(rig.clock.pending()); n != 0 {
		t.Errorf("Expected the cancelled attempt not to reschedule, got %d timers", n)
	}
	if s := rig.manager.Scheduler().State(); s != SchedulerIdle {
		t.Errorf("Expected idle scheduler, got %s", s)
	}
}

func TestReconnectGivesUpAfterCap(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)
	rig.connect(t)

	b.setDevices()
	b.mu.Lock()
	b.openErr = fmt.Errorf("%w: unplugged", ErrNoDeviceFound)
	b.mu.Unlock()

	rig.manager.HandleDetach(context.Background())

	for i := 1; i <= 5; i++ {
		if d := rig.clock.fireNext(t); d != time.Duration(i)*2*time.Second {
			t.Errorf("Expected attempt %d after %v, got %v", i, time.Duration(i)*2*time.Second, d)
		}
	}

	if n := len(rig.clock.pending()); n != 0 {
		t.Errorf("Expected nothing scheduled after the cap, got %d timers", n)
	}
	st := rig.manager.State()
	if st.Status != StatusError || st.Reason != "ReconnectExhausted" {
		t.Errorf("Expected ReconnectExhausted, got %+v", st)
	}

	// A manual search re-arms everything
	b.setDevices(testEpson)
	b.mu.Lock()
	b.openErr = nil
	b.mu.Unlock()
	rig.connect(t)
	if n := rig.manager.Scheduler().Attempts(); n != 0 {
		t.Errorf("Expected counter reset, got %d", n)
	}
}

func TestVoluntaryDisconnectDoesNotReconnect(t *testing.T) {
	rig := newRig(t, newFakeBackend(testEpson), PlatformDesktop, 0)
	rig.connect(t)

	if err := rig.manager.Disconnect(context.Background()); err != nil {
		t.Fatalf("Expected disconnect, got %v", err)
	}

	if n := len(rig.clock.pending()); n != 0 {
		t.Errorf("Expected no reconnect after a voluntary disconnect, got %d timers", n)
	}
	if rig.manager.autoReconnectAllowed() {
		t.Error("Expected automatic reconnection to be suppressed")
	}
	if st := rig.manager.State().Status; st != StatusDisconnected {
		t.Errorf("Expected disconnected, got %s", st)
	}
}

func TestForceResetClearsEverything(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)
	rig.connect(t)

	rig.manager.ForceReset(context.Background())

	if st := rig.manager.State().Status; st != StatusDisconnected {
		t.Errorf("Expected disconnected, got %s", st)
	}
	if n := rig.manager.Ledger().Granted(); n != 0 {
		t.Errorf("Expected no permission records, got %d", n)
	}
	if _, ok := rig.manager.SavedConfig(); ok {
		t.Error("Expected saved config to be cleared")
	}
	if _, ok := rig.manager.LastDescriptor(); ok {
		t.Error("Expected last printer to be forgotten")
	}
	if rig.manager.Permission() != PermissionUnknown {
		t.Errorf("Expected unknown permission, got %s", rig.manager.Permission())
	}
	if !rig.sleep.has(resetSettle) {
		t.Errorf("Expected a %v settle, got %v", resetSettle, rig.sleep.waits)
	}
	if opens, closes, _ := b.counts(); opens != closes {
		t.Errorf("Expected the handle to be closed, got %d opens and %d closes", opens, closes)
	}

	// Resetting again is harmless
	rig.manager.ForceReset(context.Background())
	if st := rig.manager.State().Status; st != StatusDisconnected {
		t.Errorf("Expected disconnected after second reset, got %s", st)
	}
}

func TestDisconnectIfIdleRespectsQueue(t *testing.T) {
	rig := newRig(t, newFakeBackend(testEpson), PlatformDesktop, 0)
	rig.connect(t)
	ctx := context.Background()

	rig.manager.UpdateQueueSize(2)
	ok, err := rig.manager.DisconnectIfIdle(ctx)
	if err != nil || ok {
		t.Fatalf("Expected no disconnect with jobs pending, got %v %v", ok, err)
	}
	if st := rig.manager.State().Status; st != StatusConnected {
		t.Errorf("Expected still connected, got %s", st)
	}

	rig.manager.UpdateQueueSize(-4)
	if n := rig.manager.Queue().Size(); n != 0 {
		t.Errorf("Expected negative size to clamp to 0, got %d", n)
	}
	ok, err = rig.manager.DisconnectIfIdle(ctx)
	if err != nil || !ok {
		t.Fatalf("Expected disconnect when idle, got %v %v", ok, err)
	}
	if st := rig.manager.State().Status; st != StatusDisconnected {
		t.Errorf("Expected disconnected, got %s", st)
	}

	// Nothing to do once disconnected
	if ok, _ := rig.manager.DisconnectIfIdle(ctx); ok {
		t.Error("Expected no second disconnect")
	}
}

func TestReleaseAfterPrintKeepsClaim(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)
	rig.connect(t)

	b.mu.Lock()
	releases := b.releases
	b.mu.Unlock()

	q := rig.manager.Queue()
	q.Increment()
	q.ReleaseAfterPrint(context.Background())

	if n := q.Size(); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
	if !rig.sleep.has(releaseAfterPrintDelay) {
		t.Errorf("Expected a %v drain delay", releaseAfterPrintDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.releases != releases {
		t.Errorf("Expected the claim to be kept, got %d extra releases", b.releases-releases)
	}
	if !rig.manager.IsReadyForPrintJobs() {
		t.Error("Expected session to stay ready")
	}
}

func TestPollSkipsWhileLocked(t *testing.T) {
	rig := newRig(t, newFakeBackend(testEpson), PlatformDesktop, 0)

	g, ok := rig.manager.lock.TryAcquire("test")
	if !ok {
		t.Fatal("Expected to take the lock")
	}
	if _, ok := rig.manager.pollDevices(context.Background()); ok {
		t.Error("Expected poll to be skipped while the lock is held")
	}
	g.Release()

	devices, ok := rig.manager.pollDevices(context.Background())
	if !ok || len(devices) != 1 {
		t.Errorf("Expected one device after release, got %v %v", devices, ok)
	}
}

func TestSnapshot(t *testing.T) {
	rig := newRig(t, newFakeBackend(testEpson), PlatformDesktop, 0)
	rig.connect(t)

	s := rig.manager.Snapshot()
	if s.State.Status != StatusConnected || !s.Ready {
		t.Errorf("Expected a ready snapshot, got %+v", s)
	}
	if s.Backend != "fake" || s.Platform != "desktop" {
		t.Errorf("Unexpected backend/platform %q/%q", s.Backend, s.Platform)
	}
	if s.SavedConfig == nil || s.GrantedDevices != 1 {
		t.Errorf("Expected saved config and one grant, got %+v", s)
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Expected snapshot to marshal, got %v", err)
	}
	if !bytes.Contains(data, []byte(`"status":"connected"`)) {
		t.Errorf("Expected status by name, got %s", data)
	}
}
