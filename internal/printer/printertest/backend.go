// Package printertest provides an in-memory printer transport for tests of
// packages built on top of printer.Manager.
package printertest

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/thereceipt/printlink/internal/printer"
)

// Epson is a descriptor for a typical ESC/POS receipt printer.
var Epson = printer.Descriptor{VendorID: printer.VendorEpson, ProductID: 0x0202, DisplayName: "TM-T20"}

type handle struct {
	desc printer.Descriptor
}

func (h *handle) Descriptor() printer.Descriptor { return h.desc }

// Backend is a printer.Backend that claims instantly and records every byte
// written to it.
type Backend struct {
	mu       sync.Mutex
	devices  []printer.Descriptor
	claimErr error
	written  bytes.Buffer
}

// NewBackend creates a backend exposing devices.
func NewBackend(devices ...printer.Descriptor) *Backend {
	return &Backend{devices: devices}
}

// SetDevices replaces the visible devices.
func (b *Backend) SetDevices(devices ...printer.Descriptor) {
	b.mu.Lock()
	b.devices = devices
	b.mu.Unlock()
}

// FailClaims makes every claim return err until called again with nil.
func (b *Backend) FailClaims(err error) {
	b.mu.Lock()
	b.claimErr = err
	b.mu.Unlock()
}

// Written returns a copy of everything transmitted so far.
func (b *Backend) Written() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.written.Bytes()...)
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Init(ctx context.Context) error { return nil }

func (b *Backend) List(ctx context.Context) []printer.Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]printer.Descriptor(nil), b.devices...)
}

func (b *Backend) Open(ctx context.Context, d printer.Descriptor) (printer.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, dev := range b.devices {
		if dev.Same(d) {
			return &handle{desc: dev}, nil
		}
	}
	return nil, printer.ErrNoDeviceFound
}

func (b *Backend) ConfigurationSet(h printer.Handle) bool { return true }

func (b *Backend) SelectConfiguration(h printer.Handle, cfg int) error { return nil }

func (b *Backend) Interfaces(h printer.Handle) ([]printer.InterfaceInfo, error) {
	return []printer.InterfaceInfo{{
		Number: 0,
		Class:  0x07,
		Endpoints: []printer.EndpointInfo{
			{Address: 0x81, Bulk: true},
			{Address: 0x01, Out: true, Bulk: true},
		},
	}}, nil
}

func (b *Backend) Claim(h printer.Handle, iface int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claimErr
}

func (b *Backend) Release(h printer.Handle, iface int) {}

func (b *Backend) SelectAlternate(h printer.Handle, iface, alt int) error {
	return printer.ErrUnsupported
}

func (b *Backend) TransferOut(h printer.Handle, ep uint8, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written.Write(data)
}

func (b *Backend) TransferIn(h printer.Handle, ep uint8, buf []byte) (int, error) { return 0, nil }

func (b *Backend) Close(h printer.Handle) error { return nil }

func (b *Backend) Reset(h printer.Handle) error { return printer.ErrUnsupported }

// NoSleep is a printer.SleepFunc that returns immediately.
func NoSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// NewManager builds a manager over b with instant waits and an in-memory store.
func NewManager(b printer.Backend) *printer.Manager {
	return printer.NewManager(b, printer.NewMemoryStore(), printer.Options{
		Platform:    printer.PlatformDesktop,
		LockTimeout: time.Second,
		Sleep:       NoSleep,
	})
}
