package printer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"

	"github.com/thereceipt/printlink/internal/logging"
)

// serialOutEndpoint is the synthetic endpoint address a serial port exposes.
const serialOutEndpoint uint8 = 0x01

// SerialBackend drives printers that sit behind a USB-serial bridge.
type SerialBackend struct {
	baud int
	log  *slog.Logger

	// listPorts is replaced in tests
	listPorts func() ([]*enumerator.PortDetails, error)
	openPort  func(c *serial.Config) (serialPort, error)

	mu   sync.Mutex
	open map[string]*serialHandle
}

type serialPort interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

type serialHandle struct {
	desc Descriptor
	name string

	mu      sync.Mutex
	port    serialPort
	claimed bool
}

func (h *serialHandle) Descriptor() Descriptor { return h.desc }

// NewSerialBackend creates a serial backend. A zero baud selects 9600.
func NewSerialBackend(baud int, log *slog.Logger) *SerialBackend {
	if baud == 0 {
		baud = 9600 // Default baud rate for most thermal printers
	}
	return &SerialBackend{
		baud:      baud,
		log:       logging.For(log, logging.ComponentBackend).With("backend", "serial"),
		listPorts: enumerator.GetDetailedPortsList,
		openPort: func(c *serial.Config) (serialPort, error) {
			return serial.OpenPort(c)
		},
		open: make(map[string]*serialHandle),
	}
}

func (b *SerialBackend) Name() string { return "serial" }

func (b *SerialBackend) Init(ctx context.Context) error {
	if _, err := b.listPorts(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotSupported, err)
	}
	return nil
}

type serialCandidate struct {
	desc Descriptor
	name string
}

func (b *SerialBackend) candidates() []serialCandidate {
	ports, err := b.listPorts()
	if err != nil {
		b.log.Debug("serial enumeration failed", "error", err)
		return nil
	}
	var out []serialCandidate
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		vid, err1 := strconv.ParseUint(p.VID, 16, 16)
		pid, err2 := strconv.ParseUint(p.PID, 16, 16)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, serialCandidate{
			desc: Descriptor{
				VendorID:    uint16(vid),
				ProductID:   uint16(pid),
				DisplayName: DisplayNameFor(uint16(vid), uint16(pid), p.Product, ""),
			},
			name: p.Name,
		})
	}
	return out
}

func (b *SerialBackend) List(ctx context.Context) []Descriptor {
	var out []Descriptor
	for _, c := range b.candidates() {
		out = append(out, c.desc)
	}
	return out
}

func (b *SerialBackend) Open(ctx context.Context, d Descriptor) (Handle, error) {
	b.mu.Lock()
	prev := b.open[d.Key()]
	delete(b.open, d.Key())
	b.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	for _, c := range b.candidates() {
		if !c.desc.Same(d) {
			continue
		}
		h := &serialHandle{desc: c.desc, name: c.name}
		b.mu.Lock()
		b.open[d.Key()] = h
		b.mu.Unlock()
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDeviceFound, d)
}

func (b *SerialBackend) handle(h Handle) (*serialHandle, error) {
	sh, ok := h.(*serialHandle)
	if !ok || sh == nil {
		return nil, fmt.Errorf("%w: not a serial handle", ErrNotConnected)
	}
	return sh, nil
}

// ConfigurationSet is always true; serial ports have no USB configuration.
func (b *SerialBackend) ConfigurationSet(h Handle) bool { return true }

func (b *SerialBackend) SelectConfiguration(h Handle, cfg int) error { return nil }

func (b *SerialBackend) Interfaces(h Handle) ([]InterfaceInfo, error) {
	if _, err := b.handle(h); err != nil {
		return nil, err
	}
	return []InterfaceInfo{{
		Number:    0,
		Class:     usbClassPrinter,
		Endpoints: []EndpointInfo{{Address: serialOutEndpoint, Out: true, Bulk: true}},
	}}, nil
}

// Claim opens the port. A port held by another process reports busy.
func (b *SerialBackend) Claim(h Handle, iface int) error {
	sh, err := b.handle(h)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.claimed {
		return nil
	}

	port, err := b.openPort(&serial.Config{Name: sh.name, Baud: b.baud})
	if err != nil {
		return fmt.Errorf("%w: failed to open serial port %s: %v", ErrClaimBusy, sh.name, err)
	}
	sh.port = port
	sh.claimed = true
	return nil
}

func (b *SerialBackend) Release(h Handle, iface int) {
	sh, err := b.handle(h)
	if err != nil {
		return
	}
	if err := sh.close(); err != nil {
		b.log.Debug("release failed", "port", sh.name, "error", err)
	}
}

func (b *SerialBackend) SelectAlternate(h Handle, iface, alt int) error {
	return ErrUnsupported
}

func (b *SerialBackend) TransferOut(h Handle, ep uint8, data []byte) (int, error) {
	sh, err := b.handle(h)
	if err != nil {
		return 0, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.port == nil {
		return 0, ErrNotConnected
	}
	return sh.port.Write(data)
}

func (b *SerialBackend) TransferIn(h Handle, ep uint8, buf []byte) (int, error) {
	sh, err := b.handle(h)
	if err != nil {
		return 0, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.port == nil {
		return 0, ErrNotConnected
	}
	return sh.port.Read(buf)
}

func (b *SerialBackend) Close(h Handle) error {
	sh, err := b.handle(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.open[sh.desc.Key()] == sh {
		delete(b.open, sh.desc.Key())
	}
	b.mu.Unlock()
	return sh.close()
}

func (b *SerialBackend) Reset(h Handle) error { return ErrUnsupported }

func (h *serialHandle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimed = false
	if h.port == nil {
		return nil
	}
	err := h.port.Close()
	h.port = nil
	return err
}
