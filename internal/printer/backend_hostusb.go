package printer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/gousb"

	"github.com/thereceipt/printlink/internal/logging"
)

// HostUSB reaches printers through libusb on a desktop host.
type HostUSB struct {
	log *slog.Logger

	mu   sync.Mutex
	ctx  *gousb.Context
	open map[string]*hostHandle
}

type hostHandle struct {
	desc Descriptor
	dev  *gousb.Device

	mu    sync.Mutex
	cfg   *gousb.Config
	iface *gousb.Interface
	alt   map[int]int
	outs  map[uint8]*gousb.OutEndpoint
	ins   map[uint8]*gousb.InEndpoint
}

func (h *hostHandle) Descriptor() Descriptor { return h.desc }

// NewHostUSB creates the libusb backend. Init must succeed before use.
func NewHostUSB(log *slog.Logger) *HostUSB {
	return &HostUSB{
		log:  logging.For(log, logging.ComponentBackend).With("backend", "hostusb"),
		open: make(map[string]*hostHandle),
	}
}

func (b *HostUSB) Name() string { return "hostusb" }

// Init creates the libusb context. It fails when libusb is missing.
func (b *HostUSB) Init(ctx context.Context) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return nil
	}

	// gousb panics instead of returning when libusb cannot initialize
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: libusb: %v", ErrNotSupported, r)
		}
	}()
	b.ctx = gousb.NewContext()
	return nil
}

func isPrinterDesc(desc *gousb.DeviceDesc) bool {
	if IsKnownVendor(uint16(desc.Vendor)) || desc.Class == gousb.ClassPrinter {
		return true
	}
	for _, cfg := range desc.Configs {
		for _, in := range cfg.Interfaces {
			for _, alt := range in.AltSettings {
				if alt.Class == gousb.ClassPrinter {
					return true
				}
			}
		}
	}
	return false
}

func (b *HostUSB) List(ctx context.Context) []Descriptor {
	b.mu.Lock()
	uctx := b.ctx
	b.mu.Unlock()
	if uctx == nil {
		return nil
	}

	devs, err := uctx.OpenDevices(isPrinterDesc)
	if err != nil {
		// Devices we could not open are still returned alongside the error
		b.log.Debug("enumeration incomplete", "error", err)
	}

	var out []Descriptor
	for _, dev := range devs {
		vid, pid := uint16(dev.Desc.Vendor), uint16(dev.Desc.Product)
		product, _ := dev.Product()
		manufacturer, _ := dev.Manufacturer()
		out = append(out, Descriptor{
			VendorID:    vid,
			ProductID:   pid,
			DisplayName: DisplayNameFor(vid, pid, product, manufacturer),
		})
		dev.Close()
	}
	return out
}

func (b *HostUSB) Open(ctx context.Context, d Descriptor) (Handle, error) {
	b.mu.Lock()
	uctx := b.ctx
	prev := b.open[d.Key()]
	delete(b.open, d.Key())
	b.mu.Unlock()

	if uctx == nil {
		return nil, ErrNotSupported
	}
	if prev != nil {
		prev.closeAll()
	}

	dev, err := uctx.OpenDeviceWithVIDPID(gousb.ID(d.VendorID), gousb.ID(d.ProductID))
	if err != nil {
		return nil, mapGoUSBError(fmt.Errorf("failed to open USB device: %w", err))
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %04X:%04X", ErrNoDeviceFound, d.VendorID, d.ProductID)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		b.log.Debug("auto detach unavailable", "error", err)
	}

	h := &hostHandle{
		desc: d,
		dev:  dev,
		alt:  make(map[int]int),
		outs: make(map[uint8]*gousb.OutEndpoint),
		ins:  make(map[uint8]*gousb.InEndpoint),
	}
	b.mu.Lock()
	b.open[d.Key()] = h
	b.mu.Unlock()
	return h, nil
}

func (b *HostUSB) handle(h Handle) (*hostHandle, error) {
	hh, ok := h.(*hostHandle)
	if !ok || hh == nil || hh.dev == nil {
		return nil, fmt.Errorf("%w: not a host USB handle", ErrNotConnected)
	}
	return hh, nil
}

func (b *HostUSB) ConfigurationSet(h Handle) bool {
	hh, err := b.handle(h)
	if err != nil {
		return false
	}
	n, err := hh.dev.ActiveConfigNum()
	return err == nil && n > 0
}

func (b *HostUSB) SelectConfiguration(h Handle, cfg int) error {
	hh, err := b.handle(h)
	if err != nil {
		return err
	}
	hh.mu.Lock()
	defer hh.mu.Unlock()
	if hh.cfg != nil {
		return nil
	}
	c, err := hh.dev.Config(cfg)
	if err != nil {
		return mapGoUSBError(fmt.Errorf("failed to set config %d: %w", cfg, err))
	}
	hh.cfg = c
	return nil
}

func (b *HostUSB) Interfaces(h Handle) ([]InterfaceInfo, error) {
	hh, err := b.handle(h)
	if err != nil {
		return nil, err
	}

	num, err := hh.dev.ActiveConfigNum()
	if err != nil || num <= 0 {
		num = 1
	}
	cfgDesc, ok := hh.dev.Desc.Configs[num]
	if !ok {
		return nil, fmt.Errorf("configuration %d not reported", num)
	}

	var out []InterfaceInfo
	for _, in := range cfgDesc.Interfaces {
		for _, alt := range in.AltSettings {
			info := InterfaceInfo{Number: alt.Number, Alternate: alt.Alternate, Class: uint8(alt.Class)}
			for _, ep := range alt.Endpoints {
				info.Endpoints = append(info.Endpoints, EndpointInfo{
					Address: uint8(ep.Address),
					Out:     ep.Direction == gousb.EndpointDirectionOut,
					Bulk:    ep.TransferType == gousb.TransferTypeBulk,
				})
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// Claim claims iface with the alternate chosen by SelectAlternate.
func (b *HostUSB) Claim(h Handle, iface int) error {
	hh, err := b.handle(h)
	if err != nil {
		return err
	}
	hh.mu.Lock()
	defer hh.mu.Unlock()

	if hh.cfg == nil {
		num, err := hh.dev.ActiveConfigNum()
		if err != nil || num <= 0 {
			num = 1
		}
		c, err := hh.dev.Config(num)
		if err != nil {
			return mapGoUSBError(err)
		}
		hh.cfg = c
	}
	if hh.iface != nil {
		return nil
	}

	in, err := hh.cfg.Interface(iface, hh.alt[iface])
	if err != nil {
		return mapGoUSBError(fmt.Errorf("failed to claim interface %d: %w", iface, err))
	}
	hh.iface = in
	return nil
}

func (b *HostUSB) Release(h Handle, iface int) {
	hh, err := b.handle(h)
	if err != nil {
		return
	}
	hh.mu.Lock()
	defer hh.mu.Unlock()
	if hh.iface != nil && hh.iface.Setting.Number == iface {
		hh.iface.Close()
		hh.iface = nil
		clear(hh.outs)
		clear(hh.ins)
	}
}

// SelectAlternate records the alternate setting; libusb applies it on claim.
func (b *HostUSB) SelectAlternate(h Handle, iface, alt int) error {
	hh, err := b.handle(h)
	if err != nil {
		return err
	}
	hh.mu.Lock()
	hh.alt[iface] = alt
	hh.mu.Unlock()
	return nil
}

func (b *HostUSB) TransferOut(h Handle, ep uint8, data []byte) (int, error) {
	hh, err := b.handle(h)
	if err != nil {
		return 0, err
	}
	hh.mu.Lock()
	defer hh.mu.Unlock()
	if hh.iface == nil {
		return 0, ErrNotConnected
	}

	out, ok := hh.outs[ep]
	if !ok {
		out, err = hh.iface.OutEndpoint(int(ep & 0x0F))
		if err != nil {
			return 0, mapGoUSBError(err)
		}
		hh.outs[ep] = out
	}
	n, err := out.Write(data)
	return n, mapGoUSBError(err)
}

func (b *HostUSB) TransferIn(h Handle, ep uint8, buf []byte) (int, error) {
	hh, err := b.handle(h)
	if err != nil {
		return 0, err
	}
	hh.mu.Lock()
	defer hh.mu.Unlock()
	if hh.iface == nil {
		return 0, ErrNotConnected
	}

	in, ok := hh.ins[ep]
	if !ok {
		in, err = hh.iface.InEndpoint(int(ep & 0x0F))
		if err != nil {
			return 0, mapGoUSBError(err)
		}
		hh.ins[ep] = in
	}
	n, err := in.Read(buf)
	return n, mapGoUSBError(err)
}

func (b *HostUSB) Close(h Handle) error {
	hh, err := b.handle(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.open[hh.desc.Key()] == hh {
		delete(b.open, hh.desc.Key())
	}
	b.mu.Unlock()
	return hh.closeAll()
}

func (b *HostUSB) Reset(h Handle) error {
	hh, err := b.handle(h)
	if err != nil {
		return err
	}
	return mapGoUSBError(hh.dev.Reset())
}

// Shutdown closes the libusb context and any handle left open.
func (b *HostUSB) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, h := range b.open {
		h.closeAll()
		delete(b.open, k)
	}
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Close()
	b.ctx = nil
	return err
}

func (h *hostHandle) closeAll() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.iface != nil {
		h.iface.Close()
		h.iface = nil
	}
	if h.cfg != nil {
		h.cfg.Close()
		h.cfg = nil
	}
	clear(h.outs)
	clear(h.ins)
	return h.dev.Close()
}

// mapGoUSBError translates libusb errors onto the package sentinels.
func mapGoUSBError(err error) error {
	if err == nil {
		return nil
	}
	var uerr gousb.Error
	if errors.As(err, &uerr) {
		switch uerr {
		case gousb.ErrorBusy:
			return fmt.Errorf("%w: %v", ErrClaimBusy, err)
		case gousb.ErrorNoDevice, gousb.ErrorNotFound:
			return fmt.Errorf("%w: %v", ErrNoDeviceFound, err)
		case gousb.ErrorAccess:
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		case gousb.ErrorTimeout:
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}

	// Some gousb paths format the libusb error into the message
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "resource busy"):
		return fmt.Errorf("%w: %v", ErrClaimBusy, err)
	case strings.Contains(msg, "no such device"):
		return fmt.Errorf("%w: %v", ErrNoDeviceFound, err)
	case strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}
