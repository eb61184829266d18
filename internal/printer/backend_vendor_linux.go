//go:build linux

package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/hennedo/escpos"
	usb "github.com/kevmo314/go-usb"

	"github.com/thereceipt/printlink/internal/logging"
	"github.com/thereceipt/printlink/pkg/receiptformat"
)

const vendorTransferTimeout = 5 * time.Second

// VendorSDK talks to the printer through usbfs directly and formats text
// with its own ESC/POS builder.
type VendorSDK struct {
	log *slog.Logger

	mu   sync.Mutex
	open map[string]*vendorHandle
}

type vendorHandle struct {
	desc Descriptor
	dev  *usb.DeviceHandle

	mu      sync.Mutex
	alt     map[int]int
	claimed map[int]bool
	out     uint8
	in      uint8
}

func (h *vendorHandle) Descriptor() Descriptor { return h.desc }

// NewVendorSDK creates the usbfs backend.
func NewVendorSDK(log *slog.Logger) *VendorSDK {
	return &VendorSDK{
		log:  logging.For(log, logging.ComponentBackend).With("backend", "vendorsdk"),
		open: make(map[string]*vendorHandle),
	}
}

func (b *VendorSDK) Name() string { return "vendorsdk" }

func (b *VendorSDK) Init(ctx context.Context) error {
	if _, err := usb.DeviceList(); err != nil {
		return fmt.Errorf("%w: usbfs: %v", ErrNotSupported, err)
	}
	return nil
}

func (b *VendorSDK) List(ctx context.Context) []Descriptor {
	devs, err := usb.DeviceList()
	if err != nil {
		b.log.Debug("enumeration failed", "error", err)
		return nil
	}

	b.mu.Lock()
	held := make(map[string]Descriptor, len(b.open))
	for k, h := range b.open {
		held[k] = h.desc
	}
	b.mu.Unlock()

	var out []Descriptor
	for _, dev := range devs {
		dd := dev.Descriptor
		// A device we hold open cannot be opened again for inspection
		if d, ok := held[Descriptor{VendorID: dd.VendorID, ProductID: dd.ProductID}.Key()]; ok {
			out = append(out, d)
			continue
		}
		if !IsKnownVendor(dd.VendorID) && dd.DeviceClass != usbClassPrinter && !hasPrinterInterface(dev) {
			continue
		}
		var product, manufacturer string
		if h, err := dev.Open(); err == nil {
			product, _ = h.GetStringDescriptor(dd.ProductIndex)
			manufacturer, _ = h.GetStringDescriptor(dd.ManufacturerIndex)
			h.Close()
		}
		out = append(out, Descriptor{
			VendorID:    dd.VendorID,
			ProductID:   dd.ProductID,
			DisplayName: DisplayNameFor(dd.VendorID, dd.ProductID, product, manufacturer),
		})
	}
	return out
}

// hasPrinterInterface checks the active configuration for a printer-class
// interface. Devices we cannot open are skipped.
func hasPrinterInterface(dev *usb.Device) bool {
	h, err := dev.Open()
	if err != nil {
		return false
	}
	defer h.Close()
	cfg, err := h.GetActiveConfigDescriptor()
	if err != nil {
		return false
	}
	for _, in := range cfg.Interfaces {
		for _, alt := range in.AltSettings {
			if alt.InterfaceClass == usbClassPrinter {
				return true
			}
		}
	}
	return false
}

func (b *VendorSDK) Open(ctx context.Context, d Descriptor) (Handle, error) {
	b.mu.Lock()
	prev := b.open[d.Key()]
	delete(b.open, d.Key())
	b.mu.Unlock()
	if prev != nil {
		prev.dev.Close()
	}

	dev, err := usb.OpenDevice(d.VendorID, d.ProductID)
	if err != nil {
		return nil, mapUsbfsError(err)
	}
	h := &vendorHandle{
		desc:    d,
		dev:     dev,
		alt:     make(map[int]int),
		claimed: make(map[int]bool),
	}
	b.mu.Lock()
	b.open[d.Key()] = h
	b.mu.Unlock()
	return h, nil
}

func (b *VendorSDK) handle(h Handle) (*vendorHandle, error) {
	vh, ok := h.(*vendorHandle)
	if !ok || vh == nil || vh.dev == nil {
		return nil, fmt.Errorf("%w: not a usbfs handle", ErrNotConnected)
	}
	return vh, nil
}

func (b *VendorSDK) ConfigurationSet(h Handle) bool {
	vh, err := b.handle(h)
	if err != nil {
		return false
	}
	n, err := vh.dev.GetConfiguration()
	return err == nil && n > 0
}

func (b *VendorSDK) SelectConfiguration(h Handle, cfg int) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	return mapUsbfsError(vh.dev.SetConfiguration(cfg))
}

func (b *VendorSDK) Interfaces(h Handle) ([]InterfaceInfo, error) {
	vh, err := b.handle(h)
	if err != nil {
		return nil, err
	}
	cfg, err := vh.dev.GetActiveConfigDescriptor()
	if err != nil {
		return nil, mapUsbfsError(err)
	}

	var (
		out []InterfaceInfo
		in  uint8
	)
	for _, iface := range cfg.Interfaces {
		for _, alt := range iface.AltSettings {
			info := InterfaceInfo{
				Number:    int(alt.InterfaceNumber),
				Alternate: int(alt.AlternateSetting),
				Class:     alt.InterfaceClass,
			}
			for i := range alt.Endpoints {
				ep := &alt.Endpoints[i]
				info.Endpoints = append(info.Endpoints, EndpointInfo{
					Address: ep.EndpointAddr,
					Out:     ep.IsOutput(),
					Bulk:    ep.GetTransferType() == 2,
				})
				if ep.IsInput() && ep.GetTransferType() == 2 && in == 0 {
					in = ep.EndpointAddr
				}
			}
			out = append(out, info)
		}
	}
	vh.mu.Lock()
	vh.in = in
	if _, ep, ok := FindBulkOut(out); ok {
		vh.out = ep
	}
	vh.mu.Unlock()
	return out, nil
}

func (b *VendorSDK) Claim(h Handle, iface int) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	vh.mu.Lock()
	defer vh.mu.Unlock()

	if err := vh.dev.DetachKernelDriver(uint8(iface)); err != nil {
		b.log.Debug("detach kernel driver", "interface", iface, "error", err)
	}
	if err := vh.dev.ClaimInterface(uint8(iface)); err != nil {
		return mapUsbfsError(fmt.Errorf("failed to claim interface %d: %w", iface, err))
	}
	vh.claimed[iface] = true

	if alt := vh.alt[iface]; alt != 0 {
		if err := vh.dev.SetInterfaceAltSetting(uint8(iface), uint8(alt)); err != nil {
			b.log.Debug("alternate setting rejected", "interface", iface, "alt", alt, "error", err)
		}
	}
	return nil
}

func (b *VendorSDK) Release(h Handle, iface int) {
	vh, err := b.handle(h)
	if err != nil {
		return
	}
	vh.mu.Lock()
	defer vh.mu.Unlock()
	if !vh.claimed[iface] {
		return
	}
	if err := vh.dev.ReleaseInterface(uint8(iface)); err != nil {
		b.log.Debug("release failed", "interface", iface, "error", err)
	}
	delete(vh.claimed, iface)
}

// SelectAlternate records alt; usbfs only accepts it on a claimed interface.
func (b *VendorSDK) SelectAlternate(h Handle, iface, alt int) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	vh.mu.Lock()
	defer vh.mu.Unlock()
	vh.alt[iface] = alt
	if vh.claimed[iface] {
		return mapUsbfsError(vh.dev.SetInterfaceAltSetting(uint8(iface), uint8(alt)))
	}
	return nil
}

func (b *VendorSDK) TransferOut(h Handle, ep uint8, data []byte) (int, error) {
	vh, err := b.handle(h)
	if err != nil {
		return 0, err
	}
	n, err := vh.dev.BulkTransfer(ep, data, vendorTransferTimeout)
	return n, mapUsbfsError(err)
}

func (b *VendorSDK) TransferIn(h Handle, ep uint8, buf []byte) (int, error) {
	vh, err := b.handle(h)
	if err != nil {
		return 0, err
	}
	n, err := vh.dev.BulkTransfer(ep|0x80, buf, vendorTransferTimeout)
	return n, mapUsbfsError(err)
}

func (b *VendorSDK) Close(h Handle) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.open[vh.desc.Key()] == vh {
		delete(b.open, vh.desc.Key())
	}
	b.mu.Unlock()

	vh.mu.Lock()
	clear(vh.claimed)
	vh.mu.Unlock()
	return vh.dev.Close()
}

func (b *VendorSDK) Reset(h Handle) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	vh.mu.Lock()
	clear(vh.claimed)
	vh.mu.Unlock()
	return mapUsbfsError(vh.dev.ResetDevice())
}

// PrintFormatted writes one styled line.
func (b *VendorSDK) PrintFormatted(h Handle, text string, style receiptformat.Style) error {
	return b.format(h, func(p *escpos.Escpos) {
		switch style.Align {
		case receiptformat.AlignCenter:
			p.Justify(escpos.JustifyCenter)
		case receiptformat.AlignRight:
			p.Justify(escpos.JustifyRight)
		default:
			p.Justify(escpos.JustifyLeft)
		}
		p.Bold(style.Bold)
		if style.Underline {
			p.Underline(1)
		}
		if style.Double {
			p.Size(2, 2)
		}
		p.Write(text)
		p.LineFeed()

		// Leave the printer in its default style for the next line
		p.Size(1, 1)
		p.Underline(0)
		p.Bold(false)
		p.Justify(escpos.JustifyLeft)
	})
}

func (b *VendorSDK) FeedPaper(h Handle, lines int) error {
	return b.format(h, func(p *escpos.Escpos) {
		for i := 0; i < lines; i++ {
			p.LineFeed()
		}
	})
}

// CutPaper cuts after flushing. The builder has a single cut command, so
// partial cuts are sent as raw dialect bytes.
func (b *VendorSDK) CutPaper(h Handle, partial bool) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	if partial {
		_, err := b.TransferOut(h, vh.outEndpoint(), CommandsFor(vh.desc.Dialect()).PartialCut)
		return err
	}
	w := &bulkWriter{backend: b, h: vh}
	p := escpos.New(w)
	p.PrintAndCut()
	return w.err
}

func (b *VendorSDK) format(h Handle, build func(p *escpos.Escpos)) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	w := &bulkWriter{backend: b, h: vh}
	p := escpos.New(w)
	build(p)
	p.Print()
	return w.err
}

func (h *vendorHandle) outEndpoint() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.out == 0 {
		return 0x01
	}
	return h.out
}

// bulkWriter adapts a claimed usbfs handle to the builder's reader/writer.
// The first failure sticks.
type bulkWriter struct {
	backend *VendorSDK
	h       *vendorHandle
	err     error
}

func (w *bulkWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	written := 0
	for written < len(p) {
		end := min(written+transferChunk, len(p))
		n, err := w.backend.TransferOut(w.h, w.h.outEndpoint(), p[written:end])
		written += n
		if err != nil {
			w.err = &TransportError{Written: written, Total: len(p), Err: err}
			return written, w.err
		}
	}
	return written, nil
}

func (w *bulkWriter) Read(p []byte) (int, error) {
	w.h.mu.Lock()
	in := w.h.in
	w.h.mu.Unlock()
	if in == 0 {
		return 0, io.EOF
	}
	return w.backend.TransferIn(w.h, in, p)
}

// mapUsbfsError translates usbfs errno values onto the package sentinels.
func mapUsbfsError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.EBUSY), errors.Is(err, usb.ErrDeviceBusy):
		return fmt.Errorf("%w: %v", ErrClaimBusy, err)
	case errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT), errors.Is(err, usb.ErrDeviceNotFound):
		return fmt.Errorf("%w: %v", ErrNoDeviceFound, err)
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM), errors.Is(err, usb.ErrPermissionDenied):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, usb.ErrTimeout):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
