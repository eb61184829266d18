package printer

import (
	"context"

	"github.com/thereceipt/printlink/pkg/receiptformat"
)

// Backend is a USB transport capable of reaching a printer.
//
// Implementations map their native failures onto the package sentinels:
// ErrClaimBusy, ErrNoDeviceFound and ErrPermissionDenied from Claim, and
// ErrUnsupported for optional operations they cannot perform.
type Backend interface {
	Name() string
	// Init reports whether the transport is usable on this host.
	Init(ctx context.Context) error
	// List enumerates candidate devices. It never fails; an unavailable
	// transport yields an empty list.
	List(ctx context.Context) []Descriptor
	// Open opens a device. Opening a descriptor that is already open closes
	// the old handle first.
	Open(ctx context.Context, d Descriptor) (Handle, error)
	// ConfigurationSet reports whether the device has an active configuration.
	ConfigurationSet(h Handle) bool
	SelectConfiguration(h Handle, cfg int) error
	Interfaces(h Handle) ([]InterfaceInfo, error)
	Claim(h Handle, iface int) error
	// Release is best effort: failures are logged, never returned.
	Release(h Handle, iface int)
	SelectAlternate(h Handle, iface, alt int) error
	TransferOut(h Handle, ep uint8, data []byte) (int, error)
	TransferIn(h Handle, ep uint8, buf []byte) (int, error)
	Close(h Handle) error
	// Reset performs a hardware reset, or returns ErrUnsupported.
	Reset(h Handle) error
}

// Handle is an open device owned by a Backend.
type Handle interface {
	Descriptor() Descriptor
}

// InterfaceInfo describes one interface setting reported by a device.
type InterfaceInfo struct {
	Number    int
	Alternate int
	Class     uint8
	Endpoints []EndpointInfo
}

// EndpointInfo describes one endpoint of an interface.
type EndpointInfo struct {
	Address uint8
	Out     bool
	Bulk    bool
}

// PermissionRequester is implemented by backends with a host permission prompt.
type PermissionRequester interface {
	RequestPermission(ctx context.Context, d Descriptor) error
}

// Formatter is implemented by transports that format text themselves
// instead of accepting raw dialect bytes.
type Formatter interface {
	PrintFormatted(h Handle, text string, style receiptformat.Style) error
	FeedPaper(h Handle, lines int) error
	CutPaper(h Handle, partial bool) error
}

// FindBulkOut returns the first interface exposing a bulk OUT endpoint.
func FindBulkOut(ifaces []InterfaceInfo) (iface int, ep uint8, ok bool) {
	for _, in := range ifaces {
		for _, e := range in.Endpoints {
			if e.Out && e.Bulk {
				return in.Number, e.Address, true
			}
		}
	}
	return 0, 0, false
}

// usbClassPrinter is the USB interface class code for printers.
const usbClassPrinter uint8 = 0x07
