// Package printer discovers a USB receipt printer, claims it under contention
// and serializes every transmission through a single session.
package printer

import (
	"fmt"
	"strings"
)

// Known printer and USB-serial bridge vendors
const (
	VendorBematech    uint16 = 0x0B1B
	VendorEpson       uint16 = 0x04B8
	VendorStar        uint16 = 0x0519
	VendorCustom      uint16 = 0x0DD4
	VendorDaruma      uint16 = 0x154F
	VendorKontec      uint16 = 0x0FE6
	VendorQinHeng     uint16 = 0x1A86 // CH340
	VendorProlific    uint16 = 0x067B
	VendorSiliconLabs uint16 = 0x10C4
	VendorFTDI        uint16 = 0x0403
)

var knownVendors = map[uint16]string{
	VendorBematech:    "Bematech",
	VendorEpson:       "Epson",
	VendorStar:        "Star Micronics",
	VendorCustom:      "Custom",
	VendorDaruma:      "Daruma",
	VendorKontec:      "Kontec",
	VendorQinHeng:     "QinHeng CH340",
	VendorProlific:    "Prolific",
	VendorSiliconLabs: "Silicon Labs",
	VendorFTDI:        "FTDI",
}

// IsKnownVendor reports whether vid belongs to a printer maker or a
// USB-serial bridge commonly found inside receipt printers.
func IsKnownVendor(vid uint16) bool {
	_, ok := knownVendors[vid]
	return ok
}

// VendorName returns the built-in vendor name, or "".
func VendorName(vid uint16) string {
	return knownVendors[vid]
}

// Descriptor identifies a printer by its USB vendor and product IDs.
type Descriptor struct {
	VendorID    uint16 `json:"vendorId"`
	ProductID   uint16 `json:"productId"`
	DisplayName string `json:"displayName"`
}

// Key is the identity used for permission records and reconnect matching.
func (d Descriptor) Key() string {
	return fmt.Sprintf("usb:%04X:%04X", d.VendorID, d.ProductID)
}

// Port is the human-readable port string stored in the saved config.
func (d Descriptor) Port() string {
	return fmt.Sprintf("USB %04X:%04X", d.VendorID, d.ProductID)
}

// Same reports whether two descriptors refer to the same hardware model.
func (d Descriptor) Same(o Descriptor) bool {
	return d.VendorID == o.VendorID && d.ProductID == o.ProductID
}

// Dialect infers the control-code dialect from the vendor.
func (d Descriptor) Dialect() Dialect {
	if d.VendorID == VendorBematech {
		return DialectESCBEMA
	}
	return DialectESCPOS
}

func (d Descriptor) String() string {
	if d.DisplayName != "" {
		return fmt.Sprintf("%s (%04x:%04x)", d.DisplayName, d.VendorID, d.ProductID)
	}
	return fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)
}

// DisplayNameFor picks the best available name for a device: the product
// string it reports, then the vendor name, then a generic label.
func DisplayNameFor(vid, pid uint16, product, manufacturer string) string {
	if p := strings.TrimSpace(product); p != "" {
		return p
	}
	if n := VendorName(vid); n != "" {
		return n
	}
	if n := lookupUSBName(vid, pid); n != "" {
		return n
	}
	if m := strings.TrimSpace(manufacturer); m != "" {
		return m
	}
	return fmt.Sprintf("USB Printer (%04x:%04x)", vid, pid)
}

// Dialect is a thermal printer control-code dialect.
type Dialect int

const (
	DialectESCPOS Dialect = iota
	DialectESCBEMA
)

func (d Dialect) String() string {
	if d == DialectESCBEMA {
		return "escbema"
	}
	return "escpos"
}

// ParseDialect maps the persisted language name back to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "escpos", "":
		return DialectESCPOS, nil
	case "escbema":
		return DialectESCBEMA, nil
	}
	return DialectESCPOS, fmt.Errorf("unknown printer language %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d Dialect) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Dialect) UnmarshalText(b []byte) error {
	v, err := ParseDialect(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
