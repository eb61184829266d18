//go:build !linux

package printer

import (
	"context"
	"log/slog"

	"github.com/thereceipt/printlink/pkg/receiptformat"
)

// VendorSDK needs usbfs; elsewhere it never initializes.
type VendorSDK struct{}

func NewVendorSDK(log *slog.Logger) *VendorSDK { return &VendorSDK{} }

func (b *VendorSDK) Name() string                                     { return "vendorsdk" }
func (b *VendorSDK) Init(ctx context.Context) error                   { return ErrNotSupported }
func (b *VendorSDK) List(ctx context.Context) []Descriptor            { return nil }
func (b *VendorSDK) Open(context.Context, Descriptor) (Handle, error) { return nil, ErrNotSupported }
func (b *VendorSDK) ConfigurationSet(Handle) bool                     { return false }
func (b *VendorSDK) SelectConfiguration(Handle, int) error            { return ErrNotSupported }
func (b *VendorSDK) Interfaces(Handle) ([]InterfaceInfo, error)       { return nil, ErrNotSupported }
func (b *VendorSDK) Claim(Handle, int) error                          { return ErrNotSupported }
func (b *VendorSDK) Release(Handle, int)                              {}
func (b *VendorSDK) SelectAlternate(Handle, int, int) error           { return ErrUnsupported }
func (b *VendorSDK) TransferOut(Handle, uint8, []byte) (int, error)   { return 0, ErrNotSupported }
func (b *VendorSDK) TransferIn(Handle, uint8, []byte) (int, error)    { return 0, ErrNotSupported }
func (b *VendorSDK) Close(Handle) error                               { return nil }
func (b *VendorSDK) Reset(Handle) error                               { return ErrUnsupported }

func (b *VendorSDK) PrintFormatted(Handle, string, receiptformat.Style) error { return ErrNotSupported }
func (b *VendorSDK) FeedPaper(Handle, int) error                              { return ErrNotSupported }
func (b *VendorSDK) CutPaper(Handle, bool) error                              { return ErrNotSupported }
