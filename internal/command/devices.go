package command

import (
	"context"

	"github.com/thereceipt/printlink/internal/printer"
)

// Device is a visible printer joined with its registry identity.
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	VendorID    uint16 `json:"vendorId"`
	ProductID   uint16 `json:"productId"`
	Language    string `json:"language"`
	Connected   bool   `json:"connected"`
}

// Devices lists the printers the backend can see right now. Every device
// gets a stable registry ID the first time it is seen.
func (e *Executor) Devices(ctx context.Context) ([]Device, error) {
	descs, err := e.manager.Devices(ctx)
	if err != nil {
		return nil, err
	}

	sess := e.manager.Session()
	devices := make([]Device, 0, len(descs))
	for _, d := range descs {
		dev := Device{
			Name:        d.DisplayName,
			Description: d.DisplayName,
			VendorID:    d.VendorID,
			ProductID:   d.ProductID,
			Language:    d.Dialect().String(),
			Connected:   sess != nil && sess.Descriptor.Same(d),
		}
		if e.registry != nil {
			// A failed write still leaves a usable in-memory ID
			dev.ID, _ = e.registry.GetPrinterID(d.VendorID, d.ProductID, d.DisplayName)
			if name := e.registry.GetPrinterName(dev.ID); name != "" {
				dev.Name = name
			}
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// Rename sets the custom name of a registered printer.
func (e *Executor) Rename(id, name string) (bool, error) {
	if e.registry == nil {
		return false, nil
	}
	return e.registry.SetPrinterName(id, name)
}

// Describe returns the registry name of d, or its display name.
func (e *Executor) Describe(d printer.Descriptor) string {
	if e.registry != nil {
		for _, entry := range e.registry.GetAll() {
			if entry.VID == d.VendorID && entry.PID == d.ProductID && entry.Name != "" {
				return entry.Name
			}
		}
	}
	return d.String()
}
