package printer

import "encoding/json"

// Status is the connection state machine value.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	}
	return "disconnected"
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ConnectionState is the single authoritative connection value. Observers
// receive copies.
type ConnectionState struct {
	Status  Status `json:"status"`
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// PermissionState tracks host permission for the current descriptor.
type PermissionState int

const (
	PermissionUnknown PermissionState = iota
	PermissionPending
	PermissionGranted
	PermissionDenied
)

func (p PermissionState) String() string {
	switch p {
	case PermissionPending:
		return "pending"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	}
	return "unknown"
}

// MarshalJSON encodes the permission state by name.
func (p PermissionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// Session is the claimed printer. At most one exists at a time.
type Session struct {
	Descriptor  Descriptor `json:"descriptor"`
	Interface   int        `json:"interface"`
	OutEndpoint uint8      `json:"outEndpoint"`
	Dialect     Dialect    `json:"dialect"`

	handle  Handle
	corrupt bool
}

// SavedConfig is the persisted record of the last connected printer.
type SavedConfig struct {
	Name      string  `json:"name"`
	Port      string  `json:"port"`
	Language  Dialect `json:"language"`
	VendorID  uint16  `json:"vendorId"`
	ProductID uint16  `json:"productId"`
}

// Descriptor rebuilds the descriptor the record was saved from.
func (c SavedConfig) Descriptor() Descriptor {
	return Descriptor{VendorID: c.VendorID, ProductID: c.ProductID, DisplayName: c.Name}
}

func savedConfigFor(d Descriptor) SavedConfig {
	return SavedConfig{
		Name:      d.DisplayName,
		Port:      d.Port(),
		Language:  d.Dialect(),
		VendorID:  d.VendorID,
		ProductID: d.ProductID,
	}
}
