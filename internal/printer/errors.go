package printer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported means no backend is usable on this platform.
	ErrNotSupported = errors.New("no usable printer transport on this platform")
	// ErrNoDeviceFound means enumeration found nothing to connect to, or the
	// device vanished mid-operation.
	ErrNoDeviceFound = errors.New("no printer found")
	// ErrPermissionDenied means the host refused access to the device.
	ErrPermissionDenied = errors.New("permission to use the printer was denied")
	// ErrClaimBusy means another process holds the interface.
	ErrClaimBusy = errors.New("printer interface is busy")
	// ErrNoEndpoint means the device has no bulk OUT endpoint.
	ErrNoEndpoint = errors.New("printer has no bulk OUT endpoint")
	// ErrTimeout means the session lock was not acquired in time.
	ErrTimeout = errors.New("timed out waiting for the printer")
	// ErrTransport means an I/O failure during a transfer.
	ErrTransport = errors.New("printer transfer failed")
	// ErrClaimFailed means every claim attempt failed.
	ErrClaimFailed = errors.New("could not claim the printer interface")

	ErrNotConnected       = errors.New("printer is not connected")
	ErrReconnectExhausted = errors.New("automatic reconnection gave up, manual intervention required")
	ErrUnsupported        = errors.New("operation not supported by this transport")
)

// ClaimFailedError is returned when the retry policy is exhausted.
type ClaimFailedError struct {
	Attempts int
	Mobile   bool
	Last     error
}

func (e *ClaimFailedError) Error() string {
	if e.Mobile {
		return fmt.Sprintf("could not claim the printer after %d attempts. "+
			"Unplug the OTG cable, wait 5 seconds and plug it back in. "+
			"Close every other app that may be using the printer, and restart the device if it keeps failing",
			e.Attempts)
	}
	return fmt.Sprintf("could not claim the printer after %d attempts. "+
		"Check whether another program is using the printer and close it before trying again",
		e.Attempts)
}

// Unwrap exposes both the sentinel and the last underlying cause.
func (e *ClaimFailedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrClaimFailed}
	}
	return []error{ErrClaimFailed, e.Last}
}

// TransportError wraps an I/O failure with the bytes that made it out.
type TransportError struct {
	Written int
	Total   int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("printer transfer failed after %d/%d bytes: %v", e.Written, e.Total, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// ErrorKind names the taxonomy bucket of err, for status payloads.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotSupported):
		return "NotSupported"
	case errors.Is(err, ErrClaimFailed):
		return "ClaimFailed"
	case errors.Is(err, ErrNoDeviceFound):
		return "NoDeviceFound"
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	case errors.Is(err, ErrClaimBusy):
		return "ClaimBusy"
	case errors.Is(err, ErrNoEndpoint):
		return "NoEndpoint"
	case errors.Is(err, ErrTransport):
		// A transfer that timed out still broke the session
		return "TransportError"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrNotConnected):
		return "NotConnected"
	case errors.Is(err, ErrReconnectExhausted):
		return "ReconnectExhausted"
	}
	return "Unknown"
}
