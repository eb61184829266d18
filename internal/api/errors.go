package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/thereceipt/printlink/internal/printer"
)

// statusFor maps a printer error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, printer.ErrNoDeviceFound):
		return http.StatusNotFound
	case errors.Is(err, printer.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, printer.ErrTransport):
		return http.StatusInternalServerError
	case errors.Is(err, printer.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, printer.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, printer.ErrClaimFailed), errors.Is(err, printer.ErrClaimBusy),
		errors.Is(err, printer.ErrReconnectExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, printer.ErrNotSupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
